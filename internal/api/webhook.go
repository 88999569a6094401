package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/mosaicart/server/internal/jobstore"
)

// Webhook event names.
const (
	EventMosaicCompleted = "mosaic.completed"
	EventMosaicFailed    = "mosaic.failed"
)

// WebhookEvent is the payload POSTed when a mosaic job finishes.
type WebhookEvent struct {
	Event     string             `json:"event"`
	JobID     string             `json:"job_id"`
	Status    string             `json:"status"`
	Artifact  string             `json:"artifact,omitempty"`
	Result    jobstore.JobResult `json:"result"`
	Error     string             `json:"error,omitempty"`
	Timestamp string             `json:"timestamp"`
}

// WebhookNotifier sends HTTP POST notifications to configured webhook URLs.
type WebhookNotifier struct {
	urls    []string
	client  *http.Client
	backoff time.Duration
}

// NewWebhookNotifier creates a webhook notifier. Returns nil if no URLs are configured.
func NewWebhookNotifier(urls []string) *WebhookNotifier {
	if len(urls) == 0 {
		return nil
	}
	return &WebhookNotifier{
		urls:    urls,
		client:  &http.Client{Timeout: 10 * time.Second},
		backoff: time.Second,
	}
}

// NotifyJob sends the finish event for job. It does not block the caller.
func (wn *WebhookNotifier) NotifyJob(job *jobstore.Job) {
	if wn == nil || job == nil {
		return
	}

	event := &WebhookEvent{
		Event:     EventMosaicFailed,
		JobID:     job.ID,
		Status:    string(job.Status),
		Artifact:  job.Artifact,
		Result:    job.Result,
		Error:     job.Error,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if job.Status == jobstore.JobStatusCompleted {
		event.Event = EventMosaicCompleted
	}

	go wn.send(event)
}

func (wn *WebhookNotifier) send(event *WebhookEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[Webhook] marshal event: %v", err)
		return
	}

	for _, url := range wn.urls {
		if err := wn.post(url, data); err != nil {
			log.Printf("[Webhook] delivery to %s failed: %v", url, err)
		}
	}
}

// post sends a single webhook POST with up to 2 retries. 4xx is not retried.
func (wn *WebhookNotifier) post(url string, data []byte) error {
	const maxRetries = 2

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "mosaicart-server/1.0")

		resp, err := wn.client.Do(req)
		if err != nil {
			lastErr = err
			time.Sleep(time.Duration(attempt+1) * wn.backoff)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return lastErr
		}
		time.Sleep(time.Duration(attempt+1) * wn.backoff)
	}

	return lastErr
}
