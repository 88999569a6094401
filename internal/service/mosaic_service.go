// Package service provides business logic for the mosaic server.
package service

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"log"

	"github.com/disintegration/imaging"
	"github.com/mosaicart/server/internal/assetstore"
	"github.com/mosaicart/server/internal/jobstore"
	"github.com/mosaicart/server/internal/mosaic"

	_ "golang.org/x/image/webp"
)

// progressSteps bounds how many progress writes one job makes.
const progressSteps = 20

// DecodeImage decodes png, jpeg, gif and webp data, honoring EXIF orientation.
func DecodeImage(data []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// MosaicService builds mosaics for queued jobs.
type MosaicService struct {
	pipeline *mosaic.Pipeline
	assets   assetstore.Store
}

// NewMosaicService creates a new mosaic service.
func NewMosaicService(pipeline *mosaic.Pipeline, assets assetstore.Store) *MosaicService {
	return &MosaicService{pipeline: pipeline, assets: assets}
}

// Pipeline returns the underlying pipeline.
func (s *MosaicService) Pipeline() *mosaic.Pipeline {
	return s.pipeline
}

// DiscardUpload removes a job's source image from the asset store.
func (s *MosaicService) DiscardUpload(job *jobstore.Job) {
	p := job.Params
	if p.UploadName == "" {
		return
	}
	if err := s.assets.Delete(context.Background(), p.UploadContainer, p.UploadName); err != nil {
		log.Printf("[MosaicService] failed to remove upload %s/%s: %v", p.UploadContainer, p.UploadName, err)
	}
}

// ExecuteMosaicJob runs the pipeline for a job (called by JobManager worker).
// The upload stays in place so an interrupted job can run again; the job
// manager releases it through DiscardUpload.
func (s *MosaicService) ExecuteMosaicJob(ctx context.Context, store *jobstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}
	p := job.Params

	data, err := s.assets.Get(ctx, p.UploadContainer, p.UploadName)
	if err != nil {
		return fmt.Errorf("failed to load upload: %w", err)
	}

	img, err := DecodeImage(data)
	if err != nil {
		return err
	}

	res, err := s.pipeline.Run(ctx, img, mosaic.Params{
		GridDivisor: p.GridDivisor,
		TileSize:    p.TileSize,
		Progress: func(done, total int) {
			step := total / progressSteps
			if step < 1 {
				step = 1
			}
			if done%step != 0 && done != total {
				return
			}
			if err := store.UpdateJobProgress(jobID, done, total); err != nil {
				log.Printf("[MosaicService] progress update for %s: %v", jobID, err)
			}
		},
	})
	if err != nil {
		return err
	}

	// Progress callbacks race each other; settle the final count.
	if err := store.UpdateJobProgress(jobID, res.Cells, res.Cells); err != nil {
		return err
	}
	return store.UpdateJobResult(jobID, res.Artifact, jobstore.JobResult{
		Matched:     res.Matched,
		NoMatch:     res.NoMatch,
		FetchFailed: res.FetchFailed,
	})
}
