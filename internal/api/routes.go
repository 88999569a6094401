// Package api provides HTTP handlers for the mosaic server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/mosaicart/server/internal/assetstore"
	"github.com/mosaicart/server/internal/jobstore"
	"github.com/mosaicart/server/internal/mosaic"
	"github.com/mosaicart/server/internal/render"
	"github.com/mosaicart/server/internal/service"
	"github.com/mosaicart/server/pkg/colorband"
	"github.com/mosaicart/server/pkg/colormap"
)

// DefaultUploadContainer holds source images waiting for their job.
const DefaultUploadContainer = "uploads"

// RouterConfig contains router configuration.
type RouterConfig struct {
	CORSOrigins     []string
	JobManager      *JobManager
	Mosaics         *service.MosaicService
	Tiles           *service.TileLibrary
	Assets          assetstore.Store
	OutputDir       string
	UploadContainer string
	MaxUploadBytes  int64
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.UploadContainer == "" {
		cfg.UploadContainer = DefaultUploadContainer
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 32 << 20
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Legacy single-call endpoint kept for existing clients.
	r.Post("/mosaicArt", mosaicSubmitHandler(cfg, true))

	r.Route("/api/mosaics", func(r chi.Router) {
		r.Post("/", mosaicSubmitHandler(cfg, false))
		r.Get("/", mosaicListHandler(cfg.JobManager))
		r.Get("/{job_id}", mosaicStatusHandler(cfg.JobManager))
		r.Delete("/{job_id}", mosaicCancelHandler(cfg.JobManager))
	})

	r.Route("/api/tiles", func(r chi.Router) {
		r.Post("/", tileUploadHandler(cfg))
		r.Get("/coverage", tileCoverageHandler(cfg.Tiles))
		r.Get("/coverage.png", tileCoverageMapHandler(cfg.Tiles))
		r.Delete("/{name}", tileDeleteHandler(cfg.Tiles))
	})

	r.Get("/outputs/{name}", outputHandler(cfg.OutputDir))
	r.Get("/assets/{container}/{name}", assetHandler(cfg.Assets))

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] failed to encode response: %v", err)
	}
}

// readUpload returns the bytes of the multipart "image" field.
func readUpload(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		return nil, errors.New("invalid multipart form: " + err.Error())
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		return nil, errors.New("image is required")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, errors.New("failed to read image: " + err.Error())
	}
	return data, nil
}

// parsePositiveField reads an optional positive integer form value. Absent
// values return 0.
func parsePositiveField(r *http.Request, name string) (int, error) {
	s := strings.TrimSpace(r.FormValue(name))
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return v, nil
}

// mosaicSubmitHandler validates the upload synchronously, stores it, and
// queues the mosaic. The response arrives before the artifact exists.
func mosaicSubmitHandler(cfg RouterConfig, legacy bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.JobManager == nil || cfg.Mosaics == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		data, err := readUpload(w, r, cfg.MaxUploadBytes)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		divisor, err := parsePositiveField(r, "grid_divisor")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		tileSize, err := parsePositiveField(r, "tile_size")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		img, err := service.DecodeImage(data)
		if err != nil {
			http.Error(w, "invalid image: "+err.Error(), http.StatusBadRequest)
			return
		}

		pipeline := cfg.Mosaics.Pipeline()
		params := pipeline.Resolved(mosaic.Params{GridDivisor: divisor, TileSize: tileSize})
		if err := pipeline.Validate(img, params); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		uploadName := uuid.NewString()
		if err := cfg.Assets.Put(r.Context(), cfg.UploadContainer, uploadName, data); err != nil {
			http.Error(w, "failed to store upload: "+err.Error(), http.StatusInternalServerError)
			return
		}
		discardUpload := func() {
			if err := cfg.Assets.Delete(context.Background(), cfg.UploadContainer, uploadName); err != nil {
				log.Printf("[API] failed to discard upload %s: %v", uploadName, err)
			}
		}

		job, err := cfg.JobManager.Submit(jobstore.JobParams{
			GridDivisor:     params.GridDivisor,
			TileSize:        params.TileSize,
			UploadContainer: cfg.UploadContainer,
			UploadName:      uploadName,
		})
		if err != nil {
			discardUpload()
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if job.Status == jobstore.JobStatusFailed {
			// The manager already released the upload.
			http.Error(w, job.Error, http.StatusServiceUnavailable)
			return
		}

		artifact := render.ArtifactName(params.GridDivisor, params.TileSize)
		if legacy {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"message":  "mosaicArt created successfully",
				"job_id":   job.ID,
				"artifact": artifact,
			})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id":   job.ID,
			"status":   job.Status,
			"artifact": artifact,
		})
	}
}

func jobResponse(job *jobstore.Job) map[string]interface{} {
	resp := map[string]interface{}{
		"job_id":      job.ID,
		"status":      job.Status,
		"params":      job.Params,
		"created_at":  job.CreatedAt,
		"started_at":  job.StartedAt,
		"finished_at": job.FinishedAt,
		"progress":    job.Progress,
		"result":      job.Result,
		"artifact":    job.Artifact,
		"error":       job.Error,
	}
	if job.Status == jobstore.JobStatusCompleted && job.Artifact != "" {
		resp["artifact_url"] = "/outputs/" + job.Artifact
	}
	return resp
}

func mosaicStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jm.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, jobResponse(job))
	}
}

func mosaicListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			if v, err := strconv.Atoi(s); err == nil && v > 0 {
				limit = v
				if limit > 500 {
					limit = 500
				}
			}
		}

		jobs, err := jm.Store().ListRecentJobs(limit)
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		items := make([]map[string]interface{}, 0, len(jobs))
		for _, job := range jobs {
			items = append(items, jobResponse(job))
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
	}
}

func mosaicCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		if jm.Get(jobID) == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    jobID,
			"cancelled": jm.Cancel(jobID),
		})
	}
}

func tileUploadHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Tiles == nil {
			http.Error(w, "tile library not configured", http.StatusNotImplemented)
			return
		}

		data, err := readUpload(w, r, cfg.MaxUploadBytes)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		tile, err := cfg.Tiles.Ingest(r.Context(), strings.TrimSpace(r.FormValue("name")), data)
		switch {
		case errors.Is(err, service.ErrInvalidImage), errors.Is(err, assetstore.ErrInvalidName):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			http.Error(w, "failed to ingest tile: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, tile)
	}
}

func tileDeleteHandler(lib *service.TileLibrary) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if lib == nil {
			http.Error(w, "tile library not configured", http.StatusNotImplemented)
			return
		}

		name := chi.URLParam(r, "name")
		err := lib.Remove(r.Context(), name)
		switch {
		case errors.Is(err, service.ErrTileNotFound):
			http.Error(w, "tile not found", http.StatusNotFound)
			return
		case err != nil:
			http.Error(w, "failed to remove tile: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"name": name, "deleted": true})
	}
}

func tileCoverageHandler(lib *service.TileLibrary) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if lib == nil {
			http.Error(w, "tile library not configured", http.StatusNotImplemented)
			return
		}

		cov, err := lib.Coverage(r.Context())
		if err != nil {
			http.Error(w, "failed to read coverage: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, cov)
	}
}

// tileCoverageMapHandler renders bucket coverage as a PNG heatmap.
func tileCoverageMapHandler(lib *service.TileLibrary) http.HandlerFunc {
	compositor := render.NewCompositor()
	return func(w http.ResponseWriter, r *http.Request) {
		if lib == nil {
			http.Error(w, "tile library not configured", http.StatusNotImplemented)
			return
		}

		cm := colormap.Colormap(colormap.Viridis)
		if name := r.URL.Query().Get("colormap"); name != "" {
			var ok bool
			if cm, ok = colormap.Named(name); !ok {
				http.Error(w, "unknown colormap: "+name, http.StatusBadRequest)
				return
			}
		}
		cell := 8
		if s := r.URL.Query().Get("cell"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v <= 0 || v > 64 {
				http.Error(w, "cell must be between 1 and 64", http.StatusBadRequest)
				return
			}
			cell = v
		}

		cov, err := lib.Coverage(r.Context())
		if err != nil {
			http.Error(w, "failed to read coverage: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		counts := make(map[colorband.Key]int, len(cov.Buckets))
		for k, n := range cov.Buckets {
			if key, err := colorband.ParseKey(k); err == nil {
				counts[key] = n
			}
		}

		data, err := compositor.CoverageMap(counts, cell, cm)
		if err != nil {
			http.Error(w, "failed to render coverage: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(data)
	}
}

// outputHandler serves finished artifacts by file name only.
func outputHandler(dir string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "no-cache")
		http.ServeFile(w, r, filepath.Join(dir, name))
	}
}

// assetHandler serves stored tile bytes, so recorded image URLs resolve.
func assetHandler(assets assetstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if assets == nil {
			http.Error(w, "asset store not configured", http.StatusNotImplemented)
			return
		}

		data, err := assets.Get(r.Context(), chi.URLParam(r, "container"), chi.URLParam(r, "name"))
		switch {
		case errors.Is(err, assetstore.ErrObjectNotFound):
			http.NotFound(w, r)
			return
		case errors.Is(err, assetstore.ErrInvalidName):
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		case err != nil:
			http.Error(w, "failed to read asset: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", http.DetectContentType(data))
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Write(data)
	}
}
