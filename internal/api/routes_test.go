package api

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mosaicart/server/internal/assetstore"
	"github.com/mosaicart/server/internal/jobstore"
	"github.com/mosaicart/server/internal/mosaic"
	"github.com/mosaicart/server/internal/service"
	"github.com/mosaicart/server/internal/tilestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	router *chi.Mux
	jobs   *JobManager
	assets *assetstore.FSStore
	tiles  *tilestore.Store
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnv(t, true)
}

// newTestEnv wires real stores behind the router. With start false nothing
// drains the job queue.
func newTestEnv(t *testing.T, start bool) *testEnv {
	t.Helper()
	dir := t.TempDir()

	assets, err := assetstore.NewFSStore(filepath.Join(dir, "assets"))
	require.NoError(t, err)
	t.Cleanup(func() { assets.Close() })

	tiles, err := tilestore.NewStore(filepath.Join(dir, "tiles.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { tiles.Close() })

	outDir := filepath.Join(dir, "outputs")
	pipeline := mosaic.NewPipeline(mosaic.Config{
		GridDivisor:  80,
		TileSize:     15,
		MaxInFlight:  8,
		FetchTimeout: time.Second,
		OutputDir:    outDir,
		CacheSize:    32,
	}, tiles, assets)
	mosaics := service.NewMosaicService(pipeline, assets)
	library := service.NewTileLibrary(service.TileLibraryConfig{
		Assets:    assets,
		Index:     tiles,
		Container: "images",
		URLPrefix: "http://localhost:3001/assets",
	})

	jm := newTestJobManager(t, filepath.Join(dir, "jobs.sqlite"), JobManagerConfig{MaxConcurrent: 1})
	jm.Executor = mosaics.ExecuteMosaicJob
	jm.Discard = mosaics.DiscardUpload
	if start {
		jm.Start()
	}

	router := NewRouter(RouterConfig{
		CORSOrigins: []string{"http://localhost:3000"},
		JobManager:  jm,
		Mosaics:     mosaics,
		Tiles:       library,
		Assets:      assets,
		OutputDir:   outDir,
	})
	return &testEnv{router: router, jobs: jm, assets: assets, tiles: tiles}
}

func solidPNG(t *testing.T, w, h int, c color.NRGBA) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// multipartRequest builds a POST with an optional "image" file and form fields.
func multipartRequest(t *testing.T, target string, image []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if image != nil {
		fw, err := mw.CreateFormFile("image", "upload.png")
		require.NoError(t, err)
		_, err = fw.Write(image)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload), rec.Body.String())
	return payload
}

func TestHealth(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestTileUploadAndCoverage(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.do(multipartRequest(t, "/api/tiles", solidPNG(t, 4, 4, color.NRGBA{255, 0, 0, 255}),
		map[string]string{"name": "rgb-255-0-0.png"}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tile := decodeBody(t, rec)
	assert.Equal(t, "811", tile["bucket_key"])
	assert.Equal(t, "http://localhost:3001/assets/images/rgb-255-0-0.png", tile["image_url"])

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/tiles/coverage", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	cov := decodeBody(t, rec)
	assert.EqualValues(t, 1, cov["covered"])
	assert.EqualValues(t, 512, cov["total"])

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/tiles/coverage.png?colormap=heat&cell=2", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	heatmap, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 128, 16), heatmap.Bounds())

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/tiles/coverage.png?colormap=jet", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/assets/images/rgb-255-0-0.png", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = env.do(httptest.NewRequest(http.MethodDelete, "/api/tiles/rgb-255-0-0.png", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(httptest.NewRequest(http.MethodDelete, "/api/tiles/rgb-255-0-0.png", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(httptest.NewRequest(http.MethodGet, "/assets/images/rgb-255-0-0.png", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTileUpload_Invalid(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.do(multipartRequest(t, "/api/tiles", []byte("not an image"), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(multipartRequest(t, "/api/tiles", solidPNG(t, 2, 2, color.NRGBA{A: 255}),
		map[string]string{"name": ".hidden"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(multipartRequest(t, "/api/tiles", nil, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMosaicSubmitPollAndDownload(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.do(multipartRequest(t, "/api/tiles", solidPNG(t, 4, 4, color.NRGBA{0, 0, 255, 255}),
		map[string]string{"name": "blue.png"}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(multipartRequest(t, "/api/mosaics", solidPNG(t, 40, 40, color.NRGBA{0, 0, 250, 255}),
		map[string]string{"grid_divisor": "10", "tile_size": "4"}))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	submitted := decodeBody(t, rec)
	assert.Equal(t, "output-10-4.png", submitted["artifact"])
	jobID, _ := submitted["job_id"].(string)
	require.NotEmpty(t, jobID)

	job := waitForStatus(t, env.jobs, jobID, jobstore.JobStatusCompleted)
	assert.Equal(t, jobstore.JobResult{Matched: 16}, job.Result)

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/mosaics/"+jobID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)
	assert.Equal(t, "completed", status["status"])
	assert.Equal(t, "/outputs/output-10-4.png", status["artifact_url"])

	rec = env.do(httptest.NewRequest(http.MethodGet, "/outputs/output-10-4.png", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 16), img.Bounds())
	assert.Equal(t, color.NRGBA{0, 0, 255, 255}, color.NRGBAModel.Convert(img.At(9, 9)))

	rec = env.do(httptest.NewRequest(http.MethodGet, "/api/mosaics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	items, _ := decodeBody(t, rec)["items"].([]interface{})
	assert.Len(t, items, 1)
}

func TestMosaicCancelQueuedReleasesUpload(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(multipartRequest(t, "/api/mosaics", solidPNG(t, 40, 40, color.NRGBA{0, 0, 250, 255}),
		map[string]string{"grid_divisor": "10", "tile_size": "4"}))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	jobID, _ := decodeBody(t, rec)["job_id"].(string)

	names, err := env.assets.List(t.Context(), DefaultUploadContainer)
	require.NoError(t, err)
	require.Len(t, names, 1)

	rec = env.do(httptest.NewRequest(http.MethodDelete, "/api/mosaics/"+jobID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["cancelled"])

	names, err = env.assets.List(t.Context(), DefaultUploadContainer)
	require.NoError(t, err)
	assert.Empty(t, names)

	env.jobs.Start()
	job := env.jobs.Get(jobID)
	require.NotNil(t, job)
	assert.Equal(t, jobstore.JobStatusCancelled, job.Status)
	assert.Empty(t, job.Artifact)
}

func TestMosaicCompletedReleasesUpload(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.do(multipartRequest(t, "/api/mosaics", solidPNG(t, 40, 40, color.NRGBA{A: 255}),
		map[string]string{"grid_divisor": "10", "tile_size": "4"}))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	jobID, _ := decodeBody(t, rec)["job_id"].(string)

	waitForStatus(t, env.jobs, jobID, jobstore.JobStatusCompleted)
	assert.Eventually(t, func() bool {
		names, err := env.assets.List(t.Context(), DefaultUploadContainer)
		return err == nil && len(names) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLegacyMosaicArt(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.do(multipartRequest(t, "/mosaicArt", solidPNG(t, 160, 160, color.NRGBA{20, 20, 20, 255}), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "mosaicArt created successfully", body["message"])
	assert.Equal(t, "output-80-15.png", body["artifact"])

	jobID, _ := body["job_id"].(string)
	job := waitForStatus(t, env.jobs, jobID, jobstore.JobStatusCompleted)
	// Empty tile library: every cell falls back to white.
	assert.Equal(t, 4, job.Result.NoMatch)
}

func TestMosaicSubmit_RejectsBadInput(t *testing.T) {
	env := setupTestEnv(t)

	cases := map[string]*http.Request{
		"degenerate grid": multipartRequest(t, "/api/mosaics", solidPNG(t, 5, 5, color.NRGBA{A: 255}), nil),
		"undecodable":     multipartRequest(t, "/api/mosaics", []byte("garbage"), nil),
		"missing image":   multipartRequest(t, "/api/mosaics", nil, nil),
		"bad tile size": multipartRequest(t, "/api/mosaics", solidPNG(t, 100, 100, color.NRGBA{A: 255}),
			map[string]string{"tile_size": "-3"}),
	}
	for name, req := range cases {
		rec := env.do(req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}

	names, err := env.assets.List(t.Context(), DefaultUploadContainer)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestMosaicUnknownJob(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/api/mosaics/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(httptest.NewRequest(http.MethodDelete, "/api/mosaics/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOutputs_NotFound(t *testing.T) {
	env := setupTestEnv(t)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/outputs/missing.png", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(httptest.NewRequest(http.MethodGet, "/outputs/.hidden", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
