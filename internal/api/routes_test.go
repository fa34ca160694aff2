package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/storyreel/storyreel-agent/internal/frame"
	"github.com/storyreel/storyreel-agent/internal/merge"
	"github.com/storyreel/storyreel-agent/internal/provider"
	"github.com/storyreel/storyreel-agent/internal/storyboard"
)

type fakeRepo struct {
	batches []*storyboard.Batch
	scenes  map[string][]*storyboard.Scene
	prefs   map[string]string
	created *storyboard.Batch
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		scenes: make(map[string][]*storyboard.Scene),
		prefs:  make(map[string]string),
	}
}

func (f *fakeRepo) CreateBatch(ctx context.Context, b *storyboard.Batch, scenes []*storyboard.Scene) error {
	f.created = b
	f.batches = append(f.batches, b)
	f.scenes[b.ID] = scenes
	return nil
}

func (f *fakeRepo) GetBatch(ctx context.Context, id string) (*storyboard.Batch, error) {
	for _, b := range f.batches {
		if b.ID == id {
			return b, nil
		}
	}
	return nil, nil
}

func (f *fakeRepo) ListBatches(ctx context.Context, limit int) ([]*storyboard.Batch, error) {
	return f.batches, nil
}

func (f *fakeRepo) NextPendingBatch(ctx context.Context) (*storyboard.Batch, error) {
	return nil, nil
}

func (f *fakeRepo) UpdateBatchStatus(ctx context.Context, id, status, errorMsg string) error {
	for _, b := range f.batches {
		if b.ID == id {
			b.Status = status
			b.Error = errorMsg
		}
	}
	return nil
}

func (f *fakeRepo) UpdateBatchCursor(ctx context.Context, id string, cursor int) error { return nil }

func (f *fakeRepo) GetScenes(ctx context.Context, batchID string) ([]*storyboard.Scene, error) {
	return f.scenes[batchID], nil
}

func (f *fakeRepo) UpdateSceneStatus(ctx context.Context, id, status string) error { return nil }

func (f *fakeRepo) UpdateSceneResult(ctx context.Context, id, status, assetURI string, usedContinuity bool, errorMsg string) error {
	return nil
}

func (f *fakeRepo) GetPreference(ctx context.Context, key string) (string, error) {
	return f.prefs[key], nil
}

func (f *fakeRepo) SetPreference(ctx context.Context, key, value string) error {
	f.prefs[key] = value
	return nil
}

type fakeProvider struct {
	asset    []byte
	assetErr error
}

func (f *fakeProvider) Submit(ctx context.Context, req provider.GenerationRequest) (*provider.JobHandle, error) {
	return &provider.JobHandle{Name: "op-1", APIKey: req.APIKey}, nil
}

func (f *fakeProvider) Poll(ctx context.Context, h *provider.JobHandle) (*provider.PollResult, error) {
	return &provider.PollResult{Done: true, AssetURI: "https://assets/op-1"}, nil
}

func (f *fakeProvider) FetchAsset(ctx context.Context, assetURI, apiKey string) ([]byte, error) {
	if f.assetErr != nil {
		return nil, f.assetErr
	}
	return f.asset, nil
}

type fakeFrames struct {
	still *frame.Still
	err   error
}

func (f *fakeFrames) ExtractWithRetry(ctx context.Context, video []byte) (*frame.Still, error) {
	return f.still, f.err
}

type fakeContextExtractor struct {
	out string
	err error
}

func (f *fakeContextExtractor) ExtractContext(ctx context.Context, apiKey, scenePrompt string) (string, error) {
	return f.out, f.err
}

type fakeMerger struct {
	got    merge.Request
	output []byte
	err    error
}

func (f *fakeMerger) Merge(ctx context.Context, req merge.Request) ([]byte, error) {
	f.got = req
	return f.output, f.err
}

type testCfg struct{}

func (testCfg) Port() int                          { return 0 }
func (testCfg) LogLevel() string                   { return "error" }
func (testCfg) DataDir() string                    { return "" }
func (testCfg) DBPath() string                     { return "" }
func (testCfg) WorkDir() string                    { return "" }
func (testCfg) Headless() bool                     { return true }
func (testCfg) ProviderBaseURL() string            { return "" }
func (testCfg) VideoModel() string                 { return "veo-test" }
func (testCfg) TextModel() string                  { return "gemini-test" }
func (testCfg) PollInterval() time.Duration        { return time.Millisecond }
func (testCfg) JobTimeout() time.Duration          { return time.Second }
func (testCfg) SceneDelay() time.Duration          { return 0 }
func (testCfg) HaltOnAuthError() bool              { return true }
func (testCfg) CrossfadeSeconds() float64          { return 0.3 }
func (testCfg) FrameRetries() int                  { return 1 }
func (testCfg) FrameBackoff() time.Duration        { return 0 }
func (testCfg) FrameAttemptTimeout() time.Duration { return time.Second }
func (testCfg) FFmpegPath() string                 { return "ffmpeg" }
func (testCfg) FFprobePath() string                { return "ffprobe" }

func testServerConfig(repo *fakeRepo) ServerConfig {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	prov := &fakeProvider{asset: []byte("video bytes")}
	frames := &fakeFrames{still: &frame.Still{Data: []byte("frame"), MIMEType: "image/jpeg"}}
	contexts := &fakeContextExtractor{out: "extracted context"}

	runner := storyboard.NewRunner(repo, prov, frames, contexts, testCfg{}, logger)

	return ServerConfig{
		Repository:       repo,
		Runner:           runner,
		Provider:         prov,
		ContextExtractor: contexts,
		Frames:           frames,
		Merger:           &fakeMerger{output: []byte("merged video")},
		Logger:           logger,
		StartTime:        time.Now(),
	}
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, reader)
	router.ServeHTTP(rr, req)
	return rr
}

func TestHealthEndpoint(t *testing.T) {
	router := NewRouter(testServerConfig(newFakeRepo()))

	rr := doJSON(t, router, http.MethodGet, "/health", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "ok" {
		t.Fatalf("health status = %q", resp.Status)
	}
}

func TestCreateBatch(t *testing.T) {
	repo := newFakeRepo()
	router := NewRouter(testServerConfig(repo))

	rr := doJSON(t, router, http.MethodPost, "/batches", CreateBatchRequest{
		APIKey:            "test-key",
		Prompts:           []string{"scene one", "scene two"},
		AspectRatio:       "16:9",
		DurationSeconds:   8,
		TransitionSeconds: 0.3,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", rr.Code, http.StatusCreated, rr.Body.String())
	}

	var resp CreateBatchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.BatchID == "" {
		t.Fatal("batch_id missing from response")
	}
	if repo.created == nil || repo.created.SceneCount != 2 {
		t.Fatalf("created batch = %+v", repo.created)
	}
}

func TestCreateBatch_PromptsText(t *testing.T) {
	repo := newFakeRepo()
	router := NewRouter(testServerConfig(repo))

	rr := doJSON(t, router, http.MethodPost, "/batches", CreateBatchRequest{
		APIKey:          "test-key",
		PromptsText:     "scene one\n\nscene two\nscene three\n",
		AspectRatio:     "9:16",
		DurationSeconds: 6,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if repo.created.SceneCount != 3 {
		t.Fatalf("SceneCount = %d, want 3 from line-split prompts", repo.created.SceneCount)
	}
}

func TestCreateBatch_Invalid(t *testing.T) {
	router := NewRouter(testServerConfig(newFakeRepo()))

	rr := doJSON(t, router, http.MethodPost, "/batches", CreateBatchRequest{
		APIKey:          "test-key",
		Prompts:         []string{"scene one"},
		AspectRatio:     "4:3",
		DurationSeconds: 8,
	})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestGetBatch_WithScenes(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now().UTC()
	repo.batches = append(repo.batches, &storyboard.Batch{
		ID: "b1", Status: storyboard.BatchStatusCompleted, SceneCount: 1,
		AspectRatio: "16:9", DurationSeconds: 8, CreatedAt: now, UpdatedAt: now,
	})
	repo.scenes["b1"] = []*storyboard.Scene{
		{ID: "s1", BatchID: "b1", Index: 0, Prompt: "p", Status: storyboard.SceneStatusCompleted,
			AssetURI: "https://assets/op-1", UsedContinuity: false, UpdatedAt: now},
	}

	router := NewRouter(testServerConfig(repo))
	rr := doJSON(t, router, http.MethodGet, "/batches/b1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var resp BatchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Scenes) != 1 || resp.Scenes[0].AssetURI != "https://assets/op-1" {
		t.Fatalf("scenes = %+v", resp.Scenes)
	}
}

func TestGetBatch_NotFound(t *testing.T) {
	router := NewRouter(testServerConfig(newFakeRepo()))

	rr := doJSON(t, router, http.MethodGet, "/batches/missing", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}

func TestPauseBatch_WrongState(t *testing.T) {
	repo := newFakeRepo()
	now := time.Now().UTC()
	repo.batches = append(repo.batches, &storyboard.Batch{
		ID: "b1", Status: storyboard.BatchStatusCompleted, CreatedAt: now, UpdatedAt: now,
	})

	router := NewRouter(testServerConfig(repo))
	rr := doJSON(t, router, http.MethodPost, "/batches/b1/pause", nil)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusConflict)
	}
}

func TestExtractContext(t *testing.T) {
	router := NewRouter(testServerConfig(newFakeRepo()))

	rr := doJSON(t, router, http.MethodPost, "/extract-context", ExtractContextRequest{
		APIKey: "k", Prompt: "a cat in a kitchen",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}

	var resp ExtractContextResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Context != "extracted context" {
		t.Fatalf("context = %q", resp.Context)
	}
}

func TestExtractContext_MissingFields(t *testing.T) {
	router := NewRouter(testServerConfig(newFakeRepo()))

	rr := doJSON(t, router, http.MethodPost, "/extract-context", ExtractContextRequest{Prompt: "p"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestExtractFrame_ReturnsImage(t *testing.T) {
	router := NewRouter(testServerConfig(newFakeRepo()))

	rr := doJSON(t, router, http.MethodPost, "/extract-last-frame", ExtractFrameRequest{
		APIKey: "k", AssetURI: "https://assets/op-1",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if rr.Body.String() != "frame" {
		t.Fatalf("body = %q", rr.Body.String())
	}
}

func TestMergeVideos(t *testing.T) {
	cfg := testServerConfig(newFakeRepo())
	merger := &fakeMerger{output: []byte("merged video")}
	cfg.Merger = merger
	router := NewRouter(cfg)

	rr := doJSON(t, router, http.MethodPost, "/merge-videos", MergeVideosRequest{
		APIKey:            "k",
		AssetURIs:         []string{"uri-a", "uri-b"},
		DurationSeconds:   8,
		TransitionSeconds: 0.3,
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if rr.Body.String() != "merged video" {
		t.Fatalf("body = %q", rr.Body.String())
	}
	if len(merger.got.AssetURIs) != 2 || merger.got.NominalDuration != 8 {
		t.Fatalf("merge request = %+v", merger.got)
	}
}

func TestMergeVideos_MissingFields(t *testing.T) {
	router := NewRouter(testServerConfig(newFakeRepo()))

	rr := doJSON(t, router, http.MethodPost, "/merge-videos", MergeVideosRequest{APIKey: "k"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusBadRequest)
	}
}

func TestDownloadVideo_Proxies(t *testing.T) {
	router := NewRouter(testServerConfig(newFakeRepo()))

	rr := doJSON(t, router, http.MethodPost, "/download-video", DownloadVideoRequest{
		APIKey: "k", AssetURI: "https://assets/op-1",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "video bytes" {
		t.Fatalf("body = %q", rr.Body.String())
	}
	if cd := rr.Header().Get("Content-Disposition"); !strings.Contains(cd, "attachment") {
		t.Fatalf("Content-Disposition = %q", cd)
	}
}

func TestDownloadVideo_UpstreamAuthError(t *testing.T) {
	cfg := testServerConfig(newFakeRepo())
	cfg.Provider = &fakeProvider{assetErr: &provider.APIError{StatusCode: http.StatusForbidden, Message: "denied"}}
	router := NewRouter(cfg)

	rr := doJSON(t, router, http.MethodPost, "/download-video", DownloadVideoRequest{
		APIKey: "k", AssetURI: "https://assets/op-1",
	})
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}

func TestPreferences_RoundTrip(t *testing.T) {
	repo := newFakeRepo()
	router := NewRouter(testServerConfig(repo))

	rr := doJSON(t, router, http.MethodPut, "/preferences", PreferencesResponse{
		AspectRatio:       "9:16",
		DurationSeconds:   6,
		TransitionSeconds: 0.5,
		BatchSize:         4,
		SavedContext:      "warm kitchen",
	})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("PUT status = %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, router, http.MethodGet, "/preferences", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("GET status = %d", rr.Code)
	}

	var resp PreferencesResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AspectRatio != "9:16" || resp.DurationSeconds != 6 || resp.TransitionSeconds != 0.5 || resp.BatchSize != 4 {
		t.Fatalf("preferences = %+v", resp)
	}
	if resp.SavedContext != "warm kitchen" {
		t.Fatalf("saved_context = %q", resp.SavedContext)
	}
}

func TestWriteProviderError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&provider.APIError{StatusCode: http.StatusUnauthorized}, http.StatusUnauthorized},
		{&provider.APIError{StatusCode: http.StatusForbidden}, http.StatusUnauthorized},
		{&provider.APIError{StatusCode: http.StatusBadRequest}, http.StatusBadRequest},
		{&provider.APIError{StatusCode: http.StatusNotFound}, http.StatusNotFound},
		{&provider.APIError{StatusCode: http.StatusInternalServerError}, http.StatusBadGateway},
		{fmt.Errorf("wrapped: %w", &provider.APIError{StatusCode: http.StatusForbidden}), http.StatusUnauthorized},
		{errors.New("plain failure"), http.StatusInternalServerError},
	}

	for _, tc := range cases {
		rr := httptest.NewRecorder()
		writeProviderError(rr, tc.err)
		if rr.Code != tc.status {
			t.Errorf("writeProviderError(%v) status = %d, want %d", tc.err, rr.Code, tc.status)
		}
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	router := NewRouter(testServerConfig(newFakeRepo()))

	rr := doJSON(t, router, http.MethodGet, "/health", nil)
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatal("X-Request-ID header missing")
	}
}
