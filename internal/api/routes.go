package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/storyreel/storyreel-agent/internal/config"
	"github.com/storyreel/storyreel-agent/internal/merge"
	"github.com/storyreel/storyreel-agent/internal/provider"
	"github.com/storyreel/storyreel-agent/internal/storyboard"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(CORSMiddleware())

	r.Get("/health", healthHandler(cfg))
	r.Get("/status", statusHandler(cfg))

	r.Get("/preferences", getPreferencesHandler(cfg))
	r.Put("/preferences", putPreferencesHandler(cfg))

	r.Post("/batches", createBatchHandler(cfg))
	r.Get("/batches", listBatchesHandler(cfg))
	r.Get("/batches/{id}", getBatchHandler(cfg))
	r.Post("/batches/{id}/pause", pauseBatchHandler(cfg))
	r.Post("/batches/{id}/resume", resumeBatchHandler(cfg))

	r.Post("/generate-video", generateVideoHandler(cfg))
	r.Post("/extract-context", extractContextHandler(cfg))
	r.Post("/extract-last-frame", extractFrameHandler(cfg))
	r.Post("/merge-videos", mergeVideosHandler(cfg))
	r.Post("/download-video", downloadVideoHandler(cfg))

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: config.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := StatusResponse{State: "idle"}

		if id := cfg.Runner.ActiveBatchID(); id != "" {
			resp.State = "running"
			resp.ActiveBatchID = id
			if batch, err := cfg.Repository.GetBatch(r.Context(), id); err == nil && batch != nil {
				b := BatchToResponse(batch)
				resp.ActiveBatch = &b
				if batch.Status == storyboard.BatchStatusPaused {
					resp.State = "paused"
				}
			}
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func createBatchHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateBatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		prompts := req.Prompts
		if len(prompts) == 0 {
			prompts = storyboard.ParsePrompts(req.PromptsText)
		}

		batch, err := cfg.Runner.StartBatch(r.Context(), storyboard.StartBatchRequest{
			APIKey:            req.APIKey,
			Prompts:           prompts,
			AspectRatio:       req.AspectRatio,
			DurationSeconds:   req.DurationSeconds,
			TransitionSeconds: req.TransitionSeconds,
		})
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		WriteJSON(w, http.StatusCreated, CreateBatchResponse{BatchID: batch.ID})
	}
}

func listBatchesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batches, err := cfg.Repository.ListBatches(r.Context(), 50)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list batches", "INTERNAL_ERROR")
			return
		}

		resp := BatchesResponse{Batches: make([]BatchResponse, len(batches))}
		for i, b := range batches {
			resp.Batches[i] = BatchToResponse(b)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getBatchHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "batch id required", "BAD_REQUEST")
			return
		}

		batch, err := cfg.Repository.GetBatch(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if batch == nil {
			WriteError(w, http.StatusNotFound, "batch not found", "NOT_FOUND")
			return
		}

		scenes, err := cfg.Repository.GetScenes(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		resp := BatchToResponse(batch)
		resp.Scenes = make([]SceneResponse, len(scenes))
		for i, s := range scenes {
			resp.Scenes[i] = SceneToResponse(s)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func pauseBatchHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "batch id required", "BAD_REQUEST")
			return
		}

		batch, err := cfg.Repository.GetBatch(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if batch == nil {
			WriteError(w, http.StatusNotFound, "batch not found", "NOT_FOUND")
			return
		}
		if batch.Status != storyboard.BatchStatusRunning && batch.Status != storyboard.BatchStatusPending {
			WriteError(w, http.StatusConflict, "batch is not running", "CONFLICT")
			return
		}

		cfg.Runner.Pause(id)
		w.WriteHeader(http.StatusAccepted)
	}
}

func resumeBatchHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "batch id required", "BAD_REQUEST")
			return
		}

		if err := cfg.Runner.Resume(r.Context(), id); err != nil {
			WriteError(w, http.StatusConflict, err.Error(), "CONFLICT")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func generateVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req GenerateVideoRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		assetURI, err := cfg.Runner.GenerateSingle(r.Context(), provider.GenerationRequest{
			APIKey:          req.APIKey,
			Prompt:          req.Prompt,
			AspectRatio:     req.AspectRatio,
			DurationSeconds: req.DurationSeconds,
		})
		if err != nil {
			writeProviderError(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, GenerateVideoResponse{AssetURI: assetURI})
	}
}

func extractContextHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExtractContextRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.APIKey == "" || req.Prompt == "" {
			WriteError(w, http.StatusBadRequest, "api_key and prompt are required", "BAD_REQUEST")
			return
		}

		sceneContext, err := cfg.ContextExtractor.ExtractContext(r.Context(), req.APIKey, req.Prompt)
		if err != nil {
			writeProviderError(w, err)
			return
		}

		WriteJSON(w, http.StatusOK, ExtractContextResponse{Context: sceneContext})
	}
}

func extractFrameHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ExtractFrameRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.APIKey == "" || req.AssetURI == "" {
			WriteError(w, http.StatusBadRequest, "api_key and asset_uri are required", "BAD_REQUEST")
			return
		}

		video, err := cfg.Provider.FetchAsset(r.Context(), req.AssetURI, req.APIKey)
		if err != nil {
			writeProviderError(w, err)
			return
		}

		still, err := cfg.Frames.ExtractWithRetry(r.Context(), video)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		w.Header().Set("Content-Type", still.MIMEType)
		w.Header().Set("Content-Length", strconv.Itoa(len(still.Data)))
		w.WriteHeader(http.StatusOK)
		w.Write(still.Data)
	}
}

func mergeVideosHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req MergeVideosRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.APIKey == "" || len(req.AssetURIs) == 0 {
			WriteError(w, http.StatusBadRequest, "api_key and asset_uris are required", "BAD_REQUEST")
			return
		}

		video, err := cfg.Merger.Merge(r.Context(), merge.Request{
			AssetURIs:          req.AssetURIs,
			APIKey:             req.APIKey,
			NominalDuration:    req.DurationSeconds,
			TransitionDuration: req.TransitionSeconds,
		})
		if err != nil {
			writeProviderError(w, err)
			return
		}

		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Disposition", `attachment; filename="storyreel.mp4"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(video)))
		w.WriteHeader(http.StatusOK)
		w.Write(video)
	}
}

// downloadVideoHandler proxies an asset download so the credential stays in
// a request header instead of a link the browser would expose.
func downloadVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req DownloadVideoRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.APIKey == "" || req.AssetURI == "" {
			WriteError(w, http.StatusBadRequest, "api_key and asset_uri are required", "BAD_REQUEST")
			return
		}

		video, err := cfg.Provider.FetchAsset(r.Context(), req.AssetURI, req.APIKey)
		if err != nil {
			writeProviderError(w, err)
			return
		}

		w.Header().Set("Content-Type", "video/mp4")
		w.Header().Set("Content-Disposition", `attachment; filename="scene.mp4"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(video)))
		w.WriteHeader(http.StatusOK)
		w.Write(video)
	}
}

const (
	prefAspectRatio       = "aspect_ratio"
	prefDurationSeconds   = "duration_seconds"
	prefTransitionSeconds = "transition_seconds"
	prefBatchSize         = "batch_size"
	prefSavedContext      = "saved_context"
)

func getPreferencesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var resp PreferencesResponse

		if v, err := cfg.Repository.GetPreference(ctx, prefAspectRatio); err == nil {
			resp.AspectRatio = v
		}
		if v, err := cfg.Repository.GetPreference(ctx, prefDurationSeconds); err == nil && v != "" {
			resp.DurationSeconds, _ = strconv.Atoi(v)
		}
		if v, err := cfg.Repository.GetPreference(ctx, prefTransitionSeconds); err == nil && v != "" {
			resp.TransitionSeconds, _ = strconv.ParseFloat(v, 64)
		}
		if v, err := cfg.Repository.GetPreference(ctx, prefBatchSize); err == nil && v != "" {
			resp.BatchSize, _ = strconv.Atoi(v)
		}
		if v, err := cfg.Repository.GetPreference(ctx, prefSavedContext); err == nil {
			resp.SavedContext = v
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func putPreferencesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req PreferencesResponse
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		ctx := r.Context()
		prefs := map[string]string{}
		if req.AspectRatio != "" {
			prefs[prefAspectRatio] = req.AspectRatio
		}
		if req.DurationSeconds > 0 {
			prefs[prefDurationSeconds] = strconv.Itoa(req.DurationSeconds)
		}
		if req.TransitionSeconds > 0 {
			prefs[prefTransitionSeconds] = strconv.FormatFloat(req.TransitionSeconds, 'g', -1, 64)
		}
		if req.BatchSize > 0 {
			prefs[prefBatchSize] = strconv.Itoa(req.BatchSize)
		}
		if req.SavedContext != "" {
			prefs[prefSavedContext] = req.SavedContext
		}

		for k, v := range prefs {
			if err := cfg.Repository.SetPreference(ctx, k, v); err != nil {
				WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
				return
			}
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

// writeProviderError maps upstream API failures onto the matching HTTP
// status; anything else is an internal error.
func writeProviderError(w http.ResponseWriter, err error) {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.IsAuth():
			WriteError(w, http.StatusUnauthorized, apiErr.Message, "UNAUTHORIZED")
		case apiErr.IsInvalidRequest():
			WriteError(w, http.StatusBadRequest, apiErr.Message, "BAD_REQUEST")
		case apiErr.IsNotFound():
			WriteError(w, http.StatusNotFound, apiErr.Message, "NOT_FOUND")
		default:
			WriteError(w, http.StatusBadGateway, apiErr.Message, "UPSTREAM_ERROR")
		}
		return
	}
	WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
}
