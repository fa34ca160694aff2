package api

import (
	"time"

	"github.com/storyreel/storyreel-agent/internal/storyboard"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State         string         `json:"state"`
	ActiveBatchID string         `json:"active_batch_id,omitempty"`
	ActiveBatch   *BatchResponse `json:"active_batch,omitempty"`
}

type CreateBatchRequest struct {
	APIKey            string   `json:"api_key"`
	Prompts           []string `json:"prompts,omitempty"`
	PromptsText       string   `json:"prompts_text,omitempty"`
	AspectRatio       string   `json:"aspect_ratio"`
	DurationSeconds   int      `json:"duration_seconds"`
	TransitionSeconds float64  `json:"transition_seconds"`
}

type CreateBatchResponse struct {
	BatchID string `json:"batch_id"`
}

type BatchResponse struct {
	ID                string          `json:"id"`
	Status            string          `json:"status"`
	Cursor            int             `json:"cursor"`
	SceneCount        int             `json:"scene_count"`
	AspectRatio       string          `json:"aspect_ratio"`
	DurationSeconds   int             `json:"duration_seconds"`
	TransitionSeconds float64         `json:"transition_seconds"`
	Error             string          `json:"error,omitempty"`
	CreatedAt         string          `json:"created_at"`
	UpdatedAt         string          `json:"updated_at"`
	Scenes            []SceneResponse `json:"scenes,omitempty"`
}

type BatchesResponse struct {
	Batches []BatchResponse `json:"batches"`
}

type SceneResponse struct {
	ID             string `json:"id"`
	Index          int    `json:"index"`
	Prompt         string `json:"prompt"`
	Status         string `json:"status"`
	AssetURI       string `json:"asset_uri,omitempty"`
	UsedContinuity bool   `json:"used_continuity"`
	Error          string `json:"error,omitempty"`
	UpdatedAt      string `json:"updated_at"`
}

type GenerateVideoRequest struct {
	APIKey          string `json:"api_key"`
	Prompt          string `json:"prompt"`
	AspectRatio     string `json:"aspect_ratio"`
	DurationSeconds int    `json:"duration_seconds"`
}

type GenerateVideoResponse struct {
	AssetURI string `json:"asset_uri"`
}

type ExtractContextRequest struct {
	APIKey string `json:"api_key"`
	Prompt string `json:"prompt"`
}

type ExtractContextResponse struct {
	Context string `json:"context"`
}

type ExtractFrameRequest struct {
	APIKey   string `json:"api_key"`
	AssetURI string `json:"asset_uri"`
}

type MergeVideosRequest struct {
	APIKey            string   `json:"api_key"`
	AssetURIs         []string `json:"asset_uris"`
	DurationSeconds   float64  `json:"duration_seconds"`
	TransitionSeconds float64  `json:"transition_seconds"`
}

type DownloadVideoRequest struct {
	APIKey   string `json:"api_key"`
	AssetURI string `json:"asset_uri"`
}

type PreferencesResponse struct {
	AspectRatio       string  `json:"aspect_ratio,omitempty"`
	DurationSeconds   int     `json:"duration_seconds,omitempty"`
	TransitionSeconds float64 `json:"transition_seconds,omitempty"`
	BatchSize         int     `json:"batch_size,omitempty"`
	SavedContext      string  `json:"saved_context,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func BatchToResponse(b *storyboard.Batch) BatchResponse {
	return BatchResponse{
		ID:                b.ID,
		Status:            b.Status,
		Cursor:            b.Cursor,
		SceneCount:        b.SceneCount,
		AspectRatio:       b.AspectRatio,
		DurationSeconds:   b.DurationSeconds,
		TransitionSeconds: b.TransitionSeconds,
		Error:             b.Error,
		CreatedAt:         b.CreatedAt.Format(time.RFC3339),
		UpdatedAt:         b.UpdatedAt.Format(time.RFC3339),
	}
}

func SceneToResponse(s *storyboard.Scene) SceneResponse {
	return SceneResponse{
		ID:             s.ID,
		Index:          s.Index,
		Prompt:         s.Prompt,
		Status:         s.Status,
		AssetURI:       s.AssetURI,
		UsedContinuity: s.UsedContinuity,
		Error:          s.Error,
		UpdatedAt:      s.UpdatedAt.Format(time.RFC3339),
	}
}
