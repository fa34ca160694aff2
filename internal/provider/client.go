// Package provider wraps the remote text-to-video generation API: submit a
// job, poll its long-running operation until terminal, and fetch the
// resulting asset. It keeps no state between calls beyond the evolving
// handle, and it never retries on its own; retry and fallback policy belong
// to the batch runner.
package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/storyreel/storyreel-agent/internal/logging"
)

// Client is the generation provider contract consumed by the batch runner
// and the HTTP handlers.
type Client interface {
	Submit(ctx context.Context, req GenerationRequest) (*JobHandle, error)
	Poll(ctx context.Context, handle *JobHandle) (*PollResult, error)
	FetchAsset(ctx context.Context, assetURI, apiKey string) ([]byte, error)
}

// HTTPClient talks to a Veo-style generativelanguage REST endpoint.
type HTTPClient struct {
	baseURL    string
	videoModel string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewHTTPClient(baseURL, videoModel string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		videoModel: videoModel,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}
}

// Submit starts a generation job and returns its operation handle.
func (c *HTTPClient) Submit(ctx context.Context, req GenerationRequest) (*JobHandle, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	instance := submitInstance{Prompt: req.Prompt}
	if req.ReferenceImage != nil {
		instance.Image = &inlineImage{
			BytesBase64Encoded: base64.StdEncoding.EncodeToString(req.ReferenceImage.Data),
			MIMEType:           req.ReferenceImage.MIMEType,
		}
	}

	body, err := json.Marshal(submitRequest{
		Instances: []submitInstance{instance},
		Parameters: submitParameters{
			AspectRatio:     req.AspectRatio,
			DurationSeconds: req.DurationSeconds,
			NumberOfVideos:  1,
			Resolution:      "720p",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal generation request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:predictLongRunning", c.baseURL, c.videoModel)

	var op operationResponse
	if err := c.do(ctx, http.MethodPost, url, req.APIKey, body, &op); err != nil {
		return nil, err
	}
	if op.Name == "" {
		return nil, &APIError{StatusCode: http.StatusBadGateway, Message: "no operation name in response"}
	}

	c.logger.Info("generation job submitted",
		"operation", op.Name,
		"aspect_ratio", req.AspectRatio,
		"duration_s", req.DurationSeconds,
		"reference_image", req.ReferenceImage != nil,
		"key", logging.SanitizeKey(req.APIKey),
	)

	return &JobHandle{Name: op.Name, APIKey: req.APIKey}, nil
}

// Poll observes the operation once. Callers poll on a fixed interval and
// enforce their own wall-clock budget.
func (c *HTTPClient) Poll(ctx context.Context, handle *JobHandle) (*PollResult, error) {
	url := fmt.Sprintf("%s/v1beta/%s", c.baseURL, strings.TrimPrefix(handle.Name, "/"))

	var op operationResponse
	if err := c.do(ctx, http.MethodGet, url, handle.APIKey, nil, &op); err != nil {
		return nil, err
	}

	if !op.Done {
		return &PollResult{Done: false}, nil
	}

	if op.Error != nil {
		return &PollResult{Done: true, Error: op.Error.Message}, nil
	}

	uri := assetURI(&op)
	if uri == "" {
		return &PollResult{Done: true, Error: "no video URI in operation response"}, nil
	}
	return &PollResult{Done: true, AssetURI: uri}, nil
}

// FetchAsset downloads a completed asset. The key travels in a header, never
// as a bare query parameter on a third-party URL.
func (c *HTTPClient) FetchAsset(ctx context.Context, assetURI, apiKey string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, assetURI, nil)
	if err != nil {
		return nil, fmt.Errorf("create asset request: %w", err)
	}
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("asset download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		tail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(tail)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read asset body: %w", err)
	}

	c.logger.Debug("asset downloaded", "bytes", len(data))
	return data, nil
}

func (c *HTTPClient) do(ctx context.Context, method, url, apiKey string, body []byte, out *operationResponse) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("x-goog-api-key", apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var envelope errorEnvelope
		msg := string(respBody)
		if err := json.Unmarshal(respBody, &envelope); err == nil && envelope.Error.Message != "" {
			msg = envelope.Error.Message
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parse operation response: %w", err)
	}
	return nil
}

func validate(req GenerationRequest) error {
	if strings.TrimSpace(req.Prompt) == "" {
		return &APIError{StatusCode: http.StatusBadRequest, Message: "prompt must not be empty"}
	}
	if req.APIKey == "" {
		return &APIError{StatusCode: http.StatusUnauthorized, Message: "missing API key"}
	}
	if !AspectRatios[req.AspectRatio] {
		return &APIError{StatusCode: http.StatusBadRequest, Message: fmt.Sprintf("unsupported aspect ratio %q", req.AspectRatio)}
	}
	if req.DurationSeconds < MinDurationSeconds || req.DurationSeconds > MaxDurationSeconds {
		return &APIError{StatusCode: http.StatusBadRequest,
			Message: fmt.Sprintf("duration %ds outside %d-%ds", req.DurationSeconds, MinDurationSeconds, MaxDurationSeconds)}
	}
	return nil
}

func assetURI(op *operationResponse) string {
	if op.Response == nil || op.Response.GenerateVideoResponse == nil {
		return ""
	}
	for _, s := range op.Response.GenerateVideoResponse.GeneratedSamples {
		if s.Video != nil && s.Video.URI != "" {
			return s.Video.URI
		}
	}
	return ""
}
