package storyboard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/storyreel/storyreel-agent/internal/config"
	"github.com/storyreel/storyreel-agent/internal/continuity"
	"github.com/storyreel/storyreel-agent/internal/frame"
	"github.com/storyreel/storyreel-agent/internal/logging"
	"github.com/storyreel/storyreel-agent/internal/provider"
)

// FrameExtractor renders the last frame of a clip for continuity seeding.
type FrameExtractor interface {
	ExtractWithRetry(ctx context.Context, video []byte) (*frame.Still, error)
}

// relay carries the continuity state handed from one scene to the next.
// There is exactly one slot per batch: each completed scene either overwrites
// lastFrame or clears it, so a later scene can never see a stale frame.
type relay struct {
	sceneContext string
	lastFrame    *frame.Still
}

// StartBatchRequest describes a new batch. The API key lives only in runner
// memory for the life of the batch; it is never written to the database.
type StartBatchRequest struct {
	APIKey            string
	Prompts           []string
	AspectRatio       string
	DurationSeconds   int
	TransitionSeconds float64
}

// Runner drives batches through their scene loop, one batch at a time.
type Runner struct {
	repo       Repository
	provider   provider.Client
	frames     FrameExtractor
	contextExt continuity.Extractor
	cfg        config.Config
	logger     *slog.Logger

	busy atomic.Bool

	mu         sync.Mutex
	activeID   string
	sceneIndex int
	sceneCount int
	paused     map[string]bool
	relays     map[string]*relay
	keys       map[string]string
}

func NewRunner(repo Repository, client provider.Client, frames FrameExtractor, contextExt continuity.Extractor, cfg config.Config, logger *slog.Logger) *Runner {
	return &Runner{
		repo:       repo,
		provider:   client,
		frames:     frames,
		contextExt: contextExt,
		cfg:        cfg,
		logger:     logging.WithComponent(logger, "runner"),
		paused:     make(map[string]bool),
		relays:     make(map[string]*relay),
		keys:       make(map[string]string),
	}
}

// Run is the scheduling loop. It picks up the oldest pending batch, runs it
// to a terminal or paused state, then looks again. Blocks until ctx ends.
func (r *Runner) Run(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		batch, err := r.repo.NextPendingBatch(ctx)
		if err != nil {
			r.logger.Error("pending batch lookup failed", "error", err)
			continue
		}
		if batch == nil {
			continue
		}
		r.runBatch(ctx, batch)
	}
}

// StartBatch validates the request, persists the batch and its scenes, and
// stores the credential in session memory. The scheduling loop does the rest.
func (r *Runner) StartBatch(ctx context.Context, req StartBatchRequest) (*Batch, error) {
	if req.APIKey == "" {
		return nil, fmt.Errorf("missing API key")
	}
	if len(req.Prompts) == 0 {
		return nil, fmt.Errorf("batch needs at least one scene prompt")
	}
	if !provider.AspectRatios[req.AspectRatio] {
		return nil, fmt.Errorf("unsupported aspect ratio %q", req.AspectRatio)
	}
	if req.DurationSeconds < provider.MinDurationSeconds || req.DurationSeconds > provider.MaxDurationSeconds {
		return nil, fmt.Errorf("scene duration %ds outside %d-%ds",
			req.DurationSeconds, provider.MinDurationSeconds, provider.MaxDurationSeconds)
	}
	if req.TransitionSeconds < 0 {
		return nil, fmt.Errorf("transition duration must not be negative")
	}
	for i, p := range req.Prompts {
		if strings.TrimSpace(p) == "" {
			return nil, fmt.Errorf("scene %d prompt is empty", i)
		}
	}

	now := time.Now().UTC()
	batch := &Batch{
		ID:                NewID(),
		Status:            BatchStatusPending,
		Cursor:            0,
		SceneCount:        len(req.Prompts),
		AspectRatio:       req.AspectRatio,
		DurationSeconds:   req.DurationSeconds,
		TransitionSeconds: req.TransitionSeconds,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	scenes := make([]*Scene, len(req.Prompts))
	for i, p := range req.Prompts {
		scenes[i] = &Scene{
			ID:              NewID(),
			BatchID:         batch.ID,
			Index:           i,
			Prompt:          strings.TrimSpace(p),
			DurationSeconds: req.DurationSeconds,
			Status:          SceneStatusPending,
			UpdatedAt:       now,
		}
	}

	if err := r.repo.CreateBatch(ctx, batch, scenes); err != nil {
		return nil, fmt.Errorf("persist batch: %w", err)
	}

	r.mu.Lock()
	r.keys[batch.ID] = req.APIKey
	r.relays[batch.ID] = &relay{}
	r.mu.Unlock()

	r.logger.Info("batch created",
		"batch_id", batch.ID,
		"scenes", batch.SceneCount,
		"aspect_ratio", batch.AspectRatio,
		"key", logging.SanitizeKey(req.APIKey),
	)
	return batch, nil
}

// Pause requests a stop at the next scene boundary. The scene in flight
// finishes first; the cursor is persisted when the request is observed.
func (r *Runner) Pause(batchID string) {
	r.mu.Lock()
	r.paused[batchID] = true
	r.mu.Unlock()
	r.logger.Info("pause requested", "batch_id", batchID)
}

// Resume returns a paused batch to the pending queue. It fails when the
// session credential is gone, which happens after an agent restart; the
// caller must start a fresh batch in that case.
func (r *Runner) Resume(ctx context.Context, batchID string) error {
	batch, err := r.repo.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch == nil {
		return fmt.Errorf("batch %s not found", batchID)
	}
	if batch.Status != BatchStatusPaused {
		return fmt.Errorf("batch %s is %s, not paused", batchID, batch.Status)
	}

	r.mu.Lock()
	_, haveKey := r.keys[batchID]
	delete(r.paused, batchID)
	r.mu.Unlock()
	if !haveKey {
		return fmt.Errorf("credential no longer in session; paused batches do not survive a restart")
	}

	if err := r.repo.UpdateBatchStatus(ctx, batchID, BatchStatusPending, ""); err != nil {
		return err
	}
	r.logger.Info("batch resumed", "batch_id", batchID, "cursor", batch.Cursor)
	return nil
}

// ActiveBatchID reports the batch currently in its scene loop, if any.
func (r *Runner) ActiveBatchID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// Progress reports the active batch and its scene position for UI surfaces.
// A zero batch ID means the runner is idle.
func (r *Runner) Progress() (batchID string, sceneIndex, sceneCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID, r.sceneIndex, r.sceneCount
}

// Busy reports whether a batch is running right now.
func (r *Runner) Busy() bool {
	return r.busy.Load()
}

func (r *Runner) pauseRequested(batchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused[batchID]
}

func (r *Runner) batchKey(batchID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.keys[batchID]
}

func (r *Runner) batchRelay(batchID string) *relay {
	r.mu.Lock()
	defer r.mu.Unlock()
	rl := r.relays[batchID]
	if rl == nil {
		rl = &relay{}
		r.relays[batchID] = rl
	}
	return rl
}

func (r *Runner) forget(batchID string) {
	r.mu.Lock()
	delete(r.keys, batchID)
	delete(r.relays, batchID)
	delete(r.paused, batchID)
	r.mu.Unlock()
}

func (r *Runner) runBatch(ctx context.Context, batch *Batch) {
	r.busy.Store(true)
	r.mu.Lock()
	r.activeID = batch.ID
	r.sceneIndex = batch.Cursor
	r.sceneCount = batch.SceneCount
	r.mu.Unlock()
	defer func() {
		r.busy.Store(false)
		r.mu.Lock()
		r.activeID = ""
		r.sceneIndex = 0
		r.sceneCount = 0
		r.mu.Unlock()
	}()

	log := logging.WithBatchID(r.logger, batch.ID)

	apiKey := r.batchKey(batch.ID)
	if apiKey == "" {
		// Pending batch survived a restart but its credential did not.
		log.Warn("batch has no session credential, failing")
		if err := r.repo.UpdateBatchStatus(ctx, batch.ID, BatchStatusFailed, "credential no longer in session"); err != nil {
			log.Error("status update failed", "error", err)
		}
		r.forget(batch.ID)
		return
	}

	scenes, err := r.repo.GetScenes(ctx, batch.ID)
	if err != nil {
		log.Error("scene load failed", "error", err)
		return
	}

	if err := r.repo.UpdateBatchStatus(ctx, batch.ID, BatchStatusRunning, ""); err != nil {
		log.Error("status update failed", "error", err)
		return
	}
	log.Info("batch running", "cursor", batch.Cursor, "scenes", len(scenes))

	rl := r.batchRelay(batch.ID)

	for i := batch.Cursor; i < len(scenes); i++ {
		if ctx.Err() != nil {
			return
		}

		r.mu.Lock()
		r.sceneIndex = i
		r.mu.Unlock()

		// Pause is only observed here, at the scene boundary.
		if r.pauseRequested(batch.ID) {
			if err := r.repo.UpdateBatchCursor(ctx, batch.ID, i); err != nil {
				log.Error("cursor update failed", "error", err)
			}
			if err := r.repo.UpdateBatchStatus(ctx, batch.ID, BatchStatusPaused, ""); err != nil {
				log.Error("status update failed", "error", err)
			}
			log.Info("batch paused", "cursor", i)
			return
		}

		if i > batch.Cursor {
			select {
			case <-time.After(r.cfg.SceneDelay()):
			case <-ctx.Done():
				return
			}
		}

		halt := r.processScene(ctx, batch, scenes[i], apiKey, rl, i == len(scenes)-1)

		if err := r.repo.UpdateBatchCursor(ctx, batch.ID, i+1); err != nil {
			log.Error("cursor update failed", "error", err)
		}

		if halt {
			if err := r.repo.UpdateBatchStatus(ctx, batch.ID, BatchStatusFailed, "halted on authentication error"); err != nil {
				log.Error("status update failed", "error", err)
			}
			log.Warn("batch halted on authentication error", "scene", i)
			r.forget(batch.ID)
			return
		}
	}

	r.finishBatch(ctx, batch.ID, log)
}

func (r *Runner) finishBatch(ctx context.Context, batchID string, log *slog.Logger) {
	scenes, err := r.repo.GetScenes(ctx, batchID)
	if err != nil {
		log.Error("scene load failed", "error", err)
		return
	}

	completed := 0
	for _, s := range scenes {
		if s.Status == SceneStatusCompleted {
			completed++
		}
	}

	status := BatchStatusCompleted
	if completed == 0 {
		status = BatchStatusFailed
	}
	errMsg := strings.Join(SceneErrors(scenes), "; ")

	if err := r.repo.UpdateBatchStatus(ctx, batchID, status, errMsg); err != nil {
		log.Error("status update failed", "error", err)
	}
	log.Info("batch finished", "status", status, "completed", completed, "scenes", len(scenes))

	r.forget(batchID)
}

// processScene runs one scene to a terminal state. Returns true when the
// batch must halt because of an authentication failure.
func (r *Runner) processScene(ctx context.Context, batch *Batch, scene *Scene, apiKey string, rl *relay, isLast bool) bool {
	log := logging.WithSceneIndex(logging.WithBatchID(r.logger, batch.ID), scene.Index)

	if err := r.repo.UpdateSceneStatus(ctx, scene.ID, SceneStatusGenerating); err != nil {
		log.Error("scene status update failed", "error", err)
	}

	hasFrame := rl.lastFrame != nil
	prompt := continuity.BuildScenePrompt(scene.Prompt, rl.sceneContext, hasFrame)

	req := provider.GenerationRequest{
		APIKey:          apiKey,
		Prompt:          prompt,
		AspectRatio:     batch.AspectRatio,
		DurationSeconds: scene.DurationSeconds,
	}
	if hasFrame {
		req.ReferenceImage = &provider.ReferenceImage{
			Data:     rl.lastFrame.Data,
			MIMEType: rl.lastFrame.MIMEType,
		}
	}

	usedContinuity := hasFrame
	handle, err := r.provider.Submit(ctx, req)
	if err != nil && hasFrame && !provider.IsAuthError(err) {
		// Some prompts are rejected only when paired with a reference
		// image. Retry once without it before giving up on the scene.
		log.Warn("submission with reference frame rejected, retrying without", "error", err)
		req.ReferenceImage = nil
		req.Prompt = continuity.BuildScenePrompt(scene.Prompt, rl.sceneContext, false)
		usedContinuity = false
		handle, err = r.provider.Submit(ctx, req)
	}
	if err != nil {
		return r.failScene(ctx, scene, err, log)
	}

	assetURI, err := r.waitForAsset(ctx, handle, log)
	if err != nil {
		return r.failScene(ctx, scene, err, log)
	}

	// The scene is durably complete before any continuity side effect runs;
	// a frame extraction failure must not retract a finished scene.
	if err := r.repo.UpdateSceneResult(ctx, scene.ID, SceneStatusCompleted, assetURI, usedContinuity, ""); err != nil {
		log.Error("scene result update failed", "error", err)
	}
	scene.Status = SceneStatusCompleted
	scene.AssetURI = assetURI
	log.Info("scene completed", "used_continuity", usedContinuity)

	// The last scene has no successor, so its continuity state would never
	// be read. Skip the context and frame work entirely.
	if isLast {
		return false
	}

	if scene.Index == 0 && rl.sceneContext == "" {
		sceneCtx, err := r.contextExt.ExtractContext(ctx, apiKey, scene.Prompt)
		if err != nil {
			// Context-free generation still works; the batch degrades.
			log.Warn("scene context extraction failed, continuing without", "error", err)
		} else {
			rl.sceneContext = sceneCtx
		}
	}

	r.relayFrame(ctx, scene, assetURI, apiKey, rl, log)
	return false
}

// failScene records the failure and leaves the relay untouched; the next
// scene chains from the last scene that actually produced a frame.
func (r *Runner) failScene(ctx context.Context, scene *Scene, cause error, log *slog.Logger) bool {
	if err := r.repo.UpdateSceneResult(ctx, scene.ID, SceneStatusFailed, "", false, cause.Error()); err != nil {
		log.Error("scene result update failed", "error", err)
	}
	scene.Status = SceneStatusFailed
	scene.Error = cause.Error()
	log.Warn("scene failed", "error", cause)

	return provider.IsAuthError(cause) && r.cfg.HaltOnAuthError()
}

// waitForAsset polls the operation on a fixed interval under a wall-clock
// budget. A 404 means the operation is gone and the scene cannot recover.
func (r *Runner) waitForAsset(ctx context.Context, handle *provider.JobHandle, log *slog.Logger) (string, error) {
	deadline := time.Now().Add(r.cfg.JobTimeout())
	ticker := time.NewTicker(r.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}

		if time.Now().After(deadline) {
			return "", fmt.Errorf("generation timed out after %s", r.cfg.JobTimeout())
		}

		result, err := r.provider.Poll(ctx, handle)
		if err != nil {
			if provider.IsNotFoundError(err) || provider.IsAuthError(err) {
				return "", err
			}
			log.Warn("poll failed, will retry", "error", err)
			continue
		}
		if !result.Done {
			continue
		}
		if result.Error != "" {
			return "", fmt.Errorf("generation failed: %s", result.Error)
		}
		return result.AssetURI, nil
	}
}

// relayFrame downloads the completed clip and replaces the single-slot
// last-frame handle. Any failure clears the slot so the next scene runs
// context-only instead of chaining from a stale frame.
func (r *Runner) relayFrame(ctx context.Context, scene *Scene, assetURI, apiKey string, rl *relay, log *slog.Logger) {
	video, err := r.provider.FetchAsset(ctx, assetURI, apiKey)
	if err != nil {
		log.Warn("asset download for frame relay failed, clearing continuity frame", "error", err)
		rl.lastFrame = nil
		return
	}

	still, err := r.frames.ExtractWithRetry(ctx, video)
	if err != nil {
		log.Warn("frame extraction failed, clearing continuity frame", "error", err)
		rl.lastFrame = nil
		return
	}

	rl.lastFrame = still
	log.Debug("continuity frame updated", "bytes", len(still.Data), "mime", still.MIMEType)
}

// GenerateSingle runs one standalone generation outside any batch: submit,
// wait, and return the asset URI. No continuity state is touched.
func (r *Runner) GenerateSingle(ctx context.Context, req provider.GenerationRequest) (string, error) {
	handle, err := r.provider.Submit(ctx, req)
	if err != nil {
		return "", err
	}
	return r.waitForAsset(ctx, handle, r.logger)
}
