package storyboard

import (
	"crypto/rand"
	"fmt"
	"strings"
	"time"
)

const (
	BatchStatusPending   = "pending"
	BatchStatusRunning   = "running"
	BatchStatusPaused    = "paused"
	BatchStatusCompleted = "completed"
	BatchStatusFailed    = "failed"

	SceneStatusPending    = "pending"
	SceneStatusGenerating = "generating"
	SceneStatusCompleted  = "completed"
	SceneStatusFailed     = "failed"
)

// Batch is one continuity-chained run over an ordered scene list. The cursor
// is the only state that must survive a pause; it always points at the next
// scene to process.
type Batch struct {
	ID                string    `json:"id"`
	Status            string    `json:"status"`
	Cursor            int       `json:"cursor"`
	SceneCount        int       `json:"scene_count"`
	AspectRatio       string    `json:"aspect_ratio"`
	DurationSeconds   int       `json:"duration_seconds"`
	TransitionSeconds float64   `json:"transition_seconds"`
	Error             string    `json:"error,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Scene is one ordered storyboard unit mapping to exactly one generation
// request. Prompt and index are immutable once the batch is created; status
// and outcome are tracked on the row, not on the prompt.
type Scene struct {
	ID              string    `json:"id"`
	BatchID         string    `json:"batch_id"`
	Index           int       `json:"index"`
	Prompt          string    `json:"prompt"`
	DurationSeconds int       `json:"duration_seconds"`
	Status          string    `json:"status"`
	AssetURI        string    `json:"asset_uri,omitempty"`
	UsedContinuity  bool      `json:"used_continuity"`
	Error           string    `json:"error,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func NewID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// ParsePrompts splits an uploaded prompt list, one scene per non-blank line.
func ParsePrompts(text string) []string {
	var prompts []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			prompts = append(prompts, line)
		}
	}
	return prompts
}

// SceneErrors collects the human-readable failure list for a batch, each
// entry naming the scene it belongs to.
func SceneErrors(scenes []*Scene) []string {
	var errs []string
	for _, s := range scenes {
		if s.Status == SceneStatusFailed && s.Error != "" {
			errs = append(errs, fmt.Sprintf("scene %d: %s", s.Index+1, s.Error))
		}
	}
	return errs
}
