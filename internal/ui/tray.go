package ui

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getlantern/systray"
)

// refreshInterval is how often the tray polls the runner for progress.
const refreshInterval = 2 * time.Second

// BatchRunner is the slice of the batch runner the tray drives.
type BatchRunner interface {
	ActiveBatchID() string
	Progress() (batchID string, sceneIndex, sceneCount int)
	Pause(batchID string)
	Resume(ctx context.Context, batchID string) error
}

type Tray struct {
	runner BatchRunner
	logger *slog.Logger

	statusItem *systray.MenuItem
	batchItem  *systray.MenuItem
	pauseItem  *systray.MenuItem

	mu          sync.Mutex
	paused      bool
	pausedBatch string

	done   chan struct{}
	onQuit func()
}

type TrayConfig struct {
	Runner BatchRunner
	Logger *slog.Logger
	OnQuit func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		runner: cfg.Runner,
		logger: cfg.Logger,
		done:   make(chan struct{}),
		onQuit: cfg.OnQuit,
	}
}

func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("StoryReel")
	systray.SetTooltip("StoryReel Agent")

	t.statusItem = systray.AddMenuItem("Status: Idle", "Current agent status")
	t.statusItem.Disable()

	t.batchItem = systray.AddMenuItem("No active batch", "Batch in progress")
	t.batchItem.Disable()

	systray.AddSeparator()

	t.pauseItem = systray.AddMenuItem("Pause", "Pause the active batch")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit StoryReel Agent")

	go func() {
		for {
			select {
			case <-t.pauseItem.ClickedCh:
				t.togglePause()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	go t.pollProgress()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	close(t.done)
	t.logger.Info("system tray exiting")
}

// pollProgress keeps the status and batch lines in step with the runner.
func (t *Tray) pollProgress() {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			t.refresh()
		}
	}
}

func (t *Tray) refresh() {
	batchID, sceneIndex, sceneCount := t.runner.Progress()

	t.mu.Lock()
	if t.paused && batchID != "" && batchID != t.pausedBatch {
		// A different batch started running; the old pause is stale.
		t.paused = false
	}
	paused := t.paused
	t.mu.Unlock()

	t.setStatus(statusLine(paused, batchID))
	t.setBatch(batchLine(batchID, sceneIndex, sceneCount))
}

func (t *Tray) togglePause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.runner == nil {
		return
	}

	batchID := t.runner.ActiveBatchID()
	if batchID == "" && !t.paused {
		return
	}

	if t.paused {
		if err := t.runner.Resume(context.Background(), t.pausedBatch); err != nil {
			t.logger.Warn("resume from tray failed", "error", err)
			return
		}
		t.paused = false
		t.pauseItem.SetTitle("Pause")
		t.statusItem.SetTitle("Status: Running")
	} else {
		t.runner.Pause(batchID)
		t.paused = true
		t.pausedBatch = batchID
		t.pauseItem.SetTitle("Resume")
		t.statusItem.SetTitle("Status: Pausing")
	}
}

func (t *Tray) setStatus(title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.statusItem != nil {
		t.statusItem.SetTitle(title)
	}
}

func (t *Tray) setBatch(title string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.batchItem != nil {
		t.batchItem.SetTitle(title)
	}
}

// statusLine is the status menu text for the given runner state.
func statusLine(paused bool, batchID string) string {
	switch {
	case paused:
		return "Status: Paused"
	case batchID != "":
		return "Status: Running"
	default:
		return "Status: Idle"
	}
}

// batchLine is the progress menu text for the given batch position.
func batchLine(batchID string, sceneIndex, sceneCount int) string {
	if batchID == "" || sceneCount == 0 {
		return "No active batch"
	}
	return fmt.Sprintf("Scene %d of %d", sceneIndex+1, sceneCount)
}

func (t *Tray) Quit() {
	systray.Quit()
}
