package merge

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

const maxStderrBytes = 8 * 1024

// AssetFetcher downloads a completed clip by its provider URI.
type AssetFetcher interface {
	FetchAsset(ctx context.Context, assetURI, apiKey string) ([]byte, error)
}

// Request is one merge invocation: the completed clips in original scene
// order plus the timing model for the crossfade chain.
type Request struct {
	AssetURIs          []string
	APIKey             string
	NominalDuration    float64
	TransitionDuration float64
}

// Engine downloads clips and executes the merge plan with ffmpeg. Any engine
// failure is fatal to the merge; the diagnostic is propagated verbatim.
type Engine struct {
	fetcher    AssetFetcher
	ffmpegPath string
	workDir    string
	run        commandRunner
	logger     *slog.Logger
}

type commandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return outBuf.Bytes(), errBuf.Bytes(), err
}

func NewEngine(fetcher AssetFetcher, ffmpegPath, workDir string, logger *slog.Logger) (*Engine, error) {
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create work dir: %w", err)
	}
	return &Engine{
		fetcher:    fetcher,
		ffmpegPath: ffmpegPath,
		workDir:    workDir,
		run:        execRunner{},
		logger:     logger,
	}, nil
}

// Merge fetches all assets, executes the plan and returns the single output.
// Downloads run concurrently; filter-graph construction preserves input
// order regardless of download completion order. The working set is released
// before returning so repeated merges do not accumulate scratch files.
func (e *Engine) Merge(ctx context.Context, req Request) ([]byte, error) {
	plan, err := BuildPlan(len(req.AssetURIs), req.NominalDuration, req.TransitionDuration)
	if err != nil {
		return nil, err
	}

	e.logger.Info("merge started",
		"inputs", plan.Inputs,
		"transition_s", plan.Transition,
		"effective_duration_s", plan.EffectiveDuration(),
	)

	clips := make([][]byte, len(req.AssetURIs))
	g, gctx := errgroup.WithContext(ctx)
	for i, uri := range req.AssetURIs {
		g.Go(func() error {
			data, err := e.fetcher.FetchAsset(gctx, uri, req.APIKey)
			if err != nil {
				return fmt.Errorf("download clip %d: %w", i+1, err)
			}
			clips[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	tempDir, err := os.MkdirTemp(e.workDir, "merge-")
	if err != nil {
		return nil, fmt.Errorf("create merge scratch dir: %w", err)
	}
	defer os.RemoveAll(tempDir)

	inputPaths := make([]string, len(clips))
	for i, clip := range clips {
		path := filepath.Join(tempDir, fmt.Sprintf("input%d.mp4", i))
		if err := os.WriteFile(path, clip, 0644); err != nil {
			return nil, fmt.Errorf("write clip %d: %w", i+1, err)
		}
		inputPaths[i] = path
	}

	outputPath := filepath.Join(tempDir, "output.mp4")
	args, err := plan.Args(inputPaths, outputPath)
	if err != nil {
		return nil, err
	}

	if _, stderr, err := e.run.Run(ctx, e.ffmpegPath, args...); err != nil {
		return nil, fmt.Errorf("merge failed: %s", stderrTail(stderr))
	}

	output, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("read merged output: %w", err)
	}

	e.logger.Info("merge completed", "inputs", plan.Inputs, "bytes", len(output))
	return output, nil
}

func stderrTail(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	if len(s) > maxStderrBytes {
		s = s[len(s)-maxStderrBytes:]
	}
	return s
}
