// Package frame extracts the final still frame of a generated clip for use
// as the next scene's continuity seed. Extraction is best-effort: the caller
// degrades to context-only generation when every attempt fails.
package frame

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// endMargin keeps the seek clear of black end-frames left by encoder
	// flushing.
	endMargin = 0.2

	// maxWidth/maxHeight bound the extracted still. Downscale only, never
	// upscale.
	maxWidth  = 1280
	maxHeight = 720

	// lumaSample is the side of the corner block sampled for the blank-frame
	// check; lumaMin/lumaMax are the soft-warning thresholds out of 255.
	lumaSample = 50
	lumaMin    = 5.0
	lumaMax    = 250.0

	// maxStillBytes is a soft ceiling on the encoded still; exceeding it is
	// logged, not rejected.
	maxStillBytes = 5 * 1024 * 1024

	maxStderrBytes = 8 * 1024
)

// ErrInvalidAsset marks a video that cannot seed continuity: zero or
// non-finite duration, or zero dimensions.
var ErrInvalidAsset = errors.New("invalid video asset")

// Still is an encoded single-frame image.
type Still struct {
	Data     []byte
	MIMEType string
}

// Config holds the extractor's tool paths and retry policy.
type Config struct {
	FFmpegPath     string
	FFprobePath    string
	WorkDir        string
	Retries        int           // attempts beyond none; 2 means up to 2 tries total
	RetryBackoff   time.Duration // delay between attempts
	AttemptTimeout time.Duration // budget per attempt, independent of the job budget
	Logger         *slog.Logger
}

// DefaultConfig returns production-ready defaults.
func DefaultConfig(workDir string, logger *slog.Logger) Config {
	return Config{
		FFmpegPath:     "ffmpeg",
		FFprobePath:    "ffprobe",
		WorkDir:        workDir,
		Retries:        2,
		RetryBackoff:   2 * time.Second,
		AttemptTimeout: 45 * time.Second,
		Logger:         logger,
	}
}

// Extractor renders the last frame of a clip via ffmpeg subprocesses.
type Extractor struct {
	cfg Config
	run commandRunner
}

func NewExtractor(cfg Config) (*Extractor, error) {
	if err := os.MkdirAll(cfg.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create work dir: %w", err)
	}
	return &Extractor{cfg: cfg, run: execRunner{}}, nil
}

// ExtractWithRetry runs Extract up to the configured number of attempts with
// a fixed backoff. A corrupt or too-short output counts as a retryable
// failure.
func (e *Extractor) ExtractWithRetry(ctx context.Context, video []byte) (*Still, error) {
	attempts := e.cfg.Retries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		still, err := e.Extract(attemptCtx, video)
		cancel()
		if err == nil {
			return still, nil
		}
		lastErr = err
		e.cfg.Logger.Warn("frame extraction attempt failed",
			"attempt", attempt, "attempts", attempts, "error", err)

		if attempt < attempts {
			select {
			case <-time.After(e.cfg.RetryBackoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// Extract performs a single extraction attempt: probe, seek to just before
// the end, render a downscaled frame, encode as JPEG (PNG fallback), and run
// the soft sanity checks.
func (e *Extractor) Extract(ctx context.Context, video []byte) (*Still, error) {
	videoPath, err := e.writeTemp("clip-*.mp4", video)
	if err != nil {
		return nil, err
	}
	defer os.Remove(videoPath)

	probe, err := e.probe(ctx, videoPath)
	if err != nil {
		return nil, err
	}

	seek := seekTime(probe.Duration)
	width, height := fitDimensions(probe.Width, probe.Height)

	imagePath := strings.TrimSuffix(videoPath, ".mp4") + ".jpg"
	mimeType := "image/jpeg"
	defer os.Remove(imagePath)

	args := extractArgs(videoPath, imagePath, seek, width, height)
	if _, stderr, err := e.run.Run(ctx, e.cfg.FFmpegPath, args...); err != nil {
		// JPEG encoder unavailable on some builds; fall back to lossless.
		pngPath := strings.TrimSuffix(videoPath, ".mp4") + ".png"
		defer os.Remove(pngPath)
		if _, stderr2, err2 := e.run.Run(ctx, e.cfg.FFmpegPath, extractArgs(videoPath, pngPath, seek, width, height)...); err2 != nil {
			return nil, fmt.Errorf("frame render failed: %s", tail(stderr, stderr2))
		}
		imagePath = pngPath
		mimeType = "image/png"
	}

	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("read extracted frame: %w", err)
	}
	if len(data) < 100 {
		return nil, fmt.Errorf("extracted frame too short: %d bytes", len(data))
	}

	e.checkLuma(ctx, imagePath)

	if len(data) > maxStillBytes {
		e.cfg.Logger.Warn("extracted frame exceeds size ceiling",
			"bytes", len(data), "ceiling", maxStillBytes)
	}

	e.cfg.Logger.Debug("frame extracted",
		"seek_s", seek, "width", width, "height", height, "bytes", len(data), "mime", mimeType)

	return &Still{Data: data, MIMEType: mimeType}, nil
}

func (e *Extractor) probe(ctx context.Context, path string) (*probeResult, error) {
	stdout, stderr, err := e.run.Run(ctx, e.cfg.FFprobePath,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("probe failed: %s", tail(stderr))
	}

	probe, err := parseProbe(stdout)
	if err != nil {
		return nil, err
	}
	return probe, nil
}

// checkLuma samples the top-left corner block and warns on suspected blank
// or overexposed frames. Soft warning only; false positives are common.
func (e *Extractor) checkLuma(ctx context.Context, imagePath string) {
	crop := fmt.Sprintf("crop=%d:%d:0:0", lumaSample, lumaSample)
	_, stderr, err := e.run.Run(ctx, e.cfg.FFmpegPath,
		"-v", "info",
		"-i", imagePath,
		"-vf", crop+",signalstats,metadata=print:key=lavfi.signalstats.YAVG",
		"-f", "null", "-",
	)
	if err != nil {
		e.cfg.Logger.Debug("luma check skipped", "error", err)
		return
	}

	luma, ok := parseMeanLuma(stderr)
	if !ok {
		e.cfg.Logger.Debug("luma check produced no measurement")
		return
	}
	if luma < lumaMin || luma > lumaMax {
		e.cfg.Logger.Warn("extracted frame may be blank or overexposed", "mean_luma", luma)
	}
}

func (e *Extractor) writeTemp(pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp(e.cfg.WorkDir, pattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

type probeResult struct {
	Duration float64
	Width    int
	Height   int
}

type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

func parseProbe(data []byte) (*probeResult, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse probe output: %w", err)
	}

	duration, err := strconv.ParseFloat(out.Format.Duration, 64)
	if err != nil || duration <= 0 || duration != duration {
		return nil, fmt.Errorf("%w: bad duration %q", ErrInvalidAsset, out.Format.Duration)
	}

	var width, height int
	for _, s := range out.Streams {
		if s.CodecType == "video" {
			width, height = s.Width, s.Height
			break
		}
	}
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: bad dimensions %dx%d", ErrInvalidAsset, width, height)
	}

	return &probeResult{Duration: duration, Width: width, Height: height}, nil
}

// seekTime returns the timestamp of the frame to capture: endMargin before
// the end, clamped at zero for very short clips.
func seekTime(duration float64) float64 {
	t := duration - endMargin
	if t < 0 {
		return 0
	}
	return t
}

// fitDimensions bounds the output raster to maxWidth x maxHeight preserving
// aspect ratio (downscale only), with both dimensions floored to even values.
func fitDimensions(w, h int) (int, int) {
	fw, fh := float64(w), float64(h)
	if w > maxWidth || h > maxHeight {
		ratio := min(float64(maxWidth)/fw, float64(maxHeight)/fh)
		fw *= ratio
		fh *= ratio
	}
	return int(fw) / 2 * 2, int(fh) / 2 * 2
}

func extractArgs(videoPath, imagePath string, seek float64, width, height int) []string {
	return []string{
		"-y",
		"-ss", strconv.FormatFloat(seek, 'f', 3, 64),
		"-i", videoPath,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"-q:v", "2",
		imagePath,
	}
}

// parseMeanLuma scans ffmpeg metadata-print output for the signalstats YAVG
// value.
func parseMeanLuma(output []byte) (float64, bool) {
	const key = "lavfi.signalstats.YAVG="
	for _, line := range strings.Split(string(output), "\n") {
		idx := strings.Index(line, key)
		if idx < 0 {
			continue
		}
		value := strings.TrimSpace(line[idx+len(key):])
		luma, err := strconv.ParseFloat(value, 64)
		if err != nil {
			continue
		}
		return luma, true
	}
	return 0, false
}

func tail(buffers ...[]byte) string {
	var b strings.Builder
	for _, buf := range buffers {
		s := strings.TrimSpace(string(buf))
		if s == "" {
			continue
		}
		if len(s) > maxStderrBytes {
			s = s[len(s)-maxStderrBytes:]
		}
		if b.Len() > 0 {
			b.WriteString("; ")
		}
		b.WriteString(s)
	}
	return b.String()
}
