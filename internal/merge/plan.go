// Package merge concatenates completed clips into one playable file:
// a pure plan builder that computes the crossfade chain and its offsets,
// and an engine that downloads the assets and drives ffmpeg.
package merge

import (
	"fmt"
	"strings"
)

// Plan is the filter-graph description for one merge invocation, derived
// fresh per request and never persisted.
type Plan struct {
	Inputs     int
	Nominal    float64 // nominal per-clip duration in seconds
	Transition float64 // crossfade duration in seconds
	// Offsets holds the start time of each transition. Empty for a single
	// input. Assumes uniform per-clip nominal duration; heterogeneous true
	// lengths make these approximations, a known limitation.
	Offsets []float64
	// FilterGraph is the xfade chain, empty for the single-input re-encode.
	FilterGraph string
}

// BuildPlan computes the transition chain for inputCount clips.
func BuildPlan(inputCount int, nominalSeconds, transitionSeconds float64) (*Plan, error) {
	if inputCount < 1 {
		return nil, fmt.Errorf("merge plan requires at least one input, got %d", inputCount)
	}
	if nominalSeconds <= 0 {
		return nil, fmt.Errorf("nominal duration must be positive, got %g", nominalSeconds)
	}
	if transitionSeconds < 0 {
		return nil, fmt.Errorf("transition duration must not be negative, got %g", transitionSeconds)
	}
	if inputCount > 1 && transitionSeconds >= nominalSeconds {
		return nil, fmt.Errorf("transition %gs must be shorter than clip duration %gs", transitionSeconds, nominalSeconds)
	}

	p := &Plan{
		Inputs:     inputCount,
		Nominal:    nominalSeconds,
		Transition: transitionSeconds,
	}
	if inputCount == 1 {
		return p, nil
	}

	var graph strings.Builder
	previous := "[0:v]"
	for i := 1; i < inputCount; i++ {
		offset := (nominalSeconds - transitionSeconds) * float64(i)
		p.Offsets = append(p.Offsets, offset)

		out := fmt.Sprintf("[v%d]", i)
		if i == inputCount-1 {
			out = "[v]"
		}
		if graph.Len() > 0 {
			graph.WriteString(";")
		}
		fmt.Fprintf(&graph, "%s[%d:v]xfade=transition=fade:duration=%g:offset=%g%s",
			previous, i, transitionSeconds, offset, out)
		previous = out
	}
	p.FilterGraph = graph.String()
	return p, nil
}

// EffectiveDuration is the expected length of the merged output.
func (p *Plan) EffectiveDuration() float64 {
	if p.Inputs <= 1 {
		return p.Nominal * float64(p.Inputs)
	}
	return p.Nominal*float64(p.Inputs) - p.Transition*float64(p.Inputs-1)
}

// Args renders the ffmpeg invocation for this plan. Input paths must be in
// original scene order; the filter graph indexes them by position.
func (p *Plan) Args(inputPaths []string, outputPath string) ([]string, error) {
	if len(inputPaths) != p.Inputs {
		return nil, fmt.Errorf("plan built for %d inputs, got %d paths", p.Inputs, len(inputPaths))
	}

	args := []string{"-y"}
	for _, path := range inputPaths {
		args = append(args, "-i", path)
	}

	if p.Inputs == 1 {
		// Re-encode to the normalized profile; no transition.
		args = append(args,
			"-c:v", "libx264",
			"-preset", "medium",
			"-crf", "23",
			"-pix_fmt", "yuv420p",
			"-movflags", "+faststart",
			outputPath,
		)
		return args, nil
	}

	args = append(args,
		"-filter_complex", p.FilterGraph,
		"-map", "[v]",
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", "23",
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		outputPath,
	)
	return args, nil
}
