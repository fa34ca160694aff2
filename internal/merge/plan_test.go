package merge

import (
	"math"
	"strings"
	"testing"
)

func TestBuildPlan_SingleInput(t *testing.T) {
	p, err := BuildPlan(1, 8, 0.3)
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}

	if p.FilterGraph != "" {
		t.Fatalf("FilterGraph = %q, want empty for single input", p.FilterGraph)
	}
	if len(p.Offsets) != 0 {
		t.Fatalf("Offsets = %v, want none for single input", p.Offsets)
	}
	if got := p.EffectiveDuration(); got != 8 {
		t.Fatalf("EffectiveDuration() = %g, want 8", got)
	}
}

func TestBuildPlan_TwoInputs(t *testing.T) {
	p, err := BuildPlan(2, 8, 0.3)
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}

	if len(p.Offsets) != 1 {
		t.Fatalf("len(Offsets) = %d, want 1", len(p.Offsets))
	}
	if got := p.Offsets[0]; math.Abs(got-7.7) > 1e-9 {
		t.Fatalf("Offsets[0] = %g, want 7.7", got)
	}

	want := "[0:v][1:v]xfade=transition=fade:duration=0.3:offset=7.7[v]"
	if p.FilterGraph != want {
		t.Fatalf("FilterGraph = %q, want %q", p.FilterGraph, want)
	}
}

func TestBuildPlan_ThreeInputs(t *testing.T) {
	p, err := BuildPlan(3, 8, 0.3)
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}

	wantOffsets := []float64{7.7, 15.4}
	if len(p.Offsets) != len(wantOffsets) {
		t.Fatalf("len(Offsets) = %d, want %d", len(p.Offsets), len(wantOffsets))
	}
	for i, want := range wantOffsets {
		if math.Abs(p.Offsets[i]-want) > 1e-9 {
			t.Fatalf("Offsets[%d] = %g, want %g", i, p.Offsets[i], want)
		}
	}

	if !strings.Contains(p.FilterGraph, "[0:v][1:v]xfade") {
		t.Fatalf("FilterGraph missing first chain link: %q", p.FilterGraph)
	}
	if !strings.Contains(p.FilterGraph, "[v1][2:v]xfade") {
		t.Fatalf("FilterGraph missing second chain link: %q", p.FilterGraph)
	}
	if !strings.HasSuffix(p.FilterGraph, "[v]") {
		t.Fatalf("FilterGraph should end at the final [v] label: %q", p.FilterGraph)
	}

	// 3 clips of 8s with two 0.3s overlaps.
	if got := p.EffectiveDuration(); math.Abs(got-23.4) > 1e-9 {
		t.Fatalf("EffectiveDuration() = %g, want 23.4", got)
	}
}

func TestBuildPlan_Validation(t *testing.T) {
	cases := []struct {
		name       string
		inputs     int
		nominal    float64
		transition float64
	}{
		{"zero inputs", 0, 8, 0.3},
		{"zero nominal", 2, 0, 0.3},
		{"negative transition", 2, 8, -1},
		{"transition equals nominal", 2, 8, 8},
		{"transition exceeds nominal", 2, 8, 9},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := BuildPlan(tc.inputs, tc.nominal, tc.transition); err == nil {
				t.Fatal("BuildPlan() error = nil, want validation error")
			}
		})
	}
}

func TestBuildPlan_LongTransitionSingleInput(t *testing.T) {
	// The transition bound only applies when there is something to cross
	// into; a lone clip accepts any transition value.
	if _, err := BuildPlan(1, 8, 8); err != nil {
		t.Fatalf("BuildPlan() error = %v, want nil", err)
	}
}

func TestPlanArgs_SingleInput(t *testing.T) {
	p, err := BuildPlan(1, 8, 0)
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}

	args, err := p.Args([]string{"/tmp/input0.mp4"}, "/tmp/out.mp4")
	if err != nil {
		t.Fatalf("Args() error = %v", err)
	}

	joined := strings.Join(args, " ")
	if strings.Contains(joined, "-filter_complex") {
		t.Fatalf("single-input args should not carry a filter graph: %q", joined)
	}
	if !strings.Contains(joined, "-c:v libx264") {
		t.Fatalf("single-input args should re-encode: %q", joined)
	}
	if !strings.HasSuffix(joined, "/tmp/out.mp4") {
		t.Fatalf("output path should be last: %q", joined)
	}
}

func TestPlanArgs_MultiInput(t *testing.T) {
	p, err := BuildPlan(2, 8, 0.3)
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}

	args, err := p.Args([]string{"/tmp/input0.mp4", "/tmp/input1.mp4"}, "/tmp/out.mp4")
	if err != nil {
		t.Fatalf("Args() error = %v", err)
	}

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-i /tmp/input0.mp4 -i /tmp/input1.mp4") {
		t.Fatalf("inputs out of order: %q", joined)
	}
	if !strings.Contains(joined, "-filter_complex") {
		t.Fatalf("multi-input args should carry a filter graph: %q", joined)
	}
	if !strings.Contains(joined, "-map [v]") {
		t.Fatalf("output should map the final chain label: %q", joined)
	}
}

func TestPlanArgs_PathCountMismatch(t *testing.T) {
	p, err := BuildPlan(2, 8, 0.3)
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}

	if _, err := p.Args([]string{"/tmp/only-one.mp4"}, "/tmp/out.mp4"); err == nil {
		t.Fatal("Args() error = nil, want path count mismatch")
	}
}
