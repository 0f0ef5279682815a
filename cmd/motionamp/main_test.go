package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/motionamp/internal/amplify"
	"github.com/banshee-data/motionamp/internal/config"
	"github.com/banshee-data/motionamp/internal/engine"
	"github.com/banshee-data/motionamp/internal/frame"
	"github.com/banshee-data/motionamp/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

func TestParseROI(t *testing.T) {
	tests := []struct {
		in      string
		want    frame.Rect
		wantErr bool
	}{
		{"10,20,100,80", frame.Rect{X: 10, Y: 20, Width: 100, Height: 80}, false},
		{" 0, 0, 64 ,64", frame.Rect{Width: 64, Height: 64}, false},
		{"1,2,3", frame.Rect{}, true},
		{"a,b,c,d", frame.Rect{}, true},
	}
	for _, tt := range tests {
		got, err := parseROI(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseROI(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseROI(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestBuildParams(t *testing.T) {
	defer func() {
		*amplification, *presetName, *algorithm, *roiFlag = 0, "", "", ""
	}()

	raw, err := buildParams(map[string]bool{})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(amplify.RawParams{}, raw); diff != "" {
		t.Errorf("unset flags should leave params empty (-want +got):\n%s", diff)
	}

	*amplification = 50
	*presetName = "vibration"
	*algorithm = "hybrid"
	*roiFlag = "0,0,32,32"
	raw, err = buildParams(map[string]bool{"amplification": true})
	if err != nil {
		t.Fatal(err)
	}
	p, err := raw.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	want := amplify.Params{
		Amplification:   50,
		FreqLow:         5,
		FreqHigh:        15,
		PyramidLevels:   4,
		Sigma:           0.8,
		ChromaThreshold: 0.08,
		ROI:             &frame.Rect{Width: 32, Height: 32},
		Algorithm:       amplify.Hybrid,
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}

	*presetName = "sunset"
	if _, err := buildParams(map[string]bool{}); err == nil {
		t.Error("expected error for unknown preset")
	}
}

func TestProcessDir(t *testing.T) {
	in := t.TempDir()
	seq := frame.Sequence{
		frame.Filled(16, 12, 100, 100, 100, 255),
		frame.Filled(16, 12, 110, 100, 100, 255),
		frame.Filled(16, 12, 120, 100, 100, 255),
		frame.Filled(16, 12, 110, 100, 100, 255),
	}
	if err := frame.WriteSequence(in, "input", seq); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "out")
	report := filepath.Join(t.TempDir(), "report")
	*inDir, *outDir, *analysisDir = in, out, report
	defer func() { *inDir, *outDir, *analysisDir = "", "amplified", "" }()

	eng := engine.New(engine.Options{Capabilities: engine.Capabilities{CPUs: 1}})
	defer eng.Close()

	if err := processDir(t.Context(), eng, config.Empty(), false, amplify.RawParams{}); err != nil {
		t.Fatalf("processDir() error = %v", err)
	}

	got, err := frame.Extract(out, frame.ExtractOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(seq) {
		t.Fatalf("wrote %d frames, want %d", len(got), len(seq))
	}
	if !got[0].Equal(seq[0]) {
		t.Error("first frame should pass through unchanged")
	}

	for _, name := range []string{"motion.png", "spectrum.png", "report.html", "metrics.csv", "analysis.json"} {
		info, err := os.Stat(filepath.Join(report, name))
		if err != nil {
			t.Errorf("missing %s: %v", name, err)
			continue
		}
		if info.Size() == 0 {
			t.Errorf("%s is empty", name)
		}
	}

	if eng.State().Status != engine.StatusComplete {
		t.Errorf("state = %s, want complete", eng.State().Status)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	if got := firstNonEmpty("", ":8080", ":9090"); got != ":8080" {
		t.Errorf("firstNonEmpty = %q", got)
	}
	if got := firstNonEmpty("", ""); got != "" {
		t.Errorf("firstNonEmpty = %q", got)
	}
}

func TestRunSourceNilStore(t *testing.T) {
	if runSource(nil) != nil {
		t.Error("nil store should give a nil RunSource")
	}
}
