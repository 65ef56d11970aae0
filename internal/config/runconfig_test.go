package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadPartialConfig(t *testing.T) {
	path := writeConfig(t, `{"depth_preset": "fast", "conf_threshold": 0.4}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := cfg.GetDepthPreset(); got != "fast" {
		t.Errorf("GetDepthPreset() = %q, want fast", got)
	}
	if got := cfg.GetConfThreshold(); got != 0.4 {
		t.Errorf("GetConfThreshold() = %g, want 0.4", got)
	}
	// Omitted fields fall back to defaults.
	if got := cfg.GetDepthMax(); got != 40.0 {
		t.Errorf("GetDepthMax() = %g, want 40", got)
	}
	if got := cfg.GetInputSize(); got != 640 {
		t.Errorf("GetInputSize() = %d, want 640", got)
	}
}

func TestLoadRejectsNonJSONExtension(t *testing.T) {
	if _, err := Load("run.yaml"); err == nil {
		t.Error("expected error for non-json extension")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad preset", `{"depth_preset": "turbo"}`},
		{"inverted depth range", `{"depth_min": 10, "depth_max": 5}`},
		{"conf out of range", `{"conf_threshold": 1.5}`},
		{"jpeg quality", `{"jpeg_quality": 0}`},
		{"input size", `{"input_size": 8}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeConfig(t, tc.body)
			if _, err := Load(path); err == nil {
				t.Errorf("expected validation error for %s", tc.body)
			}
		})
	}
}

func TestDefaultsWithoutFile(t *testing.T) {
	cfg := &RunConfig{}
	if got := cfg.GetDepthPreset(); got != "best" {
		t.Errorf("GetDepthPreset() = %q, want best", got)
	}
	if got := cfg.GetDepthMin(); got != 1.0 {
		t.Errorf("GetDepthMin() = %g, want 1", got)
	}
	if got := cfg.GetDepthRate(); got != "every-frame" {
		t.Errorf("GetDepthRate() = %q, want every-frame", got)
	}
}
