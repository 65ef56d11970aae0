// Package config loads the optional run-configuration file. Fields are
// pointers so a partial file overrides only what it names; the Get* methods
// supply defaults for everything else.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// RunConfig is the JSON schema of a run configuration. Flags override file
// values, file values override defaults.
type RunConfig struct {
	// Source selection
	EnginePath *string `json:"engine_path,omitempty"`
	ReelPath   *string `json:"reel_path,omitempty"`
	LiveDevice *int    `json:"live_device,omitempty"`

	// Camera
	DepthPreset *string  `json:"depth_preset,omitempty"` // fast | balanced | best
	DepthMin    *float64 `json:"depth_min,omitempty"`
	DepthMax    *float64 `json:"depth_max,omitempty"`
	TargetFPS   *int     `json:"target_fps,omitempty"`

	// Detector
	ConfThreshold *float64 `json:"conf_threshold,omitempty"`
	NMSThreshold  *float64 `json:"nms_threshold,omitempty"`
	InputSize     *int     `json:"input_size,omitempty"`

	// Depth schedule: "every-frame", a rate like "10hz", or "every:6".
	DepthRate       *string `json:"depth_rate,omitempty"`
	DepthStaleAfter *int    `json:"depth_stale_after,omitempty"`

	// Output
	OutputRoot    *string `json:"output_root,omitempty"`
	SaveAnnotated *bool   `json:"save_annotated,omitempty"`
	SaveLabels    *bool   `json:"save_labels,omitempty"`
	JPEGQuality   *int    `json:"jpeg_quality,omitempty"`
	SessionDB     *string `json:"session_db,omitempty"`
}

// Load reads and validates a run configuration file.
func Load(path string) (*RunConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &RunConfig{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields that have constrained ranges.
func (c *RunConfig) Validate() error {
	if c.DepthPreset != nil {
		switch *c.DepthPreset {
		case "fast", "balanced", "best":
		default:
			return fmt.Errorf("depth_preset must be fast, balanced, or best, got %q", *c.DepthPreset)
		}
	}
	if c.DepthMin != nil && *c.DepthMin <= 0 {
		return fmt.Errorf("depth_min must be positive, got %g", *c.DepthMin)
	}
	if c.DepthMin != nil && c.DepthMax != nil && *c.DepthMax <= *c.DepthMin {
		return fmt.Errorf("depth_max %g must exceed depth_min %g", *c.DepthMax, *c.DepthMin)
	}
	if c.ConfThreshold != nil && (*c.ConfThreshold <= 0 || *c.ConfThreshold >= 1) {
		return fmt.Errorf("conf_threshold must be in (0, 1), got %g", *c.ConfThreshold)
	}
	if c.JPEGQuality != nil && (*c.JPEGQuality < 1 || *c.JPEGQuality > 100) {
		return fmt.Errorf("jpeg_quality must be in [1, 100], got %d", *c.JPEGQuality)
	}
	if c.InputSize != nil && *c.InputSize < 32 {
		return fmt.Errorf("input_size too small: %d", *c.InputSize)
	}
	return nil
}

// Accessors with defaults.

func (c *RunConfig) GetDepthPreset() string {
	if c.DepthPreset == nil {
		return "best"
	}
	return *c.DepthPreset
}

func (c *RunConfig) GetDepthMin() float64 {
	if c.DepthMin == nil {
		return 1.0
	}
	return *c.DepthMin
}

func (c *RunConfig) GetDepthMax() float64 {
	if c.DepthMax == nil {
		return 40.0
	}
	return *c.DepthMax
}

func (c *RunConfig) GetConfThreshold() float64 {
	if c.ConfThreshold == nil {
		return 0.25
	}
	return *c.ConfThreshold
}

func (c *RunConfig) GetNMSThreshold() float64 {
	if c.NMSThreshold == nil {
		return 0.45
	}
	return *c.NMSThreshold
}

func (c *RunConfig) GetInputSize() int {
	if c.InputSize == nil {
		return 640
	}
	return *c.InputSize
}

func (c *RunConfig) GetDepthRate() string {
	if c.DepthRate == nil {
		return "every-frame"
	}
	return *c.DepthRate
}

func (c *RunConfig) GetDepthStaleAfter() int {
	if c.DepthStaleAfter == nil {
		return 30
	}
	return *c.DepthStaleAfter
}

func (c *RunConfig) GetOutputRoot() string {
	if c.OutputRoot == nil {
		return "perception_out"
	}
	return *c.OutputRoot
}

func (c *RunConfig) GetJPEGQuality() int {
	if c.JPEGQuality == nil {
		return 90
	}
	return *c.JPEGQuality
}
