package pipeline

import (
	"fmt"
	"math"
)

// ScheduleMode selects how depth-map frames are chosen.
type ScheduleMode int

const (
	// DepthEveryFrame computes a depth map on every frame.
	DepthEveryFrame ScheduleMode = iota
	// DepthEveryN computes depth every n-th frame; the only mode available
	// when the source framerate is unknown.
	DepthEveryN
	// DepthHz computes depth at a target rate against the native framerate.
	DepthHz
)

// ScheduleConfig is the user-facing depth decimation request.
type ScheduleConfig struct {
	Mode   ScheduleMode
	Hz     float64 // DepthHz
	EveryN int     // DepthEveryN
}

// EveryFrameSchedule is the default: no decimation.
func EveryFrameSchedule() ScheduleConfig {
	return ScheduleConfig{Mode: DepthEveryFrame}
}

// depthSchedule decides which frame indices are depth frames. Owned by the
// orchestrator goroutine; reconfiguration takes effect on the next frame.
type depthSchedule struct {
	cfg      ScheduleConfig
	interval int
}

func newDepthSchedule(cfg ScheduleConfig, nativeFPS float64) (*depthSchedule, error) {
	s := &depthSchedule{}
	if err := s.reconfigure(cfg, nativeFPS); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *depthSchedule) reconfigure(cfg ScheduleConfig, nativeFPS float64) error {
	switch cfg.Mode {
	case DepthEveryFrame:
		s.interval = 1
	case DepthEveryN:
		if cfg.EveryN < 1 {
			return fmt.Errorf("depth schedule: every-n must be >= 1, got %d", cfg.EveryN)
		}
		s.interval = cfg.EveryN
	case DepthHz:
		if cfg.Hz <= 0 {
			return fmt.Errorf("depth schedule: hz must be positive, got %g", cfg.Hz)
		}
		if nativeFPS <= 0 {
			return fmt.Errorf("depth schedule: hz mode needs a known native framerate; use every-n for live sources")
		}
		s.interval = int(math.Round(nativeFPS / cfg.Hz))
		if s.interval < 1 {
			s.interval = 1
		}
	default:
		return fmt.Errorf("depth schedule: unknown mode %d", cfg.Mode)
	}
	s.cfg = cfg
	return nil
}

// shouldSample reports whether the frame at index is a depth frame.
func (s *depthSchedule) shouldSample(index int) bool {
	return index%s.interval == 0
}
