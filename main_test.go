package main

import (
	"testing"

	"github.com/skyward-uas/perception/internal/pipeline"
)

func TestParseDepthRate(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    pipeline.ScheduleConfig
		wantErr bool
	}{
		{"empty defaults to every frame", "", pipeline.EveryFrameSchedule(), false},
		{"every-frame", "every-frame", pipeline.EveryFrameSchedule(), false},
		{"hz", "10hz", pipeline.ScheduleConfig{Mode: pipeline.DepthHz, Hz: 10}, false},
		{"fractional hz", "2.5hz", pipeline.ScheduleConfig{Mode: pipeline.DepthHz, Hz: 2.5}, false},
		{"every n", "every:6", pipeline.ScheduleConfig{Mode: pipeline.DepthEveryN, EveryN: 6}, false},
		{"uppercase", "10HZ", pipeline.ScheduleConfig{Mode: pipeline.DepthHz, Hz: 10}, false},
		{"zero hz", "0hz", pipeline.ScheduleConfig{}, true},
		{"zero every", "every:0", pipeline.ScheduleConfig{}, true},
		{"garbage", "sometimes", pipeline.ScheduleConfig{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseDepthRate(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseDepthRate(%q) expected error", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseDepthRate(%q): %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("parseDepthRate(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}
