// Command perception runs the stereo-vision inference pipeline against a
// live ZED-family camera or a recorded reel session. It is a thin front-end:
// all behavior lives in internal/pipeline, which any other front-end (GUI,
// test harness) can drive through the same command surface.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/skyward-uas/perception/internal/artifact"
	"github.com/skyward-uas/perception/internal/camera"
	"github.com/skyward-uas/perception/internal/config"
	"github.com/skyward-uas/perception/internal/depth"
	"github.com/skyward-uas/perception/internal/detect"
	"github.com/skyward-uas/perception/internal/pipeline"
	"github.com/skyward-uas/perception/internal/sessiondb"
	"github.com/skyward-uas/perception/internal/telemetry"
)

var (
	configPath    = flag.String("config", "", "Optional run configuration JSON")
	enginePath    = flag.String("engine", "", "Inference engine file")
	reelPath      = flag.String("reel", "", "Recorded session directory")
	liveDevice    = flag.Int("device", -1, "Live capture device ID")
	depthRate     = flag.String("depth-rate", "", "Depth cadence: every-frame, <n>hz, or every:<k>")
	depthPreset   = flag.String("preset", "", "Depth preset: fast, balanced, best")
	outputRoot    = flag.String("out", "", "Output root directory")
	saveAnnotated = flag.Bool("save-images", false, "Write annotated JPEGs")
	saveLabels    = flag.Bool("save-labels", false, "Write YOLO label files")
	sessionDB     = flag.String("session-db", "", "Optional sqlite session index")
	interactive   = flag.Bool("interactive", false, "Accept pause/resume/skip/stop commands on stdin")
	progressEvery = flag.Int("progress-every", 30, "Print a progress line every N frames")
)

// parseDepthRate maps the CLI cadence spelling onto a schedule.
func parseDepthRate(s string) (pipeline.ScheduleConfig, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case s == "" || s == "every-frame":
		return pipeline.EveryFrameSchedule(), nil
	case strings.HasSuffix(s, "hz"):
		hz, err := strconv.ParseFloat(strings.TrimSuffix(s, "hz"), 64)
		if err != nil || hz <= 0 {
			return pipeline.ScheduleConfig{}, fmt.Errorf("bad depth rate %q", s)
		}
		return pipeline.ScheduleConfig{Mode: pipeline.DepthHz, Hz: hz}, nil
	case strings.HasPrefix(s, "every:"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "every:"))
		if err != nil || n < 1 {
			return pipeline.ScheduleConfig{}, fmt.Errorf("bad depth rate %q", s)
		}
		return pipeline.ScheduleConfig{Mode: pipeline.DepthEveryN, EveryN: n}, nil
	}
	return pipeline.ScheduleConfig{}, fmt.Errorf("bad depth rate %q (use every-frame, <n>hz, or every:<k>)", s)
}

func main() {
	flag.Parse()

	cfg := &config.RunConfig{}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		cfg = loaded
	}

	// Flags override file values.
	engine := firstNonEmpty(*enginePath, strDeref(cfg.EnginePath))
	if engine == "" {
		log.Fatal("an inference engine is required (-engine)")
	}
	reel := firstNonEmpty(*reelPath, strDeref(cfg.ReelPath))
	device := *liveDevice
	if device < 0 && cfg.LiveDevice != nil {
		device = *cfg.LiveDevice
	}
	if reel == "" && device < 0 {
		log.Fatal("select a source: -reel <dir> or -device <id>")
	}
	if reel != "" && device >= 0 {
		log.Fatal("-reel and -device are mutually exclusive")
	}

	preset, err := camera.ParseDepthPreset(firstNonEmpty(*depthPreset, cfg.GetDepthPreset()))
	if err != nil {
		log.Fatalf("preset: %v", err)
	}
	schedule, err := parseDepthRate(firstNonEmpty(*depthRate, cfg.GetDepthRate()))
	if err != nil {
		log.Fatalf("depth rate: %v", err)
	}

	camCfg := camera.DefaultConfig()
	camCfg.Preset = preset
	camCfg.DepthMin = cfg.GetDepthMin()
	camCfg.DepthMax = cfg.GetDepthMax()
	if cfg.TargetFPS != nil {
		camCfg.TargetFPS = *cfg.TargetFPS
	}

	desc := camera.SourceDescriptor{Kind: camera.SourceReel, Path: reel}
	if reel == "" {
		desc = camera.SourceDescriptor{Kind: camera.SourceLive, Device: device}
	}

	detOpts := detect.DefaultOptions()
	detOpts.ConfThreshold = cfg.GetConfThreshold()
	detOpts.NMSThreshold = cfg.GetNMSThreshold()
	detOpts.InputSize = cfg.GetInputSize()

	var store *sessiondb.DB
	if dbPath := firstNonEmpty(*sessionDB, strDeref(cfg.SessionDB)); dbPath != "" {
		store, err = sessiondb.Open(dbPath)
		if err != nil {
			log.Fatalf("session db: %v", err)
		}
		defer store.Close()
	}

	var p *pipeline.Pipeline
	p = pipeline.New(pipeline.Config{
		OpenCamera: func() (camera.Camera, error) { return camera.Open(desc, camCfg) },
		LoadDetector: func() (pipeline.Inferencer, error) {
			return detect.Load(engine, detOpts)
		},
		DepthLimits:     depth.Limits{Min: camCfg.DepthMin, Max: camCfg.DepthMax},
		Schedule:        schedule,
		DepthStaleAfter: cfg.GetDepthStaleAfter(),
		OutputRoot:      firstNonEmpty(*outputRoot, cfg.GetOutputRoot()),
		Artifacts: artifact.WriterConfig{
			SaveAnnotated: *saveAnnotated || boolDeref(cfg.SaveAnnotated),
			SaveLabels:    *saveLabels || boolDeref(cfg.SaveLabels),
			JPEGQuality:   cfg.GetJPEGQuality(),
		},
		OnSummary: func(s *pipeline.SessionSummary) {
			if store != nil {
				if err := store.RecordSession(p.SessionID(), s); err != nil {
					log.Printf("session db record failed: %v", err)
				}
			}
			printSummary(s)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		consumeTelemetry(p)
	}()

	if *interactive {
		// Not in the wait group: a blocked stdin read must not hold up
		// process exit after the session ends.
		go readCommands(ctx, p)
	}

	p.Send(pipeline.Start())
	err = p.Run(ctx)
	stop()
	wg.Wait()
	if err != nil {
		log.Fatalf("session failed: %v", err)
	}
}

// consumeTelemetry prints progress and lifecycle events until the pipeline
// reaches a terminal state.
func consumeTelemetry(p *pipeline.Pipeline) {
	progress := p.Stream().Progress()
	lifecycle := p.Stream().Lifecycle()
	for {
		select {
		case ev := <-progress:
			if *progressEvery > 0 && ev.Index%*progressEvery == 0 {
				log.Printf("frame %d: %.1f fps, %d objects, depth %.2fm, wall %.1fms (grab %.0f%% infer %.0f%% depth %.0f%%)",
					ev.Index, ev.GlobalFPS, ev.DetectionCount, ev.Depth.MeanMeters, ev.WallMs,
					ev.Shares.Grab, ev.Shares.Infer, ev.Shares.Depth)
			}
		case ev := <-lifecycle:
			switch ev.Kind {
			case telemetry.KindTransition:
				log.Printf("state: %s %s", ev.State, ev.Reason)
				if ev.State == telemetry.StateStopped || ev.State == telemetry.StateFailed {
					return
				}
			default:
				log.Printf("%s: %s", ev.Kind, ev.Reason)
			}
		}
	}
}

// readCommands maps stdin lines onto control commands.
func readCommands(ctx context.Context, p *pipeline.Pipeline) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(strings.ToLower(scanner.Text()))
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "pause":
			p.Send(pipeline.Pause())
		case "resume":
			p.Send(pipeline.Resume())
		case "stop":
			p.Send(pipeline.Stop())
			return
		case "skip":
			n := 1
			if len(fields) > 1 {
				if v, err := strconv.Atoi(fields[1]); err == nil {
					n = v
				}
			}
			p.Send(pipeline.Skip(n))
		case "rate":
			if len(fields) > 1 {
				if sched, err := parseDepthRate(fields[1]); err == nil {
					p.Send(pipeline.ReconfigureDepth(sched))
				} else {
					log.Printf("%v", err)
				}
			}
		default:
			log.Printf("commands: pause, resume, skip [n], rate <cadence>, stop")
		}
	}
}

func printSummary(s *pipeline.SessionSummary) {
	log.Printf("session %s: %d frames (%d skipped), %d detections, %.1f fps",
		s.Session.Outcome, s.Counts.FramesProcessed, s.Counts.FramesSkipped,
		s.Counts.DetectionsTotal, float64(s.TimingMs.FPSGlobal))
	log.Printf("timing ms: grab %.2f infer %.2f depth %.2f housekeeping %.2f",
		float64(s.TimingMs.Grab.Mean), float64(s.TimingMs.Infer.Mean),
		float64(s.TimingMs.Depth.Mean), float64(s.TimingMs.Housekeeping.Mean))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func strDeref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func boolDeref(b *bool) bool { return b != nil && *b }
