// Package pipeline drives the per-frame stereo inference loop: a single
// goroutine owns the camera and engine and walks an explicit state machine,
// taking commands from a synchronized queue and publishing telemetry.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/skyward-uas/perception/internal/artifact"
	"github.com/skyward-uas/perception/internal/camera"
	"github.com/skyward-uas/perception/internal/depth"
	"github.com/skyward-uas/perception/internal/detect"
	"github.com/skyward-uas/perception/internal/monitoring"
	"github.com/skyward-uas/perception/internal/telemetry"
	"github.com/skyward-uas/perception/internal/timeutil"
	"github.com/skyward-uas/perception/internal/timing"
)

var logf = monitoring.Component("pipeline")

// pausedPollInterval bounds the wake-up latency while paused.
const pausedPollInterval = 100 * time.Millisecond

// Inferencer is the detector surface the orchestrator needs. *detect.Detector
// satisfies it; tests substitute a deterministic fake.
type Inferencer interface {
	Infer(*camera.Image) ([]detect.Detection, error)
	Close() error
}

// Config assembles a session.
type Config struct {
	// OpenCamera produces the camera handle during initialization. The
	// handle is owned by the pipeline goroutine from then on.
	OpenCamera func() (camera.Camera, error)

	// LoadDetector produces the inference engine during initialization.
	LoadDetector func() (Inferencer, error)

	// DepthLimits is the usable depth interval in meters.
	DepthLimits depth.Limits

	// Schedule is the initial depth decimation policy.
	Schedule ScheduleConfig

	// DepthStaleAfter is the reuse age in frames past which a DepthMapStale
	// warning is emitted. Zero selects the default of 30.
	DepthStaleAfter int

	// WarmupGrabs is the number of discarded initialization grabs the depth
	// backend needs. Negative disables; zero selects the default of 2.
	WarmupGrabs int

	// OutputRoot is the parent of the per-session output directory. Empty
	// disables all disk output including stats.json.
	OutputRoot string

	// Artifacts toggles the optional per-frame outputs; Dir is derived from
	// the session directory.
	Artifacts artifact.WriterConfig

	// OnSummary, when set, receives the session summary at teardown.
	OnSummary func(*SessionSummary)

	// Clock defaults to the real clock.
	Clock timeutil.Clock

	// ProgressBuffer sizes the lossy telemetry channel.
	ProgressBuffer int
}

type frameOutcome int

const (
	frameContinue frameOutcome = iota
	frameEndOfSession
	frameFatal
)

// Pipeline is one session from Init through a terminal state.
type Pipeline struct {
	cfg       Config
	clock     timeutil.Clock
	sessionID string
	stream    *telemetry.Stream
	tracker   *timing.Tracker
	cmds      chan Command

	mu    sync.Mutex
	state telemetry.State

	// Everything below is owned by the Run goroutine.
	cam      camera.Camera
	det      Inferencer
	writer   *artifact.Writer
	schedule *depthSchedule

	indexBase      int // live sources: first post-warmup raw index
	lastDepth      *camera.DepthMap
	lastDepthIndex int
	warnedStale    bool
	warnedWarmup   bool

	counters      sessionCounters
	started       time.Time
	runStart      time.Time
	lastFrameAt   time.Time
	reachedRun    bool
	stopRequested bool
	sessionDir    string
	released      bool
}

// New prepares a pipeline in the Init state. Run performs the actual work.
func New(cfg Config) *Pipeline {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.DepthStaleAfter <= 0 {
		cfg.DepthStaleAfter = 30
	}
	if cfg.WarmupGrabs == 0 {
		cfg.WarmupGrabs = 2
	}
	if cfg.DepthLimits.Max <= 0 {
		cfg.DepthLimits = depth.Limits{Min: 1.0, Max: 40.0}
	}
	return &Pipeline{
		cfg:       cfg,
		clock:     cfg.Clock,
		sessionID: uuid.NewString(),
		stream:    telemetry.NewStream(cfg.ProgressBuffer),
		tracker:   timing.NewTracker(),
		cmds:      make(chan Command, 128),
		state:     telemetry.StateInit,
	}
}

// SessionID returns the unique identifier carried on every event.
func (p *Pipeline) SessionID() string { return p.sessionID }

// Stream exposes the telemetry event streams.
func (p *Pipeline) Stream() *telemetry.Stream { return p.stream }

// State returns the current lifecycle state.
func (p *Pipeline) State() telemetry.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SessionDir returns the per-session output directory, empty until Running.
func (p *Pipeline) SessionDir() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionDir
}

// Send enqueues a command. Non-blocking; it never fails while the pipeline
// is live. Commands are applied in enqueue order at loop boundaries.
func (p *Pipeline) Send(cmd Command) {
	select {
	case p.cmds <- cmd:
	default:
		// The queue only fills if the orchestrator died mid-session; a
		// diagnostic beats blocking the caller.
		logf("command queue full, dropping %s", cmd.Kind)
	}
}

// Run executes the session to a terminal state and returns an error only for
// Failed. Cancelling ctx is equivalent to a Stop command.
func (p *Pipeline) Run(ctx context.Context) error {
	p.started = p.clock.Now()

	if err := p.initialize(ctx); err != nil {
		p.fail(err)
		return err
	}
	p.transition(telemetry.StateReady, "")

	if !p.awaitStart(ctx) {
		p.terminate(OutcomeStopped, "")
		return nil
	}

	outcome, reason := p.runLoop(ctx)
	if outcome == OutcomeFailed {
		p.terminate(OutcomeFailed, reason)
		return fmt.Errorf("session failed: %s", reason)
	}
	p.terminate(outcome, "")
	return nil
}

//
// Initialization (C9) - slow multi-step setup with progress milestones
//

func (p *Pipeline) initialize(ctx context.Context) error {
	p.transition(telemetry.StateInit, "")

	p.milestone("opening camera")
	cam, err := p.cfg.OpenCamera()
	if err != nil {
		return fmt.Errorf("CameraUnavailable: %w", err)
	}
	p.cam = cam

	if p.cfg.WarmupGrabs > 0 {
		p.milestone("warming depth backend")
		if err := p.warmup(); err != nil {
			return err
		}
	}

	p.milestone("loading engine")
	det, err := p.cfg.LoadDetector()
	if err != nil {
		return fmt.Errorf("EngineLoadFailure: %w", err)
	}
	p.det = det

	p.milestone("finalizing")
	p.schedule, err = newDepthSchedule(p.cfg.Schedule, p.cam.NativeFPS())
	if err != nil {
		return fmt.Errorf("ConfigurationRejected: %w", err)
	}
	if ctx.Err() != nil {
		return fmt.Errorf("cancelled during initialization")
	}
	return nil
}

// warmup performs the discarded grabs some depth backends need before the
// first usable map, then rewinds recorded sources so processing starts at
// frame zero. Live sources cannot rewind; their session indices are rebased
// so the first frame after the warm-up grabs is index zero.
func (p *Pipeline) warmup() error {
	for i := 0; i < p.cfg.WarmupGrabs; i++ {
		res := p.cam.Grab()
		if res.Status == camera.GrabFatal {
			return fmt.Errorf("CameraUnavailable: warm-up grab: %w", res.Err)
		}
		if res.Status == camera.GrabEndOfSession {
			// Shorter than the warm-up budget; a tiny reel is still valid.
			break
		}
		if res.Status == camera.GrabOk {
			// Depth output is discarded; errors here are part of warm-up.
			_, _ = p.cam.RetrieveDepth(nil)
		}
	}

	err := p.cam.Seek(0)
	switch {
	case err == nil:
		// Recorded source rewound; session starts at frame zero.
	case errors.Is(err, camera.ErrSeekUnsupported):
		p.indexBase = p.cam.CurrentIndex() + 1
	default:
		return fmt.Errorf("InvalidSession: warm-up rewind: %w", err)
	}
	return nil
}

//
// Ready - wait for the start command
//

func (p *Pipeline) awaitStart(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case cmd := <-p.cmds:
			switch cmd.Kind {
			case CmdStart:
				return true
			case CmdStop:
				return false
			default:
				p.reject(cmd.Kind, "only start and stop are valid while ready")
			}
		}
	}
}

//
// Running - the per-frame loop
//

func (p *Pipeline) runLoop(ctx context.Context) (Outcome, string) {
	p.enterRunning()

	for {
		if ctx.Err() != nil {
			p.stopRequested = true
		}
		next := p.drainCommands()
		switch next {
		case telemetry.StatePaused:
			resumed, outcome, reason := p.pausedLoop(ctx)
			if !resumed {
				return outcome, reason
			}
			p.transition(telemetry.StateRunning, "")
		case telemetry.StateStopped:
			return OutcomeStopped, ""
		}
		if p.stopRequested {
			return OutcomeStopped, ""
		}

		outcome, reason := p.processFrame()
		switch outcome {
		case frameEndOfSession:
			return OutcomeEnded, ""
		case frameFatal:
			if p.stopRequested {
				// Shutdown intent precedes the fault.
				return OutcomeStopped, ""
			}
			return OutcomeFailed, reason
		}
	}
}

func (p *Pipeline) enterRunning() {
	if !p.reachedRun {
		p.reachedRun = true
		p.runStart = p.clock.Now()
		if p.cfg.OutputRoot != "" {
			p.prepareSessionDir()
		}
	}
	p.transition(telemetry.StateRunning, "")
}

// prepareSessionDir creates the timestamped output directory and, when any
// artifact toggle is on, the writer beneath it. Nothing touches the disk
// before the session reaches Running, so a failed initialization leaves no
// residue.
func (p *Pipeline) prepareSessionDir() {
	dir := filepath.Join(p.cfg.OutputRoot,
		"session_"+p.clock.Now().UTC().Format("20060102_150405"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logf("cannot create session dir %s: %v", dir, err)
		return
	}
	p.mu.Lock()
	p.sessionDir = dir
	p.mu.Unlock()

	if p.cfg.Artifacts.Enabled() {
		wcfg := p.cfg.Artifacts
		wcfg.Dir = filepath.Join(dir, "frames")
		w, err := artifact.NewWriter(wcfg)
		if err != nil {
			logf("artifact writer disabled: %v", err)
			return
		}
		p.writer = w
	}
}

// drainCommands applies queued commands in order and returns the state the
// loop should be in afterwards.
func (p *Pipeline) drainCommands() telemetry.State {
	for {
		select {
		case cmd := <-p.cmds:
			switch cmd.Kind {
			case CmdPause:
				p.transition(telemetry.StatePaused, "")
				return telemetry.StatePaused
			case CmdStop:
				p.stopRequested = true
				return telemetry.StateStopped
			case CmdReconfigureDepth:
				p.applyReconfigure(cmd.Schedule)
			case CmdSkip:
				p.reject(cmd.Kind, "skip is only valid while paused")
			case CmdStart:
				p.reject(cmd.Kind, "already running")
			case CmdResume:
				p.reject(cmd.Kind, "not paused")
			}
		default:
			return telemetry.StateRunning
		}
	}
}

// pausedLoop services commands while no frames are grabbed. Returns
// resumed=true to re-enter Running, otherwise the terminal outcome.
func (p *Pipeline) pausedLoop(ctx context.Context) (resumed bool, outcome Outcome, reason string) {
	for {
		if ctx.Err() != nil {
			p.stopRequested = true
			return false, OutcomeStopped, ""
		}
		select {
		case cmd := <-p.cmds:
			switch cmd.Kind {
			case CmdResume:
				return true, "", ""
			case CmdStop:
				p.stopRequested = true
				return false, OutcomeStopped, ""
			case CmdSkip:
				p.applySkip(cmd.N)
			case CmdReconfigureDepth:
				p.applyReconfigure(cmd.Schedule)
			case CmdPause:
				p.reject(cmd.Kind, "already paused")
			case CmdStart:
				p.reject(cmd.Kind, "already running")
			}
		default:
			p.clock.Sleep(pausedPollInterval)
		}
	}
}

// applySkip moves the cursor forward by n frames. Recorded sources only; the
// retained depth map is dropped because it now belongs to a far-past frame.
func (p *Pipeline) applySkip(n int) {
	if n < 1 {
		p.reject(CmdSkip, "skip count must be >= 1")
		return
	}
	total, known := p.cam.FramesTotal()
	if !known {
		p.reject(CmdSkip, "SkipOnLive")
		return
	}

	target := p.cam.CurrentIndex() + n
	if target >= total {
		target = total - 1
		p.warn("SkipClamped", fmt.Sprintf("skip clamped to final frame %d", target))
	}
	if err := p.cam.Seek(target); err != nil {
		p.reject(CmdSkip, fmt.Sprintf("OutOfRangeSeek: %v", err))
		return
	}
	p.lastDepth = nil
	p.warnedStale = false
	logf("skipped to frame %d", target)
}

func (p *Pipeline) applyReconfigure(cfg ScheduleConfig) {
	if err := p.schedule.reconfigure(cfg, p.cam.NativeFPS()); err != nil {
		p.reject(CmdReconfigureDepth, err.Error())
		return
	}
	// The retained depth map stays; the new cadence starts with the next
	// frame.
	logf("depth schedule reconfigured: every %d frames", p.schedule.interval)
}

// processFrame executes one iteration of the four-stage pipeline.
func (p *Pipeline) processFrame() (frameOutcome, string) {
	frameStart := p.clock.Now()

	res := p.cam.Grab()
	t1 := p.clock.Now()
	switch res.Status {
	case camera.GrabEndOfSession:
		return frameEndOfSession, ""
	case camera.GrabTransient:
		p.counters.framesSkipped++
		p.counters.grabTransient++
		logf("transient grab error at frame %d: %v", p.frameIndex(), res.Err)
		return frameContinue, ""
	case camera.GrabFatal:
		return frameFatal, fmt.Sprintf("CameraUnavailable: %v", res.Err)
	}
	index := p.frameIndex()

	left, err := p.cam.RetrieveLeft()
	if err != nil {
		p.counters.framesSkipped++
		p.counters.grabTransient++
		logf("retrieve failed at frame %d: %v", index, err)
		return frameContinue, ""
	}

	dets, err := p.det.Infer(left)
	t2 := p.clock.Now()
	if err != nil {
		if errors.Is(err, detect.ErrEngineLoad) {
			return frameFatal, fmt.Sprintf("EngineLoadFailure: %v", err)
		}
		p.counters.framesSkipped++
		p.counters.inferTransient++
		logf("transient inference error at frame %d: %v", index, err)
		return frameContinue, ""
	}

	// Depth stage: sample per schedule, otherwise reuse the retained map.
	if p.schedule.shouldSample(index) {
		dm, derr := p.cam.RetrieveDepth(nil)
		if derr != nil {
			p.counters.depthRetrieve++
			logf("depth retrieval failed at frame %d: %v", index, derr)
		} else {
			p.lastDepth = dm
			p.lastDepthIndex = index
			p.warnedStale = false
		}
	}

	var stats []depth.Stats
	staleFrames := 0
	if p.lastDepth != nil {
		stats = depth.Extract(p.lastDepth, dets, p.cfg.DepthLimits)
		staleFrames = index - p.lastDepthIndex
		if staleFrames > p.cfg.DepthStaleAfter && !p.warnedStale {
			p.warnedStale = true
			p.warn("DepthMapStale", fmt.Sprintf("reused depth map is %d frames old", staleFrames))
		}
	} else {
		stats = depth.SentinelForEach(dets)
	}
	t3 := p.clock.Now()

	if p.writer != nil {
		p.writer.Dispatch(index, left, dets, stats)
	}

	p.counters.framesProcessed++
	p.counters.detectionsTotal += int64(len(dets))
	if len(dets) > 0 {
		p.counters.framesWithDetections++
	} else {
		p.counters.framesEmpty++
	}

	rec := timing.StageRecord{
		Grab:         t1.Sub(frameStart),
		Infer:        t2.Sub(t1),
		Depth:        t3.Sub(t2),
		Housekeeping: p.clock.Since(t3),
	}
	wall := p.clock.Since(frameStart)
	interval := time.Duration(0)
	if !p.lastFrameAt.IsZero() {
		interval = frameStart.Sub(p.lastFrameAt)
	}
	p.lastFrameAt = frameStart
	p.tracker.Push(rec, wall, interval, len(dets) > 0)

	p.emitProgress(index, dets, stats, staleFrames, wall)
	return frameContinue, ""
}

// frameIndex maps the camera's raw index into session frame numbering.
func (p *Pipeline) frameIndex() int {
	return p.cam.CurrentIndex() - p.indexBase
}

func (p *Pipeline) emitProgress(index int, dets []detect.Detection, stats []depth.Stats, staleFrames int, wall time.Duration) {
	snap := p.tracker.Snapshot()
	if snap.WarmingUp && !p.warnedWarmup {
		p.warnedWarmup = true
		p.warn("WindowWarmingUp", "stage shares withheld until windows fill")
	}

	depthSum, withDepth := 0.0, 0
	for _, s := range stats {
		if s.Valid() {
			depthSum += s.Mean
			withDepth++
		}
	}
	meanDepth := depth.NoDepth
	if withDepth > 0 {
		meanDepth = depthSum / float64(withDepth)
	}

	fps := 0.0
	if elapsed := p.clock.Since(p.runStart); elapsed > 0 {
		fps = float64(p.counters.framesProcessed) / elapsed.Seconds()
	}

	p.stream.EmitProgress(telemetry.FrameProgress{
		SessionID: p.sessionID,
		Index:     index,
		GlobalFPS: fps,
		Shares: telemetry.StageShares{
			Grab:         snap.Stages[timing.StageGrab].SharePct,
			Infer:        snap.Stages[timing.StageInfer].SharePct,
			Depth:        snap.Stages[timing.StageDepth].SharePct,
			Housekeeping: snap.Stages[timing.StageHousekeeping].SharePct,
			WarmingUp:    snap.WarmingUp,
		},
		DetectionCount: len(dets),
		Depth: telemetry.DepthSummary{
			MeanMeters:  meanDepth,
			WithDepth:   withDepth,
			StaleFrames: staleFrames,
		},
		WallMs: float64(wall) / float64(time.Millisecond),
	})
}

//
// Teardown - exactly-once release plus summary flush
//

func (p *Pipeline) fail(err error) {
	logf("session failed: %v", err)
	p.releaseResources()
	p.flushSummary(OutcomeFailed, err.Error())
	p.transition(telemetry.StateFailed, err.Error())
}

func (p *Pipeline) terminate(outcome Outcome, reason string) {
	p.releaseResources()
	p.flushSummary(outcome, reason)
	if outcome == OutcomeFailed {
		p.transition(telemetry.StateFailed, reason)
	} else {
		p.transition(telemetry.StateStopped, string(outcome))
	}
}

func (p *Pipeline) releaseResources() {
	if p.released {
		return
	}
	p.released = true
	if p.writer != nil {
		p.writer.Close()
	}
	if p.det != nil {
		if err := p.det.Close(); err != nil {
			logf("engine release: %v", err)
		}
	}
	if p.cam != nil {
		if err := p.cam.Close(); err != nil {
			logf("camera release: %v", err)
		}
	}
}

// flushSummary writes stats.json and invokes OnSummary. The file exists iff
// the session reached Running; a session that wrote any artifact therefore
// always has a summary beside it.
func (p *Pipeline) flushSummary(outcome Outcome, reason string) {
	if !p.reachedRun {
		return
	}
	ended := p.clock.Now()
	summary := buildSummary(
		p.started, ended, outcome, reason,
		p.counters, p.tracker, p.writerCounts(), ended.Sub(p.runStart),
	)
	if p.sessionDir != "" {
		if err := writeSummary(p.sessionDir, summary); err != nil {
			logf("stats.json write failed: %v", err)
		}
	}
	if p.cfg.OnSummary != nil {
		p.cfg.OnSummary(summary)
	}
}

func (p *Pipeline) writerCounts() artifact.Counts {
	if p.writer == nil {
		return artifact.Counts{}
	}
	return p.writer.Counts()
}

//
// Telemetry helpers
//

func (p *Pipeline) transition(state telemetry.State, reason string) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
	p.stream.EmitLifecycle(telemetry.Lifecycle{
		SessionID: p.sessionID,
		Kind:      telemetry.KindTransition,
		State:     state,
		Reason:    reason,
	})
}

func (p *Pipeline) milestone(msg string) {
	logf("init: %s", msg)
	p.stream.EmitLifecycle(telemetry.Lifecycle{
		SessionID: p.sessionID,
		Kind:      telemetry.KindMilestone,
		State:     telemetry.StateInit,
		Reason:    msg,
	})
}

func (p *Pipeline) warn(code, detail string) {
	p.stream.EmitLifecycle(telemetry.Lifecycle{
		SessionID: p.sessionID,
		Kind:      telemetry.KindWarning,
		State:     p.State(),
		Reason:    code + ": " + detail,
	})
}

func (p *Pipeline) reject(kind CommandKind, reason string) {
	logf("rejected %s: %s", kind, reason)
	p.stream.EmitLifecycle(telemetry.Lifecycle{
		SessionID: p.sessionID,
		Kind:      telemetry.KindRejected,
		State:     p.State(),
		Reason:    fmt.Sprintf("IllegalCommand{%s}: %s", kind, reason),
	})
}
