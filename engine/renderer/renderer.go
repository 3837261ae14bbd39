package renderer

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/spaghettifunk/prisma/engine/assets"
	"github.com/spaghettifunk/prisma/engine/core"
	"github.com/spaghettifunk/prisma/engine/math"
	"github.com/spaghettifunk/prisma/engine/renderer/sat"
	"github.com/spaghettifunk/prisma/engine/scene"
)

// FrameStage identifies where in the frame the orchestrator currently is.
// Stages run strictly in declaration order with no branching back; the only
// conditional stages are FrameSATPass and FrameDoFPass, entered when
// depth-of-field is enabled.
type FrameStage int

const (
	FrameIdle FrameStage = iota
	FrameScenePass
	FrameResolvePass
	FrameSATPass
	FrameDoFPass
	FrameUIPass
	FramePresentPass
)

func (s FrameStage) String() string {
	switch s {
	case FrameIdle:
		return "idle"
	case FrameScenePass:
		return "scene pass"
	case FrameResolvePass:
		return "resolve pass"
	case FrameSATPass:
		return "sat pass"
	case FrameDoFPass:
		return "dof pass"
	case FrameUIPass:
		return "ui pass"
	case FramePresentPass:
		return "present pass"
	default:
		return fmt.Sprintf("FrameStage(%d)", int(s))
	}
}

// FrameConfig carries the per-frame toggles. The UI mutates it between
// frames; DrawFrame reads it exactly once at the top of the frame so a
// mid-frame change can never split a frame across two configurations.
type FrameConfig struct {
	EnableDoF    bool
	UseCPUForSAT bool
	// FocusDepth is the distance that stays sharp, bounded to [0, 10].
	FocusDepth float32
}

// Renderer sequences the frame stages over a Backend.
type Renderer struct {
	backend Backend
	shaders *assets.ShaderSet
	// jobs spreads the host table scan across cores. The scan happens on the
	// frame's critical path when the CPU path is selected, so it is the one
	// place the orchestrator is not single-threaded.
	jobs *core.JobPool

	config FrameConfig
	stage  FrameStage

	// firstFrame suppresses reads of prior-frame device timestamps, which do
	// not exist yet. Cleared unconditionally at the end of every frame.
	firstFrame bool

	epoch      time.Time
	timings    *FrameTimings
	lastDevice map[StageID]Span
}

func New(backend Backend, shaders *assets.ShaderSet, config FrameConfig) *Renderer {
	config.FocusDepth = math.Clamp(config.FocusDepth, 0, 10)
	jobs, err := core.NewJobPool(runtime.NumCPU(), 2*runtime.NumCPU())
	if err != nil {
		core.LogWarn("job pool unavailable, host table scans run serially: %s", err.Error())
		jobs = nil
	}
	return &Renderer{
		backend:    backend,
		shaders:    shaders,
		jobs:       jobs,
		config:     config,
		stage:      FrameIdle,
		firstFrame: true,
		epoch:      time.Now(),
		timings:    NewFrameTimings(),
	}
}

func (r *Renderer) Initialize(appName string, width, height uint32) error {
	return r.backend.Initialize(appName, width, height)
}

func (r *Renderer) Shutdown() error {
	err := r.backend.Shutdown()
	if r.jobs != nil {
		r.jobs.Shutdown()
		r.jobs = nil
	}
	return err
}

func (r *Renderer) OnResize(width, height uint32) error {
	return r.backend.Resize(width, height)
}

func (r *Renderer) Stage() FrameStage {
	return r.stage
}

func (r *Renderer) Config() FrameConfig {
	return r.config
}

// SetConfig replaces the frame configuration. Takes effect at the next frame.
func (r *Renderer) SetConfig(cfg FrameConfig) {
	cfg.FocusDepth = math.Clamp(cfg.FocusDepth, 0, 10)
	r.config = cfg
}

// WallTimings exposes the wall-clock spans of the last drawn frame.
func (r *Renderer) WallTimings() *FrameTimings {
	return r.timings
}

// DeviceTimings exposes the device spans of the frame before last, which is
// the most recent frame whose timestamps have been read back. Nil until two
// frames have run.
func (r *Renderer) DeviceTimings() map[StageID]Span {
	return r.lastDevice
}

// DrawFrame runs one full frame. A swapchain rebuild in progress skips the
// frame without error; any other backend failure aborts the frame.
func (r *Renderer) DrawFrame(s *scene.Scene, deltaTime float64) error {
	cfg := r.config

	if err := r.backend.BeginFrame(deltaTime); err != nil {
		if errors.Is(err, core.ErrSwapchainBooting) {
			return nil
		}
		return err
	}
	defer func() {
		r.stage = FrameIdle
		r.firstFrame = false
	}()

	if !r.firstFrame {
		r.lastDevice = r.backend.DeviceTimings()
	}

	if r.shaders != nil {
		if roles := r.shaders.ApplyPending(); len(roles) > 0 {
			if err := r.backend.ReloadPrograms(roles); err != nil {
				core.LogError("program reload failed: %s", err.Error())
			}
		}
	}

	r.timings.Reset()

	if err := r.enterScenePass(s); err != nil {
		return err
	}
	if err := r.enterResolvePass(); err != nil {
		return err
	}
	if cfg.EnableDoF {
		if err := r.enterSATPass(cfg); err != nil {
			return err
		}
		if err := r.enterDoFPass(cfg); err != nil {
			return err
		}
	}
	if err := r.enterUIPass(); err != nil {
		return err
	}
	return r.enterPresentPass(deltaTime)
}

func (r *Renderer) enterScenePass(s *scene.Scene) error {
	r.stage = FrameScenePass
	if !r.backend.ProgramReady(assets.ProgramScene) {
		core.LogWarn("scene program not ready, skipping scene pass")
		return nil
	}
	start := r.now()
	err := r.backend.RenderScene(s)
	r.timings.RecordWall(StageScene, Span{Start: start, End: r.now()})
	return err
}

func (r *Renderer) enterResolvePass() error {
	r.stage = FrameResolvePass
	start := r.now()
	err := r.backend.ResolveMultisample()
	r.timings.RecordWall(StageResolve, Span{Start: start, End: r.now()})
	return err
}

func (r *Renderer) enterSATPass(cfg FrameConfig) error {
	r.stage = FrameSATPass
	if cfg.UseCPUForSAT {
		return r.computeTableHost()
	}
	for _, role := range []assets.ProgramRole{assets.ProgramSATUpsweep, assets.ProgramSATDownsweep, assets.ProgramSATTranspose} {
		if !r.backend.ProgramReady(role) {
			core.LogWarn("program %s not ready, skipping sat pass", role.String())
			return nil
		}
	}
	start := r.now()
	err := r.backend.ComputeTableGPU()
	r.timings.RecordWall(StageComputeSAT, Span{Start: start, End: r.now()})
	return err
}

// computeTableHost is the synchronous round trip: block on readback, scan on
// the host, block pushing the table back. Strictly slower than the device
// path; it exists as a correctness oracle and its cost includes the transfer.
func (r *Renderer) computeTableHost() error {
	start := r.now()
	pixels, width, height, err := r.backend.ReadbackColor()
	r.timings.RecordWall(StageReadback, Span{Start: start, End: r.now()})
	if err != nil {
		return err
	}

	var runner sat.Runner
	if r.jobs != nil {
		runner = r.jobs
	}
	start = r.now()
	table, err := sat.Concurrent(pixels, width, height, sat.DeviceTile, runner)
	r.timings.RecordWall(StageComputeSAT, Span{Start: start, End: r.now()})
	if err != nil {
		return err
	}

	start = r.now()
	err = r.backend.UploadTable(table)
	r.timings.RecordWall(StageUpload, Span{Start: start, End: r.now()})
	return err
}

func (r *Renderer) enterDoFPass(cfg FrameConfig) error {
	r.stage = FrameDoFPass
	if !r.backend.ProgramReady(assets.ProgramDepthOfField) {
		core.LogWarn("dof program not ready, presenting the unblurred frame")
		return nil
	}
	start := r.now()
	err := r.backend.BlurDepthOfField(cfg.FocusDepth)
	r.timings.RecordWall(StageDepthOfField, Span{Start: start, End: r.now()})
	return err
}

func (r *Renderer) enterUIPass() error {
	r.stage = FrameUIPass
	if !r.backend.ProgramReady(assets.ProgramOverlay) {
		return nil
	}
	start := r.now()
	err := r.backend.RenderOverlay()
	r.timings.RecordWall(StageUI, Span{Start: start, End: r.now()})
	return err
}

func (r *Renderer) enterPresentPass(deltaTime float64) error {
	r.stage = FramePresentPass
	start := r.now()
	if err := r.backend.BlitToWindow(); err != nil {
		return err
	}
	err := r.backend.EndFrame(deltaTime)
	r.timings.RecordWall(StagePresent, Span{Start: start, End: r.now()})
	return err
}

func (r *Renderer) now() float64 {
	return time.Since(r.epoch).Seconds()
}
