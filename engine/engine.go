package engine

import (
	"fmt"
	stdmath "math"
	"path/filepath"
	"sync"
	"time"

	"github.com/spaghettifunk/prisma/engine/assets"
	"github.com/spaghettifunk/prisma/engine/config"
	"github.com/spaghettifunk/prisma/engine/core"
	"github.com/spaghettifunk/prisma/engine/math"
	"github.com/spaghettifunk/prisma/engine/platform"
	"github.com/spaghettifunk/prisma/engine/renderer"
	"github.com/spaghettifunk/prisma/engine/renderer/vulkan"
	"github.com/spaghettifunk/prisma/engine/scene"
	"github.com/spaghettifunk/prisma/engine/ui"
)

type Stage uint8

const (
	// Engine is in an uninitialized state
	EngineStageUninitialized Stage = iota
	// Engine is currently initializing
	EngineStageInitializing
	// Engine initialization is complete
	EngineStageInitialized
	// Engine is currently running
	EngineStageRunning
	// Engine is in the process of shutting down
	EngineStageShuttingDown
)

// orbitCamera drags the camera around its target on the right mouse button
// and zooms on the wheel. Wheel events arrive on the event goroutine, so the
// accumulated delta is guarded.
type orbitCamera struct {
	yaw      float32
	pitch    float32
	distance float32

	dragging     bool
	lastX, lastY float64

	mu    sync.Mutex
	wheel float32
}

func (o *orbitCamera) addWheel(delta float32) {
	o.mu.Lock()
	o.wheel += delta
	o.mu.Unlock()
}

func (o *orbitCamera) takeWheel() float32 {
	o.mu.Lock()
	w := o.wheel
	o.wheel = 0
	o.mu.Unlock()
	return w
}

type Engine struct {
	currentStage Stage
	cfg          *config.Config

	platform *platform.Platform
	shaders  *assets.ShaderSet
	overlay  *ui.Overlay
	renderer *renderer.Renderer
	scene    *scene.Scene

	isRunning   bool
	isSuspended bool
	width       uint32
	height      uint32

	// Resize events arrive on the event goroutine; the frame loop applies
	// them between frames.
	resizeMu      sync.Mutex
	resizePending bool
	resizeWidth   uint32
	resizeHeight  uint32

	clock    *core.Clock
	lastTime float64

	orbit orbitCamera
}

func New(cfg *config.Config) (*Engine, error) {
	p, err := platform.New()
	if err != nil {
		return nil, err
	}

	shaders, err := assets.NewShaderSet(filepath.Join(cfg.Assets.Dir, "shaders"))
	if err != nil {
		core.LogError(err.Error())
		return nil, err
	}

	return &Engine{
		currentStage: EngineStageUninitialized,
		cfg:          cfg,
		platform:     p,
		shaders:      shaders,
		clock:        core.NewClock(),
		isRunning:    true,
		isSuspended:  false,
		width:        cfg.Window.Width,
		height:       cfg.Window.Height,
	}, nil
}

func (e *Engine) Initialize() error {
	e.currentStage = EngineStageInitializing

	if err := core.InputInitialize(); err != nil {
		return err
	}
	if !core.EventSystemInitialize() {
		return fmt.Errorf("failed to initialize the event system")
	}
	if err := core.MetricsInitialize(); err != nil {
		return err
	}

	core.EventRegister(core.EVENT_CODE_APPLICATION_QUIT, e.onEvent)
	core.EventRegister(core.EVENT_CODE_KEY_PRESSED, e.onKey)
	core.EventRegister(core.EVENT_CODE_MOUSE_WHEEL, e.onMouseWheel)
	core.EventRegister(core.EVENT_CODE_RESIZED, e.onResized)

	if err := e.platform.Startup(e.cfg.Window.Title,
		e.cfg.Window.PosX, e.cfg.Window.PosY,
		e.cfg.Window.Width, e.cfg.Window.Height); err != nil {
		return err
	}

	if err := e.shaders.Initialize(); err != nil {
		return err
	}

	e.overlay = ui.New(filepath.Join(e.cfg.Assets.Dir, "fonts", "default.fnt"))

	backend := vulkan.New(e.platform, e.shaders, e.overlay, e.cfg.Render.SampleCount)
	e.renderer = renderer.New(backend, e.shaders, renderer.FrameConfig{
		EnableDoF:    e.cfg.DoF.Enabled,
		UseCPUForSAT: e.cfg.DoF.UseCPU,
		FocusDepth:   e.cfg.DoF.FocusDepth,
	})

	// The surface may be created at a different pixel size than the window
	// asked for; the renderer always works in framebuffer pixels.
	e.width, e.height = e.platform.FramebufferSize()
	if err := e.renderer.Initialize(e.cfg.Window.Title, e.width, e.height); err != nil {
		return err
	}

	aspect := float32(1.0)
	if e.height > 0 {
		aspect = float32(e.width) / float32(e.height)
	}
	e.scene = scene.NewDemoScene(aspect)
	e.resetOrbit()

	e.currentStage = EngineStageInitialized
	return nil
}

// resetOrbit derives the orbit parameters from the camera's starting pose so
// the first drag does not snap.
func (e *Engine) resetOrbit() {
	cam := e.scene.Camera
	dx := float64(cam.Eye.X - cam.Target.X)
	dy := float64(cam.Eye.Y - cam.Target.Y)
	dz := float64(cam.Eye.Z - cam.Target.Z)
	dist := stdmath.Sqrt(dx*dx + dy*dy + dz*dz)
	if dist == 0 {
		dist = 1
	}
	e.orbit.distance = float32(dist)
	e.orbit.pitch = float32(stdmath.Asin(dy / dist))
	e.orbit.yaw = float32(stdmath.Atan2(dx, dz))
}

func (e *Engine) Run() error {
	e.currentStage = EngineStageRunning
	e.clock.Start()
	e.clock.Update()
	e.lastTime = e.clock.ElapsedSeconds()

	// process all the events around the engine
	go core.ProcessEvents()

	for e.isRunning {
		e.platform.PumpMessages()
		if e.platform.ShouldClose() {
			e.isRunning = false
			break
		}

		e.applyPendingResize()

		if e.isSuspended {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		e.clock.Update()
		currentTime := e.clock.ElapsedSeconds()
		delta := currentTime - e.lastTime
		frameStart := time.Now()

		e.updateCamera(delta)

		if e.overlay != nil {
			e.overlay.Build(e.renderer)
		}

		if err := e.renderer.DrawFrame(e.scene, delta); err != nil {
			core.LogFatal("frame failed, shutting down: %s", err.Error())
			e.isRunning = false
			break
		}

		core.MetricsUpdate(time.Since(frameStart).Seconds())

		// Input state copying happens after everything that reads input this
		// frame.
		core.InputUpdate(delta)
		e.lastTime = currentTime
	}

	return nil
}

func (e *Engine) Shutdown() error {
	e.currentStage = EngineStageShuttingDown
	if err := core.EventSystemShutdown(); err != nil {
		return err
	}
	if err := core.InputShutdown(); err != nil {
		return err
	}
	e.shaders.Shutdown()
	if e.renderer != nil {
		if err := e.renderer.Shutdown(); err != nil {
			return err
		}
	}
	return e.platform.Shutdown()
}

// updateCamera applies the orbit controller to the scene camera.
func (e *Engine) updateCamera(deltaTime float64) {
	cam := e.scene.Camera
	o := &e.orbit

	mouseX, mouseY := core.InputMousePosition()
	if core.InputIsButtonDown(core.BUTTON_RIGHT) {
		if o.dragging {
			o.yaw -= float32(mouseX-o.lastX) * 0.005
			o.pitch += float32(mouseY-o.lastY) * 0.005
			o.pitch = math.Clamp(o.pitch, -1.45, 1.45)
		}
		o.dragging = true
		o.lastX, o.lastY = mouseX, mouseY
	} else {
		o.dragging = false
	}

	if wheel := o.takeWheel(); wheel != 0 {
		o.distance *= float32(stdmath.Pow(0.9, float64(wheel)))
		o.distance = math.Clamp(o.distance, 0.5, 50)
	}

	sinYaw, cosYaw := stdmath.Sincos(float64(o.yaw))
	sinPitch, cosPitch := stdmath.Sincos(float64(o.pitch))
	offset := math.NewVec3(
		float32(cosPitch*sinYaw),
		float32(sinPitch),
		float32(cosPitch*cosYaw),
	)
	cam.Eye = math.NewVec3(
		cam.Target.X+offset.X*o.distance,
		cam.Target.Y+offset.Y*o.distance,
		cam.Target.Z+offset.Z*o.distance,
	)
}

func (e *Engine) applyPendingResize() {
	e.resizeMu.Lock()
	pending := e.resizePending
	width, height := e.resizeWidth, e.resizeHeight
	e.resizePending = false
	e.resizeMu.Unlock()

	if !pending || (width == e.width && height == e.height) {
		return
	}
	e.width = width
	e.height = height

	if width == 0 || height == 0 {
		core.LogInfo("window minimized, suspending rendering")
		e.isSuspended = true
		return
	}
	if e.isSuspended {
		core.LogInfo("window restored, resuming rendering")
		e.isSuspended = false
	}

	e.scene.Camera.SetAspect(width, height)
	if err := e.renderer.OnResize(width, height); err != nil {
		core.LogError(err.Error())
	}
}

func (e *Engine) onEvent(context core.EventContext) {
	switch context.Type {
	case core.EVENT_CODE_APPLICATION_QUIT:
		core.LogInfo("EVENT_CODE_APPLICATION_QUIT received, shutting down.")
		e.isRunning = false
	}
}

func (e *Engine) onKey(context core.EventContext) {
	ke, ok := context.Data.(*core.KeyEvent)
	if !ok {
		core.LogError("wrong event associated with the event type `%d`", context.Type)
		return
	}
	if ke.KeyCode == core.KEY_ESCAPE {
		core.EventFire(core.EventContext{Type: core.EVENT_CODE_APPLICATION_QUIT})
	}
}

func (e *Engine) onMouseWheel(context core.EventContext) {
	me, ok := context.Data.(*core.MouseEvent)
	if !ok {
		core.LogError("wrong event associated with the event type `%d`", context.Type)
		return
	}
	e.orbit.addWheel(float32(me.WheelDelta))
}

func (e *Engine) onResized(context core.EventContext) {
	se, ok := context.Data.(*core.SystemEvent)
	if !ok {
		core.LogError("wrong event associated with the event type `%d`", context.Type)
		return
	}
	e.resizeMu.Lock()
	e.resizePending = true
	e.resizeWidth = se.WindowWidth
	e.resizeHeight = se.WindowHeight
	e.resizeMu.Unlock()
}
