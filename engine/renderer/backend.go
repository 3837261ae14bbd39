package renderer

import (
	"github.com/spaghettifunk/prisma/engine/assets"
	"github.com/spaghettifunk/prisma/engine/renderer/sat"
	"github.com/spaghettifunk/prisma/engine/scene"
)

// Backend is the device-facing half of the renderer. The orchestrator in this
// package sequences these calls; the vulkan package implements them; tests
// substitute a recording fake.
type Backend interface {
	Initialize(appName string, width, height uint32) error
	Shutdown() error

	// Resize waits for in-flight work on the current targets, then releases
	// and reallocates both target pairs and all table buffers for the new
	// extent. When it returns every surface later stages touch is valid.
	Resize(width, height uint32) error

	// BeginFrame acquires the next backbuffer and opens the command stream.
	// Returns core.ErrSwapchainBooting while the swapchain is being rebuilt;
	// the caller skips the frame.
	BeginFrame(deltaTime float64) error
	// EndFrame submits the command stream and presents.
	EndFrame(deltaTime float64) error

	// ProgramReady reports whether the program for the role is compiled and
	// usable. Stages check this before issuing work and skip when it is not.
	ProgramReady(role assets.ProgramRole) bool
	// ReloadPrograms rebuilds pipelines for roles whose SPIR-V changed.
	ReloadPrograms(roles []assets.ProgramRole) error

	RenderScene(s *scene.Scene) error
	ResolveMultisample() error

	// ReadbackColor blocks until the resolved color target is host-visible
	// and returns it as tightly packed RGBA8.
	ReadbackColor() (pixels []byte, width, height uint32, err error)
	// ComputeTableGPU runs the scan/transpose dispatch chain on the device.
	// It never blocks the host; ordering is expressed with device barriers.
	ComputeTableGPU() error
	// UploadTable pushes a host-computed table into the device-side table
	// buffer, row by row, and records which orientation it is in.
	UploadTable(t *sat.Table) error

	BlurDepthOfField(focusDepth float32) error
	RenderOverlay() error
	// BlitToWindow copies the finished render extent onto the backbuffer,
	// filtering only when the extents differ.
	BlitToWindow() error

	// DeviceTimings returns the device-clock spans measured for the previous
	// frame. Only stages that ran that frame have entries. Undefined before
	// the first frame completes; callers gate on the first-frame flag.
	DeviceTimings() map[StageID]Span
}
