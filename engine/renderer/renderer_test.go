package renderer

import (
	"reflect"
	"testing"

	"github.com/spaghettifunk/prisma/engine/assets"
	"github.com/spaghettifunk/prisma/engine/core"
	"github.com/spaghettifunk/prisma/engine/renderer/sat"
	"github.com/spaghettifunk/prisma/engine/scene"
)

// fakeBackend records the order of backend calls so tests can assert on the
// stage sequencing without a device.
type fakeBackend struct {
	calls []string

	notReady map[assets.ProgramRole]bool
	beginErr error

	uploaded           *sat.Table
	deviceTimingsReads int
}

func (f *fakeBackend) record(name string) {
	f.calls = append(f.calls, name)
}

func (f *fakeBackend) Initialize(appName string, width, height uint32) error {
	f.record("Initialize")
	return nil
}

func (f *fakeBackend) Shutdown() error {
	f.record("Shutdown")
	return nil
}

func (f *fakeBackend) Resize(width, height uint32) error {
	f.record("Resize")
	return nil
}

func (f *fakeBackend) BeginFrame(deltaTime float64) error {
	f.record("BeginFrame")
	return f.beginErr
}

func (f *fakeBackend) EndFrame(deltaTime float64) error {
	f.record("EndFrame")
	return nil
}

func (f *fakeBackend) ProgramReady(role assets.ProgramRole) bool {
	return !f.notReady[role]
}

func (f *fakeBackend) ReloadPrograms(roles []assets.ProgramRole) error {
	f.record("ReloadPrograms")
	return nil
}

func (f *fakeBackend) RenderScene(s *scene.Scene) error {
	f.record("RenderScene")
	return nil
}

func (f *fakeBackend) ResolveMultisample() error {
	f.record("ResolveMultisample")
	return nil
}

func (f *fakeBackend) ReadbackColor() ([]byte, uint32, uint32, error) {
	f.record("ReadbackColor")
	const w, h = 8, 8
	pixels := make([]byte, w*h*4)
	for i := range pixels {
		pixels[i] = 255
	}
	return pixels, w, h, nil
}

func (f *fakeBackend) ComputeTableGPU() error {
	f.record("ComputeTableGPU")
	return nil
}

func (f *fakeBackend) UploadTable(t *sat.Table) error {
	f.record("UploadTable")
	f.uploaded = t
	return nil
}

func (f *fakeBackend) BlurDepthOfField(focusDepth float32) error {
	f.record("BlurDepthOfField")
	return nil
}

func (f *fakeBackend) RenderOverlay() error {
	f.record("RenderOverlay")
	return nil
}

func (f *fakeBackend) BlitToWindow() error {
	f.record("BlitToWindow")
	return nil
}

func (f *fakeBackend) DeviceTimings() map[StageID]Span {
	f.deviceTimingsReads++
	return map[StageID]Span{StageScene: {Start: 0, End: 1}}
}

func TestStageOrderingWithDoF(t *testing.T) {
	fake := &fakeBackend{}
	r := New(fake, nil, FrameConfig{EnableDoF: true, FocusDepth: 5})

	if err := r.DrawFrame(nil, 0.016); err != nil {
		t.Fatalf("DrawFrame: %v", err)
	}

	want := []string{
		"BeginFrame",
		"RenderScene",
		"ResolveMultisample",
		"ComputeTableGPU",
		"BlurDepthOfField",
		"RenderOverlay",
		"BlitToWindow",
		"EndFrame",
	}
	if !reflect.DeepEqual(fake.calls, want) {
		t.Errorf("call order = %v, want %v", fake.calls, want)
	}
	if r.Stage() != FrameIdle {
		t.Errorf("stage after frame = %v, want idle", r.Stage())
	}
}

func TestDoFDisabledSkipsTableEngine(t *testing.T) {
	fake := &fakeBackend{}
	r := New(fake, nil, FrameConfig{EnableDoF: false})

	if err := r.DrawFrame(nil, 0.016); err != nil {
		t.Fatalf("DrawFrame: %v", err)
	}

	for _, call := range fake.calls {
		switch call {
		case "ComputeTableGPU", "ReadbackColor", "UploadTable", "BlurDepthOfField":
			t.Errorf("%s must not run when depth of field is disabled", call)
		}
	}

	for _, stage := range []StageID{StageReadback, StageComputeSAT, StageUpload, StageDepthOfField} {
		if _, ok := r.WallTimings().Wall(stage); ok {
			t.Errorf("stage %v has a timing span but did not run", stage)
		}
	}
}

func TestHostTablePath(t *testing.T) {
	fake := &fakeBackend{}
	r := New(fake, nil, FrameConfig{EnableDoF: true, UseCPUForSAT: true})

	if err := r.DrawFrame(nil, 0.016); err != nil {
		t.Fatalf("DrawFrame: %v", err)
	}

	want := []string{
		"BeginFrame",
		"RenderScene",
		"ResolveMultisample",
		"ReadbackColor",
		"UploadTable",
		"BlurDepthOfField",
		"RenderOverlay",
		"BlitToWindow",
		"EndFrame",
	}
	if !reflect.DeepEqual(fake.calls, want) {
		t.Errorf("call order = %v, want %v", fake.calls, want)
	}

	if fake.uploaded == nil {
		t.Fatal("no table uploaded")
	}
	wantPlan, err := sat.PlanDimensions(8, 8, sat.DeviceTile)
	if err != nil {
		t.Fatal(err)
	}
	if fake.uploaded.Plan != wantPlan {
		t.Errorf("uploaded plan = %+v, want %+v", fake.uploaded.Plan, wantPlan)
	}

	for _, stage := range []StageID{StageReadback, StageComputeSAT, StageUpload} {
		if _, ok := r.WallTimings().Wall(stage); !ok {
			t.Errorf("stage %v ran but has no timing span", stage)
		}
	}
}

// Switching modes between frames must not change table geometry, only how it
// is populated.
func TestModeSwitchKeepsTableDimensions(t *testing.T) {
	fake := &fakeBackend{}
	r := New(fake, nil, FrameConfig{EnableDoF: true, UseCPUForSAT: false})

	if err := r.DrawFrame(nil, 0.016); err != nil {
		t.Fatal(err)
	}

	cfg := r.Config()
	cfg.UseCPUForSAT = true
	r.SetConfig(cfg)

	if err := r.DrawFrame(nil, 0.016); err != nil {
		t.Fatal(err)
	}

	wantPlan, err := sat.PlanDimensions(8, 8, sat.DeviceTile)
	if err != nil {
		t.Fatal(err)
	}
	if fake.uploaded == nil || fake.uploaded.Plan != wantPlan {
		t.Errorf("host path produced a different table geometry: %+v", fake.uploaded.Plan)
	}
}

func TestFirstFrameSuppressesDeviceTimestampReads(t *testing.T) {
	fake := &fakeBackend{}
	r := New(fake, nil, FrameConfig{})

	if err := r.DrawFrame(nil, 0.016); err != nil {
		t.Fatal(err)
	}
	if fake.deviceTimingsReads != 0 {
		t.Errorf("device timestamps read on the first frame")
	}
	if r.DeviceTimings() != nil {
		t.Errorf("device timings visible before any frame completed")
	}

	if err := r.DrawFrame(nil, 0.016); err != nil {
		t.Fatal(err)
	}
	if fake.deviceTimingsReads != 1 {
		t.Errorf("device timestamps read %d times on the second frame, want 1", fake.deviceTimingsReads)
	}
	if r.DeviceTimings() == nil {
		t.Errorf("device timings missing after the second frame")
	}
}

func TestSwapchainRebuildSkipsFrame(t *testing.T) {
	fake := &fakeBackend{beginErr: core.ErrSwapchainBooting}
	r := New(fake, nil, FrameConfig{})

	if err := r.DrawFrame(nil, 0.016); err != nil {
		t.Fatalf("a swapchain rebuild must not surface as an error, got %v", err)
	}
	if len(fake.calls) != 1 || fake.calls[0] != "BeginFrame" {
		t.Errorf("calls = %v, want only BeginFrame", fake.calls)
	}
}

func TestMissingBlurProgramStillPresents(t *testing.T) {
	fake := &fakeBackend{notReady: map[assets.ProgramRole]bool{assets.ProgramDepthOfField: true}}
	r := New(fake, nil, FrameConfig{EnableDoF: true})

	if err := r.DrawFrame(nil, 0.016); err != nil {
		t.Fatalf("DrawFrame: %v", err)
	}

	sawBlur, sawPresent := false, false
	for _, call := range fake.calls {
		if call == "BlurDepthOfField" {
			sawBlur = true
		}
		if call == "EndFrame" {
			sawPresent = true
		}
	}
	if sawBlur {
		t.Error("blur ran without a usable program")
	}
	if !sawPresent {
		t.Error("frame did not complete")
	}
}

func TestFocusDepthIsClamped(t *testing.T) {
	r := New(&fakeBackend{}, nil, FrameConfig{FocusDepth: 42})
	if got := r.Config().FocusDepth; got != 10 {
		t.Errorf("FocusDepth = %f, want clamped to 10", got)
	}
	r.SetConfig(FrameConfig{FocusDepth: -3})
	if got := r.Config().FocusDepth; got != 0 {
		t.Errorf("FocusDepth = %f, want clamped to 0", got)
	}
}
