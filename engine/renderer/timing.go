package renderer

import "fmt"

// StageID names a timed section of the frame.
type StageID int

const (
	StageScene StageID = iota
	StageResolve
	StageReadback
	StageComputeSAT
	StageUpload
	StageDepthOfField
	StageUI
	StagePresent
)

func (s StageID) String() string {
	switch s {
	case StageScene:
		return "scene"
	case StageResolve:
		return "resolve"
	case StageReadback:
		return "readback"
	case StageComputeSAT:
		return "compute sat"
	case StageUpload:
		return "upload"
	case StageDepthOfField:
		return "depth of field"
	case StageUI:
		return "ui"
	case StagePresent:
		return "present"
	default:
		return fmt.Sprintf("StageID(%d)", int(s))
	}
}

// Span is one measured interval. Units depend on the clock domain: device
// spans are in milliseconds, converted from timestamp ticks at readback; wall
// spans are in seconds.
type Span struct {
	Start float64
	End   float64
}

func (s Span) Duration() float64 {
	return s.End - s.Start
}

// FrameTimings holds the spans measured for a single frame, keyed by stage.
// Stages that did not run this frame simply have no entry, so a stale value
// from an earlier frame can never be read. Always look up with Device/Wall
// and check the second return.
type FrameTimings struct {
	device map[StageID]Span
	wall   map[StageID]Span
}

func NewFrameTimings() *FrameTimings {
	return &FrameTimings{
		device: make(map[StageID]Span),
		wall:   make(map[StageID]Span),
	}
}

// Reset drops every span. Called at the top of each frame so only stages that
// actually ran this frame are present.
func (ft *FrameTimings) Reset() {
	clear(ft.device)
	clear(ft.wall)
}

func (ft *FrameTimings) RecordDevice(stage StageID, span Span) {
	ft.device[stage] = span
}

func (ft *FrameTimings) RecordWall(stage StageID, span Span) {
	ft.wall[stage] = span
}

func (ft *FrameTimings) Device(stage StageID) (Span, bool) {
	span, ok := ft.device[stage]
	return span, ok
}

func (ft *FrameTimings) Wall(stage StageID) (Span, bool) {
	span, ok := ft.wall[stage]
	return span, ok
}

// DeviceStages returns the stages with a device span this frame, in display
// order.
func (ft *FrameTimings) DeviceStages() []StageID {
	order := []StageID{
		StageScene, StageResolve, StageReadback, StageComputeSAT,
		StageUpload, StageDepthOfField, StageUI, StagePresent,
	}
	present := make([]StageID, 0, len(ft.device))
	for _, s := range order {
		if _, ok := ft.device[s]; ok {
			present = append(present, s)
		}
	}
	return present
}
