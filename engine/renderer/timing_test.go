package renderer

import "testing"

func TestTimingsAbsentUntilRecorded(t *testing.T) {
	ft := NewFrameTimings()

	if _, ok := ft.Device(StageComputeSAT); ok {
		t.Error("device span present before any record")
	}

	ft.RecordDevice(StageScene, Span{Start: 1, End: 3})
	ft.RecordWall(StageScene, Span{Start: 0.5, End: 0.9})

	span, ok := ft.Device(StageScene)
	if !ok {
		t.Fatal("recorded device span missing")
	}
	if span.Duration() != 2 {
		t.Errorf("duration = %f, want 2", span.Duration())
	}
	if _, ok := ft.Wall(StageComputeSAT); ok {
		t.Error("wall span leaked into a stage that never ran")
	}
}

func TestTimingsResetDropsEverySpan(t *testing.T) {
	ft := NewFrameTimings()
	ft.RecordDevice(StageScene, Span{Start: 0, End: 1})
	ft.RecordWall(StagePresent, Span{Start: 0, End: 1})

	ft.Reset()

	if _, ok := ft.Device(StageScene); ok {
		t.Error("device span survived Reset")
	}
	if _, ok := ft.Wall(StagePresent); ok {
		t.Error("wall span survived Reset")
	}
}

func TestDeviceStagesListsOnlyMeasuredStages(t *testing.T) {
	ft := NewFrameTimings()
	ft.RecordDevice(StagePresent, Span{Start: 4, End: 5})
	ft.RecordDevice(StageScene, Span{Start: 0, End: 1})

	got := ft.DeviceStages()
	want := []StageID{StageScene, StagePresent}
	if len(got) != len(want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("stages = %v, want %v", got, want)
			break
		}
	}
}
