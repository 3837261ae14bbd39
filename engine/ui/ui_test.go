package ui

import (
	"testing"

	"github.com/spaghettifunk/prisma/engine/math"
)

func testFont() *Font {
	glyphs := make(map[rune]glyph)
	for r := rune(32); r < 127; r++ {
		glyphs[r] = glyph{x: 0, y: 0, width: 6, height: 10, xAdvance: 8}
	}
	return &Font{
		glyphs:     glyphs,
		kernings:   map[[2]rune]float32{{'A', 'V'}: -2},
		lineHeight: 16,
		base:       12,
		pixels:     []byte{0xff, 0xff, 0xff, 0xff},
		width:      1,
		height:     1,
		whiteU:     0.5,
		whiteV:     0.5,
	}
}

func testOverlay() *Overlay {
	o := &Overlay{font: testFont()}
	o.panelX = 0
	o.panelW = panelWidth
	o.cursorY = 0
	return o
}

func TestMeasureTextAppliesKerning(t *testing.T) {
	f := testFont()
	if got := f.MeasureText("AB"); got != 16 {
		t.Errorf("expected advance 16, got %v", got)
	}
	// A→V carries a -2 kerning pair.
	if got := f.MeasureText("AV"); got != 14 {
		t.Errorf("expected kerned advance 14, got %v", got)
	}
	if got := f.MeasureText(""); got != 0 {
		t.Errorf("expected zero advance for empty string, got %v", got)
	}
}

func TestCheckboxTogglesOnClickInside(t *testing.T) {
	o := testOverlay()
	value := false

	// Click on the box itself; rows start panelPadding in from the panel edge.
	o.pointer = pointer{x: panelPadding + 5, y: 10, down: true, clicked: true}
	if !o.checkbox("Depth of field", &value) {
		t.Fatal("expected the click to report a change")
	}
	if !value {
		t.Fatal("expected the value to toggle on")
	}

	// A held button is not a new click.
	o.cursorY = 0
	o.pointer = pointer{x: panelPadding + 5, y: 10, down: true, clicked: false}
	if o.checkbox("Depth of field", &value) {
		t.Fatal("a held button must not re-toggle")
	}
	if !value {
		t.Fatal("value changed without a click")
	}
}

func TestCheckboxIgnoresClickOutside(t *testing.T) {
	o := testOverlay()
	value := false
	o.pointer = pointer{x: 280, y: 10, down: true, clicked: true}
	if o.checkbox("Depth of field", &value) || value {
		t.Fatal("a click outside the hit area must not toggle")
	}
}

func TestSliderDragMapsPointerToRange(t *testing.T) {
	o := testOverlay()
	value := float32(0)

	trackX := panelPadding
	trackWidth := panelWidth - 2*panelPadding
	// The second row holds the track; click its middle.
	trackRowY := rowHeight + rowHeight/2

	o.pointer = pointer{x: trackX + trackWidth/2, y: trackRowY, down: true, clicked: true}
	if !o.slider("Focus depth", &value, 0, 10) {
		t.Fatal("expected the drag to report a change")
	}
	if value < 4.5 || value > 5.5 {
		t.Errorf("expected a mid-track click to land near 5, got %v", value)
	}

	// Dragging past the right edge clamps to max.
	o.cursorY = 0
	o.pointer = pointer{x: panelWidth + 100, y: trackRowY, down: true}
	o.slider("Focus depth", &value, 0, 10)
	if value != 10 {
		t.Errorf("expected the value to clamp to 10, got %v", value)
	}
}

func TestSliderDragPersistsWhileHeld(t *testing.T) {
	o := testOverlay()
	value := float32(0)
	trackRowY := rowHeight + rowHeight/2

	o.pointer = pointer{x: panelPadding, y: trackRowY, down: true, clicked: true}
	o.slider("Focus depth", &value, 0, 10)
	if o.active != "slider:Focus depth" {
		t.Fatalf("expected the slider to capture the pointer, active = %q", o.active)
	}

	// The pointer leaves the track vertically but the button stays held; the
	// slider keeps tracking the x position.
	o.cursorY = 0
	o.pointer = pointer{x: panelPadding + (panelWidth-2*panelPadding)*0.75, y: 500, down: true}
	if !o.slider("Focus depth", &value, 0, 10) {
		t.Fatal("a captured slider must keep following the pointer")
	}
	if value <= 5 {
		t.Errorf("expected a value in the upper half of the range, got %v", value)
	}
}

func TestPanelBackgroundCoversContent(t *testing.T) {
	o := testOverlay()
	o.beginPanel("Renderer", 16, 16)
	o.row()
	o.row()
	o.endPanel()

	bg := o.vertices[o.panelBG]
	bottomLeft := o.vertices[o.panelBG+3]
	if bg.Position.Y != 16 {
		t.Errorf("expected the panel to start at y=16, got %v", bg.Position.Y)
	}
	want := 16 + titleHeight + panelPadding/2 + 2*rowHeight + panelPadding/2
	if bottomLeft.Position.Y != want {
		t.Errorf("expected the background to end at %v, got %v", want, bottomLeft.Position.Y)
	}
}

func TestRectUsesWhitePatch(t *testing.T) {
	o := testOverlay()
	o.rect(0, 0, 10, 10, math.NewVec4(1, 0, 0, 1))
	for _, v := range o.vertices {
		if v.Texcoord.X != o.font.whiteU || v.Texcoord.Y != o.font.whiteV {
			t.Fatalf("solid quads must sample the white patch, got uv %v", v.Texcoord)
		}
	}
	if len(o.indices) != 6 {
		t.Fatalf("expected 6 indices for one quad, got %d", len(o.indices))
	}
}

// The overlay must come up even when no font asset exists on disk, so the
// built-in face has to cover everything the panels draw.
func TestBuiltinFontCoversPrintableASCII(t *testing.T) {
	f := builtinFont()

	if got := uint32(len(f.pixels)); got != f.width*f.height*4 {
		t.Fatalf("atlas holds %d bytes, want %d for %dx%d", got, f.width*f.height*4, f.width, f.height)
	}

	for r := rune(32); r <= 126; r++ {
		g, ok := f.glyphs[r]
		if !ok {
			t.Fatalf("missing glyph for %q", r)
		}
		if g.xAdvance <= 0 {
			t.Errorf("glyph %q has no advance", r)
		}
		if g.x+g.width > float32(f.width) || g.y+g.height > float32(f.height)-whitePatchRows {
			t.Errorf("glyph %q cell leaves the sheet: (%v,%v)+(%v,%v)", r, g.x, g.y, g.width, g.height)
		}
	}

	if got := f.MeasureText("Focus depth"); got <= 0 {
		t.Errorf("MeasureText = %v, want positive", got)
	}
	if f.lineHeight <= 0 {
		t.Errorf("line height = %v, want positive", f.lineHeight)
	}

	// The white patch rows must be solid so rect fills stay opaque.
	for y := f.height - whitePatchRows; y < f.height; y++ {
		for x := uint32(0); x < f.width; x++ {
			i := (y*f.width + x) * 4
			if f.pixels[i] != 0xff || f.pixels[i+3] != 0xff {
				t.Fatalf("white patch not solid at (%d,%d)", x, y)
			}
		}
	}
	if v := uint32(f.whiteV * float32(f.height)); v < f.height-whitePatchRows {
		t.Errorf("whiteV %v points at row %d, outside the patch", f.whiteV, v)
	}

	// A glyph with ink: 'A' must have at least one covered pixel inside its
	// cell.
	g := f.glyphs['A']
	covered := false
	for y := uint32(g.y); y < uint32(g.y+g.height); y++ {
		for x := uint32(g.x); x < uint32(g.x+g.width); x++ {
			if f.pixels[(y*f.width+x)*4+3] > 0 {
				covered = true
			}
		}
	}
	if !covered {
		t.Error("glyph 'A' has no coverage in the atlas")
	}
}

func TestRollingMeanWindow(t *testing.T) {
	m := newRollingMean()
	if got := m.push(4); got != 4 {
		t.Errorf("first sample mean = %v, want 4", got)
	}
	if got := m.push(8); got != 6 {
		t.Errorf("two-sample mean = %v, want 6", got)
	}
	// Flood the window with a new level; once the old samples have been
	// evicted the mean settles exactly.
	for i := 0; i < historyFrames; i++ {
		m.push(10)
	}
	if got := m.push(10); got != 10 {
		t.Errorf("saturated mean = %v, want 10", got)
	}
}

func TestTextEmitsQuadsPerGlyph(t *testing.T) {
	o := testOverlay()
	o.text(0, 0, "abc", colText)
	if len(o.vertices) != 12 {
		t.Fatalf("expected 12 vertices for 3 glyphs, got %d", len(o.vertices))
	}
	// Pen advances glyph by glyph.
	if o.vertices[4].Position.X != 8 {
		t.Errorf("expected the second glyph to start at x=8, got %v", o.vertices[4].Position.X)
	}
}
