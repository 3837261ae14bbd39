package ui

import (
	"fmt"

	"github.com/spaghettifunk/prisma/engine/containers"
	"github.com/spaghettifunk/prisma/engine/core"
	"github.com/spaghettifunk/prisma/engine/math"
	"github.com/spaghettifunk/prisma/engine/renderer"
)

const (
	panelWidth   float32 = 300
	panelPadding float32 = 10
	titleHeight  float32 = 24
	rowHeight    float32 = 22
	checkSize    float32 = 14
	knobWidth    float32 = 10
	knobHeight   float32 = 16
	trackHeight  float32 = 4
)

var (
	colPanel     = math.NewVec4(0.08, 0.09, 0.11, 0.92)
	colTitle     = math.NewVec4(0.13, 0.16, 0.22, 1.0)
	colText      = math.NewVec4(0.92, 0.93, 0.95, 1.0)
	colDim       = math.NewVec4(0.55, 0.58, 0.62, 1.0)
	colWidget    = math.NewVec4(0.22, 0.25, 0.30, 1.0)
	colHot       = math.NewVec4(0.30, 0.36, 0.45, 1.0)
	colActive    = math.NewVec4(0.26, 0.48, 0.80, 1.0)
	colCheckmark = math.NewVec4(0.55, 0.78, 1.0, 1.0)
)

// pointer is the mouse state sampled once at the top of Build, so every
// widget this frame sees the same snapshot.
type pointer struct {
	x, y    float32
	down    bool
	clicked bool
}

func (p pointer) inside(x, y, w, h float32) bool {
	return p.x >= x && p.x < x+w && p.y >= y && p.y < y+h
}

// Overlay is an immediate-mode panel builder. Build regenerates the draw
// list every frame; the renderer backend consumes it through the
// OverlayAtlas/OverlayGeometry pair.
type Overlay struct {
	font *Font

	pointer pointer
	// Widget id that owns the pointer while the button is held.
	active string

	cursorY float32
	panelX  float32
	panelW  float32
	// Vertex index of the current panel's background quad, patched to the
	// final panel height in endPanel.
	panelBG int

	vertices []math.Vertex2D
	indices  []uint32

	// Rolling per-stage windows; raw per-frame spans flicker too much to
	// read, so the panel shows the mean over the last historyFrames frames.
	gpuHistory map[renderer.StageID]*rollingMean
	cpuHistory map[renderer.StageID]*rollingMean
}

// historyFrames is the smoothing window of the profiling readouts.
const historyFrames = 30

type rollingMean struct {
	window *containers.RingQueue[float64]
	sum    float64
}

func newRollingMean() *rollingMean {
	return &rollingMean{window: containers.NewRingQueue[float64](historyFrames)}
}

// push folds in one sample and returns the mean over the window.
func (m *rollingMean) push(v float64) float64 {
	if m.window.IsFull() {
		oldest, _ := m.window.Dequeue()
		m.sum -= oldest
	}
	m.window.Enqueue(v)
	m.sum += v
	return m.sum / float64(m.window.Len())
}

// New loads the bitmap font at fontPath, falling back to the built-in face
// when the asset is missing, so the overlay always comes up.
func New(fontPath string) *Overlay {
	font, err := LoadFont(fontPath)
	if err != nil {
		core.LogWarn("font unavailable, using the built-in face: %s", err.Error())
		font = builtinFont()
	}
	return &Overlay{font: font}
}

func (o *Overlay) OverlayAtlas() ([]byte, uint32, uint32) {
	return o.font.pixels, o.font.width, o.font.height
}

func (o *Overlay) OverlayGeometry() ([]math.Vertex2D, []uint32) {
	return o.vertices, o.indices
}

// Build regenerates the overlay from the current input and renderer state.
// Runs once per frame before DrawFrame, so a toggled widget lands in the
// configuration the next frame is drawn with.
func (o *Overlay) Build(r *renderer.Renderer) {
	mouseX, mouseY := core.InputMousePosition()
	down := core.InputIsButtonDown(core.BUTTON_LEFT)
	o.pointer = pointer{
		x:       float32(mouseX),
		y:       float32(mouseY),
		down:    down,
		clicked: down && !core.InputWasButtonDown(core.BUTTON_LEFT),
	}
	if !down {
		o.active = ""
	}
	o.vertices = o.vertices[:0]
	o.indices = o.indices[:0]

	cfg := r.Config()
	o.beginPanel("Renderer", 16, 16)
	changed := o.checkbox("Depth of field", &cfg.EnableDoF)
	changed = o.checkbox("Compute table on CPU", &cfg.UseCPUForSAT) || changed
	changed = o.slider("Focus depth", &cfg.FocusDepth, 0, 10) || changed
	o.endPanel()
	if changed {
		r.SetConfig(cfg)
	}

	o.beginPanel("Renderer Profiling", 16, o.cursorY+16)
	o.profilingRows(r)
	o.endPanel()
}

func (o *Overlay) beginPanel(title string, x, y float32) {
	o.panelX = x
	o.panelW = panelWidth
	o.panelBG = o.rect(x, y, panelWidth, 0, colPanel)
	o.rect(x, y, panelWidth, titleHeight, colTitle)
	o.text(x+panelPadding, y+(titleHeight-o.font.lineHeight)/2, title, colText)
	o.cursorY = y + titleHeight + panelPadding/2
}

func (o *Overlay) endPanel() {
	bottom := o.cursorY + panelPadding/2
	o.vertices[o.panelBG+2].Position.Y = bottom
	o.vertices[o.panelBG+3].Position.Y = bottom
	o.cursorY = bottom
}

// row claims one content row and returns its top-left corner.
func (o *Overlay) row() (float32, float32) {
	x := o.panelX + panelPadding
	y := o.cursorY
	o.cursorY += rowHeight
	return x, y
}

func (o *Overlay) checkbox(label string, value *bool) bool {
	x, y := o.row()
	boxY := y + (rowHeight-checkSize)/2
	hitWidth := checkSize + 6 + o.font.MeasureText(label)
	hovered := o.pointer.inside(x, y, hitWidth, rowHeight)

	boxColour := colWidget
	if hovered {
		boxColour = colHot
	}
	o.rect(x, boxY, checkSize, checkSize, boxColour)
	if *value {
		o.rect(x+3, boxY+3, checkSize-6, checkSize-6, colCheckmark)
	}
	o.text(x+checkSize+6, y+(rowHeight-o.font.lineHeight)/2, label, colText)

	if hovered && o.pointer.clicked {
		*value = !*value
		return true
	}
	return false
}

func (o *Overlay) slider(label string, value *float32, min, max float32) bool {
	x, y := o.row()
	o.text(x, y+(rowHeight-o.font.lineHeight)/2, fmt.Sprintf("%s  %.2f", label, *value), colText)

	x, y = o.row()
	trackWidth := o.panelW - 2*panelPadding
	trackY := y + (rowHeight-trackHeight)/2
	o.rect(x, trackY, trackWidth, trackHeight, colWidget)

	id := "slider:" + label
	hovered := o.pointer.inside(x, y, trackWidth, rowHeight)
	if hovered && o.pointer.clicked {
		o.active = id
	}

	changed := false
	t := (*value - min) / (max - min)
	if o.active == id && o.pointer.down {
		t = math.Clamp((o.pointer.x-x-knobWidth/2)/(trackWidth-knobWidth), 0, 1)
		next := min + t*(max-min)
		if next != *value {
			*value = next
			changed = true
		}
	}

	knobColour := colHot
	if o.active == id {
		knobColour = colActive
	}
	knobX := x + t*(trackWidth-knobWidth)
	o.rect(knobX, y+(rowHeight-knobHeight)/2, knobWidth, knobHeight, knobColour)
	return changed
}

// profiledStages is the display order of the profiling panel. Stages that
// did not run this frame on either clock are omitted entirely, so the
// inactive table path leaves no dead rows behind.
var profiledStages = []renderer.StageID{
	renderer.StageScene,
	renderer.StageResolve,
	renderer.StageReadback,
	renderer.StageComputeSAT,
	renderer.StageUpload,
	renderer.StageDepthOfField,
	renderer.StageUI,
	renderer.StagePresent,
}

func (o *Overlay) profilingRows(r *renderer.Renderer) {
	if o.gpuHistory == nil {
		o.gpuHistory = make(map[renderer.StageID]*rollingMean)
		o.cpuHistory = make(map[renderer.StageID]*rollingMean)
	}

	fps, frameMS := core.MetricsFrame()
	x, y := o.row()
	o.text(x, y+(rowHeight-o.font.lineHeight)/2, fmt.Sprintf("%4.0f fps  %7.3fms", fps, frameMS), colText)

	wall := r.WallTimings()
	device := r.DeviceTimings()

	for _, stage := range profiledStages {
		wallSpan, hasWall := wall.Wall(stage)
		var deviceSpan renderer.Span
		hasDevice := false
		if device != nil {
			deviceSpan, hasDevice = device[stage]
		}
		if !hasWall && !hasDevice {
			continue
		}

		gpu := "gpu     --   "
		if hasDevice {
			if o.gpuHistory[stage] == nil {
				o.gpuHistory[stage] = newRollingMean()
			}
			gpu = fmt.Sprintf("gpu %7.3fms", o.gpuHistory[stage].push(deviceSpan.Duration()))
		}
		cpu := "cpu     --   "
		if hasWall {
			if o.cpuHistory[stage] == nil {
				o.cpuHistory[stage] = newRollingMean()
			}
			cpu = fmt.Sprintf("cpu %7.3fms", o.cpuHistory[stage].push(wallSpan.Duration()*1000))
		}

		x, y := o.row()
		textY := y + (rowHeight-o.font.lineHeight)/2
		o.text(x, textY, fmt.Sprintf("%-15s", stage.String()), colDim)
		o.text(x+120, textY, gpu, colText)
		o.text(x+216, textY, cpu, colText)
	}
}

// rect appends a solid quad and returns its first vertex index so a caller
// may patch it afterwards.
func (o *Overlay) rect(x, y, w, h float32, colour math.Vec4) int {
	base := uint32(len(o.vertices))
	uv := math.Vec2{X: o.font.whiteU, Y: o.font.whiteV}
	o.vertices = append(o.vertices,
		math.Vertex2D{Position: math.Vec2{X: x, Y: y}, Texcoord: uv, Colour: colour},
		math.Vertex2D{Position: math.Vec2{X: x + w, Y: y}, Texcoord: uv, Colour: colour},
		math.Vertex2D{Position: math.Vec2{X: x + w, Y: y + h}, Texcoord: uv, Colour: colour},
		math.Vertex2D{Position: math.Vec2{X: x, Y: y + h}, Texcoord: uv, Colour: colour},
	)
	o.indices = append(o.indices, base, base+1, base+2, base, base+2, base+3)
	return int(base)
}

// text appends one quad per visible glyph. y is the top of the line.
func (o *Overlay) text(x, y float32, s string, colour math.Vec4) {
	pen := x
	prev := rune(-1)
	atlasW := float32(o.font.width)
	atlasH := float32(o.font.height)
	for _, r := range s {
		g, ok := o.font.glyphs[r]
		if !ok {
			prev = r
			continue
		}
		if prev >= 0 {
			pen += o.font.kernings[[2]rune{prev, r}]
		}
		if g.width > 0 && g.height > 0 {
			x0 := pen + g.xOffset
			y0 := y + g.yOffset
			u0 := g.x / atlasW
			v0 := g.y / atlasH
			u1 := (g.x + g.width) / atlasW
			v1 := (g.y + g.height) / atlasH
			base := uint32(len(o.vertices))
			o.vertices = append(o.vertices,
				math.Vertex2D{Position: math.Vec2{X: x0, Y: y0}, Texcoord: math.Vec2{X: u0, Y: v0}, Colour: colour},
				math.Vertex2D{Position: math.Vec2{X: x0 + g.width, Y: y0}, Texcoord: math.Vec2{X: u1, Y: v0}, Colour: colour},
				math.Vertex2D{Position: math.Vec2{X: x0 + g.width, Y: y0 + g.height}, Texcoord: math.Vec2{X: u1, Y: v1}, Colour: colour},
				math.Vertex2D{Position: math.Vec2{X: x0, Y: y0 + g.height}, Texcoord: math.Vec2{X: u0, Y: v1}, Colour: colour},
			)
			o.indices = append(o.indices, base, base+1, base+2, base, base+2, base+3)
		}
		pen += g.xAdvance
		prev = r
	}
}
