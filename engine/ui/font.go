package ui

import (
	"fmt"
	"image"
	_ "image/png"

	"github.com/fzipp/bmfont"
	xdraw "golang.org/x/image/draw"
)

// Rows appended below the glyph sheet and filled solid white, so panel and
// widget fills can be drawn with the same texture as the text.
const whitePatchRows = 4

// glyph is one renderable character: its atlas rectangle plus pen offsets,
// all in pixels.
type glyph struct {
	x, y          float32
	width, height float32
	xOffset       float32
	yOffset       float32
	xAdvance      float32
}

// Font is a bitmap font baked into a single RGBA atlas.
type Font struct {
	glyphs     map[rune]glyph
	kernings   map[[2]rune]float32
	lineHeight float32
	base       float32

	pixels []byte
	width  uint32
	height uint32

	// Texture coordinates of the solid white patch.
	whiteU float32
	whiteV float32
}

// LoadFont reads an AngelCode .fnt descriptor and its first page sheet, and
// re-bakes the sheet so glyph coverage lives in the alpha channel with white
// RGB. That makes one modulate-by-vertex-colour shader work for both text and
// solid fills.
func LoadFont(path string) (*Font, error) {
	font, err := bmfont.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load font '%s': %w", path, err)
	}
	sheet, ok := font.PageSheets[0]
	if !ok {
		return nil, fmt.Errorf("font '%s' has no page 0 sheet", path)
	}

	bounds := sheet.Bounds()
	sheetW, sheetH := bounds.Dx(), bounds.Dy()
	rgba := image.NewRGBA(image.Rect(0, 0, sheetW, sheetH+whitePatchRows))
	xdraw.Copy(rgba, image.Point{}, sheet, bounds, xdraw.Src, nil)

	// Coverage is either the luminance (grayscale sheets) or the alpha
	// (white-on-transparent sheets); the product handles both.
	for y := 0; y < sheetH; y++ {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+sheetW*4]
		for x := 0; x < sheetW*4; x += 4 {
			coverage := uint16(row[x]) * uint16(row[x+3]) / 255
			row[x], row[x+1], row[x+2] = 0xff, 0xff, 0xff
			row[x+3] = byte(coverage)
		}
	}
	for y := sheetH; y < sheetH+whitePatchRows; y++ {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+sheetW*4]
		for x := range row {
			row[x] = 0xff
		}
	}

	f := &Font{
		glyphs:     make(map[rune]glyph, len(font.Descriptor.Chars)),
		kernings:   make(map[[2]rune]float32, len(font.Descriptor.Kerning)),
		lineHeight: float32(font.Descriptor.Common.LineHeight),
		base:       float32(font.Descriptor.Common.Base),
		pixels:     rgba.Pix,
		width:      uint32(sheetW),
		height:     uint32(sheetH + whitePatchRows),
		whiteU:     0.5,
		whiteV:     (float32(sheetH) + float32(whitePatchRows)/2) / float32(sheetH+whitePatchRows),
	}
	for _, c := range font.Descriptor.Chars {
		f.glyphs[c.ID] = glyph{
			x:        float32(c.X),
			y:        float32(c.Y),
			width:    float32(c.Width),
			height:   float32(c.Height),
			xOffset:  float32(c.XOffset),
			yOffset:  float32(c.YOffset),
			xAdvance: float32(c.XAdvance),
		}
	}
	for pair, k := range font.Descriptor.Kerning {
		f.kernings[[2]rune{pair.First, pair.Second}] = float32(k.Amount)
	}
	return f, nil
}

func (f *Font) LineHeight() float32 {
	return f.lineHeight
}

// MeasureText returns the horizontal advance of s in pixels, kerning included.
func (f *Font) MeasureText(s string) float32 {
	var width float32
	prev := rune(-1)
	for _, r := range s {
		g, ok := f.glyphs[r]
		if !ok {
			prev = r
			continue
		}
		if prev >= 0 {
			width += f.kernings[[2]rune{prev, r}]
		}
		width += g.xAdvance
		prev = r
	}
	return width
}
