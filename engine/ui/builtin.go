package ui

import (
	"image"

	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	builtinFirst rune = 32
	builtinLast  rune = 126
	builtinCols       = 16
)

// builtinFont bakes an atlas from the fixed 7x13 face that ships inside
// golang.org/x/image, so the overlay stays usable when no font asset exists
// on disk. Glyphs land in a grid of advance-wide, line-height-tall cells;
// placing each one at its cell origin with the face's own ascent folds the
// pen offsets into the bitmap, so every glyph offset is zero.
func builtinFont() *Font {
	face := basicfont.Face7x13
	cellW := face.Advance
	cellH := face.Height
	rows := (int(builtinLast-builtinFirst) + builtinCols) / builtinCols
	sheetW := builtinCols * cellW
	sheetH := rows * cellH

	rgba := image.NewRGBA(image.Rect(0, 0, sheetW, sheetH+whitePatchRows))
	glyphs := make(map[rune]glyph, builtinLast-builtinFirst+1)

	for r := builtinFirst; r <= builtinLast; r++ {
		i := int(r - builtinFirst)
		cellX := (i % builtinCols) * cellW
		cellY := (i / builtinCols) * cellH

		dot := fixed.P(cellX, cellY+face.Ascent)
		if dr, mask, maskp, _, ok := face.Glyph(dot, r); ok {
			for y := dr.Min.Y; y < dr.Max.Y; y++ {
				for x := dr.Min.X; x < dr.Max.X; x++ {
					_, _, _, a := mask.At(maskp.X+x-dr.Min.X, maskp.Y+y-dr.Min.Y).RGBA()
					o := rgba.PixOffset(x, y)
					rgba.Pix[o+0] = 0xff
					rgba.Pix[o+1] = 0xff
					rgba.Pix[o+2] = 0xff
					rgba.Pix[o+3] = uint8(a >> 8)
				}
			}
		}
		glyphs[r] = glyph{
			x:        float32(cellX),
			y:        float32(cellY),
			width:    float32(cellW),
			height:   float32(cellH),
			xAdvance: float32(cellW),
		}
	}

	for y := sheetH; y < sheetH+whitePatchRows; y++ {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+sheetW*4]
		for x := range row {
			row[x] = 0xff
		}
	}

	return &Font{
		glyphs:     glyphs,
		kernings:   map[[2]rune]float32{},
		lineHeight: float32(cellH),
		base:       float32(face.Ascent),
		pixels:     rgba.Pix,
		width:      uint32(sheetW),
		height:     uint32(sheetH + whitePatchRows),
		whiteU:     0.5,
		whiteV:     (float32(sheetH) + float32(whitePatchRows)/2) / float32(sheetH+whitePatchRows),
	}
}
