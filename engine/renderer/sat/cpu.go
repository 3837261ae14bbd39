package sat

import "fmt"

// Reference computes the summed-area table serially on the host. It is the
// correctness oracle for the parallel paths: two O(W*H) passes, rows
// left-to-right with gamma decode, then columns top-to-bottom in place.
//
// pixels is tightly packed RGBA8, width*height*4 bytes. The returned table is
// in row orientation over the padded extent; padding beyond the source image
// carries the last accumulated sums and is never read by consumers.
func Reference(pixels []byte, width, height, tile uint32) (*Table, error) {
	t, err := planScan(pixels, width, height, tile)
	if err != nil {
		return nil, err
	}
	scanRowBand(t, pixels, width, height, 0, t.Plan.Height)
	scanColumnBand(t, 0, t.Plan.Width)
	return t, nil
}

func planScan(pixels []byte, width, height, tile uint32) (*Table, error) {
	plan, err := PlanDimensions(width, height, tile)
	if err != nil {
		return nil, err
	}
	if uint32(len(pixels)) < width*height*4 {
		return nil, fmt.Errorf("pixel buffer holds %d bytes, need %d for %dx%d", len(pixels), width*height*4, width, height)
	}
	return NewTable(plan), nil
}

// scanRowBand accumulates rows [y0, y1): decode then sum left to right.
// Padding columns read as zero, so the row sum just carries across them.
func scanRowBand(t *Table, pixels []byte, width, height, y0, y1 uint32) {
	plan := t.Plan
	for y := y0; y < y1; y++ {
		var running Texel
		for x := uint32(0); x < plan.Width; x++ {
			if x < width && y < height {
				i := (y*width + x) * 4
				running = addTexel(running, Texel{
					DecodeGamma(pixels[i+0]),
					DecodeGamma(pixels[i+1]),
					DecodeGamma(pixels[i+2]),
					DecodeGamma(pixels[i+3]),
				})
			}
			t.Texels[y*plan.Width+x] = running
		}
	}
}

// scanColumnBand sums the row sums top to bottom in place for columns
// [x0, x1).
func scanColumnBand(t *Table, x0, x1 uint32) {
	plan := t.Plan
	for x := x0; x < x1; x++ {
		var running Texel
		for y := uint32(0); y < plan.Height; y++ {
			running = addTexel(running, t.Texels[y*plan.Width+x])
			t.Texels[y*plan.Width+x] = running
		}
	}
}
