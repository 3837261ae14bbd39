package sat

import "fmt"

// This file mirrors the compute kernels on the CPU, one function per
// dispatch, with the same buffer roles and the same mode flags the shaders
// take as push constants. It exists so the scan algorithm can be validated
// against Reference without a device, and it documents exactly what each
// dispatch does.
//
// One axis is four dispatches over the same two kernels:
//
//  1. up-sweep, read-raw:          tile-local inclusive scan of the decoded
//                                  source, tile totals into the partials row
//  2. up-sweep, read-accumulated:  inclusive scan of the partials row itself
//                                  (it fits in a single tile by construction)
//  3. down-sweep, no-carry:        shift the partials row to an exclusive
//                                  scan in place
//  4. down-sweep, add-carry:       broadcast each tile's exclusive carry-in
//                                  onto every element the tile produced
//
// then a transpose swaps the axes so the same four dispatches handle columns.

// ScanParams selects the kernel mode, matching the shader push constants.
type ScanParams struct {
	// ReadAccumulated reads values already in the accumulator domain;
	// when false the kernel gamma-decodes raw 8-bit channels as it reads.
	ReadAccumulated bool
	// AddCarry selects the down-sweep's broadcast mode. Without it the
	// down-sweep converts an inclusive scan to an exclusive one in place.
	AddCarry bool
}

// Upsweep runs the tile-local inclusive prefix sum over one row of n
// elements. Each tile of p.Tile... elements is scanned independently; the
// total of tile i is written to partials[i] when partials is non-nil.
func Upsweep(src, dst []Texel, partials []Texel, tile uint32, p ScanParams) {
	n := uint32(len(src))
	for tileStart := uint32(0); tileStart < n; tileStart += tile {
		var running Texel
		end := tileStart + tile
		if end > n {
			end = n
		}
		for i := tileStart; i < end; i++ {
			v := src[i]
			if !p.ReadAccumulated {
				v = decodeTexel(v)
			}
			running = addTexel(running, v)
			dst[i] = running
		}
		if partials != nil {
			partials[tileStart/tile] = running
		}
	}
}

// Downsweep is the second kernel. In carry mode every element of data gains
// the exclusive carry-in of its tile, read from partials. Without carry mode
// it rewrites data in place from an inclusive scan to an exclusive one:
// [s0, s0+s1, ...] becomes [0, s0, s0+s1, ...].
func Downsweep(data []Texel, partials []Texel, tile uint32, p ScanParams) {
	n := uint32(len(data))
	if p.AddCarry {
		for i := uint32(0); i < n; i++ {
			data[i] = addTexel(data[i], partials[i/tile])
		}
		return
	}
	for i := n; i > 0; i-- {
		if i == 1 {
			data[0] = Texel{}
		} else {
			data[i-1] = data[i-2]
		}
	}
}

// Transpose writes the w*h row-major src into dst as h*w row-major.
func Transpose(src, dst []Texel, w, h uint32) {
	for y := uint32(0); y < h; y++ {
		for x := uint32(0); x < w; x++ {
			dst[x*h+y] = src[y*w+x]
		}
	}
}

// scanAxis applies the four-dispatch sequence to every row of a w*h buffer.
// decode is true only for the first axis, where the input is raw pixels.
func scanAxis(src, dst []Texel, w, h, tile uint32, decode bool) {
	partials := make([]Texel, (w+tile-1)/tile)
	for y := uint32(0); y < h; y++ {
		row := dst[y*w : (y+1)*w]
		Upsweep(src[y*w:(y+1)*w], row, partials, tile, ScanParams{ReadAccumulated: !decode})
		Upsweep(partials, partials, nil, tile, ScanParams{ReadAccumulated: true})
		Downsweep(partials, nil, tile, ScanParams{ReadAccumulated: true})
		Downsweep(row, partials, tile, ScanParams{ReadAccumulated: true, AddCarry: true})
	}
}

// ParallelTable computes the summed-area table the way the device does: rows
// via the four-dispatch scan, a transpose, then the former columns the same
// way. The result stays in column orientation, exactly as the device leaves
// it, with the orientation tag saying so.
func ParallelTable(pixels []byte, width, height, tile uint32) (*Table, error) {
	plan, err := PlanDimensions(width, height, tile)
	if err != nil {
		return nil, err
	}
	if uint32(len(pixels)) < width*height*4 {
		return nil, fmt.Errorf("pixel buffer holds %d bytes, need %d for %dx%d", len(pixels), width*height*4, width, height)
	}

	// Raw source texels over the padded extent; out-of-image reads are zero,
	// as the device's clamped sampling of a zeroed border behaves.
	raw := make([]Texel, plan.Width*plan.Height)
	for y := uint32(0); y < height; y++ {
		for x := uint32(0); x < width; x++ {
			i := (y*width + x) * 4
			raw[y*plan.Width+x] = Texel{
				uint32(pixels[i+0]),
				uint32(pixels[i+1]),
				uint32(pixels[i+2]),
				uint32(pixels[i+3]),
			}
		}
	}

	rowSums := make([]Texel, plan.Width*plan.Height)
	scanAxis(raw, rowSums, plan.Width, plan.Height, tile, true)

	flipped := make([]Texel, plan.Width*plan.Height)
	Transpose(rowSums, flipped, plan.Width, plan.Height)

	scanAxis(flipped, flipped, plan.Height, plan.Width, tile, false)

	return &Table{
		Plan:        plan,
		Orientation: OrientationColumns,
		Texels:      flipped,
	}, nil
}
