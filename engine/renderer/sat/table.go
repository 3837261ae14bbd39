package sat

import (
	"fmt"
	m "math"
)

// DeviceTile matches local_size_x in the scan kernels. With the two-tier
// scan this caps the padded table extent at DeviceTile*DeviceTile per axis.
const DeviceTile uint32 = 64

// Texel is one summed-area-table entry: four unsigned 32-bit accumulators.
// 32 bits per channel holds width*height*255 without overflow for any image
// the single-tier scan can address.
type Texel [4]uint32

// TableOrientation tags which layout a table's texels are currently in. The
// column pass runs on transposed data and leaves its result transposed, so a
// finished table can legitimately live in either layout; lookups go through
// Table.At which resolves the tag instead of callers chasing a reseated
// pointer.
type TableOrientation int

const (
	// OrientationRows means texels are row-major in source-image coordinates.
	OrientationRows TableOrientation = iota
	// OrientationColumns means texels are row-major in transposed
	// coordinates: texel (x, y) of the source lives at row x, column y.
	OrientationColumns
)

func (o TableOrientation) String() string {
	switch o {
	case OrientationRows:
		return "rows"
	case OrientationColumns:
		return "columns"
	default:
		return fmt.Sprintf("TableOrientation(%d)", int(o))
	}
}

// TablePlan is the allocation geometry for one summed-area table: the source
// image extent plus the padded extent the scan actually runs on.
type TablePlan struct {
	SrcWidth  uint32
	SrcHeight uint32
	// Width and Height are rounded up to the next multiple of Tile.
	Width  uint32
	Height uint32
	Tile   uint32
}

// PlanDimensions computes the padded table extent for a source image.
//
// The two-tier scan keeps one partial sum per tile and scans those partials in
// a single tile-local pass, so each padded dimension may span at most
// Tile*Tile elements. Larger images would need a third scan tier; that is a
// hard ceiling here and PlanDimensions reports it as an error rather than
// producing a table the scan cannot fill.
//
// A zero-sized source is fine and yields a zero-extent plan.
func PlanDimensions(width, height, tile uint32) (TablePlan, error) {
	if tile == 0 {
		return TablePlan{}, fmt.Errorf("tile size must be positive")
	}

	plan := TablePlan{
		SrcWidth:  width,
		SrcHeight: height,
		Width:     padToTile(width, tile),
		Height:    padToTile(height, tile),
		Tile:      tile,
	}

	limit := tile * tile
	if plan.Width > limit || plan.Height > limit {
		return TablePlan{}, fmt.Errorf("image %dx%d exceeds the %dx%d scan ceiling for tile size %d",
			width, height, limit, limit, tile)
	}
	return plan, nil
}

func padToTile(dim, tile uint32) uint32 {
	return (dim + tile - 1) / tile * tile
}

// Table holds the summed-area texels together with the orientation tag that
// says how they are laid out.
type Table struct {
	Plan        TablePlan
	Orientation TableOrientation
	Texels      []Texel
}

// NewTable allocates a zeroed table in row orientation.
func NewTable(plan TablePlan) *Table {
	return &Table{
		Plan:        plan,
		Orientation: OrientationRows,
		Texels:      make([]Texel, plan.Width*plan.Height),
	}
}

// At returns the accumulated sum for source-image pixel (x, y), resolving the
// current orientation. Coordinates beyond the source extent but within the
// padded extent are addressable; consumers should not rely on their values.
func (t *Table) At(x, y uint32) Texel {
	switch t.Orientation {
	case OrientationColumns:
		return t.Texels[x*t.Plan.Height+y]
	default:
		return t.Texels[y*t.Plan.Width+x]
	}
}

var gammaLUT = buildGammaLUT()

// buildGammaLUT precomputes decode for all 256 channel values:
// channel' = round(255 * (channel/255)^2.2).
func buildGammaLUT() [256]uint32 {
	var lut [256]uint32
	for i := 0; i < 256; i++ {
		lut[i] = uint32(m.Round(255.0 * m.Pow(float64(i)/255.0, 2.2)))
	}
	return lut
}

// DecodeGamma converts one 8-bit sRGB-ish channel value to its linearized
// accumulator value. decode(0) == 0 and decode(255) == 255.
func DecodeGamma(channel uint8) uint32 {
	return gammaLUT[channel]
}

func decodeTexel(raw Texel) Texel {
	return Texel{
		gammaLUT[raw[0]&0xFF],
		gammaLUT[raw[1]&0xFF],
		gammaLUT[raw[2]&0xFF],
		gammaLUT[raw[3]&0xFF],
	}
}

func addTexel(a, b Texel) Texel {
	return Texel{a[0] + b[0], a[1] + b[1], a[2] + b[2], a[3] + b[3]}
}
