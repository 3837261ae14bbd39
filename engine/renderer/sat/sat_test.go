package sat

import (
	"math/rand"
	"testing"
)

func TestPlanDimensions(t *testing.T) {
	tests := []struct {
		name         string
		w, h, tile   uint32
		wantW, wantH uint32
		wantErr      bool
	}{
		{name: "exact multiples", w: 8, h: 8, tile: 4, wantW: 8, wantH: 8},
		{name: "rounds up", w: 5, h: 9, tile: 4, wantW: 8, wantH: 12},
		{name: "zero size", w: 0, h: 0, tile: 4, wantW: 0, wantH: 0},
		{name: "one pixel", w: 1, h: 1, tile: 16, wantW: 16, wantH: 16},
		{name: "at the ceiling", w: 16, h: 16, tile: 4, wantW: 16, wantH: 16},
		{name: "past the ceiling", w: 17, h: 4, tile: 4, wantErr: true},
		{name: "zero tile", w: 8, h: 8, tile: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := PlanDimensions(tt.w, tt.h, tt.tile)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("PlanDimensions(%d, %d, %d) expected an error", tt.w, tt.h, tt.tile)
				}
				return
			}
			if err != nil {
				t.Fatalf("PlanDimensions(%d, %d, %d): %v", tt.w, tt.h, tt.tile, err)
			}
			if plan.Width != tt.wantW || plan.Height != tt.wantH {
				t.Errorf("padded extent = %dx%d, want %dx%d", plan.Width, plan.Height, tt.wantW, tt.wantH)
			}
			if plan.Width%tt.tile != 0 || plan.Height%tt.tile != 0 {
				t.Errorf("padded extent %dx%d is not a multiple of tile %d", plan.Width, plan.Height, tt.tile)
			}
		})
	}
}

func TestDecodeGamma(t *testing.T) {
	if got := DecodeGamma(0); got != 0 {
		t.Errorf("DecodeGamma(0) = %d, want 0", got)
	}
	if got := DecodeGamma(255); got != 255 {
		t.Errorf("DecodeGamma(255) = %d, want 255", got)
	}
	prev := uint32(0)
	for c := 1; c < 256; c++ {
		v := DecodeGamma(uint8(c))
		if v < prev {
			t.Fatalf("DecodeGamma not monotonic at %d: %d < %d", c, v, prev)
		}
		prev = v
	}
}

func solidImage(w, h uint32, r, g, b, a uint8) []byte {
	pixels := make([]byte, w*h*4)
	for i := uint32(0); i < w*h; i++ {
		pixels[i*4+0] = r
		pixels[i*4+1] = g
		pixels[i*4+2] = b
		pixels[i*4+3] = a
	}
	return pixels
}

// manualTable is a third, naive implementation used as ground truth in tests:
// for every (x, y) it sums decode over the whole rectangle directly.
func manualTable(pixels []byte, w, h uint32) func(x, y uint32) Texel {
	return func(x, y uint32) Texel {
		var sum Texel
		for yy := uint32(0); yy <= y; yy++ {
			for xx := uint32(0); xx <= x; xx++ {
				i := (yy*w + xx) * 4
				sum[0] += DecodeGamma(pixels[i+0])
				sum[1] += DecodeGamma(pixels[i+1])
				sum[2] += DecodeGamma(pixels[i+2])
				sum[3] += DecodeGamma(pixels[i+3])
			}
		}
		return sum
	}
}

func TestWhiteImageBottomRightCorner(t *testing.T) {
	const w, h, tile = 8, 8, 4
	pixels := solidImage(w, h, 255, 255, 255, 255)

	want := uint32(64 * 255)

	ref, err := Reference(pixels, w, h, tile)
	if err != nil {
		t.Fatalf("Reference: %v", err)
	}
	par, err := ParallelTable(pixels, w, h, tile)
	if err != nil {
		t.Fatalf("ParallelTable: %v", err)
	}

	for ch := 0; ch < 4; ch++ {
		if got := ref.At(7, 7)[ch]; got != want {
			t.Errorf("Reference At(7,7)[%d] = %d, want %d", ch, got, want)
		}
		if got := par.At(7, 7)[ch]; got != want {
			t.Errorf("ParallelTable At(7,7)[%d] = %d, want %d", ch, got, want)
		}
	}
}

func TestCheckerboardMatchesManualPrefixSum(t *testing.T) {
	const w, h, tile = 4, 4, 4
	pixels := make([]byte, w*h*4)
	for y := uint32(0); y < h; y++ {
		for x := uint32(0); x < w; x++ {
			i := (y*w + x) * 4
			if (x+y)%2 == 0 {
				pixels[i+0] = 255
			}
			pixels[i+3] = 255
		}
	}

	manual := manualTable(pixels, w, h)

	ref, err := Reference(pixels, w, h, tile)
	if err != nil {
		t.Fatalf("Reference: %v", err)
	}
	par, err := ParallelTable(pixels, w, h, tile)
	if err != nil {
		t.Fatalf("ParallelTable: %v", err)
	}

	for y := uint32(0); y < h; y++ {
		for x := uint32(0); x < w; x++ {
			want := manual(x, y)
			if got := ref.At(x, y); got != want {
				t.Errorf("Reference At(%d,%d) = %v, want %v", x, y, got, want)
			}
			if got := par.At(x, y); got != want {
				t.Errorf("ParallelTable At(%d,%d) = %v, want %v", x, y, got, want)
			}
		}
	}
}

func TestDownsweepMakesExclusiveScan(t *testing.T) {
	// Per-tile sums s0..s3, already scanned inclusively as the up-sweep of
	// partials leaves them.
	sums := []Texel{{3}, {1}, {4}, {1}}
	data := make([]Texel, len(sums))
	Upsweep(sums, data, nil, 4, ScanParams{ReadAccumulated: true})

	Downsweep(data, nil, 4, ScanParams{ReadAccumulated: true})

	want := []Texel{{0}, {3}, {4}, {8}}
	for i := range want {
		if data[i] != want[i] {
			t.Errorf("data[%d] = %v, want %v", i, data[i], want[i])
		}
	}
}

func TestParallelMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	sizes := []struct{ w, h uint32 }{
		{1, 1},
		{3, 5},
		{8, 8},
		{13, 7},
		{16, 16},
	}

	for _, size := range sizes {
		pixels := make([]byte, size.w*size.h*4)
		rng.Read(pixels)

		const tile = 4
		ref, err := Reference(pixels, size.w, size.h, tile)
		if err != nil {
			t.Fatalf("Reference %dx%d: %v", size.w, size.h, err)
		}
		par, err := ParallelTable(pixels, size.w, size.h, tile)
		if err != nil {
			t.Fatalf("ParallelTable %dx%d: %v", size.w, size.h, err)
		}

		for y := uint32(0); y < size.h; y++ {
			for x := uint32(0); x < size.w; x++ {
				if ref.At(x, y) != par.At(x, y) {
					t.Fatalf("%dx%d: At(%d,%d): reference %v, parallel %v",
						size.w, size.h, x, y, ref.At(x, y), par.At(x, y))
				}
			}
		}
	}
}

// goRunner spawns a fresh goroutine per unit of work, the simplest thing
// that satisfies Runner.
type goRunner struct{}

func (goRunner) Go(fn func()) { go fn() }

func TestConcurrentMatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	// 150x130 with tile 64 pads to 192x192, three bands per axis.
	const w, h, tile = 150, 130, 64
	pixels := make([]byte, w*h*4)
	rng.Read(pixels)

	ref, err := Reference(pixels, w, h, tile)
	if err != nil {
		t.Fatalf("Reference: %v", err)
	}
	con, err := Concurrent(pixels, w, h, tile, goRunner{})
	if err != nil {
		t.Fatalf("Concurrent: %v", err)
	}

	for i := range ref.Texels {
		if ref.Texels[i] != con.Texels[i] {
			t.Fatalf("texel %d: reference %v, concurrent %v", i, ref.Texels[i], con.Texels[i])
		}
	}
}

func TestConcurrentNilRunnerFallsBackToSerial(t *testing.T) {
	pixels := solidImage(8, 8, 40, 80, 120, 255)
	ref, err := Reference(pixels, 8, 8, 4)
	if err != nil {
		t.Fatal(err)
	}
	con, err := Concurrent(pixels, 8, 8, 4, nil)
	if err != nil {
		t.Fatal(err)
	}
	for y := uint32(0); y < 8; y++ {
		for x := uint32(0); x < 8; x++ {
			if ref.At(x, y) != con.At(x, y) {
				t.Fatalf("At(%d,%d): reference %v, concurrent %v", x, y, ref.At(x, y), con.At(x, y))
			}
		}
	}
}

func TestTablePadding(t *testing.T) {
	const tile = 4
	pixels := solidImage(5, 9, 10, 20, 30, 255)

	ref, err := Reference(pixels, 5, 9, tile)
	if err != nil {
		t.Fatalf("Reference: %v", err)
	}
	if ref.Plan.Width != 8 || ref.Plan.Height != 12 {
		t.Errorf("padded extent = %dx%d, want 8x12", ref.Plan.Width, ref.Plan.Height)
	}
	if got := uint32(len(ref.Texels)); got != ref.Plan.Width*ref.Plan.Height {
		t.Errorf("texel count = %d, want %d", got, ref.Plan.Width*ref.Plan.Height)
	}
}

func TestZeroSizedImage(t *testing.T) {
	ref, err := Reference(nil, 0, 0, 4)
	if err != nil {
		t.Fatalf("Reference on empty image: %v", err)
	}
	if len(ref.Texels) != 0 {
		t.Errorf("expected an empty table, got %d texels", len(ref.Texels))
	}

	par, err := ParallelTable(nil, 0, 0, 4)
	if err != nil {
		t.Fatalf("ParallelTable on empty image: %v", err)
	}
	if len(par.Texels) != 0 {
		t.Errorf("expected an empty table, got %d texels", len(par.Texels))
	}
}

func TestOrientationLookup(t *testing.T) {
	plan, err := PlanDimensions(4, 8, 4)
	if err != nil {
		t.Fatal(err)
	}

	rows := NewTable(plan)
	cols := &Table{
		Plan:        plan,
		Orientation: OrientationColumns,
		Texels:      make([]Texel, plan.Width*plan.Height),
	}

	rows.Texels[3*plan.Width+2] = Texel{7, 7, 7, 7}
	cols.Texels[2*plan.Height+3] = Texel{7, 7, 7, 7}

	if rows.At(2, 3) != cols.At(2, 3) {
		t.Errorf("orientation lookup mismatch: rows %v, columns %v", rows.At(2, 3), cols.At(2, 3))
	}
}
