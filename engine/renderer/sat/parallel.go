package sat

import "sync"

// Runner dispatches independent units of work, typically a core.JobPool.
type Runner interface {
	Go(fn func())
}

// hostBand is how many rows or columns one unit of work covers. Wide enough
// that scheduling overhead stays small against the scan itself.
const hostBand uint32 = 64

// Concurrent computes the same table as Reference with the row and column
// passes split into bands across a Runner. Bands touch disjoint texels and
// integer addition carries no rounding, so the result is identical to the
// serial scan regardless of scheduling order. A nil runner degrades to the
// serial path.
func Concurrent(pixels []byte, width, height, tile uint32, runner Runner) (*Table, error) {
	if runner == nil {
		return Reference(pixels, width, height, tile)
	}
	t, err := planScan(pixels, width, height, tile)
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	for y0 := uint32(0); y0 < t.Plan.Height; y0 += hostBand {
		y1 := min(y0+hostBand, t.Plan.Height)
		wg.Add(1)
		runner.Go(func() {
			defer wg.Done()
			scanRowBand(t, pixels, width, height, y0, y1)
		})
	}
	wg.Wait()

	// The column pass reads the finished row sums, so it cannot overlap the
	// row pass.
	for x0 := uint32(0); x0 < t.Plan.Width; x0 += hostBand {
		x1 := min(x0+hostBand, t.Plan.Width)
		wg.Add(1)
		runner.Go(func() {
			defer wg.Done()
			scanColumnBand(t, x0, x1)
		})
	}
	wg.Wait()

	return t, nil
}
