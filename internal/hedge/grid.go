package hedge

import (
	"fmt"
	"math"
)

// MultiplicativeGrid builds the expert set used by the profit learner:
// the diagonal pairs (k/K, k/K), plus geometric side-steps of size 2^-i
// around each diagonal point. Side-steps that would leave [0,1] are
// skipped, not clamped, and duplicate pairs keep their separate grid
// slots. Deterministic for a fixed resolution.
func MultiplicativeGrid(resolution int) ([]Action, error) {
	if resolution <= 0 {
		return nil, fmt.Errorf("grid resolution must be positive, got %d", resolution)
	}

	steps := int(math.Log(float64(resolution)) + 1)

	var grid []Action
	for k := 0; k <= resolution; k++ {
		g := float64(k) / float64(resolution)
		grid = append(grid, Action{Ask: g, Bid: g})
		for i := 0; i < steps; i++ {
			step := math.Pow(2, -float64(i))
			if g-step >= 0 {
				grid = append(grid, Action{Ask: g - step, Bid: g})
			}
			if g+step <= 1 {
				grid = append(grid, Action{Ask: g, Bid: g + step})
			}
		}
	}
	return grid, nil
}

// AdditiveGrid builds the expert set used by the GFT learner: K equally
// spaced pairs ((i+1)/K, i/K), each posting a bid exactly 1/K below its
// ask, so every clearing trade is subsidized by 1/K. Deterministic for
// a fixed resolution.
func AdditiveGrid(resolution int) ([]Action, error) {
	if resolution <= 0 {
		return nil, fmt.Errorf("grid resolution must be positive, got %d", resolution)
	}

	grid := make([]Action, 0, resolution)
	for i := 0; i < resolution; i++ {
		grid = append(grid, Action{
			Ask: float64(i+1) / float64(resolution),
			Bid: float64(i) / float64(resolution),
		})
	}
	return grid, nil
}
