// Package env supplies the valuation environments a trade mechanism
// runs against: fixed and replayed sequences for tests and experiments,
// and seeded synthetic generators for longer studies.
package env

import "fmt"

// Environment serves the hidden per-round valuations. Implementations
// must be defined for every round in [0, horizon); anything else is a
// contract violation and is returned as an error rather than a value.
type Environment interface {
	Valuations(round int) (sell, buy float64, err error)
}

// BoundedEnvironment additionally serves a per-round feasibility
// envelope for the constrained mechanism. sDot <= bDot must hold every
// round; envelope values outside [0,1] are allowed.
type BoundedEnvironment interface {
	Environment
	Constraints(round int) (sDot, bDot float64, err error)
}

// Valuation is one round's hidden seller/buyer pair.
type Valuation struct {
	Sell float64 `json:"sell"`
	Buy  float64 `json:"buy"`
}

// Envelope is one round's feasibility bounds.
type Envelope struct {
	SDot float64 `json:"s_dot"`
	BDot float64 `json:"b_dot"`
}

func checkRound(round, horizon int) error {
	if round < 0 || round >= horizon {
		return fmt.Errorf("round %d outside [0, %d)", round, horizon)
	}
	return nil
}
