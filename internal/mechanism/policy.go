package mechanism

import "gftlab/internal/hedge"

// UpdateMode tells the round loop which weight-update rule keeps the
// learners consistent with the committed action.
type UpdateMode int

const (
	// UpdatePlain applies the direct full-population update.
	UpdatePlain UpdateMode = iota
	// UpdateRescaled applies the update with every expert remapped into
	// the round's envelope first.
	UpdateRescaled
)

// ActionPolicy decides the committed action for a round from the raw
// sampled action and the round's feasibility envelope. The
// unconstrained and constrained mechanisms share one round loop and
// differ only in this policy.
type ActionPolicy interface {
	Decide(raw hedge.Action, sDot, bDot float64) (hedge.Action, UpdateMode)
}

// passthroughPolicy commits the raw action unchanged.
type passthroughPolicy struct{}

func (passthroughPolicy) Decide(raw hedge.Action, _, _ float64) (hedge.Action, UpdateMode) {
	return raw, UpdatePlain
}

// rescalePolicy rescales any action that violates the round's envelope
// and leaves already-feasible actions untouched.
type rescalePolicy struct{}

func (rescalePolicy) Decide(raw hedge.Action, sDot, bDot float64) (hedge.Action, UpdateMode) {
	if raw.Ask < sDot || bDot < raw.Bid {
		return hedge.Rescale(raw, sDot, bDot), UpdateRescaled
	}
	return raw, UpdatePlain
}
