package env

import "fmt"

// Fixed serves the same valuations every round; with Env set it also
// serves a constant feasibility envelope. Defined for every round
// index >= 0.
type Fixed struct {
	Sell float64
	Buy  float64
	Env  *Envelope // nil means no envelope is served
}

func (f Fixed) Valuations(round int) (float64, float64, error) {
	if round < 0 {
		return 0, 0, fmt.Errorf("round %d is negative", round)
	}
	return f.Sell, f.Buy, nil
}

func (f Fixed) Constraints(round int) (float64, float64, error) {
	if round < 0 {
		return 0, 0, fmt.Errorf("round %d is negative", round)
	}
	if f.Env == nil {
		return 0, 0, fmt.Errorf("no envelope configured")
	}
	return f.Env.SDot, f.Env.BDot, nil
}

// Sequence replays recorded valuations, and optionally envelopes, in
// round order. The replay horizon is the number of recorded rounds.
type Sequence struct {
	vals []Valuation
	envs []Envelope
}

// NewSequence builds a replay over the recorded valuations. envs may be
// nil for an unconstrained replay; otherwise it must cover exactly the
// same rounds. Both slices are copied.
func NewSequence(vals []Valuation, envs []Envelope) (*Sequence, error) {
	if len(vals) == 0 {
		return nil, fmt.Errorf("empty valuation sequence")
	}
	if envs != nil && len(envs) != len(vals) {
		return nil, fmt.Errorf("have %d envelopes for %d rounds", len(envs), len(vals))
	}

	s := &Sequence{vals: make([]Valuation, len(vals))}
	copy(s.vals, vals)
	if envs != nil {
		s.envs = make([]Envelope, len(envs))
		copy(s.envs, envs)
	}
	return s, nil
}

// Horizon returns the number of recorded rounds.
func (s *Sequence) Horizon() int { return len(s.vals) }

func (s *Sequence) Valuations(round int) (float64, float64, error) {
	if err := checkRound(round, len(s.vals)); err != nil {
		return 0, 0, err
	}
	v := s.vals[round]
	return v.Sell, v.Buy, nil
}

func (s *Sequence) Constraints(round int) (float64, float64, error) {
	if s.envs == nil {
		return 0, 0, fmt.Errorf("no envelopes recorded")
	}
	if err := checkRound(round, len(s.envs)); err != nil {
		return 0, 0, err
	}
	e := s.envs[round]
	return e.SDot, e.BDot, nil
}
