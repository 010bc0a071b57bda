// Package hedge implements a multiplicative-weights (Hedge) learner
// over a fixed set of posted-price experts for repeated bilateral trade.
package hedge

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
)

// ErrDegenerateWeights reports that the learner's weight mass has
// collapsed (sum non-positive or non-finite), so sampling an action is
// no longer defined.
var ErrDegenerateWeights = errors.New("hedge: weight sum is not a positive finite number")

// Action is a candidate posted price pair: the ask paid to the seller
// and the bid charged to the buyer, in normalized coordinates
// (typically [0,1]). A trade clears against valuations (sell, buy) when
// sell <= Ask and Bid <= buy.
type Action struct {
	Ask float64 `json:"ask"`
	Bid float64 `json:"bid"`
}

// Learner maintains a probability distribution over a fixed expert set
// and updates it multiplicatively from full-information feedback each
// round. Weights are never explicitly renormalized: the total mass
// drifts downward over time, but sampling and reporting only ever use
// weight ratios, which stay well-defined.
//
// A Learner belongs to a single run and is not safe for concurrent use.
type Learner struct {
	experts []Action
	weights []float64
	gft     []float64
	epsilon float64
	horizon int
	rng     *rand.Rand
}

// NewLearner creates a learner over the given expert set with learning
// rate sqrt(ln(N)/T). The expert slice is copied. The random source
// drives action sampling only; passing a seeded source makes runs
// reproducible.
func NewLearner(experts []Action, horizon int, rng *rand.Rand) (*Learner, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("horizon must be positive, got %d", horizon)
	}
	n := len(experts)
	if n < 2 {
		return nil, fmt.Errorf("expert set needs at least 2 entries, got %d", n)
	}
	if rng == nil {
		return nil, fmt.Errorf("nil random source")
	}

	l := &Learner{
		experts: make([]Action, n),
		weights: make([]float64, n),
		gft:     make([]float64, n),
		epsilon: math.Sqrt(math.Log(float64(n)) / float64(horizon)),
		horizon: horizon,
		rng:     rng,
	}
	copy(l.experts, experts)
	for i := range l.weights {
		l.weights[i] = 1 / float64(n)
	}
	return l, nil
}

// ChooseAction draws an expert with probability proportional to its
// current weight and returns its price pair. Weights are not mutated.
func (l *Learner) ChooseAction() (Action, error) {
	total, err := l.weightSum()
	if err != nil {
		return Action{}, err
	}

	target := l.rng.Float64() * total
	cum := 0.0
	for i, w := range l.weights {
		cum += w
		if target < cum {
			return l.experts[i], nil
		}
	}
	// Round-off can leave target at the far boundary.
	return l.experts[len(l.experts)-1], nil
}

// Update applies one round of full-information feedback to every expert
// in the set, not just a chosen one.
//
// With potential = buy - sell, an expert is feasible when it would have
// cleared (sell <= ask, bid <= buy) and realizes the full potential if
// so. When potential >= 0, infeasible experts are charged the forgone
// potential as loss and feasible ones are charged nothing; when
// potential < 0, the loss equals whatever the expert realized, which
// rewards experts that clear a negative-surplus round. That last branch
// is deliberate and must not be symmetrized.
func (l *Learner) Update(sell, buy float64) error {
	potential := buy - sell
	for i, e := range l.experts {
		l.applyFeedback(i, potential, sell <= e.Ask && e.Bid <= buy)
	}
	_, err := l.weightSum()
	return err
}

// UpdateRescaled is Update with every expert first remapped into the
// [sDot, bDot] envelope via Rescale, so the population's counterfactual
// accounting matches a committed action that was rescaled the same way.
// Realized gains accumulate under the rescaled feasibility.
func (l *Learner) UpdateRescaled(sell, buy, sDot, bDot float64) error {
	potential := buy - sell
	for i, e := range l.experts {
		r := Rescale(e, sDot, bDot)
		l.applyFeedback(i, potential, sell <= r.Ask && r.Bid <= buy)
	}
	_, err := l.weightSum()
	return err
}

func (l *Learner) applyFeedback(i int, potential float64, feasible bool) {
	var realized float64
	if feasible {
		realized = potential
	}

	loss := realized
	if potential >= 0 {
		loss = potential
		if feasible {
			loss = 0
		}
	}

	l.weights[i] *= math.Exp(-l.epsilon * loss)
	l.gft[i] += realized
}

// BestExpert returns the expert with the largest cumulative realized
// gains from trade and that value: the best fixed price pair in
// hindsight. Ties go to the lowest index.
func (l *Learner) BestExpert() (Action, float64) {
	best := 0
	for i := 1; i < len(l.gft); i++ {
		if l.gft[i] > l.gft[best] {
			best = i
		}
	}
	return l.experts[best], l.gft[best]
}

// Probabilities returns the current sampling distribution as a
// normalized copy of the weights.
func (l *Learner) Probabilities() []float64 {
	probs := make([]float64, len(l.weights))
	total, err := l.weightSum()
	if err != nil {
		return probs
	}
	for i, w := range l.weights {
		probs[i] = w / total
	}
	return probs
}

// ExpertGFT returns a copy of the per-expert cumulative realized gains.
func (l *Learner) ExpertGFT() []float64 {
	out := make([]float64, len(l.gft))
	copy(out, l.gft)
	return out
}

// Experts returns a copy of the expert set in index order.
func (l *Learner) Experts() []Action {
	out := make([]Action, len(l.experts))
	copy(out, l.experts)
	return out
}

// Epsilon returns the fixed learning rate sqrt(ln(N)/T).
func (l *Learner) Epsilon() float64 { return l.epsilon }

// Len returns the expert-set size N.
func (l *Learner) Len() int { return len(l.experts) }

func (l *Learner) weightSum() (float64, error) {
	total := 0.0
	for _, w := range l.weights {
		total += w
	}
	if math.IsNaN(total) || math.IsInf(total, 0) || total <= 0 {
		return 0, ErrDegenerateWeights
	}
	return total, nil
}

// Rescale maps a normalized action into the [sDot, bDot] envelope:
// the ask is pulled up from sDot and the bid down from bDot, both by a
// quadratic factor of the envelope width. Whenever the input
// coordinates lie in [0,1] and sDot <= bDot, the image satisfies
// sDot <= Ask and Bid <= bDot.
func Rescale(a Action, sDot, bDot float64) Action {
	factor := (bDot - sDot) * (bDot - sDot)
	return Action{
		Ask: sDot + a.Ask*factor,
		Bid: bDot - (1-a.Bid)*factor,
	}
}
