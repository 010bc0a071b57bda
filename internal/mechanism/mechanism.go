// Package mechanism runs the two-phase posted-price mechanism for
// repeated bilateral trade. A profit-maximizing phase charges a spread
// until the accumulated surplus reaches sqrt(T), then a one-way switch
// spends the rest of the run subsidizing trades to maximize gains from
// trade. Both phases delegate price selection to hedge learners over
// fixed price grids.
package mechanism

import (
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"

	"gftlab/internal/env"
	"gftlab/internal/hedge"
)

// Phase identifies which objective the mechanism is currently optimizing.
type Phase int

const (
	// PhaseProfitMax charges a spread on every trade to build a budget surplus.
	PhaseProfitMax Phase = iota
	// PhaseGFTMax spends the surplus subsidizing trades for gains from trade.
	PhaseGFTMax
)

func (p Phase) String() string {
	switch p {
	case PhaseProfitMax:
		return "PROFIT_MAX"
	case PhaseGFTMax:
		return "GFT_MAX"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON encodes the phase by name so traces and API payloads stay
// readable.
func (p Phase) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(p.String())), nil
}

// UnmarshalJSON accepts the names MarshalJSON produces.
func (p *Phase) UnmarshalJSON(data []byte) error {
	name, err := strconv.Unquote(string(data))
	if err != nil {
		return fmt.Errorf("phase must be a string, got %s", data)
	}
	switch name {
	case "PROFIT_MAX":
		*p = PhaseProfitMax
	case "GFT_MAX":
		*p = PhaseGFTMax
	default:
		return fmt.Errorf("unknown phase %q", name)
	}
	return nil
}

// RoundEvent describes one completed round. Budget and GFT are the
// running totals after the round settled.
type RoundEvent struct {
	Round    int          `json:"round"`
	Phase    Phase        `json:"phase"`
	Action   hedge.Action `json:"action"`
	Sell     float64      `json:"sell"`
	Buy      float64      `json:"buy"`
	Cleared  bool         `json:"cleared"`
	Rescaled bool         `json:"rescaled"`
	Budget   float64      `json:"budget"`
	GFT      float64      `json:"gft"`
}

// Snapshot is a consistent read of the mechanism's visible state.
type Snapshot struct {
	Round           int          `json:"round"`
	Horizon         int          `json:"horizon"`
	Phase           Phase        `json:"phase"`
	Budget          float64      `json:"budget"`
	BudgetThreshold float64      `json:"budget_threshold"`
	GFT             float64      `json:"gft"`
	FlipRound       int          `json:"flip_round"`
	BestAction      hedge.Action `json:"best_action"`
	BestGFT         float64      `json:"best_gft"`
}

// Mechanism coordinates the two learners, the environment, and the
// budget accounting across a run of fixed length.
type Mechanism struct {
	mu sync.RWMutex

	horizon         int
	resolution      int
	budgetThreshold float64

	profitLearner *hedge.Learner
	gftLearner    *hedge.Learner

	environment env.Environment
	bounded     env.BoundedEnvironment // nil when unconstrained
	policy      ActionPolicy

	phase     Phase
	round     int
	flipRound int
	budget    float64
	gains     float64

	onRound       func(RoundEvent)
	onPhaseChange func(Phase)
}

// New builds the unconstrained mechanism for a run of horizon rounds.
// The grid resolution and the phase-switch threshold are both derived
// from the horizon as sqrt(T).
func New(horizon int, environment env.Environment, rng *rand.Rand) (*Mechanism, error) {
	return newMechanism(horizon, environment, nil, passthroughPolicy{}, rng)
}

// NewConstrained builds the mechanism variant that keeps every posted
// price pair inside the per-round feasibility envelope reported by the
// environment.
func NewConstrained(horizon int, environment env.BoundedEnvironment, rng *rand.Rand) (*Mechanism, error) {
	if environment == nil {
		return nil, fmt.Errorf("environment is required")
	}
	return newMechanism(horizon, environment, environment, rescalePolicy{}, rng)
}

func newMechanism(horizon int, environment env.Environment, bounded env.BoundedEnvironment, policy ActionPolicy, rng *rand.Rand) (*Mechanism, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("horizon must be positive, got %d", horizon)
	}
	if environment == nil {
		return nil, fmt.Errorf("environment is required")
	}
	if rng == nil {
		return nil, fmt.Errorf("random source is required")
	}

	resolution := int(math.Sqrt(float64(horizon)))
	profitGrid, err := hedge.MultiplicativeGrid(resolution)
	if err != nil {
		return nil, fmt.Errorf("profit grid: %w", err)
	}
	gftGrid, err := hedge.AdditiveGrid(resolution)
	if err != nil {
		return nil, fmt.Errorf("gft grid: %w", err)
	}
	profitLearner, err := hedge.NewLearner(profitGrid, horizon, rng)
	if err != nil {
		return nil, fmt.Errorf("profit learner: %w", err)
	}
	gftLearner, err := hedge.NewLearner(gftGrid, horizon, rng)
	if err != nil {
		return nil, fmt.Errorf("gft learner: %w", err)
	}

	return &Mechanism{
		horizon:         horizon,
		resolution:      resolution,
		budgetThreshold: math.Sqrt(float64(horizon)),
		profitLearner:   profitLearner,
		gftLearner:      gftLearner,
		environment:     environment,
		bounded:         bounded,
		policy:          policy,
		phase:           PhaseProfitMax,
		flipRound:       -1,
	}, nil
}

// Step plays the next round: sample an action from the learner for the
// current phase, let the policy commit it against the round's envelope,
// apply the weight updates, and settle the accounting. Callbacks run
// after the mechanism's own state has settled.
func (m *Mechanism) Step() error {
	m.mu.Lock()
	if m.round >= m.horizon {
		m.mu.Unlock()
		return fmt.Errorf("all %d rounds already played", m.horizon)
	}

	active := m.profitLearner
	if m.phase == PhaseGFTMax {
		active = m.gftLearner
	}
	raw, err := active.ChooseAction()
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("round %d: %w", m.round, err)
	}

	sell, buy, err := m.environment.Valuations(m.round)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("round %d: %w", m.round, err)
	}

	committed := raw
	mode := UpdatePlain
	var sDot, bDot float64
	if m.bounded != nil {
		sDot, bDot, err = m.bounded.Constraints(m.round)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("round %d: %w", m.round, err)
		}
		if sDot > bDot {
			m.mu.Unlock()
			return fmt.Errorf("round %d: envelope [%g, %g] is inverted", m.round, sDot, bDot)
		}
		committed, mode = m.policy.Decide(raw, sDot, bDot)
	}

	if err := m.updateLearners(sell, buy, sDot, bDot, mode); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("round %d: %w", m.round, err)
	}

	cleared := sell <= committed.Ask && committed.Bid <= buy
	if cleared {
		m.budget += committed.Bid - committed.Ask
		m.gains += buy - sell
	}

	event := RoundEvent{
		Round:    m.round,
		Phase:    m.phase,
		Action:   committed,
		Sell:     sell,
		Buy:      buy,
		Cleared:  cleared,
		Rescaled: mode == UpdateRescaled,
		Budget:   m.budget,
		GFT:      m.gains,
	}

	// The switch is one-way and takes effect from the next round on.
	notifyFlip := false
	if m.phase == PhaseProfitMax && m.budget >= m.budgetThreshold {
		m.phase = PhaseGFTMax
		m.flipRound = m.round
		notifyFlip = true
	}
	m.round++

	onRound := m.onRound
	onPhaseChange := m.onPhaseChange
	m.mu.Unlock()

	if onRound != nil {
		onRound(event)
	}
	if notifyFlip && onPhaseChange != nil {
		onPhaseChange(PhaseGFTMax)
	}
	return nil
}

// updateLearners applies the round's feedback. The profit learner is
// updated in both phases so the best expert in hindsight stays current;
// the gft learner only learns while it is the one posting prices.
func (m *Mechanism) updateLearners(sell, buy, sDot, bDot float64, mode UpdateMode) error {
	update := func(l *hedge.Learner) error {
		if mode == UpdateRescaled {
			return l.UpdateRescaled(sell, buy, sDot, bDot)
		}
		return l.Update(sell, buy)
	}
	if m.phase == PhaseGFTMax {
		if err := update(m.gftLearner); err != nil {
			return fmt.Errorf("gft learner: %w", err)
		}
	}
	if err := update(m.profitLearner); err != nil {
		return fmt.Errorf("profit learner: %w", err)
	}
	return nil
}

// Run plays every remaining round and stops at the first error.
func (m *Mechanism) Run() error {
	for {
		m.mu.RLock()
		done := m.round >= m.horizon
		m.mu.RUnlock()
		if done {
			return nil
		}
		if err := m.Step(); err != nil {
			return err
		}
	}
}

// Horizon returns the configured number of rounds.
func (m *Mechanism) Horizon() int { return m.horizon }

// Resolution returns the price grid resolution derived from the horizon.
func (m *Mechanism) Resolution() int { return m.resolution }

// BudgetThreshold returns the surplus level that triggers the switch to
// the gains-from-trade phase.
func (m *Mechanism) BudgetThreshold() float64 { return m.budgetThreshold }

// Phase returns the phase the next round will run in.
func (m *Mechanism) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// Round returns the number of rounds played so far.
func (m *Mechanism) Round() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.round
}

// Budget returns the accumulated surplus.
func (m *Mechanism) Budget() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.budget
}

// FinalGFT returns the gains from trade realized so far.
func (m *Mechanism) FinalGFT() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gains
}

// FlipRound returns the round at whose end the phase switched, or -1 if
// the mechanism is still maximizing profit.
func (m *Mechanism) FlipRound() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.flipRound
}

// BestExpert reports the fixed price pair that performed best in
// hindsight together with the gains from trade it would have realized.
func (m *Mechanism) BestExpert() (hedge.Action, float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profitLearner.BestExpert()
}

// Snapshot returns the externally visible state in one consistent read.
func (m *Mechanism) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	best, bestGFT := m.profitLearner.BestExpert()
	return Snapshot{
		Round:           m.round,
		Horizon:         m.horizon,
		Phase:           m.phase,
		Budget:          m.budget,
		BudgetThreshold: m.budgetThreshold,
		GFT:             m.gains,
		FlipRound:       m.flipRound,
		BestAction:      best,
		BestGFT:         bestGFT,
	}
}

// OnRound registers a callback invoked after every completed round.
func (m *Mechanism) OnRound(fn func(RoundEvent)) {
	m.mu.Lock()
	m.onRound = fn
	m.mu.Unlock()
}

// OnPhaseChange registers a callback invoked once, when the mechanism
// switches from profit maximization to gains-from-trade maximization.
func (m *Mechanism) OnPhaseChange(fn func(Phase)) {
	m.mu.Lock()
	m.onPhaseChange = fn
	m.mu.Unlock()
}
