package mechanism

import (
	"encoding/json"
	"math/rand"
	"strings"
	"testing"

	"gftlab/internal/env"
	"gftlab/internal/hedge"
)

const floatTolerance = 1e-9

func withinTolerance(got, want float64) bool {
	diff := got - want
	if diff < 0 {
		diff = -diff
	}
	return diff < floatTolerance
}

func testRNG() *rand.Rand {
	return rand.New(rand.NewSource(42))
}

func TestPhaseString(t *testing.T) {
	if got := PhaseProfitMax.String(); got != "PROFIT_MAX" {
		t.Errorf("PhaseProfitMax.String() = %q, want PROFIT_MAX", got)
	}
	if got := PhaseGFTMax.String(); got != "GFT_MAX" {
		t.Errorf("PhaseGFTMax.String() = %q, want GFT_MAX", got)
	}
	if got := Phase(9).String(); got != "UNKNOWN" {
		t.Errorf("Phase(9).String() = %q, want UNKNOWN", got)
	}
}

func TestRoundEventMarshalsPhaseByName(t *testing.T) {
	payload, err := json.Marshal(RoundEvent{Round: 3, Phase: PhaseGFTMax})
	if err != nil {
		t.Fatalf("marshal round event: %v", err)
	}
	if !strings.Contains(string(payload), `"phase":"GFT_MAX"`) {
		t.Errorf("payload %s does not carry the phase by name", payload)
	}
}

func TestNewValidation(t *testing.T) {
	environment := env.Fixed{Sell: 0.3, Buy: 0.7}

	if _, err := New(0, environment, testRNG()); err == nil {
		t.Error("expected error for zero horizon")
	}
	if _, err := New(100, nil, testRNG()); err == nil {
		t.Error("expected error for nil environment")
	}
	if _, err := New(100, environment, nil); err == nil {
		t.Error("expected error for nil random source")
	}
	// Horizons below 4 derive a resolution of 1, whose additive grid has
	// a single expert and cannot feed a learner.
	if _, err := New(2, environment, testRNG()); err == nil {
		t.Error("expected error for horizon 2")
	}
	if _, err := NewConstrained(100, nil, testRNG()); err == nil {
		t.Error("expected error for nil bounded environment")
	}
}

func TestDerivedParameters(t *testing.T) {
	m, err := New(100, env.Fixed{Sell: 0.3, Buy: 0.7}, testRNG())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.Horizon() != 100 {
		t.Errorf("Horizon() = %d, want 100", m.Horizon())
	}
	if m.Resolution() != 10 {
		t.Errorf("Resolution() = %d, want 10", m.Resolution())
	}
	if !withinTolerance(m.BudgetThreshold(), 10) {
		t.Errorf("BudgetThreshold() = %v, want 10", m.BudgetThreshold())
	}
	if m.Phase() != PhaseProfitMax {
		t.Errorf("initial phase = %v, want %v", m.Phase(), PhaseProfitMax)
	}
	if m.Round() != 0 {
		t.Errorf("initial round = %d, want 0", m.Round())
	}
	if m.FlipRound() != -1 {
		t.Errorf("initial flip round = %d, want -1", m.FlipRound())
	}
}

func TestPassthroughPolicyKeepsRawAction(t *testing.T) {
	raw := hedge.Action{Ask: 0.1, Bid: 0.9}
	committed, mode := passthroughPolicy{}.Decide(raw, 0.4, 0.6)
	if committed != raw {
		t.Errorf("committed = %+v, want raw %+v", committed, raw)
	}
	if mode != UpdatePlain {
		t.Errorf("mode = %v, want UpdatePlain", mode)
	}
}

func TestRescalePolicyGoldenExample(t *testing.T) {
	committed, mode := rescalePolicy{}.Decide(hedge.Action{Ask: 0.1, Bid: 0.9}, 0.4, 0.6)
	if mode != UpdateRescaled {
		t.Fatalf("mode = %v, want UpdateRescaled", mode)
	}
	if !withinTolerance(committed.Ask, 0.404) {
		t.Errorf("rescaled ask = %v, want 0.404", committed.Ask)
	}
	if !withinTolerance(committed.Bid, 0.564) {
		t.Errorf("rescaled bid = %v, want 0.564", committed.Bid)
	}
}

func TestRescalePolicyKeepsFeasibleAction(t *testing.T) {
	raw := hedge.Action{Ask: 0.45, Bid: 0.55}
	committed, mode := rescalePolicy{}.Decide(raw, 0.4, 0.6)
	if committed != raw {
		t.Errorf("committed = %+v, want raw %+v", committed, raw)
	}
	if mode != UpdatePlain {
		t.Errorf("mode = %v, want UpdatePlain", mode)
	}
}

func TestRunConstantFeedback(t *testing.T) {
	m, err := New(100, env.Fixed{Sell: 0.3, Buy: 0.7}, testRNG())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var events []RoundEvent
	m.OnRound(func(e RoundEvent) { events = append(events, e) })

	if err := m.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Round() != 100 {
		t.Fatalf("Round() = %d after full run, want 100", m.Round())
	}
	if len(events) != 100 {
		t.Fatalf("got %d round events, want 100", len(events))
	}

	best, bestGFT := m.BestExpert()
	if best.Ask < 0.3-floatTolerance {
		t.Errorf("best expert ask %v undercuts the seller at 0.3", best.Ask)
	}
	if best.Bid > 0.7+floatTolerance {
		t.Errorf("best expert bid %v overshoots the buyer at 0.7", best.Bid)
	}
	if !withinTolerance(bestGFT, 40) {
		t.Errorf("best expert gft = %v, want 40", bestGFT)
	}

	cleared := 0
	var budget float64
	for _, e := range events {
		if e.Cleared {
			cleared++
			budget += e.Action.Bid - e.Action.Ask
		}
	}
	if cleared == 0 {
		t.Fatal("no round cleared under constantly tradeable valuations")
	}
	if !withinTolerance(m.FinalGFT(), 0.4*float64(cleared)) {
		t.Errorf("FinalGFT() = %v, want %v from %d cleared rounds", m.FinalGFT(), 0.4*float64(cleared), cleared)
	}
	if !withinTolerance(m.Budget(), budget) {
		t.Errorf("Budget() = %v, want %v recomputed from events", m.Budget(), budget)
	}
}

func TestAccumulatorsMonotoneWhileMaximizingProfit(t *testing.T) {
	m, err := New(100, env.Fixed{Sell: 0.3, Buy: 0.7}, testRNG())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var events []RoundEvent
	m.OnRound(func(e RoundEvent) { events = append(events, e) })
	if err := m.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	prevBudget, prevGFT := 0.0, 0.0
	for _, e := range events {
		if e.Phase == PhaseProfitMax && e.Budget < prevBudget-floatTolerance {
			t.Fatalf("round %d: budget fell from %v to %v during profit phase", e.Round, prevBudget, e.Budget)
		}
		if e.GFT < prevGFT-floatTolerance {
			t.Fatalf("round %d: gft fell from %v to %v", e.Round, prevGFT, e.GFT)
		}
		prevBudget, prevGFT = e.Budget, e.GFT
	}
}

func TestPhaseFlipsOnceAndStays(t *testing.T) {
	// Valuations outside the unit interval make every expert feasible,
	// so the budget climbs fast enough to cross sqrt(T) well before the
	// run ends.
	m, err := New(100, env.Fixed{Sell: -0.5, Buy: 1.5}, testRNG())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var events []RoundEvent
	flips := 0
	var flippedTo Phase
	m.OnRound(func(e RoundEvent) { events = append(events, e) })
	m.OnPhaseChange(func(p Phase) {
		flips++
		flippedTo = p
	})

	if err := m.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.Phase() != PhaseGFTMax {
		t.Fatalf("final phase = %v, want %v", m.Phase(), PhaseGFTMax)
	}
	if flips != 1 || flippedTo != PhaseGFTMax {
		t.Fatalf("phase change fired %d times (last %v), want once with %v", flips, flippedTo, PhaseGFTMax)
	}
	flip := m.FlipRound()
	if flip < 0 || flip >= 100 {
		t.Fatalf("FlipRound() = %d, want a round inside the run", flip)
	}

	var flipBudget float64
	for _, e := range events {
		if e.Round <= flip && e.Phase != PhaseProfitMax {
			t.Errorf("round %d ran in %v before the flip", e.Round, e.Phase)
		}
		if e.Round > flip {
			if e.Phase != PhaseGFTMax {
				t.Errorf("round %d ran in %v after the flip", e.Round, e.Phase)
			}
			// Post-flip actions come from the subsidizing grid, whose
			// pairs all post an ask exactly one grid step above the bid.
			if !withinTolerance(e.Action.Ask-e.Action.Bid, 0.1) {
				t.Errorf("round %d action %+v is not a subsidizing pair", e.Round, e.Action)
			}
		}
		if e.Round == flip {
			flipBudget = e.Budget
		}
	}
	if m.Budget() >= flipBudget {
		t.Errorf("budget %v did not shrink from %v while subsidizing", m.Budget(), flipBudget)
	}
	if !withinTolerance(m.FinalGFT(), 200) {
		t.Errorf("FinalGFT() = %v, want 200 when every round trades 2.0", m.FinalGFT())
	}
}

func TestGFTPhaseUpdatesBothLearners(t *testing.T) {
	m, err := New(100, env.Fixed{Sell: -0.5, Buy: 1.5}, testRNG())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for m.Phase() == PhaseProfitMax {
		if m.Round() >= m.Horizon() {
			t.Fatal("mechanism never left the profit phase")
		}
		if err := m.Step(); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}

	sum := func(values []float64) float64 {
		var total float64
		for _, v := range values {
			total += v
		}
		return total
	}
	profitBefore := sum(m.profitLearner.ExpertGFT())
	gftBefore := sum(m.gftLearner.ExpertGFT())
	for i := 0; i < 3; i++ {
		if err := m.Step(); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	if got := sum(m.profitLearner.ExpertGFT()); got <= profitBefore {
		t.Errorf("profit learner stopped accumulating after the flip: %v -> %v", profitBefore, got)
	}
	if got := sum(m.gftLearner.ExpertGFT()); got <= gftBefore {
		t.Errorf("gft learner did not accumulate while active: %v -> %v", gftBefore, got)
	}
}

func TestConstrainedKeepsActionsInsideEnvelope(t *testing.T) {
	environment := env.Fixed{Sell: 0.3, Buy: 0.7, Env: &env.Envelope{SDot: 0.4, BDot: 0.6}}
	m, err := NewConstrained(100, environment, testRNG())
	if err != nil {
		t.Fatalf("NewConstrained: %v", err)
	}
	var events []RoundEvent
	m.OnRound(func(e RoundEvent) { events = append(events, e) })
	if err := m.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rescaled := 0
	for _, e := range events {
		if e.Action.Ask < 0.4-floatTolerance {
			t.Errorf("round %d committed ask %v below the envelope", e.Round, e.Action.Ask)
		}
		if e.Action.Bid > 0.6+floatTolerance {
			t.Errorf("round %d committed bid %v above the envelope", e.Round, e.Action.Bid)
		}
		if e.Rescaled {
			rescaled++
		}
	}
	if rescaled == 0 {
		t.Error("no round was rescaled although most grid pairs violate the envelope")
	}
}

func TestConstrainedRejectsInvertedEnvelope(t *testing.T) {
	environment := env.Fixed{Sell: 0.3, Buy: 0.7, Env: &env.Envelope{SDot: 0.8, BDot: 0.2}}
	m, err := NewConstrained(100, environment, testRNG())
	if err != nil {
		t.Fatalf("NewConstrained: %v", err)
	}
	err = m.Step()
	if err == nil {
		t.Fatal("expected error for an inverted envelope")
	}
	if !strings.Contains(err.Error(), "inverted") {
		t.Errorf("error %q does not mention the inverted envelope", err)
	}
}

func TestConstrainedRequiresEnvelopeData(t *testing.T) {
	m, err := NewConstrained(9, env.Fixed{Sell: 0.3, Buy: 0.7}, testRNG())
	if err != nil {
		t.Fatalf("NewConstrained: %v", err)
	}
	if err := m.Step(); err == nil {
		t.Fatal("expected error when the environment has no envelope")
	}
}

func TestEnvironmentErrorAbortsRun(t *testing.T) {
	vals := make([]env.Valuation, 5)
	for i := range vals {
		vals[i] = env.Valuation{Sell: 0.2, Buy: 0.8}
	}
	seq, err := env.NewSequence(vals, nil)
	if err != nil {
		t.Fatalf("NewSequence: %v", err)
	}
	m, err := New(10, seq, testRNG())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Run(); err == nil {
		t.Fatal("expected error once the recorded valuations run out")
	}
	if m.Round() != 5 {
		t.Errorf("Round() = %d after abort, want 5 completed rounds", m.Round())
	}
}

func TestStepAfterFullRunErrors(t *testing.T) {
	m, err := New(9, env.Fixed{Sell: 0.3, Buy: 0.7}, testRNG())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Run(); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if err := m.Step(); err == nil {
		t.Fatal("expected error stepping past the horizon")
	}
}

func TestDeterministicUnderSeed(t *testing.T) {
	run := func() (*Mechanism, []RoundEvent) {
		environment, err := env.NewSyntheticWithSeed(200, env.DefaultSyntheticConfig(), 7)
		if err != nil {
			t.Fatalf("NewSyntheticWithSeed: %v", err)
		}
		m, err := New(200, environment, rand.New(rand.NewSource(11)))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		var events []RoundEvent
		m.OnRound(func(e RoundEvent) { events = append(events, e) })
		if err := m.Run(); err != nil {
			t.Fatalf("Run: %v", err)
		}
		return m, events
	}

	m1, events1 := run()
	m2, events2 := run()
	if m1.Budget() != m2.Budget() || m1.FinalGFT() != m2.FinalGFT() || m1.FlipRound() != m2.FlipRound() {
		t.Fatalf("identical seeds diverged: budget %v vs %v, gft %v vs %v, flip %d vs %d",
			m1.Budget(), m2.Budget(), m1.FinalGFT(), m2.FinalGFT(), m1.FlipRound(), m2.FlipRound())
	}
	if len(events1) != len(events2) {
		t.Fatalf("event counts diverged: %d vs %d", len(events1), len(events2))
	}
	for i := range events1 {
		if events1[i] != events2[i] {
			t.Fatalf("round %d diverged: %+v vs %+v", i, events1[i], events2[i])
		}
	}
}
