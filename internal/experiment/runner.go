package experiment

import (
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"gftlab/internal/mechanism"
)

// Experiment lifecycle states as persisted by a ResultStore.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// How often a running replication broadcasts a progress message.
const progressInterval = 500

// RunResult summarizes one finished replication.
type RunResult struct {
	RunID        string  `json:"run_id"`
	Replication  int     `json:"replication"`
	Seed         int64   `json:"seed"`
	FinalGFT     float64 `json:"final_gft"`
	FinalBudget  float64 `json:"final_budget"`
	FlipRound    int     `json:"flip_round"`
	RoundsTraded int     `json:"rounds_traded"`
	BestAsk      float64 `json:"best_ask"`
	BestBid      float64 `json:"best_bid"`
	BestGFT      float64 `json:"best_gft"`
	DurationMS   int64   `json:"duration_ms"`
}

// Summary aggregates the replications of one experiment.
type Summary struct {
	Replications int     `json:"replications"`
	MeanGFT      float64 `json:"mean_gft"`
	MinGFT       float64 `json:"min_gft"`
	MaxGFT       float64 `json:"max_gft"`
	MeanBudget   float64 `json:"mean_budget"`
	MeanBestGFT  float64 `json:"mean_best_gft"`
	TradeRate    float64 `json:"trade_rate"`
	Flipped      int     `json:"flipped"`
}

// Report is the in-memory outcome of a finished experiment.
type Report struct {
	ExperimentID string      `json:"experiment_id"`
	Name         string      `json:"name"`
	Results      []RunResult `json:"results"`
	Summary      Summary     `json:"summary"`
}

// LiveSnapshot pairs a replication index with its mechanism state.
type LiveSnapshot struct {
	Replication int `json:"replication"`
	mechanism.Snapshot
}

// ResultStore persists experiments and their finished runs.
type ResultStore interface {
	SaveExperiment(id string, cfg Config) error
	SaveRun(experimentID string, result RunResult) error
	MarkExperimentStatus(id, status string) error
}

// Broadcaster receives live progress messages. The API server's
// websocket hub satisfies it.
type Broadcaster interface {
	Broadcast(message interface{})
}

// ProgressMessage is broadcast periodically while a replication runs.
type ProgressMessage struct {
	Type         string          `json:"type"`
	ExperimentID string          `json:"experiment_id"`
	Replication  int             `json:"replication"`
	Round        int             `json:"round"`
	Horizon      int             `json:"horizon"`
	Phase        mechanism.Phase `json:"phase"`
	Budget       float64         `json:"budget"`
	GFT          float64         `json:"gft"`
}

// PhaseFlipMessage is broadcast when a replication switches phase.
type PhaseFlipMessage struct {
	Type         string `json:"type"`
	ExperimentID string `json:"experiment_id"`
	Replication  int    `json:"replication"`
	Round        int    `json:"round"`
}

// RunFinishedMessage is broadcast when a replication completes.
type RunFinishedMessage struct {
	Type         string `json:"type"`
	ExperimentID string `json:"experiment_id"`
	Constrained  bool   `json:"constrained"`
	RunResult
}

// ExperimentDoneMessage is broadcast when every replication has
// completed.
type ExperimentDoneMessage struct {
	Type         string  `json:"type"`
	ExperimentID string  `json:"experiment_id"`
	Name         string  `json:"name"`
	Summary      Summary `json:"summary"`
}

// Runner executes the replications of one experiment in parallel. Each
// replication gets its own environment and mechanism seeded from the
// master seed, so results do not depend on scheduling. A Runner is good
// for a single Run call.
type Runner struct {
	id        string
	cfg       Config
	store     ResultStore
	broadcast Broadcaster

	mu     sync.Mutex
	active map[int]*mechanism.Mechanism
}

func NewRunner(cfg Config) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Runner{
		id:     uuid.New().String(),
		cfg:    cfg,
		active: make(map[int]*mechanism.Mechanism),
	}, nil
}

// ExperimentID returns the identifier the experiment is stored and
// broadcast under.
func (r *Runner) ExperimentID() string { return r.id }

// Config returns the validated configuration the runner executes.
func (r *Runner) Config() Config { return r.cfg }

// SetStore attaches a persistence sink. Call before Run.
func (r *Runner) SetStore(s ResultStore) { r.store = s }

// SetBroadcaster attaches a sink for live progress messages. Call
// before Run.
func (r *Runner) SetBroadcaster(b Broadcaster) { r.broadcast = b }

// Snapshots reports the state of the replications currently executing,
// ordered by replication index.
func (r *Runner) Snapshots() []LiveSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]LiveSnapshot, 0, len(r.active))
	for replication, m := range r.active {
		out = append(out, LiveSnapshot{Replication: replication, Snapshot: m.Snapshot()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Replication < out[j].Replication })
	return out
}

// Run executes every replication and collects the results in
// replication order. The first replication error fails the whole
// experiment.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	experimentID := r.id
	if r.store != nil {
		if err := r.store.SaveExperiment(experimentID, r.cfg); err != nil {
			return nil, fmt.Errorf("persist experiment: %w", err)
		}
	}

	workers := r.cfg.Replications
	if max := runtime.GOMAXPROCS(0); workers > max {
		workers = max
	}
	p := pool.New().WithMaxGoroutines(workers)

	var mu sync.Mutex
	results := make([]RunResult, 0, r.cfg.Replications)
	var firstErr error
	for rep := 0; rep < r.cfg.Replications; rep++ {
		rep := rep // go.mod declares go 1.21, whose loops share rep across iterations
		p.Go(func() {
			result, err := r.runOne(ctx, experimentID, rep)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("replication %d: %w", rep, err)
				}
				return
			}
			results = append(results, result)
		})
	}
	p.Wait()

	if firstErr != nil {
		if r.store != nil {
			_ = r.store.MarkExperimentStatus(experimentID, StatusFailed)
		}
		return nil, firstErr
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Replication < results[j].Replication })
	if r.store != nil {
		if err := r.store.MarkExperimentStatus(experimentID, StatusDone); err != nil {
			return nil, fmt.Errorf("finish experiment: %w", err)
		}
	}

	report := &Report{
		ExperimentID: experimentID,
		Name:         r.cfg.Name,
		Results:      results,
		Summary:      summarize(r.cfg.Horizon, results),
	}
	if r.broadcast != nil {
		r.broadcast.Broadcast(ExperimentDoneMessage{
			Type:         "experiment_done",
			ExperimentID: experimentID,
			Name:         r.cfg.Name,
			Summary:      report.Summary,
		})
	}
	return report, nil
}

func (r *Runner) runOne(ctx context.Context, experimentID string, replication int) (RunResult, error) {
	start := time.Now()
	seed := childSeed(r.cfg.Seed, replication)
	environment, err := r.cfg.Environment.Build(r.cfg.Horizon, seed+1)
	if err != nil {
		return RunResult{}, fmt.Errorf("build environment: %w", err)
	}
	rng := rand.New(rand.NewSource(seed))

	var m *mechanism.Mechanism
	if r.cfg.Constrained {
		m, err = mechanism.NewConstrained(r.cfg.Horizon, environment, rng)
	} else {
		m, err = mechanism.New(r.cfg.Horizon, environment, rng)
	}
	if err != nil {
		return RunResult{}, err
	}

	r.mu.Lock()
	r.active[replication] = m
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, replication)
		r.mu.Unlock()
	}()

	var trace *TraceWriter
	if r.cfg.TraceDir != "" {
		path := filepath.Join(r.cfg.TraceDir, fmt.Sprintf("%s-rep%03d.jsonl", r.cfg.Name, replication))
		trace, err = NewTraceWriter(path)
		if err != nil {
			return RunResult{}, err
		}
		defer trace.Close()
	}

	traded := 0
	var traceErr error
	m.OnRound(func(e mechanism.RoundEvent) {
		if e.Cleared {
			traded++
		}
		if trace != nil && traceErr == nil {
			traceErr = trace.Write(e)
		}
		if r.broadcast != nil && (e.Round%progressInterval == 0 || e.Round == r.cfg.Horizon-1) {
			r.broadcast.Broadcast(ProgressMessage{
				Type:         "progress",
				ExperimentID: experimentID,
				Replication:  replication,
				Round:        e.Round + 1,
				Horizon:      r.cfg.Horizon,
				Phase:        e.Phase,
				Budget:       e.Budget,
				GFT:          e.GFT,
			})
		}
	})
	m.OnPhaseChange(func(mechanism.Phase) {
		if r.broadcast != nil {
			r.broadcast.Broadcast(PhaseFlipMessage{
				Type:         "phase_flip",
				ExperimentID: experimentID,
				Replication:  replication,
				Round:        m.FlipRound(),
			})
		}
	})

	for m.Round() < r.cfg.Horizon {
		if err := ctx.Err(); err != nil {
			return RunResult{}, err
		}
		if err := m.Step(); err != nil {
			return RunResult{}, err
		}
	}
	if traceErr != nil {
		return RunResult{}, traceErr
	}
	if trace != nil {
		if err := trace.Close(); err != nil {
			return RunResult{}, err
		}
	}

	best, bestGFT := m.BestExpert()
	result := RunResult{
		RunID:        uuid.New().String(),
		Replication:  replication,
		Seed:         seed,
		FinalGFT:     m.FinalGFT(),
		FinalBudget:  m.Budget(),
		FlipRound:    m.FlipRound(),
		RoundsTraded: traded,
		BestAsk:      best.Ask,
		BestBid:      best.Bid,
		BestGFT:      bestGFT,
		DurationMS:   time.Since(start).Milliseconds(),
	}
	if r.store != nil {
		if err := r.store.SaveRun(experimentID, result); err != nil {
			return RunResult{}, fmt.Errorf("persist run: %w", err)
		}
	}
	if r.broadcast != nil {
		r.broadcast.Broadcast(RunFinishedMessage{
			Type:         "run_finished",
			ExperimentID: experimentID,
			Constrained:  r.cfg.Constrained,
			RunResult:    result,
		})
	}
	return result, nil
}

func summarize(horizon int, results []RunResult) Summary {
	s := Summary{Replications: len(results)}
	if len(results) == 0 {
		return s
	}
	s.MinGFT = results[0].FinalGFT
	s.MaxGFT = results[0].FinalGFT
	var gft, budget, best float64
	var traded int
	for _, res := range results {
		gft += res.FinalGFT
		budget += res.FinalBudget
		best += res.BestGFT
		traded += res.RoundsTraded
		if res.FinalGFT < s.MinGFT {
			s.MinGFT = res.FinalGFT
		}
		if res.FinalGFT > s.MaxGFT {
			s.MaxGFT = res.FinalGFT
		}
		if res.FlipRound >= 0 {
			s.Flipped++
		}
	}
	n := float64(len(results))
	s.MeanGFT = gft / n
	s.MeanBudget = budget / n
	s.MeanBestGFT = best / n
	s.TradeRate = float64(traded) / (n * float64(horizon))
	return s
}
