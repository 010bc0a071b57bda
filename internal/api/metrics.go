package api

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"gftlab/internal/experiment"
)

var (
	roundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gftlab_rounds_total",
			Help: "Rounds processed across all replications, by mechanism phase.",
		},
		[]string{"phase"},
	)

	tradesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gftlab_trades_total",
			Help: "Rounds in which the posted prices cleared a trade.",
		},
	)

	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gftlab_runs_total",
			Help: "Finished replications, by mechanism variant.",
		},
		[]string{"mechanism"},
	)

	experimentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gftlab_experiments_total",
			Help: "Finished experiments by outcome.",
		},
		[]string{"status"},
	)

	phaseFlipsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gftlab_phase_flips_total",
			Help: "Replications that switched from profit to GFT maximization.",
		},
	)

	liveRound = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gftlab_live_round",
			Help: "Current round of each running replication.",
		},
		[]string{"replication"},
	)

	liveBudget = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gftlab_live_budget",
			Help: "Accumulated budget surplus of each running replication.",
		},
		[]string{"replication"},
	)

	liveGFT = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gftlab_live_gft",
			Help: "Gains from trade realized so far by each running replication.",
		},
		[]string{"replication"},
	)
)

func init() {
	prometheus.MustRegister(
		roundsTotal,
		tradesTotal,
		runsTotal,
		experimentsTotal,
		phaseFlipsTotal,
		liveRound,
		liveBudget,
		liveGFT,
	)
}

// metricsObserver translates runner broadcast messages into collector
// updates. Progress messages carry cumulative round counts, so the
// observer remembers the last count per replication and attributes the
// delta to the phase the replication is currently in.
type metricsObserver struct {
	mu        sync.Mutex
	lastRound map[string]int
}

func newMetricsObserver() *metricsObserver {
	return &metricsObserver{
		lastRound: make(map[string]int),
	}
}

func (o *metricsObserver) observe(message interface{}) {
	switch msg := message.(type) {
	case experiment.ProgressMessage:
		key := fmt.Sprintf("%s/%d", msg.ExperimentID, msg.Replication)
		o.mu.Lock()
		delta := msg.Round - o.lastRound[key]
		o.lastRound[key] = msg.Round
		o.mu.Unlock()
		if delta > 0 {
			roundsTotal.WithLabelValues(msg.Phase.String()).Add(float64(delta))
		}

		replication := strconv.Itoa(msg.Replication)
		liveRound.WithLabelValues(replication).Set(float64(msg.Round))
		liveBudget.WithLabelValues(replication).Set(msg.Budget)
		liveGFT.WithLabelValues(replication).Set(msg.GFT)

	case experiment.PhaseFlipMessage:
		phaseFlipsTotal.Inc()

	case experiment.RunFinishedMessage:
		variant := "unconstrained"
		if msg.Constrained {
			variant = "constrained"
		}
		runsTotal.WithLabelValues(variant).Inc()
		tradesTotal.Add(float64(msg.RoundsTraded))
		o.mu.Lock()
		delete(o.lastRound, fmt.Sprintf("%s/%d", msg.ExperimentID, msg.Replication))
		o.mu.Unlock()
	}
}

// observeExperimentOutcome counts a finished experiment by status
func observeExperimentOutcome(status string) {
	experimentsTotal.WithLabelValues(status).Inc()
}
