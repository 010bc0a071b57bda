package store

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Store provides SQLite persistence for experiment results
type Store struct {
	db *sql.DB
}

// New creates a new Store and initializes the schema
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS experiments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		horizon INTEGER NOT NULL,
		replications INTEGER NOT NULL,
		constrained INTEGER NOT NULL DEFAULT 0,
		seed INTEGER NOT NULL,
		env_mode TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'running',
		completed_runs INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		experiment_id TEXT NOT NULL REFERENCES experiments(id),
		replication INTEGER NOT NULL,
		seed INTEGER NOT NULL,
		final_gft REAL NOT NULL,
		final_budget REAL NOT NULL,
		flip_round INTEGER NOT NULL DEFAULT -1,
		rounds_traded INTEGER NOT NULL,
		best_ask REAL NOT NULL,
		best_bid REAL NOT NULL,
		best_gft REAL NOT NULL,
		duration_ms INTEGER NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(experiment_id, replication)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_experiment ON runs(experiment_id);
	CREATE INDEX IF NOT EXISTS idx_experiments_status ON experiments(status);
	CREATE INDEX IF NOT EXISTS idx_experiments_created ON experiments(created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ExperimentRecord is a persisted experiment header
type ExperimentRecord struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Horizon       int       `json:"horizon"`
	Replications  int       `json:"replications"`
	Constrained   bool      `json:"constrained"`
	Seed          int64     `json:"seed"`
	EnvMode       string    `json:"env_mode"`
	Status        string    `json:"status"`
	CompletedRuns int       `json:"completed_runs"`
	CreatedAt     time.Time `json:"created_at"`
}

// RunRecord is one persisted replication result
type RunRecord struct {
	ID           string    `json:"id"`
	ExperimentID string    `json:"experiment_id"`
	Replication  int       `json:"replication"`
	Seed         int64     `json:"seed"`
	FinalGFT     float64   `json:"final_gft"`
	FinalBudget  float64   `json:"final_budget"`
	FlipRound    int       `json:"flip_round"`
	RoundsTraded int       `json:"rounds_traded"`
	BestAsk      float64   `json:"best_ask"`
	BestBid      float64   `json:"best_bid"`
	BestGFT      float64   `json:"best_gft"`
	DurationMS   int64     `json:"duration_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// RunSummary aggregates the stored runs of an experiment
type RunSummary struct {
	ExperimentID string  `json:"experiment_id"`
	Runs         int     `json:"runs"`
	MeanGFT      float64 `json:"mean_gft"`
	MinGFT       float64 `json:"min_gft"`
	MaxGFT       float64 `json:"max_gft"`
	MeanBudget   float64 `json:"mean_budget"`
	Flipped      int     `json:"flipped"`
}
