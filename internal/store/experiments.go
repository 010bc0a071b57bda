package store

import (
	"fmt"

	"gftlab/internal/experiment"
)

// SaveExperiment records a newly started experiment
func (s *Store) SaveExperiment(id string, cfg experiment.Config) error {
	_, err := s.db.Exec(`
		INSERT INTO experiments (id, name, horizon, replications, constrained, seed, env_mode, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, cfg.Name, cfg.Horizon, cfg.Replications, cfg.Constrained, cfg.Seed,
		cfg.Environment.Mode, experiment.StatusRunning)
	return err
}

// SaveRun records a finished replication and bumps the experiment's
// completed-run counter
func (s *Store) SaveRun(experimentID string, result experiment.RunResult) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO runs (id, experiment_id, replication, seed, final_gft, final_budget, flip_round,
			rounds_traded, best_ask, best_bid, best_gft, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, result.RunID, experimentID, result.Replication, result.Seed, result.FinalGFT, result.FinalBudget,
		result.FlipRound, result.RoundsTraded, result.BestAsk, result.BestBid, result.BestGFT, result.DurationMS)
	if err != nil {
		return err
	}

	_, err = tx.Exec(`
		UPDATE experiments SET completed_runs = completed_runs + 1 WHERE id = ?
	`, experimentID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// MarkExperimentStatus moves an experiment to a new lifecycle status
func (s *Store) MarkExperimentStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE experiments SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("experiment %s not found", id)
	}
	return nil
}

// GetExperiment returns an experiment by ID
func (s *Store) GetExperiment(id string) (*ExperimentRecord, error) {
	var e ExperimentRecord
	err := s.db.QueryRow(`
		SELECT id, name, horizon, replications, constrained, seed, env_mode, status, completed_runs, created_at
		FROM experiments WHERE id = ?
	`, id).Scan(
		&e.ID, &e.Name, &e.Horizon, &e.Replications, &e.Constrained,
		&e.Seed, &e.EnvMode, &e.Status, &e.CompletedRuns, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ListExperiments returns recent experiments, newest first
func (s *Store) ListExperiments(limit int) ([]ExperimentRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, name, horizon, replications, constrained, seed, env_mode, status, completed_runs, created_at
		FROM experiments
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var experiments []ExperimentRecord
	for rows.Next() {
		var e ExperimentRecord
		if err := rows.Scan(
			&e.ID, &e.Name, &e.Horizon, &e.Replications, &e.Constrained,
			&e.Seed, &e.EnvMode, &e.Status, &e.CompletedRuns, &e.CreatedAt,
		); err != nil {
			return nil, err
		}
		experiments = append(experiments, e)
	}
	return experiments, rows.Err()
}

// ListRuns returns the stored runs of an experiment in replication order
func (s *Store) ListRuns(experimentID string) ([]RunRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, experiment_id, replication, seed, final_gft, final_budget, flip_round,
			rounds_traded, best_ask, best_bid, best_gft, duration_ms, created_at
		FROM runs
		WHERE experiment_id = ?
		ORDER BY replication ASC
	`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(
			&r.ID, &r.ExperimentID, &r.Replication, &r.Seed, &r.FinalGFT, &r.FinalBudget,
			&r.FlipRound, &r.RoundsTraded, &r.BestAsk, &r.BestBid, &r.BestGFT,
			&r.DurationMS, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRunSummary aggregates the stored runs of an experiment
func (s *Store) GetRunSummary(experimentID string) (*RunSummary, error) {
	sum := RunSummary{ExperimentID: experimentID}
	err := s.db.QueryRow(`
		SELECT COUNT(*),
			COALESCE(AVG(final_gft), 0),
			COALESCE(MIN(final_gft), 0),
			COALESCE(MAX(final_gft), 0),
			COALESCE(AVG(final_budget), 0),
			COALESCE(SUM(CASE WHEN flip_round >= 0 THEN 1 ELSE 0 END), 0)
		FROM runs WHERE experiment_id = ?
	`, experimentID).Scan(
		&sum.Runs, &sum.MeanGFT, &sum.MinGFT, &sum.MaxGFT, &sum.MeanBudget, &sum.Flipped,
	)
	if err != nil {
		return nil, err
	}
	return &sum, nil
}
