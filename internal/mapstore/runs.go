package mapstore

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/scanloc/internal/geom"
	"github.com/banshee-data/scanloc/internal/relocalize"
)

// RelocalizationRun summarises one relocalization against a saved map.
type RelocalizationRun struct {
	RunID           string      `json:"run_id"`
	MapID           string      `json:"map_id"`
	StartedAt       time.Time   `json:"started_at"`
	Guess           geom.Pose2D `json:"guess"`
	Corrected       geom.Pose2D `json:"corrected"`
	Rounds          int         `json:"rounds"`
	ConvergedRounds int         `json:"converged_rounds"`
	FinalFitness    float64     `json:"final_fitness"`
	ScanPoints      int         `json:"scan_points"`
	ElapsedMs       float64     `json:"elapsed_ms"`
}

// RunFromDiagnostic builds a run record for a relocalization against mapID.
func RunFromDiagnostic(mapID string, started time.Time, d *relocalize.Diagnostic) RelocalizationRun {
	return RelocalizationRun{
		MapID:           mapID,
		StartedAt:       started,
		Guess:           d.GuessPose,
		Corrected:       d.CorrectedPose,
		Rounds:          len(d.Rounds),
		ConvergedRounds: d.ConvergedRounds(),
		FinalFitness:    d.FinalFitness(),
		ScanPoints:      len(d.Guess),
		ElapsedMs:       float64(d.Elapsed.Microseconds()) / 1000,
	}
}

// RecordRelocalization stores run, assigning a run ID if it has none.
func (s *Store) RecordRelocalization(run *RelocalizationRun) error {
	if run.RunID == "" {
		run.RunID = uuid.NewString()
	}
	var fitness interface{}
	if !math.IsNaN(run.FinalFitness) {
		fitness = run.FinalFitness
	}
	_, err := s.Exec(`
		INSERT INTO relocalization_runs (
			run_id, map_id, started_unix_nanos,
			guess_x, guess_y, guess_yaw,
			corrected_x, corrected_y, corrected_yaw,
			rounds, converged_rounds, final_fitness, scan_points, elapsed_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.MapID, run.StartedAt.UnixNano(),
		run.Guess.X, run.Guess.Y, run.Guess.Yaw,
		run.Corrected.X, run.Corrected.Y, run.Corrected.Yaw,
		run.Rounds, run.ConvergedRounds, fitness, run.ScanPoints, run.ElapsedMs,
	)
	if err != nil {
		return fmt.Errorf("insert relocalization run: %w", err)
	}
	return nil
}

// ListRelocalizations returns up to limit runs, newest first.
func (s *Store) ListRelocalizations(limit int) ([]RelocalizationRun, error) {
	rows, err := s.Query(`
		SELECT run_id, map_id, started_unix_nanos,
		       guess_x, guess_y, guess_yaw,
		       corrected_x, corrected_y, corrected_yaw,
		       rounds, converged_rounds, final_fitness, scan_points, elapsed_ms
		FROM relocalization_runs
		ORDER BY started_unix_nanos DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list relocalization runs: %w", err)
	}
	defer rows.Close()

	var out []RelocalizationRun
	for rows.Next() {
		var (
			r       RelocalizationRun
			started int64
			fitness *float64
		)
		if err := rows.Scan(&r.RunID, &r.MapID, &started,
			&r.Guess.X, &r.Guess.Y, &r.Guess.Yaw,
			&r.Corrected.X, &r.Corrected.Y, &r.Corrected.Yaw,
			&r.Rounds, &r.ConvergedRounds, &fitness, &r.ScanPoints, &r.ElapsedMs); err != nil {
			return nil, fmt.Errorf("scan relocalization row: %w", err)
		}
		r.StartedAt = time.Unix(0, started).UTC()
		r.FinalFitness = math.NaN()
		if fitness != nil {
			r.FinalFitness = *fitness
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
