package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/lox/coolweather/internal/models"
)

// StartFetchRun creates a new fetch run record and returns it.
func (s *Store) StartFetchRun(ctx context.Context, kind, level, endpoint, parentCode string) (*models.FetchRun, error) {
	run := &models.FetchRun{
		StartedAt:  time.Now().UTC(),
		Kind:       kind,
		Level:      level,
		Endpoint:   endpoint,
		ParentCode: parentCode,
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO fetch_runs (started_at, kind, level, endpoint, parent_code, success)
		VALUES (?, ?, ?, ?, ?, FALSE)
	`, run.StartedAt, run.Kind, run.Level, run.Endpoint, run.ParentCode)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}

	return run, nil
}

// CompleteFetchRun updates the fetch run with results.
func (s *Store) CompleteFetchRun(ctx context.Context, run *models.FetchRun) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		UPDATE fetch_runs SET
			finished_at = ?,
			records_parsed = ?,
			records_stored = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.RecordsParsed, run.RecordsStored, run.Success, run.ErrorMessage, run.ID)
	return err
}

// FetchHealthSummary is a daily roll-up of fetch runs.
type FetchHealthSummary struct {
	Date         string `db:"date" json:"date"`
	Kind         string `db:"kind" json:"kind"`
	Level        string `db:"level" json:"level"`
	TotalRuns    int    `db:"total_runs" json:"total_runs"`
	SuccessRuns  int    `db:"success_runs" json:"success_runs"`
	FailedRuns   int    `db:"failed_runs" json:"failed_runs"`
	TotalRecords int64  `db:"total_records" json:"total_records"`
}

// GetFetchHealth returns fetch health summaries for the last N days.
func (s *Store) GetFetchHealth(ctx context.Context, days int) ([]FetchHealthSummary, error) {
	var results []FetchHealthSummary
	err := s.db.SelectContext(ctx, &results, `
		SELECT
			DATE(SUBSTR(started_at, 1, 19)) as date,
			kind,
			level,
			COUNT(*) as total_runs,
			SUM(CASE WHEN success THEN 1 ELSE 0 END) as success_runs,
			SUM(CASE WHEN NOT success THEN 1 ELSE 0 END) as failed_runs,
			COALESCE(SUM(records_stored), 0) as total_records
		FROM fetch_runs
		WHERE SUBSTR(started_at, 1, 19) > datetime('now', '-' || ? || ' days')
		GROUP BY date, kind, level
		ORDER BY date DESC, kind, level
	`, days)
	return results, err
}

// GetRecentFetchErrors returns recent failed fetch runs.
func (s *Store) GetRecentFetchErrors(ctx context.Context, limit int) ([]models.FetchRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, kind, level, endpoint, parent_code,
			   records_parsed, records_stored, success, error_message
		FROM fetch_runs
		WHERE success = FALSE
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []models.FetchRun
	for rows.Next() {
		var r models.FetchRun
		var finished sql.NullTime
		if err := rows.Scan(&r.ID, &r.StartedAt, &finished, &r.Kind, &r.Level, &r.Endpoint,
			&r.ParentCode, &r.RecordsParsed, &r.RecordsStored, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		if finished.Valid {
			r.FinishedAt = finished.Time
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// PruneFetchRuns deletes fetch runs started before cutoff and returns how
// many were removed.
func (s *Store) PruneFetchRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM fetch_runs WHERE SUBSTR(started_at, 1, 19) < ?
	`, cutoff.UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
