package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lox/coolweather/internal/models"
)

// QueryByParent returns the stored rows of level under parentID in insertion
// order. The parent is ignored for provinces.
func (s *Store) QueryByParent(ctx context.Context, level models.Level, parentID int64) ([]models.Region, error) {
	t, err := tableFor(level)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s", t.selectColumns(), t.table)
	var args []any
	if t.parentCol != "" {
		query += fmt.Sprintf(" WHERE %s = ?", t.parentCol)
		args = append(args, parentID)
	}
	query += " ORDER BY id ASC"

	var regions []models.Region
	if err := s.db.SelectContext(ctx, &regions, query, args...); err != nil {
		return nil, fmt.Errorf("query %s: %w", t.table, err)
	}
	for i := range regions {
		regions[i].Level = level
	}
	return regions, nil
}

// GetRegion returns a single row by id, or nil if it does not exist.
func (s *Store) GetRegion(ctx context.Context, level models.Level, id int64) (*models.Region, error) {
	t, err := tableFor(level)
	if err != nil {
		return nil, err
	}

	var r models.Region
	err = s.db.GetContext(ctx, &r, fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", t.selectColumns(), t.table), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s %d: %w", t.table, id, err)
	}
	r.Level = level
	return &r, nil
}

// InsertRegions stores the entries of one fetch-miss cycle in a single
// transaction. Either every entry is stored or none is. Rows are appended
// without checking for existing codes.
func (s *Store) InsertRegions(ctx context.Context, level models.Level, parentID int64, entries []models.Entry) ([]models.Region, error) {
	t, err := tableFor(level)
	if err != nil {
		return nil, err
	}
	if t.parentCol != "" && parentID <= 0 {
		return nil, fmt.Errorf("insert %s: parent id required", t.table)
	}

	var query string
	if t.parentCol == "" {
		query = fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (?, ?)", t.table, t.nameCol, t.codeCol)
	} else {
		query = fmt.Sprintf("INSERT INTO %s (%s, %s, %s) VALUES (?, ?, ?)", t.table, t.nameCol, t.codeCol, t.parentCol)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin insert %s: %w", t.table, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("prepare insert %s: %w", t.table, err)
	}
	defer stmt.Close()

	stored := make([]models.Region, 0, len(entries))
	for _, e := range entries {
		args := []any{e.Name, e.Code}
		if t.parentCol != "" {
			args = append(args, parentID)
		}
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return nil, fmt.Errorf("insert %s %q: %w", t.table, e.Code, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("insert %s %q: %w", t.table, e.Code, err)
		}
		r := models.Region{ID: id, Level: level, Name: e.Name, Code: e.Code}
		if t.parentCol != "" {
			r.ParentID = parentID
		}
		stored = append(stored, r)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit insert %s: %w", t.table, err)
	}
	return stored, nil
}

// RegionCounts returns the number of stored rows per level.
func (s *Store) RegionCounts(ctx context.Context) (map[models.Level]int, error) {
	counts := make(map[models.Level]int, len(levelTables))
	for level, t := range levelTables {
		var n int
		if err := s.db.GetContext(ctx, &n, fmt.Sprintf("SELECT COUNT(*) FROM %s", t.table)); err != nil {
			return nil, fmt.Errorf("count %s: %w", t.table, err)
		}
		counts[level] = n
	}
	return counts, nil
}
