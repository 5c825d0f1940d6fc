package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// StoredIssue is one persisted issue with its interned text resolved.
type StoredIssue struct {
	ID          int64
	RunID       int64
	Callable    string
	Message     string
	File        string
	Line        int
	SourceKinds []string
	SinkKinds   []string
	Handle      string
	Partial     bool
	Status      string
}

// LatestRunID returns the key of the most recent run, or 0 when the store
// is empty.
func LatestRunID(ctx context.Context, db *sql.DB) (int64, error) {
	var latest sql.NullInt64
	if err := db.QueryRowContext(ctx, "SELECT MAX(id) FROM runs").Scan(&latest); err != nil {
		return 0, fmt.Errorf("failed to find latest run: %w", err)
	}
	if !latest.Valid {
		return 0, nil
	}
	return latest.Int64, nil
}

// LoadIssues reads a run's issues with callable, message, file, and kind
// text joined back in from the run's shared text table.
func LoadIssues(ctx context.Context, db *sql.DB, runID int64) ([]StoredIssue, error) {
	texts, err := loadTexts(ctx, db, runID)
	if err != nil {
		return nil, err
	}

	rows, err := sq.Select("id", "run_id", "callable", "message", "file", "line",
		"source_kinds", "sink_kinds", "handle", "partial", "status").
		From("issues").
		Where(sq.Eq{"run_id": runID}).
		OrderBy("id").
		RunWith(db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer rows.Close()

	var issues []StoredIssue
	for rows.Next() {
		var issue StoredIssue
		var callable, message, file int64
		var sourcesJSON, sinksJSON string
		err := rows.Scan(&issue.ID, &issue.RunID, &callable, &message, &file, &issue.Line,
			&sourcesJSON, &sinksJSON, &issue.Handle, &issue.Partial, &issue.Status)
		if err != nil {
			return nil, fmt.Errorf("failed to scan issue: %w", err)
		}
		issue.Callable = texts[callable]
		issue.Message = texts[message]
		issue.File = texts[file]
		if issue.SourceKinds, err = resolveKinds(sourcesJSON, texts); err != nil {
			return nil, err
		}
		if issue.SinkKinds, err = resolveKinds(sinksJSON, texts); err != nil {
			return nil, err
		}
		issues = append(issues, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read issues: %w", err)
	}
	return issues, nil
}

// CountRunEntities returns per-table row counts for one run. Used to
// verify transactional atomicity: a failed write must leave every count
// at zero.
func CountRunEntities(ctx context.Context, db *sql.DB, runID int64) (map[string]int, error) {
	counts := make(map[string]int)
	for _, table := range []string{"shared_texts", "models", "conditions", "trace_frames", "issues"} {
		var n int
		err := sq.Select("COUNT(*)").From(table).Where(sq.Eq{"run_id": runID}).
			RunWith(db).QueryRowContext(ctx).Scan(&n)
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

func loadTexts(ctx context.Context, db *sql.DB, runID int64) (map[int64]string, error) {
	rows, err := sq.Select("handle", "text").
		From("shared_texts").
		Where(sq.Eq{"run_id": runID}).
		RunWith(db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query shared texts: %w", err)
	}
	defer rows.Close()

	texts := make(map[int64]string)
	for rows.Next() {
		var handle int64
		var text string
		if err := rows.Scan(&handle, &text); err != nil {
			return nil, fmt.Errorf("failed to scan shared text: %w", err)
		}
		texts[handle] = text
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read shared texts: %w", err)
	}
	return texts, nil
}

func resolveKinds(kindsJSON string, texts map[int64]string) ([]string, error) {
	var handles []int64
	if err := json.Unmarshal([]byte(kindsJSON), &handles); err != nil {
		return nil, fmt.Errorf("failed to decode kind handles: %w", err)
	}
	kinds := make([]string, len(handles))
	for i, h := range handles {
		kinds[i] = texts[h]
	}
	return kinds, nil
}
