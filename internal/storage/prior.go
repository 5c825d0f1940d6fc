package storage

import (
	"context"
	"database/sql"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// PriorRunHandles enumerates the issue handles of the most recent stored
// run. It implements rundiff.PriorHandles, so a run can be diffed against
// whatever the sink last persisted.
type PriorRunHandles struct {
	db *sql.DB
}

// NewPriorRunHandles creates a prior-handle source over the run store.
func NewPriorRunHandles(db *sql.DB) *PriorRunHandles {
	return &PriorRunHandles{db: db}
}

// Enumerate returns the latest run's issue handles, or an empty list when
// the store holds no runs yet.
func (p *PriorRunHandles) Enumerate(ctx context.Context) ([]string, error) {
	var latest sql.NullInt64
	if err := p.db.QueryRowContext(ctx, "SELECT MAX(id) FROM runs").Scan(&latest); err != nil {
		return nil, fmt.Errorf("failed to find latest run: %w", err)
	}
	if !latest.Valid {
		return nil, nil
	}

	rows, err := sq.Select("DISTINCT handle").
		From("issues").
		Where(sq.Eq{"run_id": latest.Int64}).
		OrderBy("handle").
		RunWith(p.db).QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate prior handles: %w", err)
	}
	defer rows.Close()

	var handles []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("failed to scan prior handle: %w", err)
		}
		handles = append(handles, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read prior handles: %w", err)
	}
	return handles, nil
}
