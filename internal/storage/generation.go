package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// GenerationResolver computes the next generation number of a logical record.
//
// Only generations written by snapshots that reached COMMITTED before the target snapshot started
// processing count as ancestors. Two jobs processing concurrently therefore never see each other's rows,
// and a job that commits late cannot insert itself earlier in the sequence.
type GenerationResolver struct{}

// Resolve returns max(generation)+1 over the qualifying ancestors of matchedID, or 0 when there are none.
// It runs on q so the lookup shares the caller's transaction.
func (GenerationResolver) Resolve(ctx context.Context, q Querier, matchedID, targetSnapshotID uuid.UUID) (int, error) {
	query := `
		SELECT max(r.generation)
		FROM records r
		JOIN snapshots s ON s.id = r.snapshot_id
		WHERE r.matched_id = $1
			AND s.status = 'COMMITTED'
			AND s.updated_date < (SELECT processing_started_date FROM snapshots WHERE id = $2)
	`

	var generation sql.NullInt64
	if err := q.QueryRowContext(ctx, query, matchedID, targetSnapshotID).Scan(&generation); err != nil {
		return 0, classify(fmt.Errorf("failed to resolve generation for %s: %w", matchedID, err))
	}

	if !generation.Valid {
		return 0, nil
	}

	return int(generation.Int64) + 1, nil
}
