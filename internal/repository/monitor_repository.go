package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// MonitorRepository provides the aggregate counts behind the live proctor view.
type MonitorRepository struct {
	pool *pgxpool.Pool
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool) *MonitorRepository {
	return &MonitorRepository{pool: pool}
}

// GetAnsweredCounts returns answered-question counts per candidate.
func (r *MonitorRepository) GetAnsweredCounts(ctx context.Context, examID uuid.UUID) (map[string]int64, error) {
	return r.countBy(ctx,
		`SELECT candidate_key, COUNT(*)
		 FROM candidate_answers
		 WHERE exam_id = $1 AND answer IS NOT NULL AND answer <> ''
		 GROUP BY candidate_key`, examID)
}

// GetViolationCounts returns the number of recorded violations per candidate.
func (r *MonitorRepository) GetViolationCounts(ctx context.Context, examID uuid.UUID) (map[string]int64, error) {
	return r.countBy(ctx,
		`SELECT candidate_key, COUNT(*)
		 FROM exam_violations
		 WHERE exam_id = $1
		 GROUP BY candidate_key`, examID)
}

// GetSubmittedScores returns the stored score per candidate that has submitted.
func (r *MonitorRepository) GetSubmittedScores(ctx context.Context, examID uuid.UUID) (map[string]int64, error) {
	return r.countBy(ctx,
		`SELECT candidate_key, score::bigint
		 FROM submissions
		 WHERE exam_id = $1`, examID)
}

func (r *MonitorRepository) countBy(ctx context.Context, query string, examID uuid.UUID) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, query, examID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}
