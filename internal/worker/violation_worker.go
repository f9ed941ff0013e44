package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// ViolationPayload is one counted violation on persist_violations_queue.
type ViolationPayload struct {
	ExamID       string    `json:"exam_id"`
	CandidateKey string    `json:"candidate_key"`
	Reason       string    `json:"reason"`
	Severity     int       `json:"severity"`
	Count        int       `json:"count"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// ViolationWorker appends counted violations to the exam_violations audit log.
type ViolationWorker struct {
	pool     *pgxpool.Pool
	consumer *batchConsumer[ViolationPayload]
}

func NewViolationWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *ViolationWorker {
	w := &ViolationWorker{pool: pool}
	w.consumer = newBatchConsumer[ViolationPayload](rdb, config.WorkerKey.PersistViolationsQueue, w,
		log.With().Str("component", "violation_worker").Logger())
	return w
}

// Start runs until ctx is cancelled, then flushes what it holds.
func (w *ViolationWorker) Start(ctx context.Context) {
	w.consumer.log.Info().Msg("ViolationWorker started")
	w.consumer.run(ctx)
}

func (w *ViolationWorker) bulk(ctx context.Context, batch []*ViolationPayload) error {
	rows := make([][]interface{}, 0, len(batch))
	for _, p := range batch {
		examID, err := uuid.Parse(p.ExamID)
		if err != nil {
			// The fallback path drops the bad row on its own.
			return err
		}
		rows = append(rows, []interface{}{examID, p.CandidateKey, p.Reason, p.Severity, p.Count, p.RecordedAt})
	}

	_, err := w.pool.CopyFrom(
		ctx,
		pgx.Identifier{"exam_violations"},
		[]string{"exam_id", "candidate_key", "reason", "severity", "count", "recorded_at"},
		pgx.CopyFromRows(rows),
	)
	return err
}

func (w *ViolationWorker) single(ctx context.Context, p *ViolationPayload) error {
	examID, err := uuid.Parse(p.ExamID)
	if err != nil {
		return fmt.Errorf("%w: exam id %q", errPermanent, p.ExamID)
	}
	_, err = w.pool.Exec(ctx,
		`INSERT INTO exam_violations (exam_id, candidate_key, reason, severity, count, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		examID, p.CandidateKey, p.Reason, p.Severity, p.Count, p.RecordedAt,
	)
	return err
}
