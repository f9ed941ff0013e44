package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// QuestionOrderPayload records the question list sampled for one attempt.
type QuestionOrderPayload struct {
	ExamID       string    `json:"exam_id"`
	CandidateKey string    `json:"candidate_key"`
	Order        []string  `json:"order"`
	StartedAt    time.Time `json:"started_at"`
}

// QuestionOrderWorker stores sampled question orders in exam_attempts. The
// first order written for an attempt wins.
type QuestionOrderWorker struct {
	pool     *pgxpool.Pool
	consumer *batchConsumer[QuestionOrderPayload]
}

func NewQuestionOrderWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *QuestionOrderWorker {
	w := &QuestionOrderWorker{pool: pool}
	w.consumer = newBatchConsumer[QuestionOrderPayload](rdb, config.WorkerKey.PersistQuestionOrderQueue, w,
		log.With().Str("component", "question_order_worker").Logger())
	return w
}

func (w *QuestionOrderWorker) Start(ctx context.Context) {
	w.consumer.log.Info().Msg("QuestionOrderWorker started")
	w.consumer.run(ctx)
}

func (w *QuestionOrderWorker) bulk(ctx context.Context, batch []*QuestionOrderPayload) error {
	n := len(batch)
	examIDs := make([]uuid.UUID, 0, n)
	candidates := make([]string, 0, n)
	orders := make([]string, 0, n)
	started := make([]time.Time, 0, n)

	for _, p := range batch {
		examID, order, err := parseOrder(p)
		if err != nil {
			return err
		}
		examIDs = append(examIDs, examID)
		candidates = append(candidates, p.CandidateKey)
		orders = append(orders, uuidArrayLiteral(order))
		started = append(started, p.StartedAt)
	}

	// Arrays of arrays cannot be unnested directly, so orders travel as
	// array literals and are cast per row.
	_, err := w.pool.Exec(ctx, `
		INSERT INTO exam_attempts (exam_id, candidate_key, question_order, started_at)
		SELECT u.exam_id, u.candidate_key, u.qo::uuid[], u.started_at
		FROM UNNEST($1::uuid[], $2::text[], $3::text[], $4::timestamptz[])
		     AS u (exam_id, candidate_key, qo, started_at)
		ON CONFLICT (exam_id, candidate_key) DO NOTHING`,
		examIDs, candidates, orders, started,
	)
	return err
}

func (w *QuestionOrderWorker) single(ctx context.Context, p *QuestionOrderPayload) error {
	examID, order, err := parseOrder(p)
	if err != nil {
		return err
	}
	_, err = w.pool.Exec(ctx,
		`INSERT INTO exam_attempts (exam_id, candidate_key, question_order, started_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (exam_id, candidate_key) DO NOTHING`,
		examID, p.CandidateKey, order, p.StartedAt,
	)
	return err
}

func parseOrder(p *QuestionOrderPayload) (uuid.UUID, []uuid.UUID, error) {
	examID, err := uuid.Parse(p.ExamID)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("%w: exam id %q", errPermanent, p.ExamID)
	}
	order := make([]uuid.UUID, 0, len(p.Order))
	for _, raw := range p.Order {
		id, err := uuid.Parse(raw)
		if err != nil {
			return uuid.Nil, nil, fmt.Errorf("%w: question id %q", errPermanent, raw)
		}
		order = append(order, id)
	}
	return examID, order, nil
}

func uuidArrayLiteral(ids []uuid.UUID) string {
	buf := make([]byte, 0, 2+len(ids)*37)
	buf = append(buf, '{')
	for i, id := range ids {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, id.String()...)
	}
	return string(append(buf, '}'))
}
