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

// Autosave field names.
const (
	FieldAnswer        = "answer"
	FieldJustification = "justification"
)

// AnswerPayload is one autosaved answer or justification on persist_answers_queue.
type AnswerPayload struct {
	ExamID       string    `json:"exam_id"`
	CandidateKey string    `json:"candidate_key"`
	QuestionID   string    `json:"q_id"`
	Field        string    `json:"field"`
	Value        string    `json:"value"`
	SavedAt      time.Time `json:"saved_at"`
}

// AutosaveWorker upserts autosaved work into candidate_answers.
type AutosaveWorker struct {
	pool     *pgxpool.Pool
	consumer *batchConsumer[AnswerPayload]
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	w := &AutosaveWorker{pool: pool}
	w.consumer = newBatchConsumer[AnswerPayload](rdb, config.WorkerKey.PersistAnswersQueue, w,
		log.With().Str("component", "autosave_worker").Logger())
	return w
}

// Start begins the worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.consumer.log.Info().Msg("Worker started")
	w.consumer.run(ctx)
}

type answerRow struct {
	examID        uuid.UUID
	candidateKey  string
	questionID    uuid.UUID
	answer        *string
	justification *string
	savedAt       time.Time
}

// mergeAnswers folds a batch into one row per (exam, candidate, question),
// later values winning. An upsert may not touch the same row twice.
func mergeAnswers(batch []*AnswerPayload) ([]*answerRow, error) {
	type key struct {
		exam, question uuid.UUID
		candidate      string
	}
	index := make(map[key]*answerRow, len(batch))
	rows := make([]*answerRow, 0, len(batch))

	for _, p := range batch {
		row, err := toAnswerRow(p)
		if err != nil {
			return nil, err
		}
		k := key{exam: row.examID, question: row.questionID, candidate: row.candidateKey}
		existing, ok := index[k]
		if !ok {
			index[k] = row
			rows = append(rows, row)
			continue
		}
		if row.answer != nil {
			existing.answer = row.answer
		}
		if row.justification != nil {
			existing.justification = row.justification
		}
		if row.savedAt.After(existing.savedAt) {
			existing.savedAt = row.savedAt
		}
	}
	return rows, nil
}

func toAnswerRow(p *AnswerPayload) (*answerRow, error) {
	examID, err := uuid.Parse(p.ExamID)
	if err != nil {
		return nil, fmt.Errorf("%w: exam id %q", errPermanent, p.ExamID)
	}
	questionID, err := uuid.Parse(p.QuestionID)
	if err != nil {
		return nil, fmt.Errorf("%w: question id %q", errPermanent, p.QuestionID)
	}
	row := &answerRow{examID: examID, candidateKey: p.CandidateKey, questionID: questionID, savedAt: p.SavedAt}
	if row.savedAt.IsZero() {
		row.savedAt = time.Now()
	}
	value := p.Value
	switch p.Field {
	case FieldAnswer:
		row.answer = &value
	case FieldJustification:
		row.justification = &value
	default:
		return nil, fmt.Errorf("%w: field %q", errPermanent, p.Field)
	}
	return row, nil
}

// NULL means "not part of this write", so COALESCE keeps the stored column.
const upsertAnswersSQL = `
	INSERT INTO candidate_answers (exam_id, candidate_key, question_id, answer, justification, updated_at)
	SELECT * FROM UNNEST($1::uuid[], $2::text[], $3::uuid[], $4::text[], $5::text[], $6::timestamptz[])
	ON CONFLICT (exam_id, candidate_key, question_id) DO UPDATE
	SET answer        = COALESCE(EXCLUDED.answer, candidate_answers.answer),
	    justification = COALESCE(EXCLUDED.justification, candidate_answers.justification),
	    updated_at    = EXCLUDED.updated_at`

func (w *AutosaveWorker) bulk(ctx context.Context, batch []*AnswerPayload) error {
	rows, err := mergeAnswers(batch)
	if err != nil {
		return err
	}
	return w.upsert(ctx, rows)
}

func (w *AutosaveWorker) single(ctx context.Context, p *AnswerPayload) error {
	row, err := toAnswerRow(p)
	if err != nil {
		return err
	}
	return w.upsert(ctx, []*answerRow{row})
}

func (w *AutosaveWorker) upsert(ctx context.Context, rows []*answerRow) error {
	n := len(rows)
	examIDs := make([]uuid.UUID, 0, n)
	candidates := make([]string, 0, n)
	questionIDs := make([]uuid.UUID, 0, n)
	answers := make([]*string, 0, n)
	justifications := make([]*string, 0, n)
	savedAt := make([]time.Time, 0, n)
	for _, r := range rows {
		examIDs = append(examIDs, r.examID)
		candidates = append(candidates, r.candidateKey)
		questionIDs = append(questionIDs, r.questionID)
		answers = append(answers, r.answer)
		justifications = append(justifications, r.justification)
		savedAt = append(savedAt, r.savedAt)
	}
	_, err := w.pool.Exec(ctx, upsertAnswersSQL, examIDs, candidates, questionIDs, answers, justifications, savedAt)
	return err
}
