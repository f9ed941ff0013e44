package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ExamRepository loads exams together with their question pool and blueprint.
type ExamRepository struct {
	pool *pgxpool.Pool
}

// NewExamRepository creates a new ExamRepository.
func NewExamRepository(pool *pgxpool.Pool) *ExamRepository {
	return &ExamRepository{pool: pool}
}

// GetExam retrieves an exam with its full question pool and section blueprint.
// Returns ErrExamNotFound when no exam has that id.
func (r *ExamRepository) GetExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error) {
	e := &model.Exam{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, duration_minutes, starts_at, ends_at,
		        require_proctoring, require_locked_browser, browser_key
		 FROM exams WHERE id = $1`, examID,
	).Scan(&e.ID, &e.Title, &e.DurationMinutes, &e.StartsAt, &e.EndsAt,
		&e.RequireProctoring, &e.RequireLockedBrowser, &e.BrowserKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrExamNotFound
		}
		return nil, fmt.Errorf("get exam: %w", err)
	}

	if e.Questions, err = r.listQuestions(ctx, examID); err != nil {
		return nil, err
	}
	if e.Blueprint, err = r.listBlueprint(ctx, examID); err != nil {
		return nil, err
	}
	return e, nil
}

func (r *ExamRepository) listQuestions(ctx context.Context, examID uuid.UUID) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, kind, prompt, image_url, options, correct_answer, section, marks, require_justification
		 FROM questions WHERE exam_id = $1
		 ORDER BY position, id`, examID,
	)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.Kind, &q.Prompt, &q.ImageURL, &q.Options,
			&q.CorrectAnswer, &q.Section, &q.Marks, &q.RequireJustification); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

func (r *ExamRepository) listBlueprint(ctx context.Context, examID uuid.UUID) ([]model.SectionBlueprint, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT section, pick_count FROM exam_sections
		 WHERE exam_id = $1
		 ORDER BY position, section`, examID,
	)
	if err != nil {
		return nil, fmt.Errorf("list blueprint: %w", err)
	}
	defer rows.Close()

	var blueprint []model.SectionBlueprint
	for rows.Next() {
		var b model.SectionBlueprint
		if err := rows.Scan(&b.Section, &b.PickCount); err != nil {
			return nil, fmt.Errorf("scan blueprint: %w", err)
		}
		blueprint = append(blueprint, b)
	}
	return blueprint, rows.Err()
}

// ListOpenExamIDs returns the exams whose window contains now, for cache warming.
func (r *ExamRepository) ListOpenExamIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM exams
		 WHERE (starts_at IS NULL OR starts_at <= NOW() + INTERVAL '1 hour')
		   AND (ends_at IS NULL OR ends_at > NOW())`,
	)
	if err != nil {
		return nil, fmt.Errorf("list open exams: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan exam id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
