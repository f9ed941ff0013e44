package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// SubmissionRepository is the durable result store.
type SubmissionRepository struct {
	pool *pgxpool.Pool
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(pool *pgxpool.Pool) *SubmissionRepository {
	return &SubmissionRepository{pool: pool}
}

// Exists reports whether the candidate already submitted this exam.
func (r *SubmissionRepository) Exists(ctx context.Context, examID uuid.UUID, candidateKey string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM submissions WHERE exam_id = $1 AND candidate_key = $2)`,
		examID, candidateKey,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check submission: %w", err)
	}
	return exists, nil
}

// SubmitResult writes s and fills in its id and timestamp. A second write for
// the same (exam, candidate) returns ErrSubmissionConflict.
func (r *SubmissionRepository) SubmitResult(ctx context.Context, s *model.Submission) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO submissions (exam_id, candidate_key, score, max_score, violations,
		                          section_scores, justifications, is_timeout, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (exam_id, candidate_key) DO NOTHING
		 RETURNING id, submitted_at`,
		s.ExamID, s.CandidateKey, s.Score, s.MaxScore, s.Violations,
		s.SectionScores, s.Justifications, s.IsTimeout, s.SubmittedAt,
	).Scan(&s.ID, &s.SubmittedAt)
	if err == nil {
		return nil
	}

	// DO NOTHING returns no row on conflict.
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSubmissionConflict
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrSubmissionConflict
	}
	return fmt.Errorf("insert submission: %w", err)
}

// Get returns the stored submission, or ErrSubmissionNotFound.
func (r *SubmissionRepository) Get(ctx context.Context, examID uuid.UUID, candidateKey string) (*model.Submission, error) {
	s := &model.Submission{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, exam_id, candidate_key, score, max_score, violations,
		        section_scores, justifications, is_timeout, submitted_at
		 FROM submissions WHERE exam_id = $1 AND candidate_key = $2`,
		examID, candidateKey,
	).Scan(&s.ID, &s.ExamID, &s.CandidateKey, &s.Score, &s.MaxScore, &s.Violations,
		&s.SectionScores, &s.Justifications, &s.IsTimeout, &s.SubmittedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubmissionNotFound
		}
		return nil, fmt.Errorf("get submission: %w", err)
	}
	return s, nil
}
