package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Domain Errors
var (
	ErrExamClosed = errors.New("exam is not open at this time")
)

// ExamSource is where exam definitions come from on a cache miss.
type ExamSource interface {
	GetExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error)
}

// ExamService serves exam definitions through a Redis cache.
type ExamService struct {
	source ExamSource
	rdb    *redis.Client
	ttl    time.Duration
	log    zerolog.Logger
	now    func() time.Time
}

// NewExamService creates a new ExamService.
func NewExamService(source ExamSource, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *ExamService {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &ExamService{
		source: source,
		rdb:    rdb,
		ttl:    ttl,
		log:    log.With().Str("component", "exam_service").Logger(),
		now:    time.Now,
	}
}

// GetExam returns the full exam definition, answer keys and gate secret
// included. It is for server-side use only.
func (s *ExamService) GetExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error) {
	key := config.CacheKey.ExamKey(examID.String())

	data, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var exam model.Exam
		if err := json.Unmarshal(data, &exam); err == nil {
			return &exam, nil
		}
		s.log.Warn().Str("exam_id", examID.String()).Msg("Corrupt exam cache entry, reloading")
	case !errors.Is(err, redis.Nil):
		// Cache trouble must not block exam entry.
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Exam cache read failed")
	}

	exam, err := s.source.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if err := s.cache(ctx, exam); err != nil {
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Exam cache write failed")
	}
	return exam, nil
}

// GetOpenExam is GetExam plus the exam window check.
func (s *ExamService) GetOpenExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error) {
	exam, err := s.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if !exam.IsOpen(s.now()) {
		return nil, ErrExamClosed
	}
	return exam, nil
}

// Invalidate drops the cached definition so the next read goes to the source.
func (s *ExamService) Invalidate(ctx context.Context, examID uuid.UUID) error {
	return s.rdb.Del(ctx, config.CacheKey.ExamKey(examID.String())).Err()
}

// Warm loads the given exams into the cache ahead of traffic.
func (s *ExamService) Warm(ctx context.Context, examIDs []uuid.UUID) int {
	warmed := 0
	for _, id := range examIDs {
		exam, err := s.source.GetExam(ctx, id)
		if err != nil {
			s.log.Warn().Err(err).Str("exam_id", id.String()).Msg("Failed to warm exam, skipping")
			continue
		}
		if err := s.cache(ctx, exam); err != nil {
			s.log.Warn().Err(err).Str("exam_id", id.String()).Msg("Failed to warm exam, skipping")
			continue
		}
		warmed++
	}
	s.log.Info().Int("warmed", warmed).Int("total", len(examIDs)).Msg("Prewarming complete")
	return warmed
}

func (s *ExamService) cache(ctx context.Context, exam *model.Exam) error {
	data, err := json.Marshal(exam)
	if err != nil {
		return fmt.Errorf("marshal exam: %w", err)
	}
	return s.rdb.Set(ctx, config.CacheKey.ExamKey(exam.ID.String()), data, s.ttl).Err()
}
