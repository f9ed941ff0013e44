package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Monitor event types published on an exam's monitor channel.
const (
	MonitorEventJoined    = "joined"
	MonitorEventViolation = "violation"
	MonitorEventDegraded  = "degraded"
	MonitorEventRecovered = "recovered"
	MonitorEventSubmitted = "submitted"
	MonitorEventLeft      = "left"
)

// MonitorEvent is one message on the live monitor channel.
type MonitorEvent struct {
	Type         string                `json:"type"`
	ExamID       string                `json:"exam_id"`
	CandidateKey string                `json:"candidate_key"`
	Violation    *model.ViolationEvent `json:"violation,omitempty"`
	Score        *int                  `json:"score,omitempty"`
	MaxScore     *int                  `json:"max_score,omitempty"`
	IsTimeout    *bool                 `json:"is_timeout,omitempty"`
	At           time.Time             `json:"at"`
}

// ProgressSource provides the aggregate counts behind the live view.
type ProgressSource interface {
	GetAnsweredCounts(ctx context.Context, examID uuid.UUID) (map[string]int64, error)
	GetViolationCounts(ctx context.Context, examID uuid.UUID) (map[string]int64, error)
	GetSubmittedScores(ctx context.Context, examID uuid.UUID) (map[string]int64, error)
}

// MonitorService publishes live session events and builds progress snapshots
// for proctors.
type MonitorService struct {
	progress ProgressSource
	rdb      *redis.Client
	log      zerolog.Logger
	now      func() time.Time
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(progress ProgressSource, rdb *redis.Client, log zerolog.Logger) *MonitorService {
	return &MonitorService{
		progress: progress,
		rdb:      rdb,
		log:      log.With().Str("component", "monitor_service").Logger(),
		now:      time.Now,
	}
}

// Subscribe attaches to an exam's monitor channel.
func (s *MonitorService) Subscribe(ctx context.Context, examID uuid.UUID) *redis.PubSub {
	return s.rdb.Subscribe(ctx, config.CacheKey.ExamMonitorChannel(examID.String()))
}

// Publish sends ev to its exam's monitor channel.
func (s *MonitorService) Publish(ctx context.Context, ev MonitorEvent) error {
	if ev.At.IsZero() {
		ev.At = s.now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal monitor event: %w", err)
	}
	return s.rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(ev.ExamID), data).Err()
}

// PublishSubmitted announces a stored submission.
func (s *MonitorService) PublishSubmitted(ctx context.Context, sub *model.Submission) error {
	score, max, timeout := sub.Score, sub.MaxScore, sub.IsTimeout
	return s.Publish(ctx, MonitorEvent{
		Type:         MonitorEventSubmitted,
		ExamID:       sub.ExamID.String(),
		CandidateKey: sub.CandidateKey,
		Score:        &score,
		MaxScore:     &max,
		IsTimeout:    &timeout,
		At:           sub.SubmittedAt,
	})
}

// PublishViolation announces a counted violation.
func (s *MonitorService) PublishViolation(ctx context.Context, examID uuid.UUID, candidateKey string, ev model.ViolationEvent) error {
	return s.Publish(ctx, MonitorEvent{
		Type:         MonitorEventViolation,
		ExamID:       examID.String(),
		CandidateKey: candidateKey,
		Violation:    &ev,
		At:           ev.RecordedAt,
	})
}

// PublishPresence announces a candidate joining, leaving or losing camera analysis.
func (s *MonitorService) PublishPresence(ctx context.Context, kind string, examID uuid.UUID, candidateKey string) error {
	return s.Publish(ctx, MonitorEvent{Type: kind, ExamID: examID.String(), CandidateKey: candidateKey})
}

// CandidateProgress is one row of the live view.
type CandidateProgress struct {
	CandidateKey string `json:"candidate_key"`
	Answered     int64  `json:"answered"`
	Violations   int64  `json:"violations"`
	Submitted    bool   `json:"submitted"`
	Score        *int64 `json:"score,omitempty"`
}

// ProgressSnapshot is the proctor's view of an exam.
type ProgressSnapshot struct {
	Candidates      []CandidateProgress `json:"candidates"`
	TotalViolations int64               `json:"total_violations"`
	TotalSubmitted  int                 `json:"total_submitted"`
}

// GetProgress gathers answered counts, violation counts and scores
// concurrently. Answered counts are required; the rest are best-effort.
func (s *MonitorService) GetProgress(ctx context.Context, examID uuid.UUID) (*ProgressSnapshot, error) {
	var (
		answered, violations, scores          map[string]int64
		answeredErr, violationsErr, scoresErr error
		wg                                    sync.WaitGroup
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		answered, answeredErr = s.progress.GetAnsweredCounts(ctx, examID)
	}()
	go func() {
		defer wg.Done()
		violations, violationsErr = s.progress.GetViolationCounts(ctx, examID)
	}()
	go func() {
		defer wg.Done()
		scores, scoresErr = s.progress.GetSubmittedScores(ctx, examID)
	}()
	wg.Wait()

	if answeredErr != nil {
		return nil, fmt.Errorf("answered counts: %w", answeredErr)
	}
	if violationsErr != nil {
		s.log.Warn().Err(violationsErr).Str("exam_id", examID.String()).Msg("Violation counts unavailable")
		violations = nil
	}
	if scoresErr != nil {
		s.log.Warn().Err(scoresErr).Str("exam_id", examID.String()).Msg("Submitted scores unavailable")
		scores = nil
	}

	rows := make(map[string]*CandidateProgress)
	row := func(key string) *CandidateProgress {
		r, ok := rows[key]
		if !ok {
			r = &CandidateProgress{CandidateKey: key}
			rows[key] = r
		}
		return r
	}

	snap := &ProgressSnapshot{}
	for key, n := range answered {
		row(key).Answered = n
	}
	for key, n := range violations {
		row(key).Violations = n
		snap.TotalViolations += n
	}
	for key, score := range scores {
		score := score
		r := row(key)
		r.Submitted = true
		r.Score = &score
		snap.TotalSubmitted++
	}

	snap.Candidates = make([]CandidateProgress, 0, len(rows))
	for _, r := range rows {
		snap.Candidates = append(snap.Candidates, *r)
	}
	sort.Slice(snap.Candidates, func(i, j int) bool {
		return snap.Candidates[i].CandidateKey < snap.Candidates[j].CandidateKey
	})
	return snap, nil
}
