package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/accessgate"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/sampler"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

const (
	// Session state in Redis outlives the exam by this margin so a late
	// reconnect still finds its paper and answers.
	sessionStateMargin = time.Hour
	recordTimeout      = 2 * time.Second
)

// OpenExamSource returns exams that are currently open.
type OpenExamSource interface {
	GetOpenExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error)
}

// LivePublisher announces session activity to proctors.
type LivePublisher interface {
	PublishViolation(ctx context.Context, examID uuid.UUID, candidateKey string, ev model.ViolationEvent) error
	PublishPresence(ctx context.Context, kind string, examID uuid.UUID, candidateKey string) error
}

// SessionSettings are the tunables applied to every new session.
type SessionSettings struct {
	MaxViolations     int
	ViolationCooldown time.Duration
}

// SessionService opens live exam sessions: it samples or restores the
// candidate's paper, restores autosaved work and wires the session runner to
// Redis-backed persistence.
type SessionService struct {
	exams     OpenExamSource
	submitter session.Submitter
	checker   session.ExistenceChecker
	pub       LivePublisher
	rdb       *redis.Client
	settings  SessionSettings
	log       zerolog.Logger

	mu   sync.Mutex
	live map[string]*LiveSession
}

// NewSessionService creates a new SessionService. pub may be nil.
func NewSessionService(
	exams OpenExamSource,
	submitter session.Submitter,
	checker session.ExistenceChecker,
	pub LivePublisher,
	rdb *redis.Client,
	settings SessionSettings,
	log zerolog.Logger,
) *SessionService {
	return &SessionService{
		exams:     exams,
		submitter: submitter,
		checker:   checker,
		pub:       pub,
		rdb:       rdb,
		settings:  settings,
		log:       log.With().Str("component", "session_service").Logger(),
		live:      make(map[string]*LiveSession),
	}
}

// OpenRequest identifies who is connecting and where the session output goes.
type OpenRequest struct {
	ExamID       uuid.UUID
	CandidateKey string
	Gate         accessgate.Proof
	Notifier     session.Notifier
}

// LiveSession is an opened session. The caller runs Runner and must call
// Release when the connection ends.
type LiveSession struct {
	Runner       *session.Runner
	Paper        model.ExamPaper
	Exam         *model.Exam
	CandidateKey string
	Log          zerolog.Logger

	key string
}

// Open prepares a session for a connecting candidate. A session already open
// for the same candidate on this instance is closed; the newest connection wins.
func (s *SessionService) Open(ctx context.Context, req OpenRequest) (*LiveSession, error) {
	exam, err := s.exams.GetOpenExam(ctx, req.ExamID)
	if err != nil {
		return nil, err
	}
	if err := accessgate.Check(exam.RequireLockedBrowser, exam.BrowserKey, req.Gate); err != nil {
		return nil, err
	}

	questions, err := s.questionsFor(ctx, exam, req.CandidateKey)
	if err != nil {
		return nil, err
	}

	sess, err := session.New(session.Config{
		Exam:          exam,
		Questions:     questions,
		CandidateKey:  req.CandidateKey,
		Gate:          req.Gate,
		MaxViolations: s.settings.MaxViolations,
	})
	if err != nil {
		return nil, err
	}
	progress := s.loadProgress(ctx, exam.ID, req.CandidateKey)
	sess.Restore(progress.answers, progress.justifications)
	sess.RestoreViolations(progress.violations)

	log := logger.ForSession(s.log, "session", exam.ID.String(), req.CandidateKey)
	rec := &redisRecorder{svc: s, examID: exam.ID, candidateKey: req.CandidateKey, ttl: stateTTL(exam), log: log}
	runner := session.NewRunner(session.RunnerConfig{
		Session:   sess,
		Submitter: s.submitter,
		Checker:   s.checker,
		Recorder:  rec,
		Clock:     rec,
		Notifier:  req.Notifier,
		Cooldown:  proctor.NewCooldown(s.settings.ViolationCooldown, nil),
		Log:       log,
	})

	live := &LiveSession{
		Runner:       runner,
		Paper:        paperOf(exam, questions),
		Exam:         exam,
		CandidateKey: req.CandidateKey,
		Log:          log,
		key:          exam.ID.String() + "|" + req.CandidateKey,
	}

	s.mu.Lock()
	previous := s.live[live.key]
	s.live[live.key] = live
	s.mu.Unlock()
	if previous != nil {
		log.Info().Msg("Replacing older connection for candidate")
		previous.Runner.Close()
	}

	s.publishPresence(MonitorEventJoined, exam.ID, req.CandidateKey)
	return live, nil
}

// Release closes the session and forgets it.
func (s *SessionService) Release(live *LiveSession) {
	live.Runner.Close()

	s.mu.Lock()
	current := s.live[live.key] == live
	if current {
		delete(s.live, live.key)
	}
	s.mu.Unlock()

	if current {
		s.publishPresence(MonitorEventLeft, live.Exam.ID, live.CandidateKey)
	}
}

// ReportDegraded tells proctors that camera analysis stopped for a session.
func (s *SessionService) ReportDegraded(live *LiveSession) {
	s.publishPresence(MonitorEventDegraded, live.Exam.ID, live.CandidateKey)
}

// ReportRecovered tells proctors that camera analysis is running again.
func (s *SessionService) ReportRecovered(live *LiveSession) {
	s.publishPresence(MonitorEventRecovered, live.Exam.ID, live.CandidateKey)
}

// Paper returns the candidate's sampled paper without opening a session.
func (s *SessionService) Paper(ctx context.Context, examID uuid.UUID, candidateKey string) (*model.ExamPaper, error) {
	exam, err := s.exams.GetOpenExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	questions, err := s.questionsFor(ctx, exam, candidateKey)
	if err != nil {
		return nil, err
	}
	paper := paperOf(exam, questions)
	return &paper, nil
}

// ActiveCount returns the number of sessions open on this instance.
func (s *SessionService) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// CloseAll ends every open session, used on shutdown.
func (s *SessionService) CloseAll() {
	s.mu.Lock()
	open := make([]*LiveSession, 0, len(s.live))
	for _, l := range s.live {
		open = append(open, l)
	}
	s.mu.Unlock()

	for _, l := range open {
		l.Runner.Close()
	}
}

// questionsFor returns the candidate's question list: the stored order when
// one exists, otherwise a fresh sample that is stored for reconnects. SET NX
// makes concurrent first connections agree on one order.
func (s *SessionService) questionsFor(ctx context.Context, exam *model.Exam, candidateKey string) ([]model.Question, error) {
	key := config.CacheKey.CandidateQuestionOrderKey(exam.ID.String(), candidateKey)

	if qs, ok := s.storedOrder(ctx, key, exam); ok {
		return qs, nil
	}

	qs, err := sampler.Build(exam, nil)
	if err != nil {
		return nil, err
	}
	ids := sampler.IDs(qs)
	data, _ := json.Marshal(ids)

	created, err := s.rdb.SetNX(ctx, key, data, stateTTL(exam)).Result()
	if err != nil {
		// Without Redis the order cannot survive a reconnect, but the exam can go on.
		s.log.Warn().Err(err).Str("exam_id", exam.ID.String()).Msg("Failed to store question order")
		return qs, nil
	}
	if !created {
		if stored, ok := s.storedOrder(ctx, key, exam); ok {
			return stored, nil
		}
		// Stored order no longer matches the pool; replace it.
		if err := s.rdb.Set(ctx, key, data, stateTTL(exam)).Err(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to replace stale question order")
		}
	}

	payload, _ := json.Marshal(worker.QuestionOrderPayload{
		ExamID:       exam.ID.String(),
		CandidateKey: candidateKey,
		Order:        ids,
		StartedAt:    time.Now().UTC(),
	})
	if err := s.rdb.RPush(ctx, config.WorkerKey.PersistQuestionOrderQueue, payload).Err(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to queue question order")
	}
	return qs, nil
}

func (s *SessionService) storedOrder(ctx context.Context, key string, exam *model.Exam) ([]model.Question, bool) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn().Err(err).Msg("Question order lookup failed")
		}
		return nil, false
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil || len(ids) == 0 {
		return nil, false
	}
	qs, ok := sampler.Reorder(exam.Questions, ids)
	if !ok {
		s.log.Warn().Str("exam_id", exam.ID.String()).Msg("Stored question order references unknown questions")
		return nil, false
	}
	return qs, true
}

// savedProgress is what an earlier connection left in Redis.
type savedProgress struct {
	answers        map[string]string
	justifications map[string]string
	violations     int
}

func (s *SessionService) loadProgress(ctx context.Context, examID uuid.UUID, candidateKey string) savedProgress {
	pipe := s.rdb.Pipeline()
	a := pipe.HGetAll(ctx, config.CacheKey.CandidateAnswersKey(examID.String(), candidateKey))
	j := pipe.HGetAll(ctx, config.CacheKey.CandidateJustificationsKey(examID.String(), candidateKey))
	v := pipe.Get(ctx, config.CacheKey.CandidateViolationsKey(examID.String(), candidateKey))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Msg("Failed to load saved progress")
		return savedProgress{}
	}
	violations, _ := v.Int()
	return savedProgress{answers: a.Val(), justifications: j.Val(), violations: violations}
}

func (s *SessionService) publishPresence(kind string, examID uuid.UUID, candidateKey string) {
	if s.pub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := s.pub.PublishPresence(ctx, kind, examID, candidateKey); err != nil {
		s.log.Warn().Err(err).Str("event", kind).Msg("Monitor publish failed")
	}
}

func stateTTL(exam *model.Exam) time.Duration {
	return exam.Duration() + sessionStateMargin
}

func paperOf(exam *model.Exam, questions []model.Question) model.ExamPaper {
	paper := model.ExamPaper{
		ExamID:          exam.ID,
		Title:           exam.Title,
		DurationMinutes: exam.DurationMinutes,
		Questions:       make([]model.QuestionForCandidate, len(questions)),
	}
	for i := range questions {
		paper.Questions[i] = questions[i].ForCandidate()
	}
	return paper
}

// redisRecorder mirrors session changes to Redis: autosave hashes for
// reconnects, worker queues for Postgres and the monitor channel.
type redisRecorder struct {
	svc          *SessionService
	examID       uuid.UUID
	candidateKey string
	ttl          time.Duration
	log          zerolog.Logger
}

func (r *redisRecorder) RecordViolation(ctx context.Context, ev model.ViolationEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	payload, _ := json.Marshal(worker.ViolationPayload{
		ExamID:       r.examID.String(),
		CandidateKey: r.candidateKey,
		Reason:       ev.Reason,
		Severity:     ev.Severity,
		Count:        ev.Count,
		RecordedAt:   ev.RecordedAt,
	})
	countKey := config.CacheKey.CandidateViolationsKey(r.examID.String(), r.candidateKey)
	pipe := r.svc.rdb.TxPipeline()
	pipe.Incr(ctx, countKey)
	pipe.Expire(ctx, countKey, r.ttl)
	pipe.RPush(ctx, config.WorkerKey.PersistViolationsQueue, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Error().Err(err).Str("reason", ev.Reason).Msg("Failed to record violation")
	}
	if r.svc.pub != nil {
		if err := r.svc.pub.PublishViolation(ctx, r.examID, r.candidateKey, ev); err != nil {
			r.log.Warn().Err(err).Msg("Monitor publish failed")
		}
	}
}

// MarkStarted stores now as the attempt start unless an earlier connection
// already did, and returns the stored value. Without Redis the attempt starts now.
func (r *redisRecorder) MarkStarted(ctx context.Context, now time.Time) time.Time {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	key := config.CacheKey.CandidateStartedAtKey(r.examID.String(), r.candidateKey)
	created, err := r.svc.rdb.SetNX(ctx, key, now.UTC().Format(time.RFC3339Nano), r.ttl).Result()
	if err != nil {
		r.log.Warn().Err(err).Msg("Failed to store attempt start")
		return now
	}
	if created {
		return now
	}

	raw, err := r.svc.rdb.Get(ctx, key).Result()
	if err != nil {
		r.log.Warn().Err(err).Msg("Failed to read attempt start")
		return now
	}
	started, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil || started.After(now) {
		r.log.Warn().Str("value", raw).Msg("Ignoring invalid attempt start")
		return now
	}
	return started
}

func (r *redisRecorder) RecordAnswer(ctx context.Context, questionID, value string) {
	r.autosave(ctx, config.CacheKey.CandidateAnswersKey(r.examID.String(), r.candidateKey),
		worker.FieldAnswer, questionID, value)
}

func (r *redisRecorder) RecordJustification(ctx context.Context, questionID, text string) {
	r.autosave(ctx, config.CacheKey.CandidateJustificationsKey(r.examID.String(), r.candidateKey),
		worker.FieldJustification, questionID, text)
}

func (r *redisRecorder) autosave(ctx context.Context, hashKey, field, questionID, value string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	payload, _ := json.Marshal(worker.AnswerPayload{
		ExamID:       r.examID.String(),
		CandidateKey: r.candidateKey,
		QuestionID:   questionID,
		Field:        field,
		Value:        value,
		SavedAt:      time.Now().UTC(),
	})

	pipe := r.svc.rdb.TxPipeline()
	if value == "" {
		pipe.HDel(ctx, hashKey, questionID)
	} else {
		pipe.HSet(ctx, hashKey, questionID, value)
	}
	pipe.Expire(ctx, hashKey, r.ttl)
	pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Error().Err(err).Str("q_id", questionID).Str("field", field).Msg("Autosave failed")
	}
}
