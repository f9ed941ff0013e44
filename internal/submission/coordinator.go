// Package submission scores a finished session and writes it to the result
// store at most once per (exam, candidate).
package submission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/accessgate"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/scoring"
)

var (
	// ErrInFlight means another submission for the same candidate has not
	// finished yet.
	ErrInFlight = errors.New("submission already in progress")
	// ErrAlreadySubmitted is terminal: a result is already stored.
	ErrAlreadySubmitted = errors.New("exam already submitted")
	// ErrAccessGateRejected is terminal: the locked browser proof failed.
	ErrAccessGateRejected = errors.New("locked browser verification failed at submission")
	// ErrTransport wraps store failures that may succeed on retry.
	ErrTransport = errors.New("submission could not be saved")
)

// doneRetention bounds how long a finished key is remembered in memory. The
// store's uniqueness constraint covers anything older.
const doneRetention = 6 * time.Hour

// ResultStore is the durable result store.
type ResultStore interface {
	SubmitResult(ctx context.Context, s *model.Submission) error
}

// Publisher announces stored submissions to live monitors. Failures are logged
// and never fail the submission.
type Publisher interface {
	PublishSubmitted(ctx context.Context, s *model.Submission) error
}

// Request is everything needed to score and store one session.
type Request struct {
	Exam           *model.Exam
	CandidateKey   string
	Questions      []model.Question
	Answers        map[string]string
	Justifications map[string]string
	Violations     int
	IsTimeout      bool
	Gate           accessgate.Proof
}

// Ack is returned after a successful write.
type Ack struct {
	SubmissionID  string         `json:"submission_id"`
	Score         int            `json:"score"`
	MaxScore      int            `json:"max_score"`
	Correct       int            `json:"correct"`
	SectionScores map[string]int `json:"section_scores"`
	Violations    int            `json:"violations"`
	IsTimeout     bool           `json:"is_timeout"`
	SubmittedAt   time.Time      `json:"submitted_at"`
}

// Coordinator serializes submissions per (exam, candidate).
type Coordinator struct {
	store ResultStore
	pub   Publisher
	log   zerolog.Logger
	now   func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
	done     map[string]time.Time
}

// NewCoordinator creates a Coordinator. pub may be nil.
func NewCoordinator(store ResultStore, pub Publisher, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		pub:      pub,
		log:      log.With().Str("component", "submission_coordinator").Logger(),
		now:      time.Now,
		inFlight: make(map[string]struct{}),
		done:     make(map[string]time.Time),
	}
}

// IsRetryable reports whether a Submit error leaves the session able to retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrInFlight)
}

// Submit scores req and writes it. Concurrent calls for the same candidate get
// ErrInFlight; calls after a success get ErrAlreadySubmitted.
func (c *Coordinator) Submit(ctx context.Context, req Request) (*Ack, error) {
	if req.Exam == nil {
		return nil, errors.New("submission request without exam")
	}
	key := req.Exam.ID.String() + "|" + req.CandidateKey

	if err := c.acquire(key); err != nil {
		return nil, err
	}
	stored := false
	defer func() { c.release(key, stored) }()

	if err := accessgate.Check(req.Exam.RequireLockedBrowser, req.Exam.BrowserKey, req.Gate); err != nil {
		c.log.Warn().Str("exam_id", req.Exam.ID.String()).Str("candidate", req.CandidateKey).Msg("Access gate rejected submission")
		return nil, ErrAccessGateRejected
	}

	res := scoring.Score(req.Questions, req.Answers)
	sub := &model.Submission{
		ExamID:         req.Exam.ID,
		CandidateKey:   req.CandidateKey,
		Score:          res.Total,
		MaxScore:       res.Max,
		Violations:     req.Violations,
		SectionScores:  res.Sections,
		Justifications: copyMap(req.Justifications),
		IsTimeout:      req.IsTimeout,
		SubmittedAt:    c.now().UTC(),
	}

	if err := c.store.SubmitResult(ctx, sub); err != nil {
		if errors.Is(err, repository.ErrSubmissionConflict) {
			// Someone else already won; remember it like our own success.
			stored = true
			return nil, ErrAlreadySubmitted
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	stored = true

	c.log.Info().
		Str("exam_id", sub.ExamID.String()).
		Str("candidate", sub.CandidateKey).
		Int("score", sub.Score).
		Int("violations", sub.Violations).
		Bool("timeout", sub.IsTimeout).
		Msg("Submission stored")

	if c.pub != nil {
		if err := c.pub.PublishSubmitted(ctx, sub); err != nil {
			c.log.Warn().Err(err).Msg("Monitor publish failed")
		}
	}

	return &Ack{
		SubmissionID:  sub.ID.String(),
		Score:         sub.Score,
		MaxScore:      sub.MaxScore,
		Correct:       res.Correct,
		SectionScores: sub.SectionScores,
		Violations:    sub.Violations,
		IsTimeout:     sub.IsTimeout,
		SubmittedAt:   sub.SubmittedAt,
	}, nil
}

func (c *Coordinator) acquire(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.done[key]; ok {
		if c.now().Sub(at) < doneRetention {
			return ErrAlreadySubmitted
		}
		delete(c.done, key)
	}
	if _, busy := c.inFlight[key]; busy {
		return ErrInFlight
	}
	c.inFlight[key] = struct{}{}
	return nil
}

func (c *Coordinator) release(key string, stored bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	if !stored {
		return
	}
	now := c.now()
	c.done[key] = now
	if len(c.done) > 4096 {
		for k, at := range c.done {
			if now.Sub(at) >= doneRetention {
				delete(c.done, k)
			}
		}
	}
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
