// Package session hosts the authoritative state of one candidate's exam
// attempt. Session is a deterministic reducer: Apply takes one event, mutates
// state and returns the effects to run. Runner owns a Session on a single
// goroutine and executes those effects.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stemsi/exstem-proctor/internal/accessgate"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/sampler"
	"github.com/stemsi/exstem-proctor/internal/scoring"
	"github.com/stemsi/exstem-proctor/internal/submission"
)

const (
	// DefaultMaxViolations is the violation count that forces submission.
	DefaultMaxViolations = 3
	// RetryDelay spaces out automatic retries of forced submissions.
	RetryDelay = 3 * time.Second
)

var (
	ErrPermissionDenied   = errors.New("camera and microphone access are required for this exam")
	ErrNetworkUnavailable = errors.New("network check failed, reconnect and run the device check again")
	ErrWrongState         = errors.New("action not allowed in the current session state")
	ErrNotInProgress      = errors.New("exam is not in progress")
	ErrTimeUp             = errors.New("time is up, answers can no longer be changed")
	ErrSubmitInFlight     = errors.New("submission already in progress")
	ErrAlreadySubmitted   = errors.New("exam already submitted")
	ErrUnknownQuestion    = errors.New("question is not part of this session")
	ErrInvalidAnswer      = errors.New("invalid answer")
	ErrFullscreenRequired = errors.New("re-enter fullscreen to continue the exam")
	ErrCheckFailed        = errors.New("could not verify previous submissions, re-enter fullscreen to retry")
	ErrClosed             = errors.New("session closed")
)

// Config builds a Session.
type Config struct {
	Exam          *model.Exam
	Questions     []model.Question // the sampled list, fixed for the session
	CandidateKey  string
	Gate          accessgate.Proof
	MaxViolations int
	Now           func() time.Time
}

// Snapshot is a copy of the session state for the client.
type Snapshot struct {
	ExamID         string            `json:"exam_id"`
	State          State             `json:"state"`
	Index          int               `json:"index"`
	Total          int               `json:"total"`
	Answers        map[string]string `json:"answers"`
	Justifications map[string]string `json:"justifications"`
	Violations     int               `json:"violations"`
	MaxViolations  int               `json:"max_violations"`
	Fullscreen     bool              `json:"fullscreen"`
	Hidden         bool              `json:"hidden"`
	TimedOut       bool              `json:"timed_out"`
	RemainingMS    int64             `json:"remaining_ms"`

	// MissingJustifications lists, in paper order, questions that require a
	// justification and have none yet. Finishing is still allowed.
	MissingJustifications []string `json:"missing_justifications,omitempty"`
}

// Session is not safe for concurrent use; Runner serializes access.
type Session struct {
	exam         *model.Exam
	questions    []model.Question
	byID         map[string]*model.Question
	candidateKey string
	gate         accessgate.Proof
	max          int
	now          func() time.Time

	state          State
	index          int
	answers        map[string]string
	justifications map[string]string
	violations     int
	fullscreen     bool
	hidden         bool
	timedOut       bool

	// duplicate-submission check before entering InProgress
	checking bool
	checked  bool
}

// New creates a session in StatePreflight. An empty question list is a
// precondition failure.
func New(cfg Config) (*Session, error) {
	if cfg.Exam == nil {
		return nil, errors.New("session without exam")
	}
	if len(cfg.Questions) == 0 {
		return nil, sampler.ErrEmptySample
	}
	if cfg.MaxViolations <= 0 {
		cfg.MaxViolations = DefaultMaxViolations
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	s := &Session{
		exam:           cfg.Exam,
		questions:      cfg.Questions,
		byID:           make(map[string]*model.Question, len(cfg.Questions)),
		candidateKey:   cfg.CandidateKey,
		gate:           cfg.Gate,
		max:            cfg.MaxViolations,
		now:            cfg.Now,
		state:          StatePreflight,
		answers:        make(map[string]string),
		justifications: make(map[string]string),
	}
	for i := range s.questions {
		s.byID[s.questions[i].ID.String()] = &s.questions[i]
	}
	return s, nil
}

// Restore loads autosaved answers and justifications from an earlier
// connection. Entries that do not validate against the sampled questions are
// skipped.
func (s *Session) Restore(answers, justifications map[string]string) {
	for qid, v := range answers {
		q, ok := s.byID[qid]
		if !ok {
			continue
		}
		if norm, err := scoring.NormalizeAnswer(q, v); err == nil {
			s.answers[qid] = norm
		}
	}
	for qid, text := range justifications {
		if _, ok := s.byID[qid]; ok && strings.TrimSpace(text) != "" {
			s.justifications[qid] = strings.TrimSpace(text)
		}
	}
}

// RestoreViolations carries the count over from an earlier connection. The
// count never goes down.
func (s *Session) RestoreViolations(n int) {
	if n > s.violations {
		s.violations = n
	}
}

func (s *Session) Exam() *model.Exam { return s.exam }
func (s *Session) CandidateKey() string { return s.candidateKey }
func (s *Session) State() State { return s.state }
func (s *Session) Current() int { return s.index }
func (s *Session) Violations() int { return s.violations }
func (s *Session) Questions() []model.Question { return s.questions }

// Snapshot copies the state. RemainingMS is filled in by the Runner.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ExamID:         s.exam.ID.String(),
		State:          s.state,
		Index:          s.index,
		Total:          len(s.questions),
		Answers:        copyMap(s.answers),
		Justifications: copyMap(s.justifications),
		Violations:     s.violations,
		MaxViolations:  s.max,
		Fullscreen:     s.fullscreen,
		Hidden:         s.hidden,
		TimedOut:       s.timedOut,

		MissingJustifications: s.missingJustifications(),
	}
}

func (s *Session) missingJustifications() []string {
	var missing []string
	for i := range s.questions {
		qid := s.questions[i].ID.String()
		if s.questions[i].RequireJustification && s.justifications[qid] == "" {
			missing = append(missing, qid)
		}
	}
	return missing
}

// Close moves the session to StateClosed. Every later Apply fails.
func (s *Session) Close() []Effect {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	return []Effect{StopTimer{}}
}

// Apply consumes one event. A non-nil error means the event was refused and
// state did not change; effects may still be returned alongside it.
func (s *Session) Apply(ev Event) ([]Effect, error) {
	if s.state == StateClosed {
		return nil, ErrClosed
	}

	switch e := ev.(type) {
	case PreflightPassed:
		return s.onPreflight(e)
	case ExistingSubmission:
		return s.onExisting(e), nil
	case FullscreenChanged:
		return s.onFullscreen(e), nil
	case VisibilityChanged:
		return s.onVisibility(e), nil
	case ViolationReported:
		return s.count(e.Reason), nil
	case TimerExpired:
		return s.onTimer(), nil
	case FinishConfirmed:
		return s.onFinish()
	case AnswerRecorded:
		return s.onAnswer(e)
	case JustificationRecorded:
		return s.onJustification(e)
	case Navigate:
		return s.onNavigate(e)
	case SubmitSucceeded:
		return s.onSubmitSucceeded(e), nil
	case SubmitFailed:
		return s.onSubmitFailed(e), nil
	}
	return nil, fmt.Errorf("unknown event %T", ev)
}

func (s *Session) onPreflight(e PreflightPassed) ([]Effect, error) {
	if s.state != StatePreflight {
		return nil, ErrWrongState
	}
	if s.exam.RequireProctoring && (!e.Camera || !e.Mic) {
		return nil, ErrPermissionDenied
	}
	if !e.Network {
		return nil, ErrNetworkUnavailable
	}
	s.state = StateAwaitingFullscreen
	s.checking = true
	return []Effect{CheckExisting{}, NotifyState{}}, nil
}

func (s *Session) onExisting(e ExistingSubmission) []Effect {
	if s.state != StateAwaitingFullscreen {
		return nil
	}
	s.checking = false

	if e.Err != nil {
		return []Effect{NotifyError{Err: fmt.Errorf("%w: %v", ErrCheckFailed, e.Err)}}
	}
	if e.Exists {
		s.state = StateAlreadySubmitted
		return []Effect{NotifyError{Err: ErrAlreadySubmitted}, NotifyState{}}
	}
	s.checked = true
	if s.fullscreen {
		return s.enterInProgress()
	}
	return []Effect{NotifyState{}}
}

func (s *Session) onFullscreen(e FullscreenChanged) []Effect {
	wasActive := s.fullscreen
	s.fullscreen = e.Active

	switch s.state {
	case StateAwaitingFullscreen:
		if !e.Active {
			return []Effect{NotifyState{}}
		}
		if s.checked {
			return s.enterInProgress()
		}
		if !s.checking {
			s.checking = true
			return []Effect{CheckExisting{}, NotifyState{}}
		}
		return []Effect{NotifyState{}}

	case StateInProgress:
		if e.Active {
			return []Effect{NotifyState{}}
		}
		if !wasActive {
			return nil
		}
		effects := []Effect{NotifyError{Err: ErrFullscreenRequired}}
		return append(effects, s.count(model.ReasonFullscreenExit)...)
	}
	return nil
}

func (s *Session) onVisibility(e VisibilityChanged) []Effect {
	wasHidden := s.hidden
	s.hidden = e.Hidden
	if s.state != StateInProgress || !e.Hidden || wasHidden {
		return nil
	}
	return s.count(model.ReasonTabSwitch)
}

// count is the only place the violation counter moves. Reports outside
// InProgress are ignored: before the exam starts, and while a submission is
// in flight.
func (s *Session) count(reason string) []Effect {
	if s.state != StateInProgress {
		return nil
	}
	s.violations++
	ev := model.NewViolationEvent(reason, s.violations, s.now())
	effects := []Effect{
		ViolationCounted{Event: ev},
		NotifyWarning{Event: ev, Max: s.max},
	}
	if s.violations >= s.max {
		effects = append(effects, s.beginSubmit(s.timedOut)...)
	}
	return effects
}

func (s *Session) onTimer() []Effect {
	switch s.state {
	case StateInProgress:
		s.timedOut = true
		return s.beginSubmit(true)
	case StateSubmitting:
		s.timedOut = true
	}
	return nil
}

func (s *Session) onFinish() ([]Effect, error) {
	if s.state == StateInProgress {
		return s.beginSubmit(s.timedOut), nil
	}
	return nil, s.stateErr()
}

func (s *Session) onAnswer(e AnswerRecorded) ([]Effect, error) {
	q, err := s.editable(e.QuestionID)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(e.Value) == "" {
		delete(s.answers, e.QuestionID)
		return []Effect{PersistAnswer{QuestionID: e.QuestionID}}, nil
	}
	norm, err := scoring.NormalizeAnswer(q, e.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAnswer, err)
	}
	s.answers[e.QuestionID] = norm
	return []Effect{PersistAnswer{QuestionID: e.QuestionID, Value: norm}}, nil
}

func (s *Session) onJustification(e JustificationRecorded) ([]Effect, error) {
	if _, err := s.editable(e.QuestionID); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(e.Text)
	if text == "" {
		delete(s.justifications, e.QuestionID)
	} else {
		s.justifications[e.QuestionID] = text
	}
	return []Effect{PersistJustification{QuestionID: e.QuestionID, Text: text}}, nil
}

func (s *Session) onNavigate(e Navigate) ([]Effect, error) {
	if s.state != StateInProgress && s.state != StateSubmitting {
		return nil, s.stateErr()
	}
	idx := e.Index
	if idx < 0 {
		idx = 0
	}
	if last := len(s.questions) - 1; idx > last {
		idx = last
	}
	s.index = idx
	return []Effect{NotifyState{}}, nil
}

func (s *Session) onSubmitSucceeded(e SubmitSucceeded) []Effect {
	if s.state != StateSubmitting {
		return nil
	}
	s.state = StateSubmitted
	return []Effect{StopTimer{}, NotifySubmitted{Ack: e.Ack}, NotifyState{}}
}

func (s *Session) onSubmitFailed(e SubmitFailed) []Effect {
	if s.state != StateSubmitting {
		return nil
	}
	switch {
	case errors.Is(e.Err, submission.ErrAlreadySubmitted):
		s.state = StateAlreadySubmitted
		return []Effect{StopTimer{}, NotifyError{Err: ErrAlreadySubmitted}, NotifyState{}}
	case errors.Is(e.Err, submission.ErrAccessGateRejected):
		s.state = StateRejected
		return []Effect{StopTimer{}, NotifyError{Err: e.Err}, NotifyState{}}
	}
	// Retryable: release the guard, keep every answer and the violation count.
	s.state = StateInProgress
	effects := []Effect{NotifyError{Err: e.Err}}
	if s.forced() {
		// Nobody will press finish for a timed out or over-limit session.
		return append(effects, s.submitAfter(s.timedOut, RetryDelay)...)
	}
	return append(effects, NotifyState{})
}

// forced reports whether the session must be submitted without the candidate.
func (s *Session) forced() bool {
	return s.timedOut || s.violations >= s.max
}

func (s *Session) enterInProgress() []Effect {
	s.state = StateInProgress
	effects := []Effect{StartTimer{}}
	if s.violations >= s.max {
		// An earlier connection already used up the budget.
		return append(effects, s.beginSubmit(false)...)
	}
	return append(effects, NotifyState{})
}

// beginSubmit is the idempotency guard: callers only reach it from
// InProgress, and it leaves InProgress before returning.
func (s *Session) beginSubmit(isTimeout bool) []Effect {
	return s.submitAfter(isTimeout, 0)
}

func (s *Session) submitAfter(isTimeout bool, delay time.Duration) []Effect {
	s.state = StateSubmitting
	req := submission.Request{
		Exam:           s.exam,
		CandidateKey:   s.candidateKey,
		Questions:      s.questions,
		Answers:        copyMap(s.answers),
		Justifications: copyMap(s.justifications),
		Violations:     s.violations,
		IsTimeout:      isTimeout,
		Gate:           s.gate,
	}
	return []Effect{Submit{Request: req, Delay: delay}, NotifyState{}}
}

func (s *Session) editable(questionID string) (*model.Question, error) {
	if s.state != StateInProgress {
		return nil, s.stateErr()
	}
	if s.timedOut {
		return nil, ErrTimeUp
	}
	q, ok := s.byID[questionID]
	if !ok {
		return nil, ErrUnknownQuestion
	}
	return q, nil
}

// stateErr explains why a command is refused in the current state.
func (s *Session) stateErr() error {
	switch s.state {
	case StateSubmitting:
		return ErrSubmitInFlight
	case StateSubmitted, StateAlreadySubmitted:
		return ErrAlreadySubmitted
	case StateRejected:
		return submission.ErrAccessGateRejected
	case StateClosed:
		return ErrClosed
	}
	return ErrNotInProgress
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
