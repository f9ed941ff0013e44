package session

import (
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/submission"
)

// State is the lifecycle position of a session.
type State int

const (
	StatePreflight State = iota
	StateAwaitingFullscreen
	StateInProgress
	StateSubmitting
	StateSubmitted
	// StateAlreadySubmitted is terminal: a result existed before this session
	// could finish, so answering is never allowed.
	StateAlreadySubmitted
	// StateRejected is terminal: the access gate refused the session.
	StateRejected
	StateClosed
)

var stateNames = [...]string{
	StatePreflight:          "PREFLIGHT",
	StateAwaitingFullscreen: "AWAITING_FULLSCREEN",
	StateInProgress:         "IN_PROGRESS",
	StateSubmitting:         "SUBMITTING",
	StateSubmitted:          "SUBMITTED",
	StateAlreadySubmitted:   "ALREADY_SUBMITTED",
	StateRejected:           "REJECTED",
	StateClosed:             "CLOSED",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNKNOWN"
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	switch s {
	case StateSubmitted, StateAlreadySubmitted, StateRejected, StateClosed:
		return true
	}
	return false
}

// Event is an input to the reducer. Every producer, whether detector, timer,
// socket reader or submission result, speaks through events.
type Event interface{ isEvent() }

// PreflightPassed carries the device checks from the preflight screen.
type PreflightPassed struct {
	Camera  bool
	Mic     bool
	Network bool
}

// FullscreenChanged is the platform fullscreen-change signal.
type FullscreenChanged struct{ Active bool }

// VisibilityChanged is the page-visibility signal.
type VisibilityChanged struct{ Hidden bool }

// ViolationReported is a debounced detector event.
type ViolationReported struct{ Reason string }

// TimerExpired fires when the exam deadline passes.
type TimerExpired struct{}

// FinishConfirmed is the candidate's manual finish.
type FinishConfirmed struct{}

// AnswerRecorded sets or, with an empty Value, clears an answer.
type AnswerRecorded struct {
	QuestionID string
	Value      string
}

// JustificationRecorded sets the written justification of a question.
type JustificationRecorded struct {
	QuestionID string
	Text       string
}

// Navigate moves to a question index; out-of-range values are clamped.
type Navigate struct{ Index int }

// ExistingSubmission is the answer to a CheckExisting effect.
type ExistingSubmission struct {
	Exists bool
	Err    error
}

// SubmitSucceeded and SubmitFailed are the answer to a Submit effect.
type SubmitSucceeded struct{ Ack *submission.Ack }

type SubmitFailed struct{ Err error }

func (PreflightPassed) isEvent()       {}
func (FullscreenChanged) isEvent()     {}
func (VisibilityChanged) isEvent()     {}
func (ViolationReported) isEvent()     {}
func (TimerExpired) isEvent()          {}
func (FinishConfirmed) isEvent()       {}
func (AnswerRecorded) isEvent()        {}
func (JustificationRecorded) isEvent() {}
func (Navigate) isEvent()              {}
func (ExistingSubmission) isEvent()    {}
func (SubmitSucceeded) isEvent()       {}
func (SubmitFailed) isEvent()          {}

// Effect is work the reducer asks the runner to do. The reducer never
// performs I/O itself.
type Effect interface{ isEffect() }

// CheckExisting asks whether a result is already stored for the candidate.
type CheckExisting struct{}

// StartTimer arms the exam deadline timer.
type StartTimer struct{}

// StopTimer disarms it.
type StopTimer struct{}

// Submit starts the single submission attempt. Request holds a copy of the
// session data at the moment submission began. A non-zero Delay postpones the
// call; forced submissions use it when they are retried.
type Submit struct {
	Request submission.Request
	Delay   time.Duration
}

// ViolationCounted is emitted for every increment of the authoritative count.
type ViolationCounted struct{ Event model.ViolationEvent }

// PersistAnswer mirrors an answer change to autosave storage.
type PersistAnswer struct {
	QuestionID string
	Value      string
}

// PersistJustification mirrors a justification change to autosave storage.
type PersistJustification struct {
	QuestionID string
	Text       string
}

// NotifyState pushes a fresh snapshot to the candidate.
type NotifyState struct{}

// NotifyWarning shows a violation warning; the runner applies the cooldown.
type NotifyWarning struct {
	Event model.ViolationEvent
	Max   int
}

// NotifyError surfaces an actionable error to the candidate.
type NotifyError struct{ Err error }

// NotifySubmitted delivers the final result.
type NotifySubmitted struct{ Ack *submission.Ack }

func (CheckExisting) isEffect()        {}
func (StartTimer) isEffect()           {}
func (StopTimer) isEffect()            {}
func (Submit) isEffect()               {}
func (ViolationCounted) isEffect()     {}
func (PersistAnswer) isEffect()        {}
func (PersistJustification) isEffect() {}
func (NotifyState) isEffect()          {}
func (NotifyWarning) isEffect()        {}
func (NotifyError) isEffect()          {}
func (NotifySubmitted) isEffect()      {}
