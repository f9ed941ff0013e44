package model

import (
	"time"

	"github.com/google/uuid"
)

// Exam is everything the runtime needs to host a session: the question pool,
// the sampling blueprint, proctoring flags and the timing window.
type Exam struct {
	ID              uuid.UUID          `json:"id"`
	Title           string             `json:"title"`
	DurationMinutes int                `json:"duration_minutes"`
	StartsAt        *time.Time         `json:"starts_at,omitempty"`
	EndsAt          *time.Time         `json:"ends_at,omitempty"`
	Questions       []Question         `json:"questions"`
	Blueprint       []SectionBlueprint `json:"blueprint,omitempty"`

	// RequireProctoring makes camera and microphone mandatory at preflight.
	RequireProctoring bool `json:"require_proctoring"`
	// RequireLockedBrowser turns on the access gate.
	RequireLockedBrowser bool `json:"require_locked_browser"`
	// BrowserKey is the per-exam secret mixed into the access-gate hash.
	BrowserKey string `json:"browser_key,omitempty"`
}

// Duration returns the configured exam duration.
func (e *Exam) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

// Deadline returns when a session started at start must end: start plus the
// duration, capped by the exam window end when one is set.
func (e *Exam) Deadline(start time.Time) time.Time {
	deadline := start.Add(e.Duration())
	if e.EndsAt != nil && e.EndsAt.Before(deadline) {
		return *e.EndsAt
	}
	return deadline
}

// IsOpen reports whether now falls inside the exam window.
func (e *Exam) IsOpen(now time.Time) bool {
	if e.StartsAt != nil && now.Before(*e.StartsAt) {
		return false
	}
	if e.EndsAt != nil && !now.Before(*e.EndsAt) {
		return false
	}
	return true
}

// ExamPaper is the candidate-facing view of a session's sampled questions.
type ExamPaper struct {
	ExamID          uuid.UUID              `json:"exam_id"`
	Title           string                 `json:"title"`
	DurationMinutes int                    `json:"duration_minutes"`
	Questions       []QuestionForCandidate `json:"questions"`
}
