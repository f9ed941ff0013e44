package model

import (
	"github.com/google/uuid"
)

// DefaultSection is the section a question belongs to when none is set.
const DefaultSection = "General"

// QuestionKind enumerates how a question is answered and graded.
type QuestionKind string

const (
	QuestionKindSingleChoice QuestionKind = "SINGLE_CHOICE"
	QuestionKindMultiChoice  QuestionKind = "MULTI_CHOICE"
	QuestionKindFreeText     QuestionKind = "FREE_TEXT"
)

// Option is one index-addressed choice of a question.
type Option struct {
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Question is immutable once fetched for a session.
//
// CorrectAnswer encodes the expected answer by kind: a single index ("1"),
// sorted comma-joined indices ("0,2"), or literal text.
type Question struct {
	ID                   uuid.UUID    `json:"id"`
	Kind                 QuestionKind `json:"kind"`
	Prompt               string       `json:"prompt"`
	ImageURL             string       `json:"image_url,omitempty"`
	Options              []Option     `json:"options"`
	CorrectAnswer        string       `json:"correct_answer"`
	Section              string       `json:"section"`
	Marks                int          `json:"marks"`
	RequireJustification bool         `json:"require_justification"`
}

// SectionName returns the question's section, falling back to DefaultSection.
func (q *Question) SectionName() string {
	if q.Section == "" {
		return DefaultSection
	}
	return q.Section
}

// QuestionForCandidate is a question without the correct answer, sent to candidates.
type QuestionForCandidate struct {
	ID                   uuid.UUID    `json:"id"`
	Kind                 QuestionKind `json:"kind"`
	Prompt               string       `json:"prompt"`
	ImageURL             string       `json:"image_url,omitempty"`
	Options              []Option     `json:"options"`
	Section              string       `json:"section"`
	Marks                int          `json:"marks"`
	RequireJustification bool         `json:"require_justification"`
}

// ForCandidate strips the answer key.
func (q *Question) ForCandidate() QuestionForCandidate {
	return QuestionForCandidate{
		ID:                   q.ID,
		Kind:                 q.Kind,
		Prompt:               q.Prompt,
		ImageURL:             q.ImageURL,
		Options:              q.Options,
		Section:              q.SectionName(),
		Marks:                q.Marks,
		RequireJustification: q.RequireJustification,
	}
}

// SectionBlueprint says how many questions to sample from one section's pool.
type SectionBlueprint struct {
	Section   string `json:"section"`
	PickCount int    `json:"pick_count"`
}
