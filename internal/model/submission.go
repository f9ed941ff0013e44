package model

import (
	"time"

	"github.com/google/uuid"
)

// Submission is the durable record of a finished session. At most one exists
// per (ExamID, CandidateKey).
type Submission struct {
	ID             uuid.UUID         `json:"id"`
	ExamID         uuid.UUID         `json:"exam_id"`
	CandidateKey   string            `json:"candidate_key"`
	Score          int               `json:"score"`
	MaxScore       int               `json:"max_score"`
	Violations     int               `json:"violations"`
	SectionScores  map[string]int    `json:"section_scores"`
	Justifications map[string]string `json:"justifications"`
	IsTimeout      bool              `json:"is_timeout"`
	SubmittedAt    time.Time         `json:"submitted_at"`
}
