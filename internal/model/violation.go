package model

import "time"

// Violation reasons reported by detectors and platform signals.
const (
	ReasonNoFace         = "face not detected"
	ReasonLookingAway    = "looking sideways too long"
	ReasonTalking        = "lip movement detected"
	ReasonLoudAudio      = "sustained loud audio"
	ReasonFullscreenExit = "fullscreen exited"
	ReasonTabSwitch      = "tab switched"
)

// severity weights only affect how the client renders a warning.
var severity = map[string]int{
	ReasonNoFace:         3,
	ReasonLookingAway:    2,
	ReasonTalking:        2,
	ReasonLoudAudio:      1,
	ReasonFullscreenExit: 3,
	ReasonTabSwitch:      3,
}

// ViolationEvent is a single counted violation, used for feedback and the audit log.
type ViolationEvent struct {
	Reason     string    `json:"reason"`
	Severity   int       `json:"severity"`
	Count      int       `json:"count"`
	RecordedAt time.Time `json:"recorded_at"`
}

// NewViolationEvent builds an event for reason with its severity weight.
func NewViolationEvent(reason string, count int, at time.Time) ViolationEvent {
	w, ok := severity[reason]
	if !ok {
		w = 1
	}
	return ViolationEvent{Reason: reason, Severity: w, Count: count, RecordedAt: at}
}
