package websocket

import (
	"encoding/json"

	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/submission"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionPreflight  Action = "preflight"
	ActionFullscreen Action = "fullscreen"
	ActionVisibility Action = "visibility"
	ActionFrame      Action = "frame"
	ActionAudio      Action = "audio"
	ActionIntercept  Action = "intercept"
	ActionAnswer     Action = "answer"
	ActionJustify    Action = "justify"
	ActionNavigate   Action = "navigate"
	ActionFinish     Action = "finish"
	ActionState      Action = "state"
	ActionPing       Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// PreflightRequest reports the outcome of the browser's device check.
type PreflightRequest struct {
	Camera  bool `json:"camera"`
	Mic     bool `json:"mic"`
	Network bool `json:"network"`
}

// FullscreenRequest reports a fullscreen change.
type FullscreenRequest struct {
	Active bool `json:"active"`
}

// VisibilityRequest reports the page becoming hidden or visible.
type VisibilityRequest struct {
	Hidden bool `json:"hidden"`
}

// FrameRequest carries the landmark set the browser computed for one video
// frame. A null or missing landmarks value means no face was found.
type FrameRequest struct {
	Seq       uint64          `json:"seq"`
	Landmarks json.RawMessage `json:"landmarks"`
}

// AudioRequest carries one analyser frame of frequency magnitudes.
type AudioRequest struct {
	Bins []int `json:"bins" binding:"required,max=4096,dive,min=0,max=255"`
}

// InterceptRequest reports a blocked shortcut, clipboard or context-menu use.
type InterceptRequest struct {
	Kind string `json:"kind" binding:"required,max=64"`
}

// AnswerRequest records or clears one answer.
type AnswerRequest struct {
	QID   string `json:"q_id" binding:"required,uuid"`
	Value string `json:"value" binding:"max=10000"`
}

// JustifyRequest records a justification for one answer.
type JustifyRequest struct {
	QID  string `json:"q_id" binding:"required,uuid"`
	Text string `json:"text" binding:"max=10000"`
}

// NavigateRequest moves to a question index.
type NavigateRequest struct {
	Index int `json:"index"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventSession   Event = "session"
	EventState     Event = "state"
	EventWarning   Event = "warning"
	EventError     Event = "error"
	EventSubmitted Event = "submitted"
	EventAck       Event = "ack"
	EventPong      Event = "pong"
)

// SessionResponse is sent once after connecting: the paper and the state.
type SessionResponse struct {
	Event Event            `json:"event"`
	Paper model.ExamPaper  `json:"paper"`
	State session.Snapshot `json:"state"`
}

// StateResponse carries a session snapshot.
type StateResponse struct {
	Event Event            `json:"event"`
	State session.Snapshot `json:"state"`
}

// WarningResponse tells the candidate a violation was counted.
type WarningResponse struct {
	Event    Event            `json:"event"`
	Code     response.ErrCode `json:"code"`
	Reason   string           `json:"reason"`
	Severity int              `json:"severity"`
	Count    int              `json:"count"`
	Max      int              `json:"max"`
}

// SubmittedResponse carries the stored result.
type SubmittedResponse struct {
	Event  Event           `json:"event"`
	Result *submission.Ack `json:"result"`
}

// AckResponse confirms an action that has no other visible effect.
type AckResponse struct {
	Event  Event  `json:"event"`
	Action Action `json:"action"`
}

type ErrorResponse struct {
	Event   Event            `json:"event"`
	Code    response.ErrCode `json:"code"`
	Message string           `json:"message"`
	Fatal   bool             `json:"fatal,omitempty"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
