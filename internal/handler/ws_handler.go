package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/submission"
	"github.com/stemsi/exstem-proctor/internal/validator"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const outboundQueueSize = 64

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler hosts live exam sessions over WebSocket.
type WSHandler struct {
	sessionService *service.SessionService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessionService *service.SessionService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessionService: sessionService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// ExamSessionStream godoc
// WS /ws/v1/exams/:exam_id/session
// Hosts the candidate's proctored session: device check, fullscreen and
// visibility signals, landmark and audio frames, answers and submission.
func (h *WSHandler) ExamSessionStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	notifier := &wsNotifier{}
	live, err := h.sessionService.Open(c.Request.Context(), service.OpenRequest{
		ExamID:       examID,
		CandidateKey: claims.CandidateKey,
		Gate:         middleware.GetGateProof(c),
		Notifier:     notifier,
	})
	if err != nil {
		status, code := classify(err)
		if status == http.StatusInternalServerError {
			h.log.Error().Err(err).Str("exam_id", examID.String()).Msg("Failed to open session")
		}
		response.Fail(c, status, code)
		return
	}
	defer h.sessionService.Release(live)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		live.Log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	ws.PrepareReader(conn)

	// The connection outlives the request context once hijacked.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	writer := ws.NewWriter(conn, outboundQueueSize, live.Log)
	notifier.bind(writer)
	go writer.Run(ctx)
	go live.Runner.Run(ctx)

	var monitor *proctor.Monitor
	if live.Exam.RequireProctoring {
		monitor = proctor.NewMonitor(proctor.MonitorConfig{
			Extractor: proctor.JSONExtractor{},
			Reporter:  live.Runner,
			OnDegraded: func(err error) {
				notifier.Error(err)
				h.sessionService.ReportDegraded(live)
			},
			OnRecovered: func() { h.sessionService.ReportRecovered(live) },
			Log:         live.Log,
		})
		go monitor.Run(ctx)
		defer monitor.Close()
	}

	// A newer connection for the same candidate closes this runner.
	go func() {
		select {
		case <-live.Runner.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	writer.Send(ws.SessionResponse{Event: ws.EventSession, Paper: live.Paper, State: live.Runner.Snapshot()})
	live.Log.Info().Int("questions", len(live.Paper.Questions)).Msg("Candidate connected")

	s := &wsSession{ctx: ctx, live: live, writer: writer, monitor: monitor, log: live.Log}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				live.Log.Warn().Err(err).Msg("Unexpected close")
			} else {
				live.Log.Debug().Msg("Connection closed")
			}
			break
		}
		if ctx.Err() != nil {
			break
		}
		s.dispatch(data)
	}

	if monitor != nil {
		live.Log.Info().Interface("signal", monitor.Stats()).Msg("Candidate disconnected")
	} else {
		live.Log.Info().Msg("Candidate disconnected")
	}
}

// wsSession handles the messages of one connection.
type wsSession struct {
	ctx     context.Context
	live    *service.LiveSession
	writer  *ws.Writer
	monitor *proctor.Monitor
	log     zerolog.Logger
}

func (s *wsSession) dispatch(data []byte) {
	var env ws.RequestEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.fail(response.ErrInvalidPayload, response.GetMessage(response.ErrInvalidPayload))
		return
	}

	switch env.Action {
	case ws.ActionPing:
		s.writer.Send(ws.PongResponse{Event: ws.EventPong})

	case ws.ActionState:
		s.writer.Send(ws.StateResponse{Event: ws.EventState, State: s.live.Runner.Snapshot()})

	case ws.ActionPreflight:
		var req ws.PreflightRequest
		if s.decode(data, &req) {
			s.send(session.PreflightPassed{Camera: req.Camera, Mic: req.Mic, Network: req.Network})
		}

	case ws.ActionFullscreen:
		var req ws.FullscreenRequest
		if s.decode(data, &req) {
			s.send(session.FullscreenChanged{Active: req.Active})
		}

	case ws.ActionVisibility:
		var req ws.VisibilityRequest
		if s.decode(data, &req) {
			s.send(session.VisibilityChanged{Hidden: req.Hidden})
		}

	case ws.ActionFrame:
		var req ws.FrameRequest
		if s.decode(data, &req) && s.monitor != nil {
			s.monitor.OfferFrame(proctor.Frame{Seq: req.Seq, Data: req.Landmarks})
		}

	case ws.ActionAudio:
		var req ws.AudioRequest
		if s.decode(data, &req) && s.monitor != nil {
			bins := make([]uint8, len(req.Bins))
			for i, v := range req.Bins {
				bins[i] = uint8(v)
			}
			s.monitor.OfferAudio(bins)
		}

	case ws.ActionIntercept:
		// Blocked shortcuts are audit noise, not violations.
		var req ws.InterceptRequest
		if s.decode(data, &req) {
			s.log.Info().Str("kind", req.Kind).Msg("Intercepted input")
			s.writer.Send(ws.AckResponse{Event: ws.EventAck, Action: ws.ActionIntercept})
		}

	case ws.ActionAnswer:
		var req ws.AnswerRequest
		if s.decode(data, &req) && s.send(session.AnswerRecorded{QuestionID: req.QID, Value: req.Value}) {
			s.writer.Send(ws.AckResponse{Event: ws.EventAck, Action: ws.ActionAnswer})
		}

	case ws.ActionJustify:
		var req ws.JustifyRequest
		if s.decode(data, &req) && s.send(session.JustificationRecorded{QuestionID: req.QID, Text: req.Text}) {
			s.writer.Send(ws.AckResponse{Event: ws.EventAck, Action: ws.ActionJustify})
		}

	case ws.ActionNavigate:
		var req ws.NavigateRequest
		if s.decode(data, &req) {
			s.send(session.Navigate{Index: req.Index})
		}

	case ws.ActionFinish:
		s.send(session.FinishConfirmed{})

	default:
		s.log.Warn().Str("action", string(env.Action)).Msg("Unknown action")
		s.fail(response.ErrUnknownAction, "unknown action: "+string(env.Action))
	}
}

func (s *wsSession) decode(data []byte, dst interface{}) bool {
	if err := json.Unmarshal(data, dst); err != nil {
		s.fail(response.ErrInvalidPayload, response.GetMessage(response.ErrInvalidPayload))
		return false
	}
	if fields := validator.Struct(dst); fields != nil {
		s.fail(response.ErrValidation, validator.First(fields))
		return false
	}
	return true
}

// send applies ev and reports a rejection to the candidate.
func (s *wsSession) send(ev session.Event) bool {
	if err := s.live.Runner.Send(s.ctx, ev); err != nil {
		_, code := classify(err)
		s.fail(code, errorMessage(err, code))
		return false
	}
	return true
}

func (s *wsSession) fail(code response.ErrCode, message string) {
	s.writer.Send(ws.ErrorResponse{Event: ws.EventError, Code: code, Message: message})
}

// wsNotifier turns session output into websocket events. It is bound to the
// writer after the upgrade, before the runner starts.
type wsNotifier struct {
	writer *ws.Writer
}

func (n *wsNotifier) bind(w *ws.Writer) { n.writer = w }

func (n *wsNotifier) State(s session.Snapshot) {
	n.writer.Send(ws.StateResponse{Event: ws.EventState, State: s})
}

func (n *wsNotifier) Warning(ev model.ViolationEvent, max int) {
	n.writer.Send(ws.WarningResponse{
		Event:    ws.EventWarning,
		Code:     response.ErrIntegrityViolation,
		Reason:   ev.Reason,
		Severity: ev.Severity,
		Count:    ev.Count,
		Max:      max,
	})
}

func (n *wsNotifier) Error(err error) {
	_, code := classify(err)
	n.writer.Send(ws.ErrorResponse{
		Event:   ws.EventError,
		Code:    code,
		Message: errorMessage(err, code),
		Fatal:   isTerminal(code),
	})
}

func (n *wsNotifier) Submitted(ack *submission.Ack) {
	n.writer.Send(ws.SubmittedResponse{Event: ws.EventSubmitted, Result: ack})
}
