package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // a slow query must not stall the SSE loop
)

// LiveMonitor is what the proctor stream reads from.
type LiveMonitor interface {
	Subscribe(ctx context.Context, examID uuid.UUID) *redis.PubSub
	GetProgress(ctx context.Context, examID uuid.UUID) (*service.ProgressSnapshot, error)
}

// MonitorHandler streams live session events to proctors.
type MonitorHandler struct {
	exams   middleware.ExamLookup
	monitor LiveMonitor
	log     zerolog.Logger
}

func NewMonitorHandler(exams middleware.ExamLookup, monitor LiveMonitor, log zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{
		exams:   exams,
		monitor: monitor,
		log:     log.With().Str("component", "monitor_handler").Logger(),
	}
}

type monitorExam struct {
	ID                string `json:"id"`
	Title             string `json:"title"`
	DurationMinutes   int    `json:"duration_minutes"`
	RequireProctoring bool   `json:"require_proctoring"`
}

type monitorSnapshot struct {
	Type     string                    `json:"type"`
	Exam     monitorExam               `json:"exam"`
	Progress *service.ProgressSnapshot `json:"progress"`
}

type monitorRefresh struct {
	Type     string                    `json:"type"`
	Progress *service.ProgressSnapshot `json:"progress"`
}

// MonitorExamSSE godoc
// GET /api/v1/proctor/exams/:exam_id/monitor
// Sends a progress snapshot, then forwards every live event and refreshes the
// counts periodically while candidates are active.
func (h *MonitorHandler) MonitorExamSSE(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	reqCtx := c.Request.Context()
	exam, err := h.exams.GetExam(reqCtx, examID)
	if err != nil {
		status, code := classify(err)
		response.Fail(c, status, code)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	// Subscribe before the snapshot so nothing published in between is lost.
	pubsub := h.monitor.Subscribe(reqCtx, examID)
	defer pubsub.Close()
	ch := pubsub.Channel()

	snap := monitorSnapshot{
		Type: "snapshot",
		Exam: monitorExam{
			ID:                exam.ID.String(),
			Title:             exam.Title,
			DurationMinutes:   exam.DurationMinutes,
			RequireProctoring: exam.RequireProctoring,
		},
		Progress: h.progress(reqCtx, examID),
	}
	writeSSE(c, snap)

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()
	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	// Skip refresh queries until some candidate has shown up.
	active := snap.Progress != nil && len(snap.Progress.Candidates) > 0

	log := h.log.With().Str("exam_id", examID.String()).Logger()
	log.Info().Msg("Proctor attached to live monitor")

	pingPayload, _ := json.Marshal(map[string]string{"type": "ping"})

	for {
		select {
		case <-reqCtx.Done():
			log.Info().Msg("Proctor detached from live monitor")
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			// Events are already JSON; forward them as-is.
			writeRawSSE(c, []byte(msg.Payload))
			active = true

		case <-refreshTicker.C:
			if !active {
				continue
			}
			if progress := h.progress(reqCtx, examID); progress != nil {
				writeSSE(c, monitorRefresh{Type: "refresh", Progress: progress})
			}

		case <-keepAliveTicker.C:
			writeRawSSE(c, pingPayload)
		}
	}
}

func (h *MonitorHandler) progress(parent context.Context, examID uuid.UUID) *service.ProgressSnapshot {
	ctx, cancel := context.WithTimeout(parent, refreshTimeout)
	defer cancel()

	progress, err := h.monitor.GetProgress(ctx, examID)
	if err != nil {
		h.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Failed to fetch progress")
		return nil
	}
	return progress
}

func writeSSE(c *gin.Context, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	writeRawSSE(c, data)
}

func writeRawSSE(c *gin.Context, data []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(data)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
