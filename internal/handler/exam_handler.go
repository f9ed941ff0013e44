package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/accessgate"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
)

// PaperSource returns a candidate's sampled paper.
type PaperSource interface {
	Paper(ctx context.Context, examID uuid.UUID, candidateKey string) (*model.ExamPaper, error)
}

// ResultReader returns stored submissions.
type ResultReader interface {
	Get(ctx context.Context, examID uuid.UUID, candidateKey string) (*model.Submission, error)
}

// ExamHandler serves the candidate-facing HTTP endpoints around a session.
type ExamHandler struct {
	exams   middleware.ExamLookup
	papers  PaperSource
	results ResultReader
	log     zerolog.Logger
}

// NewExamHandler creates a new ExamHandler.
func NewExamHandler(exams middleware.ExamLookup, papers PaperSource, results ResultReader, log zerolog.Logger) *ExamHandler {
	return &ExamHandler{
		exams:   exams,
		papers:  papers,
		results: results,
		log:     log.With().Str("component", "exam_handler").Logger(),
	}
}

// gateResponse is the verdict of VerifyAccessGate.
type gateResponse struct {
	Required        bool `json:"required"`
	Verified        bool `json:"verified"`
	LockedBrowserUA bool `json:"locked_browser_ua"`
}

// VerifyAccessGate godoc
// GET /api/v1/exams/:exam_id/gate
// Tells the client whether this request would pass the locked-browser gate.
// The user agent hint is informational only.
func (h *ExamHandler) VerifyAccessGate(c *gin.Context) {
	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	exam, err := h.exams.GetExam(c.Request.Context(), examID)
	if err != nil {
		h.fail(c, err)
		return
	}

	verified := true
	if exam.RequireLockedBrowser {
		verified = accessgate.Check(true, exam.BrowserKey, accessgate.ProofFromRequest(c.Request)) == nil
	}

	response.Success(c, http.StatusOK, gateResponse{
		Required:        exam.RequireLockedBrowser,
		Verified:        verified,
		LockedBrowserUA: accessgate.LooksLikeLockedBrowser(c.Request.UserAgent()),
	})
}

// GetPaper godoc
// GET /api/v1/exams/:exam_id/paper
// Returns the candidate's sampled questions without answer keys. Reconnects
// get the same paper.
func (h *ExamHandler) GetPaper(c *gin.Context) {
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

	paper, err := h.papers.Paper(c.Request.Context(), examID, claims.CandidateKey)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, paper)
}

// GetResult godoc
// GET /api/v1/exams/:exam_id/result
// Returns the candidate's stored result.
func (h *ExamHandler) GetResult(c *gin.Context) {
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

	sub, err := h.results.Get(c.Request.Context(), examID, claims.CandidateKey)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, http.StatusOK, sub)
}

func (h *ExamHandler) fail(c *gin.Context, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	response.FailWithMessage(c, status, code, errorMessage(err, code))
}
