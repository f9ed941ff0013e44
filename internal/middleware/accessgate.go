package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/accessgate"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/response"
)

const (
	// ContextKeyExam holds the *model.Exam resolved by RequireLockedBrowser.
	ContextKeyExam = "exam"
	// ContextKeyGateProof holds the accessgate.Proof of the request.
	ContextKeyGateProof = "gate_proof"
)

// ExamLookup resolves the exam named in the route.
type ExamLookup interface {
	GetExam(ctx context.Context, examID uuid.UUID) (*model.Exam, error)
}

// RequireLockedBrowser rejects requests to locked-browser exams that do not
// carry a valid config key hash for the URL they requested.
func RequireLockedBrowser(lookup ExamLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		examID, err := uuid.Parse(c.Param("exam_id"))
		if err != nil {
			response.AbortFail(c, http.StatusBadRequest, response.ErrInvalidID)
			return
		}

		exam, err := lookup.GetExam(c.Request.Context(), examID)
		if err != nil {
			if errors.Is(err, repository.ErrExamNotFound) {
				response.AbortFail(c, http.StatusNotFound, response.ErrNotFound)
				return
			}
			response.AbortFail(c, http.StatusInternalServerError, response.ErrInternal)
			return
		}

		proof := accessgate.ProofFromRequest(c.Request)
		if err := accessgate.Check(exam.RequireLockedBrowser, exam.BrowserKey, proof); err != nil {
			response.AbortFail(c, http.StatusForbidden, response.ErrAccessGateRejected)
			return
		}

		c.Set(ContextKeyExam, exam)
		c.Set(ContextKeyGateProof, proof)
		c.Next()
	}
}

// GetGateProof returns the proof captured by RequireLockedBrowser.
func GetGateProof(c *gin.Context) accessgate.Proof {
	if v, ok := c.Get(ContextKeyGateProof); ok {
		if p, ok := v.(accessgate.Proof); ok {
			return p
		}
	}
	return accessgate.ProofFromRequest(c.Request)
}
