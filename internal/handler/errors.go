package handler

import (
	"errors"
	"net/http"

	"github.com/stemsi/exstem-proctor/internal/accessgate"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/sampler"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/submission"
)

type errMapping struct {
	err    error
	status int
	code   response.ErrCode
}

// errTable maps domain errors to API codes. Order matters: the first match wins.
var errTable = []errMapping{
	{repository.ErrExamNotFound, http.StatusNotFound, response.ErrNotFound},
	{repository.ErrSubmissionNotFound, http.StatusNotFound, response.ErrNotFound},
	{service.ErrExamClosed, http.StatusConflict, response.ErrExamNotAvailable},
	{sampler.ErrEmptySample, http.StatusUnprocessableEntity, response.ErrNoQuestions},
	{accessgate.ErrRejected, http.StatusForbidden, response.ErrAccessGateRejected},
	{submission.ErrAccessGateRejected, http.StatusForbidden, response.ErrAccessGateRejected},
	{submission.ErrAlreadySubmitted, http.StatusConflict, response.ErrSubmissionConflict},
	{session.ErrAlreadySubmitted, http.StatusConflict, response.ErrSubmissionConflict},
	{submission.ErrTransport, http.StatusServiceUnavailable, response.ErrSubmissionTransport},
	{submission.ErrInFlight, http.StatusConflict, response.ErrSubmitInFlight},
	{session.ErrSubmitInFlight, http.StatusConflict, response.ErrSubmitInFlight},
	{session.ErrPermissionDenied, http.StatusForbidden, response.ErrPermissionDenied},
	{session.ErrNetworkUnavailable, http.StatusBadRequest, response.ErrNetworkUnavailable},
	{session.ErrFullscreenRequired, http.StatusConflict, response.ErrFullscreenRequired},
	{session.ErrTimeUp, http.StatusConflict, response.ErrTimeUp},
	{session.ErrCheckFailed, http.StatusServiceUnavailable, response.ErrCheckFailed},
	{session.ErrUnknownQuestion, http.StatusBadRequest, response.ErrValidation},
	{session.ErrInvalidAnswer, http.StatusBadRequest, response.ErrValidation},
	{session.ErrWrongState, http.StatusConflict, response.ErrSessionState},
	{session.ErrNotInProgress, http.StatusConflict, response.ErrSessionState},
	{session.ErrClosed, http.StatusGone, response.ErrSessionState},
	{proctor.ErrSignalUnavailable, http.StatusServiceUnavailable, response.ErrSignalUnavailable},
}

// classify returns the HTTP status and error code for err.
func classify(err error) (int, response.ErrCode) {
	for _, m := range errTable {
		if errors.Is(err, m.err) {
			return m.status, m.code
		}
	}
	return http.StatusInternalServerError, response.ErrInternal
}

// errorMessage prefers the code's text; validation errors keep their detail
// since it names the offending field or value.
func errorMessage(err error, code response.ErrCode) string {
	if code == response.ErrValidation {
		return err.Error()
	}
	return response.GetMessage(code)
}

// isTerminal reports whether the session can never continue after err.
func isTerminal(code response.ErrCode) bool {
	switch code {
	case response.ErrSubmissionConflict, response.ErrAccessGateRejected,
		response.ErrNotFound, response.ErrExamNotAvailable, response.ErrNoQuestions:
		return true
	}
	return false
}
