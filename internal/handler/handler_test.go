package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/accessgate"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/submission"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeExams map[uuid.UUID]*model.Exam

func (f fakeExams) GetExam(_ context.Context, id uuid.UUID) (*model.Exam, error) {
	if e, ok := f[id]; ok {
		return e, nil
	}
	return nil, repository.ErrExamNotFound
}

type fakePapers struct{ err error }

func (f fakePapers) Paper(_ context.Context, examID uuid.UUID, _ string) (*model.ExamPaper, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &model.ExamPaper{ExamID: examID, Title: "Physics"}, nil
}

type fakeResults map[string]*model.Submission

func (f fakeResults) Get(_ context.Context, examID uuid.UUID, candidateKey string) (*model.Submission, error) {
	if s, ok := f[examID.String()+"|"+candidateKey]; ok {
		return s, nil
	}
	return nil, repository.ErrSubmissionNotFound
}

func withClaims(candidateKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextKeyClaims, &service.Claims{TokenType: service.TokenTypeCandidate, CandidateKey: candidateKey})
		c.Next()
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder, data interface{}) *response.ErrorBody {
	t.Helper()
	var body struct {
		Data  json.RawMessage     `json:"data"`
		Error *response.ErrorBody `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v (%s)", err, w.Body.String())
	}
	if data != nil && len(body.Data) > 0 {
		json.Unmarshal(body.Data, data)
	}
	return body.Error
}

func TestVerifyAccessGate(t *testing.T) {
	open := &model.Exam{ID: uuid.New()}
	locked := &model.Exam{ID: uuid.New(), RequireLockedBrowser: true, BrowserKey: "k"}
	h := NewExamHandler(fakeExams{open.ID: open, locked.ID: locked}, fakePapers{}, fakeResults{}, zerolog.Nop())

	r := gin.New()
	r.GET("/api/v1/exams/:exam_id/gate", h.VerifyAccessGate)

	lockedURL := "http://exam.local/api/v1/exams/" + locked.ID.String() + "/gate"
	tests := []struct {
		name         string
		url          string
		header       string
		status       int
		wantRequired bool
		wantVerified bool
	}{
		{"not required", "http://exam.local/api/v1/exams/" + open.ID.String() + "/gate", "", http.StatusOK, false, true},
		{"required valid", lockedURL, accessgate.ExpectedHash(lockedURL, "k"), http.StatusOK, true, true},
		{"required invalid", lockedURL, "deadbeef", http.StatusOK, true, false},
		{"unknown exam", "http://exam.local/api/v1/exams/" + uuid.NewString() + "/gate", "", http.StatusNotFound, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			if tt.header != "" {
				req.Header.Set(accessgate.HeaderConfigKeyHash, tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if tt.status != http.StatusOK {
				return
			}
			var verdict gateResponse
			decode(t, w, &verdict)
			if verdict.Required != tt.wantRequired || verdict.Verified != tt.wantVerified {
				t.Fatalf("verdict = %+v", verdict)
			}
		})
	}
}

func TestGetPaperMapsErrors(t *testing.T) {
	examID := uuid.New()
	tests := []struct {
		name   string
		err    error
		status int
		code   response.ErrCode
	}{
		{"ok", nil, http.StatusOK, ""},
		{"closed", service.ErrExamClosed, http.StatusConflict, response.ErrExamNotAvailable},
		{"wrapped not found", fmt.Errorf("load: %w", repository.ErrExamNotFound), http.StatusNotFound, response.ErrNotFound},
		{"unexpected", fmt.Errorf("boom"), http.StatusInternalServerError, response.ErrInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewExamHandler(fakeExams{}, fakePapers{err: tt.err}, fakeResults{}, zerolog.Nop())
			r := gin.New()
			r.GET("/exams/:exam_id/paper", withClaims("cand"), h.GetPaper)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/exams/"+examID.String()+"/paper", nil))
			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if errBody := decode(t, w, nil); tt.code != "" && (errBody == nil || errBody.Code != tt.code) {
				t.Fatalf("error = %+v, want %s", errBody, tt.code)
			}
		})
	}
}

func TestGetResult(t *testing.T) {
	examID := uuid.New()
	stored := &model.Submission{ExamID: examID, CandidateKey: "cand", Score: 4, MaxScore: 5}
	h := NewExamHandler(fakeExams{}, fakePapers{}, fakeResults{examID.String() + "|cand": stored}, zerolog.Nop())

	r := gin.New()
	r.GET("/exams/:exam_id/result", withClaims("cand"), h.GetResult)
	r.GET("/other/:exam_id/result", withClaims("someone-else"), h.GetResult)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/exams/"+examID.String()+"/result", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got model.Submission
	decode(t, w, &got)
	if got.Score != 4 || got.MaxScore != 5 {
		t.Fatalf("unexpected result %+v", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/other/"+examID.String()+"/result", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("other candidate status = %d, want 404", w.Code)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err      error
		code     response.ErrCode
		terminal bool
	}{
		{session.ErrAlreadySubmitted, response.ErrSubmissionConflict, true},
		{submission.ErrAlreadySubmitted, response.ErrSubmissionConflict, true},
		{submission.ErrAccessGateRejected, response.ErrAccessGateRejected, true},
		{fmt.Errorf("%w: redis", session.ErrCheckFailed), response.ErrCheckFailed, false},
		{submission.ErrTransport, response.ErrSubmissionTransport, false},
		{session.ErrFullscreenRequired, response.ErrFullscreenRequired, false},
		{session.ErrPermissionDenied, response.ErrPermissionDenied, false},
	}
	for _, tt := range tests {
		_, code := classify(tt.err)
		if code != tt.code {
			t.Errorf("classify(%v) = %s, want %s", tt.err, code, tt.code)
		}
		if isTerminal(code) != tt.terminal {
			t.Errorf("isTerminal(%s) = %v", code, !tt.terminal)
		}
	}
}
