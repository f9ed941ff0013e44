package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/accessgate"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) response.ErrCode {
	t.Helper()
	var body response.Response
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v (%s)", err, w.Body.String())
	}
	if body.Error == nil {
		return ""
	}
	return body.Error.Code
}

func TestRateLimiterAllow(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		if ok, _ := rl.Allow("1.2.3.4"); !ok {
			t.Fatalf("request %d rejected", i)
		}
	}
	ok, retry := rl.Allow("1.2.3.4")
	if ok {
		t.Fatal("third request within the interval allowed")
	}
	if retry <= 0 || retry > time.Minute {
		t.Errorf("retryAfter = %v", retry)
	}
	if ok, _ := rl.Allow("5.6.7.8"); !ok {
		t.Fatal("other clients must not share the bucket")
	}

	now = now.Add(time.Minute)
	if ok, _ := rl.Allow("1.2.3.4"); !ok {
		t.Fatal("bucket did not refill")
	}
}

func TestRateLimiterMiddleware(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	r := gin.New()
	r.GET("/gate", rl.Middleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/gate", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("first request = %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/gate", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
	if code := errorCode(t, w); code != response.ErrRateLimitExceeded {
		t.Errorf("code = %s", code)
	}
}

func TestBrotli(t *testing.T) {
	large := strings.Repeat("answer sheet ", 500)
	r := gin.New()
	r.Use(Brotli())
	r.GET("/large", func(c *gin.Context) { c.String(http.StatusOK, large) })
	r.GET("/small", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	tests := []struct {
		name       string
		path       string
		accept     string
		compressed bool
		want       string
	}{
		{"large compressed", "/large", "gzip, br", true, large},
		{"small passthrough", "/small", "br", false, "ok"},
		{"not accepted", "/large", "gzip", false, large},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Header.Set("Accept-Encoding", tt.accept)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			gotEncoded := w.Header().Get("Content-Encoding") == "br"
			if gotEncoded != tt.compressed {
				t.Fatalf("Content-Encoding br = %v, want %v", gotEncoded, tt.compressed)
			}

			var body []byte
			if gotEncoded {
				var err error
				body, err = io.ReadAll(brotli.NewReader(bytes.NewReader(w.Body.Bytes())))
				if err != nil {
					t.Fatalf("decode: %v", err)
				}
			} else {
				body = w.Body.Bytes()
			}
			if string(body) != tt.want {
				t.Fatalf("body mismatch: got %d bytes, want %d", len(body), len(tt.want))
			}
		})
	}
}

type fakeLookup struct{ exam *model.Exam }

func (f fakeLookup) GetExam(_ context.Context, id uuid.UUID) (*model.Exam, error) {
	if f.exam == nil || f.exam.ID != id {
		return nil, repository.ErrExamNotFound
	}
	return f.exam, nil
}

func TestRequireLockedBrowser(t *testing.T) {
	exam := &model.Exam{ID: uuid.New(), RequireLockedBrowser: true, BrowserKey: "k3y"}
	r := gin.New()
	r.GET("/exams/:exam_id/paper", RequireLockedBrowser(fakeLookup{exam}), func(c *gin.Context) {
		if GetGateProof(c).Header == "" {
			t.Error("gate proof not captured")
		}
		c.Status(http.StatusOK)
	})

	target := "http://exam.local/exams/" + exam.ID.String() + "/paper"
	good := accessgate.ExpectedHash(target, exam.BrowserKey)

	tests := []struct {
		name   string
		url    string
		header string
		status int
	}{
		{"valid hash", target, good, http.StatusOK},
		{"wrong hash", target, strings.Repeat("0", 64), http.StatusForbidden},
		{"missing hash", target, "", http.StatusForbidden},
		{"unknown exam", "http://exam.local/exams/" + uuid.NewString() + "/paper", good, http.StatusNotFound},
		{"bad id", "http://exam.local/exams/nope/paper", good, http.StatusBadRequest},
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
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.status, w.Body.String())
			}
		})
	}
}

func TestRequireCandidateJWT(t *testing.T) {
	auth := service.NewAuthService(&config.Config{JWTSecret: "test-secret", JWTExpiry: time.Hour})
	examID := uuid.New()
	otherExam := uuid.New()

	candidate, _ := auth.GenerateCandidateToken("cand-1", &examID)
	unscoped, _ := auth.GenerateCandidateToken("cand-1", nil)
	proctor, _ := auth.GenerateProctorToken("p-1", nil)

	r := gin.New()
	r.GET("/exams/:exam_id", RequireCandidateJWT(auth), func(c *gin.Context) {
		c.String(http.StatusOK, GetClaims(c).CandidateKey)
	})

	tests := []struct {
		name   string
		exam   uuid.UUID
		header string
		query  string
		status int
		code   response.ErrCode
	}{
		{"bearer", examID, "Bearer " + candidate, "", http.StatusOK, ""},
		{"query token", examID, "", candidate, http.StatusOK, ""},
		{"unscoped token", otherExam, "Bearer " + unscoped, "", http.StatusOK, ""},
		{"no token", examID, "", "", http.StatusUnauthorized, response.ErrTokenRequired},
		{"garbage", examID, "Bearer nope", "", http.StatusUnauthorized, response.ErrTokenInvalid},
		{"proctor token", examID, "Bearer " + proctor, "", http.StatusForbidden, response.ErrCandidateAccessOnly},
		{"other exam", otherExam, "Bearer " + candidate, "", http.StatusForbidden, response.ErrForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/exams/" + tt.exam.String()
			if tt.query != "" {
				target += "?token=" + tt.query
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			if w.Code != tt.status {
				t.Fatalf("status = %d, want %d", w.Code, tt.status)
			}
			if tt.status == http.StatusOK {
				if w.Body.String() != "cand-1" {
					t.Errorf("claims not exposed: %q", w.Body.String())
				}
				return
			}
			if code := errorCode(t, w); code != tt.code {
				t.Errorf("code = %s, want %s", code, tt.code)
			}
		})
	}
}
