package accessgate

import (
	"crypto/tls"
	"net/http/httptest"
	"strings"
	"testing"
)

const (
	testURL = "https://exam.example.com/exam/42"
	testKey = "s3cret"
)

func TestExpectedHashKnownVector(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := ExpectedHash("ab", "c"); got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestVerify(t *testing.T) {
	good := ExpectedHash(testURL, testKey)

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{"exact", good, true},
		{"upper case", strings.ToUpper(good), true},
		{"surrounding space", "  " + good + " ", true},
		{"empty", "", false},
		{"different url", ExpectedHash(testURL+"/x", testKey), false},
		{"different key", ExpectedHash(testURL, testKey+"!"), false},
		{"truncated", good[:len(good)-1], false},
		{"garbage", "not-a-hash", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(testURL, testKey, tt.header); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheck(t *testing.T) {
	if err := Check(false, testKey, Proof{}); err != nil {
		t.Fatalf("gate not required, got %v", err)
	}
	if err := Check(true, testKey, Proof{URL: testURL}); err != ErrRejected {
		t.Fatalf("missing header, got %v", err)
	}
	if err := Check(true, testKey, Proof{URL: testURL, Header: ExpectedHash(testURL, testKey)}); err != nil {
		t.Fatalf("valid proof, got %v", err)
	}
}

func TestRequestURL(t *testing.T) {
	r := httptest.NewRequest("GET", "http://exam.example.com/api/v1/exams/1/gate?x=1", nil)
	if got := RequestURL(r); got != "http://exam.example.com/api/v1/exams/1/gate?x=1" {
		t.Errorf("plain: got %s", got)
	}

	r.TLS = &tls.ConnectionState{}
	if got := RequestURL(r); !strings.HasPrefix(got, "https://") {
		t.Errorf("tls: got %s", got)
	}

	r = httptest.NewRequest("GET", "http://internal:8080/ws/v1/exams/1/stream", nil)
	r.Header.Set("X-Forwarded-Proto", "https")
	r.Header.Set("X-Forwarded-Host", "exam.example.com")
	r.Header.Set("Upgrade", "websocket")
	if got := RequestURL(r); got != "wss://exam.example.com/ws/v1/exams/1/stream" {
		t.Errorf("proxied websocket: got %s", got)
	}
}

func TestProofFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "http://exam.example.com/a", nil)
	r.Header.Set(HeaderConfigKeyHash, "abc")
	p := ProofFromRequest(r)
	if p.URL != "http://exam.example.com/a" || p.Header != "abc" {
		t.Fatalf("unexpected proof %+v", p)
	}
}

func TestLooksLikeLockedBrowser(t *testing.T) {
	if !LooksLikeLockedBrowser("Mozilla/5.0 SEB/3.4") {
		t.Error("expected SEB user agent to match")
	}
	if LooksLikeLockedBrowser("Mozilla/5.0 Chrome/120") {
		t.Error("expected plain browser not to match")
	}
}
