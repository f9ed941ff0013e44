package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// Common auth errors.
var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingCandidateID = errors.New("candidate key is required")
)

// TokenType distinguishes candidate vs proctor tokens.
type TokenType string

const (
	TokenTypeCandidate TokenType = "candidate"
	TokenTypeProctor   TokenType = "proctor"
)

// Claims extends JWT standard claims with app-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	TokenType    TokenType  `json:"token_type"`
	CandidateKey string     `json:"candidate_key,omitempty"` // Candidate only
	ExamID       *uuid.UUID `json:"exam_id,omitempty"`       // Optional scope
}

// AllowsExam reports whether the token may be used for examID. Tokens without
// an exam scope are valid for any exam.
func (c *Claims) AllowsExam(examID uuid.UUID) bool {
	return c.ExamID == nil || *c.ExamID == examID
}

// AuthService issues and validates JWTs. Candidates and proctors are managed
// by an external identity system; this service only mints tokens for them.
type AuthService struct {
	secret []byte
	expiry time.Duration
	now    func() time.Time
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config) *AuthService {
	return &AuthService{secret: []byte(cfg.JWTSecret), expiry: cfg.JWTExpiry, now: time.Now}
}

// GenerateCandidateToken creates a JWT for a candidate, optionally scoped to one exam.
func (s *AuthService) GenerateCandidateToken(candidateKey string, examID *uuid.UUID) (string, error) {
	candidateKey = strings.TrimSpace(candidateKey)
	if candidateKey == "" {
		return "", ErrMissingCandidateID
	}
	return s.sign(Claims{
		RegisteredClaims: s.registered(candidateKey),
		TokenType:        TokenTypeCandidate,
		CandidateKey:     candidateKey,
		ExamID:           examID,
	})
}

// GenerateProctorToken creates a JWT for a proctor watching live exams.
func (s *AuthService) GenerateProctorToken(proctorID string, examID *uuid.UUID) (string, error) {
	return s.sign(Claims{
		RegisteredClaims: s.registered(proctorID),
		TokenType:        TokenTypeProctor,
		ExamID:           examID,
	})
}

func (s *AuthService) registered(subject string) jwt.RegisteredClaims {
	now := s.now()
	return jwt.RegisteredClaims{
		ID:        uuid.New().String(),
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.expiry)),
	}
}

func (s *AuthService) sign(claims Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.TokenType == TokenTypeCandidate && claims.CandidateKey == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
