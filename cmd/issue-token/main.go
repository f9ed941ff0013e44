package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/service"
	"golang.org/x/term"
)

// issue-token mints candidate or proctor tokens for operators and rehearsals.
// Flags win; when stdin is a terminal, missing values are prompted for.
func main() {
	var (
		role    string
		subject string
		exam    string
	)
	flag.StringVar(&role, "role", "", "candidate or proctor")
	flag.StringVar(&subject, "subject", "", "candidate key or proctor id")
	flag.StringVar(&exam, "exam", "", "optional exam id the token is limited to")
	flag.Parse()

	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()
	authService := service.NewAuthService(cfg)

	// ─── CLI Input ─────────────────────────────────────────────────────
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	reader := bufio.NewReader(os.Stdin)
	prompt := func(label, current string) string {
		if current != "" || !interactive {
			return current
		}
		fmt.Fprintf(os.Stderr, "%s: ", label)
		line, _ := reader.ReadString('\n')
		return strings.TrimSpace(line)
	}

	role = strings.ToLower(prompt("Role (candidate/proctor)", role))
	subject = prompt("Subject", subject)
	exam = prompt("Exam ID (blank for any)", exam)

	var examID *uuid.UUID
	if exam != "" {
		id, err := uuid.Parse(exam)
		if err != nil {
			fail("Error: invalid exam id: %v", err)
		}
		examID = &id
	}
	if subject == "" {
		fail("Error: subject is required")
	}

	var (
		token string
		err   error
	)
	switch service.TokenType(role) {
	case service.TokenTypeCandidate:
		token, err = authService.GenerateCandidateToken(subject, examID)
	case service.TokenTypeProctor:
		token, err = authService.GenerateProctorToken(subject, examID)
	default:
		fail("Error: role must be candidate or proctor")
	}
	if err != nil {
		fail("Error: %v", err)
	}

	fmt.Println(token)
	if interactive {
		fmt.Fprintf(os.Stderr, "Token valid for %s.\n", cfg.JWTExpiry)
	}
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
