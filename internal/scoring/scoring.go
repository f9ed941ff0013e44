// Package scoring grades a session's answers. Score is a pure function so the
// same inputs always produce the same result wherever it is recomputed.
package scoring

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	ErrInvalidIndex    = errors.New("option index is not a number")
	ErrIndexOutOfRange = errors.New("option index out of range")
	ErrDuplicateIndex  = errors.New("option index selected twice")
	ErrEmptyAnswer     = errors.New("answer is empty")
)

// Result is the outcome of grading one session.
type Result struct {
	Total    int            `json:"total"`
	Max      int            `json:"max"`
	Correct  int            `json:"correct"`
	Sections map[string]int `json:"sections"`
}

// Score sums the marks of every question judged correct. answers maps question
// ID to the recorded answer. Every sampled section appears in Sections, even
// with a zero subtotal.
func Score(questions []model.Question, answers map[string]string) Result {
	res := Result{Sections: make(map[string]int)}
	for i := range questions {
		q := &questions[i]
		section := q.SectionName()
		if _, ok := res.Sections[section]; !ok {
			res.Sections[section] = 0
		}
		res.Max += q.Marks

		ans, ok := answers[q.ID.String()]
		if !ok || !IsCorrect(q, ans) {
			continue
		}
		res.Total += q.Marks
		res.Correct++
		res.Sections[section] += q.Marks
	}
	return res
}

// IsCorrect compares one answer against the question's answer key by kind.
func IsCorrect(q *model.Question, answer string) bool {
	switch q.Kind {
	case model.QuestionKindSingleChoice:
		return strings.TrimSpace(answer) == strings.TrimSpace(q.CorrectAnswer)
	case model.QuestionKindMultiChoice:
		got, err := parseIndices(answer)
		if err != nil {
			return false
		}
		want, err := parseIndices(q.CorrectAnswer)
		if err != nil {
			return false
		}
		return sameSet(got, want)
	case model.QuestionKindFreeText:
		return strings.EqualFold(strings.TrimSpace(answer), strings.TrimSpace(q.CorrectAnswer))
	default:
		return false
	}
}

// NormalizeAnswer validates a raw answer against the question and returns its
// canonical encoding: the trimmed index for single choice, sorted comma-joined
// indices for multi choice, the raw text for free text.
func NormalizeAnswer(q *model.Question, raw string) (string, error) {
	switch q.Kind {
	case model.QuestionKindSingleChoice:
		idx, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return "", ErrInvalidIndex
		}
		if idx < 0 || idx >= len(q.Options) {
			return "", ErrIndexOutOfRange
		}
		return strconv.Itoa(idx), nil
	case model.QuestionKindMultiChoice:
		idx, err := parseIndices(raw)
		if err != nil {
			return "", err
		}
		for _, i := range idx {
			if i < 0 || i >= len(q.Options) {
				return "", ErrIndexOutOfRange
			}
		}
		return joinIndices(idx), nil
	case model.QuestionKindFreeText:
		return raw, nil
	default:
		return "", fmt.Errorf("unsupported question kind %q", q.Kind)
	}
}

// NormalizeMulti canonicalizes a multi-choice answer: "2, 0" becomes "0,2".
func NormalizeMulti(raw string) (string, error) {
	idx, err := parseIndices(raw)
	if err != nil {
		return "", err
	}
	return joinIndices(idx), nil
}

// parseIndices parses a comma-joined index list, sorted ascending.
// Duplicates are rejected so "0,0" never matches "0".
func parseIndices(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrEmptyAnswer
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	seen := make(map[int]struct{}, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, ErrInvalidIndex
		}
		if _, dup := seen[n]; dup {
			return nil, ErrDuplicateIndex
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

func joinIndices(idx []int) string {
	parts := make([]string, len(idx))
	for i, n := range idx {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

func sameSet(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
