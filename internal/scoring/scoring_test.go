package scoring

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

func opts(n int) []model.Option {
	return make([]model.Option, n)
}

func TestIsCorrect(t *testing.T) {
	single := &model.Question{Kind: model.QuestionKindSingleChoice, Options: opts(4), CorrectAnswer: "1"}
	multi := &model.Question{Kind: model.QuestionKindMultiChoice, Options: opts(4), CorrectAnswer: "0,2"}
	text := &model.Question{Kind: model.QuestionKindFreeText, CorrectAnswer: "Photosynthesis"}

	tests := []struct {
		name   string
		q      *model.Question
		answer string
		want   bool
	}{
		{"single exact", single, "1", true},
		{"single padded", single, " 1 ", true},
		{"single wrong", single, "2", false},
		{"multi same order", multi, "0,2", true},
		{"multi reversed", multi, "2,0", true},
		{"multi with spaces", multi, "2, 0", true},
		{"multi subset", multi, "0", false},
		{"multi superset", multi, "0,1,2", false},
		{"multi duplicate", multi, "0,0", false},
		{"multi garbage", multi, "a,b", false},
		{"text case insensitive", text, "  photosynthesis ", true},
		{"text wrong", text, "respiration", false},
		{"unknown kind", &model.Question{Kind: "ESSAY", CorrectAnswer: "x"}, "x", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsCorrect(tt.q, tt.answer); got != tt.want {
				t.Errorf("IsCorrect(%q) = %v, want %v", tt.answer, got, tt.want)
			}
		})
	}
}

func TestScore(t *testing.T) {
	q1 := model.Question{ID: uuid.New(), Kind: model.QuestionKindSingleChoice, Options: opts(3), CorrectAnswer: "1", Marks: 2, Section: "A"}
	q2 := model.Question{ID: uuid.New(), Kind: model.QuestionKindMultiChoice, Options: opts(3), CorrectAnswer: "0,2", Marks: 3, Section: "A"}
	q3 := model.Question{ID: uuid.New(), Kind: model.QuestionKindFreeText, CorrectAnswer: "Go", Marks: 1}
	qs := []model.Question{q1, q2, q3}

	answers := map[string]string{
		q1.ID.String(): "1",
		q2.ID.String(): "2,0",
		q3.ID.String(): "rust",
	}

	got := Score(qs, answers)
	if got.Total != 5 || got.Max != 6 || got.Correct != 2 {
		t.Fatalf("got total=%d max=%d correct=%d, want 5/6/2", got.Total, got.Max, got.Correct)
	}
	if got.Sections["A"] != 5 {
		t.Errorf("section A = %d, want 5", got.Sections["A"])
	}
	if v, ok := got.Sections[model.DefaultSection]; !ok || v != 0 {
		t.Errorf("section General = %d (present=%v), want 0", v, ok)
	}

	again := Score(qs, answers)
	if again.Total != got.Total || again.Sections["A"] != got.Sections["A"] {
		t.Fatal("scoring is not deterministic")
	}
}

func TestScoreNoAnswers(t *testing.T) {
	qs := []model.Question{{ID: uuid.New(), Kind: model.QuestionKindSingleChoice, CorrectAnswer: "0", Marks: 4}}
	got := Score(qs, nil)
	if got.Total != 0 || got.Max != 4 {
		t.Fatalf("got total=%d max=%d, want 0/4", got.Total, got.Max)
	}
}

func TestNormalizeAnswer(t *testing.T) {
	single := &model.Question{Kind: model.QuestionKindSingleChoice, Options: opts(3)}
	multi := &model.Question{Kind: model.QuestionKindMultiChoice, Options: opts(3)}
	text := &model.Question{Kind: model.QuestionKindFreeText}

	tests := []struct {
		name    string
		q       *model.Question
		raw     string
		want    string
		wantErr error
	}{
		{"single", single, " 2", "2", nil},
		{"single out of range", single, "3", "", ErrIndexOutOfRange},
		{"single negative", single, "-1", "", ErrIndexOutOfRange},
		{"single not a number", single, "b", "", ErrInvalidIndex},
		{"multi sorted", multi, "2,0", "0,2", nil},
		{"multi out of range", multi, "0,5", "", ErrIndexOutOfRange},
		{"multi duplicate", multi, "1,1", "", ErrDuplicateIndex},
		{"multi empty", multi, " ", "", ErrEmptyAnswer},
		{"text untouched", text, " Hello ", " Hello ", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeAnswer(tt.q, tt.raw)
			if err != tt.wantErr {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNormalizeMulti(t *testing.T) {
	got, err := NormalizeMulti("3, 1,2")
	if err != nil || got != "1,2,3" {
		t.Fatalf("got %q, %v", got, err)
	}
}
