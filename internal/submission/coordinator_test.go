package submission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/accessgate"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// memStore mimics the unique (exam, candidate) constraint of the real table.
type memStore struct {
	mu       sync.Mutex
	rows     map[string]*model.Submission
	writes   atomic.Int32
	failNext error
	gate     chan struct{}
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*model.Submission)}
}

func (s *memStore) SubmitResult(ctx context.Context, sub *model.Submission) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}
	key := sub.ExamID.String() + "|" + sub.CandidateKey
	if _, ok := s.rows[key]; ok {
		return repository.ErrSubmissionConflict
	}
	sub.ID = uuid.New()
	s.rows[key] = sub
	s.writes.Add(1)
	return nil
}

type countingPublisher struct{ n atomic.Int32 }

func (p *countingPublisher) PublishSubmitted(context.Context, *model.Submission) error {
	p.n.Add(1)
	return nil
}

func testExam() *model.Exam {
	return &model.Exam{ID: uuid.New(), Title: "Physics", DurationMinutes: 60}
}

func singleChoice(marks int, correct string) model.Question {
	return model.Question{
		ID:            uuid.New(),
		Kind:          model.QuestionKindSingleChoice,
		Options:       []model.Option{{Text: "a"}, {Text: "b"}, {Text: "c"}},
		CorrectAnswer: correct,
		Marks:         marks,
	}
}

func TestSubmitScoresAndStores(t *testing.T) {
	store := newMemStore()
	pub := &countingPublisher{}
	c := NewCoordinator(store, pub, zerolog.Nop())

	q := singleChoice(2, "1")
	ack, err := c.Submit(context.Background(), Request{
		Exam:         testExam(),
		CandidateKey: "cand-1",
		Questions:    []model.Question{q},
		Answers:      map[string]string{q.ID.String(): "1"},
		Violations:   2,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ack.Score != 2 || ack.MaxScore != 2 || ack.Violations != 2 {
		t.Fatalf("unexpected ack %+v", ack)
	}
	if ack.SectionScores[model.DefaultSection] != 2 {
		t.Fatalf("section scores %v", ack.SectionScores)
	}
	if pub.n.Load() != 1 {
		t.Fatalf("published %d events, want 1", pub.n.Load())
	}
}

func TestSubmitTwiceAfterSuccess(t *testing.T) {
	c := NewCoordinator(newMemStore(), nil, zerolog.Nop())
	req := Request{Exam: testExam(), CandidateKey: "cand-1"}

	if _, err := c.Submit(context.Background(), req); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if _, err := c.Submit(context.Background(), req); !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("second Submit err = %v, want ErrAlreadySubmitted", err)
	}
}

func TestConcurrentSubmitWritesOnce(t *testing.T) {
	store := newMemStore()
	store.gate = make(chan struct{})
	c := NewCoordinator(store, nil, zerolog.Nop())
	req := Request{Exam: testExam(), CandidateKey: "cand-1"}

	const callers = 8
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Submit(context.Background(), req)
			errs <- err
		}()
	}
	close(store.gate)
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInFlight), errors.Is(err, ErrAlreadySubmitted):
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("%d successful submits, want 1", ok)
	}
	if store.writes.Load() != 1 {
		t.Fatalf("%d writes, want 1", store.writes.Load())
	}
}

func TestStoreConflictIsTerminal(t *testing.T) {
	store := newMemStore()
	exam := testExam()
	// A result written by another process.
	store.rows[exam.ID.String()+"|cand-1"] = &model.Submission{}

	c := NewCoordinator(store, nil, zerolog.Nop())
	_, err := c.Submit(context.Background(), Request{Exam: exam, CandidateKey: "cand-1"})
	if !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("err = %v, want ErrAlreadySubmitted", err)
	}
	if IsRetryable(err) {
		t.Fatal("conflict must not be retryable")
	}
}

func TestTransportErrorReleasesGuard(t *testing.T) {
	store := newMemStore()
	store.failNext = errors.New("connection reset")
	c := NewCoordinator(store, nil, zerolog.Nop())
	req := Request{Exam: testExam(), CandidateKey: "cand-1"}

	_, err := c.Submit(context.Background(), req)
	if !errors.Is(err, ErrTransport) || !IsRetryable(err) {
		t.Fatalf("err = %v, want retryable ErrTransport", err)
	}
	if _, err := c.Submit(context.Background(), req); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
}

func TestAccessGateRecheck(t *testing.T) {
	exam := testExam()
	exam.RequireLockedBrowser = true
	exam.BrowserKey = "secret"
	url := "https://exam.example.com/ws/v1/exams/" + exam.ID.String() + "/session"

	store := newMemStore()
	c := NewCoordinator(store, nil, zerolog.Nop())

	_, err := c.Submit(context.Background(), Request{
		Exam:         exam,
		CandidateKey: "cand-1",
		Gate:         accessgate.Proof{URL: url, Header: "deadbeef"},
	})
	if !errors.Is(err, ErrAccessGateRejected) {
		t.Fatalf("err = %v, want ErrAccessGateRejected", err)
	}
	if store.writes.Load() != 0 {
		t.Fatal("rejected submission was written")
	}

	_, err = c.Submit(context.Background(), Request{
		Exam:         exam,
		CandidateKey: "cand-1",
		Gate:         accessgate.Proof{URL: url, Header: accessgate.ExpectedHash(url, "secret")},
	})
	if err != nil {
		t.Fatalf("valid proof rejected: %v", err)
	}
}

func TestTimeoutWithNoAnswersScoresZero(t *testing.T) {
	c := NewCoordinator(newMemStore(), nil, zerolog.Nop())
	q := singleChoice(5, "0")
	ack, err := c.Submit(context.Background(), Request{
		Exam:         testExam(),
		CandidateKey: "cand-1",
		Questions:    []model.Question{q},
		Violations:   1,
		IsTimeout:    true,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ack.Score != 0 || ack.Violations != 1 || !ack.IsTimeout {
		t.Fatalf("unexpected ack %+v", ack)
	}
}
