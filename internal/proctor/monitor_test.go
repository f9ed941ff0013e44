package proctor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

type recorder struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recorder) ReportViolation(reason string) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.reasons...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMonitorReportsFaceAbsence(t *testing.T) {
	rec := &recorder{}
	m := NewMonitor(MonitorConfig{
		Extractor: ExtractorFunc(func(context.Context, Frame) (*Landmarks, error) { return nil, nil }),
		Reporter:  rec,
		Log:       zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.OfferFrame(Frame{Seq: 1})
	waitFor(t, func() bool { return len(rec.all()) == 1 })
	if got := rec.all()[0]; got != model.ReasonNoFace {
		t.Fatalf("got %q", got)
	}
}

func TestMonitorSingleExtractionInFlight(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	ext := ExtractorFunc(func(ctx context.Context, f Frame) (*Landmarks, error) {
		n := inFlight.Add(1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		inFlight.Add(-1)
		return face(0, 0), nil
	})

	m := NewMonitor(MonitorConfig{Extractor: ext, Log: zerolog.Nop(), ExtractTimeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	m.OfferFrame(Frame{Seq: 1})
	<-started

	// The extractor is busy; these pile into the single slot.
	for i := uint64(2); i <= 20; i++ {
		m.OfferFrame(Frame{Seq: i})
	}
	close(release)

	waitFor(t, func() bool { return m.Stats().FramesProcessed == 2 })
	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("max concurrent extractions = %d, want 1", got)
	}
	if got := m.Stats().FramesDropped; got != 18 {
		t.Fatalf("dropped = %d, want 18", got)
	}
}

func TestMonitorLateResultAfterClose(t *testing.T) {
	rec := &recorder{}
	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})

	ext := ExtractorFunc(func(context.Context, Frame) (*Landmarks, error) {
		close(started)
		<-release
		return nil, nil // would be a no-face violation
	})
	m := NewMonitor(MonitorConfig{Extractor: ext, Reporter: rec, Log: zerolog.Nop(), ExtractTimeout: time.Minute})

	go func() {
		m.Run(context.Background())
		close(done)
	}()

	m.OfferFrame(Frame{Seq: 1})
	<-started
	m.Close()
	close(release)
	<-done

	if got := rec.all(); len(got) != 0 {
		t.Fatalf("late result produced reports: %v", got)
	}
}

func TestMonitorDegradesAfterFailures(t *testing.T) {
	var degraded atomic.Bool
	calls := atomic.Int32{}
	ext := ExtractorFunc(func(context.Context, Frame) (*Landmarks, error) {
		calls.Add(1)
		return nil, errors.New("model crashed")
	})
	m := NewMonitor(MonitorConfig{
		Extractor:            ext,
		MaxExtractorFailures: 3,
		OnDegraded:           func(error) { degraded.Store(true) },
		Log:                  zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	for i := 0; i < 3; i++ {
		m.OfferFrame(Frame{Seq: uint64(i)})
		want := int32(i + 1)
		waitFor(t, func() bool { return calls.Load() == want })
	}
	waitFor(t, degraded.Load)

	m.OfferFrame(Frame{Seq: 99})
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 3 {
		t.Fatal("degraded monitor kept extracting")
	}
	if !m.Stats().Degraded {
		t.Fatal("stats should report degraded")
	}
}

func TestMonitorRecoversAfterValidFrame(t *testing.T) {
	var broken atomic.Bool
	broken.Store(true)
	calls := atomic.Int32{}
	ext := ExtractorFunc(func(_ context.Context, f Frame) (*Landmarks, error) {
		calls.Add(1)
		if broken.Load() {
			return nil, errors.New("malformed landmarks")
		}
		return nil, nil
	})

	var degraded, recovered atomic.Int32
	rec := &recorder{}
	m := NewMonitor(MonitorConfig{
		Extractor:            ext,
		Reporter:             rec,
		MaxExtractorFailures: 2,
		RetryExtractEvery:    5,
		OnDegraded:           func(error) { degraded.Add(1) },
		OnRecovered:          func() { recovered.Add(1) },
		Log:                  zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	offer := func(seq uint64, wantCalls int32) {
		m.OfferFrame(Frame{Seq: seq})
		waitFor(t, func() bool { return calls.Load() == wantCalls })
	}
	offer(1, 1)
	offer(2, 2)
	waitFor(t, func() bool { return degraded.Load() == 1 })

	// A failing retry keeps the monitor degraded without a second notice.
	for seq := uint64(3); seq < 7; seq++ {
		m.OfferFrame(Frame{Seq: seq})
	}
	m.OfferFrame(Frame{Seq: 7})
	waitFor(t, func() bool { return m.Stats().ExtractorFailures == 3 })
	if !m.Stats().Degraded || degraded.Load() != 1 {
		t.Fatalf("degraded = %v, notices = %d", m.Stats().Degraded, degraded.Load())
	}

	broken.Store(false)
	for seq := uint64(8); seq < 12; seq++ {
		m.OfferFrame(Frame{Seq: seq})
	}
	offer(12, 4)
	waitFor(t, func() bool { return recovered.Load() == 1 })
	if m.Stats().Degraded {
		t.Fatal("monitor still degraded after a valid frame")
	}

	// Detection is back: every frame is extracted again.
	offer(13, 5)
	waitFor(t, func() bool { return len(rec.all()) == 2 })
}

func TestMonitorWithoutExtractorStillHearsAudio(t *testing.T) {
	rec := &recorder{}
	var degraded atomic.Bool
	m := NewMonitor(MonitorConfig{Reporter: rec, OnDegraded: func(error) { degraded.Store(true) }, Log: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	waitFor(t, degraded.Load)

	loud := []uint8{255, 255, 255, 255}
	for i := 0; i <= AudioWindow; i++ {
		m.OfferAudio(loud)
	}
	got := rec.all()
	if len(got) != 1 || got[0] != model.ReasonLoudAudio {
		t.Fatalf("got %v, want one loud-audio report", got)
	}
}

func TestMonitorStopsOnContextCancel(t *testing.T) {
	m := NewMonitor(MonitorConfig{Extractor: JSONExtractor{}, Log: zerolog.Nop()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
