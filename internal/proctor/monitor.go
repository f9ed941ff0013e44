package proctor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrSignalUnavailable means visual monitoring could not run. The exam goes on
// with reduced monitoring.
var ErrSignalUnavailable = errors.New("landmark signal unavailable")

const (
	// DefaultMaxExtractorFailures is how many consecutive extractor errors
	// turn visual monitoring off.
	DefaultMaxExtractorFailures = 10
	DefaultExtractTimeout       = 2 * time.Second
	// DefaultRetryExtractEvery is how many frames a degraded monitor skips
	// between extraction attempts. One success switches detection back on.
	DefaultRetryExtractEvery = 30
)

// MonitorConfig wires a Monitor. A nil Extractor starts the monitor degraded.
type MonitorConfig struct {
	Extractor            LandmarkExtractor
	Reporter             Reporter
	MaxExtractorFailures int
	ExtractTimeout       time.Duration
	RetryExtractEvery    int
	// OnDegraded is called from the monitor goroutine each time visual
	// monitoring is switched off, OnRecovered each time it comes back.
	OnDegraded  func(error)
	OnRecovered func()
	Log         zerolog.Logger
}

// Stats is a point-in-time view of the monitor counters.
type Stats struct {
	FramesProcessed   uint64 `json:"frames_processed"`
	FramesDropped     uint64 `json:"frames_dropped"`
	ExtractorFailures uint64 `json:"extractor_failures"`
	AudioFrames       uint64 `json:"audio_frames"`
	Degraded          bool   `json:"degraded"`
}

// Monitor is the per-session signal loop. Video frames go through a
// single-slot mailbox: a frame offered while the extractor is busy replaces
// any frame still waiting, so at most one extraction is in flight and the
// queue never grows. Audio frames are evaluated inline by the caller.
type Monitor struct {
	cfg  MonitorConfig
	face *FaceDetectors
	log  zerolog.Logger

	audioMu sync.Mutex
	audio   *AudioDetector

	mu       sync.Mutex
	cond     *sync.Cond
	pending  *Frame
	closed   bool
	degraded bool
	skipped  int // frames ignored since the last extraction retry

	consecutiveFailures int // owned by the Run goroutine

	processed   atomic.Uint64
	dropped     atomic.Uint64
	failures    atomic.Uint64
	audioFrames atomic.Uint64
}

// NewMonitor creates a Monitor. Call Run in a goroutine.
func NewMonitor(cfg MonitorConfig) *Monitor {
	if cfg.MaxExtractorFailures <= 0 {
		cfg.MaxExtractorFailures = DefaultMaxExtractorFailures
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = DefaultExtractTimeout
	}
	if cfg.RetryExtractEvery <= 0 {
		cfg.RetryExtractEvery = DefaultRetryExtractEvery
	}
	if cfg.Reporter == nil {
		cfg.Reporter = ReporterFunc(func(string) {})
	}
	m := &Monitor{
		cfg:      cfg,
		face:     NewFaceDetectors(),
		audio:    NewAudioDetector(),
		log:      cfg.Log.With().Str("component", "proctor_monitor").Logger(),
		degraded: cfg.Extractor == nil,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// OfferFrame hands a frame to the loop. It never blocks. Frames are ignored
// once the monitor is closed; a degraded monitor only takes every
// RetryExtractEvery-th frame, and none without an extractor.
func (m *Monitor) OfferFrame(f Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	if m.degraded {
		if m.cfg.Extractor == nil {
			return
		}
		m.skipped++
		if m.skipped < m.cfg.RetryExtractEvery {
			return
		}
		m.skipped = 0
	}
	if m.pending != nil {
		m.dropped.Add(1)
	}
	m.pending = &f
	m.cond.Signal()
}

// OfferAudio evaluates one analyser frame of frequency bins.
func (m *Monitor) OfferAudio(bins []uint8) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	m.audioMu.Lock()
	fired := m.audio.Observe(bins)
	m.audioMu.Unlock()
	m.audioFrames.Add(1)

	if fired {
		m.cfg.Reporter.ReportViolation(model.ReasonLoudAudio)
	}
}

// Run processes frames until ctx is done or Close is called. A result that
// arrives after Close is discarded without reporting.
func (m *Monitor) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, m.Close)
	defer stop()

	m.mu.Lock()
	startDegraded := m.degraded
	m.mu.Unlock()
	if startDegraded {
		m.log.Warn().Msg("No landmark extractor, visual monitoring disabled")
		m.notifyDegraded()
	}

	for {
		m.mu.Lock()
		for m.pending == nil && !m.closed {
			m.cond.Wait()
		}
		if m.closed {
			m.mu.Unlock()
			return
		}
		f := *m.pending
		m.pending = nil
		m.mu.Unlock()

		lm, err := m.extract(ctx, f)

		m.mu.Lock()
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return
		}

		if err != nil {
			m.extractFailed(f, err)
			continue
		}
		m.consecutiveFailures = 0
		m.processed.Add(1)
		m.recovered()

		for _, reason := range m.face.Observe(lm) {
			m.cfg.Reporter.ReportViolation(reason)
		}
	}
}

// Close stops the loop and wakes it if it is waiting.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	m.pending = nil
	m.cond.Broadcast()
	m.mu.Unlock()
}

// Stats returns the current counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	degraded := m.degraded
	m.mu.Unlock()
	return Stats{
		FramesProcessed:   m.processed.Load(),
		FramesDropped:     m.dropped.Load(),
		ExtractorFailures: m.failures.Load(),
		AudioFrames:       m.audioFrames.Load(),
		Degraded:          degraded,
	}
}

func (m *Monitor) extract(ctx context.Context, f Frame) (*Landmarks, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ExtractTimeout)
	defer cancel()
	return m.cfg.Extractor.Extract(ctx, f)
}

func (m *Monitor) extractFailed(f Frame, err error) {
	m.failures.Add(1)
	m.consecutiveFailures++
	m.log.Debug().Err(err).Uint64("seq", f.Seq).Int("consecutive", m.consecutiveFailures).Msg("Landmark extraction failed")

	if m.consecutiveFailures < m.cfg.MaxExtractorFailures {
		return
	}

	m.mu.Lock()
	if m.degraded {
		m.mu.Unlock()
		return
	}
	m.degraded = true
	m.pending = nil
	m.skipped = 0
	m.mu.Unlock()

	m.log.Warn().Err(err).Msg("Landmark extractor keeps failing, visual monitoring disabled")
	m.notifyDegraded()
}

func (m *Monitor) recovered() {
	m.mu.Lock()
	was := m.degraded
	m.degraded = false
	m.skipped = 0
	m.mu.Unlock()
	if !was {
		return
	}

	m.log.Info().Msg("Landmark signal recovered, visual monitoring enabled")
	if m.cfg.OnRecovered != nil {
		m.cfg.OnRecovered()
	}
}

func (m *Monitor) notifyDegraded() {
	if m.cfg.OnDegraded != nil {
		m.cfg.OnDegraded(ErrSignalUnavailable)
	}
}
