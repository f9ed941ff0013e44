package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/submission"
)

const (
	DefaultSubmitTimeout = 15 * time.Second
	inboxSize            = 64
)

// Submitter is the submission coordinator.
type Submitter interface {
	Submit(ctx context.Context, req submission.Request) (*submission.Ack, error)
}

// ExistenceChecker answers whether a result is already stored.
type ExistenceChecker interface {
	Exists(ctx context.Context, examID uuid.UUID, candidateKey string) (bool, error)
}

// Recorder mirrors session changes to durable storage. Implementations must
// not block for long; they run on the session goroutine.
type Recorder interface {
	RecordViolation(ctx context.Context, ev model.ViolationEvent)
	RecordAnswer(ctx context.Context, questionID, value string)
	RecordJustification(ctx context.Context, questionID, text string)
}

// AttemptClock pins the moment an attempt first went live, so a reconnect
// keeps the original deadline. MarkStarted returns the stored start, or now
// when none was stored yet.
type AttemptClock interface {
	MarkStarted(ctx context.Context, now time.Time) time.Time
}

// Notifier pushes output to the candidate. All methods are called from the
// session goroutine.
type Notifier interface {
	State(s Snapshot)
	Warning(ev model.ViolationEvent, max int)
	Error(err error)
	Submitted(ack *submission.Ack)
}

// RunnerConfig wires a Runner. Recorder, Clock and Cooldown may be nil.
type RunnerConfig struct {
	Session       *Session
	Submitter     Submitter
	Checker       ExistenceChecker
	Recorder      Recorder
	Clock         AttemptClock
	Notifier      Notifier
	Cooldown      *proctor.Cooldown
	SubmitTimeout time.Duration
	Log           zerolog.Logger
}

type envelope struct {
	ev    Event
	reply chan error
}

// Runner is the single writer of a Session. Producers call Post, Send or
// ReportViolation from any goroutine; events are applied in arrival order.
type Runner struct {
	cfg  RunnerConfig
	sess *Session
	log  zerolog.Logger

	inbox     chan envelope
	done      chan struct{}
	closeOnce sync.Once

	// owned by the Run goroutine
	timer    *time.Timer
	deadline time.Time

	snapMu   sync.Mutex
	snap     Snapshot
	deadSnap time.Time
}

// NewRunner creates a Runner. Call Run in a goroutine.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if cfg.Cooldown == nil {
		cfg.Cooldown = proctor.NewCooldown(proctor.DefaultCooldown, nil)
	}
	return &Runner{
		cfg:   cfg,
		sess:  cfg.Session,
		log:   cfg.Log.With().Str("component", "session_runner").Logger(),
		inbox: make(chan envelope, inboxSize),
		done:  make(chan struct{}),
		snap:  cfg.Session.Snapshot(),
	}
}

// Run applies events until ctx is done or Close is called.
func (r *Runner) Run(ctx context.Context) {
	defer r.teardown()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case env := <-r.inbox:
			effects, err := r.sess.Apply(env.ev)
			r.storeSnapshot()
			if env.reply != nil {
				env.reply <- err
			}
			r.execute(ctx, effects)
		}
	}
}

// Post enqueues ev without waiting for it to be applied. Events posted after
// Close are dropped.
func (r *Runner) Post(ev Event) {
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.inbox <- envelope{ev: ev}:
	case <-r.done:
	}
}

// Send enqueues ev and waits for the reducer's verdict.
func (r *Runner) Send(ctx context.Context, ev Event) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	reply := make(chan error, 1)
	select {
	case r.inbox <- envelope{ev: ev, reply: reply}:
	case <-r.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-r.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReportViolation makes the runner a proctor.Reporter.
func (r *Runner) ReportViolation(reason string) {
	r.Post(ViolationReported{Reason: reason})
}

// Close stops the runner. Late events, including results of calls still in
// flight, are discarded.
func (r *Runner) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

// Done is closed once Close has been called.
func (r *Runner) Done() <-chan struct{} { return r.done }

// Snapshot returns the state after the last applied event.
func (r *Runner) Snapshot() Snapshot {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()

	s := r.snap
	if !r.deadSnap.IsZero() && (s.State == StateInProgress || s.State == StateSubmitting) {
		if rem := time.Until(r.deadSnap); rem > 0 {
			s.RemainingMS = rem.Milliseconds()
		}
	}
	return s
}

func (r *Runner) storeSnapshot() {
	s := r.sess.Snapshot()
	r.snapMu.Lock()
	r.snap = s
	r.deadSnap = r.deadline
	r.snapMu.Unlock()
}

func (r *Runner) execute(ctx context.Context, effects []Effect) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case CheckExisting:
			r.checkExisting(ctx)
		case StartTimer:
			r.startTimer(ctx)
		case StopTimer:
			r.stopTimer()
		case Submit:
			r.submit(ctx, e)
		case ViolationCounted:
			r.log.Info().
				Str("reason", e.Event.Reason).
				Int("count", e.Event.Count).
				Msg("Violation counted")
			if r.cfg.Recorder != nil {
				r.cfg.Recorder.RecordViolation(ctx, e.Event)
			}
		case PersistAnswer:
			if r.cfg.Recorder != nil {
				r.cfg.Recorder.RecordAnswer(ctx, e.QuestionID, e.Value)
			}
		case PersistJustification:
			if r.cfg.Recorder != nil {
				r.cfg.Recorder.RecordJustification(ctx, e.QuestionID, e.Text)
			}
		case NotifyState:
			r.cfg.Notifier.State(r.Snapshot())
		case NotifyWarning:
			// The count already moved; only the on-screen warning is deduplicated.
			if r.cfg.Cooldown.Allow(e.Event.Reason) {
				r.cfg.Notifier.Warning(e.Event, e.Max)
			}
		case NotifyError:
			r.cfg.Notifier.Error(e.Err)
		case NotifySubmitted:
			r.cfg.Notifier.Submitted(e.Ack)
		}
	}
}

func (r *Runner) checkExisting(ctx context.Context) {
	exam := r.sess.Exam()
	candidate := r.sess.CandidateKey()
	go func() {
		exists, err := r.cfg.Checker.Exists(ctx, exam.ID, candidate)
		if err != nil {
			r.log.Warn().Err(err).Msg("Existing submission check failed")
		}
		r.Post(ExistingSubmission{Exists: exists, Err: err})
	}()
}

func (r *Runner) submit(ctx context.Context, eff Submit) {
	req := eff.Request
	r.log.Info().
		Int("violations", req.Violations).
		Bool("timeout", req.IsTimeout).
		Int("answered", len(req.Answers)).
		Dur("delay", eff.Delay).
		Msg("Submitting")

	go func() {
		if eff.Delay > 0 {
			t := time.NewTimer(eff.Delay)
			select {
			case <-t.C:
			case <-r.done:
				t.Stop()
				return
			}
		}

		// The write must finish even if the connection goes away meanwhile.
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.SubmitTimeout)
		defer cancel()

		ack, err := r.cfg.Submitter.Submit(sctx, req)
		if err != nil {
			r.log.Warn().Err(err).Bool("retryable", submission.IsRetryable(err)).Msg("Submission failed")
			r.Post(SubmitFailed{Err: err})
			return
		}
		r.Post(SubmitSucceeded{Ack: ack})
	}()
}

func (r *Runner) startTimer(ctx context.Context) {
	r.stopTimer()
	now := time.Now()
	start := now
	if r.cfg.Clock != nil {
		start = r.cfg.Clock.MarkStarted(ctx, now)
	}
	r.deadline = r.sess.Exam().Deadline(start)
	d := r.deadline.Sub(now)
	if d < 0 {
		d = 0
	}
	r.timer = time.AfterFunc(d, func() { r.Post(TimerExpired{}) })
	r.storeSnapshot()
	r.log.Debug().Time("started_at", start).Time("deadline", r.deadline).Msg("Exam timer armed")
}

func (r *Runner) stopTimer() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Runner) teardown() {
	r.Close()
	r.stopTimer()
	r.sess.Close()
	r.storeSnapshot()
	r.log.Debug().Msg("Session runner stopped")
}
