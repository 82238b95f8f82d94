package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentsitter/agentsitter/internal/logging"
)

// AutoSubmitConfig is immutable for the lifetime of a monitor loop.
type AutoSubmitConfig struct {
	// PollInterval is the delay between checks.
	PollInterval time.Duration

	// IdleTimeout is how long content must stay unchanged before the
	// continuation prompt is injected.
	IdleTimeout time.Duration

	// SettleInterval is the pause after an intervention, so the monitor
	// doesn't re-trigger on the same content before the assistant has had
	// a chance to start responding.
	SettleInterval time.Duration

	// ContinuePrompt is the injected text. Empty means a bare submit
	// keystroke.
	ContinuePrompt string

	// Matcher overrides the detection policy (nil: DefaultMatcher).
	Matcher ActivityMatcher

	// Clock overrides the time source (nil: SystemClock).
	Clock Clock
}

// AutoSubmit nudges a momentarily idle session: once the content digest has
// been stable past IdleTimeout and no work is in progress, it sends the
// continuation prompt and resets its stability timer.
type AutoSubmit struct {
	session SessionHandle
	cfg     AutoSubmitConfig
	matcher ActivityMatcher
	clock   Clock
	sender  *sender
	log     *slog.Logger
}

// NewAutoSubmit creates the fast idle monitor. It owns a private stability
// tracker; nothing is shared with the babysit monitor.
func NewAutoSubmit(session SessionHandle, cfg AutoSubmitConfig) *AutoSubmit {
	matcher := cfg.Matcher
	if matcher == nil {
		matcher = DefaultMatcher{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock
	}
	log := logging.ForComponent(logging.CompAutoSubmit)

	minGap := cfg.IdleTimeout / 2
	if minGap < time.Second {
		minGap = time.Second
	}

	return &AutoSubmit{
		session: session,
		cfg:     cfg,
		matcher: matcher,
		clock:   clock,
		sender:  newSender(session, clock, minGap, log),
		log:     log,
	}
}

// Run polls until the context is cancelled or the session disappears.
// Cancellation is cooperative: the poll-interval wait is the only
// suspension point.
func (m *AutoSubmit) Run(ctx context.Context) error {
	m.log.Info("autosubmit_started",
		slog.Duration("idle_timeout", m.cfg.IdleTimeout),
		slog.Duration("poll_interval", m.cfg.PollInterval))

	state := NewStability(m.clock.Now())

	for {
		select {
		case <-ctx.Done():
			m.log.Info("autosubmit_stopped", slog.String("cause", "cancelled"))
			return nil
		case <-m.clock.After(m.cfg.PollInterval):
		}

		if stop := m.poll(ctx, state); stop {
			return nil
		}
	}
}

// poll performs one check. Returns true when the loop should exit.
func (m *AutoSubmit) poll(ctx context.Context, state *Stability) bool {
	now := m.clock.Now()

	text, err := m.session.CaptureLines(stabilityWindowLines)
	if err != nil {
		if !m.session.Exists() {
			m.log.Info("session_not_found_stopping")
			return true
		}
		// Transient capture failure: skip this poll, retry next interval.
		m.log.Warn("capture_failed_skipping_poll", slog.String("error", err.Error()))
		return false
	}

	digest := Fingerprint(text)
	if state.Observe(digest, now) {
		m.log.Debug("content_changed")
		return false
	}

	status, err := m.session.CaptureLines(statusWindowLines)
	if err != nil {
		m.log.Warn("status_capture_failed_skipping_poll", slog.String("error", err.Error()))
		return false
	}
	if HasWorkInProgress(m.matcher, status) {
		// The pane may be legitimately static while background work runs;
		// treat the marker as activity.
		state.MarkActive(now)
		m.log.Debug("work_in_progress_timer_reset")
		return false
	}

	stable := state.StableFor(now)
	m.log.Debug("poll_decision",
		slog.Bool("changed", false),
		slog.Duration("stable_for", stable))

	if stable < m.cfg.IdleTimeout {
		return false
	}

	m.sender.deliver(InterventionEvent{
		Reason: ReasonIdleTimeout,
		Text:   m.cfg.ContinuePrompt,
	})
	state.Reset(m.clock.Now())

	// Settle before the next poll so the same content doesn't re-trigger
	// while the assistant spins up its response.
	select {
	case <-ctx.Done():
		m.log.Info("autosubmit_stopped", slog.String("cause", "cancelled"))
		return true
	case <-m.clock.After(m.cfg.SettleInterval):
	}
	return false
}
