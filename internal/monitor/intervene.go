package monitor

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Reason records why an intervention was sent. Used only for logging; no
// history is retained.
type Reason string

const (
	ReasonIdleTimeout  Reason = "idle-timeout"
	ReasonStuckTimeout Reason = "stuck-timeout"
	ReasonErrorState   Reason = "error-state"
	ReasonPendingTodos Reason = "pending-todos"
)

// InterventionEvent describes what is about to be injected into the session.
type InterventionEvent struct {
	Reason    Reason
	Text      string // empty means a bare submit keystroke
	Interrupt bool   // precede the text with an interrupt keystroke
}

// sender delivers interventions to the session. Delivery failures are
// logged and tolerated: the terminal layer may transiently refuse input
// without the session being gone, and the loop retries naturally on its
// next stuck window.
//
// The rate limiter is a per-monitor safety floor on intervention frequency,
// independent of the stability timer. Each monitor owns its own sender;
// no lock is shared between the two monitors.
type sender struct {
	session SessionHandle
	clock   Clock
	limiter *rate.Limiter
	log     *slog.Logger

	// interruptPause is the gap between the interrupt keystroke and the
	// recovery text, giving the assistant time to drop back to its prompt.
	interruptPause time.Duration
}

func newSender(session SessionHandle, clock Clock, minGap time.Duration, log *slog.Logger) *sender {
	return &sender{
		session:        session,
		clock:          clock,
		limiter:        rate.NewLimiter(rate.Every(minGap), 1),
		log:            log,
		interruptPause: time.Second,
	}
}

// deliver sends one intervention. Returns false when the rate limiter
// suppressed it.
func (s *sender) deliver(ev InterventionEvent) bool {
	if !s.limiter.AllowN(s.clock.Now(), 1) {
		s.log.Warn("intervention_rate_limited", slog.String("reason", string(ev.Reason)))
		return false
	}

	s.log.Info("intervention",
		slog.String("reason", string(ev.Reason)),
		slog.Bool("interrupt", ev.Interrupt),
		slog.Int("text_len", len(ev.Text)))

	if ev.Interrupt {
		if err := s.session.SendInterrupt(); err != nil {
			s.log.Warn("interrupt_send_failed", slog.String("error", err.Error()))
		}
		<-s.clock.After(s.interruptPause)
	}

	if ev.Text != "" {
		if err := s.session.SendText(ev.Text); err != nil {
			s.log.Warn("text_send_failed", slog.String("error", err.Error()))
			// Still attempt the submit: a partial delivery followed by
			// Enter is harmless, a swallowed prompt is not.
		}
	}

	if err := s.session.SendSubmit(); err != nil {
		s.log.Warn("submit_send_failed", slog.String("error", err.Error()))
	}

	return true
}
