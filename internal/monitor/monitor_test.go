package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentsitter/agentsitter/internal/logging"
)

// fakeClock advances virtual time on every wait, so monitor loops run at
// full speed while timing assertions stay exact.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// fakeSession is a scripted SessionHandle. Content setters are safe to call
// while a monitor loop is running.
type fakeSession struct {
	mu         sync.Mutex
	exists     bool
	content    string // large-window capture
	status     string // small-window capture
	captureErr error

	sentTexts   []string
	interrupts  int
	submitTimes []time.Time

	captures int // large-window captures only

	clock    *fakeClock
	onSubmit func(count int) // called after each submit, outside the lock

	// onCapture runs under the lock at the start of each large-window
	// capture and may mutate fields directly to script mid-run changes.
	onCapture func(f *fakeSession, count int)
}

func newFakeSession(clock *fakeClock) *fakeSession {
	return &fakeSession{exists: true, clock: clock}
}

func (f *fakeSession) Exists() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists
}

func (f *fakeSession) CaptureLines(n int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > statusWindowLines {
		f.captures++
		if f.onCapture != nil {
			f.onCapture(f, f.captures)
		}
	}
	if f.captureErr != nil {
		return "", f.captureErr
	}
	if n <= statusWindowLines {
		return f.status, nil
	}
	return f.content, nil
}

func (f *fakeSession) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sentTexts = append(f.sentTexts, text)
	return nil
}

func (f *fakeSession) SendSubmit() error {
	f.mu.Lock()
	f.submitTimes = append(f.submitTimes, f.clock.Now())
	count := len(f.submitTimes)
	cb := f.onSubmit
	f.mu.Unlock()
	if cb != nil {
		cb(count)
	}
	return nil
}

func (f *fakeSession) SendInterrupt() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	return nil
}

func (f *fakeSession) submits() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.submitTimes...)
}

func (f *fakeSession) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sentTexts...)
}

// runMonitor runs fn in a goroutine and fails the test if it doesn't
// return within a real-time bound (virtual clocks never block for long).
func runMonitor(t *testing.T, fn func() error) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop within real-time bound")
	}
}

func TestAutoSubmitTriggersWithinIdleWindow(t *testing.T) {
	clock := newFakeClock()
	session := newFakeSession(clock)
	session.content = "assistant output that never changes"
	start := clock.Now()

	ctx, cancel := context.WithCancel(context.Background())
	session.onSubmit = func(count int) { cancel() }

	m := NewAutoSubmit(session, AutoSubmitConfig{
		PollInterval:   time.Second,
		IdleTimeout:    6 * time.Second, // 0.1 minutes
		SettleInterval: 2 * time.Second,
		ContinuePrompt: "continue",
		Clock:          clock,
	})

	runMonitor(t, func() error { return m.Run(ctx) })

	submits := session.submits()
	require.Len(t, submits, 1)

	elapsed := submits[0].Sub(start)
	assert.GreaterOrEqual(t, elapsed, 6*time.Second)
	assert.LessOrEqual(t, elapsed, 8*time.Second, "6s target plus one poll-interval slack")
	assert.Equal(t, []string{"continue"}, session.texts())
}

func TestAutoSubmitBareSubmitWhenNoPrompt(t *testing.T) {
	clock := newFakeClock()
	session := newFakeSession(clock)
	session.content = "static"

	ctx, cancel := context.WithCancel(context.Background())
	session.onSubmit = func(count int) { cancel() }

	m := NewAutoSubmit(session, AutoSubmitConfig{
		PollInterval:   time.Second,
		IdleTimeout:    2 * time.Second,
		SettleInterval: time.Second,
		Clock:          clock,
	})

	runMonitor(t, func() error { return m.Run(ctx) })

	assert.Empty(t, session.texts(), "no continuation prompt configured")
	assert.Len(t, session.submits(), 1)
}

func TestAutoSubmitDoesNotRetriggerBeforeFullTimeout(t *testing.T) {
	clock := newFakeClock()
	session := newFakeSession(clock)
	session.content = "identical capture every poll"

	ctx, cancel := context.WithCancel(context.Background())
	session.onSubmit = func(count int) {
		if count >= 2 {
			cancel()
		}
	}

	idle := 6 * time.Second
	m := NewAutoSubmit(session, AutoSubmitConfig{
		PollInterval:   time.Second,
		IdleTimeout:    idle,
		SettleInterval: 2 * time.Second,
		ContinuePrompt: "continue",
		Clock:          clock,
	})

	runMonitor(t, func() error { return m.Run(ctx) })

	submits := session.submits()
	require.Len(t, submits, 2)
	assert.GreaterOrEqual(t, submits[1].Sub(submits[0]), idle,
		"identical capture after an intervention must wait out the full timeout again")
}

func TestAutoSubmitSuppressedByWorkInProgress(t *testing.T) {
	clock := newFakeClock()
	session := newFakeSession(clock)
	session.content = "static pane while background work runs"
	session.status = "5 tasks (2 done, 2 in progress, 1 open)"

	ctx, cancel := context.WithCancel(context.Background())
	session.onSubmit = func(count int) { cancel() }

	// Keep the marker visible well past the idle timeout, then clear it
	// on the tenth poll.
	session.onCapture = func(f *fakeSession, count int) {
		if count == 10 {
			f.status = "5 tasks (4 done, 0 in progress, 1 open)"
		}
	}

	m := NewAutoSubmit(session, AutoSubmitConfig{
		PollInterval:   time.Second,
		IdleTimeout:    3 * time.Second,
		SettleInterval: time.Second,
		ContinuePrompt: "continue",
		Clock:          clock,
	})

	start := clock.Now()
	runMonitor(t, func() error { return m.Run(ctx) })

	submits := session.submits()
	require.Len(t, submits, 1)
	assert.GreaterOrEqual(t, submits[0].Sub(start), 10*time.Second,
		"no intervention while the in-progress marker was visible")
}

func TestAutoSubmitZeroInProgressDoesNotSuppress(t *testing.T) {
	clock := newFakeClock()
	session := newFakeSession(clock)
	session.content = "static"
	session.status = "12 tasks (11 done, 0 in progress, 1 open)"

	ctx, cancel := context.WithCancel(context.Background())
	session.onSubmit = func(count int) { cancel() }

	m := NewAutoSubmit(session, AutoSubmitConfig{
		PollInterval:   time.Second,
		IdleTimeout:    3 * time.Second,
		SettleInterval: time.Second,
		ContinuePrompt: "continue",
		Clock:          clock,
	})

	runMonitor(t, func() error { return m.Run(ctx) })

	assert.Len(t, session.submits(), 1, "zero in-progress must not suppress idle detection")
}

func TestAutoSubmitExitsWhenSessionGone(t *testing.T) {
	logDir := t.TempDir()
	logging.Shutdown()
	logging.Init(logging.Config{LogDir: logDir})
	defer logging.Shutdown()

	clock := newFakeClock()
	session := newFakeSession(clock)
	session.exists = false
	session.captureErr = errors.New("can't find session")

	m := NewAutoSubmit(session, AutoSubmitConfig{
		PollInterval:   time.Second,
		IdleTimeout:    time.Minute,
		SettleInterval: time.Second,
		Clock:          clock,
	})

	start := clock.Now()
	runMonitor(t, func() error { return m.Run(context.Background()) })

	// Exits within one poll interval of the session disappearing.
	assert.LessOrEqual(t, clock.Now().Sub(start), 2*time.Second)

	data, err := os.ReadFile(filepath.Join(logDir, "agentsitter.log"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "session_not_found_stopping"),
		"expected a session-not-found log line, got: %s", string(data))
}

func TestAutoSubmitSkipsTransientCaptureFailure(t *testing.T) {
	clock := newFakeClock()
	session := newFakeSession(clock)
	session.content = "static"
	session.captureErr = errors.New("pane busy")

	ctx, cancel := context.WithCancel(context.Background())

	m := NewAutoSubmit(session, AutoSubmitConfig{
		PollInterval:   time.Second,
		IdleTimeout:    3 * time.Second,
		SettleInterval: time.Second,
		ContinuePrompt: "continue",
		Clock:          clock,
	})

	// Fail the first three polls; the loop must keep retrying rather
	// than exiting, then trigger normally once captures recover.
	session.onSubmit = func(count int) { cancel() }
	session.onCapture = func(f *fakeSession, count int) {
		if count == 4 {
			f.captureErr = nil
		}
	}

	start := clock.Now()
	runMonitor(t, func() error { return m.Run(ctx) })

	submits := session.submits()
	require.Len(t, submits, 1)
	assert.GreaterOrEqual(t, submits[0].Sub(start), 6*time.Second,
		"three failed polls, then a fresh idle window")
}

func TestBabysitOneInterventionPerStuckWindow(t *testing.T) {
	clock := newFakeClock()
	session := newFakeSession(clock)
	session.content = "stuck output, never changes"

	m := NewBabysit(session, BabysitConfig{
		PollInterval:   time.Second,
		StuckThreshold: 2 * time.Second,
		MaxRuntime:     9 * time.Second,
		Clock:          clock,
	})

	runMonitor(t, func() error { return m.Run(context.Background()) })

	submits := session.submits()
	require.NotEmpty(t, submits, "expected at least one intervention before expiry")
	assert.LessOrEqual(t, len(submits), 3, "one intervention per 2-second stuck window, not several")
	for i := 1; i < len(submits); i++ {
		assert.GreaterOrEqual(t, submits[i].Sub(submits[i-1]), 2*time.Second,
			"interventions %d and %d landed in the same stuck window", i-1, i)
	}
	assert.Equal(t, len(submits), func() int {
		session.mu.Lock()
		defer session.mu.Unlock()
		return session.interrupts
	}(), "every babysit intervention leads with an interrupt")
}

func TestBabysitExpiresAtMaxRuntime(t *testing.T) {
	clock := newFakeClock()
	session := newFakeSession(clock)
	session.content = "content"
	start := clock.Now()

	m := NewBabysit(session, BabysitConfig{
		PollInterval:   time.Second,
		StuckThreshold: time.Hour, // never stuck within this test
		MaxRuntime:     5 * time.Second,
		Clock:          clock,
	})

	runMonitor(t, func() error { return m.Run(context.Background()) })

	assert.Empty(t, session.submits())
	elapsed := clock.Now().Sub(start)
	assert.GreaterOrEqual(t, elapsed, 5*time.Second)
	assert.LessOrEqual(t, elapsed, 6*time.Second, "expires within one poll of the lifetime bound")
}

func TestBabysitSuppressedByWorkInProgress(t *testing.T) {
	clock := newFakeClock()
	session := newFakeSession(clock)
	session.content = "static"
	session.status = "4 tasks (1 done, 3 in progress)"

	m := NewBabysit(session, BabysitConfig{
		PollInterval:   time.Second,
		StuckThreshold: 2 * time.Second,
		MaxRuntime:     10 * time.Second,
		Clock:          clock,
	})

	runMonitor(t, func() error { return m.Run(context.Background()) })

	assert.Empty(t, session.submits(), "in-progress marker must reset the stuck timer")
}

func TestBabysitRecoveryWording(t *testing.T) {
	cases := []struct {
		name       string
		status     string
		wantReason Reason
		wantSubstr string
	}{
		{
			name:       "error signature wins",
			status:     "Error: request timed out\n3 tasks (1 done, 0 in progress, 2 open)",
			wantReason: ReasonErrorState,
			wantSubstr: "failed",
		},
		{
			name:       "pending todos",
			status:     "6 tasks (3 done, 0 in progress, 3 open)",
			wantReason: ReasonPendingTodos,
			wantSubstr: "3 of 6 tasks",
		},
		{
			name:       "generic nudge",
			status:     "nothing notable here",
			wantReason: ReasonStuckTimeout,
			wantSubstr: "stuck",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clock := newFakeClock()
			session := newFakeSession(clock)
			m := NewBabysit(session, BabysitConfig{Clock: clock})

			ev := m.recovery(tc.status)
			assert.Equal(t, tc.wantReason, ev.Reason)
			assert.True(t, ev.Interrupt)
			assert.Contains(t, ev.Text, tc.wantSubstr)
		})
	}
}

func TestBabysitExitsWhenSessionGone(t *testing.T) {
	clock := newFakeClock()
	session := newFakeSession(clock)
	session.exists = false
	session.captureErr = errors.New("session killed")
	start := clock.Now()

	m := NewBabysit(session, BabysitConfig{
		PollInterval:   time.Second,
		StuckThreshold: time.Minute,
		MaxRuntime:     time.Hour,
		Clock:          clock,
	})

	runMonitor(t, func() error { return m.Run(context.Background()) })

	assert.LessOrEqual(t, clock.Now().Sub(start), 2*time.Second,
		"exits within one poll interval of the session disappearing")
}
