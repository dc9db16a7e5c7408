package fsm

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests control elapsed time deterministically.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestHappyPathTransitions(t *testing.T) {
	clk := newFakeClock()
	m := New("svc", WithClock(clk.Now))

	var events []Event
	m.Subscribe(func(ev Event) { events = append(events, ev) })

	_, err := m.InstallSucceeded()
	require.NoError(t, err)
	_, err = m.RequestStart(true)
	require.NoError(t, err)
	_, err = m.StartupReady()
	require.NoError(t, err)
	_, err = m.RequestStop()
	require.NoError(t, err)
	_, err = m.ShutdownComplete()
	require.NoError(t, err)

	require.Len(t, events, 5)
	wantStates := []State{StateInstalled, StateStarting, StateRunning, StateStopping, StateFinished}
	for i, ev := range events {
		assert.Equal(t, wantStates[i], ev.NewState)
		assert.Equal(t, "svc", ev.Service)
	}
	assert.Equal(t, StateFinished, m.State())
}

func TestRequestStartRefusedWithoutHardDeps(t *testing.T) {
	m := New("svc")
	_, err := m.InstallSucceeded()
	require.NoError(t, err)

	_, err = m.RequestStart(false)
	require.Error(t, err)
	assert.Equal(t, StateInstalled, m.State())
}

func TestInstallFailureGoesToBroken(t *testing.T) {
	m := New("svc")
	_, err := m.InstallFailed("disk full")
	require.NoError(t, err)
	assert.Equal(t, StateBroken, m.State())
}

func TestInvalidTransitionRejected(t *testing.T) {
	m := New("svc")
	_, err := m.StartupReady()
	require.Error(t, err)
	assert.Equal(t, StateNew, m.State())
}

func TestBackoffDoublesUntilCap(t *testing.T) {
	clk := newFakeClock()
	m := New("svc", WithClock(clk.Now), WithRestartPolicy(time.Second, 4*time.Second, 10*time.Minute, 10*time.Second, 10))

	require.NoError(t, drive(m.InstallSucceeded))
	require.NoError(t, drive(func() (Event, error) { return m.RequestStart(true) }))
	require.NoError(t, drive(m.StartupReady))
	require.NoError(t, drive(func() (Event, error) { return m.UnexpectedExit("boom") }))

	due, wait := m.RestartDue()
	assert.False(t, due, "backoff has not elapsed yet")
	assert.Equal(t, time.Second, wait)

	clk.Advance(time.Second)
	due, _ = m.RestartDue()
	assert.True(t, due)

	_, err := m.AttemptRestart()
	require.NoError(t, err)
	assert.Equal(t, StateStarting, m.State())

	require.NoError(t, drive(m.StartupReady))
	require.NoError(t, drive(func() (Event, error) { return m.UnexpectedExit("boom again") }))

	due, wait = m.RestartDue()
	assert.False(t, due)
	assert.Equal(t, 2*time.Second, wait, "second consecutive failure doubles the backoff")

	clk.Advance(2 * time.Second)
	require.NoError(t, drive(m.AttemptRestart))
	require.NoError(t, drive(m.StartupReady))
	require.NoError(t, drive(func() (Event, error) { return m.UnexpectedExit("third") }))

	_, wait = m.RestartDue()
	assert.Equal(t, 4*time.Second, wait, "backoff caps at the configured maximum")
}

func TestRestartBudgetExhaustionGoesBroken(t *testing.T) {
	clk := newFakeClock()
	m := New("svc", WithClock(clk.Now), WithRestartPolicy(time.Second, 60*time.Second, 10*time.Minute, 10*time.Second, 3))

	require.NoError(t, drive(m.InstallSucceeded))
	require.NoError(t, drive(func() (Event, error) { return m.RequestStart(true) }))

	for i := 0; i < 3; i++ {
		require.NoError(t, drive(m.StartupReady))
		require.NoError(t, drive(func() (Event, error) { return m.UnexpectedExit("crash") }))
		if i < 2 {
			clk.Advance(time.Minute) // well past backoff, still within the 10m reset window
			require.NoError(t, drive(m.AttemptRestart))
			// AttemptRestart goes ERRORED -> STARTING directly, not through
			// INSTALLED, so the next loop iteration resumes at StartupReady.
		}
	}

	assert.True(t, m.RestartExhausted())
	_, err := m.AttemptRestart()
	require.NoError(t, err)
	assert.Equal(t, StateBroken, m.State())
}

func TestFailuresOutsideResetWindowAreDiscarded(t *testing.T) {
	clk := newFakeClock()
	m := New("svc", WithClock(clk.Now), WithRestartPolicy(time.Second, 60*time.Second, 10*time.Minute, 10*time.Second, 2))

	require.NoError(t, drive(m.InstallSucceeded))
	require.NoError(t, drive(func() (Event, error) { return m.RequestStart(true) }))
	require.NoError(t, drive(m.StartupReady))
	require.NoError(t, drive(func() (Event, error) { return m.UnexpectedExit("crash 1") }))

	clk.Advance(11 * time.Minute) // past the reset window
	require.NoError(t, drive(m.AttemptRestart))
	assert.Equal(t, StateStarting, m.State(), "stale failure must not count toward the budget")
}

func TestIsStableRequiresStableWindow(t *testing.T) {
	clk := newFakeClock()
	m := New("svc", WithClock(clk.Now), WithRestartPolicy(time.Second, 60*time.Second, 10*time.Minute, 10*time.Second, 3))

	require.NoError(t, drive(m.InstallSucceeded))
	require.NoError(t, drive(func() (Event, error) { return m.RequestStart(true) }))
	require.NoError(t, drive(m.StartupReady))

	assert.False(t, m.IsStable())
	clk.Advance(10 * time.Second)
	assert.True(t, m.IsStable())
}

func TestPauseResumeRoundTrip(t *testing.T) {
	m := New("svc")
	require.NoError(t, drive(m.InstallSucceeded))
	require.NoError(t, drive(func() (Event, error) { return m.RequestStart(true) }))
	require.NoError(t, drive(m.StartupReady))

	require.NoError(t, drive(m.Pause))
	assert.Equal(t, StatePaused, m.State())
	require.NoError(t, drive(m.Resume))
	assert.Equal(t, StateRunning, m.State())
}

func drive(fn func() (Event, error)) error {
	_, err := fn()
	return err
}
