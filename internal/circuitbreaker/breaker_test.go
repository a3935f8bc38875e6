package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errUpstream = errors.New("upstream 503")

func failingCall(context.Context) error { return errUpstream }
func okCall(context.Context) error      { return nil }

func newTestBreaker(cooldown time.Duration) *CircuitBreaker {
	return New(&Config{
		Name:             "mouser",
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         cooldown,
		OnStateChange:    func(string, State, State) {},
	})
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb := newTestBreaker(time.Minute)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, failingCall)
		assert.Equal(t, StateClosed, cb.State(), "breaker must stay closed through failure %d", i+1)
	}

	_ = cb.Execute(ctx, failingCall) // fifth consecutive failure
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(ctx, okCall)
	assert.True(t, errors.Is(err, ErrCircuitOpen), "open breaker must fail fast")
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	cb := newTestBreaker(time.Minute)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, failingCall)
	}
	require.NoError(t, cb.Execute(ctx, okCall))

	for i := 0; i < 4; i++ {
		_ = cb.Execute(ctx, failingCall)
	}
	assert.Equal(t, StateClosed, cb.State(), "streak broken by a success must not trip")
}

func TestHalfOpenSingleProbeThenClose(t *testing.T) {
	cb := newTestBreaker(50 * time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, failingCall)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	// Only one probe may be in flight at a time.
	started := make(chan struct{})
	release := make(chan struct{})
	go cb.Execute(ctx, func(context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started
	err := cb.Execute(ctx, okCall)
	assert.True(t, errors.Is(err, ErrProbeBusy))
	close(release)
	time.Sleep(20 * time.Millisecond)

	// First probe succeeded; one more success closes the breaker.
	require.NoError(t, cb.Execute(ctx, okCall))
	assert.Equal(t, StateClosed, cb.State())
}

func TestHalfOpenProbeFailureReopens(t *testing.T) {
	cb := newTestBreaker(50 * time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = cb.Execute(ctx, failingCall)
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Execute(ctx, failingCall)
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(ctx, okCall)
	assert.True(t, errors.Is(err, ErrCircuitOpen), "cooldown restarts after a failed probe")
}

func TestIsFailureClassifierSparesPermanentErrors(t *testing.T) {
	permanent := errors.New("part not found")
	cb := New(&Config{
		Name:             "digikey",
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Cooldown:         time.Minute,
		IsFailure:        func(err error) bool { return err != nil && !errors.Is(err, permanent) },
		OnStateChange:    func(string, State, State) {},
	})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		_ = cb.Execute(ctx, func(context.Context) error { return permanent })
	}
	assert.Equal(t, StateClosed, cb.State(), "permanent errors must not open the circuit")

	_ = cb.Execute(ctx, failingCall)
	_ = cb.Execute(ctx, failingCall)
	assert.Equal(t, StateOpen, cb.State())
}

func TestManagerSharesBreakersByName(t *testing.T) {
	m := NewManager(DefaultConfig(""))

	a := m.Get("mouser")
	b := m.Get("mouser")
	c := m.Get("element14")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)

	snap := m.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, StateClosed, snap["mouser"].State)
}

func TestStateChangeCallback(t *testing.T) {
	var transitions []string
	cb := New(&Config{
		Name:             "mouser",
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Cooldown:         30 * time.Millisecond,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, failingCall)
	time.Sleep(40 * time.Millisecond)
	require.NoError(t, cb.Execute(ctx, okCall))

	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}
