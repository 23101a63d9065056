package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errProvider = errors.New("provider exploded")

// testClock lets tests move time manually.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time         { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(threshold int, recovery time.Duration) (*Breaker, *testClock) {
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := New(Config{
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		Clock:            clock.Now,
	})
	return b, clock
}

func fail(ctx context.Context) error    { return errProvider }
func succeed(ctx context.Context) error { return nil }

func TestBreaker_OpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		b.Execute(ctx, fail)
		if b.State() != StateClosed {
			t.Fatalf("breaker opened after %d failures, threshold is 3", i+1)
		}
	}
	b.Execute(ctx, fail)
	if b.State() != StateOpen {
		t.Errorf("state = %v after threshold failures, want open", b.State())
	}
}

func TestBreaker_OpenRejectsWithNextAttempt(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	b.Execute(ctx, fail)

	called := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("fn ran while circuit open")
	}
	var open *OpenError
	if !errors.As(err, &open) {
		t.Fatalf("error = %v, want *OpenError", err)
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Error("OpenError should unwrap to ErrCircuitOpen")
	}
	want := clock.Now().Add(time.Minute)
	if !open.NextAttempt.Equal(want) {
		t.Errorf("NextAttempt = %v, want %v", open.NextAttempt, want)
	}
}

func TestBreaker_HalfOpenTrialSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	b.Execute(ctx, fail)
	clock.Advance(61 * time.Second)

	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("trial call error: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v after successful trial, want closed", b.State())
	}
	if got := b.GetStats().FailureCount; got != 0 {
		t.Errorf("failure count = %d after recovery, want 0", got)
	}
}

func TestBreaker_HalfOpenTrialFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	b.Execute(ctx, fail)
	clock.Advance(61 * time.Second)

	b.Execute(ctx, fail)
	if b.State() != StateOpen {
		t.Errorf("state = %v after failed trial, want open", b.State())
	}

	// The recovery timer restarted: still rejecting just before it elapses.
	clock.Advance(59 * time.Second)
	err := b.Execute(ctx, succeed)
	var open *OpenError
	if !errors.As(err, &open) {
		t.Errorf("expected rejection during restarted recovery window, got %v", err)
	}
}

func TestBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	b.Execute(ctx, fail)
	clock.Advance(61 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	go b.Execute(ctx, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	// Second call while the trial is in flight must be rejected.
	err := b.Execute(ctx, succeed)
	var open *OpenError
	if !errors.As(err, &open) {
		t.Errorf("second half-open call error = %v, want *OpenError", err)
	}
	close(release)
}

func TestBreaker_ClosedSuccessDecrementsFailures(t *testing.T) {
	b, _ := newTestBreaker(5, time.Minute)
	ctx := context.Background()

	b.Execute(ctx, fail)
	b.Execute(ctx, fail)
	b.Execute(ctx, fail)
	b.Execute(ctx, succeed)

	if got := b.GetStats().FailureCount; got != 2 {
		t.Errorf("failure count = %d, want 2 (decay, not reset)", got)
	}

	// Two more failures reach the threshold through the decayed count.
	b.Execute(ctx, fail)
	b.Execute(ctx, fail)
	b.Execute(ctx, fail)
	if b.State() != StateOpen {
		t.Errorf("state = %v, want open once decayed count reaches threshold", b.State())
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	clock := &testClock{now: time.Now()}
	b := New(Config{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		Clock:            clock.Now,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})
	ctx := context.Background()

	b.Execute(ctx, fail)
	clock.Advance(61 * time.Second)
	b.Execute(ctx, succeed)

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}
