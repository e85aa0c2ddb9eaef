package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("transient")

func isTransient(err error) bool { return errors.Is(err, errTransient) }

func fastExecutor(attempts int) *Executor {
	e := New(attempts, time.Millisecond, isTransient, nil)
	e.MaxDelay = 4 * time.Millisecond
	return e
}

func TestDoRetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := fastExecutor(3).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsAfterAttempts(t *testing.T) {
	calls := 0
	err := fastExecutor(3).Do(context.Background(), func(context.Context) error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) {
		t.Fatalf("expected last transient error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoDoesNotRetryPermanentErrors(t *testing.T) {
	permanent := errors.New("not found")
	calls := 0
	err := fastExecutor(3).Do(context.Background(), func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected single call with permanent error, got %d calls, err %v", calls, err)
	}
}

func TestDoHonorsContextDuringBackoff(t *testing.T) {
	e := New(3, time.Hour, isTransient, nil)
	e.MaxDelay = time.Hour
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- e.Do(ctx, func(context.Context) error {
			calls++
			return errTransient
		})
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("executor ignored cancellation")
	}
	if calls != 1 {
		t.Fatalf("expected one call before cancellation, got %d", calls)
	}
}

func TestDelayIsExponentialAndCapped(t *testing.T) {
	e := New(5, time.Second, isTransient, nil)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := e.delay(i + 1); got != w {
			t.Fatalf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}
