package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), 3, nil, nil, func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("err=%v want nil", err)
	}
	if calls != 1 {
		t.Fatalf("calls=%d want 1", calls)
	}
}

func TestDo_RetriesTransientOnce(t *testing.T) {
	transient := errors.New("rate limited")
	calls := 0
	err := Do(context.Background(), 2,
		func(err error) bool { return errors.Is(err, transient) },
		Fixed(time.Millisecond),
		func() error {
			calls++
			if calls == 1 {
				return transient
			}
			return nil
		})
	if err != nil {
		t.Fatalf("err=%v want nil", err)
	}
	if calls != 2 {
		t.Fatalf("calls=%d want 2", calls)
	}
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	hard := errors.New("reverted")
	calls := 0
	err := Do(context.Background(), 5,
		func(error) bool { return false },
		Fixed(time.Millisecond),
		func() error {
			calls++
			return hard
		})
	if !errors.Is(err, hard) {
		t.Fatalf("err=%v want %v", err, hard)
	}
	if calls != 1 {
		t.Fatalf("calls=%d want 1", calls)
	}
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	transient := errors.New("rate limited")
	calls := 0
	err := Do(context.Background(), 2,
		func(error) bool { return true },
		Fixed(time.Millisecond),
		func() error {
			calls++
			return transient
		})
	if !errors.Is(err, transient) {
		t.Fatalf("err=%v want %v", err, transient)
	}
	if calls != 2 {
		t.Fatalf("calls=%d want 2", calls)
	}
}

func TestDo_ContextCancelsWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, 3,
		func(error) bool { return true },
		Fixed(time.Hour),
		func() error { return errors.New("transient") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want context.Canceled", err)
	}
}
