package reaper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wisbric/chalorch/pkg/tasktracker"
)

func TestSchedule_FiresTeardownAtExpiry(t *testing.T) {
	var firedRow int64
	var calls int32
	teardown := func(_ context.Context, rowID int64) error {
		atomic.StoreInt64(&firedRow, rowID)
		atomic.AddInt32(&calls, 1)
		return nil
	}

	tr := tasktracker.New(nil)
	r := New(nil, teardown, tr, nil)

	r.Schedule(42, time.Now().Add(20*time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("teardown called %d times, want 1", calls)
	}
	if atomic.LoadInt64(&firedRow) != 42 {
		t.Fatalf("fired for row %d, want 42", firedRow)
	}
}

func TestSchedule_PastDeadlineFiresImmediately(t *testing.T) {
	done := make(chan struct{})
	teardown := func(context.Context, int64) error {
		close(done)
		return nil
	}

	tr := tasktracker.New(nil)
	r := New(nil, teardown, tr, nil)
	r.Schedule(1, time.Now().Add(-time.Hour))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected an already-past expiry to fire promptly")
	}
}

func TestCancel_PreventsFire(t *testing.T) {
	called := make(chan struct{}, 1)
	teardown := func(context.Context, int64) error {
		called <- struct{}{}
		return nil
	}

	tr := tasktracker.New(nil)
	r := New(nil, teardown, tr, nil)
	r.Schedule(7, time.Now().Add(30*time.Millisecond))
	r.Cancel(7)

	select {
	case <-called:
		t.Fatal("expected teardown not to fire after Cancel")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestSchedule_ReplacesExistingTimer(t *testing.T) {
	var calls int32
	teardown := func(context.Context, int64) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}

	tr := tasktracker.New(nil)
	r := New(nil, teardown, tr, nil)
	r.Schedule(3, time.Now().Add(time.Hour))
	r.Schedule(3, time.Now().Add(10*time.Millisecond))

	time.Sleep(200 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d, want 1 (rescheduling should replace, not stack, timers)", calls)
	}
}

func TestFire_TeardownErrorIsSwallowed(t *testing.T) {
	teardown := func(context.Context, int64) error {
		return errors.New("remote cleanup failed")
	}

	tr := tasktracker.New(nil)
	r := New(nil, teardown, tr, nil)
	r.Schedule(5, time.Now().Add(10*time.Millisecond))

	time.Sleep(200 * time.Millisecond) // must not panic or hang
}
