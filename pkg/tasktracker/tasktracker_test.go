package tasktracker

import (
	"sync/atomic"
	"testing"
)

func TestGo_RunsAndWaitDrains(t *testing.T) {
	tr := New(nil)
	var ran int32
	tr.Go("increment", func() {
		atomic.AddInt32(&ran, 1)
	})
	tr.Wait()
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatalf("ran = %d, want 1", ran)
	}
}

func TestGo_PanicIsRecoveredAndDoesNotBlockWait(t *testing.T) {
	tr := New(nil)
	tr.Go("panicker", func() {
		panic("boom")
	})
	tr.Wait() // must return; a hung Wait means the panic wasn't recovered correctly
}

func TestWait_DrainsMultipleTasks(t *testing.T) {
	tr := New(nil)
	var count int32
	for i := 0; i < 10; i++ {
		tr.Go("task", func() {
			atomic.AddInt32(&count, 1)
		})
	}
	tr.Wait()
	if atomic.LoadInt32(&count) != 10 {
		t.Fatalf("count = %d, want 10", count)
	}
}
