package shutdown

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestOperationTracker_BeginDone(t *testing.T) {
	tr := NewOperationTracker()

	done, ok := tr.Begin("image")
	if !ok {
		t.Fatal("Begin() ok = false on open tracker")
	}
	if tr.ActiveCount() != 1 {
		t.Errorf("ActiveCount() = %d, want 1", tr.ActiveCount())
	}
	ops := tr.Active()
	if len(ops) != 1 || ops[0].Name != "image" {
		t.Errorf("Active() = %+v, want one image op", ops)
	}

	done()
	done()
	if tr.ActiveCount() != 0 {
		t.Errorf("ActiveCount() = %d after done, want 0", tr.ActiveCount())
	}
}

func TestOperationTracker_ActiveOrder(t *testing.T) {
	tr := NewOperationTracker()
	names := []string{"precompute", "image", "video"}
	dones := make([]func(), 0, len(names))
	for _, n := range names {
		d, _ := tr.Begin(n)
		dones = append(dones, d)
	}
	dones[1]()

	ops := tr.Active()
	if len(ops) != 2 || ops[0].Name != "precompute" || ops[1].Name != "video" {
		t.Errorf("Active() = %+v, want precompute then video", ops)
	}
	dones[0]()
	dones[2]()
}

func TestOperationTracker_ClosedRejects(t *testing.T) {
	tr := NewOperationTracker()
	tr.Close()
	done, ok := tr.Begin("late")
	if ok {
		t.Error("Begin() ok = true after Close")
	}
	done()
	if !tr.IsClosed() {
		t.Error("IsClosed() = false")
	}
}

func TestOperationTracker_Wait(t *testing.T) {
	tr := NewOperationTracker()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		done, _ := tr.Begin("op")
		wg.Add(1)
		go func() {
			defer wg.Done()
			time.Sleep(10 * time.Millisecond)
			done()
		}()
	}
	if err := tr.Wait(time.Second); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
	wg.Wait()
}

func TestOperationTracker_WaitTimeout(t *testing.T) {
	tr := NewOperationTracker()
	done, _ := tr.Begin("stuck")
	defer done()

	err := tr.Wait(20 * time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("Wait() error = %v, want %v", err, ErrWaitTimeout)
	}
}
