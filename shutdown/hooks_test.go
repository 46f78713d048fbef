package shutdown

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"sdstage/sdruntime"

	"go.uber.org/zap/zaptest"
)

var _ SessionCloser = (*sdruntime.Runtime)(nil)

type fakeRuntime struct {
	cancels atomic.Int32
	closes  atomic.Int32
	block   chan struct{}
	err     error
}

func (f *fakeRuntime) CancelAll() { f.cancels.Add(1) }

func (f *fakeRuntime) CloseAll() error {
	f.closes.Add(1)
	if f.block != nil {
		<-f.block
	}
	return f.err
}

func TestAbortGenerations(t *testing.T) {
	rt := &fakeRuntime{}
	if err := AbortGenerations(rt)(context.Background()); err != nil {
		t.Fatalf("AbortGenerations() error = %v", err)
	}
	if rt.cancels.Load() != 1 || rt.closes.Load() != 0 {
		t.Errorf("cancels = %d, closes = %d, want 1, 0", rt.cancels.Load(), rt.closes.Load())
	}
}

func TestCloseSessions(t *testing.T) {
	want := errors.New("destroy failed")
	rt := &fakeRuntime{err: want}
	if err := CloseSessions(rt)(context.Background()); !errors.Is(err, want) {
		t.Errorf("CloseSessions() error = %v, want %v", err, want)
	}
}

func TestCloseSessions_GivesUpOnDeadline(t *testing.T) {
	rt := &fakeRuntime{block: make(chan struct{})}
	defer close(rt.block)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := CloseSessions(rt)(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("CloseSessions() error = %v, want deadline exceeded", err)
	}
}

type fakeFlusher struct{ flushed bool }

func (f *fakeFlusher) FlushHistory(context.Context) error {
	f.flushed = true
	return nil
}

func TestFlushHistory(t *testing.T) {
	f := &fakeFlusher{}
	if err := FlushHistory(f)(context.Background()); err != nil {
		t.Fatalf("FlushHistory() error = %v", err)
	}
	if !f.flushed {
		t.Error("FlushHistory did not flush")
	}
}

type syncerFunc func() error

func (f syncerFunc) Sync() error { return f() }

func TestSyncLogger(t *testing.T) {
	other := errors.New("disk full")
	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{"ok", nil, nil},
		{"terminal", &os.PathError{Op: "sync", Path: "/dev/stderr", Err: syscall.EINVAL}, nil},
		{"not a tty", syscall.ENOTTY, nil},
		{"real failure", other, other},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := SyncLogger(syncerFunc(func() error { return tt.err }))(context.Background())
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("SyncLogger() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRemovePartialOutputs(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "frame_000.png")
	partials := []string{
		filepath.Join(dir, "frame_001.png"+PartialSuffix),
		filepath.Join(dir, "frame_002.png"+PartialSuffix),
	}
	for _, p := range append([]string{keep}, partials...) {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := RemovePartialOutputs(zaptest.NewLogger(t), dir)(context.Background()); err != nil {
		t.Fatalf("RemovePartialOutputs() error = %v", err)
	}
	if _, err := os.Stat(keep); err != nil {
		t.Errorf("finished output removed: %v", err)
	}
	for _, p := range partials {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists", filepath.Base(p))
		}
	}
}

func TestRemovePartialOutputs_MissingDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "absent")
	if err := RemovePartialOutputs(zaptest.NewLogger(t), dir)(context.Background()); err != nil {
		t.Errorf("RemovePartialOutputs() error = %v, want nil", err)
	}
}

func TestRemovePartialOutputs_CancelledContext(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.png"+PartialSuffix)
	if err := os.WriteFile(p, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	removed, _ := removePartials(ctx, zaptest.NewLogger(t), dir)
	if removed != 0 {
		t.Errorf("removed = %d with cancelled context, want 0", removed)
	}
}
