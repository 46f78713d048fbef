package shutdown

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"

	"sdstage/core"

	"go.uber.org/zap"
)

// PartialSuffix marks output files that are still being written.
const PartialSuffix = ".partial"

// SessionCloser is satisfied by *sdruntime.Runtime.
type SessionCloser interface {
	CancelAll()
	CloseAll() error
}

// HistoryFlusher is satisfied by *db.Repository.
type HistoryFlusher interface {
	FlushHistory(ctx context.Context) error
}

// Syncer is satisfied by *zap.Logger and *logging.Logger.
type Syncer interface {
	Sync() error
}

// AbortGenerations raises the cancel flag on every open session. It returns
// at once; the engine notices the flag on its next step.
func AbortGenerations(rt SessionCloser) core.ShutdownFunc {
	return func(context.Context) error {
		rt.CancelAll()
		return nil
	}
}

// CloseSessions destroys every session. It waits for calls in flight, so it
// runs in a goroutine and gives up when ctx expires.
func CloseSessions(rt SessionCloser) core.ShutdownFunc {
	return func(ctx context.Context) error {
		done := make(chan error, 1)
		go func() { done <- rt.CloseAll() }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// FlushHistory drains queued history rows.
func FlushHistory(repo HistoryFlusher) core.ShutdownFunc {
	return repo.FlushHistory
}

// SyncLogger flushes l. Errors from syncing a terminal are ignored.
func SyncLogger(l Syncer) core.ShutdownFunc {
	return func(context.Context) error {
		err := l.Sync()
		if err == nil || errors.Is(err, syscall.ENOTTY) || errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.EBADF) {
			return nil
		}
		return err
	}
}

// RemovePartialOutputs deletes files ending in PartialSuffix under dir left
// behind by interrupted writes. Failures are logged, never returned.
func RemovePartialOutputs(logger *zap.Logger, dir string) core.ShutdownFunc {
	return func(ctx context.Context) error {
		removed, failed := removePartials(ctx, logger, dir)
		if removed+failed > 0 {
			logger.Info("partial outputs removed",
				zap.String("dir", dir),
				zap.Int("removed", removed),
				zap.Int("failed", failed),
			)
		}
		return nil
	}
}

func removePartials(ctx context.Context, logger *zap.Logger, dir string) (removed, failed int) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+PartialSuffix))
	if err != nil {
		logger.Warn("listing partial outputs failed", zap.String("dir", dir), zap.Error(err))
		return 0, 0
	}
	for _, path := range matches {
		if ctx.Err() != nil {
			logger.Warn("cleanup interrupted", zap.Int("remaining", len(matches)-removed-failed))
			return removed, failed
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			failed++
			logger.Warn("removing partial output failed", zap.String("file", filepath.Base(path)), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, failed
}
