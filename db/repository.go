package db

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when no row matches.
var ErrNotFound = errors.New("db: not found")

// Repository provides the payload store and generation history.
// History inserts go through an AsyncWriter once StartAsyncHistory is called.
type Repository struct {
	db  *Database
	now func() time.Time

	mu     sync.Mutex
	writer *AsyncWriter[GenerationRecord]
}

// NewRepository returns a Repository over d.
func NewRepository(d *Database) *Repository {
	return &Repository{db: d, now: time.Now}
}

// StartAsyncHistory queues later InsertGeneration calls on a background
// writer. onError receives records that failed to persist.
func (r *Repository) StartAsyncHistory(capacity int, onError func(GenerationRecord, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writer != nil {
		return
	}
	r.writer = NewAsyncWriter(capacity, func(rec GenerationRecord) error {
		_, err := r.insertGeneration(context.Background(), rec)
		return err
	}, onError)
	r.writer.Start()
}

// FlushHistory drains queued history records. It matches core.ShutdownFunc.
func (r *Repository) FlushHistory(ctx context.Context) error {
	r.mu.Lock()
	w := r.writer
	r.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Stop(ctx)
}

func (r *Repository) asyncWriter() *AsyncWriter[GenerationRecord] {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writer
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
