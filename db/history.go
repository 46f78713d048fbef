package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sdstage/sdruntime"
)

// Status is the outcome of a recorded call.
type Status string

const (
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// StatusOf classifies a call error.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case sdruntime.IsCancelled(err):
		return StatusCancelled
	default:
		return StatusError
	}
}

// GenerationRecord is one row of generation history.
type GenerationRecord struct {
	ID        int64
	Session   string
	Kind      sdruntime.CallKind
	Model     string
	Prompt    string
	Width     int
	Height    int
	Frames    int
	Steps     int
	Seed      int64
	PayloadID string // set when the call used or produced a stored payload
	Duration  time.Duration
	Status    Status
	Error     string
	CreatedAt time.Time
}

// RecordFromCall converts a runtime call record.
func RecordFromCall(c sdruntime.CallRecord, model, prompt, payloadID string) GenerationRecord {
	rec := GenerationRecord{
		Session:   c.Session,
		Kind:      c.Kind,
		Model:     model,
		Prompt:    prompt,
		Width:     c.Width,
		Height:    c.Height,
		Frames:    c.Frames,
		Steps:     c.Steps,
		Seed:      c.Seed,
		PayloadID: payloadID,
		Duration:  c.Duration,
		Status:    StatusOf(c.Err),
	}
	if c.Err != nil {
		rec.Error = c.Err.Error()
	}
	return rec
}

// InsertGeneration records a call. With async history running the write is
// queued and the returned ID is 0; a full queue falls back to a direct write.
func (r *Repository) InsertGeneration(ctx context.Context, rec GenerationRecord) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}
	if w := r.asyncWriter(); w != nil && w.Write(rec) {
		return 0, nil
	}
	return r.insertGeneration(ctx, rec)
}

func (r *Repository) insertGeneration(ctx context.Context, rec GenerationRecord) (int64, error) {
	conn, err := r.db.conn()
	if err != nil {
		return 0, err
	}
	var payloadID any
	if rec.PayloadID != "" {
		payloadID = rec.PayloadID
	}
	if rec.Frames == 0 {
		rec.Frames = 1
	}

	res, err := conn.ExecContext(ctx, `
		INSERT INTO generations (
			session_id, kind, model, prompt, width, height, frames, steps, seed,
			payload_id, duration_ms, status, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Session, string(rec.Kind), rec.Model, rec.Prompt, rec.Width, rec.Height,
		rec.Frames, rec.Steps, rec.Seed, payloadID, rec.Duration.Milliseconds(),
		string(rec.Status), rec.Error, millis(rec.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert generation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert id: %w", err)
	}
	return id, nil
}

const generationColumns = `id, session_id, kind, model, prompt, width, height, frames, steps, seed,
	COALESCE(payload_id, ''), duration_ms, status, error, created_at`

func (r *Repository) queryGenerations(ctx context.Context, query string, args ...any) ([]GenerationRecord, error) {
	conn, err := r.db.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query generations: %w", err)
	}
	defer rows.Close()

	var out []GenerationRecord
	for rows.Next() {
		var rec GenerationRecord
		var kind, status string
		var durMS, created int64
		if err := rows.Scan(
			&rec.ID, &rec.Session, &kind, &rec.Model, &rec.Prompt,
			&rec.Width, &rec.Height, &rec.Frames, &rec.Steps, &rec.Seed,
			&rec.PayloadID, &durMS, &status, &rec.Error, &created,
		); err != nil {
			return nil, fmt.Errorf("failed to scan generation row: %w", err)
		}
		rec.Kind = sdruntime.CallKind(kind)
		rec.Status = Status(status)
		rec.Duration = time.Duration(durMS) * time.Millisecond
		rec.CreatedAt = fromMillis(created)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating generation rows: %w", err)
	}
	return out, nil
}

// RecentGenerations returns the newest records first.
func (r *Repository) RecentGenerations(ctx context.Context, limit int) ([]GenerationRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	return r.queryGenerations(ctx,
		"SELECT "+generationColumns+" FROM generations ORDER BY created_at DESC, id DESC LIMIT ?", limit)
}

// GenerationsBySession returns one session's records, oldest first.
func (r *Repository) GenerationsBySession(ctx context.Context, session string) ([]GenerationRecord, error) {
	return r.queryGenerations(ctx,
		"SELECT "+generationColumns+" FROM generations WHERE session_id = ? ORDER BY id", session)
}

// KindSummary aggregates history for one call kind.
type KindSummary struct {
	Kind        sdruntime.CallKind
	Calls       int
	Failures    int
	Cancelled   int
	AvgDuration time.Duration
}

// SummarizeGenerations aggregates all history per kind, ordered by kind.
func (r *Repository) SummarizeGenerations(ctx context.Context) ([]KindSummary, error) {
	conn, err := r.db.conn()
	if err != nil {
		return nil, err
	}
	rows, err := conn.QueryContext(ctx, `
		SELECT kind, COUNT(*),
			SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END),
			AVG(duration_ms)
		FROM generations GROUP BY kind ORDER BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize generations: %w", err)
	}
	defer rows.Close()

	var out []KindSummary
	for rows.Next() {
		var s KindSummary
		var kind string
		var avg sql.NullFloat64
		if err := rows.Scan(&kind, &s.Calls, &s.Failures, &s.Cancelled, &avg); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		s.Kind = sdruntime.CallKind(kind)
		s.AvgDuration = time.Duration(avg.Float64 * float64(time.Millisecond))
		out = append(out, s)
	}
	return out, rows.Err()
}
