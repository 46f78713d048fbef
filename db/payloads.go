package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"sdstage/sdruntime"

	"github.com/google/uuid"
)

// PayloadKey identifies the conditioning a prompt produces on one model.
type PayloadKey struct {
	Model       string
	Prompt      string
	Negative    string
	HasNegative bool
	Width       int
	Height      int
	ClipSkip    int
}

// KeyFor builds the key for a precompute request on model.
func KeyFor(model string, req sdruntime.ConditionRequest) PayloadKey {
	k := PayloadKey{
		Model:    model,
		Prompt:   req.Prompt,
		Width:    req.Width,
		Height:   req.Height,
		ClipSkip: req.ClipSkip,
	}
	if req.NegativePrompt != nil {
		k.Negative = *req.NegativePrompt
		k.HasNegative = true
	}
	return k
}

// StoredPayload is one persisted conditioning. Conditioning is nil in
// listings.
type StoredPayload struct {
	ID           string
	Key          PayloadKey
	Conditioning *sdruntime.Conditioning
	SizeBytes    int64
	CreatedAt    time.Time
	LastUsedAt   time.Time
}

// SavePayload stores cond under key, replacing any earlier payload for the
// same key. The ID of an existing row is kept.
func (r *Repository) SavePayload(ctx context.Context, key PayloadKey, cond *sdruntime.Conditioning) (string, error) {
	if cond == nil || cond.Cond == nil {
		return "", fmt.Errorf("save payload: %w: no conditional payload", sdruntime.ErrInvalidPayload)
	}
	conn, err := r.db.conn()
	if err != nil {
		return "", err
	}

	condBytes, err := cond.Cond.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("save payload: %w", err)
	}
	size := int64(len(condBytes))
	var uncond any
	if cond.Uncond != nil {
		b, err := cond.Uncond.MarshalBinary()
		if err != nil {
			return "", fmt.Errorf("save payload: uncond: %w", err)
		}
		uncond = b
		size += int64(len(b))
	}

	now := millis(r.now())
	var id string
	err = conn.QueryRowContext(ctx, `
		INSERT INTO conditioning_payloads (
			id, model, prompt, negative, has_negative, width, height, clip_skip,
			cond, uncond, size_bytes, created_at, last_used_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (model, prompt, negative, has_negative, width, height, clip_skip)
		DO UPDATE SET cond = excluded.cond, uncond = excluded.uncond,
			size_bytes = excluded.size_bytes, last_used_at = excluded.last_used_at
		RETURNING id`,
		uuid.NewString(), key.Model, key.Prompt, key.Negative, key.HasNegative,
		key.Width, key.Height, key.ClipSkip,
		condBytes, uncond, size, now, now,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to save payload: %w", err)
	}
	return id, nil
}

const payloadColumns = `id, model, prompt, negative, has_negative, width, height, clip_skip,
	size_bytes, created_at, last_used_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayloadInfo(s rowScanner, extra ...any) (*StoredPayload, error) {
	var p StoredPayload
	var created, used int64
	dest := []any{
		&p.ID, &p.Key.Model, &p.Key.Prompt, &p.Key.Negative, &p.Key.HasNegative,
		&p.Key.Width, &p.Key.Height, &p.Key.ClipSkip,
		&p.SizeBytes, &created, &used,
	}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	p.CreatedAt = fromMillis(created)
	p.LastUsedAt = fromMillis(used)
	return &p, nil
}

func (r *Repository) loadPayload(ctx context.Context, where string, args ...any) (*StoredPayload, error) {
	conn, err := r.db.conn()
	if err != nil {
		return nil, err
	}

	var condBytes, uncondBytes []byte
	row := conn.QueryRowContext(ctx, "SELECT "+payloadColumns+", cond, uncond FROM conditioning_payloads WHERE "+where, args...)
	p, err := scanPayloadInfo(row, &condBytes, &uncondBytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payload: %w", err)
	}

	c := &sdruntime.Conditioning{Cond: new(sdruntime.Payload)}
	if err := c.Cond.UnmarshalBinary(condBytes); err != nil {
		return nil, fmt.Errorf("payload %s: %w", p.ID, err)
	}
	if uncondBytes != nil {
		c.Uncond = new(sdruntime.Payload)
		if err := c.Uncond.UnmarshalBinary(uncondBytes); err != nil {
			return nil, fmt.Errorf("payload %s uncond: %w", p.ID, err)
		}
	}
	p.Conditioning = c

	now := r.now()
	if _, err := conn.ExecContext(ctx, "UPDATE conditioning_payloads SET last_used_at = ? WHERE id = ?", millis(now), p.ID); err != nil {
		return nil, fmt.Errorf("failed to touch payload: %w", err)
	}
	p.LastUsedAt = now
	return p, nil
}

// FindPayload returns the payload stored for key, or ErrNotFound.
func (r *Repository) FindPayload(ctx context.Context, key PayloadKey) (*StoredPayload, error) {
	return r.loadPayload(ctx,
		"model = ? AND prompt = ? AND negative = ? AND has_negative = ? AND width = ? AND height = ? AND clip_skip = ?",
		key.Model, key.Prompt, key.Negative, key.HasNegative, key.Width, key.Height, key.ClipSkip)
}

// GetPayload returns the payload with the given ID, or ErrNotFound.
func (r *Repository) GetPayload(ctx context.Context, id string) (*StoredPayload, error) {
	return r.loadPayload(ctx, "id = ?", id)
}

// ListPayloads returns payload metadata, most recently used first.
func (r *Repository) ListPayloads(ctx context.Context, limit int) ([]StoredPayload, error) {
	conn, err := r.db.conn()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := conn.QueryContext(ctx,
		"SELECT "+payloadColumns+" FROM conditioning_payloads ORDER BY last_used_at DESC, id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query payloads: %w", err)
	}
	defer rows.Close()

	var out []StoredPayload
	for rows.Next() {
		p, err := scanPayloadInfo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payload row: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// DeletePayload removes a payload. History rows that referenced it keep
// their data with payload_id cleared.
func (r *Repository) DeletePayload(ctx context.Context, id string) error {
	conn, err := r.db.conn()
	if err != nil {
		return err
	}
	res, err := conn.ExecContext(ctx, "DELETE FROM conditioning_payloads WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete payload: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
