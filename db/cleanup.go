package db

import (
	"context"
	"fmt"
	"time"
)

// RetentionPolicy bounds what Prune keeps. Zero fields disable that rule.
type RetentionPolicy struct {
	// HistoryAge drops generation rows older than this.
	HistoryAge time.Duration
	// HistoryMax keeps at most this many of the newest generation rows.
	HistoryMax int
	// PayloadIdle drops payloads not used for this long.
	PayloadIdle time.Duration
}

// PruneResult reports what one Prune removed.
type PruneResult struct {
	GenerationsDeleted int64
	PayloadsDeleted    int64
	Duration           time.Duration
}

// Prune applies policy in one transaction, then runs VACUUM. A VACUUM
// failure is returned with the counts of the committed deletes.
func (r *Repository) Prune(ctx context.Context, policy RetentionPolicy) (PruneResult, error) {
	start := time.Now()
	var result PruneResult

	conn, err := r.db.conn()
	if err != nil {
		return result, err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := r.now()
	exec := func(query string, args ...any) (int64, error) {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}

	if policy.HistoryAge > 0 {
		n, err := exec("DELETE FROM generations WHERE created_at < ?", millis(now.Add(-policy.HistoryAge)))
		if err != nil {
			return result, fmt.Errorf("failed to prune generations by age: %w", err)
		}
		result.GenerationsDeleted += n
	}
	if policy.HistoryMax > 0 {
		n, err := exec(`DELETE FROM generations WHERE id NOT IN (
			SELECT id FROM generations ORDER BY created_at DESC, id DESC LIMIT ?)`, policy.HistoryMax)
		if err != nil {
			return result, fmt.Errorf("failed to prune generations by count: %w", err)
		}
		result.GenerationsDeleted += n
	}
	if policy.PayloadIdle > 0 {
		n, err := exec("DELETE FROM conditioning_payloads WHERE last_used_at < ?", millis(now.Add(-policy.PayloadIdle)))
		if err != nil {
			return result, fmt.Errorf("failed to prune payloads: %w", err)
		}
		result.PayloadsDeleted = n
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("failed to commit transaction: %w", err)
	}

	if result.GenerationsDeleted+result.PayloadsDeleted > 0 {
		if _, err := conn.ExecContext(ctx, "VACUUM"); err != nil {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("prune succeeded but VACUUM failed: %w", err)
		}
	}
	result.Duration = time.Since(start)
	return result, nil
}
