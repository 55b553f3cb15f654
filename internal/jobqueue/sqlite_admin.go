package jobqueue

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Inspector is implemented by drivers that can report and repair stored jobs.
type Inspector interface {
	List(ctx context.Context, statuses ...Status) ([]Record, error)
	Stats(ctx context.Context) (map[Status]int, error)
	Retry(ctx context.Context, ids ...string) (int64, error)
	Health(ctx context.Context) error
}

// List returns stored jobs, newest first, optionally filtered by status.
func (q *SQLiteQueue) List(ctx context.Context, statuses ...Status) ([]Record, error) {
	query := `SELECT id, video_id, video_path, metadata_path, status, attempt, max_attempts,
       available_at, last_heartbeat, COALESCE(last_error, ''), created_at, updated_at
FROM jobs WHERE queue = ?`
	args := []any{q.name}
	if len(statuses) > 0 {
		query += " AND status IN (" + placeholders(len(statuses)) + ")"
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += " ORDER BY created_at DESC, id DESC"

	var records []Record
	err := retryOnBusy(ctx, func() error {
		records = nil
		rows, err := q.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				r                           Record
				available, created, updated int64
				heartbeat                   sql.NullInt64
			)
			if err := rows.Scan(&r.ID, &r.VideoID, &r.VideoPath, &r.MetadataPath, &r.Status, &r.Attempt, &r.MaxAttempts,
				&available, &heartbeat, &r.LastError, &created, &updated); err != nil {
				return err
			}
			r.AvailableAt = time.UnixMilli(available).UTC()
			if heartbeat.Valid {
				r.LastHeartbeat = time.UnixMilli(heartbeat.Int64).UTC()
			}
			r.CreatedAt = time.UnixMilli(created).UTC()
			r.UpdatedAt = time.UnixMilli(updated).UTC()
			records = append(records, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return records, nil
}

// Stats counts jobs per status.
func (q *SQLiteQueue) Stats(ctx context.Context) (map[Status]int, error) {
	stats := map[Status]int{StatusPending: 0, StatusActive: 0, StatusFailed: 0, StatusDone: 0}
	err := retryOnBusy(ctx, func() error {
		rows, err := q.db.QueryContext(ctx, "SELECT status, COUNT(1) FROM jobs WHERE queue = ? GROUP BY status", q.name)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				status Status
				count  int
			)
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			stats[status] = count
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	return stats, nil
}

// Retry moves failed jobs back to pending with a fresh attempt budget. With
// no ids every failed job is retried. Videos that already have a pending or
// active job are skipped.
func (q *SQLiteQueue) Retry(ctx context.Context, ids ...string) (int64, error) {
	now := q.now().UnixMilli()
	query := `UPDATE jobs SET status = ?, attempt = 0, last_error = NULL, available_at = ?, updated_at = ?
WHERE queue = ? AND status = ?
  AND NOT EXISTS (SELECT 1 FROM jobs o WHERE o.video_id = jobs.video_id AND o.status IN (?, ?))`
	args := []any{StatusPending, now, now, q.name, StatusFailed, StatusPending, StatusActive}
	if len(ids) > 0 {
		query += " AND id IN (" + placeholders(len(ids)) + ")"
		for _, id := range ids {
			args = append(args, id)
		}
	}
	res, err := q.exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("retry jobs: %w", err)
	}
	return res.RowsAffected()
}

// Health verifies the database answers queries.
func (q *SQLiteQueue) Health(ctx context.Context) error {
	if q.isClosed() {
		return ErrClosed
	}
	if err := q.db.PingContext(ctx); err != nil {
		return fmt.Errorf("queue database unreachable: %w", err)
	}
	return nil
}

// Purge deletes finished jobs last updated before cutoff.
func (q *SQLiteQueue) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.exec(ctx, "DELETE FROM jobs WHERE queue = ? AND status = ? AND updated_at < ?",
		q.name, StatusDone, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return res.RowsAffected()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

var _ Inspector = (*SQLiteQueue)(nil)

// FormatStats renders a short status summary such as "pending=1 active=0".
func FormatStats(stats map[Status]int) string {
	parts := make([]string, 0, len(stats))
	for _, s := range []Status{StatusPending, StatusActive, StatusFailed, StatusDone} {
		parts = append(parts, string(s)+"="+strconv.Itoa(stats[s]))
	}
	return strings.Join(parts, " ")
}
