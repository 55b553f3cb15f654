package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"clipline/internal/services"
)

// dialect captures the differences between the sqlite and postgres drivers.
type dialect struct {
	name            string
	schema          string
	tableExistsSQL  string
	positional      bool
	timeArg         func(time.Time) any
	retryOnBusy     func(ctx context.Context, op func() error) error
	locatorLocation string
}

// sqlStore implements Store over database/sql.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// schemaVersion is the current schema version. Bump this when the schema changes.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database schema version doesn't match the expected version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

// rebind rewrites ? placeholders to $n for dialects that need it.
func (s *sqlStore) rebind(query string) string {
	if !s.dialect.positional {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) retry(ctx context.Context, op func() error) error {
	if s.dialect.retryOnBusy == nil {
		return op()
	}
	return s.dialect.retryOnBusy(ctx, op)
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := s.retry(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, s.rebind(query), args...)
		return execErr
	})
	return res, err
}

func (s *sqlStore) initSchema(ctx context.Context) error {
	var tableExists int
	if err := s.db.QueryRowContext(ctx, s.dialect.tableExistsSQL).Scan(&tableExists); err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

func (s *sqlStore) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.dialect.schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind("INSERT INTO schema_version (version) VALUES (?)"), schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

func (s *sqlStore) Create(ctx context.Context, v *Video) error {
	if err := v.Check(); err != nil {
		return services.Wrap(services.ErrValidation, "", "create metadata", v.ID, err)
	}
	record := v.Clone()
	record.Version = 1
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.exec(ctx,
		"INSERT INTO videos (id, status, version, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)",
		record.ID, string(record.Status), record.Version, string(data),
		s.dialect.timeArg(record.CreatedAt), s.dialect.timeArg(record.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrExists, v.ID)
		}
		return services.Wrap(services.ErrPersistence, "", "create metadata", v.ID, err)
	}
	v.Version = record.Version
	return nil
}

func (s *sqlStore) Load(ctx context.Context, id string) (*Video, error) {
	var data string
	err := s.retry(ctx, func() error {
		return s.db.QueryRowContext(ctx, s.rebind("SELECT data FROM videos WHERE id = ?"), id).Scan(&data)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(id)
	}
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "", "load metadata", id, err)
	}
	return decodeVideo([]byte(data))
}

func (s *sqlStore) Save(ctx context.Context, v *Video) error {
	err := s.retry(ctx, func() error { return s.saveOnce(ctx, v) })
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			return err
		}
		return services.Wrap(services.ErrPersistence, "", "save metadata", v.ID, err)
	}
	return nil
}

func (s *sqlStore) saveOnce(ctx context.Context, v *Video) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var data string
	if err := tx.QueryRowContext(ctx, s.rebind("SELECT data FROM videos WHERE id = ?"), v.ID).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound(v.ID)
		}
		return err
	}
	stored, err := decodeVideo([]byte(data))
	if err != nil {
		return err
	}
	if err := prepareSave(stored, v); err != nil {
		return err
	}

	nextVersion, updated := stamp(v, s.now())
	record := v.Clone()
	record.Version = nextVersion
	record.UpdatedAt = updated
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		s.rebind("UPDATE videos SET status = ?, version = ?, data = ?, updated_at = ? WHERE id = ? AND version = ?"),
		string(record.Status), record.Version, string(encoded), s.dialect.timeArg(record.UpdatedAt), v.ID, v.Version,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n != 1 {
		return fmt.Errorf("%w: video %s changed concurrently", ErrVersionConflict, v.ID)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	v.Version = nextVersion
	v.UpdatedAt = updated
	return nil
}

func (s *sqlStore) List(ctx context.Context, filter ListFilter) ([]*Video, error) {
	query := "SELECT data FROM videos"
	var args []any
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}

	var videos []*Video
	err := s.retry(ctx, func() error {
		videos = nil
		rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var data string
			if err := rows.Scan(&data); err != nil {
				return err
			}
			v, err := decodeVideo([]byte(data))
			if err != nil {
				return err
			}
			videos = append(videos, v)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "", "list metadata", "", err)
	}
	return videos, nil
}

func (s *sqlStore) AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (Lease, error) {
	now := s.now()
	res, err := s.exec(ctx, `INSERT INTO video_leases (video_id, owner, expires_at) VALUES (?, ?, ?)
ON CONFLICT (video_id) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
WHERE video_leases.expires_at < ? OR video_leases.owner = excluded.owner`,
		id, owner, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "", "acquire lease", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, services.Wrap(services.ErrPersistence, "", "acquire lease", id, err)
	} else if n == 0 {
		var holder string
		_ = s.db.QueryRowContext(ctx, s.rebind("SELECT owner FROM video_leases WHERE video_id = ?"), id).Scan(&holder)
		return nil, leaseHeld(id, holder)
	}
	return &sqlLease{store: s, videoID: id, owner: owner, ttl: ttl}, nil
}

func (s *sqlStore) Locator(id string) string {
	return s.dialect.name + "://" + s.dialect.locatorLocation + "#" + id
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqlLease struct {
	store   *sqlStore
	videoID string
	owner   string
	ttl     time.Duration
}

func (l *sqlLease) Owner() string { return l.owner }

func (l *sqlLease) Renew(ctx context.Context) error {
	res, err := l.store.exec(ctx,
		"UPDATE video_leases SET expires_at = ? WHERE video_id = ? AND owner = ?",
		l.store.now().Add(l.ttl).UnixMilli(), l.videoID, l.owner)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: video %s", ErrLeaseLost, l.videoID)
	}
	return nil
}

func (l *sqlLease) Release(ctx context.Context) error {
	if _, err := l.store.exec(ctx, "DELETE FROM video_leases WHERE video_id = ? AND owner = ?", l.videoID, l.owner); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

func decodeVideo(data []byte) (*Video, error) {
	var v Video
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &v, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
