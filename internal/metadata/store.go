package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clipline/internal/config"
	"clipline/internal/services"
)

var (
	// ErrExists is returned by Create when the id is already taken.
	ErrExists = errors.New("video already exists")
	// ErrVersionConflict is returned by Save when the stored version moved on.
	ErrVersionConflict = errors.New("version conflict")
	// ErrLeaseLost is returned by Renew when another owner took over an expired lease.
	ErrLeaseLost = errors.New("lease lost")
)

// ListFilter narrows List results.
type ListFilter struct {
	Statuses []Status
	Limit    int
}

// Store persists Video records.
//
// Save is a full overwrite guarded by compare-and-swap: it succeeds only when
// the stored version equals v.Version, and on success increments v.Version and
// bumps v.UpdatedAt. Callers read, modify, and save; on ErrVersionConflict they
// reload and reapply.
type Store interface {
	Create(ctx context.Context, v *Video) error
	Load(ctx context.Context, id string) (*Video, error)
	Save(ctx context.Context, v *Video) error
	List(ctx context.Context, filter ListFilter) ([]*Video, error)
	AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) (Lease, error)
	Locator(id string) string
	Close() error
}

// Lease grants exclusive processing rights for one video.
type Lease interface {
	Owner() string
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// Open constructs the store selected by cfg.Storage.Driver.
func Open(cfg *config.Config) (Store, error) {
	switch cfg.Storage.Driver {
	case "", "sqlite":
		if err := cfg.EnsureDirectories(); err != nil {
			return nil, fmt.Errorf("ensure directories: %w", err)
		}
		return OpenSQLite(cfg.MetadataDBPath())
	case "postgres":
		return OpenPostgres(cfg.Storage.DSN)
	case "file":
		store, err := OpenFile(cfg.VideosDir())
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, services.Wrap(services.ErrConfiguration, "", "open store", fmt.Sprintf("unknown storage driver %q", cfg.Storage.Driver), nil)
	}
}

func notFound(id string) error {
	return services.Wrap(services.ErrNotFound, "", "load metadata", fmt.Sprintf("video %s", id), nil)
}

func leaseHeld(id, holder string) error {
	msg := fmt.Sprintf("video %s is being processed", id)
	if holder != "" {
		msg += " by " + holder
	}
	return services.Wrap(services.ErrLeaseHeld, "", "acquire lease", msg, nil)
}

// prepareSave validates next against the stored record before a write.
func prepareSave(stored, next *Video) error {
	if stored.Version != next.Version {
		return fmt.Errorf("%w: video %s stored version %d, saving version %d", ErrVersionConflict, next.ID, stored.Version, next.Version)
	}
	if err := checkFlags(stored.Steps, next.Steps); err != nil {
		return err
	}
	if stored.Status == StatusCompleted && next.Status != StatusCompleted {
		return fmt.Errorf("%w: completed video %s cannot move to %s", ErrInvariant, next.ID, next.Status)
	}
	return next.Check()
}

// stamp returns the version and timestamp a successful save will record.
func stamp(v *Video, now time.Time) (int64, time.Time) {
	updated := now.UTC()
	if !updated.After(v.UpdatedAt) {
		updated = v.UpdatedAt.Add(time.Microsecond)
	}
	return v.Version + 1, updated
}
