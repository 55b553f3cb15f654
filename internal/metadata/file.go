package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"clipline/internal/fileutil"
	"clipline/internal/services"
)

const (
	metaFileName  = "meta.json"
	metaLockName  = "meta.json.lock"
	leaseFileName = "meta.lease"

	lockPollInterval = 20 * time.Millisecond
)

// FileStore keeps one meta.json per video directory under root, next to the
// video's artifacts.
type FileStore struct {
	root string
	now  func() time.Time
}

// OpenFile returns a file-backed store rooted at dir.
func OpenFile(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("file store root required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FileStore{root: dir, now: time.Now}, nil
}

func (s *FileStore) videoDir(id string) string { return filepath.Join(s.root, id) }

func (s *FileStore) metaPath(id string) string { return filepath.Join(s.videoDir(id), metaFileName) }

// withRecordLock serializes read-modify-write cycles on one record across processes.
func (s *FileStore) withRecordLock(ctx context.Context, id string, fn func() error) error {
	lock := flock.New(filepath.Join(s.videoDir(id), metaLockName))
	locked, err := lock.TryLockContext(ctx, lockPollInterval)
	if err != nil {
		return fmt.Errorf("lock metadata: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock metadata: %s not acquired", id)
	}
	defer func() { _ = lock.Unlock() }()
	return fn()
}

func (s *FileStore) Create(ctx context.Context, v *Video) error {
	if err := v.Check(); err != nil {
		return services.Wrap(services.ErrValidation, "", "create metadata", v.ID, err)
	}
	if !ValidID(v.ID) {
		return services.Wrap(services.ErrValidation, "", "create metadata", "invalid video id", nil)
	}
	if err := os.MkdirAll(s.videoDir(v.ID), 0o755); err != nil {
		return services.Wrap(services.ErrPersistence, "", "create metadata", v.ID, err)
	}
	return s.withRecordLock(ctx, v.ID, func() error {
		if _, err := os.Stat(s.metaPath(v.ID)); err == nil {
			return fmt.Errorf("%w: %s", ErrExists, v.ID)
		}
		record := v.Clone()
		record.Version = 1
		if err := fileutil.WriteJSONAtomic(s.metaPath(v.ID), record); err != nil {
			return services.Wrap(services.ErrPersistence, "", "create metadata", v.ID, err)
		}
		v.Version = 1
		return nil
	})
}

func (s *FileStore) Load(_ context.Context, id string) (*Video, error) {
	if !ValidID(id) {
		return nil, notFound(id)
	}
	return s.read(id)
}

func (s *FileStore) read(id string) (*Video, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound(id)
		}
		return nil, services.Wrap(services.ErrPersistence, "", "load metadata", id, err)
	}
	var v Video
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, services.Wrap(services.ErrPersistence, "", "load metadata", id, fmt.Errorf("decode %s: %w", metaFileName, err))
	}
	return &v, nil
}

func (s *FileStore) Save(ctx context.Context, v *Video) error {
	if !ValidID(v.ID) {
		return notFound(v.ID)
	}
	if _, err := os.Stat(s.metaPath(v.ID)); errors.Is(err, os.ErrNotExist) {
		return notFound(v.ID)
	}
	err := s.withRecordLock(ctx, v.ID, func() error {
		stored, err := s.read(v.ID)
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
		if err := fileutil.WriteJSONAtomic(s.metaPath(v.ID), record); err != nil {
			return err
		}
		v.Version = nextVersion
		v.UpdatedAt = updated
		return nil
	})
	if err != nil {
		if errors.Is(err, services.ErrNotFound) || errors.Is(err, services.ErrPersistence) {
			return err
		}
		return services.Wrap(services.ErrPersistence, "", "save metadata", v.ID, err)
	}
	return nil
}

func (s *FileStore) List(_ context.Context, filter ListFilter) ([]*Video, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "", "list metadata", s.root, err)
	}
	var videos []*Video
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		v, err := s.read(entry.Name())
		if err != nil {
			if errors.Is(err, services.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, v.Status) {
			continue
		}
		videos = append(videos, v)
	}
	sort.Slice(videos, func(i, j int) bool {
		if videos[i].CreatedAt.Equal(videos[j].CreatedAt) {
			return videos[i].ID > videos[j].ID
		}
		return videos[i].CreatedAt.After(videos[j].CreatedAt)
	})
	if filter.Limit > 0 && len(videos) > filter.Limit {
		videos = videos[:filter.Limit]
	}
	return videos, nil
}

// AcquireLease takes an exclusive flock on the video's lease file. The kernel
// drops the lock if the process dies, so ttl is not needed for recovery.
func (s *FileStore) AcquireLease(_ context.Context, id, owner string, _ time.Duration) (Lease, error) {
	if !ValidID(id) {
		return nil, notFound(id)
	}
	if _, err := os.Stat(s.metaPath(id)); errors.Is(err, os.ErrNotExist) {
		return nil, notFound(id)
	}
	path := filepath.Join(s.videoDir(id), leaseFileName)
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, services.Wrap(services.ErrPersistence, "", "acquire lease", id, err)
	}
	if !locked {
		holder, _ := os.ReadFile(path)
		return nil, leaseHeld(id, strings.TrimSpace(string(holder)))
	}
	_ = os.WriteFile(path, []byte(owner+"\n"), 0o644)
	return &fileLease{lock: lock, videoID: id, owner: owner}, nil
}

func (s *FileStore) Locator(id string) string {
	return s.metaPath(id)
}

func (s *FileStore) Close() error { return nil }

type fileLease struct {
	mu       sync.Mutex
	lock     *flock.Flock
	videoID  string
	owner    string
	released bool
}

func (l *fileLease) Owner() string { return l.owner }

func (l *fileLease) Renew(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released || !l.lock.Locked() {
		return fmt.Errorf("%w: video %s", ErrLeaseLost, l.videoID)
	}
	return nil
}

func (l *fileLease) Release(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true
	if err := l.lock.Unlock(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
