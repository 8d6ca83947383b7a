// Package jobs caches uploaded payloads between the upload request and the
// start-processing request. Every entry is single-use: the first Take
// removes it, bounding disk growth independent of inference duration.
package jobs

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a job id is unknown or already consumed.
var ErrNotFound = errors.New("jobs: not found")

// Store keeps uploaded bytes on disk under random ids. The id doubles as
// the pub/sub channel name for the job's results.
type Store struct {
	dir    string
	logger *zap.SugaredLogger

	mu    sync.Mutex
	kinds map[string]bool // id -> uploaded as image
}

func NewStore(dir string, logger *zap.SugaredLogger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "jobs: create cache dir %q", dir)
	}
	return &Store{
		dir:    dir,
		logger: logger,
		kinds:  map[string]bool{},
	}, nil
}

// Put persists the payload under a fresh random id and returns the id.
// It never blocks on other jobs beyond the map insert.
func (s *Store) Put(data []byte, isImage bool) (string, error) {
	id := uuid.NewString()
	if err := os.WriteFile(s.path(id), data, 0o600); err != nil {
		return "", errors.Wrapf(err, "jobs: write %s", id)
	}
	s.mu.Lock()
	s.kinds[id] = isImage
	s.mu.Unlock()
	s.logger.Infow("job cached", "id", id, "bytes", len(data), "image", isImage)
	return id, nil
}

// Take returns the payload and its media kind, then deletes the entry.
// A second Take for the same id fails with ErrNotFound.
func (s *Store) Take(id string) ([]byte, bool, error) {
	s.mu.Lock()
	isImage, ok := s.kinds[id]
	if ok {
		delete(s.kinds, id)
	}
	s.mu.Unlock()
	if !ok {
		return nil, false, errors.Wrapf(ErrNotFound, "take %s", id)
	}

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, errors.Wrapf(ErrNotFound, "take %s", id)
		}
		return nil, false, errors.Wrapf(err, "jobs: read %s", id)
	}
	if err := os.Remove(s.path(id)); err != nil {
		s.logger.Warnw("failed to remove consumed job", "id", id, "error", err)
	}
	return data, isImage, nil
}

// Len reports the number of cached, not-yet-consumed jobs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.kinds)
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id)
}
