// Package settings persists the singleton record naming which models are
// currently selected for serving.
package settings

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketName = []byte("settings")
	currentKey = []byte("current")
)

// Settings is the one persisted row: the selected detector name and,
// depending on the serving variant, a segmenter name.
type Settings struct {
	Detector  string `json:"detector"`
	Segmenter string `json:"segmenter,omitempty"`
}

// Store wraps a bbolt database holding the settings singleton.
type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "settings: open %q", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "settings: create bucket")
	}
	return &Store{db: db}, nil
}

// Save replaces the singleton row. Delete-then-put inside one transaction
// keeps replace-on-write semantics: a concurrent Load sees either the old
// row or the new one, never a partial update.
func (s *Store) Save(cfg Settings) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "settings: marshal")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if err := b.Delete(currentKey); err != nil {
			return err
		}
		return b.Put(currentKey, data)
	})
}

// Load returns the persisted selection. ok is false when nothing has been
// saved yet.
func (s *Store) Load() (Settings, bool, error) {
	var cfg Settings
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketName).Get(currentKey)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &cfg)
	})
	if err != nil {
		return Settings{}, false, errors.Wrap(err, "settings: load")
	}
	return cfg, found, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
