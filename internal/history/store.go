// Package history persists run summaries in a local bbolt database.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/formrelay/pkg/types"
	"go.etcd.io/bbolt"
)

const (
	BucketRuns  = "runs"   // sortable key -> summary JSON
	BucketIndex = "run_id" // run id -> sortable key
)

// ErrNotFound is returned by Get for unknown run ids.
var ErrNotFound = errors.New("history: run not found")

// Store is a bbolt-backed run history.
type Store struct {
	db       *bbolt.DB
	filePath string
}

// Open opens (or creates) the history database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(BucketRuns)); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(BucketIndex))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, filePath: path}, nil
}

// OpenReadOnly opens an existing history database for reading. It gives up
// after timeout when another process holds the write lock.
func OpenReadOnly(path string, timeout time.Duration) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{ReadOnly: true, Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	return &Store{db: db, filePath: path}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.filePath }

// Save inserts or replaces the summary for sum.RunID. Runs are ordered by
// start time.
func (s *Store) Save(sum types.RunSummary) error {
	if sum.RunID == "" {
		return errors.New("history: summary has no run id")
	}
	data, err := json.Marshal(sum)
	if err != nil {
		return err
	}
	key := []byte(fmt.Sprintf("%020d-%s", sum.StartedAt.UnixNano(), sum.RunID))

	return s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket([]byte(BucketRuns))
		index := tx.Bucket([]byte(BucketIndex))

		if old := index.Get([]byte(sum.RunID)); old != nil {
			if err := runs.Delete(old); err != nil {
				return err
			}
		}
		if err := runs.Put(key, data); err != nil {
			return err
		}
		return index.Put([]byte(sum.RunID), key)
	})
}

// List returns up to limit summaries, newest first. limit <= 0 means all.
func (s *Store) List(limit int) ([]types.RunSummary, error) {
	items := make([]types.RunSummary, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(BucketRuns))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var item types.RunSummary
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("history: decode %s: %w", k, err)
			}
			items = append(items, item)
			if limit > 0 && len(items) >= limit {
				break
			}
		}
		return nil
	})
	return items, err
}

// Get returns the summary of one run.
func (s *Store) Get(id string) (*types.RunSummary, error) {
	var item types.RunSummary
	err := s.db.View(func(tx *bbolt.Tx) error {
		index := tx.Bucket([]byte(BucketIndex))
		if index == nil {
			return ErrNotFound
		}
		key := index.Get([]byte(id))
		if key == nil {
			return ErrNotFound
		}
		v := tx.Bucket([]byte(BucketRuns)).Get(key)
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &item)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}
