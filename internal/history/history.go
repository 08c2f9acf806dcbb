// Package history keeps a journal of finished transfer jobs in a bbolt
// database. It records outcomes only; it holds no state a transfer could
// resume from.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

var jobsBucket = []byte("jobs")

// ErrNotFound is returned by Get for an unknown job ID.
var ErrNotFound = errors.New("history: job not found")

// Record describes one finished job.
type Record struct {
	ID          string    `json:"id"`
	Handle      string    `json:"handle"`
	Destination string    `json:"destination"`
	Size        int64     `json:"size"`
	Bytes       int64     `json:"bytes"`
	State       string    `json:"state"`
	Error       string    `json:"error,omitempty"`
	Chunks      int       `json:"chunks"`
	Sessions    int       `json:"sessions"`
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished"`
}

// Duration returns how long the job ran.
func (r Record) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Store is a bbolt-backed job journal.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if needed) the journal at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open history at %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(jobsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create %q bucket: %w", jobsBucket, err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put stores r, replacing any record with the same ID.
func (s *Store) Put(r Record) error {
	if r.ID == "" {
		return errors.New("history: record has no ID")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", r.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(jobsBucket).Put([]byte(r.ID), data)
	})
}

// Get returns the record for id.
func (s *Store) Get(id string) (Record, error) {
	var r Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(jobsBucket).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &r)
	})
	return r, err
}

// List returns all records, most recently started first.
func (s *Store) List() ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(jobsBucket).ForEach(func(k, v []byte) error {
			var r Record
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("decode record %s: %w", k, err)
			}
			out = append(out, r)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Started.After(out[j].Started)
	})
	return out, nil
}
