// Package journal keeps the reports of past runs in a bbolt database.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/guided-traffic/transfer-e2e/internal/report"
)

var (
	bucketRuns  = []byte("runs")
	bucketIndex = []byte("index")
)

// ErrNotFound is returned by Get for an unknown test id
var ErrNotFound = errors.New("journal: run not found")

// Journal persists run reports
type Journal struct {
	db *bolt.DB
}

// Open opens or creates the journal at path
func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal: path is required")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuns, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("journal: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close closes the database
func (j *Journal) Close() error {
	return j.db.Close()
}

// Save stores r, replacing an earlier report with the same test id
func (j *Journal) Save(r *report.Report) error {
	if r.TestID == "" {
		return fmt.Errorf("journal: report has no test id")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("journal: encode %s: %w", r.TestID, err)
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		index := tx.Bucket(bucketIndex)

		if old := runs.Get([]byte(r.TestID)); old != nil {
			var prev report.Report
			if err := json.Unmarshal(old, &prev); err == nil {
				if err := index.Delete(indexKey(prev.Started, prev.TestID)); err != nil {
					return err
				}
			}
		}
		if err := runs.Put([]byte(r.TestID), data); err != nil {
			return err
		}
		return index.Put(indexKey(r.Started, r.TestID), []byte(r.TestID))
	})
}

// Get returns the report of testID
func (j *Journal) Get(testID string) (*report.Report, error) {
	var r report.Report
	err := j.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(testID))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Recent returns up to limit reports, newest first. A limit <= 0 returns all.
func (j *Journal) Recent(limit int) ([]*report.Report, error) {
	var out []*report.Report
	err := j.db.View(func(tx *bolt.Tx) error {
		runs := tx.Bucket(bucketRuns)
		c := tx.Bucket(bucketIndex).Cursor()
		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			data := runs.Get(id)
			if data == nil {
				continue
			}
			var r report.Report
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("journal: decode %s: %w", id, err)
			}
			out = append(out, &r)
		}
		return nil
	})
	return out, err
}

// indexKey orders runs by start time, then id
func indexKey(started time.Time, testID string) []byte {
	key := make([]byte, 8, 8+len(testID))
	binary.BigEndian.PutUint64(key, uint64(started.UnixNano()))
	return append(key, testID...)
}
