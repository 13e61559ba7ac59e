// Package outbox spools notification jobs to a local bolt file when the
// message broker cannot take them, so a broker outage does not lose merchant
// notifications for orders that are already final.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "github.com/boltdb/bolt"

	"gateway-reconciler/internal/models"
)

var (
	jobsBucket = []byte("notification_jobs")
	idsBucket  = []byte("notification_job_ids")
)

var ErrEmptyJobID = errors.New("notification job has no event id")

// Outbox is a bolt-backed FIFO of notification jobs keyed by event id
type Outbox struct {
	db *bolt.DB
}

// Open opens (or creates) the spool file at path
func Open(path string) (*Outbox, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create outbox directory: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open outbox: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(jobsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(idsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Outbox{db: db}, nil
}

// Close releases the file lock
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Put stores a job. Storing the same event id twice keeps the first copy.
func (o *Outbox) Put(job *models.NotificationJob) error {
	if job.EventID == "" {
		return ErrEmptyJobID
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return o.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(jobsBucket)
		idx := tx.Bucket(idsBucket)
		if idx.Get([]byte(job.EventID)) != nil {
			return nil
		}

		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := seqKey(seq)
		if err := idx.Put([]byte(job.EventID), key); err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// Len returns the number of spooled jobs
func (o *Outbox) Len() (int, error) {
	n := 0
	err := o.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(jobsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Drain hands spooled jobs to fn in insertion order, deleting each one fn
// accepts. It stops at the first error, leaving that job and the rest in
// place, and returns how many were drained.
func (o *Outbox) Drain(ctx context.Context, limit int, fn func(context.Context, *models.NotificationJob) error) (int, error) {
	pending, err := o.peek(limit)
	if err != nil {
		return 0, err
	}

	drained := 0
	for _, p := range pending {
		if err := ctx.Err(); err != nil {
			return drained, err
		}
		if err := fn(ctx, p.job); err != nil {
			return drained, err
		}
		if err := o.remove(p.key, p.job.EventID); err != nil {
			return drained, err
		}
		drained++
	}
	return drained, nil
}

type spooled struct {
	key []byte
	job *models.NotificationJob
}

func (o *Outbox) peek(limit int) ([]spooled, error) {
	var out []spooled
	err := o.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(jobsBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var job models.NotificationJob
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("corrupt outbox entry %x: %w", k, err)
			}
			out = append(out, spooled{key: append([]byte(nil), k...), job: &job})
		}
		return nil
	})
	return out, err
}

func (o *Outbox) remove(key []byte, eventID string) error {
	return o.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(idsBucket).Delete([]byte(eventID)); err != nil {
			return err
		}
		return tx.Bucket(jobsBucket).Delete(key)
	})
}

// Lazy opens the spool file only when the first job has to be spooled. A
// short-lived process can then share a path with a running server and only
// contend for the file lock when the broker is actually down.
type Lazy struct {
	path string

	mu sync.Mutex
	ob *Outbox
}

// NewLazy returns a spool for path without touching the file
func NewLazy(path string) *Lazy {
	return &Lazy{path: path}
}

// Path is the spool file location
func (l *Lazy) Path() string {
	return l.path
}

func (l *Lazy) open() (*Outbox, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ob == nil {
		ob, err := Open(l.path)
		if err != nil {
			return nil, err
		}
		l.ob = ob
	}
	return l.ob, nil
}

// Put opens the file if needed and stores job
func (l *Lazy) Put(job *models.NotificationJob) error {
	ob, err := l.open()
	if err != nil {
		return err
	}
	return ob.Put(job)
}

// Len is zero until something has been spooled
func (l *Lazy) Len() (int, error) {
	l.mu.Lock()
	ob := l.ob
	l.mu.Unlock()
	if ob == nil {
		return 0, nil
	}
	return ob.Len()
}

// Close releases the file if it was opened
func (l *Lazy) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ob == nil {
		return nil
	}
	err := l.ob.Close()
	l.ob = nil
	return err
}

func seqKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%020d", seq))
}
