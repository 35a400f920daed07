package notify

import (
	"context"
	"time"

	bolt "github.com/boltdb/bolt"
	"github.com/go-faster/errors"

	"github.com/tbourn/chef-meal-orders/internal/domain"
)

const dedupBucket = "delivered"

// DedupPublisher forwards each notification to Next at most once per
// DedupKey, remembering delivered keys in a BoltDB file. It turns the
// outbox's at-least-once delivery into effectively-once for Next.
type DedupPublisher struct {
	Next Publisher
	db   *bolt.DB
}

// OpenDedup opens (or creates) the dedup store at path.
func OpenDedup(path string, next Publisher) (*DedupPublisher, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "open dedup store %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(dedupBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create dedup bucket")
	}
	return &DedupPublisher{Next: next, db: db}, nil
}

// Close releases the file lock.
func (d *DedupPublisher) Close() error { return d.db.Close() }

// Name implements Publisher.
func (d *DedupPublisher) Name() string { return "dedup(" + d.Next.Name() + ")" }

// Seen reports whether key was already delivered.
func (d *DedupPublisher) Seen(key string) (bool, error) {
	var seen bool
	err := d.db.View(func(tx *bolt.Tx) error {
		seen = tx.Bucket([]byte(dedupBucket)).Get([]byte(key)) != nil
		return nil
	})
	return seen, err
}

// Publish implements Publisher. The key is recorded only after Next
// succeeded, so a crash in between leads to one redelivery.
func (d *DedupPublisher) Publish(ctx context.Context, n domain.Notification) error {
	if n.DedupKey == "" {
		return errors.New("notification without dedup key")
	}
	seen, err := d.Seen(n.DedupKey)
	if err != nil {
		return errors.Wrap(err, "read dedup store")
	}
	if seen {
		return nil
	}
	if err := d.Next.Publish(ctx, n); err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		at := time.Now().UTC().Format(time.RFC3339Nano)
		return tx.Bucket([]byte(dedupBucket)).Put([]byte(n.DedupKey), []byte(at))
	})
}
