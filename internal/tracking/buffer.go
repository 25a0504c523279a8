package tracking

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/mailing/internal/models"
)

var bucketHits = []byte("hits")

// Buffer keeps hits on disk until the consumer stores them in the database
type Buffer struct {
	db *bolt.DB
}

func NewBuffer(path string) (*Buffer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create buffer directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open hit buffer: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketHits)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket %s: %w", bucketHits, err)
	}

	return &Buffer{db: db}, nil
}

func (b *Buffer) Close() error {
	return b.db.Close()
}

// Path returns the buffer file
func (b *Buffer) Path() string {
	return b.db.Path()
}

// Append adds a hit at the end of the buffer
func (b *Buffer) Append(h models.StatHit) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal hit: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketHits)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		return bucket.Put(seqKey(seq), data)
	})
}

// Peek returns up to n of the oldest hits with their keys
func (b *Buffer) Peek(n int) ([][]byte, []models.StatHit, error) {
	var keys [][]byte
	var hits []models.StatHit

	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHits).Cursor()
		for k, v := c.First(); k != nil && len(hits) < n; k, v = c.Next() {
			var h models.StatHit
			if err := json.Unmarshal(v, &h); err != nil {
				return fmt.Errorf("failed to unmarshal hit %x: %w", k, err)
			}
			keys = append(keys, append([]byte(nil), k...))
			hits = append(hits, h)
		}
		return nil
	})
	return keys, hits, err
}

// Remove deletes flushed hits
func (b *Buffer) Remove(keys [][]byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketHits)
		for _, k := range keys {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Len returns the number of buffered hits
func (b *Buffer) Len() int {
	var n int
	b.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketHits).Stats().KeyN
		return nil
	})
	return n
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}
