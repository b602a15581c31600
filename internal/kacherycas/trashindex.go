package kacherycas

import (
	"encoding/binary"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

// trashIndex records, per trashed sha1, the time it was moved to sha1-trash/
// so GCTrash can evict entries past a retention window without stat-ing
// every file on every run. Adapted from the teacher's BoltCAS, which keeps
// the same bucket-of-timestamps shape for its own chunk GC.
type trashIndex struct {
	db *bolt.DB
}

var trashBucket = []byte("trash")

func openTrashIndex(baseDir string) (*trashIndex, error) {
	path := filepath.Join(baseDir, "trash-index.bolt")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(trashBucket)
		return e
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &trashIndex{db: db}, nil
}

func (t *trashIndex) Close() error { return t.db.Close() }

func (t *trashIndex) markTrashed(sha1Hex string) error {
	return t.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(trashBucket)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(time.Now().Unix()))
		return bk.Put([]byte(sha1Hex), buf)
	})
}

// evictOlderThan returns the sha1s trashed before the retention cutoff and
// removes their index entries; the caller is responsible for deleting the
// corresponding files.
func (t *trashIndex) evictOlderThan(maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	var evicted []string
	err := t.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(trashBucket)
		c := bk.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if len(v) < 8 {
				continue
			}
			ts := int64(binary.BigEndian.Uint64(v))
			if ts <= cutoff {
				evicted = append(evicted, string(k))
			}
		}
		for _, sha1Hex := range evicted {
			if err := bk.Delete([]byte(sha1Hex)); err != nil {
				return err
			}
		}
		return nil
	})
	return evicted, err
}
