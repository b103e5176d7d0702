package session

import (
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mesh-intelligence/loom/pkg/types"
)

var sessionBucket = []byte("sessions")

// DB wraps the bbolt file holding session blobs for every user+namespace on
// this machine.
type DB struct {
	db *bolt.DB
}

// OpenDB opens (or creates) the session database file.
func OpenDB(path string) (*DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening session db %s: %w", path, err)
	}
	return &DB{db: db}, nil
}

// Close releases the underlying file.
func (d *DB) Close() error {
	return d.db.Close()
}

// Persister returns the per-user persister for one namespace. All keys are
// namespace-prefixed so multiple accounts sharing the file never collide.
func (d *DB) Persister(cfg *types.Config) Persister {
	return &boltPersister{db: d.db, key: []byte(cfg.Namespace + "/" + cfg.UserID)}
}

type boltPersister struct {
	db  *bolt.DB
	key []byte
}

func (p *boltPersister) Load() ([]byte, bool, error) {
	var blob []byte
	err := p.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		if b == nil {
			return nil
		}
		if v := b.Get(p.key); v != nil {
			blob = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("loading session: %w", err)
	}
	return blob, blob != nil, nil
}

func (p *boltPersister) Save(blob []byte) error {
	err := p.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(sessionBucket)
		if err != nil {
			return err
		}
		return b.Put(p.key, blob)
	})
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}
