// SessionStore checkpoints the in-memory session leader to a small bbolt
// bucket so a process restart doesn't immediately cold-start stickiness.
//
// This repurposes the teacher's go.etcd.io/bbolt dependency: the account/
// usage tables moved to SQL (internal/store) because spec.md 6 requires a
// SQL database, but the session leader is genuinely optional, best-effort
// state — exactly the KV-store niche bbolt already filled in the teacher's
// pool.go convPin persistence.
package balancer

import (
	"encoding/binary"
	"time"

	bolt "go.etcd.io/bbolt"
)

var sessionBucket = []byte("session_leader")

const leaderKey = "leader"

// SessionStore wraps a bbolt database dedicated to the single leader
// checkpoint record.
type SessionStore struct {
	db *bolt.DB
}

// OpenSessionStore opens (creating if absent) the bbolt file at path.
func OpenSessionStore(path string) (*SessionStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &SessionStore{db: db}, nil
}

// Close releases the bbolt file handle.
func (s *SessionStore) Close() error { return s.db.Close() }

// Save persists the current leader id and session_start instant.
func (s *SessionStore) Save(accountID string, at time.Time) {
	_ = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, uint64(at.Unix()))
		if err := b.Put([]byte("at"), buf); err != nil {
			return err
		}
		return b.Put([]byte(leaderKey), []byte(accountID))
	})
}

// Load returns the checkpointed leader, if any was ever saved.
func (s *SessionStore) Load() (accountID string, at time.Time, ok bool) {
	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionBucket)
		id := b.Get([]byte(leaderKey))
		if id == nil {
			return nil
		}
		ts := b.Get([]byte("at"))
		if len(ts) == 8 {
			at = time.Unix(int64(binary.BigEndian.Uint64(ts)), 0)
		}
		accountID = string(id)
		ok = true
		return nil
	})
	return
}
