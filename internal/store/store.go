package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/alexjbarnes/ledger-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the data directory (~/.ledger-sync/).
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt database lock.
	storeOpenTimeout = 5 * time.Second
)

var (
	metaBucket        = []byte("meta")
	queueBucket       = []byte("queue")
	queueTargetBucket = []byte("queue_target")
	diagnosticsBucket = []byte("diagnostics")

	identityMarkerKey = []byte("identity_marker")
)

func entityBucket(et models.EntityType) []byte {
	return []byte("entity:" + string(et))
}

// QueueItem is a pending outgoing mutation awaiting remote confirmation.
// Seq is the bbolt-assigned insertion sequence and doubles as the drain
// order. EntityID holds a temp identifier for creates until the remote
// assigns a canonical one.
type QueueItem struct {
	Seq           uint64            `json:"seq"`
	EntityType    models.EntityType `json:"entityType"`
	Action        models.Action     `json:"action"`
	EntityID      string            `json:"entityId"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Attempts      int               `json:"attempts"`
	EnqueuedAt    int64             `json:"enqueuedAt"`
	LastAttemptAt int64             `json:"lastAttemptAt,omitempty"`
	NextAttemptAt int64             `json:"nextAttemptAt,omitempty"`
	Failed        bool              `json:"failed"`
	LastError     string            `json:"lastError,omitempty"`
}

// Diagnostic preserves a payload that failed the integrity boundary, so it
// can be inspected later instead of being silently discarded.
type Diagnostic struct {
	Key     string          `json:"key"`
	Reason  string          `json:"reason"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      int64           `json:"at"`
}

// Store wraps a bbolt database holding the cached entity collections, the
// mutation queue, and sync metadata.
type Store struct {
	db *bolt.DB
}

// Open opens the store at <dataDir>/data.db, creating it if needed.
func Open(dataDir string) (*Store, error) {
	return OpenAt(filepath.Join(dataDir, "data.db"))
}

// OpenAt opens a store database at the given path, creating it if it does
// not exist. Useful for tests that need an isolated database.
func OpenAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{metaBucket, queueBucket, queueTargetBucket, diagnosticsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		for _, et := range models.AllEntityTypes() {
			if _, err := tx.CreateBucketIfNotExists(entityBucket(et)); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- entity records ---

// PutRecord inserts or replaces the record with the given id.
func (s *Store) PutRecord(et models.EntityType, id string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entityBucket(et))
		if b == nil {
			return fmt.Errorf("entity bucket missing for %s", et)
		}

		return b.Put([]byte(id), data)
	})
}

// GetRecord returns the record JSON for an id, or nil if not found.
func (s *Store) GetRecord(et models.EntityType, id string) ([]byte, error) {
	var data []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(entityBucket(et))
		if b == nil {
			return nil
		}

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		data = append([]byte(nil), v...)

		return nil
	})

	return data, err
}

// DeleteRecord removes the record with the given id. Missing ids are a no-op.
func (s *Store) DeleteRecord(et models.EntityType, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entityBucket(et))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(id))
	})
}

// ReplaceRecord atomically swaps a record's identifier: the entry under
// oldID is removed and data is written under newID in the same transaction.
// This is how a temp record becomes the canonical one without any window
// where both or neither exist.
func (s *Store) ReplaceRecord(et models.EntityType, oldID, newID string, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entityBucket(et))
		if b == nil {
			return fmt.Errorf("entity bucket missing for %s", et)
		}

		if err := b.Delete([]byte(oldID)); err != nil {
			return err
		}

		return b.Put([]byte(newID), data)
	})
}

// AllRecords returns every record of an entity type keyed by id.
func (s *Store) AllRecords(et models.EntityType) (map[string][]byte, error) {
	result := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(entityBucket(et))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			result[string(k)] = append([]byte(nil), v...)

			return nil
		})
	})

	return result, err
}

// ClearEntity removes every record of one entity type.
func (s *Store) ClearEntity(et models.EntityType) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(entityBucket(et)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(entityBucket(et))

		return err
	})
}

// ClearAllEntities removes every cached record across all entity types in
// a single transaction. The queue and metadata are untouched.
func (s *Store) ClearAllEntities() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, et := range models.AllEntityTypes() {
			if err := tx.DeleteBucket(entityBucket(et)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}

			if _, err := tx.CreateBucketIfNotExists(entityBucket(et)); err != nil {
				return err
			}
		}

		return nil
	})
}

// --- mutation queue ---

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)

	return k
}

func targetKey(et models.EntityType, entityID string, seq uint64) []byte {
	return append([]byte(string(et)+"/"+entityID+"/"), seqKey(seq)...)
}

func targetPrefix(et models.EntityType, entityID string) []byte {
	return []byte(string(et) + "/" + entityID + "/")
}

// AppendQueueItem persists a queue item at the tail of the queue and
// returns its assigned sequence. The target index is updated in the same
// transaction.
func (s *Store) AppendQueueItem(qi QueueItem) (uint64, error) {
	var seq uint64

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		n, err := b.NextSequence()
		if err != nil {
			return err
		}
		seq = n
		qi.Seq = n

		data, err := json.Marshal(qi)
		if err != nil {
			return err
		}

		if err := b.Put(seqKey(n), data); err != nil {
			return err
		}

		return tx.Bucket(queueTargetBucket).Put(targetKey(qi.EntityType, qi.EntityID, n), seqKey(n))
	})

	return seq, err
}

// UpdateQueueItem overwrites an existing queue item in place. The sequence
// must already be assigned.
func (s *Store) UpdateQueueItem(qi QueueItem) error {
	if qi.Seq == 0 {
		return fmt.Errorf("queue item has no sequence")
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(qi)
		if err != nil {
			return err
		}

		return tx.Bucket(queueBucket).Put(seqKey(qi.Seq), data)
	})
}

// GetQueueItem returns the queue item with the given sequence, or nil when
// it no longer exists.
func (s *Store) GetQueueItem(seq uint64) (*QueueItem, error) {
	var qi *QueueItem

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(queueBucket).Get(seqKey(seq))
		if v == nil {
			return nil
		}

		var item QueueItem
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}
		qi = &item

		return nil
	})

	return qi, err
}

// DeleteQueueItem removes a queue item and its target index entry.
func (s *Store) DeleteQueueItem(seq uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		v := b.Get(seqKey(seq))
		if v == nil {
			return nil
		}

		var qi QueueItem
		if err := json.Unmarshal(v, &qi); err != nil {
			return err
		}

		if err := tx.Bucket(queueTargetBucket).Delete(targetKey(qi.EntityType, qi.EntityID, seq)); err != nil {
			return err
		}

		return b.Delete(seqKey(seq))
	})
}

// AllQueueItems returns every queue item in insertion order.
func (s *Store) AllQueueItems() ([]QueueItem, error) {
	var items []QueueItem

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			var qi QueueItem
			if err := json.Unmarshal(v, &qi); err != nil {
				return err
			}

			items = append(items, qi)

			return nil
		})
	})

	return items, err
}

// QueueItemsFor returns the queued mutations targeting one entity, in
// insertion order, via the target index.
func (s *Store) QueueItemsFor(et models.EntityType, entityID string) ([]QueueItem, error) {
	var items []QueueItem

	err := s.db.View(func(tx *bolt.Tx) error {
		qb := tx.Bucket(queueBucket)
		c := tx.Bucket(queueTargetBucket).Cursor()
		prefix := targetPrefix(et, entityID)

		for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			raw := qb.Get(v)
			if raw == nil {
				continue
			}

			var qi QueueItem
			if err := json.Unmarshal(raw, &qi); err != nil {
				return err
			}

			items = append(items, qi)
		}

		return nil
	})

	return items, err
}

// RewriteQueueTarget re-keys every queued mutation for (et, oldID) to
// newID. Used after a create resolves so later updates hit the canonical
// identifier instead of the temp one.
func (s *Store) RewriteQueueTarget(et models.EntityType, oldID, newID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		qb := tx.Bucket(queueBucket)
		tb := tx.Bucket(queueTargetBucket)
		c := tb.Cursor()
		prefix := targetPrefix(et, oldID)

		type move struct {
			seq uint64
			old []byte
		}
		var moves []move

		for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
			moves = append(moves, move{seq: binary.BigEndian.Uint64(v), old: append([]byte(nil), k...)})
		}

		for _, m := range moves {
			raw := qb.Get(seqKey(m.seq))
			if raw == nil {
				continue
			}

			var qi QueueItem
			if err := json.Unmarshal(raw, &qi); err != nil {
				return err
			}

			qi.EntityID = newID
			data, err := json.Marshal(qi)
			if err != nil {
				return err
			}

			if err := qb.Put(seqKey(m.seq), data); err != nil {
				return err
			}

			if err := tb.Delete(m.old); err != nil {
				return err
			}

			if err := tb.Put(targetKey(et, newID, m.seq), seqKey(m.seq)); err != nil {
				return err
			}
		}

		return nil
	})
}

// QueueLen returns the number of queued mutations, failed ones included.
func (s *Store) QueueLen() (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		count = tx.Bucket(queueBucket).Stats().KeyN

		return nil
	})

	return count, err
}

// ClearQueue removes every queue item and the target index.
func (s *Store) ClearQueue() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{queueBucket, queueTargetBucket} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}

			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
}

// --- metadata ---

// IdentityMarker returns the identity the local cache currently belongs
// to, or empty string if none has been recorded.
func (s *Store) IdentityMarker() (string, error) {
	var marker string

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(identityMarkerKey)
		if v != nil {
			marker = string(v)
		}

		return nil
	})

	return marker, err
}

// SetIdentityMarker records the identity the cache belongs to.
func (s *Store) SetIdentityMarker(identity string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(identityMarkerKey, []byte(identity))
	})
}

// ClearIdentityMarker removes the recorded identity.
func (s *Store) ClearIdentityMarker() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Delete(identityMarkerKey)
	})
}

// --- diagnostics ---

// PutDiagnostic preserves a payload that failed an integrity check,
// together with the failure reason. Keys are suffixed with the write time
// so repeated failures for the same record do not overwrite each other.
func (s *Store) PutDiagnostic(key, reason string, payload []byte) error {
	// Payloads land here precisely because something was wrong with them,
	// so they may not be valid JSON. Quote those as a string so the
	// diagnostic row itself always marshals.
	if len(payload) > 0 && !json.Valid(payload) {
		quoted, err := json.Marshal(string(payload))
		if err == nil {
			payload = quoted
		}
	}

	d := Diagnostic{
		Key:     key,
		Reason:  reason,
		Payload: payload,
		At:      time.Now().UnixMilli(),
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}

		return tx.Bucket(diagnosticsBucket).Put([]byte(fmt.Sprintf("%s@%d", key, d.At)), data)
	})
}

// AllDiagnostics returns every preserved diagnostic entry.
func (s *Store) AllDiagnostics() ([]Diagnostic, error) {
	var out []Diagnostic

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(diagnosticsBucket).ForEach(func(k, v []byte) error {
			var d Diagnostic
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}

			out = append(out, d)

			return nil
		})
	})

	return out, err
}
