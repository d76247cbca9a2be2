// Package store implements the bbolt-backed offline case cache: synced
// case records, sync cursor metadata, the outbound mutation queue, and
// the conflict journal. Values are JSON; when a cache key is configured,
// case and queue values are sealed with AES-256-GCM before they reach
// disk.
package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	fserrors "github.com/casetrack/field-sync/internal/errors"
	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the data directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the cache database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt database lock.
	storeOpenTimeout = 5 * time.Second
)

var (
	casesBucket   = []byte("cases")
	metaBucket    = []byte("meta")
	queueBucket   = []byte("queue")
	journalBucket = []byte("journal")

	deviceKey       = []byte("device")
	syncStateKey    = []byte("sync_state")
	cacheSaltKey    = []byte("cache_salt")
	cacheKeyHashKey = []byte("cache_key_hash")
)

// CaseRecord is the offline copy of a case as last merged from the
// server, plus the local pending-mutation flag.
type CaseRecord struct {
	ID              string `json:"id"`
	CaseNumber      string `json:"caseNumber"`
	Title           string `json:"title"`
	Status          string `json:"status"`
	Priority        string `json:"priority"`
	AssignedTo      string `json:"assignedTo"`
	ClientName      string `json:"clientName"`
	Summary         string `json:"summary"`
	ServerUpdatedAt int64  `json:"serverUpdatedAt"`
	SyncedAt        int64  `json:"syncedAt"`

	// PendingLocalMutation marks that the outbound queue holds at least
	// one not-yet-acknowledged local write for this case.
	PendingLocalMutation bool `json:"pendingLocalMutation"`
}

// PendingMutation is an outbound local write awaiting the CRUD mutation
// flow. It never mutates synced fields directly.
type PendingMutation struct {
	Seq      uint64 `json:"seq"`
	CaseID   string `json:"caseId"`
	Kind     string `json:"kind"`
	Status   string `json:"status,omitempty"`
	Priority string `json:"priority,omitempty"`
	Note     string `json:"note,omitempty"`

	// Source is the draft file path this mutation was parsed from, when
	// it came through the draft spool. Used to update in place on
	// repeated writes to the same file.
	Source   string `json:"source,omitempty"`
	QueuedAt int64  `json:"queuedAt"`
}

// Mutation kinds.
const (
	MutationStatusChange   = "status_change"
	MutationPriorityChange = "priority_change"
	MutationNote           = "note"
)

// CoveredFields returns the synced field names this mutation shadows
// during merges. Notes shadow nothing; they are additive.
func (m PendingMutation) CoveredFields() []string {
	switch m.Kind {
	case MutationStatusChange:
		return []string{"status"}
	case MutationPriorityChange:
		return []string{"priority"}
	default:
		return nil
	}
}

// ConflictEntry records a merge that overwrote synced fields on a case
// carrying pending local mutations.
type ConflictEntry struct {
	Seq        uint64   `json:"seq"`
	CaseID     string   `json:"caseId"`
	Fields     []string `json:"fields"`
	Diff       string   `json:"diff"`
	OccurredAt int64    `json:"occurredAt"`
}

// SyncState holds the delta-pull cursor and last-session summary.
type SyncState struct {
	Watermark   int64  `json:"watermark"`
	LastSyncAt  int64  `json:"lastSyncAt"`
	LastOutcome string `json:"lastOutcome"`
}

// DeviceMeta is the persisted device identity.
type DeviceMeta struct {
	DeviceID     string `json:"deviceId"`
	Fingerprint  string `json:"fingerprint"`
	Platform     string `json:"platform"`
	RegisteredAt int64  `json:"registeredAt"`
	LastUsedAt   int64  `json:"lastUsedAt"`
}

// MergeOutcome classifies what ApplyServerCase did with a record.
type MergeOutcome int

const (
	// MergeCreated: the case was absent locally and has been created.
	MergeCreated MergeOutcome = iota

	// MergeApplied: the incoming record was newer and overwrote synced fields.
	MergeApplied

	// MergeSkipped: the incoming record was not strictly newer; nothing changed.
	MergeSkipped
)

func (o MergeOutcome) String() string {
	switch o {
	case MergeCreated:
		return "created"
	case MergeApplied:
		return "applied"
	case MergeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// MergeResult reports the outcome of one ApplyServerCase call.
// Previous is the pre-merge record (nil when created); PendingKept lists
// local fields preserved on top of the incoming server values.
type MergeResult struct {
	Outcome     MergeOutcome
	Previous    *CaseRecord
	PendingKept []string
}

// Options tunes Open.
type Options struct {
	// Passphrase enables at-rest encryption of case and queue values.
	// Empty means plaintext.
	Passphrase string

	// ReadOnly opens the database without write access, for tooling
	// that inspects a cache owned by a running daemon.
	ReadOnly bool
}

// Store wraps the bbolt database holding all persistent client state.
type Store struct {
	db     *bolt.DB
	cipher *Cipher
}

// Open opens (creating if needed) the cache database at the given path.
// When opts.Passphrase is set, the derived key is verified against the
// stored key hash; a mismatch returns ErrCacheKeyMismatch. Enabling
// encryption on a cache that already holds plaintext records makes
// those records unreadable; Clear first.
func Open(path string, opts Options) (*Store, error) {
	if !opts.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	boltOpts := &bolt.Options{Timeout: storeOpenTimeout, ReadOnly: opts.ReadOnly}

	db, err := bolt.Open(path, storeFilePerm, boltOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: opening cache db at %s: %v", fserrors.ErrStorageUnavailable, path, err)
	}

	s := &Store{db: db}

	if !opts.ReadOnly {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, name := range [][]byte{casesBucket, metaBucket, queueBucket, journalBucket} {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return err
				}
			}

			return nil
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("initializing cache db: %w", err)
		}
	}

	if opts.Passphrase != "" {
		if err := s.setupCipher(opts.Passphrase, opts.ReadOnly); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

// setupCipher derives the cache cipher and verifies (or on first use
// records) the key hash stored in meta.
func (s *Store) setupCipher(passphrase string, readOnly bool) error {
	var salt, storedHash []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		if b == nil {
			return nil
		}

		if v := b.Get(cacheSaltKey); v != nil {
			salt = append([]byte(nil), v...)
		}

		if v := b.Get(cacheKeyHashKey); v != nil {
			storedHash = append([]byte(nil), v...)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("reading cache key metadata: %w", err)
	}

	if salt == nil {
		if readOnly {
			return fmt.Errorf("cache at-rest encryption was never initialized: %w", fserrors.ErrCacheKeyMismatch)
		}

		salt = NewSalt()

		if err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(metaBucket).Put(cacheSaltKey, salt)
		}); err != nil {
			return fmt.Errorf("persisting cache salt: %w", err)
		}
	}

	cipher, err := NewCipher(passphrase, salt)
	if err != nil {
		return fmt.Errorf("deriving cache key: %w", err)
	}

	if storedHash == nil {
		if !readOnly {
			if err := s.db.Update(func(tx *bolt.Tx) error {
				return tx.Bucket(metaBucket).Put(cacheKeyHashKey, []byte(cipher.KeyHash()))
			}); err != nil {
				return fmt.Errorf("persisting cache key hash: %w", err)
			}
		}
	} else if string(storedHash) != cipher.KeyHash() {
		return fserrors.ErrCacheKeyMismatch
	}

	s.cipher = cipher

	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Encrypted reports whether case and queue values are sealed at rest.
func (s *Store) Encrypted() bool {
	return s.cipher != nil
}

func (s *Store) encodeCase(data []byte) ([]byte, error) {
	if s.cipher == nil {
		return data, nil
	}

	return s.cipher.SealCase(data)
}

func (s *Store) decodeCase(data []byte) ([]byte, error) {
	if s.cipher == nil {
		return data, nil
	}

	return s.cipher.OpenCase(data)
}

func (s *Store) encodeQueue(data []byte) ([]byte, error) {
	if s.cipher == nil {
		return data, nil
	}

	return s.cipher.SealQueue(data)
}

func (s *Store) decodeQueue(data []byte) ([]byte, error) {
	if s.cipher == nil {
		return data, nil
	}

	return s.cipher.OpenQueue(data)
}

// GetCase returns the cached record for a case ID, or nil if not cached.
func (s *Store) GetCase(id string) (*CaseRecord, error) {
	var rec *CaseRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(casesBucket)
		if b == nil {
			return nil
		}

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		plain, err := s.decodeCase(v)
		if err != nil {
			return fmt.Errorf("decoding case %s: %w", id, err)
		}

		rec = &CaseRecord{}

		return json.Unmarshal(plain, rec)
	})

	return rec, err
}

// PutCase persists a case record verbatim, bypassing merge policy.
// Sync merges go through ApplyServerCase instead.
func (s *Store) PutCase(rec CaseRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return s.putCaseTx(tx, rec)
	})
}

func (s *Store) putCaseTx(tx *bolt.Tx, rec CaseRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	sealed, err := s.encodeCase(data)
	if err != nil {
		return fmt.Errorf("encoding case %s: %w", rec.ID, err)
	}

	return tx.Bucket(casesBucket).Put([]byte(rec.ID), sealed)
}

// DeleteCase removes a cached case record.
func (s *Store) DeleteCase(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(casesBucket)
		if b == nil {
			return nil
		}

		return b.Delete([]byte(id))
	})
}

// AllCases returns every cached case record in key order.
func (s *Store) AllCases() ([]CaseRecord, error) {
	var records []CaseRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(casesBucket)
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			plain, err := s.decodeCase(v)
			if err != nil {
				return fmt.Errorf("decoding case %s: %w", k, err)
			}

			var rec CaseRecord
			if err := json.Unmarshal(plain, &rec); err != nil {
				return err
			}

			records = append(records, rec)

			return nil
		})
	})

	return records, err
}

// CaseCount returns the number of cached case records.
func (s *Store) CaseCount() int {
	count := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(casesBucket); b != nil {
			count = b.Stats().KeyN
		}

		return nil
	})

	return count
}

// ApplyServerCase merges an incoming server record into the cache in a
// single transaction. Server fields win only when the incoming
// serverUpdatedAt is strictly newer; ties and older records are skipped.
// Fields shadowed by queued local mutations keep their local values.
func (s *Store) ApplyServerCase(incoming CaseRecord) (MergeResult, error) {
	var result MergeResult

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(casesBucket)

		now := time.Now().UnixMilli()

		var local *CaseRecord

		if v := b.Get([]byte(incoming.ID)); v != nil {
			plain, err := s.decodeCase(v)
			if err != nil {
				return fmt.Errorf("decoding case %s: %w", incoming.ID, err)
			}

			local = &CaseRecord{}
			if err := json.Unmarshal(plain, local); err != nil {
				return err
			}
		}

		pending, err := s.pendingFieldsTx(tx, incoming.ID)
		if err != nil {
			return err
		}

		hasPending, err := s.hasPendingTx(tx, incoming.ID)
		if err != nil {
			return err
		}

		if local == nil {
			rec := incoming
			rec.SyncedAt = now
			rec.PendingLocalMutation = hasPending

			result = MergeResult{Outcome: MergeCreated}

			return s.putCaseTx(tx, rec)
		}

		prev := *local
		result.Previous = &prev

		if incoming.ServerUpdatedAt <= local.ServerUpdatedAt {
			result.Outcome = MergeSkipped
			return nil
		}

		merged := incoming
		merged.SyncedAt = now
		merged.PendingLocalMutation = hasPending

		// Queued local writes shadow their fields until the CRUD flow
		// acknowledges them; everything else takes the server value.
		for _, field := range pending {
			switch field {
			case "status":
				merged.Status = local.Status
			case "priority":
				merged.Priority = local.Priority
			}

			result.PendingKept = append(result.PendingKept, field)
		}

		result.Outcome = MergeApplied

		return s.putCaseTx(tx, merged)
	})
	if err != nil {
		return MergeResult{}, err
	}

	return result, nil
}

// SyncState returns the persisted sync cursor, defaulting to zero values.
func (s *Store) SyncState() (SyncState, error) {
	var st SyncState

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		if b == nil {
			return nil
		}

		v := b.Get(syncStateKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &st)
	})

	return st, err
}

// SetSyncState persists the sync cursor.
func (s *Store) SetSyncState(st SyncState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}

		return tx.Bucket(metaBucket).Put(syncStateKey, data)
	})
}

// DeviceMeta returns the persisted device identity, or nil if none.
func (s *Store) DeviceMeta() (*DeviceMeta, error) {
	var dm *DeviceMeta

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(metaBucket)
		if b == nil {
			return nil
		}

		v := b.Get(deviceKey)
		if v == nil {
			return nil
		}

		dm = &DeviceMeta{}

		return json.Unmarshal(v, dm)
	})

	return dm, err
}

// SetDeviceMeta persists the device identity.
func (s *Store) SetDeviceMeta(dm DeviceMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(dm)
		if err != nil {
			return err
		}

		return tx.Bucket(metaBucket).Put(deviceKey, data)
	})
}

// Clear wipes cases, the outbound queue, the journal, and the sync
// cursor. Device identity and cache key metadata survive; the device
// remains registered across logins.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{casesBucket, queueBucket, journalBucket} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}

			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return tx.Bucket(metaBucket).Delete(syncStateKey)
	})
}
