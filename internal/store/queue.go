package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// maxJournalEntries caps the conflict journal; the oldest entries
	// are dropped as new ones are appended.
	maxJournalEntries = 256
)

// itob encodes a sequence number as a big-endian key so bbolt iterates
// the queue in insertion order.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)

	return b
}

// Enqueue adds an outbound mutation to the queue and flags the case as
// pending. A mutation with the same Source replaces the existing entry
// in place, so repeated saves of one draft file stay one queue entry.
// Returns the entry's sequence number.
func (s *Store) Enqueue(m PendingMutation) (uint64, error) {
	var seq uint64

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)

		if m.Source != "" {
			existing, err := s.findBySourceTx(tx, m.Source)
			if err != nil {
				return err
			}

			if existing != nil {
				m.Seq = existing.Seq
			}
		}

		if m.Seq == 0 {
			next, err := b.NextSequence()
			if err != nil {
				return err
			}

			m.Seq = next
		}

		if m.QueuedAt == 0 {
			m.QueuedAt = time.Now().UnixMilli()
		}

		data, err := json.Marshal(m)
		if err != nil {
			return err
		}

		sealed, err := s.encodeQueue(data)
		if err != nil {
			return fmt.Errorf("encoding queued mutation: %w", err)
		}

		if err := b.Put(itob(m.Seq), sealed); err != nil {
			return err
		}

		seq = m.Seq

		return s.setCasePendingTx(tx, m.CaseID, true)
	})
	if err != nil {
		return 0, err
	}

	return seq, nil
}

// QueuedMutations returns every queued mutation in sequence order.
func (s *Store) QueuedMutations() ([]PendingMutation, error) {
	var out []PendingMutation

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			m, err := s.decodeMutation(v)
			if err != nil {
				return err
			}

			out = append(out, m)

			return nil
		})
	})

	return out, err
}

// PendingForCase returns the queued mutations for one case in sequence order.
func (s *Store) PendingForCase(caseID string) ([]PendingMutation, error) {
	var out []PendingMutation

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			m, err := s.decodeMutation(v)
			if err != nil {
				return err
			}

			if m.CaseID == caseID {
				out = append(out, m)
			}

			return nil
		})
	})

	return out, err
}

// PendingFields returns the synced field names shadowed by queued
// mutations for a case, in a stable order.
func (s *Store) PendingFields(caseID string) ([]string, error) {
	var fields []string

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		fields, err = s.pendingFieldsTx(tx, caseID)

		return err
	})

	return fields, err
}

func (s *Store) pendingFieldsTx(tx *bolt.Tx, caseID string) ([]string, error) {
	b := tx.Bucket(queueBucket)
	if b == nil {
		return nil, nil
	}

	covered := make(map[string]bool)

	err := b.ForEach(func(k, v []byte) error {
		m, err := s.decodeMutation(v)
		if err != nil {
			return err
		}

		if m.CaseID != caseID {
			return nil
		}

		for _, f := range m.CoveredFields() {
			covered[f] = true
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	var fields []string

	for _, f := range []string{"status", "priority"} {
		if covered[f] {
			fields = append(fields, f)
		}
	}

	return fields, nil
}

// hasPendingTx reports whether any queued mutation exists for a case,
// regardless of kind.
func (s *Store) hasPendingTx(tx *bolt.Tx, caseID string) (bool, error) {
	b := tx.Bucket(queueBucket)
	if b == nil {
		return false, nil
	}

	found := false

	err := b.ForEach(func(k, v []byte) error {
		if found {
			return nil
		}

		m, err := s.decodeMutation(v)
		if err != nil {
			return err
		}

		if m.CaseID == caseID {
			found = true
		}

		return nil
	})

	return found, err
}

// DeleteQueued removes a queue entry by sequence number and refreshes
// the owning case's pending flag.
func (s *Store) DeleteQueued(seq uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		if b == nil {
			return nil
		}

		v := b.Get(itob(seq))
		if v == nil {
			return nil
		}

		m, err := s.decodeMutation(v)
		if err != nil {
			return err
		}

		if err := b.Delete(itob(seq)); err != nil {
			return err
		}

		return s.recomputePendingTx(tx, m.CaseID)
	})
}

// DeleteQueuedBySource removes the queue entry parsed from a given
// draft file, if any.
func (s *Store) DeleteQueuedBySource(source string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		existing, err := s.findBySourceTx(tx, source)
		if err != nil || existing == nil {
			return err
		}

		if err := tx.Bucket(queueBucket).Delete(itob(existing.Seq)); err != nil {
			return err
		}

		return s.recomputePendingTx(tx, existing.CaseID)
	})
}

// QueueLen returns the number of queued mutations.
func (s *Store) QueueLen() int {
	count := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		if b := tx.Bucket(queueBucket); b != nil {
			count = b.Stats().KeyN
		}

		return nil
	})

	return count
}

// PruneQueue removes queue entries older than the cutoff and refreshes
// pending flags for the affected cases. Returns the number removed.
func (s *Store) PruneQueue(olderThan time.Time) (int, error) {
	cutoff := olderThan.UnixMilli()
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(queueBucket)
		if b == nil {
			return nil
		}

		affected := make(map[string]bool)

		var stale []uint64

		err := b.ForEach(func(k, v []byte) error {
			m, err := s.decodeMutation(v)
			if err != nil {
				return err
			}

			if m.QueuedAt < cutoff {
				stale = append(stale, m.Seq)
				affected[m.CaseID] = true
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, seq := range stale {
			if err := b.Delete(itob(seq)); err != nil {
				return err
			}

			removed++
		}

		for caseID := range affected {
			if err := s.recomputePendingTx(tx, caseID); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return removed, nil
}

func (s *Store) decodeMutation(v []byte) (PendingMutation, error) {
	plain, err := s.decodeQueue(v)
	if err != nil {
		return PendingMutation{}, fmt.Errorf("decoding queued mutation: %w", err)
	}

	var m PendingMutation
	if err := json.Unmarshal(plain, &m); err != nil {
		return PendingMutation{}, err
	}

	return m, nil
}

func (s *Store) findBySourceTx(tx *bolt.Tx, source string) (*PendingMutation, error) {
	b := tx.Bucket(queueBucket)
	if b == nil {
		return nil, nil
	}

	var found *PendingMutation

	err := b.ForEach(func(k, v []byte) error {
		if found != nil {
			return nil
		}

		m, err := s.decodeMutation(v)
		if err != nil {
			return err
		}

		if m.Source == source {
			found = &m
		}

		return nil
	})

	return found, err
}

// setCasePendingTx flips the pending flag on a cached case. A case not
// yet in the cache is left alone; the flag is set when the record
// arrives via ApplyServerCase.
func (s *Store) setCasePendingTx(tx *bolt.Tx, caseID string, pending bool) error {
	b := tx.Bucket(casesBucket)
	if b == nil {
		return nil
	}

	v := b.Get([]byte(caseID))
	if v == nil {
		return nil
	}

	plain, err := s.decodeCase(v)
	if err != nil {
		return fmt.Errorf("decoding case %s: %w", caseID, err)
	}

	var rec CaseRecord
	if err := json.Unmarshal(plain, &rec); err != nil {
		return err
	}

	if rec.PendingLocalMutation == pending {
		return nil
	}

	rec.PendingLocalMutation = pending

	return s.putCaseTx(tx, rec)
}

// recomputePendingTx refreshes a case's pending flag from the queue
// contents after deletions.
func (s *Store) recomputePendingTx(tx *bolt.Tx, caseID string) error {
	remaining, err := s.hasPendingTx(tx, caseID)
	if err != nil {
		return err
	}

	return s.setCasePendingTx(tx, caseID, remaining)
}

// AppendConflict records a conflict journal entry, dropping the oldest
// entries beyond the journal cap.
func (s *Store) AppendConflict(e ConflictEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(journalBucket)

		next, err := b.NextSequence()
		if err != nil {
			return err
		}

		e.Seq = next

		if e.OccurredAt == 0 {
			e.OccurredAt = time.Now().UnixMilli()
		}

		data, err := json.Marshal(e)
		if err != nil {
			return err
		}

		if err := b.Put(itob(e.Seq), data); err != nil {
			return err
		}

		// Cap the journal. Re-seek after each delete; deleting under a
		// live cursor position is not safe in bbolt.
		count := 0

		c := b.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			count++
		}

		for count > maxJournalEntries {
			k, _ := b.Cursor().First()
			if k == nil {
				break
			}

			if err := b.Delete(k); err != nil {
				return err
			}

			count--
		}

		return nil
	})
}

// RecentConflicts returns up to limit journal entries, newest first.
func (s *Store) RecentConflicts(limit int) ([]ConflictEntry, error) {
	var out []ConflictEntry

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(journalBucket)
		if b == nil {
			return nil
		}

		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var e ConflictEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			out = append(out, e)
		}

		return nil
	})

	return out, err
}

// PruneJournal removes journal entries older than the cutoff. Returns
// the number removed.
func (s *Store) PruneJournal(olderThan time.Time) (int, error) {
	cutoff := olderThan.UnixMilli()
	removed := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(journalBucket)
		if b == nil {
			return nil
		}

		var stale [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var e ConflictEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}

			if e.OccurredAt < cutoff {
				stale = append(stale, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}

			removed++
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return removed, nil
}
