package transfer

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/slskd/slskd-core/internal/errs"
	"github.com/slskd/slskd-core/internal/logging"
	bolt "go.etcd.io/bbolt"
)

// Predicate filters transfers for Find/List/Summarize. Direction is always
// applied implicitly by the caller composing the predicate (spec §4.1:
// "exclude removed unless requested... filter by direction implicitly").
type Predicate func(*Transfer) bool

// Store is the persistence contract for Transfer records (spec §4.1).
// Every write may return an *errs.DatabaseError; callers must treat
// that as an upstream failure per §7 — there is no retry inside Store
// itself (retries, where wanted, are the caller's responsibility via
// pkg/retry).
type Store interface {
	// AddOrSupersede finds any prior non-removed record matching
	// (direction, username, filename), marks it removed, and inserts t,
	// all within one transaction.
	AddOrSupersede(t *Transfer) error

	// Find returns the first transfer matching pred, or (nil, false).
	Find(pred Predicate) (*Transfer, bool)

	// List returns every transfer matching pred. includeRemoved controls
	// whether soft-deleted records are considered.
	List(pred Predicate, includeRemoved bool) []*Transfer

	// Summarize aggregates matching, non-removed records into a file
	// count and total byte count in one pass.
	Summarize(pred Predicate) (files int, totalBytes uint64)

	// Prune soft-deletes terminal records older than age whose state
	// passes stateFilter. stateFilter must require Completed; Prune
	// rejects any filter that doesn't (spec §8 property 8, §4.1).
	Prune(age time.Duration, stateFilter Predicate) (int, error)

	// Update is a blind upsert by id.
	Update(t *Transfer) error

	// StartupCleanup rewrites every non-terminal record left over from an
	// unclean shutdown into Completed|Errored (spec §4.1, §8 property 7).
	StartupCleanup(now time.Time) (int, error)
}

var bucketTransfers = []byte("transfers")

// BoltStore implements Store over a bbolt database, mirroring the
// BoltStore/f.metadata pairing the teacher uses for its FUSE metadata: bolt
// is the durable backing, and an in-process map is kept current on every
// write so Find/List/Summarize never need a full bucket scan (spec §6.4
// "must be backed by appropriate indexes").
type BoltStore struct {
	db *bolt.DB

	mu    sync.RWMutex
	cache map[string]*Transfer
}

// NewBoltStore opens (creating if absent) the transfers bucket and warms
// the in-memory cache from it.
func NewBoltStore(db *bolt.DB) (*BoltStore, error) {
	if db == nil {
		return nil, errs.New("transfer: bolt DB is required")
	}
	s := &BoltStore{db: db, cache: make(map[string]*Transfer)}

	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketTransfers)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var t Transfer
			if err := json.Unmarshal(v, &t); err != nil {
				logging.Warn().Err(err).Str("id", string(k)).Msg("Skipping unreadable transfer record")
				return nil
			}
			s.cache[t.ID] = &t
			return nil
		})
	})
	if err != nil {
		return nil, &errs.DatabaseError{Err: err}
	}
	return s, nil
}

func (s *BoltStore) persist(tx *bolt.Tx, t *Transfer) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	b := tx.Bucket(bucketTransfers)
	if b == nil {
		return fmt.Errorf("transfer: bucket missing")
	}
	return b.Put([]byte(t.ID), data)
}

// AddOrSupersede implements Store.
func (s *BoltStore) AddOrSupersede(t *Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var superseded *Transfer
	for _, existing := range s.cache {
		if existing.Removed || existing.Direction != t.Direction ||
			existing.Username != t.Username || existing.Filename != t.Filename {
			continue
		}
		cp := *existing
		cp.Removed = true
		superseded = &cp
		break
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		if superseded != nil {
			if err := s.persist(tx, superseded); err != nil {
				return err
			}
		}
		return s.persist(tx, t)
	})
	if err != nil {
		return &errs.DatabaseError{Err: err}
	}

	if superseded != nil {
		s.cache[superseded.ID] = superseded
	}
	s.cache[t.ID] = t.clone()
	return nil
}

// Find implements Store.
func (s *BoltStore) Find(pred Predicate) (*Transfer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.cache {
		if t.Removed {
			continue
		}
		if pred == nil || pred(t) {
			return t.clone(), true
		}
	}
	return nil, false
}

// List implements Store.
func (s *BoltStore) List(pred Predicate, includeRemoved bool) []*Transfer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Transfer, 0, len(s.cache))
	for _, t := range s.cache {
		if t.Removed && !includeRemoved {
			continue
		}
		if pred == nil || pred(t) {
			out = append(out, t.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	return out
}

// Summarize implements Store.
func (s *BoltStore) Summarize(pred Predicate) (int, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var files int
	var totalBytes uint64
	for _, t := range s.cache {
		if t.Removed {
			continue
		}
		if pred == nil || pred(t) {
			files++
			totalBytes += t.BytesTransferred
		}
	}
	return files, totalBytes
}

// Prune implements Store.
func (s *BoltStore) Prune(age time.Duration, stateFilter Predicate) (int, error) {
	if stateFilter == nil || !requiresCompleted(stateFilter) {
		return 0, errs.New("transfer: prune state filter must require Completed")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var toRemove []*Transfer
	for _, t := range s.cache {
		if t.Removed || !t.State.IsCompleted() || t.EndedAt == nil {
			continue
		}
		if now.Sub(*t.EndedAt) < age {
			continue
		}
		if !stateFilter(t) {
			continue
		}
		cp := *t
		cp.Removed = true
		toRemove = append(toRemove, &cp)
	}
	if len(toRemove) == 0 {
		return 0, nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, t := range toRemove {
			if err := s.persist(tx, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, &errs.DatabaseError{Err: err}
	}
	for _, t := range toRemove {
		s.cache[t.ID] = t
	}
	return len(toRemove), nil
}

// requiresCompleted is a best-effort sanity check: it probes the predicate
// against a synthetic in-progress transfer and refuses filters that would
// happily prune that non-terminal record.
func requiresCompleted(pred Predicate) bool {
	nonTerminal := &Transfer{State: State{Phase: PhaseInProgress}}
	return !pred(nonTerminal)
}

// Update implements Store.
func (s *BoltStore) Update(t *Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		return s.persist(tx, t)
	})
	if err != nil {
		return &errs.DatabaseError{Err: err}
	}
	s.cache[t.ID] = t.clone()
	return nil
}

// StartupCleanup implements Store.
func (s *BoltStore) StartupCleanup(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var dirty []*Transfer
	for _, t := range s.cache {
		if t.EndedAt == nil || !t.State.IsCompleted() {
			cp := *t
			cp.Complete(OutcomeErrored, "Application shut down", now, 0)
			dirty = append(dirty, &cp)
		}
	}
	if len(dirty) == 0 {
		return 0, nil
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, t := range dirty {
			if err := s.persist(tx, t); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, &errs.DatabaseError{Err: err}
	}
	for _, t := range dirty {
		s.cache[t.ID] = t
	}
	return len(dirty), nil
}
