package notify

import (
	"sort"
	"sync"
)

// Alerter receives fire-and-forget side effects for notifications that
// enter the store for the first time. Implementations must not block;
// their failures never affect the reconciled collection.
type Alerter interface {
	Alert(n Notification)
}

type StoreOptions struct {
	Alerter Alerter
	Logger  Logger
}

// Store is the single-writer reconciled collection for one principal.
// It holds at most one entry per id (I1), keeps entries ordered by
// createdAt descending (I2), and admits only the active principal's
// notifications (I3). All methods are safe for concurrent use; the
// collection itself is only ever mutated under the store's mutex.
type Store struct {
	mu         sync.RWMutex
	principal  string
	generation uint64
	entries    map[string]Notification
	order      []string
	seen       map[string]struct{}
	alerter    Alerter
	logger     Logger
}

func NewStore(opts StoreOptions) *Store {
	return &Store{
		entries: map[string]Notification{},
		seen:    map[string]struct{}{},
		alerter: opts.Alerter,
		logger:  opts.Logger,
	}
}

// Reset discards the entire collection and binds the store to a new
// principal, returning the new generation. Seed and Admit calls tagged
// with an older generation are dropped unapplied.
func (s *Store) Reset(principalID string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.principal = principalID
	s.generation++
	s.entries = map[string]Notification{}
	s.order = nil
	s.seen = map[string]struct{}{}
	return s.generation
}

func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

func (s *Store) Principal() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principal
}

// Seed replaces the collection wholesale with a fetched snapshot.
// Every seeded id is marked as already seen so a later push of the same
// record does not re-trigger side effects. Returns false when the seed
// is stale (generation mismatch).
func (s *Store) Seed(gen uint64, list []Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.generation {
		return false
	}
	s.entries = map[string]Notification{}
	s.order = s.order[:0]
	for _, n := range list {
		if n.ID == "" || n.PrincipalID != s.principal {
			s.logf("seed: skipping entry id=%q principal=%q", n.ID, n.PrincipalID)
			continue
		}
		if _, dup := s.entries[n.ID]; !dup {
			s.order = append(s.order, n.ID)
		}
		s.entries[n.ID] = n
		s.seen[n.ID] = struct{}{}
	}
	s.sortLocked()
	return true
}

// Admit inserts or fully replaces a single notification. The server is
// authoritative for content, so an existing entry's fields are replaced
// outright; position is recomputed when createdAt changed. A notification
// for a foreign principal or a stale generation is dropped and Admit
// returns false.
func (s *Store) Admit(gen uint64, n Notification) bool {
	s.mu.Lock()
	if gen != s.generation || n.ID == "" || n.PrincipalID != s.principal {
		s.mu.Unlock()
		return false
	}
	if _, exists := s.entries[n.ID]; exists {
		prev := s.entries[n.ID]
		s.entries[n.ID] = n
		if !prev.CreatedAt.Equal(n.CreatedAt) {
			s.removeFromOrderLocked(n.ID)
			s.insertOrderedLocked(n)
		}
	} else {
		s.entries[n.ID] = n
		s.insertOrderedLocked(n)
	}
	fresh := false
	if _, ok := s.seen[n.ID]; !ok {
		s.seen[n.ID] = struct{}{}
		fresh = true
	}
	alerter := s.alerter
	s.mu.Unlock()
	if fresh && alerter != nil {
		alerter.Alert(n)
	}
	return true
}

// MarkRead flips an entry's read flag to true. It never reverts an
// already-read entry and is a no-op for an absent id (I4).
func (s *Store) MarkRead(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.entries[id]
	if !ok || n.Read {
		return
	}
	n.Read = true
	s.entries[id] = n
}

func (s *Store) MarkAllRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, n := range s.entries {
		if !n.Read {
			n.Read = true
			s.entries[id] = n
		}
	}
}

// Remove deletes an entry. Removing an absent id is a no-op. The id
// stays in the seen set so a replayed push does not re-alert.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return
	}
	delete(s.entries, id)
	s.removeFromOrderLocked(id)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = map[string]Notification{}
	s.order = s.order[:0]
}

func (s *Store) Get(id string) (Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.entries[id]
	return n, ok
}

// List returns a copy of the collection ordered by createdAt descending.
func (s *Store) List() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Notification, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id])
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// UnreadCount recomputes the number of unread entries on every call;
// it is never cached across mutations.
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, n := range s.entries {
		if !n.Read {
			count++
		}
	}
	return count
}

// before reports whether a sorts ahead of b: newest first, ties broken
// by id so the order is deterministic.
func (s *Store) beforeLocked(a, b Notification) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *Store) sortLocked() {
	sort.Slice(s.order, func(i, j int) bool {
		return s.beforeLocked(s.entries[s.order[i]], s.entries[s.order[j]])
	})
}

func (s *Store) insertOrderedLocked(n Notification) {
	pos := sort.Search(len(s.order), func(i int) bool {
		return s.beforeLocked(n, s.entries[s.order[i]])
	})
	s.order = append(s.order, "")
	copy(s.order[pos+1:], s.order[pos:])
	s.order[pos] = n.ID
}

func (s *Store) removeFromOrderLocked(id string) {
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
