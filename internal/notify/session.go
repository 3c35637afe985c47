package notify

import (
	"context"
	"errors"
	"sync"
	"time"
)

type SessionOptions struct {
	Store  *Store
	Cache  SnapshotCache
	Logger Logger

	// RefreshTimeout bounds the snapshot refetch scheduled after a
	// successful channel reconnect.
	RefreshTimeout time.Duration
}

// Session ties the snapshot fetcher, the channel, and the reconciliation
// store together for one principal at a time, and acts as the mutation
// gateway: every user intent is sent to the server first and applied
// locally only on acknowledgment.
type Session struct {
	client         Client
	channel        *Channel
	store          *Store
	cache          SnapshotCache
	logger         Logger
	refreshTimeout time.Duration

	mu          sync.Mutex
	principal   string
	fetchCancel context.CancelFunc
}

// NewSession wires the channel's event stream into the store. The
// channel must have been built with OnResubscribe left unset; the
// session installs its own resubscribe hook.
func NewSession(client Client, channel *Channel, opts SessionOptions) *Session {
	store := opts.Store
	if store == nil {
		store = NewStore(StoreOptions{Logger: opts.Logger})
	}
	refreshTimeout := opts.RefreshTimeout
	if refreshTimeout <= 0 {
		refreshTimeout = 30 * time.Second
	}
	s := &Session{
		client:         client,
		channel:        channel,
		store:          store,
		cache:          opts.Cache,
		logger:         opts.Logger,
		refreshTimeout: refreshTimeout,
	}
	if channel != nil {
		channel.OnEvent(func(n Notification) {
			s.store.Admit(s.store.Generation(), n)
		})
		channel.onResubscribe = s.scheduleRefresh
	}
	return s
}

func (s *Session) Store() *Store {
	return s.store
}

// Start binds the session to a principal: the store is reset under a
// new generation, the channel is opened, and the snapshot is fetched
// and seeded. A failed fetch does not leave the consumer broken: the
// last cached snapshot (if any) is seeded instead and the typed fetch
// error is returned so the caller can react (e.g. trigger re-auth).
func (s *Session) Start(ctx context.Context, principalID string) error {
	if principalID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	s.principal = principalID
	gen := s.store.Reset(principalID)
	fetchCtx, cancel := context.WithCancel(ctx)
	s.fetchCancel = cancel
	s.mu.Unlock()

	if s.channel != nil {
		if err := s.channel.Open(ctx, principalID); err != nil {
			s.logf("channel open failed: %v", err)
		}
	}

	list, err := s.client.Fetch(fetchCtx, principalID)
	if err != nil {
		s.logf("snapshot fetch for %s failed: %v", principalID, err)
		s.seedFromCache(gen, principalID)
		return err
	}
	if !s.store.Seed(gen, list) {
		// A principal switch won the race; the response is stale.
		return nil
	}
	s.saveCache(principalID, list)
	return nil
}

// SwitchPrincipal discards the old principal's entire state: the
// in-flight fetch is cancelled so its eventual response is dropped
// unapplied, and the channel is closed before the new one opens.
func (s *Session) SwitchPrincipal(ctx context.Context, principalID string) error {
	s.mu.Lock()
	if s.fetchCancel != nil {
		s.fetchCancel()
		s.fetchCancel = nil
	}
	s.mu.Unlock()
	if s.channel != nil {
		_ = s.channel.Close()
	}
	return s.Start(ctx, principalID)
}

// Refresh refetches the full snapshot and seeds it, restoring
// convergence after windows where pushed events may have been missed.
func (s *Session) Refresh(ctx context.Context) error {
	principalID := s.Principal()
	if principalID == "" {
		return ErrInvalidState
	}
	gen := s.store.Generation()
	list, err := s.client.Fetch(ctx, principalID)
	if err != nil {
		return err
	}
	if s.store.Seed(gen, list) {
		s.saveCache(principalID, list)
	}
	return nil
}

func (s *Session) Stop() {
	s.mu.Lock()
	if s.fetchCancel != nil {
		s.fetchCancel()
		s.fetchCancel = nil
	}
	s.mu.Unlock()
	if s.channel != nil {
		_ = s.channel.Close()
	}
}

func (s *Session) Principal() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.principal
}

// MarkRead acknowledges one notification. The local flag flips only
// after the server accepted the command; marking an already-read or
// unknown id is not an error.
func (s *Session) MarkRead(ctx context.Context, id string) error {
	if err := s.client.MarkRead(ctx, id, s.Principal()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	s.store.MarkRead(id)
	return nil
}

// MarkAllRead is a single server round trip, not one call per item, so
// there is no partial-failure ambiguity across many items.
func (s *Session) MarkAllRead(ctx context.Context) error {
	if err := s.client.MarkAllRead(ctx, s.Principal()); err != nil {
		return err
	}
	s.store.MarkAllRead()
	return nil
}

func (s *Session) Delete(ctx context.Context, id string) error {
	if err := s.client.Delete(ctx, id, s.Principal()); err != nil {
		if errors.Is(err, ErrNotFound) {
			s.store.Remove(id)
			return nil
		}
		return err
	}
	s.store.Remove(id)
	return nil
}

func (s *Session) ClearAll(ctx context.Context) error {
	if err := s.client.ClearAll(ctx, s.Principal()); err != nil {
		return err
	}
	s.store.Clear()
	return nil
}

// scheduleRefresh runs after every successful channel reconnect. The
// service's replay guarantee across a disconnect window is unknown, so
// a full seed refetch is always scheduled to restore convergence.
func (s *Session) scheduleRefresh() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.refreshTimeout)
		defer cancel()
		if err := s.Refresh(ctx); err != nil {
			s.logf("post-reconnect refresh failed: %v", err)
		}
	}()
}

func (s *Session) seedFromCache(gen uint64, principalID string) {
	if s.cache == nil {
		return
	}
	cached, err := s.cache.Load(principalID)
	if err != nil {
		s.logf("snapshot cache load for %s failed: %v", principalID, err)
		return
	}
	if len(cached) == 0 {
		return
	}
	if s.store.Seed(gen, cached) {
		s.logf("presenting last known snapshot for %s (%d entries)", principalID, len(cached))
	}
}

func (s *Session) saveCache(principalID string, list []Notification) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Save(principalID, list); err != nil {
		s.logf("snapshot cache save for %s failed: %v", principalID, err)
	}
}

func (s *Session) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
