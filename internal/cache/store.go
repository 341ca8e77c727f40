// Package cache implements the session-scoped keyed result cache: one
// slot per request fingerprint, with staleness tracking, in-flight
// de-duplication and predicate-based invalidation.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/junho-song/marketdeck/pkg/logger"
)

// Status is the lifecycle state of a cache entry
type Status string

const (
	StatusAbsent  Status = "absent"
	StatusLoading Status = "loading"
	StatusFresh   Status = "fresh"
	StatusStale   Status = "stale"
	StatusError   Status = "error"
)

// Entry is a point-in-time snapshot of one cache slot. While loading
// or stale the previous value is retained for display.
type Entry[V any] struct {
	Fingerprint Fingerprint
	Status      Status
	Value       V
	Err         error
	UpdatedAt   time.Time
}

// FetchFunc loads the value for a fingerprint from upstream
type FetchFunc[V any] func(ctx context.Context, fp Fingerprint) (V, error)

// Listener observes entry transitions
type Listener[V any] func(Entry[V])

// Store is a keyed result cache. At most one fetch is in flight per
// fingerprint; concurrent readers attach to the pending fetch. Entries
// never expire on their own; Invalidate and Sweep are the only ways
// out.
type Store[V any] struct {
	mu    sync.Mutex
	fetch FetchFunc[V]
	slots map[Fingerprint]*slot[V]
	log   *logger.Logger
	now   func() time.Time

	allSubs map[int]*subscription[V]
	nextSub int
}

// slot is the mutable state behind one fingerprint
type slot[V any] struct {
	entry Entry[V]
	// gen is bumped by Invalidate; a fetch started under an older gen
	// records its result as stale instead of fresh
	gen      int
	fetching bool
	fetchGen int
	subs     map[int]*subscription[V]
}

// subscription serializes deliveries so a listener is never invoked
// after its unsubscribe returns
type subscription[V any] struct {
	mu     sync.Mutex
	closed bool
	fn     Listener[V]
}

func (s *subscription[V]) deliver(e Entry[V]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.fn(e)
}

func (s *subscription[V]) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// New creates an empty store backed by fetch
func New[V any](fetch FetchFunc[V], log *logger.Logger) *Store[V] {
	return &Store[V]{
		fetch:   fetch,
		slots:   make(map[Fingerprint]*slot[V]),
		log:     log,
		now:     time.Now,
		allSubs: make(map[int]*subscription[V]),
	}
}

// notice pairs a pending delivery with its subscribers; deliveries run
// after the store lock is released
type notice[V any] struct {
	entry Entry[V]
	subs  []*subscription[V]
}

// Read returns the current entry for fp, creating it and starting (or
// attaching to) a fetch when the slot is absent, stale or errored.
// Non-blocking: transitions are observed via Subscribe or re-reads.
func (s *Store[V]) Read(ctx context.Context, fp Fingerprint) Entry[V] {
	s.mu.Lock()

	sl := s.slotLocked(fp)

	var notices []notice[V]
	if !sl.fetching {
		switch sl.entry.Status {
		case StatusAbsent, StatusStale, StatusError:
			sl.fetching = true
			sl.fetchGen = sl.gen
			sl.entry.Status = StatusLoading
			sl.entry.UpdatedAt = s.now()
			notices = append(notices, s.noticeLocked(sl))

			// Detach from the initiating caller: other readers may be
			// attached to this fetch by the time it resolves
			go s.runFetch(context.WithoutCancel(ctx), fp, sl.fetchGen)
		}
	}

	snapshot := sl.entry
	s.mu.Unlock()

	s.dispatch(notices)
	return snapshot
}

// Peek returns the current entry without triggering a fetch
func (s *Store[V]) Peek(fp Fingerprint) (Entry[V], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sl, ok := s.slots[fp]
	if !ok {
		return Entry[V]{Fingerprint: fp, Status: StatusAbsent}, false
	}
	return sl.entry, true
}

// Write seeds a value obtained out-of-band, transitioning the slot
// directly to fresh. An in-flight fetch is left alone: completion
// order decides the final value.
func (s *Store[V]) Write(fp Fingerprint, value V) {
	s.mu.Lock()

	sl := s.slotLocked(fp)
	sl.entry.Value = value
	sl.entry.Err = nil
	sl.entry.Status = StatusFresh
	sl.entry.UpdatedAt = s.now()
	n := s.noticeLocked(sl)

	s.mu.Unlock()
	s.dispatch([]notice[V]{n})
}

// Invalidate marks matching entries as requiring a refetch on next
// read. Fresh entries downgrade to stale, errored slots without
// subscribers are dropped, in-flight fetches have their result
// recorded as stale. No network activity is triggered here. Returns
// the number of affected slots.
func (s *Store[V]) Invalidate(pred Predicate) int {
	s.mu.Lock()

	count := 0
	var notices []notice[V]

	for fp, sl := range s.slots {
		if !pred(fp) {
			continue
		}

		switch {
		case sl.fetching:
			sl.gen++
			count++
		case sl.entry.Status == StatusFresh:
			sl.gen++
			sl.entry.Status = StatusStale
			sl.entry.UpdatedAt = s.now()
			notices = append(notices, s.noticeLocked(sl))
			count++
		case sl.entry.Status == StatusError:
			if len(sl.subs) == 0 {
				delete(s.slots, fp)
			} else {
				var zero V
				sl.entry.Value = zero
				sl.entry.Err = nil
				sl.entry.Status = StatusAbsent
				sl.entry.UpdatedAt = s.now()
				notices = append(notices, s.noticeLocked(sl))
			}
			count++
		}
	}

	s.mu.Unlock()
	s.dispatch(notices)

	if count > 0 {
		s.log.WithField("count", count).Debug("Invalidated cache entries")
	}
	return count
}

// Subscribe registers fn for transitions of one fingerprint and
// returns an unsubscribe func. fn fires at most once per transition
// and never after unsubscribe returns.
func (s *Store[V]) Subscribe(fp Fingerprint, fn Listener[V]) func() {
	s.mu.Lock()

	sl := s.slotLocked(fp)
	sub := &subscription[V]{fn: fn}
	id := s.nextSub
	s.nextSub++
	sl.subs[id] = sub

	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		if sl, ok := s.slots[fp]; ok {
			delete(sl.subs, id)
		}
		s.mu.Unlock()
		sub.close()
	}
}

// SubscribeAll registers fn for transitions of every fingerprint.
// Used by the push layer.
func (s *Store[V]) SubscribeAll(fn Listener[V]) func() {
	s.mu.Lock()

	sub := &subscription[V]{fn: fn}
	id := s.nextSub
	s.nextSub++
	s.allSubs[id] = sub

	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.allSubs, id)
		s.mu.Unlock()
		sub.close()
	}
}

// Sweep drops errored slots older than maxAge that nobody subscribes
// to. Keeps long sessions from accumulating dead error entries.
func (s *Store[V]) Sweep(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	count := 0

	for fp, sl := range s.slots {
		if sl.entry.Status == StatusError && !sl.fetching &&
			len(sl.subs) == 0 && sl.entry.UpdatedAt.Before(cutoff) {
			delete(s.slots, fp)
			count++
		}
	}

	if count > 0 {
		s.log.WithField("count", count).Info("Swept errored cache entries")
	}
	return count
}

// Len returns the number of live slots
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// runFetch performs the single network round-trip for a fingerprint
func (s *Store[V]) runFetch(ctx context.Context, fp Fingerprint, startGen int) {
	value, err := s.fetch(ctx, fp)

	s.mu.Lock()

	sl, ok := s.slots[fp]
	if !ok {
		s.mu.Unlock()
		return
	}

	sl.fetching = false
	sl.entry.UpdatedAt = s.now()

	switch {
	case err != nil:
		sl.entry.Err = err
		sl.entry.Status = StatusError
	case sl.gen != startGen:
		// Invalidated while in flight: keep the value for display but
		// do not present it as authoritative
		sl.entry.Value = value
		sl.entry.Err = nil
		sl.entry.Status = StatusStale
	default:
		sl.entry.Value = value
		sl.entry.Err = nil
		sl.entry.Status = StatusFresh
	}

	n := s.noticeLocked(sl)
	s.mu.Unlock()

	if err != nil {
		s.log.WithError(err).WithField("fingerprint", fp.String()).Warn("Cache fetch failed")
	}
	s.dispatch([]notice[V]{n})
}

// slotLocked returns the slot for fp, creating an absent one if needed
func (s *Store[V]) slotLocked(fp Fingerprint) *slot[V] {
	sl, ok := s.slots[fp]
	if !ok {
		sl = &slot[V]{
			entry: Entry[V]{Fingerprint: fp, Status: StatusAbsent},
			subs:  make(map[int]*subscription[V]),
		}
		s.slots[fp] = sl
	}
	return sl
}

// noticeLocked snapshots the slot entry with its current audience
func (s *Store[V]) noticeLocked(sl *slot[V]) notice[V] {
	subs := make([]*subscription[V], 0, len(sl.subs)+len(s.allSubs))
	for _, sub := range sl.subs {
		subs = append(subs, sub)
	}
	for _, sub := range s.allSubs {
		subs = append(subs, sub)
	}
	return notice[V]{entry: sl.entry, subs: subs}
}

// dispatch delivers notices outside the store lock
func (s *Store[V]) dispatch(notices []notice[V]) {
	for _, n := range notices {
		for _, sub := range n.subs {
			sub.deliver(n.entry)
		}
	}
}
