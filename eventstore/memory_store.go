package eventstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TemporalDynamics/ecosign-sub001/domain"
)

// MemoryStore implements Store in process. Each document has a one-slot
// semaphore as its exclusive lock and publishes committed state through an
// atomic snapshot pointer, so reads never wait on writers.
type MemoryStore struct {
	entities    sync.Map // entity id -> *memEntity
	idsMu       sync.Mutex
	ids         map[string]string // event id -> entity id
	lockTimeout time.Duration
}

type memEntity struct {
	lock     chan struct{}
	snapshot atomic.Pointer[memSnapshot]
}

type memSnapshot struct {
	events []domain.Event
	status domain.DocumentStatus
}

// NewMemoryStore creates an empty in-memory ledger
func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &MemoryStore{
		ids:         map[string]string{},
		lockTimeout: lockTimeout,
	}
}

func (s *MemoryStore) entity(entityID string, create bool) *memEntity {
	if v, ok := s.entities.Load(entityID); ok {
		return v.(*memEntity)
	}
	if !create {
		return nil
	}
	v, _ := s.entities.LoadOrStore(entityID, &memEntity{lock: make(chan struct{}, 1)})
	return v.(*memEntity)
}

// WithEntityLock implements Store
func (s *MemoryStore) WithEntityLock(ctx context.Context, entityID string, create bool, fn func(LockedEntity) error) error {
	ent := s.entity(entityID, create)
	if ent == nil {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, entityID)
	}

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	select {
	case ent.lock <- struct{}{}:
	case <-timer.C:
		return fmt.Errorf("%w: document %s still locked after %s", domain.ErrLockTimeout, entityID, s.lockTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-ent.lock }()

	locked := &memLockedEntity{store: s}
	if snap := ent.snapshot.Load(); snap != nil {
		locked.history = snap.events
	}
	base := len(locked.history)

	if err := fn(locked); err != nil {
		return err
	}
	if !locked.dirty {
		return nil
	}

	staged := locked.history[base:]
	s.idsMu.Lock()
	defer s.idsMu.Unlock()
	for _, ev := range staged {
		if _, taken := s.ids[ev.ID]; taken {
			return fmt.Errorf("%w: event %s", ErrDuplicateKey, ev.ID)
		}
	}
	for _, ev := range staged {
		s.ids[ev.ID] = entityID
	}
	ent.snapshot.Store(&memSnapshot{events: locked.history, status: locked.status.Clone()})
	return nil
}

type memLockedEntity struct {
	store   *MemoryStore
	history []domain.Event
	status  domain.DocumentStatus
	dirty   bool
}

func (e *memLockedEntity) History() []domain.Event {
	return e.history
}

func (e *memLockedEntity) FindEvent(eventID string) (*domain.Event, error) {
	return e.store.FindEvent(context.Background(), eventID)
}

func (e *memLockedEntity) Append(ev domain.Event, status domain.DocumentStatus) error {
	// Copy on write: the committed snapshot keeps its own backing array.
	next := make([]domain.Event, len(e.history), len(e.history)+1)
	copy(next, e.history)
	e.history = append(next, ev)
	e.status = status
	e.dirty = true
	return nil
}

func (s *MemoryStore) load(entityID string) *memSnapshot {
	ent := s.entity(entityID, false)
	if ent == nil {
		return nil
	}
	return ent.snapshot.Load()
}

// Status implements Reader
func (s *MemoryStore) Status(ctx context.Context, entityID string) (domain.DocumentStatus, error) {
	snap := s.load(entityID)
	if snap == nil {
		return domain.DocumentStatus{}, fmt.Errorf("%w: %s", domain.ErrNotFound, entityID)
	}
	return snap.status.Clone(), nil
}

// Events implements Reader
func (s *MemoryStore) Events(ctx context.Context, entityID string) ([]domain.Event, error) {
	snap := s.load(entityID)
	if snap == nil {
		return []domain.Event{}, nil
	}
	return append([]domain.Event(nil), snap.events...), nil
}

// FindEvent implements Reader
func (s *MemoryStore) FindEvent(ctx context.Context, eventID string) (*domain.Event, error) {
	s.idsMu.Lock()
	entityID, ok := s.ids[eventID]
	s.idsMu.Unlock()
	if !ok {
		return nil, nil
	}

	snap := s.load(entityID)
	if snap == nil {
		return nil, nil
	}
	for i := range snap.events {
		if snap.events[i].ID == eventID {
			ev := snap.events[i]
			return &ev, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) snapshots() []*memSnapshot {
	var out []*memSnapshot
	s.entities.Range(func(_, v interface{}) bool {
		if snap := v.(*memEntity).snapshot.Load(); snap != nil {
			out = append(out, snap)
		}
		return true
	})
	return out
}

// AnchorsByStatus implements Reader
func (s *MemoryStore) AnchorsByStatus(ctx context.Context, status domain.AnchorStatus, network string, limit int) ([]DocumentAnchor, error) {
	var out []DocumentAnchor
	for _, snap := range s.snapshots() {
		for name, rec := range snap.status.Anchors {
			if rec.Status == status && (network == "" || name == network) {
				out = append(out, DocumentAnchor{
					EntityID:    snap.status.EntityID,
					WitnessHash: snap.status.WitnessHash,
					Anchor:      rec,
				})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Anchor.SubmittedAt, out[j].Anchor.SubmittedAt
		switch {
		case a == nil || b == nil:
			return a == nil && b != nil
		case a.Equal(*b):
			return out[i].EntityID+out[i].Anchor.Network < out[j].EntityID+out[j].Anchor.Network
		default:
			return a.Before(*b)
		}
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AnchorHealth implements Reader
func (s *MemoryStore) AnchorHealth(ctx context.Context, now time.Time, recent, stall time.Duration) ([]NetworkHealth, error) {
	byNetwork := map[string]*NetworkHealth{}
	for _, snap := range s.snapshots() {
		for network, rec := range snap.status.Anchors {
			h, ok := byNetwork[network]
			if !ok {
				h = &NetworkHealth{Network: network}
				byNetwork[network] = h
			}

			switch rec.Status {
			case domain.AnchorPending:
				h.Pending++
				if rec.SubmittedAt != nil {
					if rec.SubmittedAt.Before(now.Add(-stall)) {
						h.Stalled++
					}
					if h.OldestPending == nil || rec.SubmittedAt.Before(*h.OldestPending) {
						at := *rec.SubmittedAt
						h.OldestPending = &at
					}
				}
			case domain.AnchorConfirmed:
				if rec.ConfirmedAt != nil && !rec.ConfirmedAt.Before(now.Add(-recent)) {
					h.ConfirmedRecently++
				}
			}
		}
	}
	return sortedHealth(byNetwork), nil
}
