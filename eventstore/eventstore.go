package eventstore

import (
	"context"
	"time"

	"github.com/TemporalDynamics/ecosign-sub001/domain"
)

// Reader is the lock-free read side of the ledger. Reads observe the last
// committed state of each document.
type Reader interface {
	// Status returns the derived status of a document
	Status(ctx context.Context, entityID string) (domain.DocumentStatus, error)

	// Events returns a document's ledger in seq order
	Events(ctx context.Context, entityID string) ([]domain.Event, error)

	// FindEvent looks an event up by its global id; nil when absent
	FindEvent(ctx context.Context, eventID string) (*domain.Event, error)

	// AnchorsByStatus lists anchor records in a given status, oldest submission
	// first. An empty network matches every network.
	AnchorsByStatus(ctx context.Context, status domain.AnchorStatus, network string, limit int) ([]DocumentAnchor, error)

	// AnchorHealth aggregates anchor records per network
	AnchorHealth(ctx context.Context, now time.Time, recent, stall time.Duration) ([]NetworkHealth, error)
}

// Store is the ledger. WithEntityLock is its only write path.
type Store interface {
	Reader

	// WithEntityLock runs fn while holding the exclusive lock of one document.
	// Appends staged through the LockedEntity commit atomically when fn
	// returns nil and are discarded otherwise. With create set, a document
	// that does not exist yet is opened for its first event.
	WithEntityLock(ctx context.Context, entityID string, create bool, fn func(LockedEntity) error) error
}

// LockedEntity is a document ledger held under its exclusive lock.
type LockedEntity interface {
	History() []domain.Event
	FindEvent(eventID string) (*domain.Event, error)
	Append(ev domain.Event, status domain.DocumentStatus) error
}

// DocumentAnchor is an anchor record together with its document.
type DocumentAnchor struct {
	EntityID    string              `json:"entity_id"`
	WitnessHash string              `json:"witness_hash"`
	Anchor      domain.AnchorRecord `json:"anchor"`
}

// NetworkHealth summarizes anchoring progress on one network.
type NetworkHealth struct {
	Network           string     `json:"network"`
	Pending           int        `json:"pending"`
	ConfirmedRecently int        `json:"confirmed_recently"`
	Stalled           int        `json:"stalled"`
	OldestPending     *time.Time `json:"oldest_pending,omitempty"`
}
