package models

import (
	"time"

	"github.com/TemporalDynamics/ecosign-sub001/domain"
)

// LedgerEvent is one committed event in a document ledger.
// Evidence columns are written once at append time; only the projection
// bookkeeping columns (Processed, Error) change afterwards.
type LedgerEvent struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	EventID       string    `gorm:"uniqueIndex;not null" json:"event_id"`
	EntityID      string    `gorm:"uniqueIndex:idx_ledger_entity_seq;not null" json:"entity_id"`
	Seq           int       `gorm:"uniqueIndex:idx_ledger_entity_seq;not null" json:"seq"`
	Kind          string    `gorm:"index;not null" json:"kind"`
	At            time.Time `json:"at"`
	SchemaVersion int       `json:"v"`
	Actor         string    `json:"actor"`
	CorrelationID string    `gorm:"not null" json:"correlation_id"`
	Source        string    `json:"source"`
	Payload       []byte    `gorm:"type:jsonb" json:"payload"`
	LateArrival   bool      `json:"late_arrival"`
	RecordedAt    time.Time `json:"recorded_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	Error         *string   `json:"error"`
	Processed     bool      `gorm:"index" json:"processed"`
}

// NewLedgerEvent maps a domain event to its row.
func NewLedgerEvent(ev domain.Event) LedgerEvent {
	return LedgerEvent{
		EventID:       ev.ID,
		EntityID:      ev.EntityID,
		Seq:           ev.Seq,
		Kind:          ev.Kind,
		At:            ev.At,
		SchemaVersion: ev.Version,
		Actor:         ev.Actor,
		CorrelationID: ev.CorrelationID,
		Source:        ev.Source,
		Payload:       ev.Payload,
		LateArrival:   ev.LateArrival,
		RecordedAt:    ev.RecordedAt,
	}
}

// ToDomain converts the row back to a domain event.
func (e LedgerEvent) ToDomain() domain.Event {
	return domain.Event{
		Envelope: domain.Envelope{
			ID:            e.EventID,
			Kind:          e.Kind,
			At:            e.At,
			Version:       e.SchemaVersion,
			Actor:         e.Actor,
			EntityID:      e.EntityID,
			CorrelationID: e.CorrelationID,
			Source:        e.Source,
			Payload:       e.Payload,
		},
		Seq:         e.Seq,
		LateArrival: e.LateArrival,
		RecordedAt:  e.RecordedAt,
	}
}
