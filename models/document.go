package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/TemporalDynamics/ecosign-sub001/domain"
)

// DocumentEntity is the lockable head row of a document ledger.
type DocumentEntity struct {
	ID          string    `gorm:"primaryKey" json:"id"`
	WitnessHash string    `gorm:"index" json:"witness_hash"`
	EventCount  int       `json:"event_count"`
	Status      []byte    `gorm:"type:jsonb" json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DecodeStatus returns the derived status stored on the row.
func (d DocumentEntity) DecodeStatus() (domain.DocumentStatus, error) {
	status := domain.DocumentStatus{EntityID: d.ID, Anchors: map[string]domain.AnchorRecord{}}
	if len(d.Status) == 0 {
		return status, nil
	}
	if err := json.Unmarshal(d.Status, &status); err != nil {
		return status, fmt.Errorf("failed to decode status of %s: %w", d.ID, err)
	}
	if status.Anchors == nil {
		status.Anchors = map[string]domain.AnchorRecord{}
	}
	return status, nil
}

// AnchorRecord is the materialized anchor state per (document, network).
type AnchorRecord struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	EntityID      string     `gorm:"uniqueIndex:idx_anchor_entity_network;not null" json:"entity_id"`
	Network       string     `gorm:"uniqueIndex:idx_anchor_entity_network;not null" json:"network"`
	Status        string     `gorm:"index;not null" json:"status"`
	Reference     string     `json:"reference"`
	SubmittedAt   *time.Time `json:"submitted_at"`
	ConfirmedAt   *time.Time `json:"confirmed_at"`
	Confirmations int        `json:"confirmations"`
	Reason        string     `json:"reason"`
	LateArrivals  int        `json:"late_arrivals"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// NewAnchorRecord maps a domain anchor record to its row.
func NewAnchorRecord(entityID string, rec domain.AnchorRecord) AnchorRecord {
	return AnchorRecord{
		EntityID:      entityID,
		Network:       rec.Network,
		Status:        string(rec.Status),
		Reference:     rec.Reference,
		SubmittedAt:   rec.SubmittedAt,
		ConfirmedAt:   rec.ConfirmedAt,
		Confirmations: rec.Confirmations,
		Reason:        rec.Reason,
		LateArrivals:  rec.LateArrivals,
	}
}

// ToDomain converts the row back to a domain anchor record.
func (a AnchorRecord) ToDomain() domain.AnchorRecord {
	return domain.AnchorRecord{
		Network:       a.Network,
		Status:        domain.AnchorStatus(a.Status),
		Reference:     a.Reference,
		SubmittedAt:   a.SubmittedAt,
		ConfirmedAt:   a.ConfirmedAt,
		Confirmations: a.Confirmations,
		Reason:        a.Reason,
		LateArrivals:  a.LateArrivals,
	}
}
