package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/TemporalDynamics/ecosign-sub001/domain"
	"github.com/TemporalDynamics/ecosign-sub001/models"
)

// GormStore implements Store on Postgres using GORM. The document row is
// locked with SELECT ... FOR UPDATE for the lifetime of one transaction.
type GormStore struct {
	db          *gorm.DB
	lockTimeout time.Duration
}

// NewGormStore creates a new GORM ledger store
func NewGormStore(db *gorm.DB, lockTimeout time.Duration) *GormStore {
	return &GormStore{db: db, lockTimeout: lockTimeout}
}

// WithEntityLock implements Store
func (s *GormStore) WithEntityLock(ctx context.Context, entityID string, create bool, fn func(LockedEntity) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if s.lockTimeout > 0 {
			stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("failed to set lock timeout: %w", err)
			}
		}

		if create {
			head := models.DocumentEntity{ID: entityID, Status: []byte("{}")}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&head).Error; err != nil {
				return fmt.Errorf("failed to open document: %w", err)
			}
		}

		var head models.DocumentEntity
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", entityID).
			Take(&head).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", domain.ErrNotFound, entityID)
			}
			return fmt.Errorf("failed to lock document: %w", err)
		}

		var rows []models.LedgerEvent
		if err := tx.Where("entity_id = ?", entityID).Order("seq ASC").Find(&rows).Error; err != nil {
			return fmt.Errorf("failed to load events: %w", err)
		}
		history := make([]domain.Event, len(rows))
		for i, row := range rows {
			history[i] = row.ToDomain()
		}

		return fn(&gormLockedEntity{tx: tx, head: head, history: history})
	})
	return classifyError(err)
}

type gormLockedEntity struct {
	tx      *gorm.DB
	head    models.DocumentEntity
	history []domain.Event
}

func (e *gormLockedEntity) History() []domain.Event {
	return e.history
}

func (e *gormLockedEntity) FindEvent(eventID string) (*domain.Event, error) {
	return findEvent(e.tx, eventID)
}

func (e *gormLockedEntity) Append(ev domain.Event, status domain.DocumentStatus) error {
	row := models.NewLedgerEvent(ev)
	if err := e.tx.Create(&row).Error; err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}

	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	if err := e.tx.Model(&models.DocumentEntity{}).
		Where("id = ?", e.head.ID).
		Updates(map[string]interface{}{
			"witness_hash": status.WitnessHash,
			"event_count":  status.EventCount,
			"status":       data,
			"updated_at":   ev.RecordedAt,
		}).Error; err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	if domain.IsAnchorKind(ev.Kind) {
		var p domain.AnchorPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("failed to decode anchor payload: %w", err)
		}
		rec := models.NewAnchorRecord(e.head.ID, status.Anchor(p.Network))
		if err := e.tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "entity_id"}, {Name: "network"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "reference", "submitted_at", "confirmed_at",
				"confirmations", "reason", "late_arrivals", "updated_at",
			}),
		}).Create(&rec).Error; err != nil {
			return fmt.Errorf("failed to save anchor record: %w", err)
		}
	}

	e.history = append(e.history, ev)

	log.Info().
		Str("entityID", ev.EntityID).
		Str("kind", ev.Kind).
		Int("seq", ev.Seq).
		Bool("lateArrival", ev.LateArrival).
		Msg("Event saved")
	return nil
}

// Status implements Reader
func (s *GormStore) Status(ctx context.Context, entityID string) (domain.DocumentStatus, error) {
	var head models.DocumentEntity
	if err := s.db.WithContext(ctx).Where("id = ?", entityID).Take(&head).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.DocumentStatus{}, fmt.Errorf("%w: %s", domain.ErrNotFound, entityID)
		}
		return domain.DocumentStatus{}, fmt.Errorf("failed to get document: %w", err)
	}
	if head.EventCount == 0 {
		return domain.DocumentStatus{}, fmt.Errorf("%w: %s", domain.ErrNotFound, entityID)
	}
	return head.DecodeStatus()
}

// Events implements Reader
func (s *GormStore) Events(ctx context.Context, entityID string) ([]domain.Event, error) {
	var rows []models.LedgerEvent
	if err := s.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("seq ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	events := make([]domain.Event, len(rows))
	for i, row := range rows {
		events[i] = row.ToDomain()
	}
	return events, nil
}

// FindEvent implements Reader
func (s *GormStore) FindEvent(ctx context.Context, eventID string) (*domain.Event, error) {
	return findEvent(s.db.WithContext(ctx), eventID)
}

func findEvent(db *gorm.DB, eventID string) (*domain.Event, error) {
	var row models.LedgerEvent
	if err := db.Where("event_id = ?", eventID).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find event: %w", err)
	}
	ev := row.ToDomain()
	return &ev, nil
}

// AnchorsByStatus implements Reader
func (s *GormStore) AnchorsByStatus(ctx context.Context, status domain.AnchorStatus, network string, limit int) ([]DocumentAnchor, error) {
	var rows []struct {
		models.AnchorRecord
		WitnessHash string
	}
	query := s.db.WithContext(ctx).
		Table("anchor_records").
		Select("anchor_records.*, document_entities.witness_hash").
		Joins("JOIN document_entities ON document_entities.id = anchor_records.entity_id").
		Where("anchor_records.status = ?", string(status))
	if network != "" {
		query = query.Where("anchor_records.network = ?", network)
	}
	if err := query.
		Order("anchor_records.submitted_at ASC").
		Limit(limit).
		Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list anchors: %w", err)
	}

	out := make([]DocumentAnchor, len(rows))
	for i, row := range rows {
		out[i] = DocumentAnchor{
			EntityID:    row.EntityID,
			WitnessHash: row.WitnessHash,
			Anchor:      row.AnchorRecord.ToDomain(),
		}
	}
	return out, nil
}

// AnchorHealth implements Reader
func (s *GormStore) AnchorHealth(ctx context.Context, now time.Time, recent, stall time.Duration) ([]NetworkHealth, error) {
	type countRow struct {
		Network string
		Count   int
		Oldest  *time.Time
	}
	db := s.db.WithContext(ctx).Model(&models.AnchorRecord{})
	byNetwork := map[string]*NetworkHealth{}
	entry := func(network string) *NetworkHealth {
		if h, ok := byNetwork[network]; ok {
			return h
		}
		h := &NetworkHealth{Network: network}
		byNetwork[network] = h
		return h
	}

	var pending []countRow
	if err := db.Session(&gorm.Session{}).
		Select("network, count(*) AS count, min(submitted_at) AS oldest").
		Where("status = ?", string(domain.AnchorPending)).
		Group("network").
		Scan(&pending).Error; err != nil {
		return nil, fmt.Errorf("failed to count pending anchors: %w", err)
	}
	for _, row := range pending {
		h := entry(row.Network)
		h.Pending = row.Count
		h.OldestPending = row.Oldest
	}

	var stalled []countRow
	if err := db.Session(&gorm.Session{}).
		Select("network, count(*) AS count").
		Where("status = ? AND submitted_at < ?", string(domain.AnchorPending), now.Add(-stall)).
		Group("network").
		Scan(&stalled).Error; err != nil {
		return nil, fmt.Errorf("failed to count stalled anchors: %w", err)
	}
	for _, row := range stalled {
		entry(row.Network).Stalled = row.Count
	}

	var confirmed []countRow
	if err := db.Session(&gorm.Session{}).
		Select("network, count(*) AS count").
		Where("status = ? AND confirmed_at >= ?", string(domain.AnchorConfirmed), now.Add(-recent)).
		Group("network").
		Scan(&confirmed).Error; err != nil {
		return nil, fmt.Errorf("failed to count confirmed anchors: %w", err)
	}
	for _, row := range confirmed {
		entry(row.Network).ConfirmedRecently = row.Count
	}

	return sortedHealth(byNetwork), nil
}

func sortedHealth(byNetwork map[string]*NetworkHealth) []NetworkHealth {
	out := make([]NetworkHealth, 0, len(byNetwork))
	for _, h := range byNetwork {
		out = append(out, *h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Network < out[j].Network })
	return out
}
