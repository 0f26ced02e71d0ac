package projections

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/TemporalDynamics/ecosign-sub001/eventstore"
	"github.com/TemporalDynamics/ecosign-sub001/models"
)

// EventProcessor feeds committed ledger events to the read-side projectors
type EventProcessor struct {
	db                 *gorm.DB
	reader             eventstore.Reader
	legacyProjector    *LegacyProjector
	timelineProjector  *TimelineProjector
	batchSize          int
	processingInterval time.Duration
	running            bool
	mutex              sync.Mutex
	stopChan           chan struct{}
}

// NewEventProcessor creates a new event processor. timelineProjector may be
// nil when search indexing is disabled.
func NewEventProcessor(
	db *gorm.DB,
	reader eventstore.Reader,
	legacyProjector *LegacyProjector,
	timelineProjector *TimelineProjector,
	batchSize int,
	interval time.Duration,
) *EventProcessor {
	if batchSize <= 0 {
		batchSize = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &EventProcessor{
		db:                 db,
		reader:             reader,
		legacyProjector:    legacyProjector,
		timelineProjector:  timelineProjector,
		batchSize:          batchSize,
		processingInterval: interval,
		running:            false,
		stopChan:           make(chan struct{}),
	}
}

// Start starts the event processor
func (p *EventProcessor) Start(ctx context.Context) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.running {
		return
	}

	p.running = true
	go p.processEvents(ctx)
}

// Stop stops the event processor
func (p *EventProcessor) Stop() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if !p.running {
		return
	}

	p.running = false
	p.stopChan <- struct{}{}
}

// processEvents processes events in a loop
func (p *EventProcessor) processEvents(ctx context.Context) {
	ticker := time.NewTicker(p.processingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := p.ProcessBatch(ctx); err != nil {
				log.Error().Err(err).Msg("Failed to process event batch")
			}
		case <-p.stopChan:
			return
		}
	}
}

// ProcessBatch projects one batch of unprocessed events and returns how many
// were projected.
func (p *EventProcessor) ProcessBatch(ctx context.Context) (int, error) {
	var events []models.LedgerEvent
	if err := p.db.WithContext(ctx).
		Where("processed = ?", false).
		Order("id ASC").
		Limit(p.batchSize).
		Find(&events).Error; err != nil {
		return 0, err
	}

	if len(events) == 0 {
		return 0, nil
	}

	log.Info().Msgf("Processing %d events", len(events))

	projected := 0
	for _, event := range events {
		if err := p.processEvent(ctx, event); err != nil {
			log.Error().Err(err).Str("event_id", event.EventID).Msg("Failed to process event")
			errMsg := err.Error()
			if err := p.db.WithContext(ctx).Model(&event).Updates(map[string]interface{}{
				"error": &errMsg,
			}).Error; err != nil {
				log.Error().Err(err).Str("event_id", event.EventID).Msg("Failed to record event processing error")
			}
			continue
		}

		if err := p.db.WithContext(ctx).Model(&event).Updates(map[string]interface{}{
			"processed": true,
			"error":     nil,
		}).Error; err != nil {
			log.Error().Err(err).Str("event_id", event.EventID).Msg("Failed to mark event as processed")
			continue
		}
		projected++
	}

	return projected, nil
}

func (p *EventProcessor) processEvent(ctx context.Context, event models.LedgerEvent) error {
	if err := p.legacyProjector.Project(ctx, event.EntityID); err != nil {
		return err
	}
	if p.timelineProjector == nil {
		return nil
	}

	status, err := p.reader.Status(ctx, event.EntityID)
	if err != nil {
		return err
	}
	return p.timelineProjector.Project(ctx, event.ToDomain(), status)
}
