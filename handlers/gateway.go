package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/TemporalDynamics/ecosign-sub001/domain"
	"github.com/TemporalDynamics/ecosign-sub001/eventstore"
	"github.com/TemporalDynamics/ecosign-sub001/tsa"
	"github.com/TemporalDynamics/ecosign-sub001/utils"
)

// AppendResult is the outcome of a successful append. Duplicate is set when
// the event id was already in the ledger and nothing new was written.
type AppendResult struct {
	Event     domain.Event          `json:"event"`
	Status    domain.DocumentStatus `json:"status"`
	Duplicate bool                  `json:"duplicate"`
}

// StatusInvalidator drops cached copies of a document's status.
type StatusInvalidator interface {
	Invalidate(ctx context.Context, entityID string) error
}

// AppendGateway is the only write path into the ledger.
type AppendGateway struct {
	store       eventstore.Store
	rules       domain.AnchorRules
	invalidator StatusInvalidator
	now         func() time.Time
}

// NewAppendGateway creates a gateway over store. invalidator may be nil.
func NewAppendGateway(store eventstore.Store, rules domain.AnchorRules, invalidator StatusInvalidator) *AppendGateway {
	return &AppendGateway{
		store:       store,
		rules:       rules,
		invalidator: invalidator,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Append validates env and commits it as the next event of documentID.
func (g *AppendGateway) Append(ctx context.Context, documentID string, env domain.Envelope) (AppendResult, error) {
	if err := validateEnvelope(documentID, env); err != nil {
		log.Warn().Err(err).Str("entityID", documentID).Str("eventID", env.ID).Msg("Event rejected")
		return AppendResult{}, err
	}
	env.At = env.At.UTC()

	var result AppendResult
	err := g.store.WithEntityLock(ctx, documentID, env.Kind == domain.KindCreated, func(locked eventstore.LockedEntity) error {
		agg, err := domain.ReplayDocument(documentID, g.rules, locked.History())
		if err != nil {
			return err
		}

		if agg.HasEvent(env.ID) {
			result = AppendResult{Event: findInHistory(locked.History(), env.ID), Status: agg.Status(), Duplicate: true}
			return nil
		}
		existing, err := locked.FindEvent(env.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: event %s belongs to document %s", domain.ErrInvariantViolation, env.ID, existing.EntityID)
		}

		if env.Kind == domain.KindTSAAppended && agg.Exists() && !agg.Status().HasTimestamp {
			if err := verifyTimestamp(env, agg.Status().WitnessHash); err != nil {
				return err
			}
		}

		ev, err := agg.Record(env, g.now())
		if err != nil {
			return err
		}
		status := agg.Status()
		if err := locked.Append(ev, status); err != nil {
			return err
		}
		result = AppendResult{Event: ev, Status: status}
		return nil
	})

	if errors.Is(err, eventstore.ErrDuplicateKey) {
		// Lost a race on the global event id against another document or a
		// concurrent first append; the stored copy decides the outcome.
		return g.resolveCollision(ctx, documentID, env)
	}
	if err != nil {
		log.Warn().Err(err).Str("entityID", documentID).Str("eventID", env.ID).Str("kind", env.Kind).Msg("Append failed")
		return AppendResult{}, err
	}

	if result.Duplicate {
		log.Info().Str("entityID", documentID).Str("eventID", env.ID).Msg("Duplicate event ignored")
		return result, nil
	}

	if g.invalidator != nil {
		if err := g.invalidator.Invalidate(ctx, documentID); err != nil {
			log.Warn().Err(err).Str("entityID", documentID).Msg("Failed to invalidate cached status")
		}
	}
	if result.Event.LateArrival {
		log.Warn().
			Str("entityID", documentID).
			Str("eventID", env.ID).
			Str("kind", env.Kind).
			Msg("Late anchor outcome recorded without changing status")
	}
	return result, nil
}

func (g *AppendGateway) resolveCollision(ctx context.Context, documentID string, env domain.Envelope) (AppendResult, error) {
	existing, err := g.store.FindEvent(ctx, env.ID)
	if err != nil {
		return AppendResult{}, err
	}
	if existing == nil {
		return AppendResult{}, fmt.Errorf("%w: event %s collided but is not stored", domain.ErrLockTimeout, env.ID)
	}
	if existing.EntityID != documentID {
		return AppendResult{}, fmt.Errorf("%w: event %s belongs to document %s", domain.ErrInvariantViolation, env.ID, existing.EntityID)
	}
	status, err := g.store.Status(ctx, documentID)
	if err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Event: *existing, Status: status, Duplicate: true}, nil
}

func validateEnvelope(documentID string, env domain.Envelope) error {
	if err := utils.ValidateDocumentID(documentID); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if err := utils.ValidateStruct(env); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if env.EntityID != documentID {
		return fmt.Errorf("%w: entity_id %q does not match document %q", domain.ErrInvariantViolation, env.EntityID, documentID)
	}
	if env.CorrelationID != documentID {
		return fmt.Errorf("%w: correlation_id %q does not match document %q", domain.ErrInvariantViolation, env.CorrelationID, documentID)
	}
	if !domain.SourceAuthorized(env.Kind, env.Source) {
		return fmt.Errorf("%w: source %q may not emit %s", domain.ErrValidation, env.Source, env.Kind)
	}
	return nil
}

func verifyTimestamp(env domain.Envelope, witnessHash string) error {
	var p domain.TimestampPayload
	if err := domain.DecodePayload(env, &p); err != nil {
		return err
	}
	res, err := tsa.Verify(p.Token, witnessHash)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	if !res.Verified() {
		return fmt.Errorf("%w: timestamp token is bound to %s, not the witness hash", domain.ErrValidation, res.TokenHash)
	}
	return nil
}

func findInHistory(history []domain.Event, eventID string) domain.Event {
	for _, ev := range history {
		if ev.ID == eventID {
			return ev
		}
	}
	return domain.Event{}
}
