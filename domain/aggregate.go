package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/TemporalDynamics/ecosign-sub001/utils"
)

// DocumentStatus is the status derived from a document's ledger.
type DocumentStatus struct {
	EntityID        string                  `json:"entity_id"`
	WitnessHash     string                  `json:"witness_hash"`
	EventCount      int                     `json:"event_count"`
	NDAAccepted     bool                    `json:"nda_accepted"`
	Signed          bool                    `json:"signed"`
	SignedAt        *time.Time              `json:"signed_at,omitempty"`
	HasTimestamp    bool                    `json:"has_timestamp"`
	TimestampedAt   *time.Time              `json:"timestamped_at,omitempty"`
	Anchors         map[string]AnchorRecord `json:"anchors"`
	LateArrivals    int                     `json:"late_arrivals"`
	DownloadEnabled bool                    `json:"download_enabled"`
	Advisories      []string                `json:"advisories,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// Anchor returns the record for network, or a none record.
func (s DocumentStatus) Anchor(network string) AnchorRecord {
	if rec, ok := s.Anchors[network]; ok {
		return rec
	}
	return AnchorRecord{Network: network, Status: AnchorNone}
}

// Clone returns a deep copy safe to hand to readers.
func (s DocumentStatus) Clone() DocumentStatus {
	out := s
	out.Anchors = make(map[string]AnchorRecord, len(s.Anchors))
	for k, v := range s.Anchors {
		out.Anchors[k] = v
	}
	if s.Advisories != nil {
		out.Advisories = append([]string(nil), s.Advisories...)
	}
	return out
}

// DocumentAggregate folds a document's ledger into its status.
type DocumentAggregate struct {
	status  DocumentStatus
	rules   AnchorRules
	version int
	seen    map[string]int
}

// NewDocumentAggregate creates an empty aggregate for entityID.
func NewDocumentAggregate(entityID string, rules AnchorRules) *DocumentAggregate {
	return &DocumentAggregate{
		status: DocumentStatus{
			EntityID: entityID,
			Anchors:  map[string]AnchorRecord{},
		},
		rules: rules,
		seen:  map[string]int{},
	}
}

// ReplayDocument rebuilds an aggregate from stored events in seq order.
func ReplayDocument(entityID string, rules AnchorRules, events []Event) (*DocumentAggregate, error) {
	agg := NewDocumentAggregate(entityID, rules)
	for _, ev := range events {
		if err := agg.Apply(ev); err != nil {
			return nil, fmt.Errorf("failed to replay event %s: %w", ev.ID, err)
		}
	}
	return agg, nil
}

// Version is the seq of the last applied event.
func (a *DocumentAggregate) Version() int {
	return a.version
}

// Exists reports whether the created event has been applied.
func (a *DocumentAggregate) Exists() bool {
	return a.version > 0
}

// HasEvent reports whether eventID is already in this ledger.
func (a *DocumentAggregate) HasEvent(eventID string) bool {
	_, ok := a.seen[eventID]
	return ok
}

// Status returns a copy of the derived status.
func (a *DocumentAggregate) Status() DocumentStatus {
	return a.status.Clone()
}

// Record checks env against the current state and applies it as the next
// event in the ledger.
func (a *DocumentAggregate) Record(env Envelope, recordedAt time.Time) (Event, error) {
	late, err := a.check(env)
	if err != nil {
		return Event{}, err
	}

	ev := Event{
		Envelope:    env,
		Seq:         a.version + 1,
		LateArrival: late,
		RecordedAt:  recordedAt,
	}
	if err := a.Apply(ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

func (a *DocumentAggregate) check(env Envelope) (bool, error) {
	if env.Kind == KindCreated {
		if a.Exists() {
			return false, fmt.Errorf("%w: document %s already created", ErrValidation, a.status.EntityID)
		}
		var p CreatedPayload
		return false, DecodePayload(env, &p)
	}
	if !a.Exists() {
		return false, fmt.Errorf("%w: %s", ErrNotFound, a.status.EntityID)
	}

	switch {
	case IsAnchorKind(env.Kind):
		var p AnchorPayload
		if err := DecodePayload(env, &p); err != nil {
			return false, err
		}
		if !a.rules.Supports(p.Network) {
			return false, fmt.Errorf("%w: unknown anchor network %q", ErrValidation, p.Network)
		}
		if env.Kind == KindAnchorSubmitted && p.Reference == "" {
			return false, fmt.Errorf("%w: anchor.submitted requires a reference", ErrValidation)
		}
		current := a.status.Anchor(p.Network).Status
		_, late, err := NextAnchorStatus(current, env.Kind, p.Confirmations, a.rules.RequiredConfirmations(p.Network))
		return late, err

	case env.Kind == KindTSAAppended:
		if a.status.HasTimestamp {
			return false, fmt.Errorf("%w: a timestamp token is already attached", ErrInvalidStateTransition)
		}
		var p TimestampPayload
		return false, DecodePayload(env, &p)
	}
	return false, nil
}

// Apply folds a stored event into the status. Confirmation depth is not
// re-checked so that history stays replayable after a policy change.
func (a *DocumentAggregate) Apply(ev Event) error {
	if ev.Seq != a.version+1 {
		return fmt.Errorf("event %s has seq %d, expected %d", ev.ID, ev.Seq, a.version+1)
	}

	s := &a.status
	switch {
	case ev.Kind == KindCreated:
		var p CreatedPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrValidation, err)
		}
		s.WitnessHash = p.WitnessHash
		s.CreatedAt = ev.At

	case ev.Kind == KindNDAAccepted:
		s.NDAAccepted = true

	case ev.Kind == KindSigned:
		at := ev.At
		s.Signed = true
		s.SignedAt = &at

	case ev.Kind == KindTSAAppended:
		at := ev.At
		s.HasTimestamp = true
		s.TimestampedAt = &at

	case IsAnchorKind(ev.Kind):
		if err := a.applyAnchor(ev); err != nil {
			return err
		}
	}

	a.version = ev.Seq
	a.seen[ev.ID] = ev.Seq
	s.EventCount++
	s.UpdatedAt = ev.RecordedAt
	a.refresh()
	return nil
}

func (a *DocumentAggregate) applyAnchor(ev Event) error {
	var p AnchorPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	rec := a.status.Anchor(p.Network)
	next, late, err := NextAnchorStatus(rec.Status, ev.Kind, p.Confirmations, 0)
	if err != nil {
		return err
	}

	if late || ev.LateArrival {
		rec.LateArrivals++
		a.status.LateArrivals++
		a.status.Anchors[p.Network] = rec
		return nil
	}

	rec.Status = next
	switch ev.Kind {
	case KindAnchorSubmitted:
		at := ev.At
		rec.Reference = p.Reference
		rec.SubmittedAt = &at
	case KindAnchorConfirmed:
		confirmedAt := ev.At
		if p.ConfirmedAt != nil {
			confirmedAt = *p.ConfirmedAt
		}
		rec.ConfirmedAt = &confirmedAt
		rec.Confirmations = p.Confirmations
	default:
		rec.Reason = p.Reason
	}
	if rec.Reference == "" {
		rec.Reference = p.Reference
	}
	a.status.Anchors[p.Network] = rec
	return nil
}

func (a *DocumentAggregate) refresh() {
	s := &a.status
	networks := make([]string, 0, len(s.Anchors))
	for network := range s.Anchors {
		networks = append(networks, network)
	}
	sort.Strings(networks)

	s.DownloadEnabled = true
	s.Advisories = nil
	for _, network := range networks {
		rec := s.Anchors[network]
		blocks := a.rules.BlocksDownload(network)
		switch rec.Status {
		case AnchorPending:
			s.Advisories = append(s.Advisories, fmt.Sprintf("anchor on %s is pending confirmation", network))
			if blocks {
				s.DownloadEnabled = false
			}
		case AnchorTimeout:
			if blocks {
				s.Advisories = append(s.Advisories, fmt.Sprintf("anchor on %s timed out; cancel it to unblock download", network))
				s.DownloadEnabled = false
			}
		}
	}
}

// DecodePayload unmarshals and validates an envelope payload.
func DecodePayload(env Envelope, target interface{}) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%w: %s event has no payload", ErrValidation, env.Kind)
	}
	if err := json.Unmarshal(env.Payload, target); err != nil {
		return fmt.Errorf("%w: invalid %s payload: %v", ErrValidation, env.Kind, err)
	}
	if err := utils.ValidateStruct(target); err != nil {
		return fmt.Errorf("%w: invalid %s payload: %v", ErrValidation, env.Kind, err)
	}
	return nil
}
