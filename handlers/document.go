package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/TemporalDynamics/ecosign-sub001/domain"
	"github.com/TemporalDynamics/ecosign-sub001/eventstore"
	"github.com/TemporalDynamics/ecosign-sub001/tsa"
)

// Command structs. EventID is optional; callers that retry must reuse it.
type CreateDocumentCommand struct {
	DocumentID  string `json:"document_id"`
	EventID     string `json:"event_id"`
	WitnessHash string `json:"witness_hash"`
	Filename    string `json:"filename"`
	Owner       string `json:"owner"`
	Actor       string `json:"actor"`
}

type AcceptNDACommand struct {
	DocumentID  string `json:"document_id"`
	EventID     string `json:"event_id"`
	SignerEmail string `json:"signer_email"`
	NDAHash     string `json:"nda_hash"`
	Actor       string `json:"actor"`
}

type RecordSignatureCommand struct {
	DocumentID    string `json:"document_id"`
	EventID       string `json:"event_id"`
	SignerID      string `json:"signer_id"`
	SignatureHash string `json:"signature_hash"`
	Actor         string `json:"actor"`
}

type CancelAnchorCommand struct {
	DocumentID string `json:"document_id"`
	EventID    string `json:"event_id"`
	Network    string `json:"network"`
	Reason     string `json:"reason"`
	Actor      string `json:"actor"`
}

type AttachTimestampCommand struct {
	DocumentID string `json:"document_id"`
	EventID    string `json:"event_id"`
	Actor      string `json:"actor"`
}

// Timestamper issues timestamp tokens for a witness hash.
type Timestamper interface {
	Timestamp(ctx context.Context, witnessHash string) (*tsa.Token, error)
	Authority() string
}

// DocumentHandler turns producer commands into envelopes for the gateway.
type DocumentHandler struct {
	gateway     *AppendGateway
	reader      eventstore.Reader
	timestamper Timestamper
}

// NewDocumentHandler creates a new document handler. timestamper may be nil
// when no authority is configured.
func NewDocumentHandler(gateway *AppendGateway, reader eventstore.Reader, timestamper Timestamper) *DocumentHandler {
	return &DocumentHandler{
		gateway:     gateway,
		reader:      reader,
		timestamper: timestamper,
	}
}

// NewEnvelope builds a version-1 envelope for documentID.
func NewEnvelope(documentID, eventID, kind, actor, source string, payload interface{}) (domain.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return domain.Envelope{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	if eventID == "" {
		eventID = uuid.New().String()
	}
	return domain.Envelope{
		ID:            eventID,
		Kind:          kind,
		At:            time.Now().UTC(),
		Version:       domain.SchemaVersion,
		Actor:         actor,
		EntityID:      documentID,
		CorrelationID: documentID,
		Source:        source,
		Payload:       data,
	}, nil
}

func (h *DocumentHandler) append(ctx context.Context, documentID, eventID, kind, actor, source string, payload interface{}) (AppendResult, error) {
	env, err := NewEnvelope(documentID, eventID, kind, actor, source, payload)
	if err != nil {
		return AppendResult{}, err
	}
	return h.gateway.Append(ctx, documentID, env)
}

// HandleCreateDocument opens a new document ledger.
func (h *DocumentHandler) HandleCreateDocument(ctx context.Context, cmd CreateDocumentCommand) (AppendResult, error) {
	if cmd.DocumentID == "" {
		cmd.DocumentID = uuid.New().String()
	}
	payload := domain.CreatedPayload{
		WitnessHash: tsa.NormalizeHash(cmd.WitnessHash),
		Filename:    cmd.Filename,
		Owner:       cmd.Owner,
	}
	return h.append(ctx, cmd.DocumentID, cmd.EventID, domain.KindCreated, cmd.Actor, "", payload)
}

// HandleAcceptNDA records a confidentiality agreement acceptance.
func (h *DocumentHandler) HandleAcceptNDA(ctx context.Context, cmd AcceptNDACommand) (AppendResult, error) {
	payload := domain.NDAAcceptedPayload{SignerEmail: cmd.SignerEmail, NDAHash: cmd.NDAHash}
	return h.append(ctx, cmd.DocumentID, cmd.EventID, domain.KindNDAAccepted, cmd.Actor, domain.SourceNDAFlow, payload)
}

// HandleRecordSignature records a signature.
func (h *DocumentHandler) HandleRecordSignature(ctx context.Context, cmd RecordSignatureCommand) (AppendResult, error) {
	payload := domain.SignedPayload{SignerID: cmd.SignerID, SignatureHash: cmd.SignatureHash}
	return h.append(ctx, cmd.DocumentID, cmd.EventID, domain.KindSigned, cmd.Actor, domain.SourceSignatureFlow, payload)
}

// HandleCancelAnchor is the user override that gives up waiting for an anchor.
func (h *DocumentHandler) HandleCancelAnchor(ctx context.Context, cmd CancelAnchorCommand) (AppendResult, error) {
	reason := cmd.Reason
	if reason == "" {
		reason = "cancelled by user"
	}
	payload := domain.AnchorPayload{Network: cmd.Network, Reason: reason}
	return h.append(ctx, cmd.DocumentID, cmd.EventID, domain.KindAnchorCancelled, cmd.Actor, domain.SourceAnchorOverride, payload)
}

// HandleAttachTimestamp requests a timestamp token for the witness hash and
// attaches it to the ledger.
func (h *DocumentHandler) HandleAttachTimestamp(ctx context.Context, cmd AttachTimestampCommand) (AppendResult, error) {
	if cmd.EventID != "" {
		existing, err := h.reader.FindEvent(ctx, cmd.EventID)
		if err != nil {
			return AppendResult{}, err
		}
		if existing != nil {
			return h.replayed(ctx, cmd.DocumentID, *existing)
		}
	}
	if h.timestamper == nil {
		return AppendResult{}, fmt.Errorf("%w: no timestamp authority configured", domain.ErrExternalService)
	}

	status, err := h.reader.Status(ctx, cmd.DocumentID)
	if err != nil {
		return AppendResult{}, err
	}
	if status.HasTimestamp {
		return AppendResult{}, fmt.Errorf("%w: a timestamp token is already attached", domain.ErrInvalidStateTransition)
	}

	token, err := h.timestamper.Timestamp(ctx, status.WitnessHash)
	if err != nil {
		log.Error().Err(err).Str("entityID", cmd.DocumentID).Msg("Failed to obtain timestamp token")
		return AppendResult{}, err
	}

	payload := domain.TimestampPayload{Token: token.Base64, Authority: h.timestamper.Authority()}
	return h.append(ctx, cmd.DocumentID, cmd.EventID, domain.KindTSAAppended, cmd.Actor, domain.SourceTSAClient, payload)
}

// replayed answers a retried command whose event is already committed.
func (h *DocumentHandler) replayed(ctx context.Context, documentID string, ev domain.Event) (AppendResult, error) {
	if ev.EntityID != documentID {
		return AppendResult{}, fmt.Errorf("%w: event %s belongs to document %s", domain.ErrInvariantViolation, ev.ID, ev.EntityID)
	}
	status, err := h.reader.Status(ctx, documentID)
	if err != nil {
		return AppendResult{}, err
	}
	log.Info().Str("entityID", documentID).Str("eventID", ev.ID).Msg("Duplicate event ignored")
	return AppendResult{Event: ev, Status: status, Duplicate: true}, nil
}
