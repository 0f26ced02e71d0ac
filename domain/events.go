package domain

import (
	"encoding/json"
	"time"
)

// SchemaVersion is the envelope version written by the built-in producers.
const SchemaVersion = 1

// Event kinds
const (
	KindCreated         = "created"
	KindNDAAccepted     = "nda.accepted"
	KindSigned          = "signed"
	KindAnchorSubmitted = "anchor.submitted"
	KindAnchorConfirmed = "anchor.confirmed"
	KindAnchorFailed    = "anchor.failed"
	KindAnchorTimeout   = "anchor.timeout"
	KindAnchorCancelled = "anchor.cancelled"
	KindTSAAppended     = "tsa.appended"
)

// Producer sources allowed to emit protected kinds
const (
	SourceSignatureFlow  = "signature-flow"
	SourceNDAFlow        = "nda-flow"
	SourceAnchorWorker   = "anchor-worker"
	SourceAnchorOverride = "anchor-override"
	SourceTSAClient      = "tsa-client"
)

var authorizedSources = map[string][]string{
	KindSigned:          {SourceSignatureFlow},
	KindNDAAccepted:     {SourceNDAFlow},
	KindAnchorSubmitted: {SourceAnchorWorker},
	KindAnchorConfirmed: {SourceAnchorWorker},
	KindAnchorFailed:    {SourceAnchorWorker},
	KindAnchorTimeout:   {SourceAnchorWorker},
	KindAnchorCancelled: {SourceAnchorOverride},
	KindTSAAppended:     {SourceTSAClient},
}

// SourceAuthorized reports whether source may emit kind. Kinds without an
// allow-list accept any producer.
func SourceAuthorized(kind, source string) bool {
	allowed, protected := authorizedSources[kind]
	if !protected {
		return true
	}
	for _, s := range allowed {
		if s == source {
			return true
		}
	}
	return false
}

// IsAnchorKind reports whether kind drives the anchor state machine.
func IsAnchorKind(kind string) bool {
	switch kind {
	case KindAnchorSubmitted, KindAnchorConfirmed, KindAnchorFailed, KindAnchorTimeout, KindAnchorCancelled:
		return true
	}
	return false
}

// Envelope is the fully-formed event a producer submits to the gateway.
type Envelope struct {
	ID            string          `json:"id" validate:"required,uuid"`
	Kind          string          `json:"kind" validate:"required,event_kind"`
	At            time.Time       `json:"at" validate:"required"`
	Version       int             `json:"v" validate:"required,min=1"`
	Actor         string          `json:"actor" validate:"required"`
	EntityID      string          `json:"entity_id" validate:"required"`
	CorrelationID string          `json:"correlation_id" validate:"required"`
	Source        string          `json:"source,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Event is an envelope once it has been committed to a document's ledger.
type Event struct {
	Envelope
	Seq         int       `json:"seq"`
	LateArrival bool      `json:"late_arrival,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// CreatedPayload opens a document ledger.
type CreatedPayload struct {
	WitnessHash string `json:"witness_hash" validate:"required,witness_hash"`
	Filename    string `json:"filename,omitempty"`
	Owner       string `json:"owner,omitempty"`
}

// NDAAcceptedPayload records a confidentiality agreement acceptance.
type NDAAcceptedPayload struct {
	SignerEmail string `json:"signer_email,omitempty"`
	NDAHash     string `json:"nda_hash,omitempty"`
}

// SignedPayload records a signature over the witness hash.
type SignedPayload struct {
	SignerID      string `json:"signer_id,omitempty"`
	SignatureHash string `json:"signature_hash,omitempty"`
}

// AnchorPayload is shared by every anchor.* kind.
type AnchorPayload struct {
	Network       string     `json:"network" validate:"required"`
	Reference     string     `json:"reference,omitempty"`
	Confirmations int        `json:"confirmations,omitempty"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty"`
	Attempts      int        `json:"attempts,omitempty"`
	Reason        string     `json:"reason,omitempty"`
}

// TimestampPayload carries a timestamp authority token.
type TimestampPayload struct {
	Token     string `json:"token" validate:"required"`
	Authority string `json:"authority,omitempty"`
}
