package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/rs/zerolog/log"

	"github.com/TemporalDynamics/ecosign-sub001/domain"
	"github.com/TemporalDynamics/ecosign-sub001/handlers"
)

// EventType definitions
const (
	AppendEvent     = "AppendEvent"
	CreateDocument  = "CreateDocument"
	AcceptNDA       = "AcceptNDA"
	RecordSignature = "RecordSignature"
	CancelAnchor    = "CancelAnchor"
	AttachTimestamp = "AttachTimestamp"
	SubmitAnchor    = "SubmitAnchor"
)

// AzureBusMessage is the common message structure
type AzureBusMessage struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

// AppendEventData carries a fully formed envelope from a trusted producer.
type AppendEventData struct {
	DocumentID string          `json:"document_id"`
	Event      domain.Envelope `json:"event"`
}

// SubmitAnchorData asks for a document to be anchored on a network.
type SubmitAnchorData struct {
	DocumentID string `json:"document_id"`
	Network    string `json:"network"`
	Actor      string `json:"actor"`
}

type MessageProcessor interface {
	ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error
}

// Gateway is the ledger write path
type Gateway interface {
	Append(ctx context.Context, documentID string, env domain.Envelope) (handlers.AppendResult, error)
}

// AnchorSubmitter submits documents to anchor networks
type AnchorSubmitter interface {
	Submit(ctx context.Context, documentID, network, actor string) (handlers.AppendResult, error)
}

type Processor struct {
	gateway         Gateway
	documentHandler *handlers.DocumentHandler
	submitter       AnchorSubmitter
}

// NewProcessor creates a message processor. submitter may be nil, in which
// case SubmitAnchor messages are dead-lettered.
func NewProcessor(gateway Gateway, documentHandler *handlers.DocumentHandler, submitter AnchorSubmitter) *Processor {
	return &Processor{
		gateway:         gateway,
		documentHandler: documentHandler,
		submitter:       submitter,
	}
}

func (p *Processor) ProcessMessage(ctx context.Context, message *azservicebus.ReceivedMessage) error {
	return p.Process(ctx, message.Body)
}

// Process dispatches one message body.
func (p *Processor) Process(ctx context.Context, body []byte) error {
	var msg AzureBusMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%w: error unmarshalling message: %v", domain.ErrValidation, err)
	}

	log.Info().Str("eventType", msg.EventType).Msg("Processing message")

	var (
		result handlers.AppendResult
		err    error
	)
	switch msg.EventType {
	case AppendEvent:
		var data AppendEventData
		if err := decode(msg.Data, &data); err != nil {
			return err
		}
		result, err = p.gateway.Append(ctx, data.DocumentID, data.Event)

	case CreateDocument:
		var cmd handlers.CreateDocumentCommand
		if err := decode(msg.Data, &cmd); err != nil {
			return err
		}
		result, err = p.documentHandler.HandleCreateDocument(ctx, cmd)

	case AcceptNDA:
		var cmd handlers.AcceptNDACommand
		if err := decode(msg.Data, &cmd); err != nil {
			return err
		}
		result, err = p.documentHandler.HandleAcceptNDA(ctx, cmd)

	case RecordSignature:
		var cmd handlers.RecordSignatureCommand
		if err := decode(msg.Data, &cmd); err != nil {
			return err
		}
		result, err = p.documentHandler.HandleRecordSignature(ctx, cmd)

	case CancelAnchor:
		var cmd handlers.CancelAnchorCommand
		if err := decode(msg.Data, &cmd); err != nil {
			return err
		}
		result, err = p.documentHandler.HandleCancelAnchor(ctx, cmd)

	case AttachTimestamp:
		var cmd handlers.AttachTimestampCommand
		if err := decode(msg.Data, &cmd); err != nil {
			return err
		}
		result, err = p.documentHandler.HandleAttachTimestamp(ctx, cmd)

	case SubmitAnchor:
		if p.submitter == nil {
			return fmt.Errorf("%w: anchor submission is not configured", domain.ErrValidation)
		}
		var data SubmitAnchorData
		if err := decode(msg.Data, &data); err != nil {
			return err
		}
		result, err = p.submitter.Submit(ctx, data.DocumentID, data.Network, data.Actor)

	default:
		return fmt.Errorf("%w: unknown event type %q", domain.ErrValidation, msg.EventType)
	}

	if err != nil {
		return err
	}
	log.Info().
		Str("eventType", msg.EventType).
		Str("entityID", result.Event.EntityID).
		Int("seq", result.Event.Seq).
		Bool("duplicate", result.Duplicate).
		Msg("Message applied")
	return nil
}

func decode(data json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: invalid message data: %v", domain.ErrValidation, err)
	}
	return nil
}

// Disposition is how a processed message is settled on the queue.
type Disposition int

const (
	DispositionComplete Disposition = iota
	DispositionAbandon
	DispositionDeadLetter
)

func (d Disposition) String() string {
	switch d {
	case DispositionComplete:
		return "complete"
	case DispositionAbandon:
		return "abandon"
	case DispositionDeadLetter:
		return "dead-letter"
	}
	return "unknown"
}

// Classify maps a processing error to a disposition. Rejections that can
// never succeed are dead-lettered; contention and outages are retried.
// A document that does not exist yet is retried too, since its created event
// may still be in flight.
func Classify(err error) Disposition {
	switch {
	case err == nil:
		return DispositionComplete
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvariantViolation),
		errors.Is(err, domain.ErrInvalidStateTransition):
		return DispositionDeadLetter
	default:
		return DispositionAbandon
	}
}

func deadLetterReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return "ValidationFailed"
	case errors.Is(err, domain.ErrInvariantViolation):
		return "InvariantViolation"
	case errors.Is(err, domain.ErrInvalidStateTransition):
		return "InvalidStateTransition"
	}
	return "ProcessingFailed"
}
