package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/TemporalDynamics/ecosign-sub001/domain"
	"github.com/TemporalDynamics/ecosign-sub001/eventstore"
	"github.com/TemporalDynamics/ecosign-sub001/handlers"
)

const witness = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

type mockSubmitter struct {
	mock.Mock
}

func (m *mockSubmitter) Submit(ctx context.Context, documentID, network, actor string) (handlers.AppendResult, error) {
	args := m.Called(documentID, network, actor)
	return args.Get(0).(handlers.AppendResult), args.Error(1)
}

func newTestProcessor(submitter AnchorSubmitter) (*Processor, *eventstore.MemoryStore) {
	store := eventstore.NewMemoryStore(time.Second)
	rules := domain.RuleSet{"polygon": {RequiredConfirmations: 1}}
	gateway := handlers.NewAppendGateway(store, rules, nil)
	return NewProcessor(gateway, handlers.NewDocumentHandler(gateway, store, nil), submitter), store
}

func message(t *testing.T, eventType string, data interface{}) []byte {
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	body, err := json.Marshal(AzureBusMessage{EventType: eventType, Data: raw})
	require.NoError(t, err)
	return body
}

func TestProcessCommands(t *testing.T) {
	p, store := newTestProcessor(nil)
	ctx := context.Background()

	require.NoError(t, p.Process(ctx, message(t, CreateDocument, handlers.CreateDocumentCommand{
		DocumentID: "doc-1", WitnessHash: witness, Actor: "owner",
	})))
	require.NoError(t, p.Process(ctx, message(t, AcceptNDA, handlers.AcceptNDACommand{DocumentID: "doc-1", Actor: "signer"})))
	require.NoError(t, p.Process(ctx, message(t, RecordSignature, handlers.RecordSignatureCommand{DocumentID: "doc-1", SignerID: "s-1", Actor: "signer"})))

	env, err := handlers.NewEnvelope("doc-1", "", domain.KindAnchorSubmitted, "worker", domain.SourceAnchorWorker,
		domain.AnchorPayload{Network: "polygon", Reference: "ref-1"})
	require.NoError(t, err)
	appendMsg := message(t, AppendEvent, AppendEventData{DocumentID: "doc-1", Event: env})
	require.NoError(t, p.Process(ctx, appendMsg))
	require.NoError(t, p.Process(ctx, appendMsg), "redelivery is a duplicate, not an error")

	require.NoError(t, p.Process(ctx, message(t, CancelAnchor, handlers.CancelAnchorCommand{DocumentID: "doc-1", Network: "polygon", Actor: "owner"})))

	status, err := store.Status(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 5, status.EventCount)
	assert.True(t, status.Signed)
	assert.Equal(t, domain.AnchorCancelled, status.Anchor("polygon").Status)

	err = p.Process(ctx, message(t, AttachTimestamp, handlers.AttachTimestampCommand{DocumentID: "doc-1"}))
	assert.Equal(t, DispositionAbandon, Classify(err), "no authority configured is an outage")
}

func TestProcessRejections(t *testing.T) {
	p, _ := newTestProcessor(nil)
	ctx := context.Background()

	tests := map[string][]byte{
		"not json":         []byte("{"),
		"unknown type":     message(t, "DeleteDocument", map[string]string{}),
		"bad data":         []byte(`{"eventType":"CreateDocument","data":"nope"}`),
		"submit disabled":  message(t, SubmitAnchor, SubmitAnchorData{DocumentID: "doc-1", Network: "polygon"}),
		"invalid witness":  message(t, CreateDocument, handlers.CreateDocumentCommand{DocumentID: "doc-1", WitnessHash: "abc", Actor: "owner"}),
		"missing actor":    message(t, CreateDocument, handlers.CreateDocumentCommand{DocumentID: "doc-2", WitnessHash: witness}),
		"invalid document": message(t, RecordSignature, handlers.RecordSignatureCommand{DocumentID: "has space", Actor: "signer"}),
	}

	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			err := p.Process(ctx, body)
			require.Error(t, err)
			assert.Equal(t, DispositionDeadLetter, Classify(err), "got %v", err)
		})
	}
}

func TestProcessUnknownDocumentIsRetried(t *testing.T) {
	p, _ := newTestProcessor(nil)

	err := p.Process(context.Background(), message(t, RecordSignature, handlers.RecordSignatureCommand{DocumentID: "doc-9", Actor: "signer"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Equal(t, DispositionAbandon, Classify(err))
}

func TestProcessSubmitAnchor(t *testing.T) {
	submitter := &mockSubmitter{}
	submitter.On("Submit", "doc-1", "polygon", "owner").Return(handlers.AppendResult{}, nil).Once()
	p, _ := newTestProcessor(submitter)

	err := p.ProcessMessage(context.Background(), &azservicebus.ReceivedMessage{
		Body: message(t, SubmitAnchor, SubmitAnchorData{DocumentID: "doc-1", Network: "polygon", Actor: "owner"}),
	})
	require.NoError(t, err)
	submitter.AssertExpectations(t)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Disposition
	}{
		{nil, DispositionComplete},
		{fmt.Errorf("%w: bad", domain.ErrValidation), DispositionDeadLetter},
		{fmt.Errorf("%w: bad", domain.ErrInvariantViolation), DispositionDeadLetter},
		{fmt.Errorf("%w: bad", domain.ErrInvalidStateTransition), DispositionDeadLetter},
		{fmt.Errorf("%w: busy", domain.ErrLockTimeout), DispositionAbandon},
		{fmt.Errorf("%w: down", domain.ErrExternalService), DispositionAbandon},
		{fmt.Errorf("%w: doc", domain.ErrNotFound), DispositionAbandon},
		{errors.New("connection reset"), DispositionAbandon},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err), "%v", tt.err)
	}

	assert.Equal(t, "dead-letter", DispositionDeadLetter.String())
	assert.True(t, strings.HasPrefix(deadLetterReason(fmt.Errorf("%w", domain.ErrInvariantViolation)), "Invariant"))
	assert.Equal(t, "ProcessingFailed", deadLetterReason(errors.New("x")))
}
