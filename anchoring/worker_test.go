package anchoring

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/TemporalDynamics/ecosign-sub001/domain"
	"github.com/TemporalDynamics/ecosign-sub001/eventstore"
	"github.com/TemporalDynamics/ecosign-sub001/handlers"
)

type mockNetworkClient struct {
	mock.Mock
}

func (m *mockNetworkClient) Submit(ctx context.Context, witnessHash string) (string, error) {
	args := m.Called(witnessHash)
	return args.String(0), args.Error(1)
}

func (m *mockNetworkClient) Check(ctx context.Context, reference string) (Observation, error) {
	args := m.Called(reference)
	return args.Get(0).(Observation), args.Error(1)
}

type recordedHeartbeats struct {
	mu  sync.Mutex
	ats []time.Time
}

func (r *recordedHeartbeats) RecordHeartbeat(ctx context.Context, component string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ats = append(r.ats, at)
	return nil
}

var testPolicies = Policies{
	"polygon": {
		Network:               "polygon",
		RequiredConfirmations: 1,
		MaxWait:               time.Hour,
		MaxAttempts:           10,
		BaseDelay:             time.Minute,
		MaxDelay:              10 * time.Minute,
		Factor:                2,
	},
	"bitcoin": {
		Network:               "bitcoin",
		RequiredConfirmations: 2,
		MaxAttempts:           2,
		BaseDelay:             5 * time.Minute,
		MaxDelay:              5 * time.Minute,
		Factor:                1,
		BlocksDownload:        true,
	},
}

type fixture struct {
	store   *eventstore.MemoryStore
	gateway *handlers.AppendGateway
	client  *mockNetworkClient
	clock   time.Time
}

func (f *fixture) now() time.Time {
	return f.clock
}

func newFixture(t *testing.T) *fixture {
	store := eventstore.NewMemoryStore(time.Second)
	return &fixture{
		store:   store,
		gateway: handlers.NewAppendGateway(store, testPolicies.Rules(), nil),
		client:  &mockNetworkClient{},
		clock:   time.Now().UTC(),
	}
}

func testWitness(documentID string) string {
	sum := sha256.Sum256([]byte(documentID))
	return hex.EncodeToString(sum[:])
}

func (f *fixture) create(t *testing.T, documentID string) {
	env, err := handlers.NewEnvelope(documentID, "", domain.KindCreated, "tester", "", domain.CreatedPayload{WitnessHash: testWitness(documentID)})
	require.NoError(t, err)
	_, err = f.gateway.Append(context.Background(), documentID, env)
	require.NoError(t, err)
}

func (f *fixture) submitted(t *testing.T, documentID, network, reference string) {
	f.create(t, documentID)
	env, err := handlers.NewEnvelope(documentID, "", domain.KindAnchorSubmitted, "tester", domain.SourceAnchorWorker,
		domain.AnchorPayload{Network: network, Reference: reference})
	require.NoError(t, err)
	_, err = f.gateway.Append(context.Background(), documentID, env)
	require.NoError(t, err)
}

func (f *fixture) worker(opts ...WorkerOption) *Worker {
	opts = append([]WorkerOption{WithClock(f.now)}, opts...)
	clients := map[string]NetworkClient{"polygon": f.client, "bitcoin": f.client}
	return NewWorker(f.store, f.gateway, clients, testPolicies, time.Minute, 10, opts...)
}

func (f *fixture) anchorStatus(t *testing.T, documentID, network string) domain.AnchorStatus {
	status, err := f.store.Status(context.Background(), documentID)
	require.NoError(t, err)
	return status.Anchor(network).Status
}

func TestWorkerConfirmsAnchor(t *testing.T) {
	f := newFixture(t)
	f.submitted(t, "doc-1", "polygon", "ref-1")
	confirmedAt := f.clock.Add(-time.Minute).Truncate(time.Second)
	f.client.On("Check", "ref-1").Return(Observation{Status: ObservedConfirmed, Confirmations: 1, ConfirmedAt: &confirmedAt}, nil).Once()

	heartbeats := &recordedHeartbeats{}
	w := f.worker(WithHeartbeat(heartbeats))

	summary, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSummary{Checked: 1, Confirmed: 1}, summary)

	status, err := f.store.Status(context.Background(), "doc-1")
	require.NoError(t, err)
	rec := status.Anchor("polygon")
	assert.Equal(t, domain.AnchorConfirmed, rec.Status)
	require.NotNil(t, rec.ConfirmedAt)
	assert.True(t, confirmedAt.Equal(*rec.ConfirmedAt))

	summary, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSummary{}, summary, "nothing left pending")

	assert.Len(t, heartbeats.ats, 2)
	assert.Equal(t, f.clock, w.LastRun())
	f.client.AssertExpectations(t)
}

func TestWorkerBacksOffWhilePending(t *testing.T) {
	f := newFixture(t)
	f.submitted(t, "doc-1", "polygon", "ref-1")
	f.client.On("Check", "ref-1").Return(Observation{Status: ObservedPending}, nil)
	w := f.worker()

	summary, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Checked)

	summary, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSummary{Skipped: 1}, summary, "next poll is not due yet")

	f.clock = f.clock.Add(time.Minute)
	summary, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Checked)

	f.clock = f.clock.Add(time.Minute)
	summary, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped, "second backoff is two minutes")

	f.client.AssertNumberOfCalls(t, "Check", 2)
	assert.Equal(t, domain.AnchorPending, f.anchorStatus(t, "doc-1", "polygon"))
}

func TestWorkerTimesOutAfterMaxWait(t *testing.T) {
	f := newFixture(t)
	f.submitted(t, "doc-1", "polygon", "ref-1")
	f.clock = f.clock.Add(2 * time.Hour)
	w := f.worker()

	summary, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSummary{TimedOut: 1}, summary)
	assert.Equal(t, domain.AnchorTimeout, f.anchorStatus(t, "doc-1", "polygon"))

	status, err := f.store.Status(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Contains(t, status.Anchor("polygon").Reason, "within 1h0m0s")
	f.client.AssertNotCalled(t, "Check", mock.Anything)
}

func TestWorkerTimesOutAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	f.submitted(t, "doc-1", "bitcoin", "tx-1")
	// one confirmation is below the required depth of two
	f.client.On("Check", "tx-1").Return(Observation{Status: ObservedConfirmed, Confirmations: 1}, nil).Twice()
	w := f.worker()

	summary, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSummary{Checked: 1}, summary)

	f.clock = f.clock.Add(5 * time.Minute)
	summary, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSummary{Checked: 1, TimedOut: 1}, summary)

	status, err := f.store.Status(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AnchorTimeout, status.Anchor("bitcoin").Status)
	assert.False(t, status.DownloadEnabled)
	f.client.AssertExpectations(t)
}

func TestWorkerRecordsNetworkFailure(t *testing.T) {
	f := newFixture(t)
	f.submitted(t, "doc-1", "polygon", "ref-1")
	f.client.On("Check", "ref-1").Return(Observation{Status: ObservedFailed, Reason: "dropped from mempool"}, nil).Once()

	summary, err := f.worker().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSummary{Checked: 1, Failed: 1}, summary)

	status, err := f.store.Status(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AnchorFailed, status.Anchor("polygon").Status)
	assert.Equal(t, "dropped from mempool", status.Anchor("polygon").Reason)
}

func TestWorkerCheckErrorKeepsAnchorPending(t *testing.T) {
	f := newFixture(t)
	f.submitted(t, "doc-1", "polygon", "ref-1")
	f.client.On("Check", "ref-1").Return(Observation{}, errors.New("connection refused")).Once()

	summary, err := f.worker().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSummary{Checked: 1, Errors: 1}, summary)
	assert.Equal(t, domain.AnchorPending, f.anchorStatus(t, "doc-1", "polygon"))
}

func TestWorkerSkipsAnchorCancelledMeanwhile(t *testing.T) {
	f := newFixture(t)
	f.submitted(t, "doc-1", "polygon", "ref-1")

	// cancel after the worker has listed the anchor but before it writes
	reader := &cancellingReader{Reader: f.store, cancel: func() {
		env, err := handlers.NewEnvelope("doc-1", "", domain.KindAnchorCancelled, "owner", domain.SourceAnchorOverride,
			domain.AnchorPayload{Network: "polygon", Reason: "user gave up"})
		require.NoError(t, err)
		_, err = f.gateway.Append(context.Background(), "doc-1", env)
		require.NoError(t, err)
	}}
	f.client.On("Check", "ref-1").Return(Observation{Status: ObservedFailed, Reason: "late"}, nil).Once()

	w := NewWorker(reader, f.gateway, map[string]NetworkClient{"polygon": f.client}, testPolicies, time.Minute, 10, WithClock(f.now))
	summary, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Failed, "outcome after cancellation is only a late arrival")
	assert.Equal(t, 0, summary.Errors)

	status, err := f.store.Status(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, domain.AnchorCancelled, status.Anchor("polygon").Status)
	assert.Equal(t, 1, status.LateArrivals)
}

type cancellingReader struct {
	eventstore.Reader
	once   sync.Once
	cancel func()
}

func (r *cancellingReader) AnchorsByStatus(ctx context.Context, status domain.AnchorStatus, network string, limit int) ([]eventstore.DocumentAnchor, error) {
	out, err := r.Reader.AnchorsByStatus(ctx, status, network, limit)
	if len(out) > 0 {
		r.once.Do(r.cancel)
	}
	return out, err
}

func TestWorkerBatchesEachNetworkSeparately(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"doc-b1", "doc-b2", "doc-b3"} {
		f.submitted(t, id, "bitcoin", "ref-"+id)
	}
	f.submitted(t, "doc-p1", "polygon", "ref-doc-p1")

	bitcoin := &mockNetworkClient{}
	bitcoin.On("Check", mock.Anything).Return(Observation{Status: ObservedPending}, nil)
	polygon := &mockNetworkClient{}
	polygon.On("Check", "ref-doc-p1").Return(Observation{Status: ObservedConfirmed, Confirmations: 5}, nil).Once()

	// the bitcoin backlog alone fills a batch
	w := NewWorker(f.store, f.gateway, map[string]NetworkClient{"bitcoin": bitcoin, "polygon": polygon},
		testPolicies, time.Minute, 3, WithClock(f.now))

	summary, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSummary{Checked: 4, Confirmed: 1}, summary)
	assert.Equal(t, domain.AnchorConfirmed, f.anchorStatus(t, "doc-p1", "polygon"))

	f.clock = f.clock.Add(time.Minute)
	summary, err = w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RunSummary{Skipped: 3}, summary, "bitcoin anchors keep their backoff")

	bitcoin.AssertNumberOfCalls(t, "Check", 3)
	polygon.AssertExpectations(t)
}

func TestOutcomeEventIDIsStable(t *testing.T) {
	a := OutcomeEventID("doc-1", "polygon", domain.KindAnchorConfirmed, "ref-1")
	assert.Equal(t, a, OutcomeEventID("doc-1", "polygon", domain.KindAnchorConfirmed, "ref-1"))
	assert.NotEqual(t, a, OutcomeEventID("doc-1", "polygon", domain.KindAnchorFailed, "ref-1"))
	assert.NotEqual(t, a, OutcomeEventID("doc-2", "polygon", domain.KindAnchorConfirmed, "ref-1"))
}
