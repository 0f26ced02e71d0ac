package anchoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/TemporalDynamics/ecosign-sub001/domain"
	"github.com/TemporalDynamics/ecosign-sub001/eventstore"
	"github.com/TemporalDynamics/ecosign-sub001/handlers"
	"github.com/TemporalDynamics/ecosign-sub001/tracing"
)

// Appender is the ledger write path used by the anchoring components.
type Appender interface {
	Append(ctx context.Context, documentID string, env domain.Envelope) (handlers.AppendResult, error)
}

// HeartbeatRecorder publishes the time of the last completed run so that
// other processes can report on the worker.
type HeartbeatRecorder interface {
	RecordHeartbeat(ctx context.Context, component string, at time.Time) error
}

// HeartbeatComponent names the worker in heartbeat records.
const HeartbeatComponent = "anchor-worker"

// RunSummary counts what one reconciliation pass did.
type RunSummary struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

type track struct {
	network   string
	attempts  int
	nextCheck time.Time
}

// Worker reconciles pending anchors with their networks. Outcomes are only
// ever written through the Appender.
type Worker struct {
	reader    eventstore.Reader
	appender  Appender
	clients   map[string]NetworkClient
	policies  Policies
	tracer    tracing.Tracer
	heartbeat HeartbeatRecorder
	interval  time.Duration
	batchSize int
	now       func() time.Time

	mu      sync.Mutex
	tracks  map[string]*track
	lastRun time.Time
}

// WorkerOption configures a Worker
type WorkerOption func(*Worker)

// WithHeartbeat publishes a heartbeat after every run
func WithHeartbeat(h HeartbeatRecorder) WorkerOption {
	return func(w *Worker) { w.heartbeat = h }
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) WorkerOption {
	return func(w *Worker) { w.now = now }
}

// WithTracer records every run as a transaction
func WithTracer(t tracing.Tracer) WorkerOption {
	return func(w *Worker) { w.tracer = t }
}

// NewWorker creates a new reconciliation worker
func NewWorker(reader eventstore.Reader, appender Appender, clients map[string]NetworkClient, policies Policies,
	interval time.Duration, batchSize int, opts ...WorkerOption) *Worker {
	if interval <= 0 {
		interval = time.Minute
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	w := &Worker{
		reader:    reader,
		appender:  appender,
		clients:   clients,
		policies:  policies,
		tracer:    tracing.Disabled(),
		interval:  interval,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
		tracks:    map[string]*track{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run schedules RunOnce every interval until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(w.interval),
		gocron.NewTask(func() {
			if _, err := w.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("Anchor reconciliation failed")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return err
	}

	log.Info().Dur("interval", w.interval).Int("batchSize", w.batchSize).Msg("Starting anchor reconciliation worker")
	scheduler.Start()

	<-ctx.Done()

	return scheduler.Shutdown()
}

// LastRun is the completion time of the last successful pass
func (w *Worker) LastRun() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastRun
}

// RunOnce performs one reconciliation pass over pending anchors.
func (w *Worker) RunOnce(ctx context.Context) (RunSummary, error) {
	op := w.tracer.Begin("anchor-reconciliation")
	defer op.End()

	var summary RunSummary
	now := w.now()
	pending := 0
	// Each network gets its own batch so a backlog on a slow network cannot
	// crowd out anchors on a fast one.
	for _, network := range w.policies.Networks() {
		batch, err := w.reader.AnchorsByStatus(ctx, domain.AnchorPending, network, w.batchSize)
		if err != nil {
			op.Fail(err)
			return summary, fmt.Errorf("failed to list pending %s anchors: %w", network, err)
		}
		pending += len(batch)

		seen := make(map[string]bool, len(batch))
		for _, item := range batch {
			if ctx.Err() != nil {
				return summary, ctx.Err()
			}
			key := item.EntityID + "/" + network
			seen[key] = true
			w.reconcile(ctx, op, key, item, now, &summary)
		}
		if len(batch) < w.batchSize {
			w.prune(network, seen)
		}
	}

	w.mu.Lock()
	w.lastRun = w.now()
	lastRun := w.lastRun
	w.mu.Unlock()

	if w.heartbeat != nil {
		if err := w.heartbeat.RecordHeartbeat(ctx, HeartbeatComponent, lastRun); err != nil {
			log.Warn().Err(err).Msg("Failed to record worker heartbeat")
		}
	}

	op.Attr("checked", summary.Checked).Attr("errors", summary.Errors)
	log.Info().
		Int("pending", pending).
		Int("checked", summary.Checked).
		Int("confirmed", summary.Confirmed).
		Int("failed", summary.Failed).
		Int("timedOut", summary.TimedOut).
		Int("errors", summary.Errors).
		Msg("Anchor reconciliation completed")
	return summary, nil
}

func (w *Worker) reconcile(ctx context.Context, op *tracing.Operation, key string, item eventstore.DocumentAnchor, now time.Time, summary *RunSummary) {
	anchor := item.Anchor
	logger := log.With().Str("entityID", item.EntityID).Str("network", anchor.Network).Logger()

	policy, ok := w.policies[anchor.Network]
	if !ok {
		logger.Warn().Msg("No policy for anchor network, skipping")
		summary.Skipped++
		return
	}

	t := w.track(key, anchor.Network)
	submittedAt := now
	if anchor.SubmittedAt != nil {
		submittedAt = *anchor.SubmittedAt
	}

	if expired, reason := policy.Expired(submittedAt, now, t.attempts); expired {
		w.record(ctx, key, item, domain.KindAnchorTimeout, domain.AnchorPayload{
			Network:   anchor.Network,
			Reference: anchor.Reference,
			Attempts:  t.attempts,
			Reason:    reason,
		}, summary)
		return
	}

	if now.Before(t.nextCheck) {
		summary.Skipped++
		return
	}

	client, ok := w.clients[anchor.Network]
	if !ok {
		logger.Warn().Msg("No client for anchor network, skipping")
		summary.Skipped++
		return
	}

	summary.Checked++
	t.attempts++
	done := op.Step("check/" + anchor.Network)
	obs, err := client.Check(ctx, anchor.Reference)
	done()
	if err != nil {
		logger.Warn().Err(err).Int("attempt", t.attempts).Msg("Failed to check anchor")
		summary.Errors++
		t.nextCheck = now.Add(policy.Backoff(t.attempts))
		return
	}

	switch {
	case obs.Status == ObservedConfirmed && obs.Confirmations >= policy.RequiredConfirmations:
		confirmedAt := obs.ConfirmedAt
		if confirmedAt == nil {
			at := now
			confirmedAt = &at
		}
		w.record(ctx, key, item, domain.KindAnchorConfirmed, domain.AnchorPayload{
			Network:       anchor.Network,
			Reference:     anchor.Reference,
			Confirmations: obs.Confirmations,
			ConfirmedAt:   confirmedAt,
			Attempts:      t.attempts,
		}, summary)
		return
	case obs.Status == ObservedFailed:
		w.record(ctx, key, item, domain.KindAnchorFailed, domain.AnchorPayload{
			Network:   anchor.Network,
			Reference: anchor.Reference,
			Attempts:  t.attempts,
			Reason:    obs.Reason,
		}, summary)
		return
	}

	if expired, reason := policy.Expired(submittedAt, now, t.attempts); expired {
		w.record(ctx, key, item, domain.KindAnchorTimeout, domain.AnchorPayload{
			Network:   anchor.Network,
			Reference: anchor.Reference,
			Attempts:  t.attempts,
			Reason:    reason,
		}, summary)
		return
	}
	t.nextCheck = now.Add(policy.Backoff(t.attempts))
	logger.Debug().
		Int("attempt", t.attempts).
		Int("confirmations", obs.Confirmations).
		Time("nextCheck", t.nextCheck).
		Msg("Anchor still pending")
}

func (w *Worker) record(ctx context.Context, key string, item eventstore.DocumentAnchor, kind string, payload domain.AnchorPayload, summary *RunSummary) {
	env, err := handlers.NewEnvelope(item.EntityID, OutcomeEventID(item.EntityID, payload.Network, kind, payload.Reference),
		kind, HeartbeatComponent, domain.SourceAnchorWorker, payload)
	if err != nil {
		summary.Errors++
		log.Error().Err(err).Str("entityID", item.EntityID).Msg("Failed to build anchor event")
		return
	}

	res, err := w.appender.Append(ctx, item.EntityID, env)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrInvalidStateTransition):
		// The anchor left pending between the read and the write.
		log.Info().Err(err).Str("entityID", item.EntityID).Str("kind", kind).Msg("Anchor outcome no longer applicable")
		w.forget(key)
		return
	default:
		summary.Errors++
		log.Error().Err(err).Str("entityID", item.EntityID).Str("kind", kind).Msg("Failed to append anchor outcome")
		return
	}

	w.forget(key)
	if res.Event.LateArrival {
		return
	}
	switch kind {
	case domain.KindAnchorConfirmed:
		summary.Confirmed++
	case domain.KindAnchorFailed:
		summary.Failed++
	case domain.KindAnchorTimeout:
		summary.TimedOut++
	}
}

func (w *Worker) track(key, network string) *track {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.tracks[key]
	if !ok {
		t = &track{network: network}
		w.tracks[key] = t
	}
	return t
}

// prune drops the tracks of a network's anchors that are no longer pending.
func (w *Worker) prune(network string, seen map[string]bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, t := range w.tracks {
		if t.network == network && !seen[key] {
			delete(w.tracks, key)
		}
	}
}

func (w *Worker) forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.tracks, key)
}

// OutcomeEventID derives a stable event id for an anchor outcome so that a
// retried or concurrent write of the same outcome is deduplicated.
func OutcomeEventID(entityID, network, kind, reference string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(entityID+"/"+network+"/"+kind+"/"+reference)).String()
}
