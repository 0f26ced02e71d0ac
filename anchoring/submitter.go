package anchoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/TemporalDynamics/ecosign-sub001/config"
	"github.com/TemporalDynamics/ecosign-sub001/domain"
	"github.com/TemporalDynamics/ecosign-sub001/eventstore"
	"github.com/TemporalDynamics/ecosign-sub001/handlers"
)

// Submitter sends a document's witness hash to a network and records the
// submission, or the failure to submit, in the ledger.
type Submitter struct {
	reader   eventstore.Reader
	appender Appender
	clients  map[string]NetworkClient
	policies Policies
	attempts int
	delay    time.Duration
	sleep    func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	inflight map[string]bool
}

// NewSubmitter creates a new submitter
func NewSubmitter(reader eventstore.Reader, appender Appender, clients map[string]NetworkClient, policies Policies, cfg config.AnchoringConfig) *Submitter {
	attempts := cfg.SubmitAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Submitter{
		reader:   reader,
		appender: appender,
		clients:  clients,
		policies: policies,
		attempts: attempts,
		delay:    cfg.SubmitDelay,
		sleep:    sleepContext,
		inflight: map[string]bool{},
	}
}

// Submit anchors documentID on network. When every submission attempt fails
// the anchor is recorded as failed and the resulting status is returned.
func (s *Submitter) Submit(ctx context.Context, documentID, network, actor string) (handlers.AppendResult, error) {
	if _, ok := s.policies[network]; !ok {
		return handlers.AppendResult{}, fmt.Errorf("%w: unknown anchor network %q", domain.ErrValidation, network)
	}
	client, ok := s.clients[network]
	if !ok {
		return handlers.AppendResult{}, fmt.Errorf("%w: no client configured for network %s", domain.ErrExternalService, network)
	}

	status, err := s.reader.Status(ctx, documentID)
	if err != nil {
		return handlers.AppendResult{}, err
	}
	if current := status.Anchor(network).Status; current != domain.AnchorNone {
		return handlers.AppendResult{}, fmt.Errorf("%w: %s anchor is already %s", domain.ErrInvalidStateTransition, network, current)
	}
	if actor == "" {
		actor = HeartbeatComponent
	}

	key := documentID + "/" + network
	if !s.claim(key) {
		return handlers.AppendResult{}, fmt.Errorf("%w: %s anchor is already being submitted", domain.ErrInvalidStateTransition, network)
	}
	defer s.release(key)

	var lastErr error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		reference, err := client.Submit(ctx, status.WitnessHash)
		if err == nil {
			payload := domain.AnchorPayload{Network: network, Reference: reference, Attempts: attempt}
			res, err := s.append(ctx, documentID, domain.KindAnchorSubmitted, actor, reference, payload)
			if err != nil {
				// The network holds an anchor the ledger does not know about.
				log.Error().Err(err).
					Str("entityID", documentID).
					Str("network", network).
					Str("reference", reference).
					Msg("Submitted anchor could not be recorded")
				return res, fmt.Errorf("%s anchor %s was submitted but not recorded: %w", network, reference, err)
			}
			return res, nil
		}
		lastErr = err
		log.Warn().Err(err).Str("entityID", documentID).Str("network", network).Int("attempt", attempt).Msg("Anchor submission failed")

		if attempt < s.attempts {
			if err := s.sleep(ctx, s.delay); err != nil {
				return handlers.AppendResult{}, err
			}
		}
	}

	payload := domain.AnchorPayload{
		Network:  network,
		Attempts: s.attempts,
		Reason:   fmt.Sprintf("submission failed after %d attempts: %v", s.attempts, lastErr),
	}
	return s.append(ctx, documentID, domain.KindAnchorFailed, actor, "submission", payload)
}

func (s *Submitter) append(ctx context.Context, documentID, kind, actor, reference string, payload domain.AnchorPayload) (handlers.AppendResult, error) {
	env, err := handlers.NewEnvelope(documentID, OutcomeEventID(documentID, payload.Network, kind, reference),
		kind, actor, domain.SourceAnchorWorker, payload)
	if err != nil {
		return handlers.AppendResult{}, err
	}
	return s.appender.Append(ctx, documentID, env)
}

func (s *Submitter) claim(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[key] {
		return false
	}
	s.inflight[key] = true
	return true
}

func (s *Submitter) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
