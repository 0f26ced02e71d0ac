package anchoring

import (
	"math"
	"sort"
	"time"

	"github.com/TemporalDynamics/ecosign-sub001/config"
	"github.com/TemporalDynamics/ecosign-sub001/domain"
)

// Policy is the confirmation and retry policy of one network.
type Policy struct {
	Network               string
	Endpoint              string
	RequiredConfirmations int
	MaxWait               time.Duration
	MaxAttempts           int
	BaseDelay             time.Duration
	MaxDelay              time.Duration
	Factor                float64
	BlocksDownload        bool
}

// Backoff is the delay before poll number attempt+1:
// min(base * factor^(attempt-1), max).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

// Expired reports whether a pending anchor has run out of time or attempts,
// with the reason recorded on the timeout event.
func (p Policy) Expired(submittedAt, now time.Time, attempts int) (bool, string) {
	if p.MaxWait > 0 && now.Sub(submittedAt) >= p.MaxWait {
		return true, "confirmation not observed within " + p.MaxWait.String()
	}
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return true, "confirmation not observed after maximum attempts"
	}
	return false, ""
}

// Policies indexes policies by network name.
type Policies map[string]Policy

// PoliciesFromConfig builds policies from configuration.
func PoliciesFromConfig(cfg config.AnchoringConfig) Policies {
	networks := cfg.Networks
	if len(networks) == 0 {
		networks = config.DefaultNetworks()
	}
	out := make(Policies, len(networks))
	for name, n := range networks {
		out[name] = Policy{
			Network:               name,
			Endpoint:              n.Endpoint,
			RequiredConfirmations: n.RequiredConfirmations,
			MaxWait:               n.MaxWait,
			MaxAttempts:           n.MaxAttempts,
			BaseDelay:             n.BaseDelay,
			MaxDelay:              n.MaxDelay,
			Factor:                n.Factor,
			BlocksDownload:        n.BlocksDownload,
		}
	}
	return out
}

// DefaultPolicies are the policies of the default networks.
func DefaultPolicies() Policies {
	return PoliciesFromConfig(config.AnchoringConfig{})
}

// Rules exposes the policies to the ledger's state machine.
func (p Policies) Rules() domain.RuleSet {
	rules := make(domain.RuleSet, len(p))
	for name, policy := range p {
		rules[name] = domain.NetworkRule{
			RequiredConfirmations: policy.RequiredConfirmations,
			BlocksDownload:        policy.BlocksDownload,
		}
	}
	return rules
}

// Networks returns the network names in order.
func (p Policies) Networks() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
