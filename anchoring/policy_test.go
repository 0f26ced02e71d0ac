package anchoring

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TemporalDynamics/ecosign-sub001/config"
)

func TestPolicyBackoff(t *testing.T) {
	p := Policy{BaseDelay: time.Minute, MaxDelay: 10 * time.Minute, Factor: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Minute},
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{4, 8 * time.Minute},
		{5, 10 * time.Minute},
		{50, 10 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}

	flat := Policy{BaseDelay: 5 * time.Minute, Factor: 0.5}
	assert.Equal(t, 5*time.Minute, flat.Backoff(7), "factors below one do not shrink the delay")
}

func TestPolicyExpired(t *testing.T) {
	p := Policy{MaxWait: time.Hour, MaxAttempts: 3}
	submitted := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	expired, _ := p.Expired(submitted, submitted.Add(59*time.Minute), 2)
	assert.False(t, expired)

	expired, reason := p.Expired(submitted, submitted.Add(time.Hour), 0)
	assert.True(t, expired)
	assert.Contains(t, reason, "1h0m0s")

	expired, reason = p.Expired(submitted, submitted.Add(time.Minute), 3)
	assert.True(t, expired)
	assert.Contains(t, reason, "maximum attempts")

	unbounded := Policy{}
	expired, _ = unbounded.Expired(submitted, submitted.Add(1000*time.Hour), 1000)
	assert.False(t, expired)
}

func TestPoliciesFromConfig(t *testing.T) {
	defaults := DefaultPolicies()
	assert.Equal(t, []string{"bitcoin", "polygon"}, defaults.Networks())
	assert.True(t, defaults["bitcoin"].BlocksDownload)

	policies := PoliciesFromConfig(config.AnchoringConfig{
		Networks: map[string]config.NetworkConfig{
			"bitcoin": {Endpoint: "http://anchors", RequiredConfirmations: 6, BlocksDownload: true},
		},
	})
	require.Len(t, policies, 1)
	assert.Equal(t, "bitcoin", policies["bitcoin"].Network)

	rules := policies.Rules()
	assert.Equal(t, 6, rules.RequiredConfirmations("bitcoin"))
	assert.True(t, rules.BlocksDownload("bitcoin"))
	assert.False(t, rules.Supports("polygon"))

	clients := ClientsFromPolicies(PoliciesFromConfig(config.AnchoringConfig{
		Networks: map[string]config.NetworkConfig{
			"bitcoin": {Endpoint: "http://anchors"},
			"polygon": {},
		},
	}), nil)
	assert.Contains(t, clients, "bitcoin")
	assert.NotContains(t, clients, "polygon", "networks without an endpoint get no client")
}
