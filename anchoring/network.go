package anchoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/TemporalDynamics/ecosign-sub001/domain"
)

// ObservationStatus is what a network reports about a submitted anchor.
type ObservationStatus string

const (
	ObservedPending   ObservationStatus = "pending"
	ObservedConfirmed ObservationStatus = "confirmed"
	ObservedFailed    ObservationStatus = "failed"
)

// Observation is one poll result for an anchor reference.
type Observation struct {
	Status        ObservationStatus `json:"status"`
	Confirmations int               `json:"confirmations"`
	ConfirmedAt   *time.Time        `json:"confirmed_at,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// NetworkClient talks to the anchor submission service of one network.
type NetworkClient interface {
	Submit(ctx context.Context, witnessHash string) (reference string, err error)
	Check(ctx context.Context, reference string) (Observation, error)
}

// HTTPNetworkClient is a NetworkClient for a JSON anchoring endpoint:
// POST {endpoint}/anchors and GET {endpoint}/anchors/{reference}.
type HTTPNetworkClient struct {
	network    string
	endpoint   string
	httpClient *http.Client
}

// NewHTTPNetworkClient creates a client for one network endpoint
func NewHTTPNetworkClient(network, endpoint string, httpClient *http.Client) *HTTPNetworkClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPNetworkClient{
		network:    network,
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: httpClient,
	}
}

type submitRequest struct {
	Network string `json:"network"`
	Hash    string `json:"hash"`
}

type submitResponse struct {
	Reference string `json:"reference"`
}

// Submit implements NetworkClient
func (c *HTTPNetworkClient) Submit(ctx context.Context, witnessHash string) (string, error) {
	body, err := json.Marshal(submitRequest{Network: c.network, Hash: witnessHash})
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal anchor request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/anchors", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, "failed to build anchor request")
	}
	req.Header.Set("Content-Type", "application/json")

	var out submitResponse
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.Reference == "" {
		return "", fmt.Errorf("%w: %s returned no anchor reference", domain.ErrExternalService, c.network)
	}
	return out.Reference, nil
}

// Check implements NetworkClient
func (c *HTTPNetworkClient) Check(ctx context.Context, reference string) (Observation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/anchors/"+url.PathEscape(reference), nil)
	if err != nil {
		return Observation{}, errors.Wrap(err, "failed to build anchor status request")
	}

	var out Observation
	if err := c.do(req, &out); err != nil {
		return Observation{}, err
	}
	switch out.Status {
	case ObservedPending, ObservedConfirmed, ObservedFailed:
	default:
		return Observation{}, fmt.Errorf("%w: %s reported unknown status %q", domain.ErrExternalService, c.network, out.Status)
	}
	return out, nil
}

func (c *HTTPNetworkClient) do(req *http.Request, out interface{}) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrExternalService, c.network, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: reading response: %v", domain.ErrExternalService, c.network, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s returned HTTP %d", domain.ErrExternalService, c.network, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrExternalService, c.network, errors.Wrap(err, "failed to decode response"))
	}
	return nil
}

// ClientsFromPolicies builds an HTTP client for every network with an endpoint.
func ClientsFromPolicies(policies Policies, httpClient *http.Client) map[string]NetworkClient {
	clients := map[string]NetworkClient{}
	for name, p := range policies {
		if p.Endpoint == "" {
			continue
		}
		clients[name] = NewHTTPNetworkClient(name, p.Endpoint, httpClient)
	}
	return clients
}
