package anchoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TemporalDynamics/ecosign-sub001/domain"
)

func TestHTTPNetworkClient(t *testing.T) {
	var submitted submitRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/anchors":
			if err := json.NewDecoder(r.Body).Decode(&submitted); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(submitResponse{Reference: "tx/1"})
		case r.Method == http.MethodGet && r.URL.EscapedPath() == "/anchors/tx%2F1":
			json.NewEncoder(w).Encode(Observation{Status: ObservedConfirmed, Confirmations: 3})
		case r.Method == http.MethodGet && r.URL.Path == "/anchors/weird":
			w.Write([]byte(`{"status":"exploded"}`))
		default:
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	client := NewHTTPNetworkClient("bitcoin", server.URL+"/", server.Client())
	ctx := context.Background()

	ref, err := client.Submit(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, "tx/1", ref)
	assert.Equal(t, submitRequest{Network: "bitcoin", Hash: "abc"}, submitted)

	obs, err := client.Check(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, ObservedConfirmed, obs.Status)
	assert.Equal(t, 3, obs.Confirmations)

	_, err = client.Check(ctx, "weird")
	assert.True(t, errors.Is(err, domain.ErrExternalService), "unknown status: %v", err)

	_, err = client.Check(ctx, "missing")
	assert.True(t, errors.Is(err, domain.ErrExternalService))
	assert.Contains(t, err.Error(), "HTTP 503")
}

func TestHTTPNetworkClientEmptyReference(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	_, err := NewHTTPNetworkClient("polygon", server.URL, server.Client()).Submit(context.Background(), "abc")
	assert.True(t, errors.Is(err, domain.ErrExternalService))
}
