package projections

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TemporalDynamics/ecosign-sub001/config"
	"github.com/TemporalDynamics/ecosign-sub001/domain"
)

type indexedDoc struct {
	path string
	body map[string]interface{}
}

func fakeElasticsearch(t *testing.T, status int) (*httptest.Server, *[]indexedDoc) {
	var (
		mu   sync.Mutex
		docs []indexedDoc
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")

		if r.Method == http.MethodPut || r.Method == http.MethodPost {
			raw, _ := io.ReadAll(r.Body)
			var body map[string]interface{}
			_ = json.Unmarshal(raw, &body)
			mu.Lock()
			docs = append(docs, indexedDoc{path: r.URL.Path, body: body})
			mu.Unlock()
		}
		w.WriteHeader(status)
		w.Write([]byte(`{"result":"created"}`))
	}))
	t.Cleanup(server.Close)
	return server, &docs
}

func TestTimelineProjectorIndexesEventAndStatus(t *testing.T) {
	server, docs := fakeElasticsearch(t, http.StatusCreated)
	cfg := config.Config{Elasticsearch: config.ElasticsearchConfig{URL: server.URL, Prefix: "test"}}

	client, err := NewElasticsearchClient(cfg.Elasticsearch)
	require.NoError(t, err)
	projector := NewTimelineProjector(client, cfg)

	ledger := newLedger(t)
	events, err := ledger.Events(context.Background(), "doc-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	status, err := ledger.Status(context.Background(), "doc-1")
	require.NoError(t, err)

	require.NoError(t, projector.Project(context.Background(), events[1], status))

	require.Len(t, *docs, 2)
	assert.Equal(t, "/test-document-events/_doc/"+events[1].ID, (*docs)[0].path)
	assert.Equal(t, domain.KindSigned, (*docs)[0].body["kind"])
	assert.Equal(t, float64(2), (*docs)[0].body["seq"])
	assert.Equal(t, "/test-document-status/_doc/doc-1", (*docs)[1].path)
	assert.Equal(t, true, (*docs)[1].body["signed"])
}

func TestTimelineProjectorReportsIndexErrors(t *testing.T) {
	server, _ := fakeElasticsearch(t, http.StatusBadRequest)
	cfg := config.Config{Elasticsearch: config.ElasticsearchConfig{URL: server.URL, Prefix: "test"}}

	client, err := NewElasticsearchClient(cfg.Elasticsearch)
	require.Error(t, err, "info request fails on a 400")
	assert.Nil(t, client)
}
