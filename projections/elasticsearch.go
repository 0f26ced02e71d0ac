package projections

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/rs/zerolog/log"

	"github.com/TemporalDynamics/ecosign-sub001/config"
	"github.com/TemporalDynamics/ecosign-sub001/domain"
)

// Constants for index names
const (
	DocumentEventsIndex = "document-events"
	DocumentStatusIndex = "document-status"
)

// NewElasticsearchClient creates a new Elasticsearch client
func NewElasticsearchClient(cfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	elasticCfg := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 10,
		},
	}

	client, err := elasticsearch.NewClient(elasticCfg)
	if err != nil {
		return nil, fmt.Errorf("error creating Elasticsearch client: %w", err)
	}

	// Check the connection
	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("error connecting to Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("Elasticsearch returned error: %s", res.String())
	}

	log.Info().Msg("Successfully connected to Elasticsearch")
	return client, nil
}

// EnsureIndices ensures that all required indices exist
func EnsureIndices(client *elasticsearch.Client, cfg config.Config) error {
	for _, index := range []string{DocumentEventsIndex, DocumentStatusIndex} {
		formattedIndex := config.FormatIndex(cfg, index)

		res, err := client.Indices.Exists([]string{formattedIndex})
		if err != nil {
			return fmt.Errorf("error checking if index %s exists: %w", formattedIndex, err)
		}
		res.Body.Close()
		if res.StatusCode == http.StatusOK {
			continue
		}

		log.Info().Msgf("Creating index %s", formattedIndex)
		res, err = client.Indices.Create(formattedIndex)
		if err != nil {
			return fmt.Errorf("error creating index %s: %w", formattedIndex, err)
		}
		if res.IsError() {
			res.Body.Close()
			return fmt.Errorf("error creating index %s: %s", formattedIndex, res.String())
		}
		res.Body.Close()
	}
	return nil
}

// TimelineDocument is the searchable copy of one ledger event.
type TimelineDocument struct {
	EventID     string          `json:"event_id"`
	EntityID    string          `json:"entity_id"`
	Seq         int             `json:"seq"`
	Kind        string          `json:"kind"`
	At          time.Time       `json:"at"`
	Actor       string          `json:"actor"`
	Source      string          `json:"source,omitempty"`
	LateArrival bool            `json:"late_arrival"`
	RecordedAt  time.Time       `json:"recorded_at"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NewTimelineDocument maps a ledger event to its search document
func NewTimelineDocument(ev domain.Event) TimelineDocument {
	return TimelineDocument{
		EventID:     ev.ID,
		EntityID:    ev.EntityID,
		Seq:         ev.Seq,
		Kind:        ev.Kind,
		At:          ev.At,
		Actor:       ev.Actor,
		Source:      ev.Source,
		LateArrival: ev.LateArrival,
		RecordedAt:  ev.RecordedAt,
		Payload:     ev.Payload,
	}
}

// TimelineProjector indexes ledger events and derived statuses for search.
type TimelineProjector struct {
	elasticClient *elasticsearch.Client
	cfg           config.Config
}

// NewTimelineProjector creates a new timeline projector
func NewTimelineProjector(elasticClient *elasticsearch.Client, cfg config.Config) *TimelineProjector {
	return &TimelineProjector{elasticClient: elasticClient, cfg: cfg}
}

// Project indexes one event and the status it led to.
func (p *TimelineProjector) Project(ctx context.Context, ev domain.Event, status domain.DocumentStatus) error {
	if err := p.index(ctx, DocumentEventsIndex, ev.ID, NewTimelineDocument(ev)); err != nil {
		return err
	}
	return p.index(ctx, DocumentStatusIndex, status.EntityID, status)
}

func (p *TimelineProjector) index(ctx context.Context, index, id string, doc interface{}) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal %s document: %w", index, err)
	}

	res, err := p.elasticClient.Index(
		config.FormatIndex(p.cfg, index),
		bytes.NewReader(body),
		p.elasticClient.Index.WithDocumentID(id),
		p.elasticClient.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to index %s in Elasticsearch: %w", index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("failed to index %s in Elasticsearch: %s", index, res.String())
	}
	return nil
}
