package projections

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/TemporalDynamics/ecosign-sub001/domain"
	"github.com/TemporalDynamics/ecosign-sub001/eventstore"
	"github.com/TemporalDynamics/ecosign-sub001/freeze"
	"github.com/TemporalDynamics/ecosign-sub001/models"
)

// Overall statuses of the legacy projection
const (
	OverallCreated     = "created"
	OverallNDAAccepted = "nda_accepted"
	OverallSigned      = "signed"
	OverallAnchoring   = "anchoring"
	OverallCertified   = "certified"
)

// Divergence is one field on which the legacy table disagrees with the ledger.
type Divergence struct {
	DocumentID string `json:"document_id"`
	Field      string `json:"field"`
	Legacy     string `json:"legacy"`
	Ledger     string `json:"ledger"`
}

// ToLegacyRow flattens a derived status into a legacy row.
func ToLegacyRow(status domain.DocumentStatus) models.LegacyDocument {
	anchors := make(map[string]domain.AnchorStatus, len(status.Anchors))
	anyPending, anyConfirmed := false, false
	for network, rec := range status.Anchors {
		anchors[network] = rec.Status
		switch rec.Status {
		case domain.AnchorPending:
			anyPending = true
		case domain.AnchorConfirmed:
			anyConfirmed = true
		}
	}
	encoded, _ := json.Marshal(anchors)

	overall := OverallCreated
	switch {
	case anyPending:
		overall = OverallAnchoring
	case status.Signed && (status.HasTimestamp || anyConfirmed):
		overall = OverallCertified
	case status.Signed:
		overall = OverallSigned
	case status.NDAAccepted:
		overall = OverallNDAAccepted
	}

	return models.LegacyDocument{
		DocumentID:        status.EntityID,
		WitnessHash:       status.WitnessHash,
		OverallStatus:     overall,
		NDAAccepted:       status.NDAAccepted,
		Signed:            status.Signed,
		HasLegalTimestamp: status.HasTimestamp,
		PolygonStatus:     string(status.Anchor("polygon").Status),
		BitcoinStatus:     string(status.Anchor("bitcoin").Status),
		AnchorStatuses:    encoded,
		DownloadEnabled:   status.DownloadEnabled,
		EventCount:        status.EventCount,
		UpdatedAt:         status.UpdatedAt,
	}
}

// Compare lists the fields on which legacy differs from expected.
func Compare(legacy, expected models.LegacyDocument) []Divergence {
	var out []Divergence
	add := func(field string, l, e interface{}) {
		ls, es := fmt.Sprint(l), fmt.Sprint(e)
		if ls != es {
			out = append(out, Divergence{DocumentID: expected.DocumentID, Field: field, Legacy: ls, Ledger: es})
		}
	}
	add("witness_hash", legacy.WitnessHash, expected.WitnessHash)
	add("overall_status", legacy.OverallStatus, expected.OverallStatus)
	add("nda_accepted", legacy.NDAAccepted, expected.NDAAccepted)
	add("signed", legacy.Signed, expected.Signed)
	add("has_legal_timestamp", legacy.HasLegalTimestamp, expected.HasLegalTimestamp)
	add("polygon_status", legacy.PolygonStatus, expected.PolygonStatus)
	add("bitcoin_status", legacy.BitcoinStatus, expected.BitcoinStatus)
	add("download_enabled", legacy.DownloadEnabled, expected.DownloadEnabled)
	add("event_count", legacy.EventCount, expected.EventCount)
	add("anchor_statuses", canonicalAnchors(legacy.AnchorStatuses), canonicalAnchors(expected.AnchorStatuses))
	return out
}

func canonicalAnchors(raw []byte) string {
	var m map[string]string
	if len(raw) == 0 || json.Unmarshal(raw, &m) != nil {
		return string(raw)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for _, k := range keys {
		out += k + "=" + m[k] + ";"
	}
	return out
}

// LegacyProjector keeps the frozen legacy table in step with the ledger.
// It is the only writer of that table and writes under a projection-rebuild
// permit.
type LegacyProjector struct {
	db     *gorm.DB
	reader eventstore.Reader
	permit freeze.Permit
}

// NewLegacyProjector creates a new legacy projector
func NewLegacyProjector(db *gorm.DB, reader eventstore.Reader) *LegacyProjector {
	permit, err := freeze.NewPermit(freeze.TagProjectionRebuild)
	if err != nil {
		// The tag is a package constant on the allow-list.
		panic(err)
	}
	return &LegacyProjector{db: db, reader: reader, permit: permit}
}

// Project rewrites the legacy row of one document from its ledger status.
func (p *LegacyProjector) Project(ctx context.Context, entityID string) error {
	status, err := p.reader.Status(ctx, entityID)
	if err != nil {
		return fmt.Errorf("failed to derive status of %s: %w", entityID, err)
	}
	row := ToLegacyRow(status)

	err = p.db.WithContext(p.permit.Context(ctx)).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to write legacy row of %s: %w", entityID, err)
	}
	return nil
}

// Rebuild reprojects every document in the ledger.
func (p *LegacyProjector) Rebuild(ctx context.Context) (int, error) {
	ids, err := p.documentIDs(ctx)
	if err != nil {
		return 0, err
	}

	rebuilt := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return rebuilt, err
		}
		if err := p.Project(ctx, id); err != nil {
			log.Error().Err(err).Str("entityID", id).Msg("Failed to rebuild legacy row")
			continue
		}
		rebuilt++
	}
	log.Info().Int("documents", len(ids)).Int("rebuilt", rebuilt).Msg("Legacy projection rebuilt")
	return rebuilt, nil
}

// Divergence compares every legacy row with what the ledger derives.
// Documents missing from either side are reported too.
func (p *LegacyProjector) Divergence(ctx context.Context) ([]Divergence, error) {
	ids, err := p.documentIDs(ctx)
	if err != nil {
		return nil, err
	}

	var rows []models.LegacyDocument
	if err := p.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load legacy rows: %w", err)
	}
	legacy := make(map[string]models.LegacyDocument, len(rows))
	for _, row := range rows {
		legacy[row.DocumentID] = row
	}

	var out []Divergence
	for _, id := range ids {
		status, err := p.reader.Status(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to derive status of %s: %w", id, err)
		}
		expected := ToLegacyRow(status)
		row, ok := legacy[id]
		delete(legacy, id)
		if !ok {
			out = append(out, Divergence{DocumentID: id, Field: "row", Legacy: "missing", Ledger: "present"})
			continue
		}
		out = append(out, Compare(row, expected)...)
	}
	for id := range legacy {
		out = append(out, Divergence{DocumentID: id, Field: "row", Legacy: "present", Ledger: "missing"})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out, nil
}

func (p *LegacyProjector) documentIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := p.db.WithContext(ctx).
		Model(&models.DocumentEntity{}).
		Where("event_count > 0").
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return ids, nil
}
