package models

import (
	"time"
)

// LegacyDocumentsTable is the flat projection the platform used before the
// ledger became canonical. Writes to it are frozen.
const LegacyDocumentsTable = "user_documents"

// LegacyDocument is one row of the legacy flat projection.
type LegacyDocument struct {
	DocumentID        string    `gorm:"primaryKey" json:"document_id"`
	WitnessHash       string    `json:"witness_hash"`
	OverallStatus     string    `json:"overall_status"`
	NDAAccepted       bool      `json:"nda_accepted"`
	Signed            bool      `json:"signed"`
	HasLegalTimestamp bool      `json:"has_legal_timestamp"`
	PolygonStatus     string    `json:"polygon_status"`
	BitcoinStatus     string    `json:"bitcoin_status"`
	AnchorStatuses    []byte    `gorm:"type:jsonb" json:"anchor_statuses"`
	DownloadEnabled   bool      `json:"download_enabled"`
	EventCount        int       `json:"event_count"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (LegacyDocument) TableName() string {
	return LegacyDocumentsTable
}

// AutoMigrateModels lists every table the service owns.
func AutoMigrateModels() []interface{} {
	return []interface{}{
		&DocumentEntity{},
		&LedgerEvent{},
		&AnchorRecord{},
		&LegacyDocument{},
	}
}
