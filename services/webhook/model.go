package webhook

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookEvent is the append-only record of every provider delivery.
// The unique index on provider_transaction_id is the dedup boundary for
// redelivered webhooks.
type WebhookEvent struct {
	ID                    string         `gorm:"column:id;primaryKey"`
	Provider              string         `gorm:"column:provider;not null"`
	ProviderTransactionID string         `gorm:"column:provider_transaction_id;not null;uniqueIndex"`
	OrderReference        string         `gorm:"column:order_reference;index"`
	RawPayload            datatypes.JSON `gorm:"column:raw_payload"`
	ReceivedAt            time.Time      `gorm:"column:received_at;not null"`
	Processed             bool           `gorm:"column:processed;not null;default:false"`
	ProcessingResult      string         `gorm:"column:processing_result"`
	UpdatedAt             time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

// payload mirrors the provider's callback body. Trans_Status carries
// the final outcome; Status only the submission acknowledgement.
type payload struct {
	TransactionID          string `json:"Transaction_id"`
	Reference              string `json:"Reference"`
	Status                 string `json:"Status"`
	TransStatus            string `json:"Trans_Status"`
	TransStatusDescription string `json:"Trans_Status_Description"`
	Comment                string `json:"Comment"`
}
