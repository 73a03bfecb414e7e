package campaign

import (
	"time"
)

type Status string

const (
	StatusDraft  Status = "draft"
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
	StatusDrawn  Status = "drawn"
)

// Campaign is the sales window for one closed pool of numbered tickets.
// TotalTickets is immutable once the campaign opens. The sold counter is
// never stored; it is always recomputed from the ticket pool.
type Campaign struct {
	CampaignID     string     `gorm:"column:campaign_id;primaryKey"`
	Title          string     `gorm:"column:title;not null"`
	TicketPrefix   string     `gorm:"column:ticket_prefix;not null;default:'X'"`
	TotalTickets   int        `gorm:"column:total_tickets;not null"`
	TicketPriceUSD int64      `gorm:"column:ticket_price_usd;not null"` // USD minor units
	Status         Status     `gorm:"column:status;not null;default:'draft'"`
	StartAt        *time.Time `gorm:"column:start_at"`
	EndAt          *time.Time `gorm:"column:end_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// IsOpen checks if the campaign is currently selling based on time range & status.
func (c *Campaign) IsOpen(now time.Time) bool {
	if c.Status != StatusOpen {
		return false
	}
	if c.StartAt != nil && now.Before(*c.StartAt) {
		return false
	}
	if c.EndAt != nil && now.After(*c.EndAt) {
		return false
	}
	return true
}
