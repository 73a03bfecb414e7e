package order

import (
	"fmt"
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusHeld      Status = "held"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

type SelectionMode string

const (
	SelectionManual    SelectionMode = "manual"
	SelectionAutomatic SelectionMode = "automatic"
)

type PaymentMethod string

const (
	PaymentWallet      PaymentMethod = "wallet"
	PaymentMobileMoney PaymentMethod = "mobile_money"
)

// Order snapshots everything needed to settle at creation time: unit
// price, discount and exchange rate are frozen here and never reread
// from their sources.
type Order struct {
	OrderID       string        `gorm:"column:order_id;primaryKey"`
	OrderCode     string        `gorm:"column:order_code;not null;uniqueIndex"`
	InvoiceCode   string        `gorm:"column:invoice_code;not null"`
	UserID        string        `gorm:"column:user_id;not null;index"`
	CampaignID    string        `gorm:"column:campaign_id;not null;index"`
	SelectionMode SelectionMode `gorm:"column:selection_mode;not null"`
	PaymentMethod PaymentMethod `gorm:"column:payment_method;not null"`
	Phone         string        `gorm:"column:phone"`
	Count         int           `gorm:"column:count;not null"`

	// TicketNumbers is the JSON array of reserved numbers.
	TicketNumbers datatypes.JSON `gorm:"column:ticket_numbers"`

	UnitPriceUSD int64   `gorm:"column:unit_price_usd;not null"`
	SubtotalUSD  int64   `gorm:"column:subtotal_usd;not null"`
	PromoCode    *string `gorm:"column:promo_code"`
	DiscountUSD  int64   `gorm:"column:discount_usd;not null;default:0"`
	TotalUSD     int64   `gorm:"column:total_usd;not null"`

	// ExchangeRate is CDF per USD at creation; TotalCDF is the amount
	// actually collected.
	ExchangeRate int64 `gorm:"column:exchange_rate;not null"`
	TotalCDF     int64 `gorm:"column:total_cdf;not null"`

	Status            Status     `gorm:"column:status;not null;index"`
	HoldID            string     `gorm:"column:hold_id;index"`
	HoldExpiresAt     *time.Time `gorm:"column:hold_expires_at"`
	ProviderReference *string    `gorm:"column:provider_reference;index"`
	FailureReason     string     `gorm:"column:failure_reason"`

	RefundedBy   *string    `gorm:"column:refunded_by"`
	RefundReason string     `gorm:"column:refund_reason"`
	RefundedAt   *time.Time `gorm:"column:refunded_at"`
	CompletedAt  *time.Time `gorm:"column:completed_at"`

	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

type CreateOrderInput struct {
	UserID        string
	CampaignID    string
	Numbers       []int
	Count         int
	PaymentMethod PaymentMethod
	Phone         string
	PromoCode     string
}

// ErrProviderUnavailable means the provider rejected or never accepted
// the charge submission; the order has already been failed and its hold
// released when this is returned.
type ErrProviderUnavailable struct {
	Err error
}

func (e ErrProviderUnavailable) Error() string {
	return fmt.Sprintf("payment provider unavailable: %v", e.Err)
}

func (e ErrProviderUnavailable) Unwrap() error {
	return e.Err
}

// ErrInvalidTransition reports a state-machine violation, e.g. a failure
// webhook arriving for an order that already completed.
type ErrInvalidTransition struct {
	OrderID string
	From    Status
	To      Status
}

func (e ErrInvalidTransition) Error() string {
	return fmt.Sprintf("order %s: invalid transition %s -> %s", e.OrderID, e.From, e.To)
}
