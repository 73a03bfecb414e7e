package ticketpool

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type NumberState string

const (
	NumberHeld   NumberState = "held"
	NumberIssued NumberState = "issued"
)

// TicketNumber is a claim on one number of a campaign's closed pool. A
// free number has no row; the composite unique index makes a double
// claim a constraint violation instead of a race.
type TicketNumber struct {
	ID            string      `gorm:"column:id;primaryKey"`
	CampaignID    string      `gorm:"column:campaign_id;not null;uniqueIndex:ux_pool_campaign_number"`
	Number        int         `gorm:"column:number;not null;uniqueIndex:ux_pool_campaign_number"`
	State         NumberState `gorm:"column:state;not null;index"`
	HoldID        string      `gorm:"column:hold_id;not null;index"`
	HoldExpiresAt time.Time   `gorm:"column:hold_expires_at"`
	CreatedAt     time.Time   `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time   `gorm:"column:updated_at;autoUpdateTime"`
}

// Reservation is a time-bounded exclusive claim on one or more numbers,
// pending payment.
type Reservation struct {
	HoldID    string
	Numbers   []int
	ExpiresAt time.Time
}

// Selection is either Manual (exact numbers, all-or-nothing) or
// Automatic (any free numbers, partial fill allowed).
type Selection interface {
	isSelection()
}

type Manual struct {
	Numbers []int
}

type Automatic struct {
	Count int
}

func (Manual) isSelection()    {}
func (Automatic) isSelection() {}

// ErrNumbersUnavailable reports exactly which requested numbers are
// taken so the client can re-prompt for those alone.
type ErrNumbersUnavailable struct {
	Unavailable []int
}

func (e ErrNumbersUnavailable) Error() string {
	parts := make([]string, 0, len(e.Unavailable))
	for _, n := range e.Unavailable {
		parts = append(parts, strconv.Itoa(n))
	}
	return fmt.Sprintf("numbers unavailable: %s", strings.Join(parts, ", "))
}

// ErrInsufficientInventory accompanies a partial automatic reservation;
// the caller decides whether to keep it or release the hold.
type ErrInsufficientInventory struct {
	Reserved  []int
	Shortfall int
}

func (e ErrInsufficientInventory) Error() string {
	return fmt.Sprintf("insufficient inventory: reserved %d, short %d", len(e.Reserved), e.Shortfall)
}

// ErrHoldNotFound means the hold never existed or already expired and
// was swept.
type ErrHoldNotFound struct {
	HoldID string
}

func (e ErrHoldNotFound) Error() string {
	return fmt.Sprintf("hold %s not found", e.HoldID)
}

// Format renders a pool number for display, e.g. number 3 of a
// 40-ticket campaign with prefix "VU" renders as "KVU-03".
func Format(prefix string, number, totalTickets int) string {
	pad := len(strconv.Itoa(totalTickets))
	if pad < 2 {
		pad = 2
	}
	return fmt.Sprintf("K%s-%0*d", prefix, pad, number)
}
