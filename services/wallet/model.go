package wallet

import (
	"fmt"
	"time"
)

// WalletBalance is the lockable per-user balance row and the
// serialization point for concurrent ledger appends. Every debit and
// credit locks it FOR UPDATE, so two transactions can never both read
// the same balance. Its value must always equal the newest entry's
// balance_after.
type WalletBalance struct {
	UserID    string    `gorm:"column:user_id;primaryKey"`
	Balance   int64     `gorm:"column:balance;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// WalletLedgerEntry is the append-only audit trail. Rows are never
// updated or deleted; balance_after snapshots the balance row at the
// moment of the write.
type WalletLedgerEntry struct {
	ID           string    `gorm:"column:id;primaryKey"`
	UserID       string    `gorm:"column:user_id;not null;index"`
	OrderID      *string   `gorm:"column:order_id;index"`
	Delta        int64     `gorm:"column:delta;not null"`
	BalanceAfter int64     `gorm:"column:balance_after;not null"`
	Reference    string    `gorm:"column:reference"`
	Description  string    `gorm:"column:description"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

// ErrInsufficientFunds is returned by Debit before anything is written.
type ErrInsufficientFunds struct {
	Balance  int64
	Required int64
}

func (e ErrInsufficientFunds) Error() string {
	return fmt.Sprintf("insufficient funds: balance %d, required %d", e.Balance, e.Required)
}
