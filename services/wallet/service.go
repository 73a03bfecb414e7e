package wallet

import (
	"context"

	"kolo-engine/pkg/db/option"
	"kolo-engine/pkg/errutil"
	"kolo-engine/pkg/repository"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	balances repository.Repository[WalletBalance]
	entries  repository.Repository[WalletLedgerEntry]
}

type ServiceParams struct {
	fx.In
	DB   *gorm.DB
	Node *snowflake.Node
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		balances: repository.ProvideStore[WalletBalance](p.DB),
		entries:  repository.ProvideStore[WalletLedgerEntry](p.DB),
	}
}

func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	b, err := s.balances.FindOne(ctx, &WalletBalance{UserID: userID})
	if err != nil {
		return 0, err
	}
	if b == nil {
		return 0, nil
	}
	return b.Balance, nil
}

// lockBalance takes the per-user balance row FOR UPDATE, creating it on
// first use. The row lock is what keeps two concurrent writes for the
// same user from both reading the same balance.
func (s *Service) lockBalance(ctx context.Context, tx *gorm.DB, userID string) (*WalletBalance, error) {
	b, err := s.balances.WithTrx(tx).FindOne(ctx, &WalletBalance{UserID: userID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if b != nil {
		return b, nil
	}

	// First write for this user. The conflict clause absorbs a racing
	// insert; the locked re-read then lands on whichever row won.
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&WalletBalance{UserID: userID}).Error; err != nil {
		return nil, err
	}

	b, err = s.balances.WithTrx(tx).FindOne(ctx, &WalletBalance{UserID: userID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, errutil.Internal("wallet balance row missing after insert", nil)
	}
	return b, nil
}

// DebitTx debits the user inside the caller's transaction. The balance
// row is read under lock, checked, and updated in place; the ledger
// entry is the audit record of that update. Insufficient funds fails
// without writing anything.
func (s *Service) DebitTx(ctx context.Context, tx *gorm.DB, userID string, amount int64, orderID string, description string) (*WalletLedgerEntry, error) {
	if amount <= 0 {
		return nil, errutil.BadRequest("debit amount must be > 0", nil)
	}

	b, err := s.lockBalance(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if b.Balance < amount {
		return nil, ErrInsufficientFunds{Balance: b.Balance, Required: amount}
	}

	entry := &WalletLedgerEntry{
		ID:           s.node.Generate().String(),
		UserID:       userID,
		OrderID:      &orderID,
		Delta:        -amount,
		BalanceAfter: b.Balance - amount,
		Description:  description,
	}
	if err := s.writeEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	zap.L().Info("wallet debited",
		zap.String("user_id", userID),
		zap.String("order_id", orderID),
		zap.Int64("amount", amount),
		zap.Int64("balance_after", entry.BalanceAfter),
	)
	return entry, nil
}

// CreditTx credits the user inside the caller's transaction.
func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, userID string, amount int64, orderID *string, reference, description string) (*WalletLedgerEntry, error) {
	if amount <= 0 {
		return nil, errutil.BadRequest("credit amount must be > 0", nil)
	}

	b, err := s.lockBalance(ctx, tx, userID)
	if err != nil {
		return nil, err
	}

	entry := &WalletLedgerEntry{
		ID:           s.node.Generate().String(),
		UserID:       userID,
		OrderID:      orderID,
		Delta:        amount,
		BalanceAfter: b.Balance + amount,
		Reference:    reference,
		Description:  description,
	}
	if err := s.writeEntry(ctx, tx, entry); err != nil {
		return nil, err
	}

	zap.L().Info("wallet credited",
		zap.String("user_id", userID),
		zap.String("reference", reference),
		zap.Int64("amount", amount),
		zap.Int64("balance_after", entry.BalanceAfter),
	)
	return entry, nil
}

// writeEntry moves the balance row to the entry's balance_after and
// appends the entry. Callers hold the row lock from lockBalance.
func (s *Service) writeEntry(ctx context.Context, tx *gorm.DB, entry *WalletLedgerEntry) error {
	if err := s.balances.WithTrx(tx).Update(ctx, entry.UserID, map[string]any{
		"balance": entry.BalanceAfter,
	}); err != nil {
		return err
	}
	return s.entries.WithTrx(tx).Create(ctx, entry)
}

// Credit is CreditTx in its own transaction, for top-ups and
// administrative adjustments arriving outside an order flow.
func (s *Service) Credit(ctx context.Context, userID string, amount int64, reference, description string) (*WalletLedgerEntry, error) {
	var entry *WalletLedgerEntry
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		entry, txErr = s.CreditTx(ctx, tx, userID, amount, nil, reference, description)
		return txErr
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// History lists a user's ledger entries, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]*WalletLedgerEntry, error) {
	return s.entries.Find(ctx, &WalletLedgerEntry{UserID: userID},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", OrderBy: "desc", Allow: map[string]bool{"id": true}}),
		option.WithLimit(limit),
	)
}
