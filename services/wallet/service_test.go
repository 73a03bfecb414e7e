package wallet

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"kolo-engine/services/testutil"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newWalletService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &WalletBalance{}, &WalletLedgerEntry{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	return NewService(ServiceParams{DB: db, Node: node}), db
}

func TestBalanceStartsAtZero(t *testing.T) {
	svc, _ := newWalletService(t)

	balance, err := svc.Balance(context.Background(), "u1")
	require.NoError(t, err)
	require.Equal(t, int64(0), balance)
}

func TestCreditThenDebit(t *testing.T) {
	svc, db := newWalletService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, "u1", 10000, "WLT-1", "top-up")
	require.NoError(t, err)

	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.DebitTx(ctx, tx, "u1", 4000, "ord-1", "purchase")
		return err
	})
	require.NoError(t, err)

	balance, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(6000), balance)
}

func TestDebitInsufficientFundsWritesNothing(t *testing.T) {
	svc, db := newWalletService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, "u1", 1000, "WLT-1", "top-up")
	require.NoError(t, err)

	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.DebitTx(ctx, tx, "u1", 5000, "ord-1", "purchase")
		return err
	})

	var insufficient ErrInsufficientFunds
	require.ErrorAs(t, err, &insufficient)
	require.Equal(t, int64(1000), insufficient.Balance)
	require.Equal(t, int64(5000), insufficient.Required)

	var count int64
	require.NoError(t, db.Model(&WalletLedgerEntry{}).Where("user_id = ?", "u1").Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestDebitRejectsNonPositiveAmount(t *testing.T) {
	svc, db := newWalletService(t)
	ctx := context.Background()

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.DebitTx(ctx, tx, "u1", 0, "ord-1", "purchase")
		return err
	})
	require.Error(t, err)
	require.False(t, errors.As(err, &ErrInsufficientFunds{}))
}

func TestLedgerConservation(t *testing.T) {
	svc, db := newWalletService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, "u1", 10000, "WLT-1", "top-up")
	require.NoError(t, err)
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.DebitTx(ctx, tx, "u1", 2500, "ord-1", "purchase")
		return err
	}))
	_, err = svc.Credit(ctx, "u1", 2500, "WLT-2", "refund ord-1")
	require.NoError(t, err)
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		_, err := svc.DebitTx(ctx, tx, "u1", 7000, "ord-2", "purchase")
		return err
	}))

	// The running sum of deltas always equals the final balance_after.
	entries, err := svc.History(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	var sum int64
	for _, e := range entries {
		sum += e.Delta
	}

	balance, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, sum, balance)
	require.Equal(t, int64(3000), balance)

	// The balance row mirrors the newest entry.
	require.Equal(t, entries[0].BalanceAfter, balance)
}

func TestConcurrentDebitsNeverOverspend(t *testing.T) {
	svc, db := newWalletService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, "u1", 1000, "WLT-1", "top-up")
	require.NoError(t, err)

	// Two 600 debits against a 1000 balance: the balance row lock makes
	// the second read the first one's result, so only one can pass.
	var succeeded atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			err := db.Transaction(func(tx *gorm.DB) error {
				_, err := svc.DebitTx(gctx, tx, "u1", 600, "ord-1", "purchase")
				return err
			})
			if err == nil {
				succeeded.Add(1)
				return nil
			}
			if errors.As(err, &ErrInsufficientFunds{}) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int64(1), succeeded.Load())

	balance, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(400), balance)

	entries, err := svc.History(ctx, "u1", 0)
	require.NoError(t, err)
	var sum int64
	for _, e := range entries {
		sum += e.Delta
	}
	require.Equal(t, balance, sum)
}

func TestBalancesIsolatedPerUser(t *testing.T) {
	svc, _ := newWalletService(t)
	ctx := context.Background()

	_, err := svc.Credit(ctx, "u1", 500, "WLT-1", "top-up")
	require.NoError(t, err)

	balance, err := svc.Balance(ctx, "u2")
	require.NoError(t, err)
	require.Equal(t, int64(0), balance)
}
