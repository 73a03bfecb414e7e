package sweeper

import (
	"context"
	"fmt"
	"testing"
	"time"

	"kolo-engine/pkg/config"
	"kolo-engine/pkg/provider"
	"kolo-engine/services/campaign"
	"kolo-engine/services/notify"
	"kolo-engine/services/order"
	"kolo-engine/services/promo"
	"kolo-engine/services/testutil"
	"kolo-engine/services/ticketpool"
	"kolo-engine/services/wallet"
	"kolo-engine/services/webhook"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type seqStub struct {
	n int
}

func (s *seqStub) NextOrderCode(ctx context.Context) (string, error) {
	s.n++
	return fmt.Sprintf("ORD-TEST-%03d", s.n), nil
}

func (s *seqStub) NextInvoiceCode(ctx context.Context) (string, error) {
	s.n++
	return fmt.Sprintf("INV-TEST-%03d", s.n), nil
}

func (s *seqStub) NextWalletReference(ctx context.Context) (string, error) {
	s.n++
	return fmt.Sprintf("WLT-TEST-%03d", s.n), nil
}

type rateStub struct{}

func (rateStub) Snapshot(ctx context.Context) int64 { return 2800 }

type providerStub struct {
	status      provider.Status
	description string
}

func (p *providerStub) RequestCharge(ctx context.Context, charge provider.Charge) (*provider.ChargeResult, error) {
	return &provider.ChargeResult{ProviderReference: "ptx-1", Status: provider.StatusSubmitted}, nil
}

func (p *providerStub) CheckStatus(ctx context.Context, reference string) (*provider.StatusResult, error) {
	return &provider.StatusResult{Reference: reference, Status: p.status, Description: p.description}, nil
}

func newSweeper(t *testing.T) (*Service, *order.Service, *ticketpool.Service, *gorm.DB, *providerStub) {
	t.Helper()

	db := testutil.NewTestDB(t,
		&campaign.Campaign{},
		&ticketpool.TicketNumber{},
		&promo.PromoCode{},
		&wallet.WalletBalance{},
		&wallet.WalletLedgerEntry{},
		&order.Order{},
		&webhook.WebhookEvent{},
	)

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Pool.HoldTTL = time.Hour
	cfg.Sweeper.ProviderTimeout = 15 * time.Minute

	pool := ticketpool.NewService(ticketpool.ServiceParams{DB: db, Node: node, Config: cfg})
	pv := &providerStub{status: provider.StatusUnknown}

	orders := order.NewService(order.ServiceParams{
		DB:        db,
		Node:      node,
		Sequence:  &seqStub{},
		Campaigns: campaign.NewService(campaign.ServiceParams{DB: db}),
		Pool:      pool,
		Promos:    promo.NewService(promo.ServiceParams{DB: db}),
		Wallets:   wallet.NewService(wallet.ServiceParams{DB: db, Node: node}),
		Rates:     rateStub{},
		Provider:  pv,
		Events:    notify.NopPublisher{},
	})

	webhooks := webhook.NewService(webhook.ServiceParams{
		DB:       db,
		Node:     node,
		Config:   cfg,
		Orders:   orders,
		Provider: pv,
	})

	svc := NewService(ServiceParams{
		Pool:     pool,
		Orders:   orders,
		Webhooks: webhooks,
	})

	return svc, orders, pool, db, pv
}

func TestExpireSweepFreesAbandonedOrder(t *testing.T) {
	svc, orders, pool, db, _ := newSweeper(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&campaign.Campaign{
		CampaignID: "cmp-1", Title: "T", TicketPrefix: "VU", TotalTickets: 10, TicketPriceUSD: 500, Status: campaign.StatusOpen,
	}).Error)

	o, err := orders.Create(ctx, order.CreateOrderInput{
		UserID: "u1", CampaignID: "cmp-1", Numbers: []int{3}, PaymentMethod: order.PaymentWallet,
	})
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	require.NoError(t, db.Model(&order.Order{}).
		Where("order_id = ?", o.OrderID).
		Update("hold_expires_at", past).Error)
	require.NoError(t, db.Model(&ticketpool.TicketNumber{}).
		Where("hold_id = ?", o.HoldID).
		Update("hold_expires_at", past).Error)

	require.NoError(t, svc.HandleExpireSweep(ctx, nil))

	got, err := orders.Get(ctx, o.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusExpired, got.Status)

	free, err := pool.FreeNumbers(ctx, "cmp-1")
	require.NoError(t, err)
	require.Contains(t, free, 3)
}

func TestExpireSweepLeavesLiveOrdersAlone(t *testing.T) {
	svc, orders, _, db, _ := newSweeper(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&campaign.Campaign{
		CampaignID: "cmp-1", Title: "T", TicketPrefix: "VU", TotalTickets: 10, TicketPriceUSD: 500, Status: campaign.StatusOpen,
	}).Error)

	o, err := orders.Create(ctx, order.CreateOrderInput{
		UserID: "u1", CampaignID: "cmp-1", Numbers: []int{3}, PaymentMethod: order.PaymentWallet,
	})
	require.NoError(t, err)

	require.NoError(t, svc.HandleExpireSweep(ctx, nil))

	got, err := orders.Get(ctx, o.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusHeld, got.Status)
}

func TestReconcileSweepFailsDeclinedOrder(t *testing.T) {
	svc, orders, pool, db, pv := newSweeper(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&campaign.Campaign{
		CampaignID: "cmp-1", Title: "T", TicketPrefix: "VU", TotalTickets: 10, TicketPriceUSD: 500, Status: campaign.StatusOpen,
	}).Error)

	o, err := orders.Create(ctx, order.CreateOrderInput{
		UserID: "u1", CampaignID: "cmp-1", Numbers: []int{3},
		PaymentMethod: order.PaymentMobileMoney, Phone: "+243991234567",
	})
	require.NoError(t, err)

	require.NoError(t, db.Model(&order.Order{}).
		Where("order_id = ?", o.OrderID).
		Update("created_at", time.Now().Add(-time.Hour)).Error)

	pv.status = provider.StatusFailed
	pv.description = "payer declined"

	require.NoError(t, svc.HandleReconcileSweep(ctx, nil))

	got, err := orders.Get(ctx, o.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusFailed, got.Status)
	require.Equal(t, "payer declined", got.FailureReason)

	free, err := pool.FreeNumbers(ctx, "cmp-1")
	require.NoError(t, err)
	require.Contains(t, free, 3)
}

func TestReconcileSweepLeavesAmbiguousOrdersHeld(t *testing.T) {
	svc, orders, _, db, _ := newSweeper(t)
	ctx := context.Background()

	require.NoError(t, db.Create(&campaign.Campaign{
		CampaignID: "cmp-1", Title: "T", TicketPrefix: "VU", TotalTickets: 10, TicketPriceUSD: 500, Status: campaign.StatusOpen,
	}).Error)

	o, err := orders.Create(ctx, order.CreateOrderInput{
		UserID: "u1", CampaignID: "cmp-1", Numbers: []int{3},
		PaymentMethod: order.PaymentMobileMoney, Phone: "+243991234567",
	})
	require.NoError(t, err)

	require.NoError(t, db.Model(&order.Order{}).
		Where("order_id = ?", o.OrderID).
		Update("created_at", time.Now().Add(-time.Hour)).Error)

	require.NoError(t, svc.HandleReconcileSweep(ctx, nil))

	got, err := orders.Get(ctx, o.OrderID)
	require.NoError(t, err)
	require.Equal(t, order.StatusHeld, got.Status)
}
