package ticketpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"kolo-engine/pkg/config"
	"kolo-engine/services/campaign"
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

func newPoolService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()

	db := testutil.NewTestDB(t, &campaign.Campaign{}, &TicketNumber{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Pool.HoldTTL = time.Hour

	return NewService(ServiceParams{DB: db, Node: node, Config: cfg}), db
}

func seedCampaign(t *testing.T, db *gorm.DB, total int) *campaign.Campaign {
	t.Helper()

	cmp := &campaign.Campaign{
		CampaignID:     "cmp-" + t.Name(),
		Title:          "Test Campaign",
		TicketPrefix:   "VU",
		TotalTickets:   total,
		TicketPriceUSD: 500,
		Status:         campaign.StatusOpen,
	}
	require.NoError(t, db.Create(cmp).Error)
	return cmp
}

func TestReserveManual(t *testing.T) {
	svc, db := newPoolService(t)
	cmp := seedCampaign(t, db, 40)
	ctx := context.Background()

	res, err := svc.Reserve(ctx, cmp.CampaignID, Manual{Numbers: []int{7, 3}})
	require.NoError(t, err)
	require.Equal(t, []int{3, 7}, res.Numbers)
	require.NotEmpty(t, res.HoldID)
	require.WithinDuration(t, time.Now().Add(time.Hour), res.ExpiresAt, time.Minute)

	var rows []TicketNumber
	require.NoError(t, db.Where("hold_id = ?", res.HoldID).Find(&rows).Error)
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.Equal(t, NumberHeld, row.State)
	}
}

func TestReserveManualConflictReportsExactNumbers(t *testing.T) {
	svc, db := newPoolService(t)
	cmp := seedCampaign(t, db, 40)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, cmp.CampaignID, Manual{Numbers: []int{1, 2, 3}})
	require.NoError(t, err)

	_, err = svc.Reserve(ctx, cmp.CampaignID, Manual{Numbers: []int{2, 3, 4}})

	var unavailable ErrNumbersUnavailable
	require.ErrorAs(t, err, &unavailable)
	require.Equal(t, []int{2, 3}, unavailable.Unavailable)

	// All-or-nothing: 4 must still be free.
	res, err := svc.Reserve(ctx, cmp.CampaignID, Manual{Numbers: []int{4}})
	require.NoError(t, err)
	require.Equal(t, []int{4}, res.Numbers)
}

func TestReserveManualValidation(t *testing.T) {
	svc, db := newPoolService(t)
	cmp := seedCampaign(t, db, 10)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, cmp.CampaignID, Manual{Numbers: []int{0}})
	require.Error(t, err)

	_, err = svc.Reserve(ctx, cmp.CampaignID, Manual{Numbers: []int{11}})
	require.Error(t, err)

	_, err = svc.Reserve(ctx, cmp.CampaignID, Manual{Numbers: []int{5, 5}})
	require.Error(t, err)

	_, err = svc.Reserve(ctx, cmp.CampaignID, Manual{})
	require.Error(t, err)
}

func TestReserveClosedCampaign(t *testing.T) {
	svc, db := newPoolService(t)
	cmp := seedCampaign(t, db, 10)
	require.NoError(t, db.Model(&campaign.Campaign{}).
		Where("campaign_id = ?", cmp.CampaignID).
		Update("status", campaign.StatusClosed).Error)

	_, err := svc.Reserve(context.Background(), cmp.CampaignID, Automatic{Count: 1})
	require.Error(t, err)
}

func TestReserveAutomaticPartialFill(t *testing.T) {
	svc, db := newPoolService(t)
	cmp := seedCampaign(t, db, 5)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, cmp.CampaignID, Automatic{Count: 3})
	require.NoError(t, err)

	res, err := svc.Reserve(ctx, cmp.CampaignID, Automatic{Count: 4})

	var partial ErrInsufficientInventory
	require.ErrorAs(t, err, &partial)
	require.Equal(t, 2, partial.Shortfall)
	require.Len(t, partial.Reserved, 2)

	// The partial reservation is real and committable.
	require.NotNil(t, res)
	require.Len(t, res.Numbers, 2)
	require.NoError(t, svc.Commit(ctx, res.HoldID))
}

func TestReserveAutomaticExhausted(t *testing.T) {
	svc, db := newPoolService(t)
	cmp := seedCampaign(t, db, 2)
	ctx := context.Background()

	_, err := svc.Reserve(ctx, cmp.CampaignID, Automatic{Count: 2})
	require.NoError(t, err)

	res, err := svc.Reserve(ctx, cmp.CampaignID, Automatic{Count: 1})
	require.Nil(t, res)

	var partial ErrInsufficientInventory
	require.ErrorAs(t, err, &partial)
	require.Equal(t, 1, partial.Shortfall)
}

func TestConcurrentManualReserveSingleWinner(t *testing.T) {
	svc, db := newPoolService(t)
	cmp := seedCampaign(t, db, 10)
	ctx := context.Background()

	var wins int64
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			_, err := svc.Reserve(ctx, cmp.CampaignID, Manual{Numbers: []int{5}})
			if err == nil {
				atomic.AddInt64(&wins, 1)
				return nil
			}
			var unavailable ErrNumbersUnavailable
			if errors.As(err, &unavailable) {
				return nil
			}
			return err
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, int64(1), wins)

	var count int64
	require.NoError(t, db.Model(&TicketNumber{}).
		Where("campaign_id = ? AND number = ?", cmp.CampaignID, 5).
		Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestCommitIdempotent(t *testing.T) {
	svc, db := newPoolService(t)
	cmp := seedCampaign(t, db, 10)
	ctx := context.Background()

	res, err := svc.Reserve(ctx, cmp.CampaignID, Manual{Numbers: []int{1, 2}})
	require.NoError(t, err)

	require.NoError(t, svc.Commit(ctx, res.HoldID))
	require.NoError(t, svc.Commit(ctx, res.HoldID))

	var rows []TicketNumber
	require.NoError(t, db.Where("hold_id = ?", res.HoldID).Find(&rows).Error)
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.Equal(t, NumberIssued, row.State)
	}
}

func TestCommitUnknownHold(t *testing.T) {
	svc, db := newPoolService(t)
	seedCampaign(t, db, 10)

	err := svc.Commit(context.Background(), "nope")

	var notFound ErrHoldNotFound
	require.ErrorAs(t, err, &notFound)
}

func TestReleaseReturnsNumbersToPool(t *testing.T) {
	svc, db := newPoolService(t)
	cmp := seedCampaign(t, db, 10)
	ctx := context.Background()

	res, err := svc.Reserve(ctx, cmp.CampaignID, Manual{Numbers: []int{6}})
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, res.HoldID))
	require.NoError(t, svc.Release(ctx, res.HoldID))

	again, err := svc.Reserve(ctx, cmp.CampaignID, Manual{Numbers: []int{6}})
	require.NoError(t, err)
	require.Equal(t, []int{6}, again.Numbers)
}

func TestExpireHoldsFreesOnlyLapsedHolds(t *testing.T) {
	svc, db := newPoolService(t)
	cmp := seedCampaign(t, db, 10)
	ctx := context.Background()

	lapsed, err := svc.Reserve(ctx, cmp.CampaignID, Manual{Numbers: []int{1}})
	require.NoError(t, err)
	live, err := svc.Reserve(ctx, cmp.CampaignID, Manual{Numbers: []int{2}})
	require.NoError(t, err)
	issued, err := svc.Reserve(ctx, cmp.CampaignID, Manual{Numbers: []int{3}})
	require.NoError(t, err)
	require.NoError(t, svc.Commit(ctx, issued.HoldID))

	require.NoError(t, db.Model(&TicketNumber{}).
		Where("hold_id = ?", lapsed.HoldID).
		Update("hold_expires_at", time.Now().Add(-time.Minute)).Error)

	released, err := svc.ExpireHolds(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), released)

	free, err := svc.FreeNumbers(ctx, cmp.CampaignID)
	require.NoError(t, err)
	require.Contains(t, free, 1)
	require.NotContains(t, free, 2)
	require.NotContains(t, free, 3)

	var liveRows []TicketNumber
	require.NoError(t, db.Where("hold_id = ?", live.HoldID).Find(&liveRows).Error)
	require.Len(t, liveRows, 1)
	require.Equal(t, NumberHeld, liveRows[0].State)
}

func TestReserveFreesLapsedHoldsLazily(t *testing.T) {
	svc, db := newPoolService(t)
	cmp := seedCampaign(t, db, 10)
	ctx := context.Background()

	res, err := svc.Reserve(ctx, cmp.CampaignID, Manual{Numbers: []int{9}})
	require.NoError(t, err)

	require.NoError(t, db.Model(&TicketNumber{}).
		Where("hold_id = ?", res.HoldID).
		Update("hold_expires_at", time.Now().Add(-time.Minute)).Error)

	again, err := svc.Reserve(ctx, cmp.CampaignID, Manual{Numbers: []int{9}})
	require.NoError(t, err)
	require.Equal(t, []int{9}, again.Numbers)
}

func TestCommitClosesCampaignWhenSoldOut(t *testing.T) {
	svc, db := newPoolService(t)
	cmp := seedCampaign(t, db, 2)
	ctx := context.Background()

	res, err := svc.Reserve(ctx, cmp.CampaignID, Manual{Numbers: []int{1, 2}})
	require.NoError(t, err)
	require.NoError(t, svc.Commit(ctx, res.HoldID))

	var got campaign.Campaign
	require.NoError(t, db.First(&got, "campaign_id = ?", cmp.CampaignID).Error)
	require.Equal(t, campaign.StatusClosed, got.Status)

	sold, err := svc.SoldCount(ctx, cmp.CampaignID)
	require.NoError(t, err)
	require.Equal(t, int64(2), sold)
}

func TestFormat(t *testing.T) {
	tests := []struct {
		prefix string
		number int
		total  int
		want   string
	}{
		{"VU", 3, 40, "KVU-03"},
		{"VU", 40, 40, "KVU-40"},
		{"X", 7, 5, "KX-07"},
		{"AB", 12, 1500, "KAB-0012"},
		{"Z", 1, 100, "KZ-001"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Format(tt.prefix, tt.number, tt.total))
	}
}
