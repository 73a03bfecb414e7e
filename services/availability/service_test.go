package availability

import (
	"context"
	"testing"
	"time"

	"kolo-engine/pkg/config"
	"kolo-engine/services/campaign"
	"kolo-engine/services/testutil"
	"kolo-engine/services/ticketpool"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// The cache is pointed at a closed port: every read misses and every
// write fails, which is exactly the degraded mode the projection must
// survive.
func TestGetFallsThroughToPoolWhenCacheUnavailable(t *testing.T) {
	db := testutil.NewTestDB(t, &campaign.Campaign{}, &ticketpool.TicketNumber{})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Pool.HoldTTL = time.Hour

	pool := ticketpool.NewService(ticketpool.ServiceParams{DB: db, Node: node, Config: cfg})
	campaigns := campaign.NewService(campaign.ServiceParams{DB: db})

	svc := NewService(ServiceParams{
		Redis: redis.NewClient(&redis.Options{
			Addr:       "127.0.0.1:1",
			MaxRetries: -1,
		}),
		Pool:      pool,
		Campaigns: campaigns,
	})

	require.NoError(t, db.Create(&campaign.Campaign{
		CampaignID: "cmp-1", Title: "T", TicketPrefix: "VU", TotalTickets: 5, TicketPriceUSD: 500, Status: campaign.StatusOpen,
	}).Error)

	ctx := context.Background()
	_, err = pool.Reserve(ctx, "cmp-1", ticketpool.Manual{Numbers: []int{2, 4}})
	require.NoError(t, err)

	snap, err := svc.Get(ctx, "cmp-1")
	require.NoError(t, err)
	require.Equal(t, "cmp-1", snap.CampaignID)
	require.Equal(t, []int{1, 3, 5}, snap.FreeNumbers)
}
