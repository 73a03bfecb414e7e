package campaign

import (
	"context"
	"testing"
	"time"

	"kolo-engine/services/testutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newCampaignService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &Campaign{})
	return NewService(ServiceParams{DB: db}), db
}

func TestGet(t *testing.T) {
	svc, db := newCampaignService(t)
	require.NoError(t, db.Create(&Campaign{
		CampaignID: "cmp-1", Title: "T", TicketPrefix: "VU", TotalTickets: 40, TicketPriceUSD: 500, Status: StatusOpen,
	}).Error)

	cmp, err := svc.Get(context.Background(), "cmp-1")
	require.NoError(t, err)
	require.Equal(t, "T", cmp.Title)

	_, err = svc.Get(context.Background(), "nope")
	require.Error(t, err)
}

func TestGetOpenRejectsClosedAndOutOfWindow(t *testing.T) {
	svc, db := newCampaignService(t)
	future := time.Now().Add(time.Hour)
	past := time.Now().Add(-time.Hour)

	require.NoError(t, db.Create(&Campaign{
		CampaignID: "closed", Title: "T", TotalTickets: 10, TicketPriceUSD: 500, Status: StatusClosed,
	}).Error)
	require.NoError(t, db.Create(&Campaign{
		CampaignID: "not-started", Title: "T", TotalTickets: 10, TicketPriceUSD: 500, Status: StatusOpen, StartAt: &future,
	}).Error)
	require.NoError(t, db.Create(&Campaign{
		CampaignID: "ended", Title: "T", TotalTickets: 10, TicketPriceUSD: 500, Status: StatusOpen, EndAt: &past,
	}).Error)
	require.NoError(t, db.Create(&Campaign{
		CampaignID: "live", Title: "T", TotalTickets: 10, TicketPriceUSD: 500, Status: StatusOpen, StartAt: &past, EndAt: &future,
	}).Error)

	ctx := context.Background()
	for _, id := range []string{"closed", "not-started", "ended"} {
		_, err := svc.GetOpen(ctx, id)
		require.Error(t, err, id)
	}

	cmp, err := svc.GetOpen(ctx, "live")
	require.NoError(t, err)
	require.Equal(t, "live", cmp.CampaignID)
}

func TestUpdateStatus(t *testing.T) {
	svc, db := newCampaignService(t)
	require.NoError(t, db.Create(&Campaign{
		CampaignID: "cmp-1", Title: "T", TotalTickets: 10, TicketPriceUSD: 500, Status: StatusOpen,
	}).Error)

	require.NoError(t, svc.UpdateStatus(context.Background(), "cmp-1", StatusDrawn))

	cmp, err := svc.Get(context.Background(), "cmp-1")
	require.NoError(t, err)
	require.Equal(t, StatusDrawn, cmp.Status)
}
