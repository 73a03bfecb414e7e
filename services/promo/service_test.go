package promo

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

func newPromoService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db := testutil.NewTestDB(t, &PromoCode{})
	return NewService(ServiceParams{DB: db}), db
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

func TestValidatePercentageCappedByMaxDiscount(t *testing.T) {
	svc, db := newPromoService(t)
	require.NoError(t, db.Create(&PromoCode{
		ID:            "p1",
		Code:          "TEN",
		DiscountType:  DiscountPercentage,
		DiscountValue: 10,
		MaxDiscount:   int64Ptr(300),
		IsActive:      true,
	}).Error)

	// 10% of 5000 = 500, capped at 300.
	d, err := svc.Validate(context.Background(), "TEN", 500, 10)
	require.NoError(t, err)
	require.Equal(t, int64(300), d.Amount)

	// 10% of 1000 = 100, under the cap.
	d, err = svc.Validate(context.Background(), "TEN", 500, 2)
	require.NoError(t, err)
	require.Equal(t, int64(100), d.Amount)
}

func TestValidateFixedNeverExceedsSubtotal(t *testing.T) {
	svc, db := newPromoService(t)
	require.NoError(t, db.Create(&PromoCode{
		ID:            "p1",
		Code:          "BIG",
		DiscountType:  DiscountFixed,
		DiscountValue: 2000,
		IsActive:      true,
	}).Error)

	d, err := svc.Validate(context.Background(), "BIG", 500, 1)
	require.NoError(t, err)
	require.Equal(t, int64(500), d.Amount)
}

func TestValidateMinPurchase(t *testing.T) {
	svc, db := newPromoService(t)
	require.NoError(t, db.Create(&PromoCode{
		ID:            "p1",
		Code:          "MIN",
		DiscountType:  DiscountFixed,
		DiscountValue: 100,
		MinPurchase:   1500,
		IsActive:      true,
	}).Error)

	_, err := svc.Validate(context.Background(), "MIN", 500, 2)
	require.Error(t, err)

	d, err := svc.Validate(context.Background(), "MIN", 500, 3)
	require.NoError(t, err)
	require.Equal(t, int64(100), d.Amount)
}

func TestValidateRejectsInactiveExpiredExhaustedUnknown(t *testing.T) {
	svc, db := newPromoService(t)
	past := time.Now().Add(-time.Hour)
	require.NoError(t, db.Create(&PromoCode{
		ID: "p1", Code: "OFF", DiscountType: DiscountFixed, DiscountValue: 100, IsActive: false,
	}).Error)
	require.NoError(t, db.Create(&PromoCode{
		ID: "p2", Code: "OLD", DiscountType: DiscountFixed, DiscountValue: 100, IsActive: true, ExpiresAt: &past,
	}).Error)
	require.NoError(t, db.Create(&PromoCode{
		ID: "p3", Code: "USED", DiscountType: DiscountFixed, DiscountValue: 100, IsActive: true,
		UsageCount: 5, UsageLimit: intPtr(5),
	}).Error)

	ctx := context.Background()
	for _, code := range []string{"OFF", "OLD", "USED", "NOPE"} {
		_, err := svc.Validate(ctx, code, 500, 1)
		require.Error(t, err, code)
	}
}

func TestRedeemIncrementsAndGuardsLimit(t *testing.T) {
	svc, db := newPromoService(t)
	require.NoError(t, db.Create(&PromoCode{
		ID: "p1", Code: "ONE", DiscountType: DiscountFixed, DiscountValue: 100, IsActive: true,
		UsageLimit: intPtr(1),
	}).Error)

	ctx := context.Background()
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return svc.Redeem(ctx, tx, "ONE")
	}))

	var got PromoCode
	require.NoError(t, db.First(&got, "code = ?", "ONE").Error)
	require.Equal(t, 1, got.UsageCount)

	err := db.Transaction(func(tx *gorm.DB) error {
		return svc.Redeem(ctx, tx, "ONE")
	})
	require.Error(t, err)

	require.NoError(t, db.First(&got, "code = ?", "ONE").Error)
	require.Equal(t, 1, got.UsageCount)
}

func TestComputeDiscountNeverNegative(t *testing.T) {
	p := &PromoCode{DiscountType: DiscountFixed, DiscountValue: -50}
	require.Equal(t, int64(0), ComputeDiscount(p, 1000))
}
