package promo

import (
	"context"
	"time"

	"kolo-engine/pkg/db/option"
	"kolo-engine/pkg/errutil"
	"kolo-engine/pkg/repository"

	"go.uber.org/fx"
	"gorm.io/gorm"
)

type Service struct {
	db     *gorm.DB
	promos repository.Repository[PromoCode]
}

type ServiceParams struct {
	fx.In
	DB *gorm.DB
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		promos: repository.ProvideStore[PromoCode](p.DB),
	}
}

// Validate checks a code against an order's subtotal and returns the
// discount it would grant. Pure read; redemption happens later inside
// the order transaction.
func (s *Service) Validate(ctx context.Context, code string, unitPrice int64, count int) (*Discount, error) {
	p, err := s.promos.FindOne(ctx, &PromoCode{Code: code})
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errutil.NotFound("promo code not found", nil)
	}
	if !p.IsActive {
		return nil, errutil.UnprocessableEntity("promo code is not active", nil)
	}
	if p.ExpiresAt != nil && p.ExpiresAt.Before(time.Now()) {
		return nil, errutil.UnprocessableEntity("promo code has expired", nil)
	}
	if p.UsageLimit != nil && p.UsageCount >= *p.UsageLimit {
		return nil, errutil.UnprocessableEntity("promo code usage limit reached", nil)
	}

	subtotal := unitPrice * int64(count)
	if subtotal < p.MinPurchase {
		return nil, errutil.UnprocessableEntity("order is below the promo code minimum purchase", nil)
	}

	return &Discount{Code: p.Code, Amount: ComputeDiscount(p, subtotal)}, nil
}

// Redeem increments the code's usage inside the caller's transaction,
// re-checking the limit under lock so two orders cannot spend the last
// use.
func (s *Service) Redeem(ctx context.Context, tx *gorm.DB, code string) error {
	p, err := s.promos.WithTrx(tx).FindOne(ctx, &PromoCode{Code: code}, option.WithLockingUpdate())
	if err != nil {
		return err
	}
	if p == nil {
		return errutil.NotFound("promo code not found", nil)
	}
	if p.UsageLimit != nil && p.UsageCount >= *p.UsageLimit {
		return errutil.UnprocessableEntity("promo code usage limit reached", nil)
	}

	return tx.WithContext(ctx).
		Model(&PromoCode{}).
		Where("code = ?", code).
		Updates(map[string]any{
			"usage_count": gorm.Expr("usage_count + 1"),
			"updated_at":  time.Now(),
		}).Error
}
