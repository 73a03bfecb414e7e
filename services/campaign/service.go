package campaign

import (
	"context"
	"time"

	"kolo-engine/pkg/errutil"
	"kolo-engine/pkg/repository"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db        *gorm.DB
	campaigns repository.Repository[Campaign]
}

type ServiceParams struct {
	fx.In
	DB *gorm.DB
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:        p.DB,
		campaigns: repository.ProvideStore[Campaign](p.DB),
	}
}

func (s *Service) Get(ctx context.Context, campaignID string) (*Campaign, error) {
	cmp, err := s.campaigns.FindOne(ctx, &Campaign{CampaignID: campaignID})
	if err != nil {
		zap.L().Error("failed to query campaign", zap.String("campaign_id", campaignID), zap.Error(err))
		return nil, err
	}
	if cmp == nil {
		return nil, errutil.NotFound("campaign not found", nil)
	}
	return cmp, nil
}

// GetOpen returns the campaign only when it is currently selling.
func (s *Service) GetOpen(ctx context.Context, campaignID string) (*Campaign, error) {
	cmp, err := s.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if !cmp.IsOpen(time.Now()) {
		return nil, errutil.UnprocessableEntity("campaign is not open for purchases", nil)
	}
	return cmp, nil
}

func (s *Service) ListOpen(ctx context.Context) ([]*Campaign, error) {
	return s.campaigns.Find(ctx, &Campaign{Status: StatusOpen})
}

func (s *Service) UpdateStatus(ctx context.Context, campaignID string, status Status) error {
	return s.campaigns.Update(ctx, campaignID, map[string]any{
		"status":     status,
		"updated_at": time.Now(),
	})
}
