package availability

import (
	"context"
	"encoding/json"
	"time"

	"kolo-engine/pkg/rediskey"
	"kolo-engine/services/campaign"
	"kolo-engine/services/ticketpool"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const snapshotTTL = 30 * time.Second

// Snapshot is the cached free-number view served to browsing clients.
// It is advisory only: reservation decisions never read it, so a stale
// snapshot can mislead a buyer but never double-sell a number.
type Snapshot struct {
	CampaignID  string    `json:"campaign_id"`
	FreeNumbers []int     `json:"free_numbers"`
	GeneratedAt time.Time `json:"generated_at"`
}

type Service struct {
	rdb       *redis.Client
	pool      *ticketpool.Service
	campaigns *campaign.Service
}

type ServiceParams struct {
	fx.In
	Redis     *redis.Client
	Pool      *ticketpool.Service
	Campaigns *campaign.Service
}

var Module = fx.Module("availability.service",
	fx.Provide(NewService),
)

func NewService(p ServiceParams) *Service {
	return &Service{
		rdb:       p.Redis,
		pool:      p.Pool,
		campaigns: p.Campaigns,
	}
}

// Get serves the cached snapshot, rebuilding on miss. Cache failures
// fall through to a direct pool read.
func (s *Service) Get(ctx context.Context, campaignID string) (*Snapshot, error) {
	key := rediskey.BuildAvailabilityKey(campaignID)

	val, err := s.rdb.Get(ctx, key).Result()
	if err == nil {
		var snap Snapshot
		if err := json.Unmarshal([]byte(val), &snap); err == nil {
			return &snap, nil
		}
	} else if err != redis.Nil {
		zap.L().Warn("availability cache read failed", zap.String("campaign_id", campaignID), zap.Error(err))
	}

	return s.Rebuild(ctx, campaignID)
}

// Rebuild recomputes the snapshot from pool state and stores it with a
// short TTL.
func (s *Service) Rebuild(ctx context.Context, campaignID string) (*Snapshot, error) {
	free, err := s.pool.FreeNumbers(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		CampaignID:  campaignID,
		FreeNumbers: free,
		GeneratedAt: time.Now(),
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}

	if err := s.rdb.Set(ctx, rediskey.BuildAvailabilityKey(campaignID), payload, snapshotTTL).Err(); err != nil {
		zap.L().Warn("availability cache write failed", zap.String("campaign_id", campaignID), zap.Error(err))
	}

	return snap, nil
}

// RebuildAll refreshes the snapshot of every open campaign. Driven by
// the availability:rebuild task.
func (s *Service) RebuildAll(ctx context.Context) error {
	open, err := s.campaigns.ListOpen(ctx)
	if err != nil {
		return err
	}
	for _, cmp := range open {
		if _, err := s.Rebuild(ctx, cmp.CampaignID); err != nil {
			zap.L().Error("availability rebuild failed", zap.String("campaign_id", cmp.CampaignID), zap.Error(err))
		}
	}
	return nil
}
