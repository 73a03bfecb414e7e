package exchange

import (
	"context"
	"strconv"

	"kolo-engine/pkg/config"
	"kolo-engine/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// PairUSDCDF is the only pair the engine prices in.
const PairUSDCDF = "USD-CDF"

// Service resolves the USD→CDF rate used to price orders. The rate is
// snapshotted onto the order at creation; later changes never reprice
// existing orders.
type Service struct {
	rdb      *redis.Client
	fallback int64
}

type ServiceParams struct {
	fx.In
	Redis  *redis.Client
	Config *config.Config
}

func NewService(p ServiceParams) *Service {
	return &Service{
		rdb:      p.Redis,
		fallback: p.Config.Exchange.RateCDFPerUSD,
	}
}

// Snapshot returns the current CDF-per-USD rate. An operator-set rate in
// redis wins; otherwise the configured fallback applies. Redis being
// unreachable degrades to the fallback rather than blocking sales.
func (s *Service) Snapshot(ctx context.Context) int64 {
	val, err := s.rdb.Get(ctx, rediskey.BuildExchangeRateKey(PairUSDCDF)).Result()
	if err != nil {
		if err != redis.Nil {
			zap.L().Warn("exchange rate lookup failed, using fallback",
				zap.Int64("fallback", s.fallback),
				zap.Error(err),
			)
		}
		return s.fallback
	}

	rate, err := strconv.ParseInt(val, 10, 64)
	if err != nil || rate <= 0 {
		zap.L().Warn("malformed exchange rate in cache, using fallback",
			zap.String("value", val),
			zap.Int64("fallback", s.fallback),
		)
		return s.fallback
	}

	return rate
}

// SetRate stores an operator-set rate. No expiry; the rate stands until
// replaced.
func (s *Service) SetRate(ctx context.Context, rate int64) error {
	return s.rdb.Set(ctx, rediskey.BuildExchangeRateKey(PairUSDCDF), strconv.FormatInt(rate, 10), 0).Err()
}

// ConvertUSDToCDF converts minor-unit USD to minor-unit CDF at the
// given snapshot rate.
func ConvertUSDToCDF(amountUSD, rate int64) int64 {
	return amountUSD * rate
}
