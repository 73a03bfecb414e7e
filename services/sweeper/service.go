package sweeper

import (
	"context"
	"time"

	"kolo-engine/pkg/config"
	"kolo-engine/pkg/task"
	"kolo-engine/pkg/taskname"
	"kolo-engine/services/availability"
	"kolo-engine/services/order"
	"kolo-engine/services/ticketpool"
	"kolo-engine/services/webhook"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("sweeper",
	fx.Provide(NewService),
	fx.Invoke(
		registerHandlers,
		registerScheduler,
	),
)

// Service owns the periodic maintenance passes: hold/order expiry,
// provider reconciliation and availability cache rebuilds. The
// scheduler only enqueues; the asynq handlers do the work so a slow
// pass never blocks the tick loop.
type Service struct {
	pool         *ticketpool.Service
	orders       *order.Service
	webhooks     *webhook.Service
	availability *availability.Service
}

type ServiceParams struct {
	fx.In
	Pool         *ticketpool.Service
	Orders       *order.Service
	Webhooks     *webhook.Service
	Availability *availability.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		pool:         p.Pool,
		orders:       p.Orders,
		webhooks:     p.Webhooks,
		availability: p.Availability,
	}
}

// HandleExpireSweep releases lapsed holds and expires their orders.
// Order expiry runs first so each order's release happens under its own
// transaction; the pool pass then catches holds with no order left.
func (s *Service) HandleExpireSweep(ctx context.Context, t *asynq.Task) error {
	expired, err := s.orders.ExpireStale(ctx)
	if err != nil {
		return err
	}

	released, err := s.pool.ExpireHolds(ctx)
	if err != nil {
		return err
	}

	if expired > 0 || released > 0 {
		zap.L().Info("expire sweep done",
			zap.Int("orders_expired", expired),
			zap.Int64("numbers_released", released),
		)
	}
	return nil
}

// HandleReconcileSweep polls the provider for stuck mobile-money orders.
func (s *Service) HandleReconcileSweep(ctx context.Context, t *asynq.Task) error {
	resolved, err := s.webhooks.Reconcile(ctx)
	if err != nil {
		return err
	}
	if resolved > 0 {
		zap.L().Info("reconcile sweep done", zap.Int("orders_resolved", resolved))
	}
	return nil
}

// HandleAvailabilityRebuild refreshes the free-number snapshots.
func (s *Service) HandleAvailabilityRebuild(ctx context.Context, t *asynq.Task) error {
	return s.availability.RebuildAll(ctx)
}

func registerHandlers(mux *asynq.ServeMux, s *Service) {
	mux.HandleFunc(taskname.OrderExpireSweep, s.HandleExpireSweep)
	mux.HandleFunc(taskname.OrderReconcileSweep, s.HandleReconcileSweep)
	mux.HandleFunc(taskname.AvailabilityRebuild, s.HandleAvailabilityRebuild)
}

func registerScheduler(lc fx.Lifecycle, cfg *config.Config, enqueuer task.Enqueuer) {
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				ticker := time.NewTicker(cfg.Sweeper.Interval)
				defer ticker.Stop()

				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						enqueue(enqueuer, taskname.OrderExpireSweep, "critical")
						enqueue(enqueuer, taskname.OrderReconcileSweep, "default")
						enqueue(enqueuer, taskname.AvailabilityRebuild, "low")
					}
				}
			}()
			zap.L().Info("sweeper started", zap.Duration("interval", cfg.Sweeper.Interval))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			close(done)
			return nil
		},
	})
}

func enqueue(enqueuer task.Enqueuer, name, queue string) {
	if _, err := enqueuer.Enqueue(asynq.NewTask(name, nil), asynq.Queue(queue), asynq.MaxRetry(0)); err != nil {
		zap.L().Error("failed to enqueue sweep task", zap.String("task", name), zap.Error(err))
	}
}
