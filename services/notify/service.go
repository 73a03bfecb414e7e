package notify

import (
	"context"
	"encoding/json"

	"kolo-engine/pkg/task"
	"kolo-engine/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// OrderEvent is the payload emitted on terminal order transitions. The
// notification service downstream owns delivery and formatting.
type OrderEvent struct {
	OrderID    string `json:"order_id"`
	OrderCode  string `json:"order_code"`
	UserID     string `json:"user_id"`
	CampaignID string `json:"campaign_id"`
	Numbers    []int  `json:"numbers"`
	TotalCDF   int64  `json:"total_cdf"`
	Reason     string `json:"reason,omitempty"`
}

// Publisher emits order lifecycle events. Emission is best-effort; a
// queue outage never rolls back a settled order.
type Publisher interface {
	OrderCompleted(ctx context.Context, event OrderEvent)
	OrderFailed(ctx context.Context, event OrderEvent)
}

var Module = fx.Module("notify.service",
	fx.Provide(NewService),
)

type Service struct {
	enqueuer task.Enqueuer
}

type ServiceParams struct {
	fx.In
	Enqueuer task.Enqueuer
}

func NewService(p ServiceParams) Publisher {
	return &Service{enqueuer: p.Enqueuer}
}

func (s *Service) OrderCompleted(ctx context.Context, event OrderEvent) {
	s.publish(taskname.OrderCompletedEvent, event)
}

func (s *Service) OrderFailed(ctx context.Context, event OrderEvent) {
	s.publish(taskname.OrderFailedEvent, event)
}

func (s *Service) publish(name string, event OrderEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		zap.L().Error("failed to marshal order event", zap.String("task", name), zap.Error(err))
		return
	}

	if _, err := s.enqueuer.Enqueue(asynq.NewTask(name, payload), asynq.Queue("low")); err != nil {
		zap.L().Error("failed to enqueue order event",
			zap.String("task", name),
			zap.String("order_id", event.OrderID),
			zap.Error(err),
		)
	}
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) OrderCompleted(context.Context, OrderEvent) {}
func (NopPublisher) OrderFailed(context.Context, OrderEvent)    {}
