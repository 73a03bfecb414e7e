package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"kolo-engine/pkg/config"
	"kolo-engine/pkg/errutil"
	"kolo-engine/pkg/logger"
	"kolo-engine/pkg/provider"
	"kolo-engine/pkg/repository"
	"kolo-engine/services/order"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	secret   string
	timeout  time.Duration
	orders   *order.Service
	provider provider.Client

	events repository.Repository[WebhookEvent]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Config   *config.Config
	Orders   *order.Service
	Provider provider.Client
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:       p.DB,
		node:     p.Node,
		secret:   p.Config.Provider.WebhookSecret,
		timeout:  p.Config.Sweeper.ProviderTimeout,
		orders:   p.Orders,
		provider: p.Provider,
		events:   repository.ProvideStore[WebhookEvent](p.DB),
	}
}

// Ingest records and applies one provider delivery. Redelivery of an
// already-processed transaction is a success no-op. A delivery that
// cannot be applied yet (order missing) returns an error so the
// provider retries; the stored event stays unprocessed and the retry
// picks it up.
func (s *Service) Ingest(ctx context.Context, providerName string, signature string, raw []byte) error {
	if err := s.verifySignature(signature, raw); err != nil {
		return err
	}

	var body payload
	if err := json.Unmarshal(raw, &body); err != nil {
		return errutil.BadRequest("malformed webhook payload", nil)
	}
	if body.TransactionID == "" {
		return errutil.BadRequest("webhook payload missing transaction id", nil)
	}

	event := &WebhookEvent{
		ID:                    s.node.Generate().String(),
		Provider:              providerName,
		ProviderTransactionID: body.TransactionID,
		OrderReference:        body.Reference,
		RawPayload:            raw,
		ReceivedAt:            time.Now(),
	}

	insert := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(event)
	if insert.Error != nil {
		return insert.Error
	}

	if insert.RowsAffected == 0 {
		existing, err := s.events.FindOne(ctx, &WebhookEvent{ProviderTransactionID: body.TransactionID})
		if err != nil {
			return err
		}
		if existing != nil && existing.Processed {
			zap.L().Info("duplicate webhook ignored",
				zap.String("provider", providerName),
				zap.String("provider_transaction_id", body.TransactionID),
			)
			return nil
		}
		// Unprocessed redelivery: keep the stored row, reapply below.
		if existing != nil {
			event = existing
		}
	}

	return s.apply(ctx, event, body)
}

func (s *Service) apply(ctx context.Context, event *WebhookEvent, body payload) error {
	status := provider.NormalizeStatus(body.TransStatus)
	if status == provider.StatusUnknown {
		status = provider.NormalizeStatus(body.Status)
	}

	o, err := s.resolveOrder(ctx, body)
	if err != nil {
		return err
	}
	if o == nil {
		// The order row may not be visible yet; ask the provider to
		// redeliver rather than losing the outcome.
		zap.L().Warn("no order found for webhook",
			zap.String("provider_transaction_id", event.ProviderTransactionID),
			zap.String("reference", body.Reference),
		)
		return errutil.Internal("no order found for webhook", nil)
	}

	// The order transition and the processed flip commit together, so a
	// crash can never leave an issued ticket behind an unmarked event or
	// a marked event without its transition.
	switch status {
	case provider.StatusCompleted:
		var completed *order.Order
		var emit bool
		err := s.db.Transaction(func(tx *gorm.DB) error {
			var txErr error
			completed, emit, txErr = s.orders.CompleteFromProviderTx(ctx, tx, o.OrderID)
			if txErr != nil {
				var invalid order.ErrInvalidTransition
				if errors.As(txErr, &invalid) {
					return s.markProcessedTx(ctx, tx, event, "inconsistent: "+invalid.Error())
				}
				return txErr
			}
			return s.markProcessedTx(ctx, tx, event, "completed")
		})
		if err != nil {
			return err
		}
		if emit {
			s.orders.NotifyCompleted(ctx, completed)
		}
		return nil

	case provider.StatusFailed:
		reason := body.TransStatusDescription
		if reason == "" {
			reason = "provider reported failure"
		}
		var failed *order.Order
		var emit bool
		err := s.db.Transaction(func(tx *gorm.DB) error {
			var txErr error
			failed, emit, txErr = s.orders.FailFromProviderTx(ctx, tx, o.OrderID, reason)
			if txErr != nil {
				var invalid order.ErrInvalidTransition
				if errors.As(txErr, &invalid) {
					return s.markProcessedTx(ctx, tx, event, "inconsistent: "+invalid.Error())
				}
				return txErr
			}
			return s.markProcessedTx(ctx, tx, event, "failed")
		})
		if err != nil {
			return err
		}
		if emit {
			s.orders.NotifyFailed(ctx, failed, reason)
		}
		return nil

	default:
		// Interim notification; the final outcome comes later.
		return s.markProcessed(ctx, event, "ignored interim status "+string(status))
	}
}

func (s *Service) resolveOrder(ctx context.Context, body payload) (*order.Order, error) {
	o, err := s.orders.FindByProviderReference(ctx, body.TransactionID)
	if err != nil {
		return nil, err
	}
	if o != nil {
		return o, nil
	}
	if body.Reference == "" {
		return nil, nil
	}
	return s.orders.FindByCode(ctx, body.Reference)
}

func (s *Service) markProcessed(ctx context.Context, event *WebhookEvent, result string) error {
	return s.markProcessedTx(ctx, nil, event, result)
}

func (s *Service) markProcessedTx(ctx context.Context, tx *gorm.DB, event *WebhookEvent, result string) error {
	if result != "completed" && result != "failed" {
		zap.L().With(logger.TraceFields(ctx)...).Warn("webhook processed with audit note",
			zap.String("provider_transaction_id", event.ProviderTransactionID),
			zap.String("result", result),
		)
	}
	return s.events.WithTrx(tx).Update(ctx, event.ID, map[string]any{
		"processed":         true,
		"processing_result": result,
		"updated_at":        time.Now(),
	})
}

// verifySignature checks the HMAC-SHA256 hex signature when a webhook
// secret is configured. No secret means the deployment trusts the
// network path instead.
func (s *Service) verifySignature(signature string, raw []byte) error {
	if s.secret == "" {
		return nil
	}
	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write(raw)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return errutil.Unauthorized("invalid webhook signature", nil)
	}
	return nil
}

// Reconcile queries the provider for held mobile-money orders older
// than the provider timeout. Only definitive answers transition the
// order; unknown or unreachable leaves it held for the next pass.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.timeout)
	stuck, err := s.orders.ListHeldMobileMoneyBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, o := range stuck {
		reference := o.OrderCode
		if o.ProviderReference != nil {
			reference = *o.ProviderReference
		}

		result, err := s.provider.CheckStatus(ctx, reference)
		if err != nil {
			zap.L().Warn("reconciliation ambiguous, leaving order held",
				zap.String("order_id", o.OrderID),
				zap.Error(err),
			)
			continue
		}

		switch result.Status {
		case provider.StatusCompleted:
			if _, err := s.orders.CompleteFromProvider(ctx, o.OrderID); err != nil {
				zap.L().Error("reconciliation completion failed", zap.String("order_id", o.OrderID), zap.Error(err))
				continue
			}
			resolved++
		case provider.StatusFailed:
			reason := result.Description
			if reason == "" {
				reason = "provider reported failure during reconciliation"
			}
			if err := s.orders.FailFromProvider(ctx, o.OrderID, reason); err != nil {
				zap.L().Error("reconciliation failure transition failed", zap.String("order_id", o.OrderID), zap.Error(err))
				continue
			}
			resolved++
		default:
			zap.L().Info("reconciliation inconclusive, leaving order held",
				zap.String("order_id", o.OrderID),
				zap.String("status", string(result.Status)),
			)
		}
	}
	return resolved, nil
}
