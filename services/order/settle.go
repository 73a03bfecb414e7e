package order

import (
	"context"
	"time"

	"kolo-engine/pkg/db/option"
	"kolo-engine/pkg/errutil"
	"kolo-engine/pkg/logger"
	"kolo-engine/pkg/provider"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SettleWithWallet debits the buyer's wallet and issues the tickets in
// one transaction. Insufficient funds rolls everything back and leaves
// the order held with its reservation intact.
func (s *Service) SettleWithWallet(ctx context.Context, orderID, userID string) (*Order, error) {
	var settled *Order
	var emit bool

	err := s.db.Transaction(func(tx *gorm.DB) error {
		o, err := s.lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return errutil.NotFound("order not found", nil)
		}
		if o.Status == StatusCompleted {
			settled = o
			return nil
		}
		if o.Status != StatusHeld {
			return errutil.UnprocessableEntity("order is not payable", nil)
		}
		if o.holdExpired(time.Now()) {
			return errutil.UnprocessableEntity("order hold has expired", nil)
		}

		if _, err := s.wallets.DebitTx(ctx, tx, o.UserID, o.TotalCDF, o.OrderID, "ticket purchase "+o.OrderCode); err != nil {
			return err
		}

		if err := s.pool.CommitTx(ctx, tx, o.HoldID); err != nil {
			return err
		}

		if o.PromoCode != nil {
			if err := s.promos.Redeem(ctx, tx, *o.PromoCode); err != nil {
				return err
			}
		}

		settled, err = s.complete(ctx, tx, o)
		emit = err == nil
		return err
	})
	if err != nil {
		return nil, err
	}

	if emit {
		s.events.OrderCompleted(ctx, settled.event(""))
	}
	return settled, nil
}

// RequestProviderCharge submits the mobile-money charge. The final
// outcome arrives by webhook; a synchronous submit failure fails the
// order and releases its numbers immediately. The order row stays
// locked from the idempotency check through the reference write, so a
// concurrent submit blocks and then sees the stored reference instead
// of charging twice.
func (s *Service) RequestProviderCharge(ctx context.Context, orderID, userID string) (*Order, error) {
	var o *Order
	var submitted bool
	var chargeErr error

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		o, err = s.lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.UserID != userID {
			return errutil.NotFound("order not found", nil)
		}
		if o.PaymentMethod != PaymentMobileMoney {
			return errutil.UnprocessableEntity("order is not a mobile money order", nil)
		}
		if o.ProviderReference != nil {
			return nil
		}
		if o.Status != StatusHeld {
			return errutil.UnprocessableEntity("order is not payable", nil)
		}
		if o.holdExpired(time.Now()) {
			return errutil.UnprocessableEntity("order hold has expired", nil)
		}

		var result *provider.ChargeResult
		result, chargeErr = s.provider.RequestCharge(ctx, provider.Charge{
			Phone:     o.Phone,
			Amount:    o.TotalCDF,
			Currency:  "CDF",
			Reference: o.OrderCode,
		})
		if chargeErr != nil {
			// Nothing written yet; the failure transition happens
			// outside this transaction to avoid self-deadlock on the
			// order row.
			return nil
		}

		if err := s.orders.WithTrx(tx).Update(ctx, o.OrderID, map[string]any{
			"provider_reference": result.ProviderReference,
			"updated_at":         time.Now(),
		}); err != nil {
			return err
		}
		o.ProviderReference = &result.ProviderReference
		submitted = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if chargeErr != nil {
		if failErr := s.FailFromProvider(ctx, o.OrderID, "provider charge submission failed"); failErr != nil {
			zap.L().Error("failed to fail order after provider error",
				zap.String("order_id", o.OrderID),
				zap.Error(failErr),
			)
		}
		return nil, ErrProviderUnavailable{Err: chargeErr}
	}

	if submitted {
		zap.L().Info("provider charge submitted",
			zap.String("order_id", o.OrderID),
			zap.String("provider_reference", *o.ProviderReference),
		)
	}
	return o, nil
}

// CompleteFromProvider finalizes an order on a confirmed provider
// payment. Idempotent: a redelivered confirmation is a no-op. Arriving
// after the order left held state is an invariant violation reported as
// ErrInvalidTransition.
func (s *Service) CompleteFromProvider(ctx context.Context, orderID string) (*Order, error) {
	var completed *Order
	var emit bool

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		completed, emit, txErr = s.CompleteFromProviderTx(ctx, tx, orderID)
		return txErr
	})
	if err != nil {
		return nil, err
	}

	if emit {
		s.NotifyCompleted(ctx, completed)
	}
	return completed, nil
}

// CompleteFromProviderTx is CompleteFromProvider inside the caller's
// transaction, so the caller can flip its own bookkeeping atomically
// with the order. The transitioned flag tells the caller to invoke
// NotifyCompleted once its transaction commits.
func (s *Service) CompleteFromProviderTx(ctx context.Context, tx *gorm.DB, orderID string) (*Order, bool, error) {
	o, err := s.lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, false, err
	}
	if o.Status == StatusCompleted {
		return o, false, nil
	}
	if o.Status != StatusHeld {
		return nil, false, ErrInvalidTransition{OrderID: o.OrderID, From: o.Status, To: StatusCompleted}
	}

	if err := s.pool.CommitTx(ctx, tx, o.HoldID); err != nil {
		return nil, false, err
	}

	if o.PromoCode != nil {
		if err := s.promos.Redeem(ctx, tx, *o.PromoCode); err != nil {
			return nil, false, err
		}
	}

	completed, err := s.complete(ctx, tx, o)
	if err != nil {
		return nil, false, err
	}
	return completed, true, nil
}

// FailFromProvider releases the order's numbers and records the failure.
// Idempotent for already-terminal failure states; failing a completed
// order is an invariant violation.
func (s *Service) FailFromProvider(ctx context.Context, orderID, reason string) error {
	var failed *Order
	var emit bool

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var txErr error
		failed, emit, txErr = s.FailFromProviderTx(ctx, tx, orderID, reason)
		return txErr
	})
	if err != nil {
		return err
	}

	if emit {
		s.NotifyFailed(ctx, failed, reason)
	}
	return nil
}

// FailFromProviderTx is FailFromProvider inside the caller's
// transaction. Same contract as CompleteFromProviderTx.
func (s *Service) FailFromProviderTx(ctx context.Context, tx *gorm.DB, orderID, reason string) (*Order, bool, error) {
	o, err := s.lockOrder(ctx, tx, orderID)
	if err != nil {
		return nil, false, err
	}
	switch o.Status {
	case StatusFailed, StatusExpired:
		return o, false, nil
	case StatusHeld, StatusPending:
	default:
		return nil, false, ErrInvalidTransition{OrderID: o.OrderID, From: o.Status, To: StatusFailed}
	}

	if err := s.pool.ReleaseTx(ctx, tx, o.HoldID); err != nil {
		return nil, false, err
	}

	if err := s.orders.WithTrx(tx).Update(ctx, o.OrderID, map[string]any{
		"status":         StatusFailed,
		"failure_reason": reason,
		"updated_at":     time.Now(),
	}); err != nil {
		return nil, false, err
	}

	o.Status = StatusFailed
	o.FailureReason = reason
	return o, true, nil
}

// NotifyCompleted publishes the completion event. Callers of the Tx
// variants call it after their transaction commits.
func (s *Service) NotifyCompleted(ctx context.Context, o *Order) {
	s.events.OrderCompleted(ctx, o.event(""))
}

// NotifyFailed publishes the failure event.
func (s *Service) NotifyFailed(ctx context.Context, o *Order, reason string) {
	zap.L().With(logger.TraceFields(ctx)...).Info("order failed",
		zap.String("order_id", o.OrderID),
		zap.String("reason", reason),
	)
	s.events.OrderFailed(ctx, o.event(reason))
}

// Refund is the audited administrative completed→refunded transition.
// The refund credits the wallet for the amount actually collected; the
// issued numbers stay issued and are never resold.
func (s *Service) Refund(ctx context.Context, orderID, adminID, reason string) (*Order, error) {
	var refunded *Order

	err := s.db.Transaction(func(tx *gorm.DB) error {
		o, err := s.lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.Status == StatusRefunded {
			refunded = o
			return nil
		}
		if o.Status != StatusCompleted {
			return errutil.UnprocessableEntity("only completed orders can be refunded", nil)
		}

		reference, err := s.sequence.NextWalletReference(ctx)
		if err != nil {
			return err
		}

		if _, err := s.wallets.CreditTx(ctx, tx, o.UserID, o.TotalCDF, &o.OrderID, reference, "refund "+o.OrderCode+": "+reason); err != nil {
			return err
		}

		now := time.Now()
		if err := s.orders.WithTrx(tx).Update(ctx, o.OrderID, map[string]any{
			"status":        StatusRefunded,
			"refunded_by":   adminID,
			"refund_reason": reason,
			"refunded_at":   now,
			"updated_at":    now,
		}); err != nil {
			return err
		}

		o.Status = StatusRefunded
		o.RefundedBy = &adminID
		o.RefundReason = reason
		o.RefundedAt = &now
		refunded = o

		zap.L().Info("order refunded",
			zap.String("order_id", o.OrderID),
			zap.String("admin_id", adminID),
			zap.Int64("amount_cdf", o.TotalCDF),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return refunded, nil
}

// ExpireStale transitions held orders whose hold lapsed to expired and
// releases their numbers. Driven by the sweep; idempotent per order.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	now := time.Now()
	stale, err := s.orders.Find(ctx, &Order{Status: StatusHeld},
		option.ApplyOperator(option.Condition{Field: "hold_expires_at", Operator: option.LT, Value: now}),
	)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, o := range stale {
		if err := s.expireOne(ctx, o.OrderID); err != nil {
			zap.L().Error("failed to expire order", zap.String("order_id", o.OrderID), zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}

func (s *Service) expireOne(ctx context.Context, orderID string) error {
	var emit bool
	var o *Order

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var err error
		o, err = s.lockOrder(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if o.Status != StatusHeld || !o.holdExpired(time.Now()) {
			return nil
		}

		if err := s.pool.ReleaseTx(ctx, tx, o.HoldID); err != nil {
			return err
		}

		if err := s.orders.WithTrx(tx).Update(ctx, o.OrderID, map[string]any{
			"status":         StatusExpired,
			"failure_reason": "hold expired",
			"updated_at":     time.Now(),
		}); err != nil {
			return err
		}

		emit = true
		return nil
	})
	if err != nil {
		return err
	}

	if emit {
		zap.L().Info("order expired", zap.String("order_id", o.OrderID))
		s.events.OrderFailed(ctx, o.event("hold expired"))
	}
	return nil
}

// ListHeldMobileMoneyBefore returns held mobile-money orders created
// before the cutoff with a submitted provider charge, for the
// reconciliation sweep.
func (s *Service) ListHeldMobileMoneyBefore(ctx context.Context, cutoff time.Time) ([]*Order, error) {
	return s.orders.Find(ctx, &Order{Status: StatusHeld, PaymentMethod: PaymentMobileMoney},
		option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.LT, Value: cutoff}),
	)
}

func (s *Service) lockOrder(ctx context.Context, tx *gorm.DB, orderID string) (*Order, error) {
	o, err := s.orders.WithTrx(tx).FindOne(ctx, &Order{OrderID: orderID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, errutil.NotFound("order not found", nil)
	}
	return o, nil
}

func (s *Service) complete(ctx context.Context, tx *gorm.DB, o *Order) (*Order, error) {
	now := time.Now()
	if err := s.orders.WithTrx(tx).Update(ctx, o.OrderID, map[string]any{
		"status":       StatusCompleted,
		"completed_at": now,
		"updated_at":   now,
	}); err != nil {
		return nil, err
	}

	o.Status = StatusCompleted
	o.CompletedAt = &now

	zap.L().With(logger.TraceFields(ctx)...).Info("order completed",
		zap.String("order_id", o.OrderID),
		zap.String("order_code", o.OrderCode),
		zap.Int64("total_cdf", o.TotalCDF),
	)
	return o, nil
}
