package order

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"kolo-engine/pkg/errutil"
	"kolo-engine/pkg/provider"
	"kolo-engine/pkg/repository"
	"kolo-engine/pkg/sequence"
	"kolo-engine/services/campaign"
	"kolo-engine/services/exchange"
	"kolo-engine/services/notify"
	"kolo-engine/services/promo"
	"kolo-engine/services/ticketpool"
	"kolo-engine/services/wallet"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	MinTicketsPerOrder = 1
	MaxTicketsPerOrder = 10
)

var phonePattern = regexp.MustCompile(`^\+?[0-9]{9,15}$`)

// RateSource is the slice of the exchange service the order flow needs.
type RateSource interface {
	Snapshot(ctx context.Context) int64
}

type Service struct {
	db       *gorm.DB
	node     *snowflake.Node
	sequence sequence.Generator

	campaigns *campaign.Service
	pool      *ticketpool.Service
	promos    *promo.Service
	wallets   *wallet.Service
	rates     RateSource
	provider  provider.Client
	events    notify.Publisher

	orders repository.Repository[Order]
}

type ServiceParams struct {
	fx.In
	DB        *gorm.DB
	Node      *snowflake.Node
	Sequence  sequence.Generator
	Campaigns *campaign.Service
	Pool      *ticketpool.Service
	Promos    *promo.Service
	Wallets   *wallet.Service
	Rates     RateSource
	Provider  provider.Client
	Events    notify.Publisher
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		sequence:  p.Sequence,
		campaigns: p.Campaigns,
		pool:      p.Pool,
		promos:    p.Promos,
		wallets:   p.Wallets,
		rates:     p.Rates,
		provider:  p.Provider,
		events:    p.Events,
		orders:    repository.ProvideStore[Order](p.DB),
	}
}

// Create reserves numbers and writes the order in held state with all
// pricing inputs snapshotted. A partial automatic fill persists the
// order for the numbers actually reserved and returns
// ticketpool.ErrInsufficientInventory alongside it.
func (s *Service) Create(ctx context.Context, in CreateOrderInput) (*Order, error) {
	mode, sel, count, err := buildSelection(in)
	if err != nil {
		return nil, err
	}
	if count < MinTicketsPerOrder || count > MaxTicketsPerOrder {
		return nil, errutil.BadRequest("ticket count must be between 1 and 10", nil)
	}

	switch in.PaymentMethod {
	case PaymentWallet:
	case PaymentMobileMoney:
		if !phonePattern.MatchString(in.Phone) {
			return nil, errutil.BadRequest("phone number must match +?[0-9]{9,15}", nil)
		}
	default:
		return nil, errutil.BadRequest("unsupported payment method", nil)
	}

	cmp, err := s.campaigns.GetOpen(ctx, in.CampaignID)
	if err != nil {
		return nil, err
	}

	res, resErr := s.pool.Reserve(ctx, in.CampaignID, sel)
	if res == nil {
		return nil, resErr
	}

	// Price on what was actually reserved; a partial fill shrinks the
	// order rather than charging for unfilled tickets.
	reserved := len(res.Numbers)
	subtotal := cmp.TicketPriceUSD * int64(reserved)

	var promoCode *string
	var discount int64
	if in.PromoCode != "" {
		d, err := s.promos.Validate(ctx, in.PromoCode, cmp.TicketPriceUSD, reserved)
		if err != nil {
			s.releaseQuietly(ctx, res.HoldID)
			return nil, err
		}
		promoCode = &d.Code
		discount = d.Amount
	}

	total := subtotal - discount
	rate := s.rates.Snapshot(ctx)

	orderCode, err := s.sequence.NextOrderCode(ctx)
	if err != nil {
		s.releaseQuietly(ctx, res.HoldID)
		return nil, err
	}
	invoiceCode, err := s.sequence.NextInvoiceCode(ctx)
	if err != nil {
		s.releaseQuietly(ctx, res.HoldID)
		return nil, err
	}

	numbersJSON, err := json.Marshal(res.Numbers)
	if err != nil {
		s.releaseQuietly(ctx, res.HoldID)
		return nil, err
	}

	expiresAt := res.ExpiresAt
	o := &Order{
		OrderID:       s.node.Generate().String(),
		OrderCode:     orderCode,
		InvoiceCode:   invoiceCode,
		UserID:        in.UserID,
		CampaignID:    in.CampaignID,
		SelectionMode: mode,
		PaymentMethod: in.PaymentMethod,
		Phone:         in.Phone,
		Count:         reserved,
		TicketNumbers: numbersJSON,
		UnitPriceUSD:  cmp.TicketPriceUSD,
		SubtotalUSD:   subtotal,
		PromoCode:     promoCode,
		DiscountUSD:   discount,
		TotalUSD:      total,
		ExchangeRate:  rate,
		TotalCDF:      exchange.ConvertUSDToCDF(total, rate),
		Status:        StatusHeld,
		HoldID:        res.HoldID,
		HoldExpiresAt: &expiresAt,
	}
	if err := s.orders.Create(ctx, o); err != nil {
		s.releaseQuietly(ctx, res.HoldID)
		return nil, err
	}

	zap.L().Info("order created",
		zap.String("order_id", o.OrderID),
		zap.String("order_code", o.OrderCode),
		zap.String("campaign_id", o.CampaignID),
		zap.Int("count", o.Count),
		zap.Int64("total_cdf", o.TotalCDF),
	)
	return o, resErr
}

func buildSelection(in CreateOrderInput) (SelectionMode, ticketpool.Selection, int, error) {
	if len(in.Numbers) > 0 {
		if in.Count != 0 && in.Count != len(in.Numbers) {
			return "", nil, 0, errutil.BadRequest("count does not match requested numbers", nil)
		}
		return SelectionManual, ticketpool.Manual{Numbers: in.Numbers}, len(in.Numbers), nil
	}
	return SelectionAutomatic, ticketpool.Automatic{Count: in.Count}, in.Count, nil
}

func (s *Service) releaseQuietly(ctx context.Context, holdID string) {
	if err := s.pool.Release(ctx, holdID); err != nil {
		zap.L().Error("failed to release hold", zap.String("hold_id", holdID), zap.Error(err))
	}
}

func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	o, err := s.orders.FindOne(ctx, &Order{OrderID: orderID})
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, errutil.NotFound("order not found", nil)
	}
	return o, nil
}

// GetForUser enforces ownership for the public read path.
func (s *Service) GetForUser(ctx context.Context, orderID, userID string) (*Order, error) {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, errutil.NotFound("order not found", nil)
	}
	return o, nil
}

func (s *Service) FindByProviderReference(ctx context.Context, reference string) (*Order, error) {
	return s.orders.FindOne(ctx, &Order{ProviderReference: &reference})
}

func (s *Service) FindByCode(ctx context.Context, orderCode string) (*Order, error) {
	return s.orders.FindOne(ctx, &Order{OrderCode: orderCode})
}

// Numbers decodes the order's reserved numbers snapshot.
func (o *Order) Numbers() []int {
	var numbers []int
	_ = json.Unmarshal(o.TicketNumbers, &numbers)
	return numbers
}

func (o *Order) event(reason string) notify.OrderEvent {
	return notify.OrderEvent{
		OrderID:    o.OrderID,
		OrderCode:  o.OrderCode,
		UserID:     o.UserID,
		CampaignID: o.CampaignID,
		Numbers:    o.Numbers(),
		TotalCDF:   o.TotalCDF,
		Reason:     reason,
	}
}

func (o *Order) holdExpired(now time.Time) bool {
	return o.HoldExpiresAt != nil && o.HoldExpiresAt.Before(now)
}
