package httpapi

import (
	"errors"
	"io"
	"net/http"

	"kolo-engine/pkg/errutil"
	"kolo-engine/pkg/health"
	"kolo-engine/pkg/middleware"
	"kolo-engine/services/availability"
	"kolo-engine/services/campaign"
	"kolo-engine/services/exchange"
	"kolo-engine/services/order"
	"kolo-engine/services/ticketpool"
	"kolo-engine/services/wallet"
	"kolo-engine/services/webhook"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(NewHandler, NewRouter),
)

// Handler is the REST surface of the engine. Authentication happens
// upstream; the gateway injects the verified identity as X-User-ID
// (X-Admin-ID for operator endpoints) and the handlers trust it.
type Handler struct {
	orders       *order.Service
	campaigns    *campaign.Service
	wallets      *wallet.Service
	webhooks     *webhook.Service
	availability *availability.Service
	exchange     *exchange.Service
}

type HandlerParams struct {
	fx.In
	Orders       *order.Service
	Campaigns    *campaign.Service
	Wallets      *wallet.Service
	Webhooks     *webhook.Service
	Availability *availability.Service
	Exchange     *exchange.Service
}

func NewHandler(p HandlerParams) *Handler {
	return &Handler{
		orders:       p.Orders,
		campaigns:    p.Campaigns,
		wallets:      p.Wallets,
		webhooks:     p.Webhooks,
		availability: p.Availability,
		exchange:     p.Exchange,
	}
}

type RouterParams struct {
	fx.In
	Handler *Handler
	Health  health.HealthService
}

func NewRouter(p RouterParams) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.Error())

	r.GET("/healthz", p.Health.Liveness)
	r.GET("/readyz", p.Health.Readiness)

	v1 := r.Group("/v1")
	{
		v1.POST("/orders", p.Handler.CreateOrder)
		v1.GET("/orders/:id", p.Handler.GetOrder)
		v1.POST("/orders/:id/settle/wallet", p.Handler.SettleWithWallet)
		v1.POST("/orders/:id/settle/mobile-money", p.Handler.SettleWithMobileMoney)
		v1.POST("/orders/:id/refund", p.Handler.RefundOrder)
		v1.GET("/campaigns/:id/numbers", p.Handler.CampaignNumbers)
		v1.GET("/wallet/balance", p.Handler.WalletBalance)
		v1.PUT("/exchange/rate", p.Handler.SetExchangeRate)
		v1.POST("/webhooks/:provider", p.Handler.IngestWebhook)
	}

	return r
}

type createOrderRequest struct {
	CampaignID    string `json:"campaign_id" binding:"required"`
	Numbers       []int  `json:"numbers"`
	Count         int    `json:"count"`
	PaymentMethod string `json:"payment_method" binding:"required"`
	Phone         string `json:"phone"`
	PromoCode     string `json:"promo_code"`
}

func (h *Handler) CreateOrder(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", err))
		return
	}

	o, err := h.orders.Create(c.Request.Context(), order.CreateOrderInput{
		UserID:        userID,
		CampaignID:    req.CampaignID,
		Numbers:       req.Numbers,
		Count:         req.Count,
		PaymentMethod: order.PaymentMethod(req.PaymentMethod),
		Phone:         req.Phone,
		PromoCode:     req.PromoCode,
	})

	var unavailable ticketpool.ErrNumbersUnavailable
	if errors.As(err, &unavailable) {
		c.JSON(http.StatusConflict, gin.H{
			"error": gin.H{
				"code":        errutil.StatusConflict,
				"message":     "requested numbers are unavailable",
				"unavailable": unavailable.Unavailable,
			},
		})
		return
	}

	var partial ticketpool.ErrInsufficientInventory
	if errors.As(err, &partial) {
		c.JSON(http.StatusCreated, gin.H{
			"order":     h.orderResponse(c, o),
			"shortfall": partial.Shortfall,
		})
		return
	}

	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"order": h.orderResponse(c, o)})
}

func (h *Handler) GetOrder(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	o, err := h.orders.GetForUser(c.Request.Context(), c.Param("id"), userID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": h.orderResponse(c, o)})
}

func (h *Handler) SettleWithWallet(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	o, err := h.orders.SettleWithWallet(c.Request.Context(), c.Param("id"), userID)

	var insufficient wallet.ErrInsufficientFunds
	if errors.As(err, &insufficient) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": gin.H{
				"code":     errutil.StatusUnprocessableEntity,
				"message":  "insufficient wallet balance",
				"balance":  insufficient.Balance,
				"required": insufficient.Required,
			},
		})
		return
	}

	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": h.orderResponse(c, o)})
}

func (h *Handler) SettleWithMobileMoney(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	o, err := h.orders.RequestProviderCharge(c.Request.Context(), c.Param("id"), userID)

	var unavailable order.ErrProviderUnavailable
	if errors.As(err, &unavailable) {
		c.Error(errutil.BadGateway("payment provider unavailable", err))
		return
	}

	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"order": h.orderResponse(c, o)})
}

type refundRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (h *Handler) RefundOrder(c *gin.Context) {
	adminID := c.GetHeader("X-Admin-ID")
	if adminID == "" {
		c.Error(errutil.Forbidden("refund requires an operator identity", nil))
		return
	}

	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("refund reason is required", err))
		return
	}

	o, err := h.orders.Refund(c.Request.Context(), c.Param("id"), adminID, req.Reason)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": h.orderResponse(c, o)})
}

func (h *Handler) CampaignNumbers(c *gin.Context) {
	snap, err := h.availability.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"campaign_id":  snap.CampaignID,
		"free_numbers": snap.FreeNumbers,
		"generated_at": snap.GeneratedAt,
		"advisory":     true,
	})
}

func (h *Handler) WalletBalance(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}

	balance, err := h.wallets.Balance(c.Request.Context(), userID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": balance, "currency": "CDF"})
}

type setRateRequest struct {
	RateCDFPerUSD int64 `json:"rate_cdf_per_usd" binding:"required,gt=0"`
}

// SetExchangeRate updates the operator rate. Existing orders keep the
// rate snapshotted at their creation.
func (h *Handler) SetExchangeRate(c *gin.Context) {
	if c.GetHeader("X-Admin-ID") == "" {
		c.Error(errutil.Forbidden("rate changes require an operator identity", nil))
		return
	}

	var req setRateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("rate must be a positive integer", err))
		return
	}

	if err := h.exchange.SetRate(c.Request.Context(), req.RateCDFPerUSD); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"rate_cdf_per_usd": req.RateCDFPerUSD})
}

func (h *Handler) IngestWebhook(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Error(errutil.BadRequest("unreadable webhook body", err))
		return
	}

	signature := c.GetHeader("X-Webhook-Signature")
	if err := h.webhooks.Ingest(c.Request.Context(), c.Param("provider"), signature, raw); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type orderResponse struct {
	OrderID       string   `json:"order_id"`
	OrderCode     string   `json:"order_code"`
	InvoiceCode   string   `json:"invoice_code"`
	CampaignID    string   `json:"campaign_id"`
	Status        string   `json:"status"`
	SelectionMode string   `json:"selection_mode"`
	PaymentMethod string   `json:"payment_method"`
	Numbers       []int    `json:"numbers"`
	Tickets       []string `json:"tickets"`
	UnitPriceUSD  int64    `json:"unit_price_usd"`
	SubtotalUSD   int64    `json:"subtotal_usd"`
	PromoCode     *string  `json:"promo_code,omitempty"`
	DiscountUSD   int64    `json:"discount_usd"`
	TotalUSD      int64    `json:"total_usd"`
	ExchangeRate  int64    `json:"exchange_rate"`
	TotalCDF      int64    `json:"total_cdf"`
	FailureReason string   `json:"failure_reason,omitempty"`
}

func (h *Handler) orderResponse(c *gin.Context, o *order.Order) orderResponse {
	numbers := o.Numbers()

	tickets := make([]string, 0, len(numbers))
	if cmp, err := h.campaigns.Get(c.Request.Context(), o.CampaignID); err == nil {
		for _, n := range numbers {
			tickets = append(tickets, ticketpool.Format(cmp.TicketPrefix, n, cmp.TotalTickets))
		}
	}

	return orderResponse{
		OrderID:       o.OrderID,
		OrderCode:     o.OrderCode,
		InvoiceCode:   o.InvoiceCode,
		CampaignID:    o.CampaignID,
		Status:        string(o.Status),
		SelectionMode: string(o.SelectionMode),
		PaymentMethod: string(o.PaymentMethod),
		Numbers:       numbers,
		Tickets:       tickets,
		UnitPriceUSD:  o.UnitPriceUSD,
		SubtotalUSD:   o.SubtotalUSD,
		PromoCode:     o.PromoCode,
		DiscountUSD:   o.DiscountUSD,
		TotalUSD:      o.TotalUSD,
		ExchangeRate:  o.ExchangeRate,
		TotalCDF:      o.TotalCDF,
		FailureReason: o.FailureReason,
	}
}

func requireUser(c *gin.Context) (string, bool) {
	userID := c.GetHeader("X-User-ID")
	if userID == "" {
		c.Error(errutil.Unauthorized("missing user identity", nil))
		return "", false
	}
	return userID, true
}
