package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"kolo-engine/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Status is the engine's normalized view of a provider transaction state.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSubmitted Status = "submitted"
	StatusPending   Status = "pending"
	StatusUnknown   Status = "unknown"
)

type Charge struct {
	Phone     string
	Amount    int64 // local currency minor units
	Currency  string
	Reference string
}

type ChargeResult struct {
	ProviderReference string
	Status            Status
}

type StatusResult struct {
	Reference   string
	Status      Status
	Description string
}

// Client is the mobile-money provider surface the engine depends on. The
// provider delivers final outcomes by webhook; these calls only submit a
// charge and poll for a status.
type Client interface {
	RequestCharge(ctx context.Context, charge Charge) (*ChargeResult, error)
	CheckStatus(ctx context.Context, reference string) (*StatusResult, error)
}

var Module = fx.Module("provider",
	fx.Provide(NewHTTPClient),
)

type httpClient struct {
	cfg  *config.Config
	http *http.Client
}

type HTTPClientParams struct {
	fx.In
	Config *config.Config
}

func NewHTTPClient(p HTTPClientParams) Client {
	return &httpClient{
		cfg:  p.Config,
		http: &http.Client{Timeout: p.Config.Provider.Timeout},
	}
}

type chargeRequest struct {
	MerchantID    string `json:"merchant_id"`
	MerchantToken string `json:"merchant_pass"`
	Action        string `json:"action"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	CustomerNum   string `json:"customer_number"`
	Reference     string `json:"reference"`
	CallbackURL   string `json:"callback_url"`
}

type providerResponse struct {
	TransactionID          string `json:"Transaction_id"`
	Reference              string `json:"Reference"`
	Status                 string `json:"Status"`
	TransStatus            string `json:"Trans_Status"`
	TransStatusDescription string `json:"Trans_Status_Description"`
	Comment                string `json:"Comment"`
}

func (c *httpClient) RequestCharge(ctx context.Context, charge Charge) (*ChargeResult, error) {
	body := chargeRequest{
		MerchantID:    c.cfg.Provider.MerchantID,
		MerchantToken: c.cfg.Provider.MerchantToken,
		Action:        "debit",
		Amount:        charge.Amount,
		Currency:      charge.Currency,
		CustomerNum:   charge.Phone,
		Reference:     charge.Reference,
		CallbackURL:   c.cfg.Provider.CallbackURL,
	}

	var resp providerResponse
	if err := c.post(ctx, "/v5/merchant_payment", body, &resp); err != nil {
		return nil, err
	}

	if resp.TransactionID == "" {
		return nil, fmt.Errorf("provider accepted no transaction: %s", resp.Comment)
	}

	return &ChargeResult{
		ProviderReference: resp.TransactionID,
		Status:            NormalizeStatus(resp.Status),
	}, nil
}

func (c *httpClient) CheckStatus(ctx context.Context, reference string) (*StatusResult, error) {
	body := map[string]string{
		"merchant_id":   c.cfg.Provider.MerchantID,
		"merchant_pass": c.cfg.Provider.MerchantToken,
		"action":        "verify",
		"reference":     reference,
	}

	var resp providerResponse
	if err := c.post(ctx, "/v5/check_transaction_status", body, &resp); err != nil {
		return nil, err
	}

	return &StatusResult{
		Reference:   resp.Reference,
		Status:      NormalizeStatus(resp.TransStatus),
		Description: resp.TransStatusDescription,
	}, nil
}

func (c *httpClient) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Provider.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 500 {
		return fmt.Errorf("provider returned %d", res.StatusCode)
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		zap.L().Error("failed to decode provider response", zap.Error(err))
		return err
	}

	return nil
}

// NormalizeStatus folds the provider's assorted Trans_Status vocabulary
// into the four states the order ledger acts on.
func NormalizeStatus(transStatus string) Status {
	switch strings.ToLower(strings.TrimSpace(transStatus)) {
	case "successful", "success", "completed", "approved":
		return StatusCompleted
	case "failed", "rejected", "declined", "error", "cancelled", "expired", "timeout":
		return StatusFailed
	case "submitted", "processing", "initiated":
		return StatusSubmitted
	case "pending":
		return StatusPending
	default:
		return StatusUnknown
	}
}
