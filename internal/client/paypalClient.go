package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"purchase-processor/internal/config"
	"purchase-processor/internal/model"
)

type PaypalClient interface {
	CreateOrder(ctx context.Context, req *CreateOrderRequest) (*CreateOrderResponse, error)
	CaptureOrder(ctx context.Context, orderID, requestID string) (*model.PaypalOrder, error)
	GetOrder(ctx context.Context, orderID string) (*model.PaypalOrder, error)
	RefundCapture(ctx context.Context, captureID, requestID string, amount model.PaypalMoney) (*model.PaypalRefund, error)
	GetRefund(ctx context.Context, refundID string) (*model.PaypalRefund, error)

	CreateSubscription(ctx context.Context, req *CreateSubscriptionRequest) (*CreateSubscriptionResponse, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*model.PaypalSubscription, error)
	SuspendSubscription(ctx context.Context, subscriptionID, reason string) error
	ActivateSubscription(ctx context.Context, subscriptionID, reason string) error
	CancelSubscription(ctx context.Context, subscriptionID, reason string) error
	CaptureSubscriptionBalance(ctx context.Context, subscriptionID string, amount model.PaypalMoney) error
}

// PaypalAPIError is a non-2xx answer from PayPal. Transport failures are
// returned unwrapped so callers can tell "PayPal said no" from "no answer".
type PaypalAPIError struct {
	StatusCode int
	Name       string `json:"name"`
	Message    string `json:"message"`
	DebugID    string `json:"debug_id"`
	Body       string
}

func (e *PaypalAPIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("paypal error %d %s: %s", e.StatusCode, e.Name, e.Message)
	}
	return fmt.Sprintf("paypal error %d: %s", e.StatusCode, e.Body)
}

type paypalClientImpl struct {
	httpClient         *http.Client
	baseApiURL         string
	paypalClientID     string
	paypalClientSecret string
	brandName          string

	tokenMu     sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

type CreateOrderRequest struct {
	ReferenceID string // local transaction uuid, echoed back as custom_id
	Description string
	Currency    string
	Subtotal    string
	Discount    string
	Tax         string
	Total       string
	ReturnURL   string
	CancelURL   string
}

type CreateOrderResponse struct {
	OrderID    string
	ApproveURL string
}

type CreateSubscriptionRequest struct {
	PlanID    string
	CustomID  string
	Email     string
	GivenName string
	Surname   string
	ReturnURL string
	CancelURL string
	SetupFee  *model.PaypalMoney
	StartTime *time.Time
}

type CreateSubscriptionResponse struct {
	SubscriptionID string
	Status         string
	ApproveURL     string
}

func NewPaypalClient(paypalCfg *config.Paypal) PaypalClient {
	return &paypalClientImpl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseApiURL:         strings.TrimSuffix(paypalCfg.BaseApiURL, "/"),
		paypalClientID:     paypalCfg.ClientID,
		paypalClientSecret: paypalCfg.ClientSecret,
		brandName:          paypalCfg.BrandName,
	}
}

func (c *paypalClientImpl) getAccessToken(ctx context.Context) (string, error) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	auth := base64.StdEncoding.EncodeToString(
		[]byte(c.paypalClientID + ":" + c.paypalClientSecret),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseApiURL+"/v1/oauth2/token",
		bytes.NewBufferString("grant_type=client_credentials"))
	if err != nil {
		return "", fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Basic "+auth)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http client do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", &PaypalAPIError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	var res struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	c.accessToken = res.AccessToken
	// refresh a minute early
	c.tokenExpiry = time.Now().Add(time.Duration(res.ExpiresIn)*time.Second - time.Minute)
	return c.accessToken, nil
}

// call sends an authenticated JSON request and decodes the answer into out
// when out is non-nil.
func (c *paypalClientImpl) call(ctx context.Context, method, path string, payload interface{}, out interface{}, headers map[string]string) error {
	accessToken, err := c.getAccessToken(ctx)
	if err != nil {
		return fmt.Errorf("get paypal access token: %w", err)
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal req payload: %w", err)
		}
		body = bytes.NewBuffer(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseApiURL+path, body)
	if err != nil {
		return fmt.Errorf("http new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("paypal %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read paypal response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &PaypalAPIError{StatusCode: resp.StatusCode, Body: string(raw)}
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode paypal response: %w", err)
	}
	return nil
}

func (c *paypalClientImpl) CreateOrder(ctx context.Context, r *CreateOrderRequest) (*CreateOrderResponse, error) {
	amount := map[string]interface{}{
		"currency_code": r.Currency,
		"value":         r.Total,
		"breakdown": map[string]interface{}{
			"item_total": model.PaypalMoney{CurrencyCode: r.Currency, Value: r.Subtotal},
			"tax_total":  model.PaypalMoney{CurrencyCode: r.Currency, Value: r.Tax},
			"discount":   model.PaypalMoney{CurrencyCode: r.Currency, Value: r.Discount},
		},
	}
	payload := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []map[string]interface{}{
			{
				"reference_id": r.ReferenceID,
				"custom_id":    r.ReferenceID,
				"description":  r.Description,
				"amount":       amount,
			},
		},
		"application_context": map[string]string{
			"brand_name":  c.brandName,
			"user_action": "PAY_NOW",
			"return_url":  r.ReturnURL,
			"cancel_url":  r.CancelURL,
		},
	}

	var result model.PaypalOrder
	err := c.call(ctx, http.MethodPost, "/v2/checkout/orders", payload, &result, map[string]string{
		"PayPal-Request-Id": r.ReferenceID,
	})
	if err != nil {
		return nil, err
	}

	return &CreateOrderResponse{
		OrderID:    result.ID,
		ApproveURL: _extractApproveURL(result.Links),
	}, nil
}

func (c *paypalClientImpl) CaptureOrder(ctx context.Context, orderID, requestID string) (*model.PaypalOrder, error) {
	var order model.PaypalOrder
	path := fmt.Sprintf("/v2/checkout/orders/%s/capture", url.PathEscape(orderID))
	err := c.call(ctx, http.MethodPost, path, nil, &order, map[string]string{
		"PayPal-Request-Id": requestID,
		"Prefer":            "return=representation",
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *paypalClientImpl) GetOrder(ctx context.Context, orderID string) (*model.PaypalOrder, error) {
	var order model.PaypalOrder
	if err := c.call(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(orderID), nil, &order, nil); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *paypalClientImpl) RefundCapture(ctx context.Context, captureID, requestID string, amount model.PaypalMoney) (*model.PaypalRefund, error) {
	var refund model.PaypalRefund
	path := fmt.Sprintf("/v2/payments/captures/%s/refund", url.PathEscape(captureID))
	err := c.call(ctx, http.MethodPost, path, map[string]interface{}{"amount": amount}, &refund, map[string]string{
		"PayPal-Request-Id": requestID,
		"Prefer":            "return=representation",
	})
	if err != nil {
		return nil, err
	}
	return &refund, nil
}

func (c *paypalClientImpl) GetRefund(ctx context.Context, refundID string) (*model.PaypalRefund, error) {
	var refund model.PaypalRefund
	if err := c.call(ctx, http.MethodGet, "/v2/payments/refunds/"+url.PathEscape(refundID), nil, &refund, nil); err != nil {
		return nil, err
	}
	return &refund, nil
}

func (c *paypalClientImpl) CreateSubscription(ctx context.Context, r *CreateSubscriptionRequest) (*CreateSubscriptionResponse, error) {
	payload := map[string]interface{}{
		"plan_id":   r.PlanID,
		"custom_id": r.CustomID,
		"subscriber": map[string]interface{}{
			"email_address": r.Email,
			"name": map[string]string{
				"given_name": r.GivenName,
				"surname":    r.Surname,
			},
		},
		"application_context": map[string]string{
			"brand_name":  c.brandName,
			"user_action": "SUBSCRIBE_NOW",
			"return_url":  r.ReturnURL,
			"cancel_url":  r.CancelURL,
		},
	}
	if r.StartTime != nil {
		payload["start_time"] = r.StartTime.UTC().Format(time.RFC3339)
	}
	if r.SetupFee != nil {
		payload["plan"] = map[string]interface{}{
			"payment_preferences": map[string]interface{}{
				"setup_fee": r.SetupFee,
			},
		}
	}

	var result model.PaypalSubscription
	err := c.call(ctx, http.MethodPost, "/v1/billing/subscriptions", payload, &result, map[string]string{
		"PayPal-Request-Id": r.CustomID,
	})
	if err != nil {
		return nil, err
	}

	return &CreateSubscriptionResponse{
		SubscriptionID: result.ID,
		Status:         result.Status,
		ApproveURL:     _extractApproveURL(result.Links),
	}, nil
}

func (c *paypalClientImpl) GetSubscription(ctx context.Context, subscriptionID string) (*model.PaypalSubscription, error) {
	var sub model.PaypalSubscription
	if err := c.call(ctx, http.MethodGet, "/v1/billing/subscriptions/"+url.PathEscape(subscriptionID), nil, &sub, nil); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *paypalClientImpl) SuspendSubscription(ctx context.Context, subscriptionID, reason string) error {
	return c.subscriptionAction(ctx, subscriptionID, "suspend", map[string]string{"reason": reason})
}

func (c *paypalClientImpl) ActivateSubscription(ctx context.Context, subscriptionID, reason string) error {
	return c.subscriptionAction(ctx, subscriptionID, "activate", map[string]string{"reason": reason})
}

func (c *paypalClientImpl) CancelSubscription(ctx context.Context, subscriptionID, reason string) error {
	return c.subscriptionAction(ctx, subscriptionID, "cancel", map[string]string{"reason": reason})
}

func (c *paypalClientImpl) CaptureSubscriptionBalance(ctx context.Context, subscriptionID string, amount model.PaypalMoney) error {
	return c.subscriptionAction(ctx, subscriptionID, "capture", map[string]interface{}{
		"note":         "Outstanding balance",
		"capture_type": "OUTSTANDING_BALANCE",
		"amount":       amount,
	})
}

func (c *paypalClientImpl) subscriptionAction(ctx context.Context, subscriptionID, action string, payload interface{}) error {
	path := fmt.Sprintf("/v1/billing/subscriptions/%s/%s", url.PathEscape(subscriptionID), action)
	if err := c.call(ctx, http.MethodPost, path, payload, nil, nil); err != nil {
		return fmt.Errorf("%s subscription %s: %w", action, subscriptionID, err)
	}
	return nil
}

func _extractApproveURL(links []model.PaypalLink) string {
	for _, link := range links {
		if link.Rel == "approve" {
			return link.Href
		}
	}
	return ""
}
