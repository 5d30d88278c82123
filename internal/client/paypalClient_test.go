package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"purchase-processor/internal/config"
	"purchase-processor/internal/model"
)

func newTestPaypal(t *testing.T, mux *http.ServeMux) (PaypalClient, *atomic.Int32) {
	t.Helper()
	var tokenCalls atomic.Int32
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "id" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"access_token":"tok","expires_in":3600}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewPaypalClient(&config.Paypal{BaseApiURL: srv.URL, ClientID: "id", ClientSecret: "secret", BrandName: "Shop"}), &tokenCalls
}

func TestPaypalCreateOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("PayPal-Request-Id") != "tx-uuid" {
			t.Errorf("request id = %q", r.Header.Get("PayPal-Request-Id"))
		}
		var body struct {
			Intent        string `json:"intent"`
			PurchaseUnits []struct {
				CustomID string `json:"custom_id"`
				Amount   struct {
					Value string `json:"value"`
				} `json:"amount"`
			} `json:"purchase_units"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body.Intent != "CAPTURE" || body.PurchaseUnits[0].Amount.Value != "10.82" || body.PurchaseUnits[0].CustomID != "tx-uuid" {
			t.Errorf("unexpected body %+v", body)
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"ORDER-1","status":"CREATED","links":[{"rel":"self","href":"x"},{"rel":"approve","href":"https://paypal.test/approve"}]}`))
	})
	pp, tokens := newTestPaypal(t, mux)

	for i := 0; i < 2; i++ {
		res, err := pp.CreateOrder(context.Background(), &CreateOrderRequest{
			ReferenceID: "tx-uuid", Currency: "EUR", Subtotal: "10.00", Discount: "0.00", Tax: "0.82", Total: "10.82",
		})
		if err != nil {
			t.Fatal(err)
		}
		if res.OrderID != "ORDER-1" || res.ApproveURL != "https://paypal.test/approve" {
			t.Fatalf("res = %+v", res)
		}
	}
	if tokens.Load() != 1 {
		t.Fatalf("token fetched %d times, want cached", tokens.Load())
	}
}

func TestPaypalCaptureReturnsBreakdown(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/checkout/orders/ORDER-1/capture", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"ORDER-1","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"CAP-1","status":"COMPLETED","amount":{"currency_code":"EUR","value":"10.82"},"seller_receivable_breakdown":{"gross_amount":{"currency_code":"EUR","value":"10.82"},"paypal_fee":{"currency_code":"EUR","value":"0.61"},"net_amount":{"currency_code":"EUR","value":"10.21"},"receivable_amount":{"currency_code":"USD","value":"11.02"}}}]}}]}`))
	})
	pp, _ := newTestPaypal(t, mux)

	order, err := pp.CaptureOrder(context.Background(), "ORDER-1", "tx-uuid")
	if err != nil {
		t.Fatal(err)
	}
	capture := order.PurchaseUnits[0].Payments.Captures[0]
	if capture.ID != "CAP-1" || capture.SellerReceivableBreakdown.PaypalFee.Value != "0.61" {
		t.Fatalf("capture = %+v", capture)
	}
}

func TestPaypalAPIErrorIsTyped(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/payments/captures/CAP-1/refund", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"name":"UNPROCESSABLE_ENTITY","message":"The requested action could not be performed."}`))
	})
	pp, _ := newTestPaypal(t, mux)

	_, err := pp.RefundCapture(context.Background(), "CAP-1", "r-1", model.PaypalMoney{CurrencyCode: "USD", Value: "1.00"})
	var apiErr *PaypalAPIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v", err)
	}
	if apiErr.StatusCode != http.StatusUnprocessableEntity || apiErr.Name != "UNPROCESSABLE_ENTITY" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}

func TestPaypalSubscriptionActions(t *testing.T) {
	var seen []string
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/billing/subscriptions/I-1/", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		seen = append(seen, strings.TrimPrefix(r.URL.Path, "/v1/billing/subscriptions/I-1/")+" "+string(b))
		w.WriteHeader(http.StatusNoContent)
	})
	pp, _ := newTestPaypal(t, mux)
	ctx := context.Background()

	if err := pp.SuspendSubscription(ctx, "I-1", "payment failed"); err != nil {
		t.Fatal(err)
	}
	if err := pp.CaptureSubscriptionBalance(ctx, "I-1", model.PaypalMoney{CurrencyCode: "USD", Value: "9.99"}); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 2 || !strings.HasPrefix(seen[0], "suspend ") || !strings.Contains(seen[1], "OUTSTANDING_BALANCE") {
		t.Fatalf("seen = %v", seen)
	}
}
