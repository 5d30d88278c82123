package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v10"
)

func TestParse(t *testing.T) {
	var cfg Config
	err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{
		"HTTP_REDIRECT_HOSTS": "shop.example,app.shop.example",
		"PAYPAL_CLIENT_ID":    "client",
		"REDIS_LOCK_TTL":      "10s",
		"FX_RATES":            "EUR:1.08,GBP:1.27",
	}})
	if err != nil {
		t.Fatal(err)
	}

	if len(cfg.HTTP.RedirectHosts) != 2 || cfg.HTTP.RedirectHosts[1] != "app.shop.example" {
		t.Fatalf("redirect hosts = %v", cfg.HTTP.RedirectHosts)
	}
	if cfg.Paypal.ClientID != "client" || cfg.Paypal.BaseApiURL != "https://api-m.sandbox.paypal.com" {
		t.Fatalf("paypal = %+v", cfg.Paypal)
	}
	if cfg.Redis.LockTTL != 10*time.Second || cfg.FX.Rates["GBP"] != "1.27" {
		t.Fatalf("redis = %+v, fx = %+v", cfg.Redis, cfg.FX)
	}
	if cfg.BaseURL != "http://localhost:8080" {
		t.Fatalf("base url = %q", cfg.BaseURL)
	}
}
