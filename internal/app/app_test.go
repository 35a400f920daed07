package app

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/tbourn/chef-meal-orders/internal/config"
	"github.com/tbourn/chef-meal-orders/internal/payment"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		Port:              "0",
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       5 * time.Second,
		MaxHeaderBytes:    1 << 20,
		GinMode:           "test",
		LogLevel:          "error",
		APIBasePath:       "/api/v1",
		DB: config.DBConfig{
			Driver:    "sqlite",
			Path:      filepath.Join(dir, "app.db"),
			TxTimeout: 5 * time.Second,
		},
		RateRPS:        100,
		RateBurst:      100,
		IdempotencyTTL: time.Hour,
		OTEL:           config.OTELConfig{ServiceName: "chef-meal-orders-test"},
		Payment: config.PaymentConfig{
			Provider:                 "memory",
			Timeout:                  5 * time.Second,
			BreakerFailures:          5,
			BreakerOpenTimeout:       time.Second,
			BreakerHalfOpenSuccesses: 1,
		},
		Pricing: config.PricingConfig{Strategy: "tiered", TierSize: 5, StepPercent: 5},
		Scheduler: config.SchedulerConfig{
			Enabled:     true,
			Interval:    50 * time.Millisecond,
			Batch:       10,
			MaxAttempts: 3,
			CaptureRule: "orders_count >= min_orders",
		},
		Notify: config.NotifyConfig{
			Enabled:   true,
			Interval:  50 * time.Millisecond,
			Batch:     10,
			DedupPath: filepath.Join(dir, "dedup.bolt"),
		},
	}
}

func TestNewGateway(t *testing.T) {
	gw, err := NewGateway(config.PaymentConfig{Provider: "memory"})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := gw.(*payment.InstrumentedGateway); !ok || gw.Name() != "memory" {
		t.Fatalf("expected instrumented memory gateway, got %T %q", gw, gw.Name())
	}

	gw, err = NewGateway(config.PaymentConfig{Provider: "stripe", APIKey: "sk_test", Timeout: time.Second})
	if err != nil || gw.Name() != "stripe" {
		t.Fatalf("stripe: %v %v", gw, err)
	}

	if _, err := NewGateway(config.PaymentConfig{Provider: "paypal"}); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
}

func TestBuild(t *testing.T) {
	cfg := testConfig(t)
	deps, err := Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer func() { _ = deps.Close() }()

	if deps.Orders == nil || deps.Events == nil || deps.Events.Orders != deps.Orders {
		t.Fatalf("services not wired: %+v", deps)
	}
	if deps.Orders.ClaimLease != cfg.ClaimLease() || deps.Orders.MaxCaptureAttempts != 3 {
		t.Fatalf("order service settings: %+v", deps.Orders)
	}

	cfg.Pricing.Strategy = "auction"
	if _, err := Build(cfg); err == nil {
		t.Fatalf("expected pricing error")
	}
}

func TestRun_ServesAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, "test", func(addr string) { addrCh <- addr }) }()

	var addr string
	select {
	case addr = <-addrCh:
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not start")
	}

	_, port, _ := net.SplitHostPort(addr)
	resp, err := http.Get("http://127.0.0.1:" + port + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status=%d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not stop")
	}
}
