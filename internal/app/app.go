// Package app wires configuration, storage, the payment gateway and the
// background workers into a running process.
package app

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/chef-meal-orders/internal/config"
	httpapi "github.com/tbourn/chef-meal-orders/internal/http"
	"github.com/tbourn/chef-meal-orders/internal/notify"
	"github.com/tbourn/chef-meal-orders/internal/observability"
	"github.com/tbourn/chef-meal-orders/internal/payment"
	"github.com/tbourn/chef-meal-orders/internal/pricing"
	"github.com/tbourn/chef-meal-orders/internal/repo"
	"github.com/tbourn/chef-meal-orders/internal/scheduler"
	"github.com/tbourn/chef-meal-orders/internal/services"
	"github.com/tbourn/chef-meal-orders/internal/sysutil"
)

const shutdownTimeout = 15 * time.Second

// ConfigureLogging sets the global zerolog level and writer. Pretty console
// output is meant for development.
func ConfigureLogging(cfg config.Config) {
	sysutil.ConfigureLogger(os.Stderr, cfg.LogLevel, cfg.LogPretty)
}

// Deps are the long-lived components shared by the server and the CLI.
type Deps struct {
	DB      *gorm.DB
	Gateway payment.Gateway
	Orders  *services.OrderService
	Events  *services.EventService
}

// Close releases the database pool.
func (d *Deps) Close() error {
	sqlDB, err := d.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NewGateway builds the configured payment adapter wrapped in metrics,
// tracing and a circuit breaker.
func NewGateway(cfg config.PaymentConfig) (payment.Gateway, error) {
	var gw payment.Gateway
	switch cfg.Provider {
	case "", "memory":
		gw = payment.NewMemoryGateway()
	case "stripe":
		gw = payment.NewStripeGateway(cfg.APIKey, cfg.BaseURL, cfg.Timeout, nil)
	default:
		return nil, errors.Errorf("unknown payment provider %q", cfg.Provider)
	}
	return payment.Instrument(payment.NewBreaker(gw, payment.BreakerConfig{
		FailureThreshold:  cfg.BreakerFailures,
		OpenTimeout:       cfg.BreakerOpenTimeout,
		HalfOpenSuccesses: cfg.BreakerHalfOpenSuccesses,
	})), nil
}

// Build opens and migrates the store and constructs the services.
func Build(cfg config.Config) (*Deps, error) {
	db, err := repo.OpenDB(cfg.DB, cfg.OTEL.Enabled)
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	deps := &Deps{DB: db}
	if err := repo.AutoMigrate(db); err != nil {
		_ = deps.Close()
		return nil, errors.Wrap(err, "migrate")
	}

	gw, err := NewGateway(cfg.Payment)
	if err != nil {
		_ = deps.Close()
		return nil, err
	}
	strategy, err := pricing.New(cfg.Pricing.Strategy, cfg.Pricing.TierSize, cfg.Pricing.StepPercent)
	if err != nil {
		_ = deps.Close()
		return nil, errors.Wrap(err, "pricing")
	}

	deps.Gateway = gw
	deps.Orders = &services.OrderService{
		DB:                 db,
		Gateway:            gw,
		Pricing:            strategy,
		IdempotencyTTL:     cfg.IdempotencyTTL,
		TxTimeout:          cfg.DB.TxTimeout,
		GatewayTimeout:     cfg.Payment.Timeout,
		ClaimLease:         cfg.ClaimLease(),
		MaxCaptureAttempts: cfg.Scheduler.MaxAttempts,
		WebhookSecret:      cfg.Payment.WebhookSecret,
		WebhookTolerance:   cfg.Payment.WebhookTolerance,
		Webhooks:           services.StoreWebhooks{},
	}
	deps.Events = &services.EventService{DB: db, Orders: deps.Orders}
	return deps, nil
}

// NewServer builds the HTTP server with all routes mounted.
func NewServer(cfg config.Config, deps *Deps) *http.Server {
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, deps.DB, deps.Orders, deps.Events, cfg)

	return &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
}

// Run starts the HTTP server, the capture scheduler and the outbox
// dispatcher, and blocks until ctx is cancelled or one of them fails.
// In-flight requests are drained before returning.
func Run(ctx context.Context, cfg config.Config, version string) error {
	return run(ctx, cfg, version, nil)
}

// run accepts an optional ready callback that receives the bound address.
func run(ctx context.Context, cfg config.Config, version string, ready func(addr string)) error {
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		return errors.Wrap(err, "setup tracing")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("tracing shutdown")
		}
	}()

	deps, err := Build(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = deps.Close() }()

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		if sched, err = scheduler.New(cfg.Scheduler, deps.DB, deps.Orders); err != nil {
			return errors.Wrap(err, "scheduler")
		}
	}
	var disp *notify.Dispatcher
	if cfg.Notify.Enabled {
		if disp, err = notify.New(cfg.Notify, deps.DB); err != nil {
			return errors.Wrap(err, "notify")
		}
		defer func() { _ = disp.Close() }()
	}

	srv := NewServer(cfg, deps)
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return errors.Wrap(err, "listen")
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().
			Str("addr", ln.Addr().String()).
			Str("version", version).
			Str("gateway", deps.Gateway.Name()).
			Str("db", cfg.DB.Driver).
			Msg("http server listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "serve")
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Dur("timeout", shutdownTimeout).Msg("shutting down http server")
		if err := srv.Shutdown(sctx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	})

	if sched != nil {
		g.Go(func() error { return sched.Run(gctx) })
	}
	if disp != nil {
		g.Go(func() error { return disp.Run(gctx) })
	}

	if ready != nil {
		ready(ln.Addr().String())
	}
	return g.Wait()
}
