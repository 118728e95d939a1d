package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iliyamo/slot-reservation/internal/availability"
	"github.com/iliyamo/slot-reservation/internal/clock"
	"github.com/iliyamo/slot-reservation/internal/config"
	"github.com/iliyamo/slot-reservation/internal/database"
	"github.com/iliyamo/slot-reservation/internal/handler"
	"github.com/iliyamo/slot-reservation/internal/ledger"
	"github.com/iliyamo/slot-reservation/internal/logger"
	"github.com/iliyamo/slot-reservation/internal/middleware"
	"github.com/iliyamo/slot-reservation/internal/repository"
	"github.com/iliyamo/slot-reservation/internal/reservation"
	"github.com/iliyamo/slot-reservation/internal/router"
	"github.com/iliyamo/slot-reservation/internal/service"
	"github.com/iliyamo/slot-reservation/internal/worker"
)

func newServeCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the expiry sweeper and the expiry worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Env, cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, migrate, log)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "create missing tables on startup")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, migrate bool, log *zap.Logger) error {
	db, err := database.Open(cfg.DB.User, cfg.DB.Pass, cfg.DB.Host, cfg.DB.Port, cfg.DB.Name)
	if err != nil {
		return fmt.Errorf("mysql: %w", err)
	}
	defer db.Close()
	if migrate {
		if err := database.EnsureSchema(ctx, db); err != nil {
			return err
		}
	}

	// rdb stays a nil interface when Redis is down.
	var rdb redis.UniversalClient
	if client := config.NewRedisClient(cfg.Redis); client != nil {
		defer client.Close()
		rdb = client
	} else {
		log.Warn("redis unavailable; shared ledger, catalog cache, shared rate limits and expiry timers are off",
			zap.String("addr", cfg.Redis.Addr))
	}

	clk := clock.NewSystem()
	var slots ledger.Ledger
	switch cfg.Ledger.Backend {
	case config.LedgerRedis:
		if rdb == nil {
			return errors.New("LEDGER_BACKEND=redis but redis is unreachable")
		}
		slots = ledger.NewRedis(rdb, clk, cfg.Ledger.Prefix)
	default:
		slots = ledger.NewMemory(clk)
	}
	log.Info("slot ledger ready", zap.String("backend", cfg.Ledger.Backend))

	var cacheClient redis.UniversalClient
	if cfg.CatalogCache.Enabled {
		cacheClient = rdb
	}
	catalog := repository.NewCachedCatalog(repository.NewServiceRepo(db), cacheClient, cfg.CatalogCache.TTL, cfg.CatalogCache.Prefix, log)
	appointments := repository.NewAppointmentRepo(db)

	opts := []reservation.Option{
		reservation.WithClock(clk),
		reservation.WithLogger(log.Named("reservation")),
		reservation.WithHoldTTL(cfg.Ledger.HoldTTL),
		reservation.WithTenantHoldTTL(cfg.Ledger.TenantHoldTTL),
	}
	if cfg.Events.Enabled {
		pub := service.NewAMQPPublisher(cfg.Events.URL, log.Named("events"))
		defer pub.Close()
		opts = append(opts, reservation.WithPublisher(pub))
	}

	var redisOpt asynq.RedisClientOpt
	timers := cfg.ExpiryTimers && rdb != nil
	if timers {
		redisOpt = asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
		if cfg.Redis.TLS {
			redisOpt.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		client := asynq.NewClient(redisOpt)
		defer client.Close()
		opts = append(opts, reservation.WithExpiryScheduler(worker.NewScheduler(client)))
	}

	manager := reservation.NewManager(slots, catalog, appointments, opts...)

	if timers {
		srv, mux := worker.NewServer(redisOpt, manager, log.Named("expiry"))
		if err := srv.Start(mux); err != nil {
			return fmt.Errorf("expiry worker: %w", err)
		}
		defer srv.Shutdown()
	}

	go reservation.NewSweeper(manager, cfg.Ledger.SweepInterval, log.Named("sweeper")).Run(ctx)

	resolver := availability.NewResolver(slots, catalog, appointments,
		availability.WithClock(clk),
		availability.WithMaxAlternatives(cfg.MaxAlternatives),
		availability.WithLogger(log.Named("availability")),
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.Recover(), echomw.RequestID(), middleware.RequestLogger(log.Named("http")))
	router.RegisterRoutes(e)
	router.RegisterBooking(e,
		handler.NewBookingHandler(manager, resolver, clk, log.Named("http")),
		cfg.JWTSecret,
		middleware.NewTokenBucket(cfg.RateLimit, rdb, log.Named("ratelimit")),
	)

	addr := ":" + cfg.Port
	errc := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}
