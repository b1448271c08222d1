package main // entry point of the reservation API server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/concert-seat-reservation/internal/clock"
	"github.com/iliyamo/concert-seat-reservation/internal/config"
	"github.com/iliyamo/concert-seat-reservation/internal/database"
	"github.com/iliyamo/concert-seat-reservation/internal/gateway"
	"github.com/iliyamo/concert-seat-reservation/internal/handler"
	"github.com/iliyamo/concert-seat-reservation/internal/middleware"
	"github.com/iliyamo/concert-seat-reservation/internal/queue"
	"github.com/iliyamo/concert-seat-reservation/internal/repository"
	"github.com/iliyamo/concert-seat-reservation/internal/router"
	"github.com/iliyamo/concert-seat-reservation/internal/service"
)

func main() {
	cfg := config.Load()  // env config, plus .env when present
	log := newLogger(cfg) // JSON in production, text otherwise

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

func newLogger(cfg config.Config) *logrus.Logger {
	log := logrus.New()
	if cfg.Production() {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

// backend is the storage chosen by STORE_DRIVER.
type backend struct {
	store  service.Store
	users  handler.UserStore
	tokens handler.TokenStore
	close  func() error
}

func openBackend(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (backend, error) {
	if cfg.StoreDriver == "memory" {
		log.Warn("using the in-memory store; data is lost on restart")
		return backend{
			store:  repository.NewMemoryStore(),
			users:  repository.NewMemoryUsers(),
			tokens: repository.NewMemoryTokens(),
			close:  func() error { return nil },
		}, nil
	}
	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return backend{}, err
	}
	if cfg.AutoMigrate {
		if err := database.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return backend{}, err
		}
	}
	return backend{
		store:  repository.NewSQLStore(db),
		users:  repository.NewUserRepo(db),
		tokens: repository.NewTokenRepo(db),
		close:  db.Close,
	}, nil
}

func run(ctx context.Context, cfg config.Config, log *logrus.Logger) error {
	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer be.close()

	clk := clock.NewSystem()

	// pick the payment gateway
	var (
		gw   gateway.Gateway
		fake *gateway.Fake
	)
	switch cfg.GatewayDriver {
	case "portone":
		gw = gateway.NewPortOne(cfg.PortOneURL, cfg.PortOneKey, cfg.PortOneSecret, cfg.GatewayTimeout)
	default:
		fake = gateway.NewFake()
		gw = fake
		log.Warn("using the fake payment gateway; /v1/dev/payments/charge is enabled")
	}

	// redis is optional; without it the cache and limiter are no-ops
	var rdb *redis.Client
	if cfg.Cache.Enabled || cfg.RateLimit.Enabled {
		rdb, err = config.NewRedisClient(ctx, config.LoadRedisConfig())
		if err != nil {
			log.WithError(err).Warn("redis unavailable; cache and rate limiting disabled")
		} else {
			defer rdb.Close()
		}
	}

	managerOpts := []service.ManagerOption{
		service.WithHoldTTL(cfg.HoldTTL),
		service.WithSelfReclaim(cfg.SelfReclaim),
	}
	var coordinatorOpts []service.CoordinatorOption
	var consumer *queue.Consumer
	if cfg.EventsEnabled {
		pub := queue.NewPublisher(cfg.RabbitURL, log)
		defer pub.Close()
		managerOpts = append(managerOpts, service.WithEvents(pub))
		coordinatorOpts = append(coordinatorOpts, service.WithCoordinatorEvents(pub))
		consumer = queue.NewConsumer(cfg.RabbitURL, cfg.EventLogDir, log)
	}

	// wire services
	catalog := service.NewCatalog(be.store, clk)
	ledger := service.NewSeatLedger(be.store, clk, cfg.Currency, log)
	manager := service.NewReservationManager(be.store, ledger, clk, log, managerOpts...)
	coordinator := service.NewPaymentCoordinator(be.store, manager, gw, clk, log, coordinatorOpts...)
	sweeper := service.NewSweeper(manager, ledger, coordinator, log, cfg.SweepInterval, cfg.HoldGrace, cfg.SweepBatch)

	if cfg.SeedDemo {
		if err := seedDemo(ctx, catalog, clk.Now()); err != nil {
			return err
		}
	}

	cache := middleware.NewResponseCache(cfg.Cache, rdb, log)

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.RequestLog(log))

	router.RegisterRoutes(e, be.store)
	router.RegisterAuth(e, handler.NewAuthHandler(handler.AuthSettings{
		JWTSecret:      cfg.JWTSecret,
		AccessTTL:      time.Duration(cfg.AccessTTLMin) * time.Minute,
		RefreshTTLDays: cfg.RefreshTTLDays,
		BcryptCost:     cfg.BcryptCost,
	}, be.users, be.tokens, clk, log), cfg.JWTSecret)
	router.RegisterPublic(e, handler.NewCatalogHandler(catalog, log), cache.Middleware())
	router.RegisterCustomer(e,
		handler.NewReservationHandler(manager, coordinator, log),
		handler.NewPaymentHandler(coordinator, fake, cfg.Currency, log),
		cfg.JWTSecret,
		middleware.RateLimit(cfg.RateLimit, rdb, log),
	)
	router.RegisterOwner(e, handler.NewOwnerHandler(catalog, coordinator, ledger, sweeper, cache, log), cfg.JWTSecret)

	// the sweeper, the event consumer and the HTTP server share one lifetime;
	// the first to fail stops the others
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sweeper.Run(ctx)
	})
	if consumer != nil {
		g.Go(func() error {
			return consumer.Run(ctx)
		})
	}
	g.Go(func() error {
		addr := ":" + cfg.Port
		log.WithFields(logrus.Fields{"addr": addr, "env": cfg.Env}).Info("listening")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
