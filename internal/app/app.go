// Package app assembles the order pipeline from configuration: the store,
// the delivery queue, the notifier fan-out, and the services on top. The CLI
// commands only choose which loops to run.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/go-order-pipeline/internal/config"
	"github.com/tbourn/go-order-pipeline/internal/domain"
	httpapi "github.com/tbourn/go-order-pipeline/internal/http"
	"github.com/tbourn/go-order-pipeline/internal/notify"
	"github.com/tbourn/go-order-pipeline/internal/observability"
	"github.com/tbourn/go-order-pipeline/internal/queue"
	"github.com/tbourn/go-order-pipeline/internal/repo"
	"github.com/tbourn/go-order-pipeline/internal/secrets"
	"github.com/tbourn/go-order-pipeline/internal/services"
)

// App is a wired pipeline. Build it with New and release it with Close.
type App struct {
	Config config.Config

	DB          *gorm.DB
	Queue       *queue.Queue
	Notifier    *notify.Notifier
	Orders      *services.OrderService
	DeadLetters *services.DeadLetterService
	Consumer    *services.Consumer
	Reconciler  *services.Reconciler

	closers []func() error
}

// Option customizes New.
type Option func(*options)

type options struct {
	effect services.Effect
	extra  []notify.Subscriber
}

// WithEffect replaces the consumer's side effect.
func WithEffect(e services.Effect) Option {
	return func(o *options) { o.effect = e }
}

// WithSubscribers appends fan-out subscribers after the built-in ones.
func WithSubscribers(subs ...notify.Subscriber) Option {
	return func(o *options) { o.extra = append(o.extra, subs...) }
}

// LogEffect is the default side effect: it records the processed order.
func LogEffect(ctx context.Context, o *domain.Order) error {
	log.Ctx(ctx).Info().Str("order_id", o.ID).Int("details_bytes", len(o.Details)).Msg("order processed")
	return nil
}

// New opens the store and builds every component. Secrets (postgres DSN,
// signing key, RabbitMQ URL) are resolved through sp.
func New(ctx context.Context, cfg config.Config, sp secrets.Provider, opts ...Option) (a *App, err error) {
	o := options{effect: LogEffect}
	for _, fn := range opts {
		fn(&o)
	}

	a = &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
			a = nil
		}
	}()

	if a.DB, err = openStore(ctx, cfg.Store, sp); err != nil {
		return a, err
	}
	a.closers = append(a.closers, func() error {
		sqlDB, err := a.DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	if cfg.OTEL.Enabled {
		if err = repo.Instrument(a.DB); err != nil {
			return a, fmt.Errorf("instrument store: %w", err)
		}
	}

	a.Queue = queue.New(a.DB, queue.Options{
		Name:            cfg.Queue.Name,
		MaxReceiveCount: cfg.Queue.MaxReceiveCount,
		MaxDepth:        cfg.Queue.MaxDepth,
	})

	signingKey, err := secrets.Optional(ctx, sp, cfg.Notifier.SigningKeySecret)
	if err != nil {
		return a, fmt.Errorf("resolve signing key: %w", err)
	}
	subs, err := a.subscribers(ctx, cfg.Notifier, sp)
	if err != nil {
		return a, err
	}
	subs = append(subs, o.extra...)

	var key []byte
	if signingKey != "" {
		key = []byte(signingKey)
	}
	a.Notifier = notify.New(notify.Options{
		MaxAttempts:    cfg.Notifier.MaxAttempts,
		InitialBackoff: cfg.Notifier.InitialBackoff,
		MaxBackoff:     cfg.Notifier.MaxBackoff,
		AttemptTimeout: cfg.Notifier.AttemptTimeout,
		SigningKey:     key,
	}, subs...)

	a.Orders = &services.OrderService{
		DB:              a.DB,
		Notifier:        a.Notifier,
		Gate:            notify.QueueSubscriber{Queue: a.Queue}.Name(),
		MaxDetailsBytes: cfg.MaxDetailsBytes,
		StoreAttempts:   cfg.Store.MaxAttempts,
		StoreBackoff:    cfg.Store.InitialBackoff,
	}
	a.DeadLetters = &services.DeadLetterService{Queue: a.Queue}
	a.Consumer = &services.Consumer{
		DB:                a.DB,
		Queue:             a.Queue,
		Effect:            o.effect,
		SigningKey:        key,
		Workers:           cfg.Consumer.Workers,
		BatchSize:         cfg.Consumer.BatchSize,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		PollInterval:      cfg.Consumer.PollInterval,
		OperationTimeout:  cfg.Consumer.OperationTimeout,
	}
	a.Reconciler = &services.Reconciler{
		Orders:    a.Orders,
		Interval:  cfg.Reconciler.Interval,
		Grace:     cfg.Reconciler.Grace,
		BatchSize: cfg.Reconciler.BatchSize,
	}

	log.Info().
		Str("driver", cfg.Store.Driver).
		Str("queue", a.Queue.Name()).
		Strs("subscribers", a.Notifier.Subscribers()).
		Bool("signed", key != nil).
		Msg("pipeline ready")
	return a, nil
}

func openStore(ctx context.Context, sc config.StoreConfig, sp secrets.Provider) (*gorm.DB, error) {
	dsn := sc.Path
	if sc.Driver == repo.DriverPostgres {
		v, err := sp.GetSecret(ctx, sc.DSNSecret)
		if err != nil {
			return nil, fmt.Errorf("resolve postgres dsn %q: %w", sc.DSNSecret, err)
		}
		dsn = v
	}
	db, err := repo.Open(sc.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", sc.Driver, err)
	}
	return db, nil
}

// subscribers builds the queue subscriber plus the optional Kafka and
// RabbitMQ ones.
func (a *App) subscribers(ctx context.Context, nc config.NotifierConfig, sp secrets.Provider) ([]notify.Subscriber, error) {
	subs := []notify.Subscriber{notify.QueueSubscriber{Queue: a.Queue}}

	if len(nc.KafkaBrokers) > 0 {
		w := notify.NewKafkaWriter(nc.KafkaBrokers, nc.KafkaTopic)
		a.closers = append(a.closers, w.Close)
		subs = append(subs, notify.KafkaSubscriber{Topic: nc.KafkaTopic, Writer: w})
	}

	url, err := secrets.Optional(ctx, sp, nc.AMQPURLSecret)
	if err != nil {
		return nil, fmt.Errorf("resolve amqp url: %w", err)
	}
	if url != "" {
		sub, closeFn, err := notify.DialAMQP(url, nc.AMQPQueue)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closeFn)
		subs = append(subs, *sub)
	}
	return subs, nil
}

// Migrate creates or updates the pipeline tables.
func (a *App) Migrate() error {
	if err := repo.AutoMigrate(a.DB); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Ping reports whether the store answers.
func (a *App) Ping(ctx context.Context) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Handler returns the Gin engine with every route registered.
func (a *App) Handler() *gin.Engine {
	r := gin.New()
	httpapi.RegisterRoutes(r, httpapi.Deps{
		Orders:      a.Orders,
		DeadLetters: a.DeadLetters,
		Ready:       a.Ping,
	}, a.Config)
	return r
}

// Serve runs the HTTP front door on ln plus the reconciler and the queue
// depth sampler until ctx is cancelled, then drains in-flight requests
// within ShutdownTimeout. withWorkers also runs the consumer pool in-process.
func (a *App) Serve(ctx context.Context, ln net.Listener, withWorkers bool) error {
	cfg := a.Config
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", ln.Addr().String()).Msg("http listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		timeout := cfg.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		log.Info().Dur("timeout", timeout).Msg("http draining")
		return srv.Shutdown(sctx)
	})
	if cfg.Reconciler.Enabled {
		g.Go(func() error {
			a.Reconciler.Start(gctx)
			return nil
		})
	}
	a.background(gctx, g, withWorkers)
	return g.Wait()
}

// Work runs the consumer pool and the queue depth sampler until ctx is
// cancelled.
func (a *App) Work(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	a.background(gctx, g, true)
	return g.Wait()
}

func (a *App) background(ctx context.Context, g *errgroup.Group, withWorkers bool) {
	if every := a.Config.Queue.DepthSampleEvery; every > 0 {
		g.Go(func() error {
			observability.WatchQueueDepth(ctx, a.Queue.Name(), every, a.Queue.Depth)
			return nil
		})
	}
	if withWorkers {
		g.Go(func() error {
			return a.Consumer.Run(ctx)
		})
	}
}

// Close releases the store and subscriber connections in reverse order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
