package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/hotelhub/hotelmq"
	"github.com/hotelhub/hotelmq/health"
	"github.com/hotelhub/hotelmq/internal/config"
	"github.com/hotelhub/hotelmq/internal/logger"
	"github.com/hotelhub/hotelmq/internal/metrics"
	"github.com/hotelhub/hotelmq/internal/rabbitmq"
	"github.com/hotelhub/hotelmq/internal/reliability"
)

const (
	maxQueueDepth = 1000

	// archiveRetryDelay paces redelivery of dead letters the archive could not store.
	archiveRetryDelay = 5 * time.Second
)

// App is one running messaging service: the broker client, the stores it
// depends on and the admin HTTP server.
type App struct {
	Config *config.Config
	Logger logger.Logger
	Client *hotelmq.Client

	clientOptions     []hotelmq.ClientOption
	archiveRetryDelay time.Duration

	health      *health.Registry
	archiver    *reliability.DeadLetterArchiver
	idempotency reliability.IdempotencyStore
	redis       *redis.Client
	mongo       *mongo.Client

	router        *gin.Engine
	server        *http.Server
	subscriptions []*rabbitmq.Subscription
}

func NewApp(cfg *config.Config, log logger.Logger, clientOptions ...hotelmq.ClientOption) *App {
	return &App{
		Config:            cfg,
		Logger:            log,
		clientOptions:     clientOptions,
		archiveRetryDelay: archiveRetryDelay,
	}
}

// Initialize connects to the broker and the optional stores and builds the
// admin server. Nothing is consumed until a service is added.
func (a *App) Initialize(ctx context.Context) error {
	metrics.Register(prometheus.DefaultRegisterer)

	client, err := hotelmq.New(a.Config, append([]hotelmq.ClientOption{hotelmq.WithLogger(a.Logger)}, a.clientOptions...)...)
	if err != nil {
		return err
	}
	a.Client = client
	if err := client.Start(ctx); err != nil {
		return err
	}

	a.health = health.NewRegistry(5 * time.Second)
	exchanges := client.Exchanges()
	a.health.Register(health.NewBrokerChecker(client.Connection(), exchanges.Events, exchanges.Reminders))
	a.health.RegisterOptional(health.NewRuntimeChecker(1000, 5000))
	if breaker := client.CircuitBreaker(); breaker != nil {
		a.health.RegisterOptional(health.NewCircuitBreakerChecker(breaker))
	}

	if err := a.initIdempotency(ctx); err != nil {
		return err
	}

	store, err := a.initArchive(ctx)
	if err != nil {
		return err
	}
	a.archiver = reliability.NewDeadLetterArchiver(store,
		reliability.WithDLQLogger(a.Logger),
		reliability.WithPublisher(client.Publisher()))

	a.router = a.newRouter()
	if a.Config.Server.Port > 0 {
		a.server = &http.Server{
			Addr:              ":" + strconv.Itoa(a.Config.Server.Port),
			Handler:           a.router,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return nil
}

func (a *App) initIdempotency(ctx context.Context) error {
	if a.Config.Redis.Addr == "" {
		a.idempotency = reliability.NewMemoryIdempotencyStore()
		a.Logger.Infow("using in-memory idempotency store")
		return nil
	}

	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.Config.Redis.Addr,
		Password: a.Config.Redis.Password,
		DB:       a.Config.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	a.idempotency = reliability.NewRedisIdempotencyStore(a.redis, "hotelmq:processed:")
	a.health.RegisterOptional(health.NewRedisChecker(a.redis))
	a.Logger.Infow("using redis idempotency store", "addr", a.Config.Redis.Addr)
	return nil
}

func (a *App) initArchive(ctx context.Context) (reliability.ErrorStore, error) {
	if a.Config.MongoDB.URI == "" {
		a.Logger.Infow("using in-memory dead letter archive")
		return reliability.NewInMemoryErrorStore(), nil
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(a.Config.MongoDB.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	a.mongo = client
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	store := reliability.NewMongoErrorStore(client.Database(a.Config.MongoDB.Database).Collection(a.Config.MongoDB.Collection))
	if err := store.EnsureIndexes(ctx); err != nil {
		return nil, err
	}
	a.health.RegisterOptional(health.NewMongoChecker(client))
	a.Logger.Infow("using mongodb dead letter archive",
		"database", a.Config.MongoDB.Database,
		"collection", a.Config.MongoDB.Collection)
	return store, nil
}

// track registers a subscription whose lifetime bounds Run and whose queue
// backlog is reported by /health and /queues.
func (a *App) track(sub *rabbitmq.Subscription) {
	a.subscriptions = append(a.subscriptions, sub)
	a.health.RegisterOptional(health.NewQueueChecker(a.Client.Topology(), sub.Queue(), maxQueueDepth))
}

// archiveDeadLetters drains the dead-letter queue of queue into the archive.
// A dead letter the archive cannot take stays on the queue.
func (a *App) archiveDeadLetters(ctx context.Context, queue string) error {
	dlq := rabbitmq.DeadLetterQueueName(queue)
	sub, err := a.Client.Consumer().Consume(ctx, dlq, a.archiver.Archive,
		rabbitmq.WithPrefetchCount(a.Config.Consumer.Prefetch),
		rabbitmq.WithRequeueOnError(a.archiveRetryDelay))
	if err != nil {
		return err
	}
	a.track(sub)
	return nil
}

// Run serves the admin API and blocks until ctx is done or a consumer stops
// for good.
func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	if a.server != nil {
		g.Go(func() error {
			a.Logger.Infow("admin server starting", "port", a.Config.Server.Port)
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	for _, sub := range a.subscriptions {
		sub := sub
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				sub.Cancel()
				<-sub.Done()
				return nil
			case <-sub.Done():
				if gCtx.Err() != nil {
					return nil
				}
				return fmt.Errorf("consumer on %s stopped", sub.Queue())
			}
		})
	}

	return g.Wait()
}

// Shutdown releases everything Initialize acquired. It is safe after a failed
// Initialize.
func (a *App) Shutdown(ctx context.Context) error {
	a.Logger.Infow("shutting down")

	var errs []error
	for _, sub := range a.subscriptions {
		sub.Cancel()
	}
	if a.Client != nil {
		if err := a.Client.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.mongo != nil {
		if err := a.mongo.Disconnect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
