package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"herald/internal/breaker"
	"herald/internal/broker"
	"herald/internal/config"
	"herald/internal/constants"
	"herald/internal/logger"
	"herald/internal/templates"
	"herald/pkg/bootstrap"
	"herald/pkg/health"
	"herald/pkg/metrics"
	"herald/pkg/models"
	"herald/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	channels       []models.Channel
	redis          *redis.Client
	postgres       *sql.DB
	mongo          *mongo.Client
	dispatchers    []*bootstrap.Dispatcher
	listener       *templates.Listener
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger, channels []models.Channel) *App {
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
		channels:    channels,
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if a.Memory != nil {
		return fmt.Errorf("broker.type memory runs dispatch inside the gateway, start the gateway instead")
	}

	if err := a.initDatabases(ctx); err != nil {
		return err
	}

	if err := a.InitProducer(ctx, a.redis); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	tp, err := tracing.Init(ctx, a.Config.Tracing, constants.ServiceDispatchWorker)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterWorkerMetrics()

	deps := bootstrap.DispatchDeps{Redis: a.redis, Postgres: a.postgres, Mongo: a.mongo}
	for _, ch := range a.channels {
		d, err := a.NewDispatcher(ctx, ch, deps)
		if err != nil {
			return fmt.Errorf("failed to initialize %s dispatcher: %w", ch, err)
		}
		a.dispatchers = append(a.dispatchers, d)
	}
	a.listener = a.NewTemplateListener(a.redis, a.dispatchers)

	a.initHTTPServer()
	return nil
}

func (a *App) initDatabases(ctx context.Context) error {
	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}
	a.redis = rdb

	pg, err := a.dbConnector.InitPostgreSQL(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize postgres: %w", err)
	}
	a.postgres = pg

	mc, err := a.dbConnector.InitMongoDB(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize mongodb: %w", err)
	}
	a.mongo = mc
	return nil
}

func (a *App) initHTTPServer() {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	registry := health.NewCheckerRegistry(constants.ServiceDispatchWorker)
	registry.Register(health.NewRedisChecker(a.redis))
	if a.postgres != nil {
		registry.Register(health.NewPostgreSQLChecker(a.postgres))
	}
	if a.mongo != nil {
		registry.Register(health.NewMongoDBChecker(a.mongo))
	}
	for _, d := range a.dispatchers {
		registry.RegisterOptional(breakerChecker(d.Breaker))
	}

	engine.GET("/health", registry.Handler())
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      engine,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}
}

func breakerChecker(b breaker.Breaker) health.Checker {
	return health.NewFuncChecker("breaker:"+b.Name(), func(ctx context.Context) error {
		if state := b.State(ctx); state == breaker.StateOpen {
			return fmt.Errorf("circuit %s", state)
		}
		return nil
	})
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "Health server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	queues := make([]string, 0, len(a.dispatchers))
	for _, d := range a.dispatchers {
		pool := d.Pool
		queues = append(queues, d.Queue)
		g.Go(func() error {
			return pool.Run(gCtx)
		})
	}

	if a.listener != nil {
		g.Go(func() error {
			return a.listener.Run(gCtx)
		})
	}

	if r, ok := a.Producer.(broker.Redeliverer); ok {
		g.Go(func() error {
			if err := r.RunRedelivery(gCtx, queues...); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("delayed redelivery stopped: %w", err)
			}
			return nil
		})
	}

	return g.Wait()
}

func (a *App) Shutdown(ctx context.Context) error {
	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		return errs
	}

	err := a.Base.Shutdown(ctx, additionalShutdown)
	if errs := a.dbConnector.ShutdownDatabases(ctx, a.redis, a.postgres, a.mongo); len(errs) > 0 {
		err = errors.Join(append([]error{err}, errs...)...)
	}
	return err
}
