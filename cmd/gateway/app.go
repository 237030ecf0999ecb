package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"herald/internal/admission"
	"herald/internal/config"
	"herald/internal/constants"
	"herald/internal/idempotency"
	"herald/internal/logger"
	"herald/internal/status"
	"herald/internal/templates"
	"herald/internal/userdirectory"
	"herald/pkg/bootstrap"
	"herald/pkg/circuitbreaker"
	"herald/pkg/health"
	"herald/pkg/metrics"
	"herald/pkg/middleware"
	"herald/pkg/migrations"
	"herald/pkg/models"
	"herald/pkg/ratelimit"
	"herald/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector    *bootstrap.DatabaseConnector
	redis          *redis.Client
	mongo          *mongo.Client
	router         *admission.Router
	templates      *templates.Handler
	listener       *templates.Listener
	limiter        *ratelimit.PerClient
	dispatchers    []*bootstrap.Dispatcher
	tracerProvider *tracing.TracerProvider
	server         *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	rdb, err := a.dbConnector.InitRedis(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize redis: %w", err)
	}
	a.redis = rdb

	mc, err := a.dbConnector.InitMongoDB(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize mongodb: %w", err)
	}
	a.mongo = mc

	if err := a.InitProducer(ctx, rdb); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	tp, err := tracing.Init(ctx, a.Config.Tracing, constants.ServiceGateway)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterGatewayMetrics()

	a.initRouter()
	if err := a.initTemplates(ctx); err != nil {
		return fmt.Errorf("failed to initialize template management: %w", err)
	}

	// The in-memory broker only exists inside this process, so delivery has to run here too.
	if a.Memory != nil {
		if err := a.initEmbeddedDispatch(ctx); err != nil {
			return fmt.Errorf("failed to initialize embedded dispatch: %w", err)
		}
	}

	a.initHTTPServer()
	return nil
}

func (a *App) initRouter() {
	idem := idempotency.NewGuardedStore(
		idempotency.NewRedisStore(a.redis),
		circuitbreaker.FromConfig("idempotency-redis", a.Config.CircuitBreaker),
	)
	statuses := status.NewRedisStore(a.redis, a.Config.Admission.StatusTTL)

	var opts []admission.RouterOption
	if a.Config.UserDirectory.Enabled {
		opts = append(opts, admission.WithUserDirectory(
			userdirectory.NewHTTPDirectory(a.Config.UserDirectory, a.Config.CircuitBreaker),
		))
	}

	a.router = admission.NewRouter(idem, statuses, a.Producer, a.Config.Broker.Queues, a.Config.Admission, a.Logger, opts...)
}

// initTemplates mounts the template management API when templates live in MongoDB.
func (a *App) initTemplates(ctx context.Context) error {
	if a.Config.Templates.Source != constants.TemplateSourceMongoDB {
		return nil
	}
	if a.mongo == nil {
		return fmt.Errorf("templates.source is mongodb but database.mongodb.uri is not set")
	}

	db := a.mongo.Database(a.Config.Database.MongoDB.Database)
	if err := migrations.EnsureTemplateIndexes(ctx, db, a.Config.Templates.Collection); err != nil {
		return err
	}

	svc := templates.NewService(
		templates.NewMongoRepository(db, a.Config.Templates.Collection),
		templates.NewRedisNotifier(a.redis, a.Config.Templates.ChangesChannel),
		a.Logger,
	)
	a.templates = templates.NewHandler(svc, a.Logger)
	return nil
}

func (a *App) initEmbeddedDispatch(ctx context.Context) error {
	metrics.RegisterWorkerMetrics()
	a.Logger.WarnwCtx(ctx, "Memory broker selected, running dispatch workers in-process")

	for _, ch := range models.Channels {
		d, err := a.NewDispatcher(ctx, ch, bootstrap.DispatchDeps{Redis: a.redis, Mongo: a.mongo})
		if err != nil {
			return err
		}
		a.dispatchers = append(a.dispatchers, d)
	}
	a.listener = a.NewTemplateListener(a.redis, a.dispatchers)
	return nil
}

func (a *App) initHTTPServer() {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	if a.Config.Tracing.Enabled {
		engine.Use(tracing.GinMiddleware(constants.ServiceGateway))
	}
	engine.Use(middleware.Recovery(a.Logger))
	engine.Use(middleware.CorrelationID())
	engine.Use(middleware.Logger(a.Logger))

	if a.Config.RateLimit.Enabled {
		a.limiter = ratelimit.New(a.Config.RateLimit)
		engine.Use(a.limiter.Middleware())
	}

	admission.NewHandler(a.router, a.Logger).RegisterRoutes(engine)
	if a.templates != nil {
		a.templates.RegisterRoutes(engine)
	}

	registry := health.NewCheckerRegistry(constants.ServiceGateway)
	registry.Register(health.NewRedisChecker(a.redis))
	if a.mongo != nil {
		registry.Register(health.NewMongoDBChecker(a.mongo))
	}
	engine.GET("/health", registry.Handler())
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      engine,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
	}
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(ctx, "HTTP server starting", "port", a.Config.Server.Port)
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

	if a.limiter != nil {
		g.Go(func() error {
			a.limiter.Run(gCtx)
			return nil
		})
	}

	for _, d := range a.dispatchers {
		pool := d.Pool
		g.Go(func() error {
			return pool.Run(gCtx)
		})
	}

	if a.listener != nil {
		g.Go(func() error {
			return a.listener.Run(gCtx)
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
	if errs := a.dbConnector.ShutdownDatabases(ctx, a.redis, nil, a.mongo); len(errs) > 0 {
		err = errors.Join(append([]error{err}, errs...)...)
	}
	return err
}
