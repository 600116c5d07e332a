package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"boardSync/internal/config"
	"boardSync/internal/handlers"
	"boardSync/internal/logger"
	"boardSync/internal/middleware"
	"boardSync/internal/projector"
	repo "boardSync/internal/repository"
	"boardSync/internal/repository/inmemory"
	"boardSync/internal/repository/mongodb"
	"boardSync/internal/repository/postgres"
	"boardSync/internal/service"
	"boardSync/internal/session"
	"boardSync/internal/worker"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type App struct {
	config    *config.Config
	server    *http.Server
	router    *chi.Mux
	store     repo.Store
	hub       *session.Hub
	worker    *worker.ActivityWorker
	shutdowns []func() // функции для graceful shutdown, выполняются в обратном порядке
}

func New(cfg *config.Config) *App {
	return &App{
		config:    cfg,
		shutdowns: make([]func(), 0),
	}
}

func (a *App) Init(ctx context.Context) error {
	if err := logger.Init(a.config.Logging.Development); err != nil {
		return fmt.Errorf("инициализация логгера: %w", err)
	}
	a.shutdowns = append(a.shutdowns, func() {
		logger.Info("Завершение работы логгирования...")
		logger.Sync()
	})

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	a.store = store
	a.shutdowns = append(a.shutdowns, func() {
		logger.Info("Закрытие хранилища...")
		store.Close()
	})

	queueSize := a.config.Activity.QueueSize
	statsInterval := a.config.Activity.StatsInterval
	feedLimit := a.config.Activity.FeedLimit
	a.worker = worker.NewActivityWorker(store, &queueSize, &statsInterval)

	activity := service.NewActivityService(store, a.worker, &feedLimit)
	a.hub = session.NewHub(store)
	a.shutdowns = append(a.shutdowns, a.hub.Close)

	h := handlers.NewHandler(handlers.Deps{
		Tasks:     service.NewTaskService(store, activity),
		Boards:    service.NewBoardService(store, activity),
		Members:   service.NewMembershipService(store, activity),
		Activity:  activity,
		Sessions:  a.hub,
		Loader:    projector.NewLoader(store),
		Health:    store,
		FeedLimit: feedLimit,
	})

	a.router = a.newRouter(h)

	var handler http.Handler = a.router
	if a.config.Otel.Enabled {
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{}))
		handler = otelhttp.NewHandler(a.router, a.config.Otel.ServiceName)
		logger.Info("Трассировка HTTP включена", zap.String("service", a.config.Otel.ServiceName))
	}

	a.server = &http.Server{
		Addr:              a.config.GetServerAddr(),
		Handler:           handler,
		ReadHeaderTimeout: a.config.Server.ReadTimeout,
	}
	a.server.RegisterOnShutdown(h.CloseStreams)
	return nil
}

func (a *App) openStore(ctx context.Context) (repo.Store, error) {
	switch a.config.Repository.Type {
	case config.RepositoryPostgres:
		store, err := postgres.New(ctx, postgres.Config{
			URL:            a.config.Database.URL,
			MaxConnections: a.config.Database.MaxConnections,
			MinConnections: a.config.Database.MinConnections,
			IdleTimeout:    a.config.Database.IdleTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("подключение к postgres: %w", err)
		}
		if err := store.Migrate(); err != nil {
			store.Close()
			return nil, fmt.Errorf("миграции postgres: %w", err)
		}
		return store, nil

	case config.RepositoryMongo:
		store, err := mongodb.New(ctx, a.config.Mongo.URI, a.config.Mongo.Database)
		if err != nil {
			return nil, fmt.Errorf("подключение к mongo: %w", err)
		}
		if err := store.EnsureIndexes(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("индексы mongo: %w", err)
		}
		return store, nil
	}

	logger.Warn("Используется хранилище в памяти: данные не переживут перезапуск")
	return inmemory.NewDocumentStorage(), nil
}

func (a *App) newRouter(h *handlers.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID", handlers.HeaderClientID,
			middleware.HeaderUserID, middleware.HeaderUserEmail, middleware.HeaderUserName},
		ExposedHeaders: []string{"X-Request-ID", handlers.HeaderClientID},
		MaxAge:         300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RateLimit(a.config.Server.RateLimit))
	r.Use(middleware.Identity("/health"))

	h.Routes(r)
	return r
}

// Router доступен тестам сборки
func (a *App) Router() http.Handler {
	return a.router
}

// Run обслуживает запросы, пока ctx не отменён, затем останавливает всё по порядку
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.worker.Start(gctx)
		return nil
	})

	g.Go(func() error {
		logger.Info("Сервер запущен", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("сервер остановлен с ошибкой: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Ошибка остановки сервера", err)
			return err
		}
		logger.Info("Сервер остановлен")
		return nil
	})

	err := g.Wait()
	a.Shutdown()
	return err
}

func (a *App) shutdownTimeout() time.Duration {
	if a.config.Server.ShutdownTimeout > 0 {
		return a.config.Server.ShutdownTimeout
	}
	return 10 * time.Second
}

func (a *App) Shutdown() {
	for i := len(a.shutdowns) - 1; i >= 0; i-- {
		a.shutdowns[i]()
	}
	a.shutdowns = nil
}
