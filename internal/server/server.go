package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Nzyazin/fanledger/internal/core/cache"
	"github.com/Nzyazin/fanledger/internal/core/events"
	"github.com/Nzyazin/fanledger/internal/core/handler"
	"github.com/Nzyazin/fanledger/internal/core/logger"
	middlWre "github.com/Nzyazin/fanledger/internal/core/middleware"
	"github.com/Nzyazin/fanledger/internal/core/metrics"
	"github.com/Nzyazin/fanledger/internal/core/repository"
	"github.com/Nzyazin/fanledger/internal/core/repository/memory"
	"github.com/Nzyazin/fanledger/internal/core/repository/sqlstore"
	"github.com/Nzyazin/fanledger/internal/core/usecase"
	"github.com/Nzyazin/fanledger/pkg/config"
	"github.com/Nzyazin/fanledger/pkg/postgresdb"
	"github.com/Nzyazin/fanledger/pkg/sqlitedb"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpprom "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"
)

type Server struct {
	router        *mux.Router
	log           logger.Logger
	httpServer    *http.Server
	ledgerHandler *handler.LedgerHandler
	store         repository.Store
	registry      *prometheus.Registry
	closers       []io.Closer
}

// NewServer opens the configured store and wires the ledger behind the HTTP
// router.
func NewServer(cfg *config.Config, log logger.Logger) (*Server, error) {
	store, err := OpenStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}
	return NewWithStore(cfg, store, log)
}

// NewWithStore wires the server around an already opened store. The server
// takes ownership of store and closes it on Shutdown.
func NewWithStore(cfg *config.Config, store repository.Store, log logger.Logger) (*Server, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	server := &Server{
		log:      log,
		router:   mux.NewRouter(),
		store:    store,
		registry: registry,
	}

	var walletCache usecase.WalletCache
	if cfg.Redis.Addr != "" {
		c := cache.NewWalletCache(cache.NewRedisClient(cfg.Redis), cfg.WalletCacheTTL, log)
		server.closers = append(server.closers, c)
		walletCache = c
		log.Info("Wallet cache enabled", logger.StringField("addr", cfg.Redis.Addr))
	}

	var publisher usecase.Publisher = events.NewLogPublisher(log)
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := events.NewAsyncProducer(cfg.Kafka)
		if err != nil {
			server.closeAll()
			return nil, fmt.Errorf("kafka producer: %w", err)
		}
		kp := events.NewKafkaPublisher(producer, cfg.Kafka.Topic, log)
		server.closers = append(server.closers, kp)
		publisher = kp
		log.Info("Publishing ledger events to Kafka", logger.StringField("topic", cfg.Kafka.Topic))
	}

	engineOpts := []usecase.EngineOption{
		usecase.WithPublisher(publisher),
		usecase.WithRecorder(metrics.NewLedgerMetrics(registry)),
		usecase.WithMaxAttempts(cfg.TransferMaxAttempts),
	}
	if walletCache != nil {
		engineOpts = append(engineOpts, usecase.WithWalletCache(walletCache))
	}

	engine := usecase.NewTransferEngine(store, log, engineOpts...)
	ledgerUsecase := usecase.NewLedgerUsecase(engine, store, walletCache, log)
	server.ledgerHandler = handler.NewLedgerHandler(ledgerUsecase, log)

	mw := middleware.New(middleware.Config{
		Recorder: httpprom.NewRecorder(httpprom.Config{Registry: registry}),
	})

	server.router.Use(
		middlWre.Recovery(log),
		middlWre.WithRequestLogger(log),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				std.Handler(routeID(r), mw, next).ServeHTTP(w, r)
			})
		},
	)

	server.RegisterRoutes(cfg)

	return server, nil
}

// OpenStore connects to the store selected by cfg.StoreDriver and makes sure
// its schema exists.
func OpenStore(ctx context.Context, cfg *config.Config, log logger.Logger) (repository.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMemory:
		log.Warn("Using in-memory store, balances are lost on restart")
		return memory.New(), nil
	case config.DriverPostgres:
		db, err := postgresdb.NewPostgresDB(cfg.DB, log)
		if err != nil {
			return nil, err
		}
		return migrated(ctx, sqlstore.New(db, sqlstore.Postgres, log))
	case config.DriverSQLite:
		db, err := sqlitedb.NewSQLiteDB(cfg.SQLitePath, log)
		if err != nil {
			return nil, err
		}
		return migrated(ctx, sqlstore.New(db, sqlstore.SQLite, log))
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func migrated(ctx context.Context, s *sqlstore.Store) (repository.Store, error) {
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) RegisterRoutes(cfg *config.Config) {
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.health).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(
		middlWre.Timeout(cfg.RequestTimeout),
		middlWre.Authenticate(cfg.JWTSecret, s.log),
	)
	admin := api.PathPrefix("/admin").Subrouter()
	admin.Use(middlWre.RequireAdmin)

	s.ledgerHandler.RegisterRoutes(api, admin)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	if err := s.store.Ping(ctx); err != nil {
		s.log.Error("Health check failed", logger.ErrorField("error", err))
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) Run(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       9 * time.Second,
		WriteTimeout:      12 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 6 * time.Second,
	}

	s.httpServer = srv

	return srv.ListenAndServe()
}

func (s *Server) RunTLS(addr, certFile, keyFile string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       9 * time.Second,
		WriteTimeout:      9 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 6 * time.Second,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
	}

	s.httpServer = srv
	return srv.ListenAndServeTLS(certFile, keyFile)
}

// Shutdown drains HTTP traffic first, then flushes the event producer and
// closes the cache and the store.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	var shutdownErr error

	go func() {
		defer close(done)
		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.log.Error("failed to shutdown HTTP server", logger.ErrorField("error", err))
				shutdownErr = errors.Join(shutdownErr, fmt.Errorf("HTTP server shutdown error: %w", err))
			}
		}
		if err := s.closeAll(); err != nil {
			shutdownErr = errors.Join(shutdownErr, err)
		}
	}()

	select {
	case <-done:
		return shutdownErr
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

func (s *Server) closeAll() error {
	var errs error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.log.Error("failed to close dependency", logger.ErrorField("error", err))
			errs = errors.Join(errs, err)
		}
	}
	s.closers = nil

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Error("failed to close store", logger.ErrorField("error", err))
			errs = errors.Join(errs, fmt.Errorf("store shutdown error: %w", err))
		}
		s.store = nil
	}
	return errs
}

// routeID labels HTTP metrics by route template so path parameters do not
// explode label cardinality.
func routeID(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
