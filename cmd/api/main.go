package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/anvaya/chatrelay/internal/broker"
	"github.com/anvaya/chatrelay/internal/config"
	"github.com/anvaya/chatrelay/internal/data"
	"github.com/anvaya/chatrelay/internal/db"
	"github.com/anvaya/chatrelay/internal/logger"
	"github.com/anvaya/chatrelay/internal/middleware"
	"github.com/anvaya/chatrelay/internal/rpc/chatv1"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, health, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	jwtMgr, err := cfg.JWTManager()
	if err != nil {
		return fmt.Errorf("jwt keys: %w", err)
	}
	if jwtMgr == nil {
		log.Warn("no JWT_SECRET or JWT_KEYS configured, running in trust mode: identities come from X-User-ID and request parameters")
	}

	deps := serverDeps{
		Store:        store,
		JWT:          jwtMgr,
		Logger:       log,
		QueueSize:    cfg.Live.QueueSize,
		FrontendURL:  cfg.HTTP.FrontendURL,
		StoreTimeout: cfg.Store.Timeout,
		Health:       health,
	}

	if cfg.Broker.URL != "" {
		pub, err := broker.Dial(cfg.Broker.URL, cfg.Broker.Exchange, log.Named("broker"))
		if err != nil {
			return err
		}
		defer pub.Close()
		deps.Publisher = pub
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	deps.Registry = reg

	// one limiter shared by REST create, live sends and stream opens
	limiterStore := middleware.NewLimiterStore(cfg.RateLimit.RPM, cfg.RateLimit.Burst, 1*time.Minute)
	defer limiterStore.Stop()
	deps.Limiter = limiterStore

	srv := newServer(deps)
	defer srv.relay.Close()

	// assemble server opts and chain stream interceptors: logging -> auth -> rate limiter
	var serverOpts []grpc.ServerOption
	if cfg.GRPC.TLSCert != "" && cfg.GRPC.TLSKey != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.GRPC.TLSCert, cfg.GRPC.TLSKey)
		if err != nil {
			return fmt.Errorf("failed to load TLS certs: %w", err)
		}
		serverOpts = append(serverOpts, grpc.Creds(creds))
	}
	limited := map[string]bool{
		chatv1.ChatStreamFullMethodName: true,
		chatv1.GetHistoryFullMethodName: true,
	}
	serverOpts = append(serverOpts, grpc.ChainStreamInterceptor(
		loggingStreamInterceptor(log.Named("grpc")),
		authStreamInterceptor(jwtMgr),
		middleware.RateLimitStreamInterceptor(limiterStore, limited),
	))

	grpcServer := grpc.NewServer(serverOpts...)
	registerService(grpcServer, srv)

	listenAddr := fmt.Sprintf(":%s", cfg.GRPC.Port)
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("gRPC server listening", zap.String("addr", listenAddr), zap.Bool("tls", cfg.GRPC.TLSCert != ""))
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()
	go func() {
		log.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.Error("server failed, shutting down", zap.Error(err))
		grpcServer.Stop()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown", zap.Error(err))
	}

	// GracefulStop waits for live streams; cap it with the same deadline
	done := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	return nil
}

// openStore connects the configured message store and returns it with a
// health probe and a close func.
func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (messageStore, func(context.Context) error, func(), error) {
	switch cfg.Store.Driver {
	case "mongo":
		dbClient, err := db.New(ctx, cfg.Store.MongoURI, cfg.Store.MongoDatabase)
		if err != nil {
			return nil, nil, nil, err
		}
		// Ensure indexes exist
		if err := dbClient.CreateIndexes(ctx); err != nil {
			_ = dbClient.Close(context.Background())
			return nil, nil, nil, err
		}
		log.Info("message store ready", zap.String("driver", "mongo"), zap.String("database", cfg.Store.MongoDatabase))
		closeFn := func() { _ = dbClient.Close(context.Background()) }
		return data.NewMessagesStore(dbClient.MessagesCollection()), dbClient.Ping, closeFn, nil

	default:
		gdb, err := db.OpenSQL(ctx, cfg.Store.Driver, cfg.Store.DSN, log)
		if err != nil {
			return nil, nil, nil, err
		}
		store := data.NewSQLMessagesStore(gdb)
		if err := store.Migrate(ctx); err != nil {
			_ = db.CloseSQL(gdb)
			return nil, nil, nil, err
		}
		health := func(ctx context.Context) error {
			sqlDB, err := gdb.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}
		log.Info("message store ready", zap.String("driver", cfg.Store.Driver))
		return store, health, func() { _ = db.CloseSQL(gdb) }, nil
	}
}
