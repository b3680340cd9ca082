package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/sweetshop-inventory/internal/adapter/handler"
	"github.com/rl1809/sweetshop-inventory/internal/adapter/listener"
	"github.com/rl1809/sweetshop-inventory/internal/adapter/storage"
	"github.com/rl1809/sweetshop-inventory/internal/config"
	"github.com/rl1809/sweetshop-inventory/internal/core/service"
	"github.com/rl1809/sweetshop-inventory/internal/observability"
	"github.com/rl1809/sweetshop-inventory/internal/port"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Server.AppEnv, cfg.Logger)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.Otel)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	}

	store, closeStore, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}

	ledger := service.NewInventoryLedger(store, logger.Named("ledger"),
		service.WithRetryPolicy(service.RetryPolicy{
			MaxRetries:      uint64(cfg.Ledger.MaxRetries),
			InitialInterval: cfg.Ledger.InitialBackoff,
			MaxInterval:     cfg.Ledger.MaxBackoff,
		}),
		service.WithTracer(otel.Tracer("sweetshop-inventory/ledger")),
	)

	var coordOpts []service.CoordinatorOption
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect redis", zap.Error(err))
		}
		logger.Info("connected to redis", zap.String("addr", cfg.Redis.Addr))
		coordOpts = append(coordOpts, service.WithCache(storage.NewRedisAdapter(rdb)))
	}

	coordinator := service.NewAdjustmentCoordinator(ledger, store, logger.Named("coordinator"), coordOpts...)

	// Kafka listener
	var wg sync.WaitGroup
	var invListener *listener.InventoryListener
	if cfg.Kafka.Enabled {
		reader := listener.NewReader(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID)
		invListener = listener.NewInventoryListener(reader, coordinator, logger.Named("listener"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			invListener.Start(ctx)
		}()
		logger.Info("kafka listener started", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	// gRPC server
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.UnaryInterceptor(logger.Named("grpc"))))
	handler.RegisterInventoryServer(grpcServer, handler.NewGRPCHandler(coordinator, logger))
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(handler.InventoryServiceName, healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("addr", cfg.Server.GRPCAddr), zap.Error(err))
	}

	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.Server.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// HTTP server
	httpHandler := handler.NewHTTPHandler(coordinator, cfg.Server.RequestTimeout, logger.Named("http"))
	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: httpHandler.Routes(),
	}

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.Server.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
	logger.Info("HTTP server stopped")

	healthServer.Shutdown()
	grpcServer.GracefulStop()
	logger.Info("gRPC server stopped")

	cancel()
	wg.Wait()
	if invListener != nil {
		invListener.Close()
		logger.Info("kafka listener stopped")
	}

	if rdb != nil {
		rdb.Close()
	}
	if err := closeStore(); err != nil {
		logger.Warn("close store", zap.Error(err))
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", zap.Error(err))
	}
	logger.Info("connections closed")
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (port.CatalogStore, func() error, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		logger.Warn("using in-memory store; data is lost on restart")
		return storage.NewMemoryAdapter(), func() error { return nil }, nil

	case config.StoreMySQL:
		db, err := storage.OpenMySQL(ctx, storage.MySQLConfig{
			DSN:             cfg.MySQLDSN,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
		})
		if err != nil {
			return nil, nil, err
		}
		adapter := storage.NewMySQLAdapter(db)
		if cfg.Migrate {
			if err := adapter.Migrate(ctx); err != nil {
				db.Close()
				return nil, nil, err
			}
		}
		logger.Info("connected to mysql")
		return adapter, db.Close, nil

	default:
		db, err := storage.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		adapter := storage.NewSQLiteAdapter(db)
		if err := adapter.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("opened sqlite database", zap.String("path", cfg.SQLitePath))
		return adapter, db.Close, nil
	}
}
