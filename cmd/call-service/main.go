package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	intDatabase "peercall-backend/internal/database"
	"peercall-backend/internal/events"
	"peercall-backend/internal/middleware"
	"peercall-backend/internal/repository/cassandra"
	"peercall-backend/internal/repository/cockroach"
	"peercall-backend/internal/repository/memory"
	redisRepo "peercall-backend/internal/repository/redis"
	"peercall-backend/internal/server"
	"peercall-backend/internal/service/callrecord"
	"peercall-backend/internal/service/mailbox"
	"peercall-backend/internal/service/notification"
	"peercall-backend/pkg/config"
	"peercall-backend/pkg/constants"
	pkgDatabase "peercall-backend/pkg/database"
	"peercall-backend/pkg/jwt"
	"peercall-backend/pkg/logger"
	"peercall-backend/pkg/metrics"
	"peercall-backend/pkg/push"
)

// stores is the storage a deployment wires into the services
type stores struct {
	calls         callrecord.Repository
	signals       mailbox.SignalRepository
	notifications notification.Repository
	pushTokens    push.TokenRepository
	bus           events.Bus

	redis   *intDatabase.RedisClient
	checks  map[string]func(context.Context) error
	closers []func()
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if cfg.JWT.Secret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)

	var st *stores
	if cfg.Storage.Backend == config.StorageMemory {
		st = memoryStores()
		logger.Info("Using in-memory storage")
	} else {
		st, err = persistentStores(ctx, cfg)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer st.Close()

	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)

	pushProvider, err := push.NewProvider(ctx, &cfg.Push)
	if err != nil {
		if cfg.IsProduction() {
			logger.Fatal("Failed to initialize push provider", zap.Error(err))
		}
		logger.Warn("Push provider unavailable, falling back to mock", zap.Error(err))
		pushProvider = &push.MockProvider{}
	}
	if _, ok := pushProvider.(*push.MockProvider); ok && cfg.IsProduction() {
		logger.Fatal("PUSH_PROVIDER=mock is not allowed in production")
	}
	pushSvc := push.NewService(pushProvider, st.pushTokens)

	callSvc := callrecord.NewService(st.calls, st.bus, cfg.Call.RingingTimeout, pushSvc, appMetrics)
	mailboxSvc := mailbox.NewService(st.signals, st.bus, appMetrics)
	notificationSvc := notification.NewService(st.notifications, pushSvc, appMetrics)

	if cfg.Call.ExpiryWriteBack {
		sweeper, err := callrecord.NewSweeper(callSvc, notificationSvc, cfg.Call.ExpirySchedule)
		if err != nil {
			logger.Fatal("Failed to create call expiry sweeper", zap.Error(err))
		}
		if err := sweeper.Start(); err != nil {
			logger.Fatal("Failed to start call expiry sweeper", zap.Error(err))
		}
		defer sweeper.Stop()
	}

	deps := server.Deps{
		ServiceName:   cfg.Server.ServiceName,
		Calls:         callSvc,
		Mailbox:       mailboxSvc,
		Notifications: notificationSvc,
		Push:          pushSvc,
		JWT:           jwtManager,
		Metrics:       appMetrics,

		ReadinessChecks: st.checks,
	}
	if st.redis != nil {
		deps.Revocation = middleware.NewRedisRevocationChecker(st.redis)
		deps.RateCounter = st.redis
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	} else {
		deps.TrustedProxies = []string{"127.0.0.1", "::1"}
	}
	router := server.NewRouter(deps)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Call service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("storage", cfg.Storage.Backend),
			zap.Bool("expiry_write_back", cfg.Call.ExpiryWriteBack))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Server exited")
}

func memoryStores() *stores {
	return &stores{
		calls:         memory.NewCallRepository(),
		signals:       memory.NewSignalRepository(),
		notifications: memory.NewNotificationRepository(),
		pushTokens:    memory.NewPushTokenRepository(),
		bus:           memory.NewEventBus(),
	}
}

// persistentStores keeps call records and notifications in CockroachDB,
// signals in Cassandra, and push tokens and change events in Redis
func persistentStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	st := &stores{checks: map[string]func(context.Context) error{}}

	db, err := connectCockroach(ctx, &pkgDatabase.CockroachConfig{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: int32(cfg.Database.MaxConns),
		MinConns: int32(cfg.Database.MinConns),
	})
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, db.Close)
	if err := cockroach.EnsureSchema(ctx, db.Pool); err != nil {
		st.Close()
		return nil, err
	}
	st.checks["cockroach"] = db.Ping
	st.calls = cockroach.NewCallRepository(db.Pool)
	st.notifications = cockroach.NewNotificationRepository(db.Pool)
	logger.Info("Connected to CockroachDB")

	cass, err := pkgDatabase.NewCassandraDB(&pkgDatabase.CassandraConfig{
		Hosts:       cfg.Cassandra.Hosts,
		Keyspace:    cfg.Cassandra.Keyspace,
		Username:    cfg.Cassandra.Username,
		Password:    cfg.Cassandra.Password,
		Consistency: cfg.Cassandra.Consistency,
		Timeout:     cfg.Cassandra.Timeout,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to connect to Cassandra: %w", err)
	}
	st.closers = append(st.closers, cass.Close)
	if err := cassandra.EnsureSchema(cass.Session); err != nil {
		st.Close()
		return nil, err
	}
	st.checks["cassandra"] = cass.Ping
	st.signals = cassandra.NewSignalRepository(cass.Session)
	logger.Info("Connected to Cassandra")

	redisDB := intDatabase.NewRedisDB(&intDatabase.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	})
	if err := redisDB.HealthCheck(ctx); err != nil {
		logger.Warn("Redis unavailable at startup, starting degraded", zap.Error(err))
	}
	healthCtx, stopHealth := context.WithCancel(context.Background())
	go redisDB.WatchHealth(healthCtx, 10*time.Second)
	st.closers = append(st.closers, func() {
		stopHealth()
		redisDB.Close()
	})
	st.redis = redisDB
	st.checks["redis"] = func(ctx context.Context) error {
		if redisDB.IsDegraded() {
			return intDatabase.ErrRedisDegraded
		}
		return nil
	}
	st.pushTokens = redisRepo.NewPushTokenRepository(redisDB)
	st.bus = redisRepo.NewEventBus(redisDB)

	return st, nil
}

// connectCockroach retries with exponential backoff while the database comes up
func connectCockroach(ctx context.Context, dbConfig *pkgDatabase.CockroachConfig) (*pkgDatabase.CockroachDB, error) {
	const maxRetries = 5
	baseDelay := 1 * time.Second
	maxDelay := 30 * time.Second

	db, err := pkgDatabase.NewCockroachDB(ctx, dbConfig)
	for attempt := 2; err != nil && attempt <= maxRetries; attempt++ {
		delay := time.Duration(float64(baseDelay) * math.Pow(2, float64(attempt-1)))
		if delay > maxDelay {
			delay = maxDelay
		}
		logger.Warn("CockroachDB connection failed, retrying",
			zap.Int("attempt", attempt-1),
			zap.Duration("delay", delay),
			zap.Error(err))
		time.Sleep(delay)
		db, err = pkgDatabase.NewCockroachDB(ctx, dbConfig)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CockroachDB after %d attempts: %w", maxRetries, err)
	}
	return db, nil
}
