// Command server starts the loopcast control-plane HTTP service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"loopcast/internal/api"
	"loopcast/internal/auth"
	"loopcast/internal/broadcast"
	"loopcast/internal/events"
	"loopcast/internal/media"
	"loopcast/internal/observability/logging"
	"loopcast/internal/observability/metrics"
	"loopcast/internal/server"
	"loopcast/internal/serverutil"
	"loopcast/internal/session"
	"loopcast/internal/storage"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	dataPath := flag.String("data", "", "path to the JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresConnLifetime := flag.Duration("postgres-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresConnIdle := flag.Duration("postgres-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	sessionStoreDriver := flag.String("session-store", "", "operator session store driver (memory or postgres)")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	loginLimit := flag.Int("rate-login-limit", 0, "maximum login attempts per window for a single IP")
	loginWindow := flag.Duration("rate-login-window", 0, "window for counting login attempts")
	rateRedisAddr := flag.String("rate-redis-addr", "", "Redis address for distributed login throttling")
	rateRedisPassword := flag.String("rate-redis-password", "", "Redis password for distributed login throttling")
	rateRedisTimeout := flag.Duration("rate-redis-timeout", 0, "timeout for rate limiter Redis operations")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API")
	queueDriver := flag.String("event-queue-driver", "", "event queue driver (none or redis)")
	queueRedisAddr := flag.String("event-queue-redis-addr", "", "Redis address for the event queue")
	queueRedisAddrs := flag.String("event-queue-redis-addrs", "", "comma separated Redis addresses for the event queue")
	queueRedisUsername := flag.String("event-queue-redis-username", "", "Redis username for the event queue")
	queueRedisPassword := flag.String("event-queue-redis-password", "", "Redis password for the event queue")
	queueRedisStream := flag.String("event-queue-redis-stream", "", "Redis stream key for mirrored session events")
	queueRedisMaster := flag.String("event-queue-redis-sentinel-master", "", "Redis sentinel master name for the event queue")
	queueRedisTLSCA := flag.String("event-queue-redis-tls-ca", "", "path to Redis TLS CA certificate for the event queue")
	queueRedisTLSCert := flag.String("event-queue-redis-tls-cert", "", "path to Redis TLS client certificate for the event queue")
	queueRedisTLSKey := flag.String("event-queue-redis-tls-key", "", "path to Redis TLS client key for the event queue")
	ffmpegPath := flag.String("ffmpeg-path", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe-path", "", "path to the ffprobe binary")
	workDir := flag.String("work-dir", "", "directory receiving prepared clip artifacts")
	pollInterval := flag.Duration("poll-interval", 0, "remote ingest-status poll cadence")
	stopGrace := flag.Duration("stop-grace", 0, "grace period for stopping the loop process")
	maxSessions := flag.Int("max-sessions", 0, "maximum concurrently active sessions")
	platformTimeout := flag.Duration("platform-timeout", 0, "timeout for platform API requests")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("LOOPCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("LOOPCAST_LOG_FORMAT")),
	})
	auditLogger := logging.WithComponent(logger, "audit")
	recorder := metrics.Default()

	listenAddr := firstNonEmpty(*addr, os.Getenv("LOOPCAST_ADDR"), ":8080")
	dsn := firstNonEmpty(*postgresDSN, os.Getenv("LOOPCAST_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))

	driver := strings.ToLower(firstNonEmpty(*storageDriver, os.Getenv("LOOPCAST_STORAGE_DRIVER")))
	if driver == "" {
		if dsn != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStartup()

	var (
		store       storage.Repository
		storeCloser func(context.Context) error
		err         error
	)
	switch driver {
	case "json":
		dataFile := firstNonEmpty(*dataPath, os.Getenv("LOOPCAST_DATA"), "data/loopcast.json")
		store, err = storage.NewStorage(dataFile)
	case "postgres":
		if dsn == "" {
			logger.Error("postgres storage selected without DSN")
			os.Exit(1)
		}
		store, err = storage.NewPostgresRepository(startupCtx, storage.PostgresConfig{
			DSN:             dsn,
			MaxConnections:  int32(resolveInt(*postgresMaxConns, "LOOPCAST_POSTGRES_MAX_CONNS")),
			MinConnections:  int32(resolveInt(*postgresMinConns, "LOOPCAST_POSTGRES_MIN_CONNS")),
			MaxConnLifetime: resolveDuration(*postgresConnLifetime, "LOOPCAST_POSTGRES_CONN_LIFETIME", 0),
			MaxConnIdleTime: resolveDuration(*postgresConnIdle, "LOOPCAST_POSTGRES_CONN_IDLE", 0),
			ApplicationName: firstNonEmpty(*postgresAppName, os.Getenv("LOOPCAST_POSTGRES_APP_NAME"), "loopcast"),
		})
	default:
		logger.Error("unsupported storage driver", "driver", driver)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	if closer, ok := store.(interface{ Close(context.Context) error }); ok {
		storeCloser = closer.Close
	}

	sessionDriver := strings.ToLower(firstNonEmpty(*sessionStoreDriver, os.Getenv("LOOPCAST_SESSION_STORE")))
	if sessionDriver == "" {
		sessionDriver = "memory"
		if driver == "postgres" {
			sessionDriver = "postgres"
		}
	}
	var sessionStore auth.SessionStore
	switch sessionDriver {
	case "memory":
		sessionStore = auth.NewMemorySessionStore()
	case "postgres":
		pooled, ok := store.(storage.PoolProvider)
		if !ok {
			logger.Error("postgres session store requires the postgres datastore")
			os.Exit(1)
		}
		sessionStore, err = auth.NewPostgresSessionStore(startupCtx, pooled.Pool())
		if err != nil {
			logger.Error("failed to open operator session store", "error", err)
			os.Exit(1)
		}
	default:
		logger.Error("unsupported session store driver", "driver", sessionDriver)
		os.Exit(1)
	}
	sessions := auth.NewSessionManager(24*time.Hour, auth.WithStore(sessionStore))

	queue, err := configureEventQueue(eventQueueSettings{
		Driver:     firstNonEmpty(*queueDriver, os.Getenv("LOOPCAST_EVENT_QUEUE_DRIVER")),
		Addr:       firstNonEmpty(*queueRedisAddr, os.Getenv("LOOPCAST_EVENT_QUEUE_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*queueRedisAddrs, os.Getenv("LOOPCAST_EVENT_QUEUE_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*queueRedisUsername, os.Getenv("LOOPCAST_EVENT_QUEUE_REDIS_USERNAME")),
		Password:   firstNonEmpty(*queueRedisPassword, os.Getenv("LOOPCAST_EVENT_QUEUE_REDIS_PASSWORD")),
		Stream:     firstNonEmpty(*queueRedisStream, os.Getenv("LOOPCAST_EVENT_QUEUE_REDIS_STREAM")),
		MasterName: firstNonEmpty(*queueRedisMaster, os.Getenv("LOOPCAST_EVENT_QUEUE_REDIS_SENTINEL_MASTER")),
		TLSCAFile:  firstNonEmpty(*queueRedisTLSCA, os.Getenv("LOOPCAST_EVENT_QUEUE_REDIS_TLS_CA")),
		TLSCert:    firstNonEmpty(*queueRedisTLSCert, os.Getenv("LOOPCAST_EVENT_QUEUE_REDIS_TLS_CERT")),
		TLSKey:     firstNonEmpty(*queueRedisTLSKey, os.Getenv("LOOPCAST_EVENT_QUEUE_REDIS_TLS_KEY")),
	}, logger)
	if err != nil {
		logger.Error("failed to configure event queue", "error", err)
		os.Exit(1)
	}

	controller, err := media.NewFFmpegController(media.FFmpegConfig{
		FFmpegPath:  firstNonEmpty(*ffmpegPath, os.Getenv("LOOPCAST_FFMPEG_PATH")),
		FFprobePath: firstNonEmpty(*ffprobePath, os.Getenv("LOOPCAST_FFPROBE_PATH")),
		WorkDir:     firstNonEmpty(*workDir, os.Getenv("LOOPCAST_WORK_DIR")),
		Logger:      logging.WithComponent(logger, "media"),
	})
	if err != nil {
		logger.Error("failed to initialise media controller", "error", err)
		os.Exit(1)
	}

	remote, err := broadcast.NewHTTPClient(broadcast.HTTPConfig{
		HTTPClient: &http.Client{Timeout: resolveDuration(*platformTimeout, "LOOPCAST_PLATFORM_TIMEOUT", 15*time.Second)},
		Tokens:     resolveAccessToken,
	})
	if err != nil {
		logger.Error("failed to initialise platform client", "error", err)
		os.Exit(1)
	}

	broker := events.NewBroker()
	orchestrator, err := session.New(session.Config{
		Repo:          store,
		Media:         controller,
		Remote:        remote,
		Broker:        broker,
		Queue:         queue,
		Logger:        logging.WithComponent(logger, "orchestrator"),
		Metrics:       recorder,
		PollInterval:  resolveDuration(*pollInterval, "LOOPCAST_POLL_INTERVAL", 0),
		StopGrace:     resolveDuration(*stopGrace, "LOOPCAST_STOP_GRACE", 0),
		MaxConcurrent: int64(resolveInt(*maxSessions, "LOOPCAST_MAX_SESSIONS")),
	})
	if err != nil {
		logger.Error("failed to initialise orchestrator", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(store, orchestrator, sessions)
	handler.Logger = logging.WithComponent(logger, "api")

	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("LOOPCAST_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("LOOPCAST_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "LOOPCAST_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "LOOPCAST_RATE_GLOBAL_BURST"),
			LoginLimit:    resolveInt(*loginLimit, "LOOPCAST_RATE_LOGIN_LIMIT"),
			LoginWindow:   resolveDuration(*loginWindow, "LOOPCAST_RATE_LOGIN_WINDOW", time.Minute),
			RedisAddr:     firstNonEmpty(*rateRedisAddr, os.Getenv("LOOPCAST_RATE_REDIS_ADDR")),
			RedisPassword: firstNonEmpty(*rateRedisPassword, os.Getenv("LOOPCAST_RATE_REDIS_PASSWORD")),
			RedisTimeout:  resolveDuration(*rateRedisTimeout, "LOOPCAST_RATE_REDIS_TIMEOUT", 2*time.Second),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("LOOPCAST_CORS_ORIGINS"))),
		},
		Logger:      logger,
		AuditLogger: auditLogger,
		Metrics:     recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	runCtx, cancelRun := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancelRun()

	purgeStop := startTokenPurgeWorker(runCtx, logging.WithComponent(logger, "token-purger"), sessions, 15*time.Minute)
	defer purgeStop()

	logger.Info("loopcast API listening", "addr", listenAddr, "storage", driver)
	err = serverutil.Run(runCtx, serverutil.Config{
		Server: srv,
		Logger: logger,
		Drain: func(ctx context.Context) {
			if err := orchestrator.Shutdown(ctx); err != nil {
				logger.Warn("orchestrator drain incomplete", "error", err)
			}
		},
	})
	if err != nil {
		logger.Error("server error", "error", err)
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelClose()
	if err := queue.Close(); err != nil {
		logger.Warn("failed to close event queue", "error", err)
	}
	if storeCloser != nil {
		if err := storeCloser(closeCtx); err != nil {
			logger.Warn("failed to close datastore", "error", err)
		}
	}
	logger.Info("server stopped")
}

type eventQueueSettings struct {
	Driver     string
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	Stream     string
	MasterName string
	TLSCAFile  string
	TLSCert    string
	TLSKey     string
}

func configureEventQueue(cfg eventQueueSettings, logger *slog.Logger) (events.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "redis":
		if cfg.Addr == "" && len(cfg.Addrs) == 0 {
			return nil, fmt.Errorf("redis addr is required for the event queue")
		}
		return events.NewRedisQueue(events.RedisQueueConfig{
			Addr:       cfg.Addr,
			Addrs:      cfg.Addrs,
			Username:   cfg.Username,
			Password:   cfg.Password,
			Stream:     cfg.Stream,
			MasterName: cfg.MasterName,
			Logger:     logging.WithComponent(logger, "event-queue"),
			TLS: events.RedisTLSConfig{
				CAFile:   cfg.TLSCAFile,
				CertFile: cfg.TLSCert,
				KeyFile:  cfg.TLSKey,
			},
		})
	case "", "none":
		return events.NopQueue{}, nil
	default:
		return nil, fmt.Errorf("unsupported event queue driver %q", cfg.Driver)
	}
}

// resolveAccessToken turns a profile's opaque token reference into a bearer
// token. Supported forms: "env:NAME" reads an environment variable,
// "file:/path" reads a file, and a bare value is used verbatim.
func resolveAccessToken(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "":
		return "", fmt.Errorf("profile has no token reference")
	case strings.HasPrefix(ref, "env:"):
		name := strings.TrimPrefix(ref, "env:")
		value := strings.TrimSpace(os.Getenv(name))
		if value == "" {
			return "", fmt.Errorf("environment variable %s is empty", name)
		}
		return value, nil
	case strings.HasPrefix(ref, "file:"):
		raw, err := os.ReadFile(strings.TrimPrefix(ref, "file:"))
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		token := strings.TrimSpace(string(raw))
		if token == "" {
			return "", fmt.Errorf("token file is empty")
		}
		return token, nil
	default:
		return ref, nil
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}
