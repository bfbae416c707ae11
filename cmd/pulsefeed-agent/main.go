package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/pulsefeed/internal/auth"
	"github.com/agentworkforce/pulsefeed/internal/eventbus"
	"github.com/agentworkforce/pulsefeed/internal/httpclient"
	"github.com/agentworkforce/pulsefeed/internal/kvstore"
	"github.com/agentworkforce/pulsefeed/internal/notifications"
	"github.com/agentworkforce/pulsefeed/internal/realtime"
	"github.com/agentworkforce/pulsefeed/internal/telemetry"
)

func main() {
	_ = godotenv.Load()
	logger := buildLogger()

	apiURL := strings.TrimSpace(os.Getenv("PULSEFEED_API_URL"))
	if apiURL == "" {
		logger.Fatal().Msg("PULSEFEED_API_URL is required")
	}
	realtimeURL := strings.TrimSpace(os.Getenv("PULSEFEED_REALTIME_URL"))

	local, session, err := buildStoresFromEnv(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer local.Close()
	defer session.Close()

	bus := eventbus.New()
	tokens := auth.NewTokenSource(auth.TokenSourceOptions{
		Local:   local,
		Session: session,
		Logger:  logger,
	})
	client := httpclient.New(httpclient.Options{
		BaseURL:        apiURL,
		TokenProvider:  tokens.Token,
		MaxRetries:     intEnv(logger, "PULSEFEED_MAX_RETRIES", 0),
		BackoffBase:    durationEnv(logger, "PULSEFEED_BACKOFF_BASE", 0),
		RateLimitDelay: durationEnv(logger, "PULSEFEED_RATE_LIMIT_DELAY", 0),
		Logger:         logger,
	})

	offline := telemetry.NewOfflineStore(telemetry.OfflineStoreOptions{
		Store:         local,
		Client:        client,
		Authenticated: tokens.Authenticated,
		RetryInterval: durationEnv(logger, "PULSEFEED_RETRY_INTERVAL", 0),
		Logger:        logger,
	})
	tracker := telemetry.NewTracker(telemetry.TrackerOptions{
		Client:        client,
		Offline:       offline,
		Authenticated: tokens.Authenticated,
		Debounce:      durationEnv(logger, "PULSEFEED_DEBOUNCE", 0),
		MaxFlushDelay: durationEnv(logger, "PULSEFEED_MAX_FLUSH_DELAY", 0),
		Logger:        logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	offline.Start(ctx, bus)

	store, err := notifications.NewStore(notifications.StoreOptions{
		Client: client,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize notification store")
	}
	store.OnNotification(func(n notifications.Notification) {
		logger.Info().
			Int("id", n.ID).
			Str("type", string(n.Type)).
			Str("title", n.Title).
			Msg("notification received")
	})

	if realtimeURL != "" {
		manager := realtime.NewManager(realtime.ManagerOptions{
			URL:    realtimeURL,
			Token:  tokens.Token(ctx),
			Logger: logger,
		})
		store.AttachRealtime(manager)
		manager.Open()
		defer manager.Close()
	}

	logger.Info().Str("api_url", apiURL).Msg("pulsefeed agent started, reading events from stdin")
	readEvents(ctx, logger, tracker)

	// Drain what we can before exiting.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tracker.Flush(flushCtx)
	tracker.Close()
	logger.Info().Msg("pulsefeed agent stopped")
}

// readEvents consumes one JSON-encoded activity event per stdin line
// until EOF or shutdown. Bad lines are logged and skipped.
func readEvents(ctx context.Context, logger zerolog.Logger, tracker *telemetry.Tracker) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var event telemetry.ActivityEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			logger.Warn().Err(err).Msg("skipping malformed event line")
			continue
		}
		if err := tracker.Record(ctx, event); err != nil {
			if errors.Is(err, telemetry.ErrInvalidEvent) {
				logger.Warn().Err(err).Msg("skipping invalid event")
				continue
			}
			logger.Warn().Err(err).Msg("failed to record event")
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		logger.Warn().Err(err).Msg("stdin read failed")
	}
}

func buildLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.TrimSpace(os.Getenv("PULSEFEED_LOG_LEVEL")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if strings.EqualFold(strings.TrimSpace(os.Getenv("PULSEFEED_LOG_FORMAT")), "console") {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func buildStoresFromEnv(logger zerolog.Logger) (local, session kvstore.Store, err error) {
	localDSN := strings.TrimSpace(os.Getenv("PULSEFEED_STORAGE_DSN"))
	if localDSN == "" {
		localDSN = "file://" + defaultStatePath()
	}
	sessionDSN := strings.TrimSpace(os.Getenv("PULSEFEED_SESSION_DSN"))
	if sessionDSN == "" {
		sessionDSN = "memory://"
	}
	opts := kvstore.BuildOptions{
		WatchFiles: boolEnv(logger, "PULSEFEED_WATCH_STORAGE", false),
		Logger:     logger,
	}
	local, err = kvstore.BuildStoreFromDSN(localDSN, opts)
	if err != nil {
		return nil, nil, err
	}
	session, err = kvstore.BuildStoreFromDSN(sessionDSN, opts)
	if err != nil {
		_ = local.Close()
		return nil, nil, err
	}
	return local, session, nil
}

func defaultStatePath() string {
	dataDir := strings.TrimSpace(os.Getenv("PULSEFEED_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".pulsefeed"
	}
	return dataDir + "/state.json"
}

func intEnv(logger zerolog.Logger, name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn().Str("name", name).Str("value", raw).Int("fallback", fallback).Msg("invalid integer env var")
		return fallback
	}
	return value
}

func boolEnv(logger zerolog.Logger, name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logger.Warn().Str("name", name).Str("value", raw).Bool("fallback", fallback).Msg("invalid boolean env var")
		return fallback
	}
	return value
}

func durationEnv(logger zerolog.Logger, name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warn().Str("name", name).Str("value", raw).Str("fallback", fallback.String()).Msg("invalid duration env var")
		return fallback
	}
	return value
}
