package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"auth-service/internal/auth"
	"auth-service/internal/credential"
	"auth-service/internal/db"
	"auth-service/internal/maintenance"
	"auth-service/internal/observability"
	"auth-service/internal/ratelimit"
	"auth-service/internal/session"
	"auth-service/internal/token"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Handler http.Handler
	Sweeper *session.Sweeper
	Logger  *zap.Logger
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	environment := envOrDefault("APP_ENV", "development")
	logger := observability.NewLogger(environment)

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	accessSecret, err := mustEnv("ACCESS_TOKEN_SECRET")
	if err != nil {
		return nil, err
	}
	refreshSecret, err := mustEnv("REFRESH_TOKEN_SECRET")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), environment); err != nil {
		logger.Error("init_sentry_failed", zap.Error(err))
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(context.Background(), database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	credRepo := credential.NewRepository(database)
	sessionRepo := session.NewRepository(database)
	ledgerRepo := ratelimit.NewRepository(database)

	tokenService, err := token.NewService(
		sessionRepo,
		accessSecret,
		refreshSecret,
		envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
		envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
	)
	if err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("build token service: %w", err)
	}

	authService := auth.NewService(credRepo, tokenService)
	authService.WithSecurityConfig(
		envIntOrDefault("LOGIN_MAX_ATTEMPTS", 5),
		envMinutesOrDefault("LOGIN_LOCK_MINUTES", 15),
		envIntOrDefault("BCRYPT_COST", bcrypt.DefaultCost),
	)
	authHandler := auth.NewHandler(authService)

	loginLimiter := ratelimit.NewLimiter(
		ledgerRepo,
		credRepo,
		envIntOrDefault("IP_RATE_LIMIT_MAX", 5),
		envSecondsOrDefault("IP_RATE_LIMIT_WINDOW_SECONDS", 60),
		logger,
	)

	sweeper := session.NewSweeper(
		sessionRepo,
		envDaysOrDefault("SESSION_RETENTION_DAYS", 7),
		envMinutesOrDefault("SWEEP_INTERVAL_MINUTES", 60),
		logger,
	)
	sweepHandler := maintenance.NewSweepHandler(sweeper, logger, os.Getenv("CRON_SECRET"))

	if err := seedAdmin(credRepo, logger); err != nil {
		_ = database.Close()
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", loginLimiter.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.Handle("POST /auth/reset-password", auth.RequireAccessToken(tokenService, http.HandlerFunc(authHandler.ResetPassword)))
	mux.HandleFunc("GET /auth/refresh", authHandler.Refresh)
	mux.HandleFunc("DELETE /auth/logout", authHandler.Logout)
	mux.HandleFunc("GET /internal/maintenance/cleanup", sweepHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", sweepHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler: handler,
		Sweeper: sweeper,
		Logger:  logger,
		Close: func() error {
			observability.FlushSentry()
			_ = logger.Sync()
			return database.Close()
		},
	}, nil
}

// seedAdmin creates the bootstrap account when both env vars are set.
// Setting only one of the pair is a configuration mistake, not a
// default to guess around.
func seedAdmin(repo *credential.Repository, logger *zap.Logger) error {
	username := strings.TrimSpace(os.Getenv("ADMIN_USERNAME"))
	password := strings.TrimSpace(os.Getenv("ADMIN_PASSWORD"))

	if username == "" && password == "" {
		return nil
	}
	if username == "" || password == "" {
		return fmt.Errorf("ADMIN_USERNAME and ADMIN_PASSWORD are required together")
	}

	if err := repo.EnsureSeedUser(context.Background(), username, password, envIntOrDefault("BCRYPT_COST", bcrypt.DefaultCost)); err != nil {
		return fmt.Errorf("seed admin user: %w", err)
	}

	logger.Info("admin_seed_ensured", zap.String("username", username))
	return nil
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}
