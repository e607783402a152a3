package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"todo-auth/internal/auth"
	"todo-auth/internal/db"
	"todo-auth/internal/maintenance"
	"todo-auth/internal/observability"
	"todo-auth/internal/todo"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
}

type Runtime struct {
	Config  Config
	Handler http.Handler
	Close   func() error
}

// Dependencies is everything NewRouter needs. Build fills it from the
// environment; tests assemble it from in-memory stores.
type Dependencies struct {
	Logger           *observability.Logger
	Auth             *auth.Service
	Todos            todo.Store
	Pruner           maintenance.Pruner
	LoginLimiter     *auth.LoginRateLimiter
	TrustedProxies   *observability.TrustedProxies
	CronSecret       string
	RefreshRetention time.Duration
	CleanupBatchSize int
	CORSOrigins      []string
	Health           func(ctx context.Context) error
}

type stores struct {
	users   auth.UserDirectory
	tokens  auth.RefreshTokenStore
	todos   todo.Store
	pruner  maintenance.Pruner
	health  []func(ctx context.Context) error
	closers []func() error
}

func (s *stores) close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Env); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	ctx := context.Background()

	st, err := openStores(ctx, cfg, options, logger)
	if err != nil {
		return nil, err
	}

	authService, err := auth.NewService(st.users, st.tokens, cfg.Token, logger, auth.ServiceOptions{
		StoreTimeout: cfg.StoreTimeout,
		PasswordCost: cfg.PasswordCost,
	})
	if err != nil {
		_ = st.close()
		return nil, fmt.Errorf("init auth service: %w", err)
	}

	if err := authService.BootstrapFromEnv(ctx, cfg.AdminUsername, cfg.AdminPassword); err != nil {
		_ = st.close()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	proxies, err := observability.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		_ = st.close()
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}

	handler := NewRouter(Dependencies{
		Logger:           logger,
		Auth:             authService,
		Todos:            st.todos,
		Pruner:           st.pruner,
		LoginLimiter:     auth.NewLoginRateLimiter(cfg.LoginRateLimitMax, cfg.LoginRateLimitWindow),
		TrustedProxies:   proxies,
		CronSecret:       cfg.CronSecret,
		RefreshRetention: cfg.RefreshRetention,
		CleanupBatchSize: cfg.CleanupBatchSize,
		CORSOrigins:      cfg.CORSAllowedOrigins,
		Health: func(ctx context.Context) error {
			for _, check := range st.health {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	})

	logger.Info("runtime_ready", map[string]any{
		"store_backend": cfg.StoreBackend,
		"redis_tokens":  cfg.RedisURL != "",
		"env":           cfg.Env,
	})

	return &Runtime{
		Config:  cfg,
		Handler: handler,
		Close: func() error {
			observability.FlushSentry()
			return st.close()
		},
	}, nil
}

func openStores(ctx context.Context, cfg Config, options Options, logger *observability.Logger) (*stores, error) {
	st := &stores{}

	switch cfg.StoreBackend {
	case StoreBackendMemory:
		memory := auth.NewMemoryStore()
		todos := todo.NewMemoryRepository()
		if err := todos.Seed(ctx); err != nil {
			return nil, fmt.Errorf("seed todos: %w", err)
		}
		st.users, st.tokens, st.pruner, st.todos = memory, memory, memory, todos

	default:
		database, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		st.closers = append(st.closers, database.Close)

		database.SetMaxOpenConns(cfg.DB.MaxOpenConns)
		database.SetMaxIdleConns(cfg.DB.MaxIdleConns)
		database.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)
		database.SetConnMaxIdleTime(cfg.DB.ConnMaxIdleTime)

		if err := database.PingContext(ctx); err != nil {
			_ = st.close()
			return nil, fmt.Errorf("ping database: %w", err)
		}

		if options.RunMigrations {
			applied, err := db.RunMigrations(ctx, database)
			if err != nil {
				_ = st.close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
			if len(applied) > 0 {
				logger.Info("migrations_applied", map[string]any{"versions": applied})
			}
		}

		repo := auth.NewRepository(database)
		st.users, st.tokens, st.pruner = repo, repo, repo
		st.todos = todo.NewRepository(database)
		st.health = append(st.health, database.PingContext)
	}

	if cfg.RedisURL != "" {
		redisOptions, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			_ = st.close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(redisOptions)
		st.closers = append(st.closers, client.Close)

		if err := client.Ping(ctx).Err(); err != nil {
			_ = st.close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}

		// Redis expires its own records, so there is nothing left to prune.
		st.tokens = auth.NewRedisRefreshStore(client, "todo-auth", cfg.RefreshRetention)
		st.pruner = nil
		st.health = append(st.health, func(ctx context.Context) error { return client.Ping(ctx).Err() })
	}

	return st, nil
}

func NewRouter(deps Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewLogger()
	}
	limiter := deps.LoginLimiter
	if limiter == nil {
		limiter = auth.NewLoginRateLimiter(0, 0)
	}

	validator := deps.Auth.Validator()
	authenticated := func(h http.HandlerFunc, requirements ...auth.Requirement) http.Handler {
		return auth.Middleware(validator, auth.Require(h, requirements...))
	}

	authHandler := auth.NewHandler(deps.Auth)
	todoHandler := todo.NewHandler(deps.Todos)
	cleanupHandler := maintenance.NewCleanupHandler(
		deps.Pruner,
		logger,
		deps.CronSecret,
		deps.RefreshRetention,
		deps.CleanupBatchSize,
	)
	manageUsers := []auth.Requirement{
		auth.RoleEquals(auth.RoleAdmin),
		auth.HasPermission(auth.PermissionManageUsers),
	}

	mux := http.NewServeMux()
	mux.Handle("POST /auth/token", limiter.Middleware(http.HandlerFunc(authHandler.Token)))
	mux.Handle("POST /auth/refresh", limiter.Middleware(http.HandlerFunc(authHandler.Refresh)))
	mux.HandleFunc("POST /auth/revoke", authHandler.Revoke)
	mux.Handle("GET /auth/me", authenticated(authHandler.Me))
	mux.Handle("GET /auth/sessions", authenticated(authHandler.Sessions))

	mux.Handle("POST /users", authenticated(authHandler.CreateUser, manageUsers...))
	mux.Handle("PUT /users/{username}/permissions/{permission}", authenticated(authHandler.GrantPermission, manageUsers...))
	mux.Handle("DELETE /users/{username}/permissions/{permission}", authenticated(authHandler.RevokePermission, manageUsers...))

	mux.Handle("GET /todos", authenticated(todoHandler.ListTodos, auth.HasPermission(auth.PermissionViewTodo)))
	mux.HandleFunc("GET /todos/{id}", todoHandler.GetTodo)
	mux.Handle("POST /todos", authenticated(todoHandler.CreateTodo, auth.HasPermission(auth.PermissionCreateTodo)))
	mux.Handle("PUT /todos/{id}", authenticated(todoHandler.UpdateTodo, auth.HasPermission(auth.PermissionUpdateTodo)))
	mux.Handle("DELETE /todos/{id}", authenticated(todoHandler.DeleteTodo, auth.HasPermission(auth.PermissionDeleteTodo)))

	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(deps.Health))

	var handler http.Handler = mux
	if len(deps.CORSOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: deps.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", observability.RequestIDHeader},
			ExposedHeaders: []string{observability.RequestIDHeader, "Retry-After"},
		}).Handler(mux)
	}

	handler = observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, handler))
	return observability.ClientIPMiddleware(deps.TrustedProxies, handler)
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if check != nil {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
