// Package app wires the application together: database, model provider,
// rate-limit store, and the RAG components.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/askdocs/askdocs/db"
	"github.com/askdocs/askdocs/internal/clock"
	"github.com/askdocs/askdocs/internal/config"
	"github.com/askdocs/askdocs/internal/log"
	"github.com/askdocs/askdocs/internal/rag"
	"github.com/askdocs/askdocs/internal/ratelimit"
	"github.com/askdocs/askdocs/internal/session"
)

// App holds the initialized application components.
// Call Close to release connections.
type App struct {
	Config *config.Config
	Logger log.Logger

	Pool     *pgxpool.Pool
	Genkit   *genkit.Genkit
	Embedder ai.Embedder

	Limiter  *ratelimit.Limiter
	Sessions *session.Registry
	Janitor  *session.Janitor

	DocStore  *rag.DocumentStore
	DocStatus *rag.Status
	Engine    rag.Engine
	Loader    *rag.Loader

	redisClient *redis.Client
}

// Setup creates and initializes the application. On error, everything
// already initialized is released.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	pool, err := providePool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	g, embedder, err := provideGenkit(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Genkit = g
	a.Embedder = embedder

	clk := clock.Real()

	rateStore, redisClient := provideRateStore(ctx, cfg, clk, logger)
	a.redisClient = redisClient
	a.Limiter = ratelimit.NewLimiter(rateStore, clk, cfg.RateWindow(), cfg.RateMaxRequests, logger)

	sessionStore := session.NewPostgresStore(pool)
	a.Sessions = session.NewRegistry(sessionStore, clk, cfg.ContextWindow)
	a.Janitor = session.NewJanitor(sessionStore, clk, cfg.SessionTTL, cfg.CleanupInterval, logger)

	a.DocStatus = rag.NewStatus(clk)
	a.DocStore = rag.NewDocumentStore(pool, embedder, logger)
	a.Loader = rag.NewLoader(a.DocStore, a.DocStatus, 0, logger)
	a.Engine = rag.NewGenkitEngine(g, cfg.ModelName, a.DocStore, a.DocStatus, cfg.TopK, cfg.QueryTimeout(), logger)

	return a, nil
}

// Close releases held connections. Safe to call on a partially
// initialized App.
func (a *App) Close() error {
	var errs []error
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing redis: %w", err))
		}
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
	return errors.Join(errs...)
}

// providePool runs migrations and opens the connection pool.
func providePool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// provideGenkit initializes the model provider and embedder.
func provideGenkit(ctx context.Context, cfg *config.Config) (*genkit.Genkit, ai.Embedder, error) {
	switch cfg.Provider {
	case "", "gemini":
		g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, nil, errors.New("initializing genkit with gemini provider")
		}
		embedder := googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
		if embedder == nil {
			return nil, nil, fmt.Errorf("embedder %q not found", cfg.EmbedderModel)
		}
		return g, embedder, nil
	default:
		return nil, nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}

// provideRateStore picks the shared Redis store when configured, falling
// back to the in-process store otherwise. An unreachable Redis degrades
// to the fallback with a warning rather than refusing to start: rate
// limiting fails open, it never blocks serving.
func provideRateStore(ctx context.Context, cfg *config.Config, clk clock.Clock, logger log.Logger) (ratelimit.Store, *redis.Client) {
	if cfg.RedisURL == "" {
		logger.Info("rate limit store: in-memory (single instance only)")
		return ratelimit.NewMemoryStore(clk), nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("invalid redis URL, falling back to in-memory rate limit store", "error", err)
		return ratelimit.NewMemoryStore(clk), nil
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis unreachable, falling back to in-memory rate limit store", "error", err)
		_ = client.Close()
		return ratelimit.NewMemoryStore(clk), nil
	}

	logger.Info("rate limit store: redis", "prefix", cfg.RateKeyPrefix)
	return ratelimit.NewRedisStore(client, cfg.RateKeyPrefix), client
}
