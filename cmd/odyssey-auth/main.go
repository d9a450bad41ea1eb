package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-auth/cmd/odyssey-auth/cli"
	"github.com/odyssey-erp/odyssey-auth/internal/app"
	"github.com/odyssey-erp/odyssey-auth/internal/auth"
	"github.com/odyssey-erp/odyssey-auth/internal/credential"
	"github.com/odyssey-erp/odyssey-auth/internal/digest"
	"github.com/odyssey-erp/odyssey-auth/internal/identity"
	"github.com/odyssey-erp/odyssey-auth/internal/observability"
	"github.com/odyssey-erp/odyssey-auth/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-auth/internal/platform/db"
	"github.com/odyssey-erp/odyssey-auth/internal/rbac"
	"github.com/odyssey-erp/odyssey-auth/internal/session"
	"github.com/odyssey-erp/odyssey-auth/internal/shared"
	"github.com/odyssey-erp/odyssey-auth/internal/users"
	"github.com/odyssey-erp/odyssey-auth/jobs"
	"github.com/odyssey-erp/odyssey-auth/migrations"
)

const usage = `usage: odyssey-auth [command]

commands:
  serve           run the HTTP API and the job worker (default)
  api             run the HTTP API only
  worker          run the job worker only
  migrate [down]  apply the schema, or roll back one step
  jobs reap       enqueue an immediate session reap
  jobs queue      print queue statistics
  jobs scheduled  list scheduled maintenance tasks`

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	command := "serve"
	if len(args) > 0 {
		command = args[0]
	}

	load := app.LoadConfig
	switch command {
	case "migrate", "jobs", "help", "-h", "--help":
		load = app.LoadBaseConfig
	}
	cfg, err := load()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	switch command {
	case "serve", "api", "worker":
		err = run(ctx, cfg, logger, command)
	case "migrate":
		down := len(args) > 1 && args[1] == "down"
		err = db.Migrate(cfg.PGDSN, migrations.FS, down)
		if err == nil {
			logger.Info("migrations applied", slog.Bool("down", down))
		}
	case "jobs":
		err = runJobs(ctx, cfg, args[1:])
	case "help", "-h", "--help":
		fmt.Println(usage)
		return
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(command+" failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger, command string) error {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	codec, err := credential.New(credential.Config{
		SecretKey:        cfg.AuthSecretKey,
		RefreshSecretKey: cfg.RefreshSecret(),
		Algorithm:        cfg.AuthAlgorithm,
		Issuer:           cfg.AuthIssuer,
		AccessTTL:        cfg.AuthAccessTTL,
		RefreshTTL:       cfg.AuthRefreshTTL,
	})
	if err != nil {
		return err
	}
	sessions := session.NewManager(cache.NewStore(redisClient), session.NewRepository(pool), session.Options{
		Lifetime: codec.RefreshTTL(),
		Digest:   digest.New(cfg.AuthTokenHMACKey),
		Logger:   logger,
		Metrics:  metrics,
	})

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	g, ctx := errgroup.WithContext(ctx)
	if command != "worker" {
		g.Go(func() error {
			return serveHTTP(ctx, cfg, logger, pool, redisClient, redisOpts, codec, sessions, metrics)
		})
	}
	if command != "api" {
		g.Go(func() error {
			return runWorker(ctx, cfg, logger, redisOpts, sessions, metrics)
		})
	}
	return g.Wait()
}

func serveHTTP(
	ctx context.Context,
	cfg *app.Config,
	logger *slog.Logger,
	pool *pgxpool.Pool,
	redisClient *redis.Client,
	redisOpts asynq.RedisClientOpt,
	codec *credential.Codec,
	sessions *session.Manager,
	metrics *observability.Metrics,
) error {
	audit := shared.NewAuditLogger(pool)
	userRepo := users.NewRepository(pool)
	hasher := users.BcryptHasher{}

	rbacRepo := rbac.NewRepository(pool)
	resolver := rbac.NewResolver(rbacRepo, cache.NewStore(redisClient), rbac.ResolverOptions{
		TTL:     cfg.AuthPermissionCacheTTL,
		Logger:  logger,
		Metrics: metrics,
	})
	rbacMiddleware := rbac.Middleware{Resolver: resolver, Logger: logger}

	jobClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		return err
	}
	defer jobClient.Close()
	inspector := asynq.NewInspector(redisOpts)
	defer inspector.Close()

	rbacService := rbac.NewService(rbacRepo, resolver, audit, logger)
	authService := auth.NewService(userRepo, sessions, codec, auth.Options{
		Hasher:        hasher,
		Mailer:        jobClient,
		Roles:         rbacService,
		PublicBaseURL: cfg.AuthPublicBaseURL,
		Logger:        logger,
	})

	router := app.NewRouter(app.RouterParams{
		Logger: logger,
		Config: cfg,
		Binder: identity.NewBinder(codec, userRepo, logger),
		AuthHandler: auth.NewHandler(logger, authService, resolver, auth.HandlerConfig{
			CookieSecure:   cfg.AuthCookieSecure,
			LoginRateLimit: cfg.AuthLoginRateLimit,
		}),
		UsersHandler:   users.NewHandler(logger, users.NewService(userRepo, hasher, audit, logger).WithAccessControl(resolver, sessions), rbacMiddleware),
		RBACHandler:    rbac.NewHandler(logger, rbacService, rbacMiddleware),
		RBACMiddleware: rbacMiddleware,
		JobHandler:     jobs.NewHandler(inspector, logger),
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down http server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	return ctx.Err()
}

func runWorker(
	ctx context.Context,
	cfg *app.Config,
	logger *slog.Logger,
	redisOpts asynq.RedisClientOpt,
	sessions *session.Manager,
	metrics *observability.Metrics,
) error {
	reapTask, err := jobs.NewSessionReapTask(time.Time{})
	if err != nil {
		return err
	}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Mail:        &jobs.MailJob{Logger: logger, Metrics: metrics.Jobs(), From: cfg.SMTPFrom},
		Reaper:      jobs.NewSessionReapJob(sessions, logger, metrics.Jobs()),
		Cron: []jobs.CronRegistration{
			{Spec: cfg.AuthReaperCron, Task: reapTask},
		},
	})
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}
	logger.Info("starting job worker", slog.String("reaper_cron", cfg.AuthReaperCron))
	return worker.Run(ctx)
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	c := cli.NewJobsCLI(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer c.Close()

	switch args[0] {
	case "reap":
		info, err := c.Trigger(ctx, "reap")
		if err != nil {
			return err
		}
		fmt.Printf("enqueued %s (id %s) on %s\n", info.Type, info.ID, info.Queue)
		return nil
	case "queue":
		stats, err := c.InspectQueues(ctx)
		if err != nil {
			return err
		}
		return cli.WriteQueueStats(os.Stdout, stats)
	case "scheduled":
		tasks, err := c.ListScheduled(ctx, 20)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			fmt.Printf("%s\t%s\t%s\n", t.ID, t.Type, t.NextProcessAt.Format(time.RFC3339))
		}
		return nil
	default:
		return fmt.Errorf("unknown jobs command %q", args[0])
	}
}
