// Command sessionrt runs the conversation session runtime: the session
// gateway, tool dispatcher, and post-call reconciler behind one process,
// with flag parsing and signal.NotifyContext driving an
// App.New/Init/Run/Shutdown lifecycle.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/voicebridge/sessionrt/internal/config"
	"github.com/voicebridge/sessionrt/internal/crypto"
	"github.com/voicebridge/sessionrt/internal/log"
	"github.com/voicebridge/sessionrt/pkg/agent"
	"github.com/voicebridge/sessionrt/pkg/audiostore"
	"github.com/voicebridge/sessionrt/pkg/gateway"
	"github.com/voicebridge/sessionrt/pkg/provider"
	"github.com/voicebridge/sessionrt/pkg/quota"
	"github.com/voicebridge/sessionrt/pkg/reconcile"
	"github.com/voicebridge/sessionrt/pkg/session"
	"github.com/voicebridge/sessionrt/pkg/store"
	"github.com/voicebridge/sessionrt/pkg/tools"
)

func main() {
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	wsBaseURL := flag.String("public-ws-base-url", "", "Public base URL (wss://host) the telephony webhook advertises back to the provider")
	s3Bucket := flag.String("audio-s3-bucket", "", "If set, store call recordings in this S3 bucket instead of the local filesystem")
	s3Region := flag.String("audio-s3-region", "", "AWS region for -audio-s3-bucket")
	reconcileWorkers := flag.Int("reconcile-workers", 3, "Number of Post-Call Reconciler workers")
	flag.Parse()

	log.Init(*logLevel)

	app, err := New(*wsBaseURL, *s3Bucket, *s3Region, *reconcileWorkers)
	if err != nil {
		log.L().Error("configuration error", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Init(ctx); err != nil {
		log.L().Error("initialization failed", "error", err)
		os.Exit(1)
	}
	defer app.Shutdown()

	if err := app.Run(ctx); err != nil {
		log.L().Error("runtime error", "error", err)
		os.Exit(1)
	}
}

// App is the runtime's component graph: every piece wired into the three
// admission entry points, the worker pool that drains the reconciliation
// queue, and the Prometheus listener.
type App struct {
	cfg              *config.Config
	wsBaseURL        string
	s3Bucket         string
	s3Region         string
	reconcileWorkers int

	db            *store.DB
	redisClient   *redis.Client
	metricsServer *http.Server
	reconcilePool *reconcile.Pool
	fiberApp      interface{ Shutdown() error }
	fiberListenFn func() error
}

// New validates configuration and constructs an uninitialized App.
func New(wsBaseURL, s3Bucket, s3Region string, reconcileWorkers int) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &App{cfg: cfg, wsBaseURL: wsBaseURL, s3Bucket: s3Bucket, s3Region: s3Region, reconcileWorkers: reconcileWorkers}, nil
}

// Init connects every backing store and wires the component graph, but
// starts nothing that blocks — that's Run's job.
func (a *App) Init(ctx context.Context) error {
	db, err := store.Open(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("sessionrt: open store: %w", err)
	}
	a.db = db

	var leases session.Leases
	if a.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("sessionrt: parse redis url: %w", err)
		}
		a.redisClient = redis.NewClient(opts)
		if err := a.redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("sessionrt: ping redis: %w", err)
		}
		leases = session.NewRedisLeases(a.redisClient)
	} else {
		log.L().Warn("sessionrt: REDIS_URL not set, using single-process in-memory leases")
		leases = session.NewMemLeases()
	}

	var audioStore audiostore.Store
	if a.s3Bucket != "" {
		s3Store, err := audiostore.NewS3Store(ctx, a.s3Bucket, a.s3Region, "")
		if err != nil {
			return fmt.Errorf("sessionrt: init s3 audio store: %w", err)
		}
		audioStore = s3Store
	} else {
		fsStore, err := audiostore.NewFilesystemStore(a.cfg.AudioStorageRoot)
		if err != nil {
			return fmt.Errorf("sessionrt: init filesystem audio store: %w", err)
		}
		audioStore = fsStore
	}

	resolver := agent.New(db, a.cfg)
	enforcer := quota.New(db, a.cfg)
	box := crypto.NewBox(a.cfg.EncryptionKey)
	rest := provider.NewRESTClient(a.cfg.ProviderAPIKey, a.cfg.ProviderBaseURL)

	active := gateway.NewActiveSessions()
	dispatcher := tools.New(db, active, active, rest, box)

	gw := gateway.New(a.cfg, resolver, enforcer, leases, db, dispatcher, active, rest, dispatcher)
	a.reconcilePool = reconcile.New(db, rest, audioStore, a.cfg.SettleDelay, a.reconcileWorkers)

	app := gateway.NewServer(gw, a.wsBaseURL)
	a.fiberApp = app
	a.fiberListenFn = func() error { return app.Listen(a.cfg.GatewayAddr) }

	a.metricsServer = &http.Server{Addr: a.cfg.MetricsAddr, Handler: promhttp.Handler()}

	return nil
}

// Run starts the gateway's HTTP/WebSocket listener, the reconciler worker
// pool, the stale-job sweep, and the metrics endpoint, blocking until ctx
// is cancelled.
func (a *App) Run(ctx context.Context) error {
	reconcileCtx, stopReconcile := context.WithCancel(ctx)
	defer stopReconcile()
	go a.reconcilePool.Run(reconcileCtx)

	sweepCron := reconcile.StartStaleJobSweep(a.db, "@every 5m")
	defer sweepCron.Stop()

	go func() {
		log.L().Info("sessionrt: metrics listening", "addr", a.cfg.MetricsAddr)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.L().Error("sessionrt: metrics server error", "error", err)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.L().Info("sessionrt: gateway listening", "addr", a.cfg.GatewayAddr)
		errCh <- a.fiberListenFn()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown releases every backing connection, giving in-flight requests a
// bounded window to finish.
func (a *App) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.fiberApp != nil {
		_ = a.fiberApp.Shutdown()
	}
	if a.metricsServer != nil {
		_ = a.metricsServer.Shutdown(shutdownCtx)
	}
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
