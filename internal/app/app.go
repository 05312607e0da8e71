// Package app assembles the execution core from configuration and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"google.golang.org/grpc"

	"execution-core/internal/api"
	"execution-core/internal/credential"
	"execution-core/internal/dispatch"
	"execution-core/internal/driver"
	"execution-core/internal/driver/chrome"
	"execution-core/internal/driver/sim"
	"execution-core/internal/events"
	"execution-core/internal/execution"
	"execution-core/internal/liveness"
	"execution-core/internal/monitor"
	"execution-core/internal/persistence"
	"execution-core/internal/recovery"
	"execution-core/internal/session"
	"execution-core/internal/venue"
	"execution-core/pkg/config"
	"execution-core/pkg/crypto"
	"execution-core/pkg/db"
	"execution-core/pkg/i18n"
)

// App holds every long-lived component.
type App struct {
	Config *config.Config

	DB          *db.Database
	Bus         *events.Bus
	Metrics     *monitor.SystemMetrics
	Alerts      *monitor.MemorySink
	Live        *liveness.Store
	Health      *liveness.HealthBridge
	Credentials *credential.DBStore
	Venue       *venue.Venue
	Driver      driver.Driver
	Sim         *sim.Venue // set in dry-run mode
	Sessions    *session.Manager
	Engine      *execution.Engine
	ExecLog     *execution.Log
	Writer      *persistence.BatchWriter
	Dispatcher  *dispatch.Dispatcher
	Supervisor  *recovery.Supervisor
	Restarter   *recovery.ProcessRestarter
	API         *api.Server

	version      string
	shutdownOnce sync.Once
}

// LoadKeys reads the master keys from the environment. Dry runs without a key
// get an ephemeral one so the simulated stack still starts.
func LoadKeys(dryRun bool) (*crypto.KeyManager, error) {
	keys, err := crypto.NewKeyManager()
	if err == nil || !dryRun {
		return keys, err
	}
	ephemeral, gerr := crypto.GenerateKey()
	if gerr != nil {
		return nil, gerr
	}
	log.Printf("⚠️ %s not set, using an ephemeral key for this dry run", crypto.EnvKeyPrefix)
	return crypto.NewKeyManagerFrom(func(name string) (string, bool) {
		if name == crypto.EnvKeyPrefix {
			return ephemeral, true
		}
		return "", false
	})
}

// New builds the component graph. stop is called when the supervisor asks for
// a process restart; it should cancel the context passed to Run.
func New(cfg *config.Config, keys *crypto.KeyManager, stop func()) (*App, error) {
	a := &App{Config: cfg, version: os.Getenv("APP_VERSION")}
	if a.version == "" {
		a.version = "v1.0-dev"
	}

	log.Printf(i18n.M().UsingDBPath, cfg.DBPath)
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	database, err := db.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf(i18n.M().DBInitFailed, err)
	}
	a.DB = database
	if err := db.ApplyMigrations(database); err != nil {
		database.Close()
		return nil, fmt.Errorf(i18n.M().DBMigrationsFailed, err)
	}

	a.Bus = events.NewBus()
	a.Metrics = monitor.NewSystemMetrics()
	a.Alerts = monitor.NewMemorySink(100)

	a.Live = liveness.NewStore(cfg.LivenessDir(), a.Bus)
	if n, err := a.Live.Load(); err != nil {
		log.Printf("⚠️ liveness: load snapshots: %v", err)
	} else if n > 0 {
		log.Printf("liveness: ✓ restored %d records", n)
	}
	a.Health = liveness.NewHealthBridge(cfg.LivenessMaxAge)
	a.Live.OnUpdate(a.Health.Observe)

	a.Venue, err = venue.Load(cfg.VenueFile)
	if err != nil {
		database.Close()
		return nil, err
	}

	a.Credentials = credential.NewDBStore(database.Queries(), keys)
	seeds, err := credential.LoadSeeds(cfg.AccountsFile)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf(i18n.M().AccountsSyncFailed, err)
	}
	n, err := a.Credentials.Sync(context.Background(), seeds, cfg.ProfileRoot())
	if err != nil {
		database.Close()
		return nil, fmt.Errorf(i18n.M().AccountsSyncFailed, err)
	}
	if n > 0 {
		log.Printf(i18n.M().AccountsSynced, n, cfg.AccountsFile)
	}

	if cfg.DryRun {
		log.Println(i18n.M().DryRunMode)
		a.Sim = sim.New(a.Venue)
		if err := a.registerSimUsers(context.Background()); err != nil {
			database.Close()
			return nil, err
		}
		a.Driver = a.Sim
	} else {
		a.Driver = chrome.New(chrome.Config{Headless: cfg.Headless, EvidenceDir: cfg.EvidenceDir()})
	}

	jitter := driver.Jitter{Min: cfg.JitterMin, Max: cfg.JitterMax}
	a.Sessions = session.NewManager(session.Config{
		LoginMaxAttempts:  cfg.LoginMaxAttempts,
		LoginTimeout:      cfg.LoginTimeout,
		LoginBackoff:      2 * time.Second,
		ActionTimeout:     cfg.ActionTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Jitter:            jitter,
		ProfileRoot:       cfg.ProfileRoot(),
	}, a.Driver, a.Credentials, a.Venue, a.Live, a.Bus, a.Metrics)

	a.Engine = execution.NewEngine(execution.Config{
		ActionTimeout:       cfg.ActionTimeout,
		ConfirmationTimeout: cfg.ConfirmationTimeout,
		Jitter:              jitter,
	}, a.Venue, a.Sessions, a.Live, a.Bus, a.Metrics)

	a.ExecLog, err = execution.OpenLog(cfg.ExecutionLogPath())
	if err != nil {
		database.Close()
		return nil, err
	}
	a.Writer = persistence.NewBatchWriter(database.DB, 50, 500*time.Millisecond)

	a.Dispatcher = dispatch.New(dispatch.Config{
		DedupeWindow: cfg.DedupeWindow,
		MaxRetry:     cfg.DispatchMaxRetry,
		QueueSize:    cfg.QueueSize,
		MinInterval:  cfg.MinOrderInterval,
	}, a.Sessions, a.Engine, a.ExecLog, a.Writer, a.Bus, a.Metrics)

	if stop == nil {
		stop = func() {}
	}
	a.Restarter = recovery.NewProcessRestarter(stop)
	a.Supervisor = recovery.NewSupervisor(recovery.Config{
		PollInterval:     cfg.RecoveryPollInterval,
		MaxAge:           cfg.LivenessMaxAge,
		FailureThreshold: cfg.RecoveryFailureThreshold,
		MaxAttempts:      cfg.RecoveryMaxAttempts,
		BackoffBase:      cfg.RecoveryBackoffBase,
		BackoffMax:       cfg.RecoveryBackoffMax,
		RestartOnExhaust: cfg.RestartOnExhaust,
	}, a.Sessions, a.Credentials, a.Live, a.Bus, a.Metrics, a.Restarter)

	driverName := "chrome"
	if cfg.DryRun {
		driverName = "sim"
	}
	a.API = api.NewServer(a.Bus, database.Queries(), a.Live, a.Sessions, a.Dispatcher, a.Metrics,
		api.SystemMeta{DryRun: cfg.DryRun, Driver: driverName, Version: a.version},
		cfg.JWTSecret)
	return a, nil
}

// registerSimUsers lets the simulated venue accept the stored credentials.
func (a *App) registerSimUsers(ctx context.Context) error {
	accounts, err := a.Credentials.Accounts(ctx)
	if err != nil {
		return err
	}
	for _, acc := range accounts {
		secret, err := a.Credentials.Secret(ctx, acc.ID)
		if err != nil {
			return fmt.Errorf("sim user %s: %w", acc.ID, err)
		}
		a.Sim.AddUser(secret.Username, secret.Password)
	}
	return nil
}

// Start primes the dedupe window from the execution log and starts the
// background loops. It does not open any listener.
func (a *App) Start(ctx context.Context) error {
	recent, err := a.ExecLog.Recent(time.Now().Add(-a.Config.DedupeWindow))
	if err != nil {
		return fmt.Errorf("read execution log: %w", err)
	}
	if n := a.Dispatcher.Prime(recent); n > 0 {
		log.Printf(i18n.M().DedupePrimed, n)
	}

	accounts, err := a.Credentials.Accounts(ctx)
	if err != nil {
		return err
	}
	for _, acc := range accounts {
		a.Sessions.Track(acc.ID)
	}

	a.Dispatcher.Start(ctx)
	a.Sessions.Start(ctx)
	a.Supervisor.Start(ctx)
	a.Health.Start(ctx, a.Live, a.Config.RecoveryPollInterval)
	(&monitor.Monitor{Bus: a.Bus, Sink: monitor.MultiSink{monitor.LogSink{}, a.Alerts}}).Start(ctx)
	return nil
}

// Run starts everything, serves HTTP and gRPC health until ctx ends, then
// shuts down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	srv := &http.Server{
		Addr:              ":" + a.Config.Port,
		Handler:           a.API.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf(i18n.M().ServerListening, a.Config.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf(i18n.M().APIServerError, err)
		}
	}()

	var grpcServer *grpc.Server
	if addr := a.Config.GRPCHealthAddr; addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen grpc health: %w", err)
		}
		grpcServer = grpc.NewServer()
		a.Health.Register(grpcServer)
		go func() {
			log.Printf(i18n.M().GRPCHealthListening, addr)
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc health: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}
	log.Println(i18n.M().ShuttingDown)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️ http shutdown: %v", err)
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	a.Shutdown(shutdownCtx)
	return runErr
}

// Shutdown drains the dispatcher, closes sessions and flushes storage.
// Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) {
	a.shutdownOnce.Do(func() {
		if err := a.Dispatcher.Close(ctx); err != nil {
			log.Printf("⚠️ dispatch: close: %v", err)
		}
		a.Sessions.Shutdown(ctx)
		if err := a.Writer.Close(); err != nil {
			log.Printf("⚠️ persistence: close: %v", err)
		}
		if err := a.ExecLog.Close(); err != nil {
			log.Printf("⚠️ execution log: close: %v", err)
		}
		if err := a.DB.Close(); err != nil {
			log.Printf("⚠️ db: close: %v", err)
		}
	})
}

// RestartRequested reports whether the supervisor asked for a process restart.
func (a *App) RestartRequested() (string, bool) {
	return a.Restarter.Requested()
}
