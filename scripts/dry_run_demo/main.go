package main

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/app"
	"execution-core/internal/driver/sim"
	"execution-core/internal/model"
	"execution-core/pkg/config"
)

// dry_run_demo drives the full stack against the simulated venue in a
// throwaway data dir. It never launches a browser.
//
// Usage:
//   go run ./scripts/dry_run_demo
//
// Scenarios:
//   1) BUY EURUSD accepted.
//   2) Same correlation id redelivered: answered from the dedupe window.
//   3) Unmapped symbol: rejected before any driver call.
//   4) Venue logs the user out: the session is re-established and the order placed.
//   5) Order lands without a banner: reconciled from the positions list.

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Println("=== DRY-RUN demo starting ===")

	dir, err := os.MkdirTemp("", "execution-core-demo-")
	if err != nil {
		log.Fatalf("temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	accounts := filepath.Join(dir, "accounts.yaml")
	seed := "accounts:\n  - id: DEMO\n    username: demo\n    password: demo-pass\n"
	if err := os.WriteFile(accounts, []byte(seed), 0o600); err != nil {
		log.Fatalf("write accounts: %v", err)
	}

	cfg := &config.Config{
		Port:                     "0",
		DataDir:                  dir,
		DBPath:                   filepath.Join(dir, "demo.db"),
		VenueFile:                filepath.Join(dir, "venue.yaml"),
		AccountsFile:             accounts,
		LoginMaxAttempts:         2,
		LoginTimeout:             5 * time.Second,
		ActionTimeout:            5 * time.Second,
		ConfirmationTimeout:      2 * time.Second,
		JitterMin:                5 * time.Millisecond,
		JitterMax:                20 * time.Millisecond,
		DedupeWindow:             10 * time.Minute,
		DispatchMaxRetry:         1,
		QueueSize:                32,
		RecoveryPollInterval:     time.Minute,
		LivenessMaxAge:           5 * time.Minute,
		RecoveryMaxAttempts:      3,
		RecoveryFailureThreshold: 3,
		RecoveryBackoffBase:      100 * time.Millisecond,
		RecoveryBackoffMax:       time.Second,
		DryRun:                   true,
		JWTSecret:                "demo",
	}

	keys, err := app.LoadKeys(true)
	if err != nil {
		log.Fatalf("keys: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(cfg, keys, cancel)
	if err != nil {
		log.Fatalf("build app: %v", err)
	}
	defer a.Shutdown(context.Background())
	if err := a.Start(ctx); err != nil {
		log.Fatalf("start app: %v", err)
	}

	run := func(label string, sig model.Signal) {
		f, err := a.Dispatcher.Dispatch(ctx, sig)
		if err != nil {
			log.Printf("[%s] dispatch error: %v", label, err)
			return
		}
		wctx, wcancel := context.WithTimeout(ctx, 30*time.Second)
		defer wcancel()
		res, err := f.Wait(wctx)
		if err != nil {
			log.Printf("[%s] error: %v", label, err)
			return
		}
		log.Printf("[%s] %s %s reason=%q ref=%s attempts=%d reconciled=%v",
			label, res.CorrelationID, res.Outcome, res.Reason, res.BrokerReference, res.Attempts, res.Reconciled)
	}
	signal := func(cid, symbol string) model.Signal {
		return model.Signal{Symbol: symbol, Side: model.SideBuy, Quantity: 0.1, AccountID: "DEMO", CorrelationID: cid}
	}

	first := uuid.NewString()
	log.Println("[SCENARIO 1] BUY EURUSD")
	run("accepted", signal(first, "EURUSD"))

	log.Println("[SCENARIO 2] Redeliver the same correlation id")
	calls := a.Sim.Calls()
	run("redelivered", signal(first, "EURUSD"))
	log.Printf("driver calls during redelivery: %d", a.Sim.Calls()-calls)

	log.Println("[SCENARIO 3] Unmapped symbol")
	calls = a.Sim.Calls()
	run("unmapped", signal(uuid.NewString(), "DOGEBTC"))
	log.Printf("driver calls for unmapped symbol: %d", a.Sim.Calls()-calls)

	log.Println("[SCENARIO 4] Venue-side logout before the next order")
	a.Sim.Expire("demo")
	run("after-expiry", signal(uuid.NewString(), "GBPUSD"))

	log.Println("[SCENARIO 5] Order placed without a confirmation banner")
	a.Sim.Script("demo", sim.Behavior{Outcome: sim.SilentAccept})
	run("silent-accept", signal(uuid.NewString(), "XAUUSD"))

	log.Println("[SCENARIO DONE] Venue orders:")
	for _, o := range a.Sim.Orders() {
		log.Printf("  %s %s %s qty=%s comment=%s", o.Ref, o.Side, o.Instrument, o.Quantity, o.Comment)
	}
	report := a.Supervisor.Poll(ctx)
	log.Printf("supervisor: %d accounts, %d unhealthy", len(report.Accounts), report.Unhealthy)

	log.Println("=== DRY-RUN demo finished ===")
}
