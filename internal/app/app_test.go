package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"execution-core/internal/dispatch"
	"execution-core/internal/driver/sim"
	"execution-core/internal/events"
	"execution-core/internal/model"
	"execution-core/internal/recovery"
	"execution-core/pkg/config"
	"execution-core/pkg/crypto"
)

const accountsYAML = `accounts:
  - id: ACC1
    username: alice
    password: s3cret
`

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	accounts := filepath.Join(dir, "accounts.yaml")
	if err := os.WriteFile(accounts, []byte(accountsYAML), 0o600); err != nil {
		t.Fatalf("write accounts: %v", err)
	}
	return &config.Config{
		Port:                     "0",
		DataDir:                  dir,
		DBPath:                   filepath.Join(dir, "execution.db"),
		VenueFile:                filepath.Join(dir, "missing-venue.yaml"),
		AccountsFile:             accounts,
		LoginMaxAttempts:         1,
		LoginTimeout:             2 * time.Second,
		ActionTimeout:            2 * time.Second,
		ConfirmationTimeout:      time.Second,
		DedupeWindow:             10 * time.Minute,
		DispatchMaxRetry:         1,
		QueueSize:                16,
		RecoveryPollInterval:     time.Hour,
		LivenessMaxAge:           5 * time.Minute,
		RecoveryMaxAttempts:      1,
		RecoveryFailureThreshold: 3,
		RecoveryBackoffBase:      time.Millisecond,
		RecoveryBackoffMax:       time.Millisecond,
		DryRun:                   true,
		JWTSecret:                "test-secret",
	}
}

func testKeys(t *testing.T) *crypto.KeyManager {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	keys, err := crypto.NewKeyManagerFrom(func(name string) (string, bool) {
		return key, name == crypto.EnvKeyPrefix
	})
	if err != nil {
		t.Fatalf("NewKeyManagerFrom: %v", err)
	}
	return keys
}

func startApp(t *testing.T, cfg *config.Config, keys *crypto.KeyManager) *App {
	t.Helper()
	a, err := New(cfg, keys, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.Start(ctx); err != nil {
		cancel()
		a.Shutdown(context.Background())
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		a.Shutdown(context.Background())
	})
	return a
}

func signal(cid, symbol string) model.Signal {
	return model.Signal{Symbol: symbol, Side: model.SideBuy, Quantity: 0.1, AccountID: "ACC1", CorrelationID: cid}
}

func execute(t *testing.T, a *App, sig model.Signal) model.ExecutionResult {
	t.Helper()
	f, err := a.Dispatcher.Dispatch(context.Background(), sig)
	if err != nil {
		t.Fatalf("Dispatch %s: %v", sig.CorrelationID, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := f.Wait(ctx)
	if err != nil {
		t.Fatalf("Wait %s: %v", sig.CorrelationID, err)
	}
	return res
}

func TestHappyPathPlacesOrderAndRecordsIt(t *testing.T) {
	dir := t.TempDir()
	a := startApp(t, testConfig(t, dir), testKeys(t))

	res := execute(t, a, signal("sig-1", "EURUSD"))
	if res.Outcome != model.OutcomeSuccess || res.BrokerReference == "" {
		t.Fatalf("result=%+v, expected success with a broker reference", res)
	}
	orders := a.Sim.Orders()
	if len(orders) != 1 || orders[0].Instrument != "EUR/USD" || orders[0].Ref != res.BrokerReference {
		t.Fatalf("venue orders=%+v", orders)
	}

	logged, err := a.ExecLog.Recent(time.Now().Add(-time.Minute))
	if err != nil || len(logged) != 1 || logged[0].CorrelationID != "sig-1" {
		t.Fatalf("execution log=%+v err=%v", logged, err)
	}
	if err := a.Writer.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	row, err := a.DB.Queries().GetExecution(context.Background(), "sig-1")
	if err != nil || row.Outcome != string(model.OutcomeSuccess) {
		t.Fatalf("db row=%+v err=%v", row, err)
	}

	rec, ok := a.Live.Get("ACC1")
	if !ok || !rec.SessionActive || rec.ConsecutiveFailures != 0 {
		t.Fatalf("liveness=%+v ok=%v", rec, ok)
	}
}

func TestRedeliveryAfterRestartServesStoredResult(t *testing.T) {
	dir := t.TempDir()
	keys := testKeys(t)
	cfg := testConfig(t, dir)

	first, err := New(cfg, keys, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	original := execute(t, first, signal("sig-2", "GBPUSD"))
	if original.Outcome != model.OutcomeSuccess {
		t.Fatalf("first run result=%+v", original)
	}
	cancel()
	first.Shutdown(context.Background())

	second := startApp(t, cfg, keys)
	again := execute(t, second, signal("sig-2", "GBPUSD"))
	if again.BrokerReference != original.BrokerReference || again.Outcome != original.Outcome {
		t.Fatalf("redelivered result=%+v, expected %+v", again, original)
	}
	if calls := second.Sim.Calls(); calls != 0 {
		t.Fatalf("venue saw %d driver calls after restart, expected none", calls)
	}
}

func TestUnmappedSymbolNeverReachesVenue(t *testing.T) {
	a := startApp(t, testConfig(t, t.TempDir()), testKeys(t))

	res := execute(t, a, signal("sig-3", "DOGEBTC"))
	if res.Outcome != model.OutcomeRejected || res.Reason != model.ReasonSymbolUnmapped {
		t.Fatalf("result=%+v", res)
	}
	if calls := a.Sim.Calls(); calls != 0 {
		t.Fatalf("venue saw %d driver calls, expected none", calls)
	}
}

func TestExpiredSessionIsReestablished(t *testing.T) {
	a := startApp(t, testConfig(t, t.TempDir()), testKeys(t))

	if res := execute(t, a, signal("sig-4", "EURUSD")); res.Outcome != model.OutcomeSuccess {
		t.Fatalf("warm-up result=%+v", res)
	}
	logins := a.Sim.Logins()

	a.Sim.Expire("alice")
	res := execute(t, a, signal("sig-5", "USDJPY"))
	if res.Outcome != model.OutcomeSuccess {
		t.Fatalf("result after expiry=%+v", res)
	}
	if a.Sim.Logins() != logins+1 {
		t.Fatalf("logins=%d, expected one fresh login after expiry", a.Sim.Logins())
	}
	if len(a.Sim.Orders()) != 2 {
		t.Fatalf("venue orders=%d, expected 2", len(a.Sim.Orders()))
	}
}

func TestCrashedBrowserIsReopened(t *testing.T) {
	a := startApp(t, testConfig(t, t.TempDir()), testKeys(t))

	if res := execute(t, a, signal("sig-6", "EURUSD")); res.Outcome != model.OutcomeSuccess {
		t.Fatalf("warm-up result=%+v", res)
	}
	opens := a.Sim.Opens()

	a.Sim.Crash("alice")
	res := execute(t, a, signal("sig-7", "XAUUSD"))
	if res.Outcome != model.OutcomeSuccess {
		t.Fatalf("result after crash=%+v", res)
	}
	if a.Sim.Opens() != opens+1 {
		t.Fatalf("opens=%d, expected the profile to be reopened once", a.Sim.Opens())
	}
}

func TestSupervisorPollReportsTrackedAccounts(t *testing.T) {
	a := startApp(t, testConfig(t, t.TempDir()), testKeys(t))
	execute(t, a, signal("sig-8", "EURUSD"))

	report := a.Supervisor.Poll(context.Background())
	if len(report.Accounts) != 1 || report.Unhealthy != 0 {
		t.Fatalf("report=%+v", report)
	}
	if _, ok := a.RestartRequested(); ok {
		t.Fatal("restart requested for a healthy account")
	}
}

func TestSilentVenueTimesOutThenSupervisorRecovers(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.DispatchMaxRetry = 0
	a := startApp(t, cfg, testKeys(t))

	a.Sim.Script("alice", sim.Behavior{Outcome: sim.Silent})
	res := execute(t, a, signal("sig-9", "EURUSD"))
	if res.Outcome != model.OutcomeTimeout || res.Reason != model.ReasonNotPlaced {
		t.Fatalf("result=%+v, expected TIMEOUT/NOT_PLACED after a clean reconciliation", res)
	}
	before, err := a.Sessions.Snapshot("ACC1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	later := time.Now().Add(cfg.LivenessMaxAge + time.Minute)
	a.Supervisor.SetClock(func() time.Time { return later })
	report := a.Supervisor.Poll(context.Background())
	if len(report.Accounts) != 1 || report.Accounts[0].Action != recovery.ActionRecovered {
		t.Fatalf("report=%+v, expected the silent session to be recovered", report)
	}
	after, _ := a.Sessions.Snapshot("ACC1")
	if after.State != model.StateActive || after.SessionID == before.SessionID {
		t.Fatalf("session before=%+v after=%+v", before, after)
	}
}

func TestOneActiveSessionUnderConcurrentLoad(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.RecoveryMaxAttempts = 3
	a := startApp(t, cfg, testKeys(t))

	states, unsub := a.Bus.Subscribe(events.EventSessionState, 8192)
	defer unsub()

	// Latest state per session id. Active and Closed transitions only happen
	// while the account's borrow is held, so they arrive in order.
	var (
		mu         sync.Mutex
		seen       = map[string]model.SessionState{}
		violations  []string
		transitions int
	)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for msg := range states {
			info := msg.(model.SessionInfo)
			if info.AccountID != "ACC1" {
				continue
			}
			mu.Lock()
			transitions++
			seen[info.SessionID] = info.State
			var active []string
			for id, st := range seen {
				if st == model.StateActive {
					active = append(active, id)
				}
			}
			if len(active) > 1 {
				violations = append(violations, fmt.Sprint(active))
			}
			mu.Unlock()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	var bg sync.WaitGroup
	later := time.Now().Add(cfg.LivenessMaxAge + time.Minute)
	a.Supervisor.SetClock(func() time.Time { return later })
	bg.Add(2)
	go func() {
		defer bg.Done()
		for ctx.Err() == nil {
			a.Supervisor.Poll(ctx)
			time.Sleep(3 * time.Millisecond)
		}
	}()
	go func() {
		defer bg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			a.Sessions.Heartbeat(ctx)
			if i%7 == 0 {
				a.Sim.Expire("alice")
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	const n = 40
	futures := make([]*dispatch.Future, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f, err := a.Dispatcher.Dispatch(context.Background(), signal(fmt.Sprintf("load-%02d", i), "EURUSD"))
			if err != nil {
				t.Errorf("Dispatch %d: %v", i, err)
				return
			}
			futures[i] = f
		}(i)
	}
	wg.Wait()
	for i, f := range futures {
		if f == nil {
			continue
		}
		wctx, wcancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err := f.Wait(wctx)
		wcancel()
		if err != nil && wctx.Err() != nil {
			t.Fatalf("signal %d never finished", i)
		}
	}
	cancel()
	bg.Wait()
	unsub()
	<-drained

	mu.Lock()
	defer mu.Unlock()
	if len(violations) > 0 {
		t.Fatalf("saw %d moments with several Active sessions for ACC1, first: %s", len(violations), violations[0])
	}
	if transitions == 0 {
		t.Fatal("no session transitions observed")
	}
	perSignal := map[string]int{}
	for _, o := range a.Sim.Orders() {
		perSignal[o.Comment]++
	}
	for tag, count := range perSignal {
		if count > 1 {
			t.Fatalf("%s placed %d times", tag, count)
		}
	}
}
