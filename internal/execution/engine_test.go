package execution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"execution-core/internal/credential"
	"execution-core/internal/driver/sim"
	"execution-core/internal/events"
	"execution-core/internal/liveness"
	"execution-core/internal/model"
	"execution-core/internal/session"
	"execution-core/internal/venue"
)

type harness struct {
	venue    *sim.Venue
	sessions *session.Manager
	live     *liveness.Store
	bus      *events.Bus
	engine   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	v := sim.New(nil)
	v.AddUser("alice", "pw")
	creds := credential.NewMemoryStore()
	creds.Put(model.Account{ID: "ACC1", Username: "alice"}, "pw")

	h := &harness{venue: v, live: liveness.NewStore("", nil), bus: events.NewBus()}
	h.sessions = session.NewManager(session.Config{
		LoginMaxAttempts: 1,
		LoginTimeout:     time.Second,
		ActionTimeout:    time.Second,
		ProfileRoot:      t.TempDir(),
	}, v, creds, venue.Default(), h.live, h.bus, nil)
	h.engine = NewEngine(Config{
		ActionTimeout:       time.Second,
		ConfirmationTimeout: 200 * time.Millisecond,
	}, venue.Default(), h.sessions, h.live, h.bus, nil)
	t.Cleanup(func() { h.sessions.Shutdown(context.Background()) })
	return h
}

func (h *harness) acquire(t *testing.T) *session.Session {
	t.Helper()
	s, err := h.sessions.Acquire(context.Background(), "ACC1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	t.Cleanup(func() { h.sessions.Release(s) })
	return s
}

func signal(cid, symbol string) model.Signal {
	return model.Signal{Symbol: symbol, Side: model.SideBuy, Quantity: 1, AccountID: "ACC1", CorrelationID: cid}
}

func TestExecuteSuccess(t *testing.T) {
	h := newHarness(t)
	s := h.acquire(t)

	sl, tp := 1.0710, 1.0950
	sig := signal("c1", "EURUSD")
	sig.StopLoss, sig.TakeProfit = &sl, &tp

	res := h.engine.Execute(context.Background(), sig, s)
	if res.Outcome != model.OutcomeSuccess {
		t.Fatalf("outcome=%s reason=%s, expected SUCCESS", res.Outcome, res.Reason)
	}
	if res.BrokerReference != "T-100001" {
		t.Fatalf("broker reference=%q", res.BrokerReference)
	}
	if res.NeedsReconciliation || res.Timestamp.IsZero() || res.Attempts != 1 {
		t.Fatalf("unexpected result %+v", res)
	}

	orders := h.venue.Orders()
	if len(orders) != 1 {
		t.Fatalf("orders=%d, expected 1", len(orders))
	}
	o := orders[0]
	if o.Instrument != "EUR/USD" || o.Side != "BUY" || o.Quantity != "1" || o.StopLoss != "1.071" || o.TakeProfit != "1.095" || o.Comment != "cid:c1" {
		t.Fatalf("venue saw %+v", o)
	}

	rec, _ := h.live.Get("ACC1")
	if !rec.SessionActive || rec.ConsecutiveFailures != 0 || !strings.Contains(rec.StatusMessage, "c1") {
		t.Fatalf("liveness=%+v", rec)
	}
}

func TestExecuteUnmappedSymbolMakesNoDriverCalls(t *testing.T) {
	h := newHarness(t)
	res := h.engine.Execute(context.Background(), signal("c2", "UNKNOWN"), nil)
	if res.Outcome != model.OutcomeRejected || res.Reason != model.ReasonSymbolUnmapped {
		t.Fatalf("result=%+v, expected REJECTED/SYMBOL_UNMAPPED", res)
	}
	if h.venue.Calls() != 0 {
		t.Fatalf("driver calls=%d, expected 0", h.venue.Calls())
	}
}

func TestExecuteRejected(t *testing.T) {
	h := newHarness(t)
	s := h.acquire(t)
	h.venue.Script("alice", sim.Behavior{Outcome: sim.Reject, RejectReason: "market closed"})

	res := h.engine.Execute(context.Background(), signal("c3", "GBPUSD"), s)
	if res.Outcome != model.OutcomeRejected {
		t.Fatalf("outcome=%s, expected REJECTED", res.Outcome)
	}
	if res.Reason != model.ReasonVenueRejected+": market closed" {
		t.Fatalf("reason=%q", res.Reason)
	}
}

func TestExecuteTimeoutAndReconcile(t *testing.T) {
	tests := []struct {
		name      string
		behavior  sim.Behavior
		wantFound bool
	}{
		{name: "never placed", behavior: sim.Behavior{Outcome: sim.Silent}},
		{name: "placed without banner", behavior: sim.Behavior{Outcome: sim.SilentAccept}, wantFound: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			s := h.acquire(t)
			h.venue.Script("alice", tt.behavior)

			sig := signal("c4", "EURUSD")
			res := h.engine.Execute(context.Background(), sig, s)
			if res.Outcome != model.OutcomeTimeout || !res.NeedsReconciliation {
				t.Fatalf("result=%+v, expected TIMEOUT needing reconciliation", res)
			}
			if res.Evidence == "" {
				t.Fatal("timeout carried no evidence")
			}
			rec, _ := h.live.Get("ACC1")
			if rec.ConsecutiveFailures != 1 {
				t.Fatalf("ConsecutiveFailures=%d, expected 1", rec.ConsecutiveFailures)
			}

			rc, err := h.engine.Reconcile(context.Background(), sig, s)
			if err != nil {
				t.Fatalf("Reconcile: %v", err)
			}
			if rc.Found != tt.wantFound {
				t.Fatalf("Found=%v, expected %v", rc.Found, tt.wantFound)
			}
			if tt.wantFound && rc.BrokerReference != "T-100001" {
				t.Fatalf("BrokerReference=%q", rc.BrokerReference)
			}
		})
	}
}

func TestExecuteLateConfirmationIsTimeout(t *testing.T) {
	h := newHarness(t)
	s := h.acquire(t)

	var mu sync.Mutex
	clock := time.Now()
	h.engine.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Minute)
		return clock
	})

	res := h.engine.Execute(context.Background(), signal("c5", "EURUSD"), s)
	if res.Outcome != model.OutcomeTimeout {
		t.Fatalf("outcome=%s, expected TIMEOUT for confirmation seen past the deadline", res.Outcome)
	}
}

func TestExecuteStaleSessionNeverSubmits(t *testing.T) {
	h := newHarness(t)
	s := h.acquire(t)
	h.venue.Expire("alice")

	res := h.engine.Execute(context.Background(), signal("c6", "EURUSD"), s)
	if res.Outcome != model.OutcomeDriverError || res.Reason != model.ReasonSessionInvalid {
		t.Fatalf("result=%+v, expected DRIVER_ERROR/SESSION_INVALID", res)
	}
	if len(h.venue.Orders()) != 0 {
		t.Fatal("order submitted on a stale session")
	}
	if s.State() != model.StateStale {
		t.Fatalf("session state=%s, expected STALE", s.State())
	}
	if res2 := h.engine.Execute(context.Background(), signal("c7", "EURUSD"), s); res2.Reason != model.ReasonSessionInvalid {
		t.Fatalf("second execute on stale session=%+v", res2)
	}
}

func TestExecuteCancelledBeforeSubmit(t *testing.T) {
	h := newHarness(t)
	s := h.acquire(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.engine.Execute(ctx, signal("c8", "EURUSD"), s)
	if res.Outcome != model.OutcomeCancelled {
		t.Fatalf("outcome=%s, expected CANCELLED", res.Outcome)
	}
	if len(h.venue.Orders()) != 0 {
		t.Fatal("cancelled signal reached the venue")
	}
}

func TestExecuteIgnoresCancelAfterSubmit(t *testing.T) {
	h := newHarness(t)
	s := h.acquire(t)
	h.venue.Script("alice", sim.Behavior{Outcome: sim.Accept, Delay: 50 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	states, unsub := h.bus.Subscribe(events.EventOrderState, 64)
	defer unsub()
	go func() {
		for msg := range states {
			if tr, ok := msg.(events.OrderTransition); ok && tr.To == string(StateConfirming) {
				cancel()
				return
			}
		}
	}()

	res := h.engine.Execute(ctx, signal("c9", "EURUSD"), s)
	if res.Outcome != model.OutcomeSuccess {
		t.Fatalf("outcome=%s reason=%s, expected SUCCESS despite caller cancel", res.Outcome, res.Reason)
	}
}

func TestExecuteDriverErrorCapturesEvidence(t *testing.T) {
	h := newHarness(t)
	s := h.acquire(t)
	h.venue.FailNext("type", errors.New("element detached"))

	res := h.engine.Execute(context.Background(), signal("c10", "EURUSD"), s)
	if res.Outcome != model.OutcomeDriverError {
		t.Fatalf("outcome=%s, expected DRIVER_ERROR", res.Outcome)
	}
	if res.Evidence == "" || res.NeedsReconciliation {
		t.Fatalf("result=%+v, expected evidence and no reconciliation before submit", res)
	}
	if rec, _ := h.live.Get("ACC1"); rec.SessionActive || rec.ConsecutiveFailures != 1 {
		t.Fatalf("liveness=%+v", rec)
	}
}

func TestExecuteHungDriverIsBounded(t *testing.T) {
	h := newHarness(t)
	s := h.acquire(t)
	h.engine.cfg.ActionTimeout = 30 * time.Millisecond
	h.venue.HangNext("navigate", 1)

	start := time.Now()
	res := h.engine.Execute(context.Background(), signal("c11", "EURUSD"), s)
	if res.Outcome != model.OutcomeDriverError {
		t.Fatalf("outcome=%s, expected DRIVER_ERROR", res.Outcome)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("hung call took %v", time.Since(start))
	}
}

func TestReconcileWithoutSession(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.Reconcile(context.Background(), signal("c12", "EURUSD"), nil); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}
}

func TestReconcileRequiresAuthenticatedPage(t *testing.T) {
	h := newHarness(t)
	s := h.acquire(t)
	h.venue.Expire("alice")
	if _, err := h.engine.Reconcile(context.Background(), signal("c13", "EURUSD"), s); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}
