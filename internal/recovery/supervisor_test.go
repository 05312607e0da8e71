package recovery

import (
	"context"
	"errors"
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

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingRestarter struct {
	mu      sync.Mutex
	reasons []string
}

func (r *recordingRestarter) RequestRestart(reason string) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}

func (r *recordingRestarter) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

type env struct {
	venue     *sim.Venue
	creds     *credential.MemoryStore
	live      *liveness.Store
	sessions  *session.Manager
	bus       *events.Bus
	clock     *clock
	restarter *recordingRestarter
	sup       *Supervisor
}

func testConfig() Config {
	return Config{
		PollInterval:     time.Minute,
		MaxAge:           5 * time.Minute,
		FailureThreshold: 3,
		MaxAttempts:      3,
		BackoffBase:      time.Millisecond,
		BackoffMax:       time.Millisecond,
		ResetTimeout:     5 * time.Second,
		RestartOnExhaust: true,
	}
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		venue:     sim.New(nil),
		creds:     credential.NewMemoryStore(),
		bus:       events.NewBus(),
		clock:     &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
		restarter: &recordingRestarter{},
	}
	e.venue.AddUser("alice", "pw")
	e.creds.Put(model.Account{ID: "ACC1", Username: "alice"}, "pw")
	e.live = liveness.NewStore("", e.bus)
	e.live.SetClock(e.clock.Now)
	e.sessions = session.NewManager(session.Config{
		LoginMaxAttempts: 1,
		LoginTimeout:     time.Second,
		ActionTimeout:    time.Second,
		ProfileRoot:      t.TempDir(),
	}, e.venue, e.creds, venue.Default(), e.live, e.bus, nil)
	e.sup = NewSupervisor(testConfig(), e.sessions, e.creds, e.live, e.bus, nil, e.restarter)
	e.sup.SetClock(e.clock.Now)
	t.Cleanup(func() { e.sessions.Shutdown(context.Background()) })

	s, err := e.sessions.Acquire(context.Background(), "ACC1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	e.sessions.Release(s)
	return e
}

func only(t *testing.T, r Report) AccountReport {
	t.Helper()
	if len(r.Accounts) != 1 {
		t.Fatalf("report covers %d accounts, expected 1", len(r.Accounts))
	}
	return r.Accounts[0]
}

func TestPollHealthySessionIsLeftAlone(t *testing.T) {
	e := newEnv(t)
	opens := e.venue.Opens()

	r := only(t, e.sup.Poll(context.Background()))
	if r.Action != ActionHealthy {
		t.Fatalf("action=%s reason=%q, expected healthy", r.Action, r.Reason)
	}
	if e.venue.Opens() != opens {
		t.Fatal("healthy session was touched")
	}
	sup, ok := e.live.Get(liveness.SupervisorKey)
	if !ok || !sup.SessionActive || !sup.LastUpdate.Equal(e.clock.Now()) {
		t.Fatalf("supervisor record=%+v ok=%v", sup, ok)
	}
}

func TestPollRecoversUnhealthySessions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(e *env)
	}{
		{
			name:  "liveness too old",
			setup: func(e *env) { e.clock.Advance(6 * time.Minute) },
		},
		{
			name: "too many failures",
			setup: func(e *env) {
				for i := 0; i < 3; i++ {
					e.live.Update("ACC1", liveness.Update{Message: "order failed", Active: true, Result: liveness.ResultFailed})
				}
			},
		},
		{
			name: "inactive too long",
			setup: func(e *env) {
				e.live.Update("ACC1", liveness.Update{Message: "driver error", Active: false})
				e.clock.Advance(4 * time.Minute)
				e.live.Update("ACC1", liveness.Update{Message: "still down", Active: false})
				e.clock.Advance(2 * time.Minute)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			tt.setup(e)
			before, _ := e.sessions.Snapshot("ACC1")
			notices, unsub := e.bus.Subscribe(events.EventRecovery, 8)
			defer unsub()

			r := only(t, e.sup.Poll(context.Background()))
			if r.Action != ActionRecovered || r.Attempts != 1 || r.Reason == "" {
				t.Fatalf("report=%+v, expected recovered on the first attempt", r)
			}
			after, _ := e.sessions.Snapshot("ACC1")
			if after.State != model.StateActive || after.SessionID == before.SessionID {
				t.Fatalf("session after recovery=%+v", after)
			}
			rec, _ := e.live.Get("ACC1")
			if !rec.SessionActive || rec.ConsecutiveFailures != 0 {
				t.Fatalf("liveness after recovery=%+v", rec)
			}

			var actions []string
			for len(notices) > 0 {
				actions = append(actions, (<-notices).(events.RecoveryNotice).Action)
			}
			if len(actions) != 2 || actions[0] != "stale" || actions[1] != "recovered" {
				t.Fatalf("recovery notices=%v", actions)
			}

			if again := only(t, e.sup.Poll(context.Background())); again.Action != ActionHealthy {
				t.Fatalf("second poll action=%s, expected healthy", again.Action)
			}
		})
	}
}

func TestPollExhaustionDisablesAndRestarts(t *testing.T) {
	e := newEnv(t)
	e.creds.Put(model.Account{ID: "ACC1", Username: "alice"}, "wrong")
	e.venue.Expire("alice")
	e.clock.Advance(6 * time.Minute)

	r := only(t, e.sup.Poll(context.Background()))
	if r.Action != ActionExhausted {
		t.Fatalf("action=%s err=%v, expected exhausted", r.Action, r.Err)
	}
	if r.Attempts != 1 || !model.IsAuthError(r.Err) {
		t.Fatalf("attempts=%d err=%v, AuthError must not be retried", r.Attempts, r.Err)
	}
	acc, _ := e.creds.Account(context.Background(), "ACC1")
	if !acc.Disabled {
		t.Fatal("account not disabled after exhaustion")
	}
	info, _ := e.sessions.Snapshot("ACC1")
	if info.State != model.StateClosed {
		t.Fatalf("state=%s, expected CLOSED", info.State)
	}
	if e.restarter.count() != 1 {
		t.Fatalf("restart requests=%d, expected 1", e.restarter.count())
	}

	calls := e.venue.Calls()
	e.clock.Advance(6 * time.Minute)
	if again := only(t, e.sup.Poll(context.Background())); again.Action != ActionSkipped {
		t.Fatalf("second poll action=%s, expected skipped for disabled account", again.Action)
	}
	if e.venue.Calls() != calls || e.restarter.count() != 1 {
		t.Fatal("disabled account was retried")
	}
}

// fakeSessions drives the retry path without a browser.
type fakeSessions struct {
	mu       sync.Mutex
	ids      []string
	failures map[string][]error
	panics   map[string]bool
	resets   map[string]int
	disabled map[string]string
}

func (f *fakeSessions) Tracked() []string        { return f.ids }
func (f *fakeSessions) MarkStale(string, string) {}
func (f *fakeSessions) Account(_ context.Context, id string) (model.Account, error) {
	return model.Account{ID: id}, nil
}

func (f *fakeSessions) Reset(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics[id] {
		panic("driver exploded")
	}
	f.resets[id]++
	if q := f.failures[id]; len(q) > 0 {
		f.failures[id] = q[1:]
		return q[0]
	}
	return nil
}

func (f *fakeSessions) Disable(_ context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disabled[id] = reason
	return nil
}

func TestPollRetriesTransientResetErrors(t *testing.T) {
	c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	live := liveness.NewStore("", nil)
	live.SetClock(c.Now)
	flaky := errors.New("profile busy")
	fs := &fakeSessions{
		ids:      []string{"A", "B", "C"},
		failures: map[string][]error{"A": {flaky, flaky}, "B": {flaky, flaky, flaky}},
		panics:   map[string]bool{"C": true},
		resets:   map[string]int{},
		disabled: map[string]string{},
	}
	for _, id := range fs.ids {
		live.Update(id, liveness.Update{Message: "down", Active: false})
	}
	c.Advance(10 * time.Minute)

	cfg := testConfig()
	cfg.RestartOnExhaust = false
	sup := NewSupervisor(cfg, fs, fs, live, nil, nil, nil)
	sup.SetClock(c.Now)

	report := sup.Poll(context.Background())
	if len(report.Accounts) != 3 {
		t.Fatalf("report=%+v", report)
	}
	a, b, cr := report.Accounts[0], report.Accounts[1], report.Accounts[2]
	if a.Action != ActionRecovered || a.Attempts != 3 {
		t.Fatalf("A=%+v, expected recovered on attempt 3", a)
	}
	if b.Action != ActionExhausted || b.Attempts != 3 || !errors.Is(b.Err, flaky) {
		t.Fatalf("B=%+v, expected exhausted after 3 attempts", b)
	}
	if _, ok := fs.disabled["B"]; !ok {
		t.Fatal("B not disabled")
	}
	if cr.Action != ActionFailed || cr.Err == nil {
		t.Fatalf("C=%+v, expected the panic to be contained", cr)
	}
	if report.Unhealthy != 3 || report.Recovered != 1 || report.Exhausted != 1 {
		t.Fatalf("totals=%+v", report)
	}
}

func TestProcessRestarterFirstRequestWins(t *testing.T) {
	stops := 0
	r := NewProcessRestarter(func() { stops++ })
	r.RequestRestart("first")
	r.RequestRestart("second")
	reason, ok := r.Requested()
	if !ok || reason != "first" || stops != 1 {
		t.Fatalf("reason=%q ok=%v stops=%d", reason, ok, stops)
	}
}
