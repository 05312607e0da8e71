// Package recovery watches liveness records and brings unhealthy sessions
// back, disabling the account when it cannot.
package recovery

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/liveness"
	"execution-core/internal/model"
	"execution-core/internal/monitor"
	"execution-core/pkg/i18n"
	"execution-core/pkg/retry"
)

// Sessions is the part of the session manager the supervisor drives.
type Sessions interface {
	Tracked() []string
	MarkStale(accountID, reason string)
	Reset(ctx context.Context, accountID string) error
	Disable(ctx context.Context, accountID, reason string) error
}

// Accounts looks up the disabled flag.
type Accounts interface {
	Account(ctx context.Context, id string) (model.Account, error)
}

// Config controls health criteria and the reset policy.
type Config struct {
	PollInterval     time.Duration
	MaxAge           time.Duration
	FailureThreshold int
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	ResetTimeout     time.Duration // per Reset attempt
	RestartOnExhaust bool
}

// Action is what a poll did for one account.
type Action string

const (
	ActionHealthy   Action = "healthy"
	ActionSkipped   Action = "skipped"
	ActionRecovered Action = "recovered"
	ActionExhausted Action = "exhausted"
	ActionFailed    Action = "failed"
)

// AccountReport is one account's line in a Report.
type AccountReport struct {
	AccountID string
	Reason    string
	Action    Action
	Attempts  int
	Err       error
}

// Report summarizes one Poll.
type Report struct {
	Timestamp time.Time
	Accounts  []AccountReport
	Unhealthy int
	Recovered int
	Exhausted int
}

// Supervisor polls liveness and resets sessions that look unhealthy.
type Supervisor struct {
	cfg       Config
	sessions  Sessions
	accounts  Accounts
	live      *liveness.Store
	bus       *events.Bus
	metrics   *monitor.SystemMetrics
	restarter Restarter
	now       func() time.Time

	pollMu sync.Mutex
}

// NewSupervisor creates a supervisor. bus, metrics and restarter may be nil.
func NewSupervisor(cfg Config, sessions Sessions, accounts Accounts, live *liveness.Store, bus *events.Bus, metrics *monitor.SystemMetrics, restarter Restarter) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 5 * time.Minute
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 2 * time.Minute
	}
	return &Supervisor{
		cfg:       cfg,
		sessions:  sessions,
		accounts:  accounts,
		live:      live,
		bus:       bus,
		metrics:   metrics,
		restarter: restarter,
		now:       time.Now,
	}
}

// SetClock replaces the time source used for age checks.
func (s *Supervisor) SetClock(now func() time.Time) { s.now = now }

// Start begins periodic polling.
func (s *Supervisor) Start(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Poll(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("recovery: ✓ supervisor started (interval: %v, max age: %v, threshold: %d)",
		s.cfg.PollInterval, s.cfg.MaxAge, s.cfg.FailureThreshold)
}

// Poll checks every tracked account once, recovering the unhealthy ones in
// parallel. Overlapping calls are serialized.
func (s *Supervisor) Poll(ctx context.Context) Report {
	s.pollMu.Lock()
	defer s.pollMu.Unlock()

	now := s.now()
	ids := s.sessions.Tracked()
	reports := make([]AccountReport, len(ids))

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			reports[i] = s.check(ctx, id, now)
		}(i, id)
	}
	wg.Wait()

	sort.Slice(reports, func(i, j int) bool { return reports[i].AccountID < reports[j].AccountID })
	report := Report{Timestamp: now, Accounts: reports}
	for _, r := range reports {
		if r.Action != ActionHealthy {
			report.Unhealthy++
		}
		switch r.Action {
		case ActionRecovered:
			report.Recovered++
		case ActionExhausted:
			report.Exhausted++
		}
	}

	s.live.Update(liveness.SupervisorKey, liveness.Update{
		Message: fmt.Sprintf(i18n.M().StatusSupervisorPoll, len(ids), report.Unhealthy),
		Active:  true,
		Result:  liveness.ResultOK,
	})
	if report.Unhealthy > 0 {
		log.Printf("recovery: poll %d sessions, %d unhealthy, %d recovered, %d exhausted",
			len(ids), report.Unhealthy, report.Recovered, report.Exhausted)
	}
	return report
}

// check isolates one account so a panic cannot take down the poll.
func (s *Supervisor) check(ctx context.Context, id string, now time.Time) (r AccountReport) {
	r = AccountReport{AccountID: id, Action: ActionHealthy}
	defer func() {
		if p := recover(); p != nil {
			log.Printf("recovery: ❌ panic while checking %s: %v", id, p)
			r.Action = ActionFailed
			r.Err = fmt.Errorf("panic: %v", p)
		}
	}()

	rec, ok := s.live.Get(id)
	if !ok {
		return r
	}
	reason, unhealthy := s.unhealthy(rec, now)
	if !unhealthy {
		return r
	}
	r.Reason = reason

	if acc, err := s.accounts.Account(ctx, id); err == nil && acc.Disabled {
		r.Action = ActionSkipped
		s.metrics.RecordRecovery(string(ActionSkipped))
		return r
	}
	return s.recover(ctx, r)
}

func (s *Supervisor) unhealthy(rec model.LivenessRecord, now time.Time) (string, bool) {
	if age := rec.Age(now); age > s.cfg.MaxAge {
		return fmt.Sprintf("no liveness update for %v", age.Round(time.Second)), true
	}
	if !rec.SessionActive && rec.InactiveSince != nil {
		if idle := now.Sub(*rec.InactiveSince); idle > s.cfg.MaxAge {
			return fmt.Sprintf("inactive for %v", idle.Round(time.Second)), true
		}
	}
	if rec.ConsecutiveFailures >= s.cfg.FailureThreshold {
		return fmt.Sprintf("%d consecutive failures", rec.ConsecutiveFailures), true
	}
	return "", false
}

func (s *Supervisor) recover(ctx context.Context, r AccountReport) AccountReport {
	id := r.AccountID
	log.Printf("recovery: ⚠️ %s unhealthy: %s", id, r.Reason)
	s.sessions.MarkStale(id, r.Reason)
	s.bus.Publish(events.EventRecovery, events.RecoveryNotice{AccountID: id, Action: "stale", Reason: r.Reason})

	err := retry.DoVoid(ctx,
		retry.Config{
			Attempts:       s.cfg.MaxAttempts,
			InitialBackoff: s.cfg.BackoffBase,
			MaxBackoff:     s.cfg.BackoffMax,
		},
		func(err error) bool { return !model.IsAuthError(err) },
		func(attempt int, err error, wait time.Duration) {
			log.Printf("recovery: 🔄 reset %s attempt %d failed: %v (retry in %v)", id, attempt, err, wait)
		},
		func(ctx context.Context, attempt int) error {
			r.Attempts = attempt
			rctx, cancel := context.WithTimeout(ctx, s.cfg.ResetTimeout)
			defer cancel()
			return s.sessions.Reset(rctx, id)
		},
	)
	m := i18n.M()

	if err == nil {
		r.Action = ActionRecovered
		s.live.Update(id, liveness.Update{
			Message: fmt.Sprintf(m.StatusRecovered, r.Attempts),
			Active:  true,
			Result:  liveness.ResultOK,
		})
		s.metrics.RecordRecovery(string(ActionRecovered))
		s.bus.Publish(events.EventRecovery, events.RecoveryNotice{AccountID: id, Action: "recovered", Attempts: r.Attempts, Reason: r.Reason})
		log.Printf("recovery: ✓ %s recovered after %d attempt(s)", id, r.Attempts)
		return r
	}

	r.Err = err
	if ctx.Err() != nil {
		r.Action = ActionFailed
		return r
	}

	r.Action = ActionExhausted
	why := fmt.Sprintf("%s; reset failed after %d attempt(s): %v", r.Reason, r.Attempts, err)
	if derr := s.sessions.Disable(ctx, id, why); derr != nil {
		log.Printf("recovery: ❌ disabling %s: %v", id, derr)
	}
	s.live.Update(id, liveness.Update{
		Message: fmt.Sprintf(m.StatusRecoveryExhausted, why),
		Active:  false,
	})
	s.metrics.RecordRecovery(string(ActionExhausted))
	s.bus.Publish(events.EventRecovery, events.RecoveryNotice{AccountID: id, Action: "exhausted", Attempts: r.Attempts, Reason: why})
	log.Printf("recovery: 🚨 %s exhausted recovery, account disabled: %s", id, why)

	if s.cfg.RestartOnExhaust && s.restarter != nil {
		s.restarter.RequestRestart(fmt.Sprintf("account %s: %s", id, why))
	}
	return r
}
