// Package session owns authenticated venue sessions: one browser context per
// account, borrowed by a single placement at a time.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"execution-core/internal/credential"
	"execution-core/internal/driver"
	"execution-core/internal/events"
	"execution-core/internal/liveness"
	"execution-core/internal/model"
	"execution-core/internal/monitor"
	"execution-core/internal/venue"
	"execution-core/pkg/i18n"
	"execution-core/pkg/retry"
)

// ErrNotTracked is returned for accounts the manager never opened.
var ErrNotTracked = errors.New("no session for account")

// Config holds configuration for the Manager.
type Config struct {
	LoginMaxAttempts  int
	LoginTimeout      time.Duration // wait for the post-login marker
	LoginBackoff      time.Duration // first wait between login attempts
	ActionTimeout     time.Duration // deadline for one driver call
	HeartbeatInterval time.Duration // 0 disables idle probes
	Jitter            driver.Jitter
	ProfileRoot       string // used when an account has no profile dir
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		LoginMaxAttempts:  3,
		LoginTimeout:      30 * time.Second,
		LoginBackoff:      2 * time.Second,
		ActionTimeout:     10 * time.Second,
		HeartbeatInterval: time.Minute,
		Jitter:            driver.Jitter{Min: 50 * time.Millisecond, Max: 200 * time.Millisecond},
		ProfileRoot:       "./data/profiles",
	}
}

// Session is one authenticated browser context. The engine borrows it between
// Acquire and Release and must not keep it afterwards.
type Session struct {
	AccountID string

	mu            sync.Mutex
	id            string
	state         model.SessionState
	profileDir    string
	browser       driver.Context
	createdAt     time.Time
	lastValidated time.Time
}

// ID returns the session id.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() model.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Browser is the driver context the session wraps.
func (s *Session) Browser() driver.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.browser
}

func (s *Session) info(inUse bool) model.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked(inUse)
}

func (s *Session) infoLocked(inUse bool) model.SessionInfo {
	return model.SessionInfo{
		AccountID:       s.AccountID,
		SessionID:       s.id,
		State:           s.state,
		CreatedAt:       s.createdAt,
		LastValidatedAt: s.lastValidated,
		InUse:           inUse,
	}
}

func (s *Session) persisted() persisted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return persisted{
		AccountID:       s.AccountID,
		SessionID:       s.id,
		State:           s.state,
		CreatedAt:       s.createdAt,
		LastValidatedAt: s.lastValidated,
	}
}

// entry is the per-account slot. token has capacity one: holding it is a borrow.
// Every path takes token before mu.
type entry struct {
	token chan struct{}

	mu       sync.Mutex
	session  *Session
	lock     *ProfileLock
	lastUsed time.Time
}

// Manager creates, validates and tears down sessions.
type Manager struct {
	cfg     Config
	driver  driver.Driver
	creds   credential.Store
	venue   *venue.Venue
	live    *liveness.Store
	bus     *events.Bus
	metrics *monitor.SystemMetrics
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry

	stopCh chan struct{}
	stop   sync.Once
	wg     sync.WaitGroup
}

// NewManager creates a Manager. bus and metrics may be nil.
func NewManager(cfg Config, drv driver.Driver, creds credential.Store, v *venue.Venue, live *liveness.Store, bus *events.Bus, metrics *monitor.SystemMetrics) *Manager {
	if cfg.LoginMaxAttempts < 1 {
		cfg.LoginMaxAttempts = 1
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 30 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		driver:  drv,
		creds:   creds,
		venue:   v,
		live:    live,
		bus:     bus,
		metrics: metrics,
		now:     time.Now,
		entries: make(map[string]*entry),
		stopCh:  make(chan struct{}),
	}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

func (m *Manager) entry(accountID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[accountID]
	if !ok {
		e = &entry{token: make(chan struct{}, 1)}
		m.entries[accountID] = e
	}
	return e
}

func (m *Manager) lookup(accountID string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[accountID]
	return e, ok
}

func borrow(ctx context.Context, e *entry) error {
	select {
	case e.token <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func tryBorrow(e *entry) bool {
	select {
	case e.token <- struct{}{}:
		return true
	default:
		return false
	}
}

func giveBack(e *entry) {
	select {
	case <-e.token:
	default:
	}
}

// Acquire returns an Active session for the account, borrowed by the caller
// until Release. A live session that passes the probe is reused; otherwise the
// profile is opened, restored if its cookies are still valid, or logged in.
func (m *Manager) Acquire(ctx context.Context, accountID string) (*Session, error) {
	acc, err := m.creds.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc.Disabled {
		return nil, &model.AuthError{AccountID: accountID, Err: fmt.Errorf("%w: %s", model.ErrAccountDisabled, acc.DisabledReason)}
	}

	e := m.entry(accountID)
	if err := borrow(ctx, e); err != nil {
		return nil, fmt.Errorf("wait for session %s: %w", accountID, err)
	}

	e.mu.Lock()
	current := e.session
	e.mu.Unlock()

	if current != nil {
		switch current.State() {
		case model.StateActive, model.StateStale:
			if m.Validate(ctx, current) {
				m.touch(e)
				return current, nil
			}
			m.teardown(e, current)
		}
	}

	s, err := m.open(ctx, acc, e)
	if err != nil {
		giveBack(e)
		return nil, err
	}
	m.touch(e)
	return s, nil
}

// Release returns the borrow. The browser context stays open.
func (m *Manager) Release(s *Session) {
	if s == nil {
		return
	}
	if e, ok := m.lookup(s.AccountID); ok {
		m.touch(e)
		giveBack(e)
	}
}

func (m *Manager) touch(e *entry) {
	e.mu.Lock()
	e.lastUsed = m.now()
	e.mu.Unlock()
}

// Validate probes for the authenticated-only marker on the current page.
// Failure moves an Active session to Stale.
func (m *Manager) Validate(ctx context.Context, s *Session) bool {
	if s == nil {
		return false
	}
	state := s.State()
	if state != model.StateActive && state != model.StateStale {
		return false
	}
	browser := s.Browser()
	if browser == nil {
		return false
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.ActionTimeout)
	_, err := browser.FindElement(cctx, m.venue.Selectors.AuthMarker)
	cancel()
	if err != nil {
		if state == model.StateActive {
			m.markStale(s, err.Error())
		}
		return false
	}

	now := m.now()
	s.mu.Lock()
	s.lastValidated = now
	s.mu.Unlock()
	if state == model.StateStale {
		m.transition(s, model.StateActive)
	} else {
		m.save(s)
	}
	m.live.Update(s.AccountID, liveness.Update{
		SessionID: s.ID(),
		Message:   i18n.M().StatusSessionActive,
		Active:    true,
	})
	return true
}

// Close tears the session down. It waits for an in-flight borrower until ctx
// ends and then closes the browser under it. Idempotent.
func (m *Manager) Close(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}
	e, ok := m.lookup(s.AccountID)
	if !ok {
		return nil
	}
	borrowed := borrow(ctx, e) == nil
	if !borrowed {
		log.Printf("⚠️ session: %s still borrowed at close deadline; forcing teardown", s.AccountID)
	}
	err := m.teardown(e, s)
	if borrowed {
		giveBack(e)
	}
	return err
}

// CloseAccount closes whatever session the account holds.
func (m *Manager) CloseAccount(ctx context.Context, accountID string) error {
	e, ok := m.lookup(accountID)
	if !ok {
		return nil
	}
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil {
		return nil
	}
	return m.Close(ctx, s)
}

// teardown closes the browser and releases the profile lock. The caller
// either holds the borrow or has given up waiting for it.
func (m *Manager) teardown(e *entry, s *Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	s.mu.Lock()
	browser := s.browser
	s.browser = nil
	alreadyClosed := s.state == model.StateClosed
	s.mu.Unlock()

	var err error
	if browser != nil {
		err = browser.Close()
	}
	if e.session == s {
		e.session = nil
		if lerr := e.lock.Release(); lerr != nil && err == nil {
			err = lerr
		}
		e.lock = nil
	}
	if !alreadyClosed {
		m.transition(s, model.StateClosed)
		m.live.Update(s.AccountID, liveness.Update{
			SessionID: s.ID(),
			Message:   i18n.M().StatusSessionClosed,
			Active:    false,
		})
	}
	return err
}

// MarkStale flags the account's session as no longer trusted.
func (m *Manager) MarkStale(accountID, reason string) {
	if e, ok := m.lookup(accountID); ok {
		e.mu.Lock()
		s := e.session
		e.mu.Unlock()
		if s != nil && s.State() == model.StateActive {
			m.markStale(s, reason)
			return
		}
	}
	m.live.Update(accountID, liveness.Update{
		Message: fmt.Sprintf(i18n.M().StatusSessionStale, reason),
		Active:  false,
	})
}

func (m *Manager) markStale(s *Session, reason string) {
	if !m.transition(s, model.StateStale) {
		return
	}
	log.Printf("⚠️ session: %s stale: %s", s.AccountID, reason)
	m.live.Update(s.AccountID, liveness.Update{
		SessionID: s.ID(),
		Message:   fmt.Sprintf(i18n.M().StatusSessionStale, reason),
		Active:    false,
	})
}

// Reset closes the account's session and acquires a fresh one.
func (m *Manager) Reset(ctx context.Context, accountID string) error {
	if err := m.CloseAccount(ctx, accountID); err != nil {
		log.Printf("⚠️ session: close %s during reset: %v", accountID, err)
	}
	s, err := m.Acquire(ctx, accountID)
	if err != nil {
		return err
	}
	m.Release(s)
	return nil
}

// Disable parks the account for operator intervention and closes its session.
func (m *Manager) Disable(ctx context.Context, accountID, reason string) error {
	if err := m.creds.SetDisabled(ctx, accountID, true, reason); err != nil {
		return fmt.Errorf("disable %s: %w", accountID, err)
	}
	closeCtx, cancel := context.WithTimeout(ctx, m.cfg.ActionTimeout)
	defer cancel()
	if err := m.CloseAccount(closeCtx, accountID); err != nil {
		log.Printf("⚠️ session: close %s on disable: %v", accountID, err)
	}
	m.live.Update(accountID, liveness.Update{
		Message: fmt.Sprintf(i18n.M().StatusAccountDisabled, reason),
		Active:  false,
		Result:  liveness.ResultFailed,
	})
	log.Printf("❌ session: account %s disabled: %s", accountID, reason)
	return nil
}

// Enable clears the disabled flag. The next Acquire logs in again.
func (m *Manager) Enable(ctx context.Context, accountID string) error {
	if err := m.creds.SetDisabled(ctx, accountID, false, ""); err != nil {
		return fmt.Errorf("enable %s: %w", accountID, err)
	}
	m.live.Update(accountID, liveness.Update{
		Message: i18n.M().StatusSessionClosed,
		Active:  false,
		Result:  liveness.ResultOK,
	})
	log.Printf("✓ session: account %s re-enabled", accountID)
	return nil
}

// Snapshot returns the account's session view.
func (m *Manager) Snapshot(accountID string) (model.SessionInfo, error) {
	e, ok := m.lookup(accountID)
	if !ok {
		return model.SessionInfo{}, ErrNotTracked
	}
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil {
		return model.SessionInfo{AccountID: accountID, State: model.StateClosed}, nil
	}
	return s.info(len(e.token) > 0), nil
}

// Sessions returns every tracked account's session view, sorted by account.
func (m *Manager) Sessions() []model.SessionInfo {
	ids := m.Tracked()
	out := make([]model.SessionInfo, 0, len(ids))
	for _, id := range ids {
		if info, err := m.Snapshot(id); err == nil {
			out = append(out, info)
		}
	}
	return out
}

// Tracked lists accounts the manager has seen, sorted.
func (m *Manager) Tracked() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Track registers an account so the supervisor watches it before first use.
func (m *Manager) Track(accountID string) { m.entry(accountID) }

// Start runs the heartbeat loop that keeps idle sessions probed.
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.Heartbeat(ctx)
			}
		}
	}()
}

// Heartbeat probes every idle Active session once. Busy sessions are skipped.
func (m *Manager) Heartbeat(ctx context.Context) {
	for _, id := range m.Tracked() {
		e, ok := m.lookup(id)
		if !ok || !tryBorrow(e) {
			continue
		}
		e.mu.Lock()
		s := e.session
		e.mu.Unlock()
		if s != nil && s.State() == model.StateActive {
			m.Validate(ctx, s)
		}
		giveBack(e)
	}
}

// Shutdown stops the heartbeat and closes every session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stop.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	for _, id := range m.Tracked() {
		if err := m.CloseAccount(ctx, id); err != nil {
			log.Printf("⚠️ session: close %s: %v", id, err)
		}
	}
}

// --- opening and login ---

func (m *Manager) profileDir(acc model.Account) string {
	if acc.ProfileDir != "" {
		return acc.ProfileDir
	}
	return filepath.Join(m.cfg.ProfileRoot, acc.ID)
}

// open builds a new session for acc. The caller holds the borrow.
func (m *Manager) open(ctx context.Context, acc model.Account, e *entry) (*Session, error) {
	dir := m.profileDir(acc)

	e.mu.Lock()
	if e.lock == nil {
		lock, err := LockProfile(dir)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		e.lock = lock
	}
	e.mu.Unlock()

	now := m.now()
	s := &Session{
		AccountID:  acc.ID,
		id:         uuid.NewString(),
		state:      model.StateUnauthenticated,
		profileDir: dir,
		createdAt:  now,
	}
	prev, hasPrev, err := loadState(dir)
	if err != nil {
		log.Printf("⚠️ session: ignoring unreadable state for %s: %v", acc.ID, err)
	}

	start := m.now()
	browser, err := m.openBrowser(ctx, dir)
	if err == nil && m.restore(ctx, browser) {
		if hasPrev && prev.State != model.StateClosed && prev.SessionID != "" {
			s.id = prev.SessionID
			s.createdAt = prev.CreatedAt
		}
		m.install(e, s, browser, i18n.M().StatusSessionRestored)
		log.Printf("✓ session: %s restored from profile (session %s)", acc.ID, s.id)
		return s, nil
	}

	secret, serr := m.creds.Secret(ctx, acc.ID)
	if serr != nil {
		if browser != nil {
			_ = browser.Close()
		}
		m.abandon(e, s, 0, serr)
		return nil, &model.AuthError{AccountID: acc.ID, Err: serr}
	}

	m.transition(s, model.StateAuthenticating)
	attempts := 0
	ready, err := retry.Do(ctx,
		retry.Config{
			Attempts:       m.cfg.LoginMaxAttempts,
			InitialBackoff: m.cfg.LoginBackoff,
			MaxBackoff:     m.cfg.LoginBackoff * 8,
			Jitter:         true,
		},
		func(error) bool { return ctx.Err() == nil },
		func(attempt int, err error, wait time.Duration) {
			log.Printf("🔄 session: login %s attempt %d failed: %v (retry in %v)", acc.ID, attempt, err, wait)
		},
		func(ctx context.Context, attempt int) (driver.Context, error) {
			attempts = attempt
			if browser == nil {
				b, err := m.openBrowser(ctx, dir)
				if err != nil {
					return nil, err
				}
				browser = b
			}
			if err := m.login(ctx, browser, secret); err != nil {
				if errors.Is(err, driver.ErrCrashed) || errors.Is(err, driver.ErrClosed) {
					_ = browser.Close()
					browser = nil
				}
				return nil, err
			}
			return browser, nil
		},
	)
	m.metrics.RecordLogin(err == nil, m.now().Sub(start))
	if err != nil {
		if browser != nil {
			_ = browser.Close()
		}
		m.abandon(e, s, attempts, err)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("login %s: %w", acc.ID, ctx.Err())
		}
		return nil, &model.AuthError{AccountID: acc.ID, Attempts: attempts, Err: err}
	}

	m.install(e, s, ready, i18n.M().StatusSessionActive)
	log.Printf("✓ session: %s logged in (session %s, attempt %d)", acc.ID, s.id, attempts)
	return s, nil
}

func (m *Manager) openBrowser(ctx context.Context, dir string) (driver.Context, error) {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.LoginTimeout)
	defer cancel()
	return m.driver.Open(cctx, dir)
}

// restore reports whether the profile's cookies still authenticate.
func (m *Manager) restore(ctx context.Context, browser driver.Context) bool {
	if err := m.call(ctx, func(ctx context.Context) error {
		return browser.Navigate(ctx, m.venue.TradeURL)
	}); err != nil {
		return false
	}
	return m.call(ctx, func(ctx context.Context) error {
		_, err := browser.FindElement(ctx, m.venue.Selectors.AuthMarker)
		return err
	}) == nil
}

func (m *Manager) login(ctx context.Context, browser driver.Context, secret credential.Secret) error {
	sel := m.venue.Selectors
	if err := m.call(ctx, func(ctx context.Context) error {
		return browser.Navigate(ctx, m.venue.LoginURL)
	}); err != nil {
		return err
	}
	if err := m.fill(ctx, browser, sel.Username, secret.Username); err != nil {
		return err
	}
	if err := m.cfg.Jitter.Sleep(ctx); err != nil {
		return err
	}
	if err := m.fill(ctx, browser, sel.Password, secret.Password); err != nil {
		return err
	}
	if err := m.call(ctx, func(ctx context.Context) error {
		el, err := browser.FindElement(ctx, sel.LoginSubmit)
		if err != nil {
			return err
		}
		return browser.Click(ctx, el)
	}); err != nil {
		return err
	}

	seen, err := browser.WaitForMarker(ctx, driver.Union(sel.AuthMarker, sel.LoginError), m.cfg.LoginTimeout)
	if err != nil {
		return err
	}
	if !seen {
		return fmt.Errorf("no post-login marker within %v", m.cfg.LoginTimeout)
	}
	if len(sel.LoginError) > 0 {
		if m.call(ctx, func(ctx context.Context) error {
			_, err := browser.FindElement(ctx, sel.LoginError)
			return err
		}) == nil {
			return model.ErrBadCredentials
		}
	}
	return m.call(ctx, func(ctx context.Context) error {
		_, err := browser.FindElement(ctx, sel.AuthMarker)
		return err
	})
}

// fill types text into the first element of set. The text itself never reaches errors.
func (m *Manager) fill(ctx context.Context, browser driver.Context, set driver.SelectorSet, text string) error {
	el, err := m.find(ctx, browser, set)
	if err != nil {
		return err
	}
	// Typing is bounded by the caller's ctx: jitter makes it longer than one action.
	return browser.Type(ctx, el, text, m.cfg.Jitter)
}

func (m *Manager) find(ctx context.Context, browser driver.Context, set driver.SelectorSet) (driver.Element, error) {
	var el driver.Element
	err := m.call(ctx, func(ctx context.Context) error {
		var err error
		el, err = browser.FindElement(ctx, set)
		return err
	})
	return el, err
}

// call runs one driver action under the action timeout.
func (m *Manager) call(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.ActionTimeout)
	defer cancel()
	return fn(cctx)
}

// install makes s the account's Active session.
func (m *Manager) install(e *entry, s *Session, browser driver.Context, status string) {
	now := m.now()
	s.mu.Lock()
	s.browser = browser
	s.lastValidated = now
	s.mu.Unlock()

	e.mu.Lock()
	e.session = s
	e.mu.Unlock()

	m.transition(s, model.StateActive)
	m.live.Update(s.AccountID, liveness.Update{
		SessionID: s.ID(),
		Message:   status,
		Active:    true,
	})
}

// abandon records a failed open: the session is Closed and the lock dropped.
func (m *Manager) abandon(e *entry, s *Session, attempts int, cause error) {
	m.transition(s, model.StateClosed)

	e.mu.Lock()
	if err := e.lock.Release(); err != nil {
		log.Printf("⚠️ session: release profile lock for %s: %v", s.AccountID, err)
	}
	e.lock = nil
	e.mu.Unlock()

	log.Printf("❌ session: %s login failed after %d attempt(s): %v", s.AccountID, attempts, cause)
	m.live.Update(s.AccountID, liveness.Update{
		SessionID: s.ID(),
		Message:   fmt.Sprintf(i18n.M().StatusLoginFailed, attempts),
		Active:    false,
		Result:    liveness.ResultFailed,
	})
}

// transition applies a legal state change, persists it and publishes it. The
// published snapshot is taken with the change, so every event carries the
// state it moved to.
func (m *Manager) transition(s *Session, to model.SessionState) bool {
	s.mu.Lock()
	from := s.state
	if !model.CanTransition(from, to) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	info := s.infoLocked(false)
	s.mu.Unlock()

	m.save(s)
	m.bus.Publish(events.EventSessionState, info)
	return true
}

func (m *Manager) save(s *Session) {
	if err := saveState(s.profileDir, s.persisted()); err != nil {
		log.Printf("⚠️ session: persist %s: %v", s.AccountID, err)
	}
}
