// Package sim is an in-process venue that renders the reference layout. It
// backs DRY_RUN mode and every test that needs a browser.
package sim

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"execution-core/internal/driver"
	"execution-core/internal/venue"
)

// Outcome decides how the venue treats a submitted order.
type Outcome int

const (
	// Accept shows the accepted banner and lists the position.
	Accept Outcome = iota
	// Reject shows the rejected banner.
	Reject
	// Silent shows nothing and places nothing.
	Silent
	// SilentAccept places the order but never shows a banner.
	SilentAccept
)

// Behavior scripts one order submission.
type Behavior struct {
	Outcome      Outcome
	Delay        time.Duration // before the banner appears
	RejectReason string
}

// Order is what the venue recorded for an accepted submission.
type Order struct {
	Ref        string
	User       string
	Instrument string
	Side       string
	Quantity   string
	StopLoss   string
	TakeProfit string
	Comment    string
	Outcome    Outcome
	Reason     string
	PlacedAt   time.Time
	visibleAt  time.Time
}

// Venue implements driver.Driver.
type Venue struct {
	layout *venue.Venue
	names  map[string]string // selector -> logical element

	// EvidenceDir receives screenshot files; empty keeps screenshots virtual.
	EvidenceDir string
	// PollInterval is how often WaitForMarker re-renders the page.
	PollInterval time.Duration

	mu          sync.Mutex
	users       map[string]string
	authed      map[string]bool   // profile dir -> cookie valid
	profileUser map[string]string // profile dir -> logged-in username
	crashed     map[string]bool
	hang        map[string]int // op -> remaining hangs
	fail        map[string][]error
	scripts     map[string][]Behavior
	orders      []*Order
	nextRef     int

	calls  atomic.Int64
	opens  atomic.Int64
	logins atomic.Int64
	shots  atomic.Int64
}

// New builds a venue for layout; nil means venue.Default().
func New(layout *venue.Venue) *Venue {
	if layout == nil {
		layout = venue.Default()
	}
	v := &Venue{
		layout:       layout,
		names:        make(map[string]string),
		PollInterval: 5 * time.Millisecond,
		users:        make(map[string]string),
		authed:       make(map[string]bool),
		profileUser:  make(map[string]string),
		crashed:      make(map[string]bool),
		hang:         make(map[string]int),
		fail:         make(map[string][]error),
		scripts:      make(map[string][]Behavior),
		nextRef:      100000,
	}
	s := layout.Selectors
	for name, set := range map[string]driver.SelectorSet{
		elUsername: s.Username, elPassword: s.Password, elLoginSubmit: s.LoginSubmit,
		elLoginError: s.LoginError, elAuthMarker: s.AuthMarker, elOpenOrder: s.OpenOrder,
		elInstrument: s.Instrument, elBuy: s.Buy, elSell: s.Sell, elQuantity: s.Quantity,
		elStopLoss: s.StopLoss, elTakeProfit: s.TakeProfit, elComment: s.Comment,
		elSubmit: s.Submit, elConfirmed: s.Confirmed, elRejected: s.Rejected,
		elBrokerRef: s.BrokerRef, elRejectReason: s.RejectReason, elPositionRows: s.PositionRows,
	} {
		for _, sel := range set {
			if _, dup := v.names[sel]; !dup {
				v.names[sel] = name
			}
		}
	}
	return v
}

const (
	elUsername     = "username"
	elPassword     = "password"
	elLoginSubmit  = "login_submit"
	elLoginError   = "login_error"
	elAuthMarker   = "auth_marker"
	elOpenOrder    = "open_order"
	elInstrument   = "instrument"
	elBuy          = "buy"
	elSell         = "sell"
	elQuantity     = "quantity"
	elStopLoss     = "stop_loss"
	elTakeProfit   = "take_profit"
	elComment      = "comment"
	elSubmit       = "submit"
	elConfirmed    = "confirmed"
	elRejected     = "rejected"
	elBrokerRef    = "broker_ref"
	elRejectReason = "reject_reason"
	elPositionRows = "position_rows"
)

// AddUser registers a login the venue accepts.
func (v *Venue) AddUser(username, password string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.users[username] = password
}

// Script queues behaviors for the next submissions by username.
func (v *Venue) Script(username string, behaviors ...Behavior) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.scripts[username] = append(v.scripts[username], behaviors...)
}

// Expire invalidates every cookie held for username, as a venue-side logout would.
func (v *Venue) Expire(username string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for profile, u := range v.profileUser {
		if u == username {
			v.authed[profile] = false
		}
	}
}

// Crash makes every open context of username's profiles fail with ErrCrashed
// until the profile is reopened.
func (v *Venue) Crash(username string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for profile, u := range v.profileUser {
		if u == username {
			v.crashed[profile] = true
		}
	}
}

// HangNext makes the next n calls of op block until their context ends.
func (v *Venue) HangNext(op string, n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.hang[op] += n
}

// FailNext makes the next call of op return err.
func (v *Venue) FailNext(op string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fail[op] = append(v.fail[op], err)
}

// Calls counts every driver call, Open included.
func (v *Venue) Calls() int64 { return v.calls.Load() }

// Opens counts Open calls.
func (v *Venue) Opens() int64 { return v.opens.Load() }

// Logins counts successful login submissions.
func (v *Venue) Logins() int64 { return v.logins.Load() }

// Orders returns a copy of every placed or rejected order.
func (v *Venue) Orders() []Order {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Order, 0, len(v.orders))
	for _, o := range v.orders {
		out = append(out, *o)
	}
	return out
}

// Open implements driver.Driver.
func (v *Venue) Open(ctx context.Context, profileDir string) (driver.Context, error) {
	v.calls.Add(1)
	v.opens.Add(1)
	if err := v.intercept(ctx, "open"); err != nil {
		return nil, driver.Wrap("open", err)
	}
	if err := os.MkdirAll(profileDir, 0o755); err != nil {
		return nil, driver.Wrap("open", err)
	}
	v.mu.Lock()
	delete(v.crashed, profileDir)
	v.mu.Unlock()
	return &page{v: v, profile: profileDir, fields: make(map[string]string)}, nil
}

// intercept applies injected hangs and failures for op.
func (v *Venue) intercept(ctx context.Context, op string) error {
	v.mu.Lock()
	hang := v.hang[op] > 0
	if hang {
		v.hang[op]--
	}
	var injected error
	if q := v.fail[op]; len(q) > 0 {
		injected, v.fail[op] = q[0], q[1:]
	}
	v.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	if injected != nil {
		return injected
	}
	return ctx.Err()
}

func (v *Venue) nextBehavior(user string) Behavior {
	q := v.scripts[user]
	if len(q) == 0 {
		return Behavior{Outcome: Accept}
	}
	v.scripts[user] = q[1:]
	return q[0]
}

// page is one open browser context.
type page struct {
	v       *Venue
	profile string

	mu          sync.Mutex
	url         string
	closed      bool
	loginFailed bool
	formOpen    bool
	fields      map[string]string
	side        string
	last        *Order
}

func (p *page) begin(ctx context.Context, op string) error {
	p.v.calls.Add(1)
	if err := p.v.intercept(ctx, op); err != nil {
		return driver.Wrap(op, err)
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return driver.Wrap(op, driver.ErrClosed)
	}
	p.v.mu.Lock()
	crashed := p.v.crashed[p.profile]
	p.v.mu.Unlock()
	if crashed {
		return driver.Wrap(op, driver.ErrCrashed)
	}
	return nil
}

func (p *page) Navigate(ctx context.Context, url string) error {
	if err := p.begin(ctx, "navigate"); err != nil {
		return err
	}
	l := p.v.layout
	switch url {
	case l.LoginURL, l.TradeURL, l.PositionsURL:
	default:
		return driver.Wrap("navigate", fmt.Errorf("unknown url %q", url))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	p.formOpen = false
	p.last = nil
	p.loginFailed = false
	return nil
}

// present renders the current page as the set of visible logical elements.
// Caller holds p.mu.
func (p *page) present() map[string]bool {
	l := p.v.layout
	p.v.mu.Lock()
	authed := p.v.authed[p.profile]
	p.v.mu.Unlock()

	on := make(map[string]bool)
	url := p.url
	if (url == l.TradeURL || url == l.PositionsURL) && !authed {
		url = l.LoginURL
	}
	switch url {
	case l.LoginURL:
		if authed {
			on[elAuthMarker] = true
			break
		}
		on[elUsername], on[elPassword], on[elLoginSubmit] = true, true, true
		on[elLoginError] = p.loginFailed
	case l.TradeURL:
		on[elAuthMarker], on[elOpenOrder] = true, true
		if p.formOpen {
			for _, el := range []string{elInstrument, elBuy, elSell, elQuantity, elStopLoss, elTakeProfit, elComment, elSubmit} {
				on[el] = true
			}
		}
		if o := p.last; o != nil && !time.Now().Before(o.visibleAt) {
			switch o.Outcome {
			case Accept:
				on[elConfirmed], on[elBrokerRef] = true, true
			case Reject:
				on[elRejected], on[elRejectReason] = true, true
			}
		}
	case l.PositionsURL:
		on[elAuthMarker], on[elPositionRows] = true, true
	}
	return on
}

func (p *page) match(sel driver.SelectorSet) (driver.Element, bool) {
	on := p.present()
	for _, s := range sel {
		if on[p.v.names[s]] {
			return driver.Element{Selector: s}, true
		}
	}
	return driver.Element{}, false
}

func (p *page) FindElement(ctx context.Context, sel driver.SelectorSet) (driver.Element, error) {
	if err := p.begin(ctx, "find"); err != nil {
		return driver.Element{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if el, ok := p.match(sel); ok {
		return el, nil
	}
	return driver.Element{}, driver.Wrap("find "+sel.String(), driver.ErrNotFound)
}

// resolve confirms el is still on the page and returns its logical name.
func (p *page) resolve(op string, el driver.Element) (string, error) {
	name := p.v.names[el.Selector]
	if name == "" || !p.present()[name] {
		return "", driver.Wrap(op+" "+el.Selector, driver.ErrNotFound)
	}
	return name, nil
}

func (p *page) Type(ctx context.Context, el driver.Element, text string, jitter driver.Jitter) error {
	if err := p.begin(ctx, "type"); err != nil {
		return err
	}
	p.mu.Lock()
	name, err := p.resolve("type", el)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	return driver.Wrap("type", driver.TypeRunes(ctx, text, jitter, func(key string) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.fields[name] += key
		return nil
	}))
}

func (p *page) Click(ctx context.Context, el driver.Element) error {
	if err := p.begin(ctx, "click"); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	name, err := p.resolve("click", el)
	if err != nil {
		return err
	}

	switch name {
	case elLoginSubmit:
		p.login()
	case elOpenOrder:
		p.formOpen = true
		p.fields = make(map[string]string)
		p.side = ""
		p.last = nil
	case elBuy:
		p.side = "BUY"
	case elSell:
		p.side = "SELL"
	case elSubmit:
		p.submit()
	}
	return nil
}

// login checks typed credentials. Caller holds p.mu.
func (p *page) login() {
	user, pass := p.fields[elUsername], p.fields[elPassword]
	p.fields = make(map[string]string)

	p.v.mu.Lock()
	defer p.v.mu.Unlock()
	want, ok := p.v.users[user]
	if !ok || want != pass {
		p.loginFailed = true
		return
	}
	p.loginFailed = false
	p.v.authed[p.profile] = true
	p.v.profileUser[p.profile] = user
	p.v.logins.Add(1)
	p.url = p.v.layout.TradeURL
}

// submit records the order per the user's script. Caller holds p.mu.
func (p *page) submit() {
	p.v.mu.Lock()
	defer p.v.mu.Unlock()

	user := p.v.profileUser[p.profile]
	b := p.v.nextBehavior(user)
	p.v.nextRef++
	now := time.Now()
	o := &Order{
		Ref:        "T-" + strconv.Itoa(p.v.nextRef),
		User:       user,
		Instrument: p.fields[elInstrument],
		Side:       p.side,
		Quantity:   p.fields[elQuantity],
		StopLoss:   p.fields[elStopLoss],
		TakeProfit: p.fields[elTakeProfit],
		Comment:    p.fields[elComment],
		Outcome:    b.Outcome,
		Reason:     b.RejectReason,
		PlacedAt:   now,
		visibleAt:  now.Add(b.Delay),
	}
	if o.Reason == "" && b.Outcome == Reject {
		o.Reason = "insufficient margin"
	}
	if b.Outcome != Silent {
		p.v.orders = append(p.v.orders, o)
	}
	p.last = o
	p.formOpen = false
}

func (p *page) ReadText(ctx context.Context, el driver.Element) (string, error) {
	if err := p.begin(ctx, "read"); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	name, err := p.resolve("read", el)
	if err != nil {
		return "", err
	}
	switch name {
	case elBrokerRef:
		return p.last.Ref, nil
	case elRejectReason:
		return p.last.Reason, nil
	case elPositionRows:
		return p.positions(), nil
	}
	return p.fields[name], nil
}

// positions renders the logged-in user's placed orders, one row per line.
func (p *page) positions() string {
	p.v.mu.Lock()
	defer p.v.mu.Unlock()
	user := p.v.profileUser[p.profile]
	var b strings.Builder
	for _, o := range p.v.orders {
		if o.User != user || (o.Outcome != Accept && o.Outcome != SilentAccept) {
			continue
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\t%s\n", o.Ref, o.Instrument, o.Side, o.Quantity, o.Comment)
	}
	return b.String()
}

func (p *page) WaitForMarker(ctx context.Context, marker driver.SelectorSet, timeout time.Duration) (bool, error) {
	if err := p.begin(ctx, "wait"); err != nil {
		return false, err
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(p.v.PollInterval)
	defer tick.Stop()

	for {
		p.mu.Lock()
		_, ok := p.match(marker)
		p.mu.Unlock()
		if ok {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, driver.Wrap("wait", ctx.Err())
		case <-deadline.C:
			return false, nil
		case <-tick.C:
		}
	}
}

func (p *page) Screenshot(ctx context.Context) (string, error) {
	if err := p.begin(ctx, "screenshot"); err != nil {
		return "", err
	}
	n := p.v.shots.Add(1)
	name := fmt.Sprintf("%s-%d.txt", filepath.Base(p.profile), n)
	if p.v.EvidenceDir == "" {
		return "sim://" + name, nil
	}
	p.mu.Lock()
	shown := make(map[string]string, len(p.fields))
	for k, val := range p.fields {
		if k == elPassword {
			val = "***"
		}
		shown[k] = val
	}
	desc := fmt.Sprintf("url=%s form_open=%v fields=%v\n", p.url, p.formOpen, shown)
	p.mu.Unlock()
	if err := os.MkdirAll(p.v.EvidenceDir, 0o755); err != nil {
		return "", driver.Wrap("screenshot", err)
	}
	path := filepath.Join(p.v.EvidenceDir, name)
	if err := os.WriteFile(path, []byte(desc), 0o644); err != nil {
		return "", driver.Wrap("screenshot", err)
	}
	return path, nil
}

func (p *page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
