// Package execution places one order through a borrowed venue session and
// classifies the outcome. It never retries; retry policy lives with the caller.
package execution

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"execution-core/internal/driver"
	"execution-core/internal/events"
	"execution-core/internal/liveness"
	"execution-core/internal/model"
	"execution-core/internal/monitor"
	"execution-core/internal/session"
	"execution-core/internal/venue"
	"execution-core/pkg/i18n"
)

// State is a step of the per-order state machine.
type State string

const (
	StateReceived    State = "RECEIVED"
	StateValidating  State = "VALIDATING"
	StateNavigating  State = "NAVIGATING"
	StateFormFilling State = "FORM_FILLING"
	StateSubmitting  State = "SUBMITTING"
	StateConfirming  State = "CONFIRMING"
	StateConfirmed   State = "CONFIRMED"
	StateRejected    State = "REJECTED"
	StateTimedOut    State = "TIMED_OUT"
	StateFailed      State = "FAILED"
	StateCancelled   State = "CANCELLED"
)

// SessionValidator is the part of the session manager the engine needs.
type SessionValidator interface {
	Validate(ctx context.Context, s *session.Session) bool
}

// Config holds engine timing.
type Config struct {
	ActionTimeout       time.Duration
	ConfirmationTimeout time.Duration
	Jitter              driver.Jitter
}

// Engine drives the venue order form.
type Engine struct {
	cfg      Config
	venue    *venue.Venue
	sessions SessionValidator
	live     *liveness.Store
	bus      *events.Bus
	metrics  *monitor.SystemMetrics
	now      func() time.Time
}

// NewEngine creates an engine. bus and metrics may be nil.
func NewEngine(cfg Config, v *venue.Venue, sessions SessionValidator, live *liveness.Store, bus *events.Bus, metrics *monitor.SystemMetrics) *Engine {
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 10 * time.Second
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = 15 * time.Second
	}
	return &Engine{
		cfg:      cfg,
		venue:    v,
		sessions: sessions,
		live:     live,
		bus:      bus,
		metrics:  metrics,
		now:      time.Now,
	}
}

// SetClock replaces the time source used for latency and confirmation deadlines.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Resolve maps a signal symbol to the venue instrument.
func (e *Engine) Resolve(symbol string) (string, bool) {
	return e.venue.Instrument(symbol)
}

// order carries one execution through the state machine.
type order struct {
	e       *Engine
	sig     model.Signal
	res     model.ExecutionResult
	state   State
	browser driver.Context
	start   time.Time
}

func (o *order) to(next State) {
	o.e.bus.Publish(events.EventOrderState, events.OrderTransition{
		CorrelationID: o.sig.CorrelationID,
		AccountID:     o.sig.AccountID,
		From:          string(o.state),
		To:            string(next),
	})
	o.state = next
}

// Execute places sig through s and returns the terminal result. Cancellation of
// ctx is honoured until the submit click; after that the call runs to a
// classified outcome on its own deadlines.
func (e *Engine) Execute(ctx context.Context, sig model.Signal, s *session.Session) model.ExecutionResult {
	o := &order{e: e, sig: sig, res: model.ResultFor(sig), state: StateReceived, start: e.now()}

	o.to(StateValidating)
	instrument, ok := e.Resolve(sig.Symbol)
	if !ok {
		log.Printf("⚠️ executor: %s symbol %q has no venue mapping", sig.CorrelationID, sig.Symbol)
		return o.finish(StateRejected, model.OutcomeRejected, model.ReasonSymbolUnmapped, nil)
	}
	if ctx.Err() != nil {
		return o.finish(StateCancelled, model.OutcomeCancelled, model.ReasonCancelled, nil)
	}
	if s == nil || s.AccountID != sig.AccountID || s.State() != model.StateActive || !e.sessions.Validate(ctx, s) {
		return o.finish(StateFailed, model.OutcomeDriverError, model.ReasonSessionInvalid, nil)
	}
	o.browser = s.Browser()
	if o.browser == nil {
		return o.finish(StateFailed, model.OutcomeDriverError, model.ReasonSessionInvalid, nil)
	}

	submit, err := o.fill(ctx, instrument)
	if err != nil {
		if ctx.Err() != nil {
			return o.finish(StateCancelled, model.OutcomeCancelled, model.ReasonCancelled, nil)
		}
		return o.finish(StateFailed, model.OutcomeDriverError, err.Error(), err)
	}
	if ctx.Err() != nil {
		return o.finish(StateCancelled, model.OutcomeCancelled, model.ReasonCancelled, nil)
	}

	// Past this point the click may have landed: no caller cancellation.
	sctx := context.WithoutCancel(ctx)
	o.to(StateSubmitting)
	if err := o.call(sctx, func(ctx context.Context) error { return o.browser.Click(ctx, submit) }); err != nil {
		o.res.NeedsReconciliation = true
		return o.finish(StateFailed, model.OutcomeDriverError, err.Error(), err)
	}

	o.to(StateConfirming)
	return o.confirm(sctx)
}

// fill walks Navigating and FormFilling and returns the submit button.
func (o *order) fill(ctx context.Context, instrument string) (driver.Element, error) {
	sel := o.e.venue.Selectors
	b := o.browser

	o.to(StateNavigating)
	if err := o.call(ctx, func(ctx context.Context) error { return b.Navigate(ctx, o.e.venue.TradeURL) }); err != nil {
		return driver.Element{}, err
	}
	if err := o.click(ctx, sel.OpenOrder); err != nil {
		return driver.Element{}, err
	}

	o.to(StateFormFilling)
	if err := o.typeInto(ctx, sel.Instrument, instrument); err != nil {
		return driver.Element{}, err
	}
	side := sel.Buy
	if o.sig.Side == model.SideSell {
		side = sel.Sell
	}
	if err := o.click(ctx, side); err != nil {
		return driver.Element{}, err
	}
	if err := o.typeInto(ctx, sel.Quantity, formatNumber(o.sig.Quantity)); err != nil {
		return driver.Element{}, err
	}
	if o.sig.StopLoss != nil {
		if err := o.typeInto(ctx, sel.StopLoss, formatNumber(*o.sig.StopLoss)); err != nil {
			return driver.Element{}, err
		}
	}
	if o.sig.TakeProfit != nil {
		if err := o.typeInto(ctx, sel.TakeProfit, formatNumber(*o.sig.TakeProfit)); err != nil {
			return driver.Element{}, err
		}
	}
	if len(sel.Comment) > 0 {
		if err := o.typeInto(ctx, sel.Comment, o.e.venue.CommentTag(o.sig.CorrelationID)); err != nil {
			return driver.Element{}, err
		}
	}
	return o.find(ctx, sel.Submit)
}

// confirm waits for either marker, then tells them apart.
func (o *order) confirm(ctx context.Context) model.ExecutionResult {
	sel := o.e.venue.Selectors
	timeout := o.e.cfg.ConfirmationTimeout
	submitted := o.e.now()

	wctx, cancel := context.WithTimeout(ctx, timeout+o.e.cfg.ActionTimeout)
	seen, err := o.browser.WaitForMarker(wctx, driver.Union(sel.Confirmed, sel.Rejected), timeout)
	cancel()
	elapsed := o.e.now().Sub(submitted)
	if err != nil {
		o.res.NeedsReconciliation = true
		return o.finish(StateFailed, model.OutcomeDriverError, driver.Wrap("wait", err).Error(), err)
	}
	if !seen || elapsed > timeout {
		o.res.NeedsReconciliation = true
		o.captureEvidence(ctx)
		return o.finish(StateTimedOut, model.OutcomeTimeout, model.ReasonNoConfirmation, nil)
	}

	if _, err := o.find(ctx, sel.Rejected); err == nil {
		reason := model.ReasonVenueRejected
		if text, err := o.read(ctx, sel.RejectReason); err == nil && text != "" {
			reason += ": " + text
		}
		return o.finish(StateRejected, model.OutcomeRejected, reason, nil)
	}
	if _, err := o.find(ctx, sel.Confirmed); err != nil {
		// The marker flickered away before we could classify it.
		o.res.NeedsReconciliation = true
		o.captureEvidence(ctx)
		return o.finish(StateTimedOut, model.OutcomeTimeout, model.ReasonNoConfirmation, nil)
	}

	o.e.metrics.RecordConfirmation(elapsed)
	if ref, err := o.read(ctx, sel.BrokerRef); err == nil {
		o.res.BrokerReference = ref
	} else {
		log.Printf("⚠️ executor: %s confirmed but broker reference unreadable: %v", o.sig.CorrelationID, err)
	}
	return o.finish(StateConfirmed, model.OutcomeSuccess, "", nil)
}

// finish stamps the result, writes liveness once and logs the outcome.
func (o *order) finish(state State, outcome model.Outcome, reason string, cause error) model.ExecutionResult {
	o.to(state)
	o.res.Outcome = outcome
	o.res.Reason = reason
	if cause != nil {
		o.captureEvidence(context.Background())
	}
	now := o.e.now()
	o.res.Latency = now.Sub(o.start)
	o.res.Timestamp = now

	o.e.updateLiveness(o.res)
	if o.res.Evidence != "" {
		log.Printf("executor: %s on %s -> %s %s (evidence %s)", o.sig.CorrelationID, o.sig.AccountID, outcome, reason, o.res.Evidence)
	} else {
		log.Printf("executor: %s on %s -> %s %s", o.sig.CorrelationID, o.sig.AccountID, outcome, reason)
	}
	return o.res
}

func (o *order) captureEvidence(ctx context.Context) {
	if o.browser == nil || o.res.Evidence != "" {
		return
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.e.cfg.ActionTimeout)
	defer cancel()
	path, err := o.browser.Screenshot(cctx)
	if err != nil {
		log.Printf("⚠️ executor: screenshot for %s failed: %v", o.sig.CorrelationID, err)
		return
	}
	o.res.Evidence = path
}

func (e *Engine) updateLiveness(res model.ExecutionResult) {
	m := i18n.M()
	u := liveness.Update{Active: true}
	switch res.Outcome {
	case model.OutcomeSuccess:
		u.Message = fmt.Sprintf(m.StatusOrderConfirmed, res.CorrelationID)
		u.Result = liveness.ResultOK
	case model.OutcomeRejected:
		u.Message = fmt.Sprintf(m.StatusOrderRejected, res.CorrelationID, res.Reason)
		if res.Reason == model.ReasonSymbolUnmapped {
			prev, _ := e.live.Get(res.AccountID)
			u.Active = prev.SessionActive
		}
	case model.OutcomeTimeout:
		u.Message = fmt.Sprintf(m.StatusOrderTimedOut, res.CorrelationID)
		u.Result = liveness.ResultFailed
	case model.OutcomeDriverError:
		u.Message = fmt.Sprintf(m.StatusOrderDriverError, res.CorrelationID, res.Reason)
		u.Active = false
		u.Result = liveness.ResultFailed
	case model.OutcomeCancelled:
		prev, _ := e.live.Get(res.AccountID)
		u.Message = prev.StatusMessage
		u.Active = prev.SessionActive
	}
	e.live.Update(res.AccountID, u)
}

// --- driver call helpers, each under the action timeout ---

func (o *order) call(ctx context.Context, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, o.e.cfg.ActionTimeout)
	defer cancel()
	return fn(cctx)
}

func (o *order) find(ctx context.Context, sel driver.SelectorSet) (driver.Element, error) {
	var el driver.Element
	err := o.call(ctx, func(ctx context.Context) error {
		var err error
		el, err = o.browser.FindElement(ctx, sel)
		return err
	})
	return el, err
}

func (o *order) click(ctx context.Context, sel driver.SelectorSet) error {
	el, err := o.find(ctx, sel)
	if err != nil {
		return err
	}
	if err := o.call(ctx, func(ctx context.Context) error { return o.browser.Click(ctx, el) }); err != nil {
		return err
	}
	return o.e.cfg.Jitter.Sleep(ctx)
}

func (o *order) typeInto(ctx context.Context, sel driver.SelectorSet, text string) error {
	el, err := o.find(ctx, sel)
	if err != nil {
		return err
	}
	// Jittered typing gets its own budget on top of the action timeout.
	budget := o.e.cfg.ActionTimeout + time.Duration(len(text))*o.e.cfg.Jitter.Max
	tctx, cancel := context.WithTimeout(ctx, budget)
	err = o.browser.Type(tctx, el, text, o.e.cfg.Jitter)
	cancel()
	if err != nil {
		return err
	}
	return o.e.cfg.Jitter.Sleep(ctx)
}

func (o *order) read(ctx context.Context, sel driver.SelectorSet) (string, error) {
	var text string
	err := o.call(ctx, func(ctx context.Context) error {
		el, err := o.browser.FindElement(ctx, sel)
		if err != nil {
			return err
		}
		text, err = o.browser.ReadText(ctx, el)
		return err
	})
	return text, err
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
