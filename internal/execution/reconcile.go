package execution

import (
	"context"
	"errors"
	"fmt"
	"log"

	"execution-core/internal/driver"
	"execution-core/internal/model"
	"execution-core/internal/session"
)

// ErrNoSession is returned by Reconcile without a usable browser.
var ErrNoSession = errors.New("no usable session")

// ErrNotAuthenticated means the position list could not be trusted because the
// venue no longer recognised the session.
var ErrNotAuthenticated = errors.New("venue session not authenticated")

// Reconciliation is what the venue's own position list says about a signal.
type Reconciliation struct {
	Found           bool
	BrokerReference string
}

// Reconcile reads the venue position list and looks for the signal's
// correlation tag. It places nothing. An error means the answer is unknown and
// the caller must not assume the order is absent.
func (e *Engine) Reconcile(ctx context.Context, sig model.Signal, s *session.Session) (Reconciliation, error) {
	if s == nil {
		return Reconciliation{}, ErrNoSession
	}
	b := s.Browser()
	if b == nil {
		return Reconciliation{}, ErrNoSession
	}
	o := &order{e: e, sig: sig, browser: b}
	sel := e.venue.Selectors

	if err := o.call(ctx, func(ctx context.Context) error { return b.Navigate(ctx, e.venue.PositionsURL) }); err != nil {
		return Reconciliation{}, fmt.Errorf("reconcile %s: %w", sig.CorrelationID, err)
	}
	if _, err := o.find(ctx, sel.AuthMarker); err != nil {
		if driver.IsNotFound(err) {
			return Reconciliation{}, fmt.Errorf("reconcile %s: %w", sig.CorrelationID, ErrNotAuthenticated)
		}
		return Reconciliation{}, fmt.Errorf("reconcile %s: %w", sig.CorrelationID, err)
	}

	text, err := o.read(ctx, sel.PositionRows)
	if err != nil {
		if !driver.IsNotFound(err) {
			return Reconciliation{}, fmt.Errorf("reconcile %s: %w", sig.CorrelationID, err)
		}
		// An empty list renders no rows container.
		text = ""
	}

	ref, found := e.venue.FindTagged(text, sig.CorrelationID)
	if found {
		log.Printf("🔄 executor: reconciled %s on %s: found (ref %q)", sig.CorrelationID, sig.AccountID, ref)
	} else {
		log.Printf("🔄 executor: reconciled %s on %s: not placed", sig.CorrelationID, sig.AccountID)
	}
	return Reconciliation{Found: found, BrokerReference: ref}, nil
}
