// Package model holds the records shared by the session, execution, dispatch
// and recovery packages.
package model

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"
)

// Side is the order direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Account is an immutable venue login. Secrets stay in the credential store.
type Account struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	ProfileDir     string `json:"profile_dir"`
	Disabled       bool   `json:"disabled"`
	DisabledReason string `json:"disabled_reason,omitempty"`
}

// Signal is an inbound instruction to place one order.
type Signal struct {
	Symbol        string   `json:"symbol"`
	Side          Side     `json:"side"`
	Quantity      float64  `json:"quantity"`
	StopLoss      *float64 `json:"stop_loss,omitempty"`
	TakeProfit    *float64 `json:"take_profit,omitempty"`
	AccountID     string   `json:"account_id"`
	CorrelationID string   `json:"correlation_id"`
}

// ErrInvalidSignal wraps every Signal.Validate failure.
var ErrInvalidSignal = errors.New("invalid signal")

// Validate checks the fields a venue order form cannot do without.
func (s Signal) Validate() error {
	var problems []string
	if strings.TrimSpace(s.CorrelationID) == "" {
		problems = append(problems, "correlation_id is required")
	} else if strings.IndexFunc(s.CorrelationID, notTagSafe) >= 0 {
		// The id is typed into the order comment and matched back as a single
		// field of the positions list.
		problems = append(problems, "correlation_id must not contain whitespace or control characters")
	}
	if strings.TrimSpace(s.AccountID) == "" {
		problems = append(problems, "account_id is required")
	}
	if strings.TrimSpace(s.Symbol) == "" {
		problems = append(problems, "symbol is required")
	}
	if s.Side != SideBuy && s.Side != SideSell {
		problems = append(problems, fmt.Sprintf("side must be BUY or SELL, got %q", s.Side))
	}
	if !(s.Quantity > 0) || math.IsInf(s.Quantity, 0) {
		problems = append(problems, "quantity must be > 0")
	}
	if s.StopLoss != nil && !(*s.StopLoss > 0) {
		problems = append(problems, "stop_loss must be > 0 when set")
	}
	if s.TakeProfit != nil && !(*s.TakeProfit > 0) {
		problems = append(problems, "take_profit must be > 0 when set")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSignal, strings.Join(problems, "; "))
	}
	return nil
}

func notTagSafe(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsControl(r)
}

// Outcome is the terminal classification of one execution.
type Outcome string

const (
	OutcomeSuccess     Outcome = "SUCCESS"
	OutcomeRejected    Outcome = "REJECTED"
	OutcomeTimeout     Outcome = "TIMEOUT"
	OutcomeDriverError Outcome = "DRIVER_ERROR"
	OutcomeCancelled   Outcome = "CANCELLED"
)

// Reason codes carried on ExecutionResult.Reason.
const (
	ReasonSymbolUnmapped = "SYMBOL_UNMAPPED"
	ReasonSessionInvalid = "SESSION_INVALID"
	ReasonAuth           = "AUTH_ERROR"
	ReasonVenueRejected  = "VENUE_REJECTED"
	ReasonNoConfirmation = "NO_CONFIRMATION"
	ReasonNotPlaced      = "NOT_PLACED"
	ReasonCancelled      = "CANCELLED"
	ReasonDriver         = "DRIVER"
)

var reasonCodes = map[string]bool{
	ReasonSymbolUnmapped: true, ReasonSessionInvalid: true, ReasonAuth: true,
	ReasonVenueRejected: true, ReasonNoConfirmation: true, ReasonNotPlaced: true,
	ReasonCancelled: true,
}

// ReasonCode folds a free-text reason into one of the fixed reason codes.
// "VENUE_REJECTED: insufficient margin" becomes VENUE_REJECTED; wrapped
// driver and session errors become DRIVER.
func ReasonCode(reason string) string {
	if reason == "" {
		return ""
	}
	code, _, _ := strings.Cut(reason, ":")
	if reasonCodes[code] {
		return code
	}
	return ReasonDriver
}

// ExecutionResult is written once per correlation id.
type ExecutionResult struct {
	CorrelationID       string        `json:"correlation_id"`
	AccountID           string        `json:"account_id"`
	Symbol              string        `json:"symbol"`
	Side                Side          `json:"side"`
	Quantity            float64       `json:"quantity"`
	Outcome             Outcome       `json:"outcome"`
	Reason              string        `json:"reason,omitempty"`
	BrokerReference     string        `json:"broker_reference,omitempty"`
	Evidence            string        `json:"evidence,omitempty"`
	NeedsReconciliation bool          `json:"needs_reconciliation,omitempty"`
	Reconciled          bool          `json:"reconciled,omitempty"`
	Attempts            int           `json:"attempts"`
	Latency             time.Duration `json:"latency_ns"`
	Timestamp           time.Time     `json:"timestamp"`
}

// ResultFor starts a result carrying the signal's identifying fields.
func ResultFor(sig Signal) ExecutionResult {
	return ExecutionResult{
		CorrelationID: sig.CorrelationID,
		AccountID:     sig.AccountID,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Quantity:      sig.Quantity,
		Attempts:      1,
	}
}

// Terminal reports whether the result is final without reconciliation.
func (r ExecutionResult) Terminal() bool {
	switch r.Outcome {
	case OutcomeSuccess, OutcomeRejected, OutcomeCancelled:
		return true
	}
	return false
}

// SessionState is the lifecycle state of a venue session.
type SessionState string

const (
	StateUnauthenticated SessionState = "UNAUTHENTICATED"
	StateAuthenticating  SessionState = "AUTHENTICATING"
	StateActive          SessionState = "ACTIVE"
	StateStale           SessionState = "STALE"
	StateClosed          SessionState = "CLOSED"
)

var sessionTransitions = map[SessionState][]SessionState{
	StateUnauthenticated: {StateAuthenticating, StateActive, StateClosed},
	StateAuthenticating:  {StateActive, StateClosed},
	StateActive:          {StateStale, StateClosed},
	StateStale:           {StateActive, StateClosed},
	StateClosed:          {},
}

// CanTransition reports whether from -> to is a legal session transition.
func CanTransition(from, to SessionState) bool {
	for _, s := range sessionTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// SessionInfo is a read-only view of a session for operators.
type SessionInfo struct {
	AccountID       string       `json:"account_id"`
	SessionID       string       `json:"session_id"`
	State           SessionState `json:"state"`
	CreatedAt       time.Time    `json:"created_at"`
	LastValidatedAt time.Time    `json:"last_validated_at"`
	InUse           bool         `json:"in_use"`
}

// LivenessRecord is overwritten on every session transition or terminal result.
type LivenessRecord struct {
	Key                 string     `json:"key"`
	SessionID           string     `json:"session_id,omitempty"`
	StatusMessage       string     `json:"status_message"`
	LastUpdate          time.Time  `json:"last_update"`
	SessionActive       bool       `json:"session_active"`
	InactiveSince       *time.Time `json:"inactive_since,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// Age is how long ago the record was last written.
func (r LivenessRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.LastUpdate)
}
