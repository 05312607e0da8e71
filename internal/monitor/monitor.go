package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/model"
)

// Monitor watches the bus for operator-relevant events and forwards them to a sink.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink

	// Now is stubbed in tests.
	Now func() time.Time
}

// Start subscribes to alerts, recovery notices and failed executions.
func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Sink == nil {
		log.Println("monitor not fully configured; skipping")
		return
	}
	if m.Now == nil {
		m.Now = time.Now
	}
	stream, unsub := m.Bus.SubscribeMany([]events.Event{
		events.EventAlert,
		events.EventRecovery,
		events.EventExecutionResult,
	}, 64)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				msg, alert := m.format(env)
				if !alert {
					continue
				}
				if err := m.Sink.Send(msg); err != nil {
					log.Printf("⚠️ monitor: alert delivery failed: %v", err)
				}
			}
		}
	}()
}

// format renders an envelope and reports whether it warrants an alert.
func (m *Monitor) format(env events.Envelope) (string, bool) {
	prefix := "[" + m.Now().Format(time.RFC3339) + "] "
	switch p := env.Payload.(type) {
	case string:
		return prefix + p, true
	case events.RecoveryNotice:
		if p.Action == "stale" {
			return "", false
		}
		return prefix + fmt.Sprintf("recovery %s for %s after %d attempt(s): %s", p.Action, p.AccountID, p.Attempts, p.Reason), true
	case model.ExecutionResult:
		switch {
		case p.Outcome == model.OutcomeDriverError,
			p.Outcome == model.OutcomeTimeout && p.NeedsReconciliation:
			return prefix + fmt.Sprintf("%s %s on %s (%s): %s", p.Outcome, p.CorrelationID, p.AccountID, p.Symbol, p.Reason), true
		case p.Outcome == model.OutcomeRejected && p.Reason == model.ReasonSymbolUnmapped:
			return prefix + fmt.Sprintf("unmapped symbol %s on %s (%s)", p.Symbol, p.AccountID, p.CorrelationID), true
		}
		return "", false
	default:
		return prefix + "alert triggered", true
	}
}
