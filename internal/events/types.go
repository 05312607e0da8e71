package events

// Event enumerates high-level topics inside the execution core.
type Event string

const (
	// EventLiveness carries model.LivenessRecord after every write.
	EventLiveness Event = "liveness.updated"
	// EventSessionState carries model.SessionInfo on every session transition.
	EventSessionState Event = "session.state"
	// EventSignalReceived carries model.Signal when a dispatch is accepted.
	EventSignalReceived Event = "signal.received"
	// EventOrderState carries OrderTransition as the engine walks the order state machine.
	EventOrderState Event = "order.state"
	// EventExecutionResult carries the terminal model.ExecutionResult.
	EventExecutionResult Event = "execution.result"
	// EventRecovery carries RecoveryNotice for supervisor actions.
	EventRecovery Event = "recovery.action"
	// EventAlert carries a string for operator alerting.
	EventAlert Event = "alert"
)

// OrderTransition is published on EventOrderState.
type OrderTransition struct {
	CorrelationID string `json:"correlation_id"`
	AccountID     string `json:"account_id"`
	From          string `json:"from"`
	To            string `json:"to"`
}

// RecoveryNotice is published on EventRecovery.
type RecoveryNotice struct {
	AccountID string `json:"account_id"`
	Action    string `json:"action"` // "stale", "recovered", "exhausted"
	Attempts  int    `json:"attempts"`
	Reason    string `json:"reason"`
}
