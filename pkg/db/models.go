package db

import "time"

// Account is a venue login as stored in the DB. Secret holds the ENC[vN] ciphertext.
type Account struct {
	ID             string
	Username       string
	Secret         string
	ProfileDir     string
	Disabled       bool
	DisabledReason string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Execution is one terminal execution result.
type Execution struct {
	CorrelationID       string
	AccountID           string
	Symbol              string
	Side                string
	Quantity            float64
	Outcome             string
	Reason              string
	BrokerReference     string
	Evidence            string
	NeedsReconciliation bool
	Reconciled          bool
	Attempts            int
	CreatedAt           time.Time
}
