package persistence

import (
	"context"
	"testing"
	"time"

	"execution-core/internal/model"
	"execution-core/pkg/db"
)

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestRecordExecutionFlushesOnSize(t *testing.T) {
	database := newTestDB(t)
	bw := NewBatchWriter(database.DB, 2, time.Hour)
	defer bw.Close()

	now := time.Now().UTC().Truncate(time.Second)
	bw.RecordExecution(model.ExecutionResult{CorrelationID: "c1", AccountID: "ACC1", Symbol: "EURUSD", Side: model.SideBuy, Quantity: 1, Outcome: model.OutcomeSuccess, BrokerReference: "T-1", Attempts: 1, Timestamp: now})
	if bw.Pending() != 1 {
		t.Fatalf("Pending=%d, expected 1", bw.Pending())
	}
	bw.RecordExecution(model.ExecutionResult{CorrelationID: "c2", AccountID: "ACC1", Symbol: "GBPUSD", Side: model.SideSell, Quantity: 2, Outcome: model.OutcomeTimeout, NeedsReconciliation: true, Attempts: 2, Timestamp: now})
	if bw.Pending() != 0 {
		t.Fatalf("Pending=%d after reaching maxSize, expected 0", bw.Pending())
	}

	got, err := database.Queries().GetExecution(context.Background(), "c2")
	if err != nil {
		t.Fatalf("GetExecution: %v", err)
	}
	if got.Outcome != string(model.OutcomeTimeout) || !got.NeedsReconciliation || got.Attempts != 2 {
		t.Fatalf("stored %+v", got)
	}
	if m := bw.GetMetrics(); m.TotalWrites != 2 || m.TotalBatches != 1 || m.LastBatchSize != 2 {
		t.Fatalf("metrics=%+v", m)
	}
}

func TestCloseFlushesAndLateWritesPersist(t *testing.T) {
	database := newTestDB(t)
	bw := NewBatchWriter(database.DB, 100, time.Hour)
	bw.RecordExecution(model.ExecutionResult{CorrelationID: "c1", AccountID: "A", Outcome: model.OutcomeSuccess, Timestamp: time.Now()})
	if err := bw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := bw.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	bw.RecordExecution(model.ExecutionResult{CorrelationID: "c2", AccountID: "A", Outcome: model.OutcomeRejected, Timestamp: time.Now()})

	rows, err := database.Queries().ListExecutions(context.Background(), "A", 10)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows=%d, expected 2", len(rows))
	}
}

func TestDuplicateCorrelationIgnored(t *testing.T) {
	database := newTestDB(t)
	bw := NewBatchWriter(database.DB, 10, time.Hour)
	defer bw.Close()
	for _, outcome := range []model.Outcome{model.OutcomeSuccess, model.OutcomeTimeout} {
		bw.RecordExecution(model.ExecutionResult{CorrelationID: "dup", AccountID: "A", Outcome: outcome, Timestamp: time.Now()})
	}
	if err := bw.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	got, err := database.Queries().GetExecution(context.Background(), "dup")
	if err != nil || got.Outcome != string(model.OutcomeSuccess) {
		t.Fatalf("got %+v err=%v, expected first write to win", got, err)
	}
}
