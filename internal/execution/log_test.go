package execution

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"execution-core/internal/model"
)

func TestLogAppendAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "executions.jsonl")
	l, err := OpenLog(path)
	if err != nil {
		t.Fatalf("OpenLog: %v", err)
	}
	defer l.Close()

	now := time.Now().UTC()
	entries := []model.ExecutionResult{
		{CorrelationID: "old", Outcome: model.OutcomeSuccess, Timestamp: now.Add(-time.Hour)},
		{CorrelationID: "c1", Outcome: model.OutcomeTimeout, Timestamp: now.Add(-time.Minute)},
		{CorrelationID: "c2", Outcome: model.OutcomeRejected, Timestamp: now},
		{CorrelationID: "c1", Outcome: model.OutcomeSuccess, Reconciled: true, Timestamp: now},
	}
	for _, e := range entries {
		if err := l.Append(e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	// A crash mid-write leaves a torn line.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString(`{"correlation_id":"torn"`)
	f.Close()

	got, err := l.Recent(now.Add(-10 * time.Minute))
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent returned %d results, expected 2: %+v", len(got), got)
	}
	if got[0].CorrelationID != "c1" || got[0].Outcome != model.OutcomeSuccess || !got[0].Reconciled {
		t.Fatalf("expected the last c1 entry, got %+v", got[0])
	}
	if got[1].CorrelationID != "c2" {
		t.Fatalf("unexpected order %+v", got)
	}
}

func TestLogRecentMissingFile(t *testing.T) {
	l := &Log{path: filepath.Join(t.TempDir(), "none.jsonl")}
	got, err := l.Recent(time.Time{})
	if err != nil || len(got) != 0 {
		t.Fatalf("Recent()=%v,%v expected empty", got, err)
	}
}

func TestLogAppendAfterClose(t *testing.T) {
	l, err := OpenLog(filepath.Join(t.TempDir(), "x.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(model.ExecutionResult{CorrelationID: "c"}); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("expected os.ErrClosed, got %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
