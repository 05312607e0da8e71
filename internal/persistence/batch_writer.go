// Package persistence batches execution-history inserts so the dispatcher's
// hot path never waits on sqlite.
package persistence

import (
	"database/sql"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"execution-core/internal/model"
	"execution-core/pkg/db"
)

// WriteOp is one queued statement.
type WriteOp struct {
	Query string
	Args  []any
}

// BatchWriter buffers statements and runs them in one transaction per flush.
type BatchWriter struct {
	db       *sql.DB
	mu       sync.Mutex
	buffer   []WriteOp
	maxSize  int
	interval time.Duration
	done     chan struct{}
	closed   atomic.Bool
	wg       sync.WaitGroup

	totalWrites  atomic.Uint64
	totalBatches atomic.Uint64
	totalErrors  atomic.Uint64

	statsMu       sync.Mutex
	lastBatchSize int
	lastFlush     time.Time
}

// Metrics summarises writer activity.
type Metrics struct {
	TotalWrites   uint64    `json:"total_writes"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	Pending       int       `json:"pending"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewBatchWriter starts a writer that flushes at maxSize ops or every interval.
func NewBatchWriter(db *sql.DB, maxSize int, interval time.Duration) *BatchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	bw := &BatchWriter{
		db:       db,
		buffer:   make([]WriteOp, 0, maxSize),
		maxSize:  maxSize,
		interval: interval,
		done:     make(chan struct{}),
	}
	bw.wg.Add(1)
	go bw.backgroundFlush()
	return bw
}

// Write queues op. After Close it runs synchronously so nothing is dropped.
func (bw *BatchWriter) Write(op WriteOp) {
	if bw.closed.Load() {
		if err := bw.executeBatch([]WriteOp{op}); err != nil {
			log.Printf("⚠️ BatchWriter: late write failed: %v", err)
		}
		return
	}
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, op)
	full := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if full {
		if err := bw.Flush(); err != nil {
			log.Printf("⚠️ BatchWriter: flush error: %v", err)
		}
	}
}

// RecordExecution queues the history row for a terminal result. Rows are
// insert-or-ignore per correlation id.
func (bw *BatchWriter) RecordExecution(res model.ExecutionResult) {
	bw.Write(WriteOp{
		Query: db.InsertExecutionSQL,
		Args: db.ExecutionArgs(db.Execution{
			CorrelationID:       res.CorrelationID,
			AccountID:           res.AccountID,
			Symbol:              res.Symbol,
			Side:                string(res.Side),
			Quantity:            res.Quantity,
			Outcome:             string(res.Outcome),
			Reason:              res.Reason,
			BrokerReference:     res.BrokerReference,
			Evidence:            res.Evidence,
			NeedsReconciliation: res.NeedsReconciliation,
			Reconciled:          res.Reconciled,
			Attempts:            res.Attempts,
			CreatedAt:           res.Timestamp,
		}),
	})
}

// Flush writes everything buffered so far.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	ops := bw.buffer
	bw.buffer = make([]WriteOp, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(ops)
}

func (bw *BatchWriter) executeBatch(ops []WriteOp) error {
	bw.totalWrites.Add(uint64(len(ops)))
	bw.totalBatches.Add(1)
	bw.statsMu.Lock()
	bw.lastBatchSize = len(ops)
	bw.lastFlush = time.Now()
	bw.statsMu.Unlock()

	tx, err := bw.db.Begin()
	if err != nil {
		bw.totalErrors.Add(1)
		log.Printf("❌ BatchWriter: failed to begin transaction: %v", err)
		return err
	}
	for _, op := range ops {
		if _, err := tx.Exec(op.Query, op.Args...); err != nil {
			_ = tx.Rollback()
			bw.totalErrors.Add(1)
			log.Printf("❌ BatchWriter: query failed, rolling back %d ops: %v", len(ops), err)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		bw.totalErrors.Add(1)
		log.Printf("❌ BatchWriter: commit failed: %v", err)
		return err
	}
	log.Printf("💾 BatchWriter: flushed %d operations", len(ops))
	return nil
}

func (bw *BatchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.Flush(); err != nil {
				log.Printf("⚠️ BatchWriter: background flush error: %v", err)
			}
		case <-bw.done:
			if err := bw.Flush(); err != nil {
				log.Printf("⚠️ BatchWriter: final flush error: %v", err)
			}
			return
		}
	}
}

// Pending returns the number of buffered operations.
func (bw *BatchWriter) Pending() int {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return len(bw.buffer)
}

// GetMetrics returns writer statistics.
func (bw *BatchWriter) GetMetrics() Metrics {
	bw.statsMu.Lock()
	size, at := bw.lastBatchSize, bw.lastFlush
	bw.statsMu.Unlock()
	return Metrics{
		TotalWrites:   bw.totalWrites.Load(),
		TotalBatches:  bw.totalBatches.Load(),
		TotalErrors:   bw.totalErrors.Load(),
		Pending:       bw.Pending(),
		LastBatchSize: size,
		LastFlushTime: at,
	}
}

// Close flushes and stops the background goroutine. Idempotent.
func (bw *BatchWriter) Close() error {
	if bw.closed.Swap(true) {
		return nil
	}
	close(bw.done)
	bw.wg.Wait()
	return nil
}
