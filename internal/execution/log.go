package execution

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"execution-core/internal/model"
)

// Log is the append-only execution log: one JSON ExecutionResult per line,
// synced to disk before Append returns.
type Log struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	closed bool
}

// OpenLog opens (or creates) the log at path.
func OpenLog(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create execution log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open execution log: %w", err)
	}
	return &Log{path: path, file: f}, nil
}

// Path returns the log file location.
func (l *Log) Path() string { return l.path }

// Append writes res as one line and fsyncs.
func (l *Log) Append(res model.ExecutionResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return os.ErrClosed
	}
	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("append execution log: %w", err)
	}
	return l.file.Sync()
}

// Recent returns results written at or after since, last entry per correlation
// id, in file order. A torn final line from a crash is skipped.
func (l *Log) Recent(since time.Time) ([]model.ExecutionResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open execution log: %w", err)
	}
	defer f.Close()

	index := make(map[string]int)
	var out []model.ExecutionResult
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var res model.ExecutionResult
		if err := json.Unmarshal(scanner.Bytes(), &res); err != nil {
			log.Printf("⚠️ execution log: skipping line %d: %v", line, err)
			continue
		}
		if res.Timestamp.Before(since) {
			continue
		}
		if i, ok := index[res.CorrelationID]; ok {
			out[i] = res
			continue
		}
		index[res.CorrelationID] = len(out)
		out = append(out, res)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan execution log: %w", err)
	}
	return out, nil
}

// Close closes the file. Later Appends fail.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
