package monitor

import (
	"log"
	"sync"
)

// AlertSink interface for pluggable alert delivery.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the process log.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Printf("🚨 %s", message)
	return nil
}

// MemorySink keeps alerts in memory; the API exposes the most recent ones.
type MemorySink struct {
	mu    sync.Mutex
	max   int
	items []string
}

func NewMemorySink(max int) *MemorySink {
	if max <= 0 {
		max = 100
	}
	return &MemorySink{max: max}
}

func (s *MemorySink) Send(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.items) >= s.max {
		s.items = s.items[1:]
	}
	s.items = append(s.items, message)
	return nil
}

// Recent returns a copy of stored alerts, oldest first.
func (s *MemorySink) Recent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.items))
	copy(out, s.items)
	return out
}

// MultiSink fans an alert out to several sinks; the first error wins.
type MultiSink []AlertSink

func (m MultiSink) Send(message string) error {
	var first error
	for _, s := range m {
		if err := s.Send(message); err != nil && first == nil {
			first = err
		}
	}
	return first
}
