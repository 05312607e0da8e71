// Package liveness owns the per-key LivenessRecords operators read to decide
// whether a session is healthy.
package liveness

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/model"
)

// SupervisorKey is the record the recovery supervisor publishes about itself.
const SupervisorKey = "supervisor"

// Result says how an update moves the consecutive failure counter.
type Result int

const (
	// ResultNone leaves the counter untouched (state changes, probes).
	ResultNone Result = iota
	// ResultOK resets the counter.
	ResultOK
	// ResultFailed increments the counter.
	ResultFailed
)

// Update is one write to a record.
type Update struct {
	SessionID string
	Message   string
	Active    bool
	Result    Result
}

// Store keeps the latest record per key in memory and mirrors each write to a
// snapshot file so operators and restarts see the last state. Writes are
// last-write-wins per key.
type Store struct {
	mu        sync.RWMutex
	records   map[string]model.LivenessRecord
	dir       string
	bus       *events.Bus
	now       func() time.Time
	observers []func(model.LivenessRecord)
	seq       map[string]uint64

	// persistMu orders snapshot renames; written holds the newest seq on disk per key.
	persistMu sync.Mutex
	written   map[string]uint64
}

// NewStore creates a store. An empty dir keeps records in memory only.
func NewStore(dir string, bus *events.Bus) *Store {
	return &Store{
		records: make(map[string]model.LivenessRecord),
		seq:     make(map[string]uint64),
		written: make(map[string]uint64),
		dir:     dir,
		bus:     bus,
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// OnUpdate registers fn to run after every write. fn runs on the writing
// goroutine outside the store lock; writes registered earlier are not replayed.
func (s *Store) OnUpdate(fn func(model.LivenessRecord)) {
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// Update overwrites the record for key and returns the stored value.
func (s *Store) Update(key string, u Update) model.LivenessRecord {
	s.mu.Lock()
	now := s.now()
	prev, existed := s.records[key]

	rec := model.LivenessRecord{
		Key:                 key,
		SessionID:           u.SessionID,
		StatusMessage:       u.Message,
		LastUpdate:          now,
		SessionActive:       u.Active,
		ConsecutiveFailures: prev.ConsecutiveFailures,
	}
	if rec.SessionID == "" {
		rec.SessionID = prev.SessionID
	}
	if !u.Active {
		since := now
		if existed && !prev.SessionActive && prev.InactiveSince != nil {
			since = *prev.InactiveSince
		}
		rec.InactiveSince = &since
	}
	switch u.Result {
	case ResultOK:
		rec.ConsecutiveFailures = 0
	case ResultFailed:
		rec.ConsecutiveFailures++
	}

	s.records[key] = rec
	s.seq[key]++
	seq := s.seq[key]
	observers := s.observers
	s.mu.Unlock()

	if err := s.persist(rec, seq); err != nil {
		log.Printf("⚠️ liveness: snapshot %s failed: %v", key, err)
	}
	for _, fn := range observers {
		fn(rec)
	}
	s.bus.Publish(events.EventLiveness, rec)
	return rec
}

// Get returns the record for key.
func (s *Store) Get(key string) (model.LivenessRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec, ok
}

// All returns every record sorted by key.
func (s *Store) All() []model.LivenessRecord {
	s.mu.RLock()
	out := make([]model.LivenessRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Load seeds the store from snapshot files written by a previous process.
func (s *Store) Load() (int, error) {
	if s.dir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read liveness dir: %w", err)
	}

	loaded := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return loaded, fmt.Errorf("read %s: %w", entry.Name(), err)
		}
		var rec model.LivenessRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			log.Printf("⚠️ liveness: skipping corrupt snapshot %s: %v", entry.Name(), err)
			continue
		}
		if rec.Key == "" {
			continue
		}
		s.records[rec.Key] = rec
		loaded++
	}
	return loaded, nil
}

// persist writes rec to <dir>/<key>.json through a temp file and rename. A
// write older than the one already on disk for the key is dropped.
func (s *Store) persist(rec model.LivenessRecord, seq uint64) error {
	if s.dir == "" {
		return nil
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if seq <= s.written[rec.Key] {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create liveness dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	path := filepath.Join(s.dir, fileName(rec.Key))
	tmp, err := os.CreateTemp(s.dir, ".liveness-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	s.written[rec.Key] = seq
	return nil
}

// fileName maps a key onto a safe file name.
func fileName(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String() + ".json"
}
