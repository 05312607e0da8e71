package recovery

import (
	"log"
	"sync"
)

// RestartExitCode is what the process exits with after a requested restart,
// so a service manager configured to restart on failure brings it back.
const RestartExitCode = 75

// Restarter escalates an unrecoverable account to a process restart.
type Restarter interface {
	RequestRestart(reason string)
}

// ProcessRestarter stops the process through stop and remembers why. The
// first request wins; later ones are logged only.
type ProcessRestarter struct {
	stop func()

	mu        sync.Mutex
	requested bool
	reason    string
}

func NewProcessRestarter(stop func()) *ProcessRestarter {
	return &ProcessRestarter{stop: stop}
}

func (r *ProcessRestarter) RequestRestart(reason string) {
	r.mu.Lock()
	first := !r.requested
	if first {
		r.requested = true
		r.reason = reason
	}
	r.mu.Unlock()

	if !first {
		log.Printf("recovery: restart already requested, ignoring: %s", reason)
		return
	}
	log.Printf("recovery: 🚨 requesting process restart: %s", reason)
	if r.stop != nil {
		r.stop()
	}
}

// Requested reports whether a restart was asked for and the first reason.
func (r *ProcessRestarter) Requested() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reason, r.requested
}
