// Package driver is the port to the UI automation capability. The engine and
// session manager only ever talk to a venue through these interfaces.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound means no selector of a SelectorSet matched.
	ErrNotFound = errors.New("element not found")
	// ErrCrashed means the browser process or tab is gone.
	ErrCrashed = errors.New("driver crashed")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("driver context closed")
)

// Error tags a failure with the driver operation that produced it.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return "driver " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Wrap returns nil for nil err, otherwise an *Error for op.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// IsNotFound reports a missing element, which callers usually treat as a page state.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// SelectorSet lists alternative selectors for one logical element, tried in order.
type SelectorSet []string

func (s SelectorSet) String() string { return fmt.Sprint([]string(s)) }

// Union concatenates sets, keeping order.
func Union(sets ...SelectorSet) SelectorSet {
	var out SelectorSet
	for _, s := range sets {
		out = append(out, s...)
	}
	return out
}

// Element is a resolved handle: the selector that matched.
type Element struct {
	Selector string
}

// Jitter bounds the random pause between keystrokes.
type Jitter struct {
	Min time.Duration
	Max time.Duration
}

// Driver opens browser contexts bound to a persistent profile directory.
type Driver interface {
	Open(ctx context.Context, profileDir string) (Context, error)
}

// Context is one open browser context. Every call must honour ctx deadlines.
type Context interface {
	Navigate(ctx context.Context, url string) error
	FindElement(ctx context.Context, sel SelectorSet) (Element, error)
	Type(ctx context.Context, el Element, text string, jitter Jitter) error
	Click(ctx context.Context, el Element) error
	ReadText(ctx context.Context, el Element) (string, error)
	// WaitForMarker returns false when timeout elapses without any selector matching.
	WaitForMarker(ctx context.Context, marker SelectorSet, timeout time.Duration) (bool, error)
	// Screenshot captures the current page and returns the file path.
	Screenshot(ctx context.Context) (string, error)
	Close() error
}
