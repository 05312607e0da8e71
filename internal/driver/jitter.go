package driver

import (
	"context"
	"math/rand"
	"time"
)

// Delay picks a uniformly random duration in [Min, Max].
func (j Jitter) Delay() time.Duration {
	if j.Max <= j.Min {
		return j.Min
	}
	return j.Min + time.Duration(rand.Int63n(int64(j.Max-j.Min+1)))
}

// Sleep waits one jittered delay or until ctx ends.
func (j Jitter) Sleep(ctx context.Context) error {
	d := j.Delay()
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TypeRunes sends text one rune at a time through send, sleeping a jittered
// delay before each keystroke after the first.
func TypeRunes(ctx context.Context, text string, j Jitter, send func(string) error) error {
	first := true
	for _, r := range text {
		if !first {
			if err := j.Sleep(ctx); err != nil {
				return err
			}
		}
		first = false
		if err := send(string(r)); err != nil {
			return err
		}
	}
	return nil
}
