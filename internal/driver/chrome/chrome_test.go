package chrome

import (
	"testing"
	"time"
)

func TestNewAppliesDefaults(t *testing.T) {
	d := New(Config{Headless: true})
	if d.cfg.PollInterval != 250*time.Millisecond {
		t.Fatalf("PollInterval=%v, expected 250ms", d.cfg.PollInterval)
	}
	d = New(Config{PollInterval: time.Second})
	if d.cfg.PollInterval != time.Second {
		t.Fatalf("explicit PollInterval overwritten: %v", d.cfg.PollInterval)
	}
}
