package sim

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"execution-core/internal/driver"
	"execution-core/internal/venue"
)

func login(t *testing.T, v *Venue, profile, user, pass string) driver.Context {
	t.Helper()
	ctx := context.Background()
	l := venue.Default()
	page, err := v.Open(ctx, profile)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := page.Navigate(ctx, l.LoginURL); err != nil {
		t.Fatalf("Navigate: %v", err)
	}
	for sel, text := range map[*driver.SelectorSet]string{&l.Selectors.Username: user, &l.Selectors.Password: pass} {
		el, err := page.FindElement(ctx, *sel)
		if err != nil {
			t.Fatalf("FindElement(%v): %v", *sel, err)
		}
		if err := page.Type(ctx, el, text, driver.Jitter{}); err != nil {
			t.Fatalf("Type: %v", err)
		}
	}
	submit, _ := page.FindElement(ctx, l.Selectors.LoginSubmit)
	if err := page.Click(ctx, submit); err != nil {
		t.Fatalf("Click: %v", err)
	}
	return page
}

func placeOrder(t *testing.T, page driver.Context, comment string) {
	t.Helper()
	ctx := context.Background()
	l := venue.Default()
	if err := page.Navigate(ctx, l.TradeURL); err != nil {
		t.Fatalf("Navigate trade: %v", err)
	}
	click := func(sel driver.SelectorSet) {
		el, err := page.FindElement(ctx, sel)
		if err != nil {
			t.Fatalf("FindElement(%v): %v", sel, err)
		}
		if err := page.Click(ctx, el); err != nil {
			t.Fatalf("Click(%v): %v", sel, err)
		}
	}
	typeInto := func(sel driver.SelectorSet, text string) {
		el, err := page.FindElement(ctx, sel)
		if err != nil {
			t.Fatalf("FindElement(%v): %v", sel, err)
		}
		if err := page.Type(ctx, el, text, driver.Jitter{}); err != nil {
			t.Fatalf("Type: %v", err)
		}
	}
	click(l.Selectors.OpenOrder)
	typeInto(l.Selectors.Instrument, "EUR/USD")
	click(l.Selectors.Buy)
	typeInto(l.Selectors.Quantity, "1")
	typeInto(l.Selectors.Comment, comment)
	click(l.Selectors.Submit)
}

func TestLoginAndCookiePersistence(t *testing.T) {
	v := New(nil)
	v.AddUser("alice", "pw")
	profile := t.TempDir()
	l := venue.Default()

	page := login(t, v, profile, "alice", "pw")
	if v.Logins() != 1 {
		t.Fatalf("Logins=%d, expected 1", v.Logins())
	}
	if _, err := page.FindElement(context.Background(), l.Selectors.AuthMarker); err != nil {
		t.Fatalf("auth marker missing after login: %v", err)
	}
	page.Close()

	// Reopening the same profile keeps the cookie.
	again, _ := v.Open(context.Background(), profile)
	again.Navigate(context.Background(), l.TradeURL)
	if _, err := again.FindElement(context.Background(), l.Selectors.AuthMarker); err != nil {
		t.Fatalf("cookie lost across reopen: %v", err)
	}

	v.Expire("alice")
	if _, err := again.FindElement(context.Background(), l.Selectors.AuthMarker); !driver.IsNotFound(err) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestBadPasswordShowsError(t *testing.T) {
	v := New(nil)
	v.AddUser("alice", "pw")
	page := login(t, v, t.TempDir(), "alice", "wrong")
	if _, err := page.FindElement(context.Background(), venue.Default().Selectors.LoginError); err != nil {
		t.Fatalf("login error not rendered: %v", err)
	}
	if v.Logins() != 0 {
		t.Fatalf("Logins=%d, expected 0", v.Logins())
	}
}

func TestOrderOutcomes(t *testing.T) {
	l := venue.Default()
	tests := []struct {
		name       string
		behavior   Behavior
		wantBanner driver.SelectorSet
		wantListed bool
	}{
		{name: "accept", behavior: Behavior{Outcome: Accept}, wantBanner: l.Selectors.Confirmed, wantListed: true},
		{name: "reject", behavior: Behavior{Outcome: Reject}, wantBanner: l.Selectors.Rejected},
		{name: "silent", behavior: Behavior{Outcome: Silent}},
		{name: "silent accept", behavior: Behavior{Outcome: SilentAccept}, wantListed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New(nil)
			v.AddUser("alice", "pw")
			v.Script("alice", tt.behavior)
			page := login(t, v, t.TempDir(), "alice", "pw")
			placeOrder(t, page, "cid:c1")

			ctx := context.Background()
			marker := driver.Union(l.Selectors.Confirmed, l.Selectors.Rejected)
			seen, err := page.WaitForMarker(ctx, marker, 30*time.Millisecond)
			if err != nil {
				t.Fatalf("WaitForMarker: %v", err)
			}
			if seen != (tt.wantBanner != nil) {
				t.Fatalf("banner seen=%v, expected %v", seen, tt.wantBanner != nil)
			}
			if tt.wantBanner != nil {
				if _, err := page.FindElement(ctx, tt.wantBanner); err != nil {
					t.Fatalf("expected banner %v: %v", tt.wantBanner, err)
				}
			}

			page.Navigate(ctx, l.PositionsURL)
			rows, _ := page.FindElement(ctx, l.Selectors.PositionRows)
			text, err := page.ReadText(ctx, rows)
			if err != nil {
				t.Fatalf("ReadText: %v", err)
			}
			_, listed := l.FindTagged(text, "c1")
			if listed != tt.wantListed {
				t.Fatalf("listed=%v, expected %v (rows %q)", listed, tt.wantListed, text)
			}
		})
	}
}

func TestDelayedConfirmation(t *testing.T) {
	l := venue.Default()
	v := New(nil)
	v.AddUser("alice", "pw")
	v.Script("alice", Behavior{Outcome: Accept, Delay: 200 * time.Millisecond})
	page := login(t, v, t.TempDir(), "alice", "pw")
	placeOrder(t, page, "cid:c1")

	seen, _ := page.WaitForMarker(context.Background(), l.Selectors.Confirmed, 20*time.Millisecond)
	if seen {
		t.Fatal("banner should not be visible before its delay")
	}
	seen, _ = page.WaitForMarker(context.Background(), l.Selectors.Confirmed, time.Second)
	if !seen {
		t.Fatal("banner should appear after its delay")
	}
}

func TestFaultInjection(t *testing.T) {
	v := New(nil)
	v.AddUser("alice", "pw")
	page := login(t, v, t.TempDir(), "alice", "pw")
	ctx := context.Background()

	v.Crash("alice")
	if err := page.Navigate(ctx, venue.Default().TradeURL); !errors.Is(err, driver.ErrCrashed) {
		t.Fatalf("expected ErrCrashed, got %v", err)
	}

	boom := errors.New("boom")
	v.FailNext("open", boom)
	if _, err := v.Open(ctx, t.TempDir()); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}

	v.HangNext("navigate", 1)
	fresh, _ := v.Open(ctx, t.TempDir())
	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := fresh.Navigate(tctx, venue.Default().LoginURL); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	fresh.Close()
	if err := fresh.Navigate(ctx, venue.Default().LoginURL); !errors.Is(err, driver.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestScreenshotRedactsPassword(t *testing.T) {
	l := venue.Default()
	v := New(nil)
	v.EvidenceDir = t.TempDir()
	ctx := context.Background()
	page, _ := v.Open(ctx, t.TempDir())
	page.Navigate(ctx, l.LoginURL)
	el, _ := page.FindElement(ctx, l.Selectors.Password)
	page.Type(ctx, el, "topsecret", driver.Jitter{})

	path, err := page.Screenshot(ctx)
	if err != nil {
		t.Fatalf("Screenshot: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read evidence: %v", err)
	}
	if strings.Contains(string(data), "topsecret") {
		t.Fatal("password written to evidence file")
	}
}
