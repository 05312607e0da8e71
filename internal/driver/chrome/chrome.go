// Package chrome drives a real Chromium through the DevTools protocol.
package chrome

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"

	"execution-core/internal/driver"
)

// Config controls how browsers are launched.
type Config struct {
	Headless    bool
	ExecPath    string // empty lets chromedp find a browser
	EvidenceDir string
	// PollInterval paces WaitForMarker.
	PollInterval time.Duration
}

// Driver launches one browser process per profile directory.
type Driver struct {
	cfg Config
}

// New returns a chromedp-backed driver.
func New(cfg Config) *Driver {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Driver{cfg: cfg}
}

// Open starts Chromium with profileDir as its persistent user data dir, so
// cookies and local storage survive restarts.
func (d *Driver) Open(ctx context.Context, profileDir string) (driver.Context, error) {
	if err := os.MkdirAll(profileDir, 0o700); err != nil {
		return nil, driver.Wrap("open", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profileDir),
		chromedp.Flag("headless", d.cfg.Headless),
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.WindowSize(1366, 900),
	)
	if d.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(d.cfg.ExecPath))
	}

	// The browser outlives ctx; it is torn down by Close.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(log.Printf))

	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tabCtx) }()
	select {
	case err := <-started:
		if err != nil {
			tabCancel()
			allocCancel()
			return nil, driver.Wrap("open", err)
		}
	case <-ctx.Done():
		tabCancel()
		allocCancel()
		return nil, driver.Wrap("open", ctx.Err())
	}

	return &tab{
		cfg:     d.cfg,
		profile: profileDir,
		ctx:     tabCtx,
		cancel: func() {
			tabCancel()
			allocCancel()
		},
	}, nil
}

type tab struct {
	cfg     Config
	profile string
	ctx     context.Context
	cancel  context.CancelFunc
}

// run executes actions on the tab, bounded by the caller's ctx.
func (t *tab) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	if t.ctx.Err() != nil {
		return driver.Wrap(op, driver.ErrCrashed)
	}
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var c2 context.CancelFunc
		runCtx, c2 = context.WithDeadline(runCtx, deadline)
		defer c2()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	switch {
	case err == nil:
		return nil
	case t.ctx.Err() != nil:
		return driver.Wrap(op, driver.ErrCrashed)
	case ctx.Err() != nil:
		return driver.Wrap(op, ctx.Err())
	}
	return driver.Wrap(op, err)
}

func (t *tab) Navigate(ctx context.Context, url string) error {
	return t.run(ctx, "navigate", chromedp.Navigate(url))
}

// lookup returns the first selector with at least one node, without waiting.
func (t *tab) lookup(ctx context.Context, sel driver.SelectorSet) (driver.Element, bool, error) {
	for _, s := range sel {
		quoted, err := json.Marshal(s)
		if err != nil {
			return driver.Element{}, false, driver.Wrap("find", err)
		}
		var present bool
		expr := fmt.Sprintf("document.querySelector(%s) !== null", quoted)
		if err := t.run(ctx, "find", chromedp.Evaluate(expr, &present)); err != nil {
			return driver.Element{}, false, err
		}
		if present {
			return driver.Element{Selector: s}, true, nil
		}
	}
	return driver.Element{}, false, nil
}

func (t *tab) FindElement(ctx context.Context, sel driver.SelectorSet) (driver.Element, error) {
	el, ok, err := t.lookup(ctx, sel)
	if err != nil {
		return driver.Element{}, err
	}
	if !ok {
		return driver.Element{}, driver.Wrap("find "+sel.String(), driver.ErrNotFound)
	}
	return el, nil
}

func (t *tab) Type(ctx context.Context, el driver.Element, text string, jitter driver.Jitter) error {
	if err := t.run(ctx, "type", chromedp.Focus(el.Selector, chromedp.ByQuery), chromedp.SetValue(el.Selector, "", chromedp.ByQuery)); err != nil {
		return err
	}
	return driver.TypeRunes(ctx, text, jitter, func(key string) error {
		return t.run(ctx, "type", chromedp.SendKeys(el.Selector, key, chromedp.ByQuery))
	})
}

func (t *tab) Click(ctx context.Context, el driver.Element) error {
	return t.run(ctx, "click", chromedp.Click(el.Selector, chromedp.ByQuery, chromedp.NodeVisible))
}

func (t *tab) ReadText(ctx context.Context, el driver.Element) (string, error) {
	var out string
	if err := t.run(ctx, "read", chromedp.Text(el.Selector, &out, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return out, nil
}

func (t *tab) WaitForMarker(ctx context.Context, marker driver.SelectorSet, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	tick := time.NewTicker(t.cfg.PollInterval)
	defer tick.Stop()
	for {
		_, ok, err := t.lookup(ctx, marker)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, driver.Wrap("wait", ctx.Err())
		case <-tick.C:
		}
	}
}

func (t *tab) Screenshot(ctx context.Context) (string, error) {
	var buf []byte
	if err := t.run(ctx, "screenshot", chromedp.CaptureScreenshot(&buf)); err != nil {
		return "", err
	}
	dir := t.cfg.EvidenceDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", driver.Wrap("screenshot", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.png", filepath.Base(t.profile), time.Now().UTC().Format("20060102T150405.000")))
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return "", driver.Wrap("screenshot", err)
	}
	return path, nil
}

func (t *tab) Close() error {
	t.cancel()
	return nil
}
