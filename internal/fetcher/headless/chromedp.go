// Package headless fetches schedule pages by driving the provider's address
// form in headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"

	"outagewatch/internal/fetcher"
	logx "outagewatch/pkg/logx"
)

const DefaultURL = "https://www.dtek-dnem.com.ua/ua/shutdowns"

const (
	modalCloseSelector = ".modal__close"
	resultSelector     = "div#discon-fact.active"
	shotSelector       = "#discon-fact.active"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	URL           string
	ScreenshotDir string
	// NavigationTimeout bounds one whole fetch.
	NavigationTimeout time.Duration
	// StepTimeout bounds each autocomplete wait and the modal probe.
	StepTimeout time.Duration
	// ResultTimeout bounds the wait for the status block.
	ResultTimeout time.Duration
	SettleDelay   time.Duration
	Headless      bool
	UserAgent     string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.URL) == "" {
		c.URL = DefaultURL
	}
	if strings.TrimSpace(c.ScreenshotDir) == "" {
		c.ScreenshotDir = "screenshots"
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 90 * time.Second
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 5 * time.Second
	}
	if c.ResultTimeout <= 0 {
		c.ResultTimeout = 10 * time.Second
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	return c
}

// Fetcher implements fetcher.Fetcher with one tab per fetch in a shared
// browser. The browser starts on the first fetch. Fetcher does not bound
// concurrency itself.
type Fetcher struct {
	cfg         Config
	log         logx.Logger
	allocator   context.Context
	allocCancel context.CancelFunc

	mu            sync.Mutex
	browser       context.Context
	browserCancel context.CancelFunc
}

func New(cfg Config, log logx.Logger) (*Fetcher, error) {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(cfg.ScreenshotDir, 0o755); err != nil {
		return nil, fmt.Errorf("screenshot dir: %w", err)
	}

	headless := any(false)
	if cfg.Headless {
		headless = "new"
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(1280, 1600),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		log:         log.With(logx.String("comp", "fetcher")),
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (f *Fetcher) Close() {
	f.mu.Lock()
	if f.browserCancel != nil {
		f.browserCancel()
	}
	f.browser, f.browserCancel = nil, nil
	f.mu.Unlock()
	f.allocCancel()
}

// tab opens a tab in the shared browser, starting the browser when it is
// not running.
func (f *Fetcher) tab() (context.Context, context.CancelFunc, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.browser == nil || f.browser.Err() != nil {
		if f.browserCancel != nil {
			f.browserCancel()
		}
		f.browser, f.browserCancel = nil, nil

		bctx, bcancel := chromedp.NewContext(f.allocator)
		if err := chromedp.Run(bctx); err != nil {
			bcancel()
			return nil, nil, &fetcher.FetchError{Step: fetcher.StepNavigate, Err: fmt.Errorf("start browser: %w", err)}
		}
		f.browser, f.browserCancel = bctx, bcancel
		f.log.Info("browser started")
	}
	ctx, cancel := chromedp.NewContext(f.browser)
	return ctx, cancel, nil
}

func (f *Fetcher) ScreenshotDir() string { return f.cfg.ScreenshotDir }

// Fetch fills the address form and returns the rendered page together with
// a screenshot of the status block.
func (f *Fetcher) Fetch(ctx context.Context, req fetcher.Request) (fetcher.Page, error) {
	taskCtx, taskCancel, err := f.tab()
	if err != nil {
		return fetcher.Page{}, err
	}
	defer taskCancel()

	// tie the tab to the caller without letting chromedp own ctx
	stop := context.AfterFunc(ctx, taskCancel)
	defer stop()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()

	start := time.Now()
	page, err := f.run(taskCtx, req)
	if err != nil {
		if ctx.Err() != nil {
			err = &fetcher.FetchError{Step: fetcher.StepOf(err), Err: ctx.Err()}
		}
		return fetcher.Page{}, err
	}
	f.log.Debug("page fetched",
		logx.String("address", req.String()),
		logx.Duration("took", time.Since(start)),
		logx.Int("bytes", len(page.HTML)),
	)
	return page, nil
}

func (f *Fetcher) run(ctx context.Context, req fetcher.Request) (fetcher.Page, error) {
	if err := step(ctx, fetcher.StepNavigate,
		f.setupAction(),
		chromedp.Navigate(f.cfg.URL),
	); err != nil {
		return fetcher.Page{}, err
	}

	// the cookie/notice modal does not always appear
	_ = chromedp.Run(ctx, f.bounded(f.cfg.StepTimeout,
		chromedp.Click(modalCloseSelector, chromedp.ByQuery, chromedp.NodeVisible),
	))

	fields := []struct {
		step  string
		id    string
		value string
	}{
		{fetcher.StepCity, "city", req.City},
		{fetcher.StepStreet, "street", req.Street},
		{fetcher.StepHouse, "house_num", req.House},
	}
	for _, fl := range fields {
		if err := step(ctx, fl.step, f.fillAutocomplete(fl.id, fl.value)); err != nil {
			return fetcher.Page{}, err
		}
	}

	if err := step(ctx, fetcher.StepResult,
		f.bounded(f.cfg.ResultTimeout, chromedp.WaitVisible(resultSelector, chromedp.ByQuery)),
		chromedp.Sleep(f.cfg.SettleDelay),
	); err != nil {
		return fetcher.Page{}, err
	}

	var html string
	if err := step(ctx, fetcher.StepCapture, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return fetcher.Page{}, err
	}

	shot, err := f.screenshot(ctx, req)
	if err != nil {
		// the page itself is fine; the change can still be reported
		f.log.Warn("screenshot failed", logx.String("address", req.String()), logx.Err(err))
	}
	return fetcher.Page{HTML: html, ScreenshotPath: shot}, nil
}

// fillAutocomplete types value into #id, picks the first suggestion and
// waits for the input to settle.
func (f *Fetcher) fillAutocomplete(id, value string) chromedp.Action {
	input := "#" + id
	suggestion := "#" + id + "autocomplete-list > div"
	return chromedp.Tasks{
		f.bounded(f.cfg.StepTimeout, chromedp.WaitEnabled(input, chromedp.ByQuery)),
		chromedp.Click(input, chromedp.ByQuery),
		chromedp.SendKeys(input, value, chromedp.ByQuery),
		f.bounded(f.cfg.StepTimeout, chromedp.WaitVisible(suggestion, chromedp.ByQuery)),
		chromedp.Click(suggestion, chromedp.ByQuery),
	}
}

func (f *Fetcher) screenshot(ctx context.Context, req fetcher.Request) (string, error) {
	var buf []byte
	err := chromedp.Run(ctx, f.bounded(f.cfg.StepTimeout, chromedp.Screenshot(shotSelector, &buf, chromedp.ByQuery)))
	if err != nil || len(buf) == 0 {
		if ferr := chromedp.Run(ctx, chromedp.FullScreenshot(&buf, 90)); ferr != nil {
			return "", &fetcher.FetchError{Step: fetcher.StepScreenshot, Err: errors.Join(err, ferr)}
		}
	}

	// a concurrent reader of the same address must never see a partial file
	path := f.screenshotPath(req.AddressID)
	tmp, err := os.CreateTemp(f.cfg.ScreenshotDir, ".shot-*.png")
	if err != nil {
		return "", &fetcher.FetchError{Step: fetcher.StepScreenshot, Err: err}
	}
	_, werr := tmp.Write(buf)
	if cerr := tmp.Close(); werr == nil {
		werr = cerr
	}
	if werr == nil {
		werr = os.Rename(tmp.Name(), path)
	}
	if werr != nil {
		_ = os.Remove(tmp.Name())
		return "", &fetcher.FetchError{Step: fetcher.StepScreenshot, Err: werr}
	}
	return path, nil
}

func (f *Fetcher) screenshotPath(addressID string) string {
	name := filepath.Base(strings.TrimSpace(addressID))
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = "schedule"
	}
	return filepath.Join(f.cfg.ScreenshotDir, name+".png")
}

func (f *Fetcher) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if f.cfg.UserAgent == "" {
			return nil
		}
		if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
			return fmt.Errorf("set user-agent: %w", err)
		}
		return nil
	})
}

// bounded runs actions under their own deadline, inside the fetch deadline.
func (f *Fetcher) bounded(d time.Duration, actions ...chromedp.Action) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return chromedp.Tasks(actions).Do(sctx)
	})
}

func step(ctx context.Context, name string, actions ...chromedp.Action) error {
	if err := chromedp.Run(ctx, actions...); err != nil {
		return &fetcher.FetchError{Step: name, Err: fmt.Errorf("chromedp run: %w", err)}
	}
	return nil
}
