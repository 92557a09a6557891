package browser

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

// Options configures every Chrome process the factory launches.
type Options struct {
	Headless     bool
	ExecPath     string
	ProxyServer  string
	UserAgent    string
	Stealth      bool
	WindowWidth  int
	WindowHeight int
}

func (o Options) withDefaults() Options {
	if o.WindowWidth <= 0 {
		o.WindowWidth = 1366
	}
	if o.WindowHeight <= 0 {
		o.WindowHeight = 768
	}
	return o
}

// Chromedp drives a dedicated Chrome process over the DevTools protocol.
type Chromedp struct {
	allocCancel context.CancelFunc
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	meta        *responseMeta
	userAgent   string
	closeOnce   sync.Once
}

// NewChromedp launches Chrome and opens the tab the driver will reuse.
func NewChromedp(ctx context.Context, opts Options) (*Chromedp, error) {
	opts = opts.withDefaults()
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(opts)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)

	d := &Chromedp{
		allocCancel: allocCancel,
		tabCtx:      tabCtx,
		tabCancel:   tabCancel,
		meta:        newResponseMeta(),
		userAgent:   opts.UserAgent,
	}
	chromedp.ListenTarget(tabCtx, d.meta.captureEvent)

	stop := forwardCancel(ctx, tabCancel)
	defer stop()
	// The first Run allocates the browser; it must use the tab context itself.
	actions := []chromedp.Action{network.Enable()}
	if opts.Stealth {
		actions = append(actions, injectStealth())
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	return d, nil
}

// NewFactory returns a constructor suitable for the resource pool.
func NewFactory(opts Options) func(ctx context.Context) (Driver, error) {
	return func(ctx context.Context) (Driver, error) {
		d, err := NewChromedp(ctx, opts)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
}

// Navigate loads url and records the document response.
func (d *Chromedp) Navigate(ctx context.Context, url string, headers http.Header) error {
	d.meta.reset()
	actions := []chromedp.Action{d.networkSetupAction(headers), chromedp.Navigate(url)}
	if err := d.run(ctx, actions...); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	return nil
}

// WaitReady waits for the body element.
func (d *Chromedp) WaitReady(ctx context.Context) error {
	if err := d.run(ctx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait ready: %w", err)
	}
	return nil
}

// Location returns the current top-level URL.
func (d *Chromedp) Location(ctx context.Context) (string, error) {
	var loc string
	if err := d.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

// HTML returns the outer HTML of the document element.
func (d *Chromedp) HTML(ctx context.Context) (string, error) {
	var html string
	if err := d.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

// WaitSelector waits until selector is visible.
func (d *Chromedp) WaitSelector(ctx context.Context, selector string) error {
	if err := d.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("wait selector %q: %w", selector, err)
	}
	return nil
}

// Response returns the latest main-document response.
func (d *Chromedp) Response() Response {
	return d.meta.snapshot()
}

// Alive reports whether the browser process and tab are still attached.
func (d *Chromedp) Alive() bool {
	return d.tabCtx.Err() == nil
}

// Close shuts the browser down. It is safe to call more than once.
func (d *Chromedp) Close() error {
	var err error
	d.closeOnce.Do(func() {
		closeCtx, cancel := context.WithTimeout(d.tabCtx, 5*time.Second)
		defer cancel()
		if cancelErr := chromedp.Cancel(closeCtx); cancelErr != nil && d.tabCtx.Err() == nil {
			err = fmt.Errorf("close browser: %w", cancelErr)
		}
		d.tabCancel()
		d.allocCancel()
	})
	return err
}

// run executes actions on the tab, bounded by the caller's context.
func (d *Chromedp) run(ctx context.Context, actions ...chromedp.Action) error {
	taskCtx, cancel := context.WithCancel(d.tabCtx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		taskCtx, cancelDeadline = context.WithDeadline(taskCtx, deadline)
		defer cancelDeadline()
	}
	stop := forwardCancel(ctx, cancel)
	defer stop()

	if err := chromedp.Run(taskCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("chromedp run: %w", ctxErr)
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func (d *Chromedp) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if d.userAgent != "" {
			if err := emulation.SetUserAgentOverride(d.userAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
			return fmt.Errorf("set extra headers: %w", err)
		}
		return nil
	})
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			headers[key] = values[0]
		default:
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
