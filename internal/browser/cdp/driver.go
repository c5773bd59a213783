package cdp

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/browser/dom"
	"github.com/xkilldash9x/autopilot-cli/internal/browser/stealth"
	"github.com/xkilldash9x/autopilot-cli/internal/config"
)

const (
	stabilizeTimeout = 5 * time.Second
	closeTimeout     = 5 * time.Second
)

// Driver owns one Chromium process with a single tab. It implements
// schemas.Browser.
type Driver struct {
	id     string
	logger *zap.Logger
	cfg    config.BrowserConfig

	// tabCtx is detached from the creating context so the tab outlives a
	// cancelled session long enough to be closed cleanly.
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc

	mu         sync.Mutex
	generation uint64
	closed     bool
}

var (
	_ schemas.Browser       = (*Driver)(nil)
	_ schemas.Screenshotter = (*Driver)(nil)
)

// New launches a browser and opens its tab.
func New(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Driver, error) {
	d := &Driver{id: uuid.NewString(), cfg: cfg}
	d.logger = logger.Named("cdp").With(zap.String("browser_id", d.id))

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.WithoutCancel(ctx), AllocatorOptions(cfg)...)
	sugar := d.logger.Sugar()
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(sugar.Debugf),
		chromedp.WithErrorf(sugar.Debugf),
	)
	d.tabCtx, d.tabCancel, d.allocCancel = tabCtx, tabCancel, allocCancel

	// The first Run starts the process and attaches to the tab.
	var setup chromedp.Tasks
	if w, h := cfg.Viewport["width"], cfg.Viewport["height"]; w > 0 && h > 0 {
		setup = append(setup, emulation.SetDeviceMetricsOverride(int64(w), int64(h), 1, false))
	}
	if cfg.Stealth {
		setup = append(setup, stealth.Apply(stealth.PersonaFromConfig(cfg), d.logger))
	}
	if err := d.run(ctx, setup); err != nil {
		tabCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}
	d.logger.Debug("Browser started", zap.Bool("headless", cfg.Headless))
	return d, nil
}

// run executes actions on the tab bounded by ctx. Cancelling ctx stops the
// actions without closing the tab.
func (d *Driver) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancelCause(d.tabCtx)
	defer cancel(nil)
	stop := context.AfterFunc(ctx, func() { cancel(context.Cause(ctx)) })
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// sync detects document replacement through a window marker and bumps the
// generation when the marker is gone.
func (d *Driver) sync(ctx context.Context) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, schemas.ErrBrowserClosed
	}
	var fresh bool
	if err := d.run(ctx, chromedp.Evaluate(jsCall(docMarkerScript, uuid.NewString()), &fresh)); err != nil {
		return 0, fmt.Errorf("failed to check document identity: %w", err)
	}
	if fresh {
		d.generation++
	}
	return d.generation, nil
}

// -- Navigation --

// Navigate loads url and waits for the body to be ready.
func (d *Driver) Navigate(ctx context.Context, url string) error {
	if _, err := d.sync(ctx); err != nil {
		return err
	}
	if d.cfg.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.NavigationTimeout)
		defer cancel()
	}
	d.logger.Debug("Navigating", zap.String("url", url))
	if err := d.run(ctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		return fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	_, err := d.sync(ctx)
	return err
}

// stabilize gives a navigation triggered by an action a chance to settle.
func (d *Driver) stabilize(ctx context.Context) {
	stabCtx, cancel := context.WithTimeout(ctx, stabilizeTimeout)
	defer cancel()
	if err := d.run(stabCtx, chromedp.WaitReady("body", chromedp.ByQuery)); err != nil && ctx.Err() == nil {
		d.logger.Debug("WaitReady failed during stabilization", zap.Error(err))
	}
}

// -- Candidates --

// FindCandidates tags the matching elements in the page and describes them
// from a serialised copy of the DOM plus their live properties.
func (d *Driver) FindCandidates(ctx context.Context, t schemas.Target) ([]schemas.ElementDescription, error) {
	gen, err := d.sync(ctx)
	if err != nil {
		return nil, err
	}

	kind, query := string(t.Kind), t.Value
	semantic := false
	switch t.Kind {
	case schemas.TargetCSS, schemas.TargetXPath, schemas.TargetText:
	case schemas.TargetSemantic, "":
		kind, query, semantic = string(schemas.TargetCSS), dom.InteractiveSelectors+", "+dom.TextSelectors, true
	default:
		return nil, fmt.Errorf("%w: target kind %q", schemas.ErrUnsupported, t.Kind)
	}

	var live []liveElement
	if err := d.run(ctx, chromedp.Evaluate(jsCall(findScript, kind, query, tagAttribute), &live)); err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", t, err)
	}
	descs, err := d.describeLive(ctx, live, gen)
	if err != nil {
		return nil, err
	}
	if !semantic {
		return descs, nil
	}
	out := descs[:0]
	for _, desc := range descs {
		if desc.Visible || desc.Interactive {
			out = append(out, desc)
		}
	}
	return out, nil
}

// describeLive merges the live element state with the serialised DOM.
func (d *Driver) describeLive(ctx context.Context, live []liveElement, gen uint64) ([]schemas.ElementDescription, error) {
	if len(live) == 0 {
		return nil, nil
	}
	var outer string
	if err := d.run(ctx, chromedp.OuterHTML("html", &outer, chromedp.ByQuery)); err != nil {
		return nil, fmt.Errorf("failed to serialise DOM: %w", err)
	}
	doc, err := htmlquery.Parse(strings.NewReader(outer))
	if err != nil {
		return nil, fmt.Errorf("failed to parse serialised DOM: %w", err)
	}

	tagged := make(map[string]*html.Node)
	order := make(map[*html.Node]int)
	i := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			order[n] = i
			i++
			if id := htmlquery.SelectAttr(n, tagAttribute); id != "" {
				tagged[id] = n
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	out := make([]schemas.ElementDescription, 0, len(live))
	for _, el := range live {
		n, ok := tagged[el.ID]
		if !ok {
			continue
		}
		desc := dom.Describe(doc, n, schemas.ElementHandle{ID: el.ID, Generation: gen}, order[n])
		delete(desc.Attributes, tagAttribute)
		desc.Visible = el.Visible
		if el.Value != nil && (desc.Tag == "input" || desc.Tag == "textarea" || desc.Tag == "select") {
			desc.Value = *el.Value
		}
		if el.Checked != nil && !*el.Checked {
			desc.Value = ""
		}
		out = append(out, desc)
	}
	return out, nil
}

// resolve checks that h belongs to the live document and returns its selector.
func (d *Driver) resolve(ctx context.Context, h schemas.ElementHandle) (schemas.ElementDescription, error) {
	gen, err := d.sync(ctx)
	if err != nil {
		return schemas.ElementDescription{}, err
	}
	if h.Generation != gen {
		return schemas.ElementDescription{}, fmt.Errorf("%w: handle %s belongs to document generation %d, current is %d", schemas.ErrElementStale, h.ID, h.Generation, gen)
	}
	var live []liveElement
	if err := d.run(ctx, chromedp.Evaluate(jsCall(findScript, "css", tagSelector(h.ID), tagAttribute), &live)); err != nil {
		return schemas.ElementDescription{}, fmt.Errorf("failed to resolve handle %s: %w", h.ID, err)
	}
	descs, err := d.describeLive(ctx, live, gen)
	if err != nil {
		return schemas.ElementDescription{}, err
	}
	if len(descs) == 0 {
		return schemas.ElementDescription{}, fmt.Errorf("%w: handle %s no longer resolves", schemas.ErrElementStale, h.ID)
	}
	return descs[0], nil
}

// Describe re-reads a handle's element.
func (d *Driver) Describe(ctx context.Context, h schemas.ElementHandle) (schemas.ElementDescription, error) {
	return d.resolve(ctx, h)
}

// -- Actions --

// Act performs click, fill or select on the element behind h.
func (d *Driver) Act(ctx context.Context, h schemas.ElementHandle, kind schemas.ActionKind, value string) error {
	desc, err := d.resolve(ctx, h)
	if err != nil {
		return err
	}
	if desc.Disabled {
		return fmt.Errorf("element %s is disabled", h.ID)
	}
	sel := tagSelector(h.ID)

	switch kind {
	case schemas.ActionClick:
		if err := d.run(ctx, chromedp.Click(sel, chromedp.ByQuery)); err != nil {
			return fmt.Errorf("click on %s failed: %w", dom.Summary(desc), err)
		}
		d.stabilize(ctx)
		return nil
	case schemas.ActionFill:
		if !dom.IsTextInput(desc.Tag, desc.Attributes) {
			return fmt.Errorf("cannot fill <%s type=%q>", desc.Tag, desc.Attr("type"))
		}
		return d.script(ctx, fillScript, sel, value)
	case schemas.ActionSelect:
		return d.script(ctx, selectScript, sel, value)
	default:
		return fmt.Errorf("%w: action %q on an element", schemas.ErrUnsupported, kind)
	}
}

// script runs an action script that reports "ok" or a failure reason.
func (d *Driver) script(ctx context.Context, tmpl, sel, value string) error {
	var result string
	if err := d.run(ctx, chromedp.Evaluate(jsCall(tmpl, sel, value), &result)); err != nil {
		return err
	}
	switch result {
	case "ok":
		return nil
	case "missing":
		return fmt.Errorf("%w: %s disappeared", schemas.ErrElementStale, sel)
	case "no-option":
		return fmt.Errorf("option %q not found in select", value)
	default:
		return fmt.Errorf("action on %s failed: %s", sel, result)
	}
}

// -- Snapshot and waiting --

// Snapshot captures the live page.
func (d *Driver) Snapshot(ctx context.Context) (*schemas.PageState, error) {
	interactive, err := d.FindCandidates(ctx, schemas.Target{Kind: schemas.TargetCSS, Value: dom.InteractiveSelectors})
	if err != nil {
		return nil, err
	}
	var page livePage
	var outer string
	if err := d.run(ctx,
		chromedp.Evaluate(pageScript, &page),
		chromedp.OuterHTML("html", &outer, chromedp.ByQuery),
	); err != nil {
		return nil, fmt.Errorf("failed to capture page state: %w", err)
	}

	d.mu.Lock()
	gen := d.generation
	d.mu.Unlock()
	if page.Fields == nil {
		page.Fields = make(map[string]string)
	}
	return &schemas.PageState{
		URL:         page.URL,
		Title:       page.Title,
		Text:        dom.NormalizeText(page.Text),
		HTML:        outer,
		Fields:      page.Fields,
		Interactive: interactive,
		Generation:  gen,
		CapturedAt:  time.Now(),
	}, nil
}

// Screenshot captures the viewport as a PNG.
func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return nil, schemas.ErrBrowserClosed
	}
	var buf []byte
	if err := d.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

// WaitFor polls cond against the live page.
func (d *Driver) WaitFor(ctx context.Context, cond schemas.WaitCondition, timeout time.Duration) error {
	return dom.WaitFor(ctx, cond, d.cfg.PollInterval, timeout, d.FindCandidates, d.Snapshot)
}

// Close closes the tab and terminates the browser process.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(d.tabCtx) }()

	var err error
	select {
	case err = <-done:
	case <-closeCtx.Done():
		err = fmt.Errorf("timed out closing browser tab: %w", closeCtx.Err())
	}
	d.tabCancel()
	d.allocCancel()
	if err != nil {
		d.logger.Debug("Browser close reported an error", zap.Error(err))
	}
	return err
}
