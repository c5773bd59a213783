// Package purego implements the browser capability without a browser process:
// pages are fetched over HTTP, parsed with x/net/html and mutated in memory.
// Scripts are not executed.
package purego

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/antchfx/htmlquery"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/browser/dom"
	"github.com/xkilldash9x/autopilot-cli/internal/config"
)

const (
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36 autopilot"
	maxRedirects     = 10
	emptyDocument    = "<html><head></head><body></body></html>"
)

// Driver is a single in-memory page. It implements schemas.Browser.
type Driver struct {
	id     string
	logger *zap.Logger
	client *http.Client
	cfg    config.BrowserConfig

	mu         sync.RWMutex
	currentURL *url.URL
	doc        *html.Node
	// generation increments on every document replacement; handles minted for
	// an older generation are stale.
	generation uint64
	nodes      map[string]*html.Node
	ids        map[*html.Node]string
	nextID     int
	closed     bool
}

var (
	_ schemas.Browser       = (*Driver)(nil)
	_ schemas.Screenshotter = (*Driver)(nil)
)

// New creates a driver with its own cookie jar.
func New(cfg config.BrowserConfig, logger *zap.Logger) (*Driver, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.IgnoreTLSErrors {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via browser.ignore_tls_errors
	}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid browser.proxy %q: %w", cfg.Proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	d := &Driver{
		id:  uuid.NewString(),
		cfg: cfg,
		client: &http.Client{
			Jar:       jar,
			Transport: newCompressionTransport(transport),
			// Redirects are followed manually so the final URL and method are tracked.
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
	}
	d.logger = logger.Named("purego").With(zap.String("browser_id", d.id))
	doc, _ := html.Parse(strings.NewReader(emptyDocument))
	d.replaceDocument(nil, doc)
	return d, nil
}

// NewFromHTML creates a driver whose current page is the given document. Link
// and form navigation resolve against baseURL.
func NewFromHTML(baseURL, document string, logger *zap.Logger) (*Driver, error) {
	d, err := New(config.BrowserConfig{}, logger)
	if err != nil {
		return nil, err
	}
	doc, err := htmlquery.Parse(strings.NewReader(document))
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}
	var u *url.URL
	if baseURL != "" {
		if u, err = url.Parse(baseURL); err != nil {
			return nil, fmt.Errorf("invalid base URL: %w", err)
		}
	}
	d.replaceDocument(u, doc)
	return d, nil
}

// -- Navigation --

// Navigate loads targetURL and replaces the current document.
func (d *Driver) Navigate(ctx context.Context, targetURL string) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	u, err := d.resolveURL(targetURL)
	if err != nil {
		return fmt.Errorf("failed to resolve URL '%s': %w", targetURL, err)
	}
	if d.cfg.NavigationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.NavigationTimeout)
		defer cancel()
	}

	d.logger.Debug("Navigating", zap.String("url", u.String()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to create request for '%s': %w", u, err)
	}
	return d.execute(ctx, req)
}

// execute sends req, follows redirects and installs the final document.
func (d *Driver) execute(ctx context.Context, req *http.Request) error {
	d.prepareHeaders(req)
	for i := 0; i < maxRedirects; i++ {
		resp, err := d.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if resp.StatusCode >= 300 && resp.StatusCode < 400 && resp.Header.Get("Location") != "" {
			next, err := d.redirectRequest(ctx, resp, req)
			resp.Body.Close()
			if err != nil {
				return fmt.Errorf("failed to handle redirect: %w", err)
			}
			req = next
			continue
		}
		return d.processResponse(resp)
	}
	return fmt.Errorf("maximum number of redirects (%d) exceeded", maxRedirects)
}

func (d *Driver) redirectRequest(ctx context.Context, resp *http.Response, prev *http.Request) (*http.Request, error) {
	next, err := prev.URL.Parse(resp.Header.Get("Location"))
	if err != nil {
		return nil, err
	}
	method := prev.Method
	var body io.ReadCloser
	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther:
		if method != http.MethodHead {
			method = http.MethodGet
		}
	default:
		if prev.GetBody != nil {
			if body, err = prev.GetBody(); err != nil {
				return nil, err
			}
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, next.String(), body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", prev.Header.Get("Content-Type"))
	}
	d.prepareHeaders(req)
	req.Header.Set("Referer", prev.URL.String())
	return req, nil
}

func (d *Driver) processResponse(resp *http.Response) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		d.logger.Warn("Request resulted in error status code", zap.Int("status", resp.StatusCode), zap.String("url", resp.Request.URL.String()))
	}

	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if ct != "" && !strings.Contains(ct, "html") {
		doc, _ := html.Parse(strings.NewReader(emptyDocument))
		d.replaceDocument(resp.Request.URL, doc)
		return nil
	}
	doc, err := htmlquery.Parse(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to parse HTML response from '%s': %w", resp.Request.URL, err)
	}
	d.replaceDocument(resp.Request.URL, doc)
	return nil
}

// replaceDocument installs a new document and invalidates every handle.
func (d *Driver) replaceDocument(u *url.URL, doc *html.Node) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.currentURL = u
	d.doc = doc
	d.generation++
	d.nodes = make(map[string]*html.Node)
	d.ids = make(map[*html.Node]string)
}

func (d *Driver) resolveURL(target string) (*url.URL, error) {
	d.mu.RLock()
	base := d.currentURL
	d.mu.RUnlock()

	parsed, err := url.Parse(strings.TrimSpace(target))
	if err != nil {
		return nil, err
	}
	if base != nil && !parsed.IsAbs() {
		return base.ResolveReference(parsed), nil
	}
	if !parsed.IsAbs() {
		return nil, fmt.Errorf("initial navigation target must be an absolute URL: '%s'", target)
	}
	return parsed, nil
}

func (d *Driver) prepareHeaders(req *http.Request) {
	ua := d.cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if req.Header.Get("Referer") == "" {
		if cur := d.CurrentURL(); cur != "" {
			req.Header.Set("Referer", cur)
		}
	}
}

// CurrentURL returns the URL of the current document.
func (d *Driver) CurrentURL() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.currentURL == nil {
		return ""
	}
	return d.currentURL.String()
}

// -- Element handles --

// handleFor returns the handle of n in the current generation, minting one if needed.
// Callers must hold the write lock.
func (d *Driver) handleFor(n *html.Node) schemas.ElementHandle {
	id, ok := d.ids[n]
	if !ok {
		d.nextID++
		id = "pg-" + strconv.Itoa(d.nextID)
		d.ids[n] = id
		d.nodes[id] = n
	}
	return schemas.ElementHandle{ID: id, Generation: d.generation}
}

// resolve maps a handle back to its node, reporting stale handles.
func (d *Driver) resolve(h schemas.ElementHandle) (*html.Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if h.Generation != d.generation {
		return nil, fmt.Errorf("%w: handle %s belongs to document generation %d, current is %d", schemas.ErrElementStale, h.ID, h.Generation, d.generation)
	}
	n, ok := d.nodes[h.ID]
	if !ok || !attached(d.doc, n) {
		return nil, fmt.Errorf("%w: handle %s no longer resolves", schemas.ErrElementStale, h.ID)
	}
	return n, nil
}

func attached(root, n *html.Node) bool {
	for c := n; c != nil; c = c.Parent {
		if c == root {
			return true
		}
	}
	return false
}

// ordinals numbers every element of the document in document order.
func ordinals(root *html.Node) map[*html.Node]int {
	out := make(map[*html.Node]int)
	i := 0
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			out[n] = i
			i++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(root)
	return out
}

// describeAll mints handles and descriptions for nodes, preserving document order.
func (d *Driver) describeAll(nodes []*html.Node) []schemas.ElementDescription {
	d.mu.Lock()
	defer d.mu.Unlock()
	order := ordinals(d.doc)
	out := make([]schemas.ElementDescription, 0, len(nodes))
	seen := make(map[*html.Node]bool, len(nodes))
	for _, n := range nodes {
		if n == nil || n.Type != html.ElementNode || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, dom.Describe(d.doc, n, d.handleFor(n), order[n]))
	}
	sortByOrdinal(out)
	return out
}

func sortByOrdinal(ds []schemas.ElementDescription) {
	for i := 1; i < len(ds); i++ {
		for j := i; j > 0 && ds[j].Ordinal < ds[j-1].Ordinal; j-- {
			ds[j], ds[j-1] = ds[j-1], ds[j]
		}
	}
}

// Describe re-reads a handle's element.
func (d *Driver) Describe(ctx context.Context, h schemas.ElementHandle) (schemas.ElementDescription, error) {
	if err := d.checkOpen(); err != nil {
		return schemas.ElementDescription{}, err
	}
	n, err := d.resolve(h)
	if err != nil {
		return schemas.ElementDescription{}, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	return dom.Describe(d.doc, n, h, ordinals(d.doc)[n]), nil
}

// -- Snapshot --

// Snapshot captures URL, title, visible text, form fields and interactive elements.
func (d *Driver) Snapshot(ctx context.Context) (*schemas.PageState, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	interactive, err := d.FindCandidates(ctx, schemas.Target{Kind: schemas.TargetCSS, Value: dom.InteractiveSelectors})
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	state := &schemas.PageState{
		Fields:      make(map[string]string),
		Interactive: interactive,
		Generation:  d.generation,
		CapturedAt:  time.Now(),
	}
	if d.currentURL != nil {
		state.URL = d.currentURL.String()
	}
	if t := htmlquery.FindOne(d.doc, "//title"); t != nil {
		state.Title = dom.NormalizeText(htmlquery.InnerText(t))
	}
	if body := htmlquery.FindOne(d.doc, "//body"); body != nil {
		state.Text = dom.VisibleText(body)
	}
	for _, n := range htmlquery.Find(d.doc, "//input | //textarea | //select") {
		key := htmlquery.SelectAttr(n, "name")
		if key == "" {
			key = htmlquery.SelectAttr(n, "id")
		}
		if key == "" {
			continue
		}
		typ := strings.ToLower(htmlquery.SelectAttr(n, "type"))
		if (typ == "radio" || typ == "checkbox") && !dom.HasAttr(n, "checked") {
			if _, exists := state.Fields[key]; !exists {
				state.Fields[key] = ""
			}
			continue
		}
		state.Fields[key] = dom.ControlValue(n)
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, d.doc); err != nil {
		return nil, fmt.Errorf("failed to render DOM snapshot: %w", err)
	}
	state.HTML = buf.String()
	return state, nil
}

// -- Waiting --

// WaitFor polls the condition against the in-memory document.
func (d *Driver) WaitFor(ctx context.Context, cond schemas.WaitCondition, timeout time.Duration) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	return dom.WaitFor(ctx, cond, d.cfg.PollInterval, timeout, d.FindCandidates, d.Snapshot)
}

// Screenshot is unsupported: the driver never lays out or paints the page.
func (d *Driver) Screenshot(ctx context.Context) ([]byte, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("purego cannot render pages: %w", schemas.ErrUnsupported)
}

// Close marks the driver closed and drops idle connections.
func (d *Driver) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	d.client.CloseIdleConnections()
	return nil
}

func (d *Driver) checkOpen() error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return schemas.ErrBrowserClosed
	}
	return nil
}
