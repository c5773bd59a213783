package schemas

import (
	"context"
	"time"
)

// -- Browser Capability --

// ElementHandle is an opaque reference to an element in a specific document
// generation. A handle whose generation no longer matches the live document is
// stale.
type ElementHandle struct {
	ID         string `json:"id"`
	Generation uint64 `json:"generation"`
}

func (h ElementHandle) String() string { return h.ID }

// ElementDescription is the structured attribute view of one candidate element.
type ElementDescription struct {
	Handle      ElementHandle     `json:"handle"`
	Ordinal     int               `json:"ordinal"` // Position in document order.
	Tag         string            `json:"tag"`
	Role        string            `json:"role,omitempty"`
	Text        string            `json:"text,omitempty"`  // Normalised visible text.
	Label       string            `json:"label,omitempty"` // Text of an associated <label>.
	Attributes  map[string]string `json:"attributes,omitempty"`
	Value       string            `json:"value,omitempty"`
	Options     []string          `json:"options,omitempty"` // Values of <option> children for selects.
	Visible     bool              `json:"visible"`
	Interactive bool              `json:"interactive"`
	Disabled    bool              `json:"disabled,omitempty"`
}

// Attr returns the named attribute or the empty string.
func (d ElementDescription) Attr(name string) string {
	if d.Attributes == nil {
		return ""
	}
	return d.Attributes[name]
}

// PageState is a point-in-time snapshot of the page used for planning,
// verification and extraction.
type PageState struct {
	URL         string               `json:"url"`
	Title       string               `json:"title"`
	Text        string               `json:"text"` // Visible text, whitespace collapsed.
	HTML        string               `json:"-"`
	Fields      map[string]string    `json:"fields,omitempty"` // Form control values keyed by name, falling back to id.
	Interactive []ElementDescription `json:"interactive,omitempty"`
	Generation  uint64               `json:"generation"`
	CapturedAt  time.Time            `json:"captured_at"`
}

// WaitCondition describes what a WaitFor call blocks on. With neither field set
// the wait simply lasts for the timeout.
type WaitCondition struct {
	// Target waits for at least one element matching the descriptor.
	Target Target
	// Predicate waits until it reports true for a fresh snapshot.
	Predicate func(*PageState) bool
	// PollInterval overrides the driver default.
	PollInterval time.Duration
}

// IsZero reports whether the condition has nothing to wait on.
func (c WaitCondition) IsZero() bool {
	return c.Target.IsZero() && c.Predicate == nil
}

// Browser is the capability a session consumes to drive one page. Each session
// owns exactly one Browser for its lifetime. Implementations are not required to
// be safe for concurrent use.
type Browser interface {
	// Navigate loads url and waits for the load-complete signal.
	Navigate(ctx context.Context, url string) error
	// FindCandidates returns the elements that may match t. Structural targets
	// are resolved directly; semantic targets return every visible or
	// interactive candidate for ranking.
	FindCandidates(ctx context.Context, t Target) ([]ElementDescription, error)
	// Describe re-reads the attributes of a previously returned handle. It
	// returns ErrElementStale when the handle no longer resolves.
	Describe(ctx context.Context, h ElementHandle) (ElementDescription, error)
	// Act performs click, fill or select on the element.
	Act(ctx context.Context, h ElementHandle, kind ActionKind, value string) error
	// Snapshot captures the current page state.
	Snapshot(ctx context.Context) (*PageState, error)
	// WaitFor blocks until cond holds, timeout elapses or ctx is done. A
	// timeout is reported as context.DeadlineExceeded.
	WaitFor(ctx context.Context, cond WaitCondition, timeout time.Duration) error
	// Close releases the browser context.
	Close(ctx context.Context) error
}

// Screenshotter is implemented by browsers that can render the page. Drivers
// without a renderer return ErrUnsupported.
type Screenshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// BrowserFactory constructs a fresh, exclusive Browser for a session.
type BrowserFactory interface {
	NewBrowser(ctx context.Context) (Browser, error)
}

// BrowserFactoryFunc adapts a function to the BrowserFactory interface.
type BrowserFactoryFunc func(ctx context.Context) (Browser, error)

func (f BrowserFactoryFunc) NewBrowser(ctx context.Context) (Browser, error) { return f(ctx) }
