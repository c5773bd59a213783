package purego

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/browser/dom"
)

// FindCandidates resolves t against the current document.
func (d *Driver) FindCandidates(ctx context.Context, t schemas.Target) ([]schemas.ElementDescription, error) {
	if err := d.checkOpen(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	root := d.doc
	d.mu.RUnlock()

	var nodes []*html.Node
	switch t.Kind {
	case schemas.TargetCSS:
		found, err := queryCSS(root, t.Value)
		if err != nil {
			return nil, err
		}
		nodes = found
	case schemas.TargetXPath:
		found, err := htmlquery.QueryAll(root, t.Value)
		if err != nil {
			return nil, fmt.Errorf("invalid xpath %q: %w", t.Value, err)
		}
		nodes = found
	case schemas.TargetText:
		nodes = queryText(root, t.Value)
	case schemas.TargetSemantic, "":
		// Ranking is the locator's job; return every candidate it may score.
		found, err := queryCSS(root, dom.InteractiveSelectors+", "+dom.TextSelectors)
		if err != nil {
			return nil, err
		}
		for _, n := range found {
			if dom.IsVisible(n) || dom.IsInteractive(n.Data, dom.AttributeMap(n)) {
				nodes = append(nodes, n)
			}
		}
	default:
		return nil, fmt.Errorf("%w: target kind %q", schemas.ErrUnsupported, t.Kind)
	}
	return d.describeAll(nodes), nil
}

// queryCSS evaluates a CSS selector with goquery over the live node tree.
func queryCSS(root *html.Node, selector string) (nodes []*html.Node, err error) {
	// cascadia panics on some malformed selectors instead of returning an error.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid css selector %q: %v", selector, r)
		}
	}()
	doc := goquery.NewDocumentFromNode(root)
	sel := doc.Find(selector)
	sel.Each(func(_ int, s *goquery.Selection) {
		nodes = append(nodes, s.Nodes...)
	})
	return nodes, nil
}

// queryText returns the innermost elements whose visible text equals want
// after normalisation, case-insensitively.
func queryText(root *html.Node, want string) []*html.Node {
	want = strings.ToLower(dom.NormalizeText(want))
	if want == "" {
		return nil
	}
	var out []*html.Node
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		matchedBelow := false
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if walk(c) {
				matchedBelow = true
			}
		}
		if n.Type != html.ElementNode || matchedBelow {
			return matchedBelow
		}
		text := strings.ToLower(dom.VisibleText(n))
		if text == "" {
			text = strings.ToLower(dom.NormalizeText(htmlquery.SelectAttr(n, "value")))
		}
		if text == want {
			out = append(out, n)
			return true
		}
		return false
	}
	walk(root)
	return out
}
