package purego

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/antchfx/htmlquery"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/browser/dom"
)

// Act performs click, fill or select on the element behind h.
func (d *Driver) Act(ctx context.Context, h schemas.ElementHandle, kind schemas.ActionKind, value string) error {
	if err := d.checkOpen(); err != nil {
		return err
	}
	n, err := d.resolve(h)
	if err != nil {
		return err
	}
	if dom.IsDisabled(n) {
		return fmt.Errorf("element %s is disabled", h.ID)
	}

	switch kind {
	case schemas.ActionClick:
		return d.click(ctx, n)
	case schemas.ActionFill:
		return d.fill(n, value)
	case schemas.ActionSelect:
		return d.selectOption(n, value)
	default:
		return fmt.Errorf("%w: action %q on an element", schemas.ErrUnsupported, kind)
	}
}

func (d *Driver) fill(n *html.Node, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	attrs := dom.AttributeMap(n)
	if !dom.IsTextInput(n.Data, attrs) {
		return fmt.Errorf("cannot fill <%s type=%q>", n.Data, attrs["type"])
	}
	if n.Data == "textarea" || strings.EqualFold(attrs["contenteditable"], "true") {
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			n.RemoveChild(c)
			c = next
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: value})
		return nil
	}
	dom.SetAttr(n, "value", value)
	return nil
}

// selectOption matches value against option values first, then option text.
func (d *Driver) selectOption(n *html.Node, value string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n.Data != "select" {
		return fmt.Errorf("cannot select on <%s>", n.Data)
	}
	opts := htmlquery.Find(n, ".//option")
	var chosen *html.Node
	for _, opt := range opts {
		if dom.OptionValue(opt) == value {
			chosen = opt
			break
		}
	}
	if chosen == nil {
		want := strings.ToLower(dom.NormalizeText(value))
		for _, opt := range opts {
			if strings.ToLower(dom.NormalizeText(htmlquery.InnerText(opt))) == want {
				chosen = opt
				break
			}
		}
	}
	if chosen == nil {
		return fmt.Errorf("option %q not found in select", value)
	}
	for _, opt := range opts {
		dom.RemoveAttr(opt, "selected")
	}
	dom.SetAttr(chosen, "selected", "selected")
	return nil
}

// click applies the default activation behaviour of n: links navigate, submit
// controls submit their form, checkboxes toggle and radios join their group.
func (d *Driver) click(ctx context.Context, n *html.Node) error {
	d.mu.Lock()
	attrs := dom.AttributeMap(n)
	typ := strings.ToLower(attrs["type"])

	switch {
	case n.Data == "input" && typ == "checkbox":
		if dom.HasAttr(n, "checked") {
			dom.RemoveAttr(n, "checked")
		} else {
			dom.SetAttr(n, "checked", "checked")
		}
		d.mu.Unlock()
		return nil
	case n.Data == "input" && typ == "radio":
		name := attrs["name"]
		if form := dom.ParentForm(n); form != nil && name != "" {
			for _, r := range htmlquery.Find(form, fmt.Sprintf(".//input[@type='radio'][@name=%q]", name)) {
				dom.RemoveAttr(r, "checked")
			}
		}
		dom.SetAttr(n, "checked", "checked")
		d.mu.Unlock()
		return nil
	}

	if a := closest(n, "a"); a != nil {
		href := htmlquery.SelectAttr(a, "href")
		d.mu.Unlock()
		if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
			return nil
		}
		return d.Navigate(ctx, href)
	}

	if isSubmitter(n, typ) {
		form := dom.ParentForm(n)
		if form == nil {
			d.mu.Unlock()
			return nil
		}
		req, err := d.formRequest(ctx, form, n)
		d.mu.Unlock()
		if err != nil {
			return err
		}
		d.logger.Debug("Submitting form", zap.String("method", req.Method), zap.String("url", req.URL.String()))
		return d.execute(ctx, req)
	}
	d.mu.Unlock()
	return nil
}

func isSubmitter(n *html.Node, typ string) bool {
	switch n.Data {
	case "button":
		return typ == "" || typ == "submit"
	case "input":
		return typ == "submit" || typ == "image"
	}
	return false
}

func closest(n *html.Node, tag string) *html.Node {
	for c := n; c != nil; c = c.Parent {
		if c.Type == html.ElementNode && c.Data == tag {
			return c
		}
	}
	return nil
}

// formRequest serialises form the way a browser would for the given submitter.
// Callers must hold the lock.
func (d *Driver) formRequest(ctx context.Context, form, submitter *html.Node) (*http.Request, error) {
	action := htmlquery.SelectAttr(form, "action")
	if fa := htmlquery.SelectAttr(submitter, "formaction"); fa != "" {
		action = fa
	}
	var target *url.URL
	if d.currentURL != nil {
		ref, err := url.Parse(action)
		if err != nil {
			return nil, fmt.Errorf("invalid form action %q: %w", action, err)
		}
		target = d.currentURL.ResolveReference(ref)
	} else {
		parsed, err := url.Parse(action)
		if err != nil || !parsed.IsAbs() {
			return nil, fmt.Errorf("cannot resolve form action %q without a page URL", action)
		}
		target = parsed
	}

	values := url.Values{}
	for _, field := range htmlquery.Find(form, ".//input | .//textarea | .//select | .//button") {
		name := htmlquery.SelectAttr(field, "name")
		if name == "" || dom.IsDisabled(field) {
			continue
		}
		typ := strings.ToLower(htmlquery.SelectAttr(field, "type"))
		switch field.Data {
		case "button":
			if field == submitter {
				values.Add(name, htmlquery.SelectAttr(field, "value"))
			}
			continue
		case "input":
			switch typ {
			case "submit", "image", "button", "reset", "file":
				if field == submitter && typ == "submit" {
					values.Add(name, htmlquery.SelectAttr(field, "value"))
				}
				continue
			case "checkbox", "radio":
				if !dom.HasAttr(field, "checked") {
					continue
				}
			}
		}
		values.Add(name, dom.ControlValue(field))
	}

	method := strings.ToUpper(htmlquery.SelectAttr(form, "method"))
	if method != http.MethodPost {
		target.RawQuery = values.Encode()
		return http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), strings.NewReader(values.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}
