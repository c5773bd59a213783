// Package dom holds the DOM helpers shared by the browser drivers: element
// classification, attribute handling, text normalisation and polling.
package dom

import (
	"fmt"
	"sort"
	"strings"

	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
)

// InteractiveSelectors is the CSS selector list both drivers use to discover
// elements a step can act on.
const InteractiveSelectors = "a[href], button, [onclick], [role=button], [role=link], [role=checkbox], [role=tab], [role=menuitem], input, textarea, select, summary, [contenteditable=true]"

// TextSelectors adds text-bearing elements that semantic targets and waits can
// refer to even though they are not interactive.
const TextSelectors = "h1, h2, h3, h4, h5, h6, label, p, li, td, th, span, legend, [role=alert], [role=status], [role=heading]"

const maxTextLength = 160

// nonRendered elements never contribute visible text.
var nonRendered = map[string]bool{
	"script": true, "style": true, "noscript": true, "template": true, "head": true,
}

// AttributeMap copies the attributes of n into a map.
func AttributeMap(n *html.Node) map[string]string {
	attrs := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		attrs[a.Key] = a.Val
	}
	return attrs
}

// SetAttr sets or replaces an attribute on n.
func SetAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// RemoveAttr deletes an attribute from n if present.
func RemoveAttr(n *html.Node, key string) {
	for i, a := range n.Attr {
		if a.Key == key {
			n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
			return
		}
	}
}

// HasAttr reports whether n carries the attribute, regardless of its value.
func HasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

// ParentForm returns the closest enclosing <form>, or nil.
func ParentForm(n *html.Node) *html.Node {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == "form" {
			return p
		}
	}
	return nil
}

// NormalizeText collapses runs of whitespace and trims the result.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Truncate shortens s to max runes.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// VisibleText returns the normalised text of n, skipping non-rendered and
// hidden subtrees.
func VisibleText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		switch c.Type {
		case html.TextNode:
			sb.WriteString(c.Data)
			sb.WriteByte(' ')
			return
		case html.ElementNode:
			if nonRendered[c.Data] || IsHidden(c) {
				return
			}
		}
		for ch := c.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return NormalizeText(sb.String())
}

// IsHidden applies the static visibility heuristics available without a
// layout engine: the hidden attribute, aria-hidden, hidden inputs and inline
// display/visibility styles.
func IsHidden(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if HasAttr(n, "hidden") {
		return true
	}
	if strings.EqualFold(htmlquery.SelectAttr(n, "aria-hidden"), "true") {
		return true
	}
	if n.Data == "input" && strings.EqualFold(htmlquery.SelectAttr(n, "type"), "hidden") {
		return true
	}
	style := strings.ReplaceAll(strings.ToLower(htmlquery.SelectAttr(n, "style")), " ", "")
	return strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden")
}

// IsVisible reports whether n and all of its ancestors pass IsHidden.
func IsVisible(n *html.Node) bool {
	for c := n; c != nil; c = c.Parent {
		if c.Type == html.ElementNode && (IsHidden(c) || nonRendered[c.Data]) {
			return false
		}
	}
	return true
}

// IsDisabled reports the disabled state, including a disabled ancestor fieldset.
func IsDisabled(n *html.Node) bool {
	if HasAttr(n, "disabled") || strings.EqualFold(htmlquery.SelectAttr(n, "aria-disabled"), "true") {
		return true
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == "fieldset" && HasAttr(p, "disabled") {
			return true
		}
	}
	return false
}

// IsInteractive reports whether a user could act on n directly.
func IsInteractive(tag string, attrs map[string]string) bool {
	switch tag {
	case "button", "select", "textarea", "summary":
		return true
	case "a":
		_, ok := attrs["href"]
		return ok
	case "input":
		return !strings.EqualFold(attrs["type"], "hidden")
	}
	if _, ok := attrs["onclick"]; ok {
		return true
	}
	if strings.EqualFold(attrs["contenteditable"], "true") {
		return true
	}
	switch attrs["role"] {
	case "button", "link", "checkbox", "tab", "menuitem", "option", "radio", "switch", "textbox":
		return true
	}
	return false
}

// ImplicitRole returns the explicit ARIA role or the role implied by the tag.
func ImplicitRole(tag string, attrs map[string]string) string {
	if r := attrs["role"]; r != "" {
		return r
	}
	switch tag {
	case "a":
		if _, ok := attrs["href"]; ok {
			return "link"
		}
	case "button", "summary":
		return "button"
	case "select":
		return "combobox"
	case "textarea":
		return "textbox"
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return "heading"
	case "img":
		return "img"
	case "li":
		return "listitem"
	case "input":
		switch strings.ToLower(attrs["type"]) {
		case "submit", "button", "reset", "image":
			return "button"
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "search":
			return "searchbox"
		default:
			return "textbox"
		}
	}
	return ""
}

// IsTextInput reports whether fill applies to the element.
func IsTextInput(tag string, attrs map[string]string) bool {
	switch tag {
	case "textarea":
		return true
	case "input":
		switch strings.ToLower(attrs["type"]) {
		case "hidden", "submit", "button", "reset", "image", "checkbox", "radio", "file":
			return false
		}
		return true
	}
	return strings.EqualFold(attrs["contenteditable"], "true")
}

// SelectOptions lists the option values of a <select>. Options without a value
// attribute use their text.
func SelectOptions(sel *html.Node) []string {
	var out []string
	for _, opt := range htmlquery.Find(sel, ".//option") {
		out = append(out, OptionValue(opt))
	}
	return out
}

// OptionValue returns the submitted value of an <option>.
func OptionValue(opt *html.Node) string {
	if v, ok := AttributeMap(opt)["value"]; ok {
		return v
	}
	return NormalizeText(htmlquery.InnerText(opt))
}

// ControlValue returns the current value of a form control.
func ControlValue(n *html.Node) string {
	switch n.Data {
	case "textarea":
		return htmlquery.InnerText(n)
	case "select":
		opts := htmlquery.Find(n, ".//option")
		for _, opt := range opts {
			if HasAttr(opt, "selected") {
				return OptionValue(opt)
			}
		}
		if len(opts) > 0 {
			return OptionValue(opts[0])
		}
		return ""
	case "input":
		switch strings.ToLower(htmlquery.SelectAttr(n, "type")) {
		case "checkbox", "radio":
			if HasAttr(n, "checked") {
				if v := htmlquery.SelectAttr(n, "value"); v != "" {
					return v
				}
				return "on"
			}
			return ""
		}
	}
	return htmlquery.SelectAttr(n, "value")
}

// LabelFor returns the text of the <label> associated with n, either through
// a for= reference or by nesting.
func LabelFor(root, n *html.Node) string {
	if id := htmlquery.SelectAttr(n, "id"); id != "" && root != nil {
		if lbl := htmlquery.FindOne(root, fmt.Sprintf("//label[@for=%s]", xpathLiteral(id))); lbl != nil {
			return NormalizeText(htmlquery.InnerText(lbl))
		}
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == "label" {
			return NormalizeText(htmlquery.InnerText(p))
		}
	}
	return ""
}

// Describe builds the structured view of n. root is the document used for
// label lookups; handle and ordinal are assigned by the driver.
func Describe(root, n *html.Node, handle schemas.ElementHandle, ordinal int) schemas.ElementDescription {
	attrs := AttributeMap(n)
	tag := strings.ToLower(n.Data)
	d := schemas.ElementDescription{
		Handle:      handle,
		Ordinal:     ordinal,
		Tag:         tag,
		Role:        ImplicitRole(tag, attrs),
		Text:        Truncate(VisibleText(n), maxTextLength),
		Label:       LabelFor(root, n),
		Attributes:  attrs,
		Visible:     IsVisible(n),
		Interactive: IsInteractive(tag, attrs),
		Disabled:    IsDisabled(n),
	}
	switch tag {
	case "input", "textarea", "select":
		d.Value = ControlValue(n)
	}
	if tag == "select" {
		d.Options = SelectOptions(n)
	}
	return d
}

// Summary renders a short human readable description of an element, used in
// attempt records and planner prompts.
func Summary(d schemas.ElementDescription) string {
	var sb strings.Builder
	sb.WriteString(d.Tag)
	if id := d.Attr("id"); id != "" {
		sb.WriteString("#" + id)
	}
	keys := []string{"name", "type", "aria-label", "placeholder", "href"}
	sort.Strings(keys)
	for _, k := range keys {
		if v := d.Attr(k); v != "" {
			fmt.Fprintf(&sb, "[%s=%q]", k, Truncate(v, 48))
		}
	}
	if d.Text != "" {
		fmt.Fprintf(&sb, " %q", Truncate(d.Text, 48))
	}
	return sb.String()
}

// xpathLiteral quotes s for use inside an XPath expression.
func xpathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	return "concat('" + strings.Join(parts, `', "'", '`) + "')"
}
