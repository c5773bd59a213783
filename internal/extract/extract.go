// Package extract reads structured data out of a page without mutating it.
package extract

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/browser/dom"
)

// MaxContentLength caps the text stored per extraction.
const MaxContentLength = 20000

const maxHeadings = 20

// Extractor turns page snapshots and element descriptions into plain data maps.
// All text passes through a strict sanitiser so markup never leaks into history.
type Extractor struct {
	policy *bluemonday.Policy
	maxLen int
}

// New returns an extractor that truncates text to maxLen runes (MaxContentLength
// when maxLen is not positive).
func New(maxLen int) *Extractor {
	if maxLen <= 0 {
		maxLen = MaxContentLength
	}
	return &Extractor{policy: bluemonday.StrictPolicy(), maxLen: maxLen}
}

func (e *Extractor) clean(s string) string {
	return dom.Truncate(dom.NormalizeText(e.policy.Sanitize(s)), e.maxLen)
}

// Page returns the readable content of the page: title, excerpt, main text and
// headings. When readability cannot find an article, the snapshot's visible
// text is used instead.
func (e *Extractor) Page(state *schemas.PageState) map[string]any {
	out := map[string]any{
		"url":   state.URL,
		"title": e.clean(state.Title),
		"text":  e.clean(state.Text),
	}
	if state.HTML == "" {
		return out
	}

	pageURL, _ := url.Parse(state.URL)
	if pageURL == nil {
		pageURL = &url.URL{}
	}
	if article, err := readability.FromReader(strings.NewReader(state.HTML), pageURL); err == nil {
		if t := e.clean(article.Title); t != "" {
			out["title"] = t
		}
		if ex := e.clean(article.Excerpt); ex != "" {
			out["excerpt"] = ex
		}
		if txt := e.clean(article.TextContent); len(txt) > 0 {
			out["text"] = txt
		}
		if article.Byline != "" {
			out["byline"] = e.clean(article.Byline)
		}
	}

	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(state.HTML)); err == nil {
		var headings []string
		doc.Find("h1, h2, h3").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if h := e.clean(s.Text()); h != "" {
				headings = append(headings, h)
			}
			return len(headings) < maxHeadings
		})
		if len(headings) > 0 {
			out["headings"] = headings
		}
	}
	return out
}

// Element returns the data of a single resolved element.
func (e *Extractor) Element(desc schemas.ElementDescription) map[string]any {
	out := map[string]any{
		"tag":  desc.Tag,
		"text": e.clean(desc.Text),
	}
	if desc.Role != "" {
		out["role"] = desc.Role
	}
	if desc.Label != "" {
		out["label"] = e.clean(desc.Label)
	}
	if desc.Value != "" {
		out["value"] = e.clean(desc.Value)
	}
	if len(desc.Options) > 0 {
		out["options"] = append([]string(nil), desc.Options...)
	}
	if len(desc.Attributes) > 0 {
		attrs := make(map[string]string, len(desc.Attributes))
		for k, v := range desc.Attributes {
			if strings.HasPrefix(k, "on") || k == "style" {
				continue
			}
			attrs[k] = e.clean(v)
		}
		out["attributes"] = attrs
	}
	return out
}
