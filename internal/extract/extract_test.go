package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
)

const article = `<html><head><title>Release notes</title></head><body>
<nav><a href="/">Home</a></nav>
<article>
<h1>Version 2 is out</h1>
<p>This release rewrites the planner and adds a pure Go browser driver. It is the largest release so far and the changelog is long enough for readability to treat it as the main content of the page.</p>
<h2>Upgrading</h2>
<p>Run the migration once. Existing sessions keep working. <script>alert(1)</script>Configuration keys are unchanged apart from the new driver option.</p>
</article>
</body></html>`

func TestPage(t *testing.T) {
	e := New(0)
	out := e.Page(&schemas.PageState{
		URL:   "https://example.test/notes",
		Title: "Release notes",
		Text:  "fallback text",
		HTML:  article,
	})

	assert.Equal(t, "https://example.test/notes", out["url"])
	assert.NotEmpty(t, out["title"])
	text, _ := out["text"].(string)
	assert.Contains(t, text, "pure Go browser driver")
	assert.NotContains(t, text, "<")
	assert.NotContains(t, text, "alert(1)")
	assert.Equal(t, []string{"Version 2 is out", "Upgrading"}, out["headings"])
}

func TestPage_WithoutHTML(t *testing.T) {
	out := New(5).Page(&schemas.PageState{URL: "u", Title: "<b>Title</b>", Text: "abcdefgh"})
	assert.Equal(t, "Title", out["title"])
	assert.Equal(t, "abcde", out["text"], "text is truncated to the configured length")
	assert.NotContains(t, out, "headings")
}

func TestElement(t *testing.T) {
	out := New(0).Element(schemas.ElementDescription{
		Tag:        "select",
		Role:       "combobox",
		Text:       "Small Large",
		Label:      "Size",
		Value:      "l",
		Options:    []string{"s", "l"},
		Attributes: map[string]string{"name": "size", "onchange": "x()", "style": "color:red"},
	})
	assert.Equal(t, "select", out["tag"])
	assert.Equal(t, "Size", out["label"])
	assert.Equal(t, "l", out["value"])
	assert.Equal(t, []string{"s", "l"}, out["options"])
	assert.Equal(t, map[string]string{"name": "size"}, out["attributes"])
	assert.False(t, strings.Contains(out["text"].(string), "<"))
}
