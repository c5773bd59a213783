package cdp

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autopilot-cli/api/schemas"
	"github.com/xkilldash9x/autopilot-cli/internal/config"
)

func TestAllocatorOptions(t *testing.T) {
	base := len(chromedp.DefaultExecAllocatorOptions)

	t.Run("defaults", func(t *testing.T) {
		opts := AllocatorOptions(config.BrowserConfig{Headless: true})
		assert.Len(t, opts, base+2, "no-sandbox and disable-dev-shm-usage are always added")
	})

	t.Run("headful", func(t *testing.T) {
		opts := AllocatorOptions(config.BrowserConfig{Headless: false})
		assert.Len(t, opts, base+3)
	})

	t.Run("every optional setting adds an option", func(t *testing.T) {
		opts := AllocatorOptions(config.BrowserConfig{
			Headless:        true,
			ExecPath:        "/usr/bin/chromium",
			UserAgent:       "ua",
			Proxy:           "http://proxy:8080",
			IgnoreTLSErrors: true,
			Viewport:        map[string]int{"width": 1280, "height": 800},
			Args:            []string{"--custom-arg1", "lang=en-GB", "  "},
		})
		// exec path, ua, proxy, two TLS flags, window size and two args.
		assert.Len(t, opts, base+2+8)
	})

	t.Run("flag values", func(t *testing.T) {
		flags := allocatorFlags(config.BrowserConfig{
			Headless:        false,
			UserAgent:       "ua",
			Proxy:           "http://proxy:8080",
			IgnoreTLSErrors: true,
			Viewport:        map[string]int{"width": 1280, "height": 800},
			Args:            []string{"--custom-arg1", "lang=en-GB"},
		})
		want := map[string]interface{}{
			"no-sandbox":                true,
			"disable-dev-shm-usage":     true,
			"headless":                  false,
			"user-agent":                "ua",
			"proxy-server":              "http://proxy:8080",
			"ignore-certificate-errors": true,
			"allow-insecure-localhost":  true,
			"window-size":               "1280,800",
			"custom-arg1":               true,
			"lang":                      "en-GB",
		}
		assert.Equal(t, want, flags)
	})

	t.Run("incomplete viewport is ignored", func(t *testing.T) {
		opts := AllocatorOptions(config.BrowserConfig{Headless: true, Viewport: map[string]int{"width": 800}})
		assert.Len(t, opts, base+2)
	})
}

func TestJSCall(t *testing.T) {
	got := jsCall(`f(%s, %s)`, `a"b`, 3)
	assert.Equal(t, `f("a\"b", 3)`, got)
	assert.Equal(t, `[data-autopilot-id="cd-4"]`, tagSelector("cd-4"))
}

func chromeAvailable() bool {
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "headless-shell"} {
		if _, err := exec.LookPath(name); err == nil {
			return true
		}
	}
	return false
}

const formPage = `<html><head><title>Form</title></head><body>
<label for="q">Search</label><input id="q" name="q">
<select name="size"><option value="s">Small</option><option value="l">Large</option></select>
<button id="go" onclick="document.getElementById('out').textContent = 'searched ' + document.getElementById('q').value">Go</button>
<p id="out"></p>
</body></html>`

func TestDriver_Integration(t *testing.T) {
	if testing.Short() || !chromeAvailable() {
		t.Skip("requires a local Chromium; skipped in short mode")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, formPage)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	d, err := New(ctx, config.BrowserConfig{Headless: true, NavigationTimeout: 20 * time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer d.Close(context.Background())

	require.NoError(t, d.Navigate(ctx, srv.URL))

	input, err := d.FindCandidates(ctx, schemas.Target{Kind: schemas.TargetCSS, Value: "#q"})
	require.NoError(t, err)
	require.Len(t, input, 1)
	assert.Equal(t, "Search", input[0].Label)
	require.NoError(t, d.Act(ctx, input[0].Handle, schemas.ActionFill, "gophers"))

	size, err := d.FindCandidates(ctx, schemas.Target{Kind: schemas.TargetXPath, Value: "//select"})
	require.NoError(t, err)
	require.Len(t, size, 1)
	require.NoError(t, d.Act(ctx, size[0].Handle, schemas.ActionSelect, "Large"))

	button, err := d.FindCandidates(ctx, schemas.Target{Kind: schemas.TargetText, Value: "Go"})
	require.NoError(t, err)
	require.Len(t, button, 1)
	require.NoError(t, d.Act(ctx, button[0].Handle, schemas.ActionClick, ""))

	require.NoError(t, d.WaitFor(ctx, schemas.WaitCondition{
		Predicate: func(p *schemas.PageState) bool { return strings.Contains(p.Text, "searched gophers") },
	}, 5*time.Second))

	snap, err := d.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Form", snap.Title)
	assert.Equal(t, "gophers", snap.Fields["q"])
	assert.Equal(t, "l", snap.Fields["size"])

	img, err := d.Screenshot(ctx)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(img, []byte("\x89PNG")), "captures are PNG encoded")

	require.NoError(t, d.Navigate(ctx, srv.URL+"/again"))
	_, err = d.Describe(ctx, input[0].Handle)
	assert.ErrorIs(t, err, schemas.ErrElementStale)
}
