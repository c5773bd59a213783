package purego

import (
	"compress/flate"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

const acceptEncoding = "br, gzip, deflate"

// compressionTransport advertises brotli alongside gzip and deflate and
// decodes response bodies accordingly. Setting Accept-Encoding disables the
// standard transport's own gzip handling, so every encoding is decoded here.
type compressionTransport struct {
	next http.RoundTripper
}

func newCompressionTransport(next http.RoundTripper) *compressionTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &compressionTransport{next: next}
}

func (t *compressionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", acceptEncoding)
	}
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := decodeBody(resp); err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("failed to decode response body: %w", err)
	}
	return resp, nil
}

// decodeBody unwraps every Content-Encoding layer, last applied first.
func decodeBody(resp *http.Response) error {
	encodings := resp.Header.Values("Content-Encoding")
	if len(encodings) == 0 || resp.Body == nil {
		return nil
	}
	for i := len(encodings) - 1; i >= 0; i-- {
		for _, enc := range strings.Split(encodings[i], ",") {
			var r io.ReadCloser
			switch strings.ToLower(strings.TrimSpace(enc)) {
			case "br":
				r = io.NopCloser(brotli.NewReader(resp.Body))
			case "gzip", "x-gzip":
				zr, err := gzip.NewReader(resp.Body)
				if err != nil {
					return fmt.Errorf("gzip: %w", err)
				}
				r = zr
			case "deflate":
				r = flate.NewReader(resp.Body)
			case "identity", "":
				continue
			default:
				return fmt.Errorf("unsupported Content-Encoding %q", enc)
			}
			resp.Body = &layeredBody{ReadCloser: r, inner: resp.Body}
		}
	}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

// layeredBody closes the decoder and the body it wraps.
type layeredBody struct {
	io.ReadCloser
	inner io.ReadCloser
}

func (b *layeredBody) Close() error {
	return errors.Join(b.ReadCloser.Close(), b.inner.Close())
}
