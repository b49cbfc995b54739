package executor

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/teampulse/pulse-ai/internal/telemetry"
)

const maxErrorBody = 64 * 1024

// NewHTTPClient returns the client shared by every call of one executor. It
// carries no overall timeout; calls are bounded by their context.
func NewHTTPClient() *http.Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.MaxIdleConnsPerHost = 32
	base.IdleConnTimeout = 90 * time.Second
	return &http.Client{Transport: telemetry.WrapTransport(&decodingTransport{base: base})}
}

// decodingTransport asks for compressed answers and decodes gzip, brotli and
// zstd bodies transparently.
type decodingTransport struct {
	base http.RoundTripper
}

func (t *decodingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", "gzip, br, zstd")
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if err := decodeResponseBody(resp); err != nil {
		_ = resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (b *decodedBody) Close() error {
	var first error
	for _, c := range b.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func decodeResponseBody(resp *http.Response) error {
	if resp.Body == nil || resp.Body == http.NoBody {
		return nil
	}
	encoding := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding")))
	raw := resp.Body
	switch encoding {
	case "", "identity":
		return nil
	case "gzip":
		gz, err := gzip.NewReader(raw)
		if err != nil {
			return fmt.Errorf("gzip response: %w", err)
		}
		resp.Body = &decodedBody{Reader: gz, closers: []io.Closer{gz, raw}}
	case "br":
		resp.Body = &decodedBody{Reader: brotli.NewReader(raw), closers: []io.Closer{raw}}
	case "zstd":
		dec, err := zstd.NewReader(raw)
		if err != nil {
			return fmt.Errorf("zstd response: %w", err)
		}
		zr := dec.IOReadCloser()
		resp.Body = &decodedBody{Reader: zr, closers: []io.Closer{zr, raw}}
	default:
		return nil
	}
	resp.Header.Del("Content-Encoding")
	resp.Header.Del("Content-Length")
	resp.ContentLength = -1
	resp.Uncompressed = true
	return nil
}

func readErrorBody(r io.Reader) []byte {
	body, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return body
}
