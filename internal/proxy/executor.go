// Package proxy fetches a destination on behalf of a caller and hands back
// a sanitized response that can be streamed to the client.
package proxy

import (
	"bufio"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
)

// ErrUpstreamUnreachable means the destination could not be fetched at all.
// The wrapped cause is for logs only and must not reach the client.
var ErrUpstreamUnreachable = errors.New("upstream unreachable")

// DefaultTimeout bounds a fetch when the executor is built without one
const DefaultTimeout = 15 * time.Second

// acceptEncoding lists the encodings Fetch can undo itself
const acceptEncoding = "gzip, deflate"

// strippedHeaders are dropped from relayed responses: Fetch decodes the
// body and the outer layer may re-chunk it.
var strippedHeaders = map[string]struct{}{
	"content-encoding": {},
	"content-length":   {},
}

// HeaderField is one relayed response header
type HeaderField struct {
	Name  string
	Value string
}

// Response is an upstream response ready to be relayed. Body must be closed.
type Response struct {
	StatusCode int
	Header     []HeaderField
	Body       io.ReadCloser
}

// Close releases the upstream connection
func (r *Response) Close() error {
	if r.Body == nil {
		return nil
	}
	return r.Body.Close()
}

// Executor issues outbound GETs for proxy-mode links
type Executor struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

// Option configures an Executor
type Option func(*Executor)

// WithTimeout bounds the whole fetch, headers and body
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithTransport replaces the HTTP transport, e.g. to observe outbound calls in tests
func WithTransport(rt http.RoundTripper) Option {
	return func(e *Executor) {
		e.client.Transport = rt
	}
}

// WithUserAgent sets the User-Agent sent upstream
func WithUserAgent(ua string) Option {
	return func(e *Executor) {
		e.userAgent = ua
	}
}

// NewExecutor builds an executor. Redirects returned by the destination
// are followed by the client like any HTTP fetch.
func NewExecutor(opts ...Option) *Executor {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DisableCompression = true
	e := &Executor{
		client:  &http.Client{Transport: transport},
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.client.Timeout = e.timeout
	return e
}

// Timeout is the bound applied to each fetch
func (e *Executor) Timeout() time.Duration {
	return e.timeout
}

// Fetch issues a single GET to url. Non-2xx upstream statuses are returned
// as responses; only transport failures become ErrUpstreamUnreachable.
//
// gzip and deflate bodies are decoded before relaying. Any other
// Content-Encoding is relayed as received, header included.
func (e *Executor) Fetch(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	req.Header.Set("Accept-Encoding", acceptEncoding)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	}

	encoding := resp.Header.Get("Content-Encoding")
	body, decoded, err := decodeBody(encoding, resp.Body)
	if err != nil {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: decode %s body: %w", ErrUpstreamUnreachable, encoding, err)
	}

	header := SanitizeHeader(resp.Header)
	if !decoded {
		header = append(header, HeaderField{Name: "Content-Encoding", Value: encoding})
	}
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

type decodedBody struct {
	io.Reader
	raw io.Closer
}

func (b decodedBody) Close() error { return b.raw.Close() }

// decodeBody undoes a gzip or deflate encoding. It reports false, with the
// body untouched, for encodings it does not know.
func decodeBody(encoding string, body io.ReadCloser) (io.ReadCloser, bool, error) {
	encoding = strings.ToLower(strings.TrimSpace(encoding))
	switch encoding {
	case "", "identity":
		return body, true, nil
	case "gzip", "x-gzip", "deflate":
	default:
		return body, false, nil
	}

	br := bufio.NewReader(body)
	head, err := br.Peek(2)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	if len(head) == 0 {
		return decodedBody{Reader: br, raw: body}, true, nil
	}

	var r io.Reader
	switch {
	case encoding != "deflate":
		r, err = gzip.NewReader(br)
	case isZlibHeader(head):
		r, err = zlib.NewReader(br)
	default:
		// Some servers send raw deflate without the zlib wrapper.
		r = flate.NewReader(br)
	}
	if err != nil {
		return nil, false, err
	}
	return decodedBody{Reader: r, raw: body}, true, nil
}

func isZlibHeader(head []byte) bool {
	return len(head) == 2 && head[0]&0x0f == 8 && (uint16(head[0])<<8|uint16(head[1]))%31 == 0
}

// SanitizeHeader flattens h into fields, dropping Content-Encoding and
// Content-Length. Names are emitted in sorted order because http.Header
// does not keep wire order; repeated values keep the order received.
func SanitizeHeader(h http.Header) []HeaderField {
	names := make([]string, 0, len(h))
	for name := range h {
		if _, drop := strippedHeaders[strings.ToLower(name)]; drop {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	fields := make([]HeaderField, 0, len(names))
	for _, name := range names {
		for _, v := range h[name] {
			fields = append(fields, HeaderField{Name: name, Value: v})
		}
	}
	return fields
}
