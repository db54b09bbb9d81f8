// Package rest is a thin HTTP helper in the style of the teacher's lib/rest:
// an Opts struct describing one call, a Client that marshals/unmarshals
// JSON and retries nothing itself (that's lib/pacer's job), plus a couple
// of small URL/header utilities reused verbatim by several backends.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Opts describes a single HTTP call.
type Opts struct {
	Method        string
	Path          string // joined against the Client's root URL
	RootURL       string // overrides the Client's root URL for this call, if set
	Absolute      bool   // Path is already a full URL
	Body          io.Reader
	ContentLength *int64
	ExtraHeaders  map[string]string
	Parameters    url.Values
}

// Client wraps an *http.Client with a root URL, mirroring rest.Client's role
// in b2/mailru: it owns no auth of its own (that's the caller's
// *http.Client), only request shaping.
type Client struct {
	c       *http.Client
	rootURL string
}

// NewClient creates a Client rooted at rootURL using c (which the caller is
// responsible for authenticating, e.g. via an oauth2.Transport).
func NewClient(c *http.Client, rootURL string) *Client {
	if c == nil {
		c = http.DefaultClient
	}
	return &Client{c: c, rootURL: rootURL}
}

// Call issues the HTTP request described by opts and returns the raw response.
// The caller must close resp.Body.
func (cl *Client) Call(ctx context.Context, opts *Opts) (*http.Response, error) {
	root := cl.rootURL
	if opts.RootURL != "" {
		root = opts.RootURL
	}
	var fullURL string
	if opts.Absolute {
		fullURL = opts.Path
	} else {
		u, err := url.Parse(root)
		if err != nil {
			return nil, errors.Wrap(err, "rest: bad root URL")
		}
		joined, err := URLJoin(u, opts.Path)
		if err != nil {
			return nil, errors.Wrap(err, "rest: bad path")
		}
		fullURL = joined.String()
	}
	if len(opts.Parameters) > 0 {
		sep := "?"
		if strings.Contains(fullURL, "?") {
			sep = "&"
		}
		fullURL += sep + opts.Parameters.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, opts.Method, fullURL, opts.Body)
	if err != nil {
		return nil, errors.Wrap(err, "rest: build request")
	}
	for k, v := range opts.ExtraHeaders {
		req.Header.Set(k, v)
	}
	if opts.ContentLength != nil {
		req.ContentLength = *opts.ContentLength
	}
	return cl.c.Do(req)
}

// CallJSON issues opts, marshalling request as JSON (if non-nil) and
// unmarshalling the response body into response (if non-nil), the same
// contract as b2/upload.go's srv.CallJSON calls.
func (cl *Client) CallJSON(ctx context.Context, opts *Opts, request, response interface{}) (*http.Response, error) {
	if request != nil {
		body, err := json.Marshal(request)
		if err != nil {
			return nil, errors.Wrap(err, "rest: marshal request")
		}
		opts.Body = bytes.NewReader(body)
		if opts.ExtraHeaders == nil {
			opts.ExtraHeaders = map[string]string{}
		}
		opts.ExtraHeaders["Content-Type"] = "application/json"
	}
	resp, err := cl.Call(ctx, opts)
	if err != nil {
		return resp, err
	}
	if response != nil {
		defer resp.Body.Close()
		dec := json.NewDecoder(resp.Body)
		if err := dec.Decode(response); err != nil {
			return resp, errors.Wrap(err, "rest: decode response")
		}
	}
	return resp, nil
}

// URLJoin joins base and path the way url.ResolveReference does, but
// rejecting paths containing characters the caller should have escaped.
func URLJoin(base *url.URL, path string) (*url.URL, error) {
	rel, err := url.Parse(path)
	if err != nil {
		return nil, errors.Wrapf(err, "URLJoin failed to parse %q", path)
	}
	return base.ResolveReference(rel), nil
}

// URLPathEscape escapes s for safe inclusion in a URL path segment.
func URLPathEscape(s string) string {
	return (&url.URL{Path: s}).String()
}

// URLPathEscapeAll percent-encodes every byte of s that isn't an ASCII
// letter, digit or '/', unlike URLPathEscape which leaves most path-safe
// punctuation alone. Used by transports whose remote path segments may
// carry characters (colons, percent signs, non-ASCII runes) that upset a
// stricter server-side path parser than net/url assumes.
func URLPathEscapeAll(s string) string {
	var buf strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9', c == '/':
			buf.WriteByte(c)
		default:
			fmt.Fprintf(&buf, "%%%02X", c)
		}
	}
	return buf.String()
}

var contentRangeRe = regexp.MustCompile(`^\s*bytes\s+(?:\d+-\d+|\*)/(\d+|\*)\s*$`)

// ParseSizeFromHeaders returns the total object size. A Content-Range header
// takes precedence: when present, the total comes from it alone, and -1 is
// returned if it is unparseable or its total is "*". Otherwise the size is
// Content-Length, or -1 if that is absent or unparseable.
func ParseSizeFromHeaders(headers http.Header) int64 {
	if cr := headers.Get("Content-Range"); cr != "" {
		m := contentRangeRe.FindStringSubmatch(cr)
		if m == nil || m[1] == "*" {
			return -1
		}
		n, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return -1
		}
		return n
	}
	if cl := headers.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil {
			return -1
		}
		return n
	}
	return -1
}

// DecodeErrorBody is a small helper for transports that return a JSON error
// body alongside a non-2xx status; it's not exercised by the core but kept
// for concrete Transport implementations to reuse.
func DecodeErrorBody(body io.Reader) (string, error) {
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s", b), nil
}
