// Package fetch performs outbound requests to arbitrary stream origins.
// Many origins gate content on Referer/Origin/User-Agent combinations, so
// a denied response triggers a cascade of header strategies before the
// failure is surfaced.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"
)

const browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

const (
	manifestAccept = "application/vnd.apple.mpegurl,application/x-mpegURL,audio/mpegurl,*/*;q=0.8"
	segmentAccept  = "video/mp2t,video/*;q=0.9,*/*;q=0.5"
)

// segmentPathRe matches URLs that carry transport-stream segments. Some
// origins mislabel segments with font or text extensions to dodge naive
// hotlink filters, so those extensions are claimed here as well.
var segmentPathRe = regexp.MustCompile(`(?i)\.(ts|m4s|m4f|woff2?)$|/seg(?:ment)?[-_]?\d[^/]*$`)

var manifestPathRe = regexp.MustCompile(`(?i)\.m3u8?$`)

// Options controls a single origin fetch.
type Options struct {
	Method       string // defaults to GET
	Range        string // passed through verbatim when set
	RefererHint  string // page the manifest was captured from
	ForceReferer bool   // send the hint even when its host differs from the target
	IsManifest   bool   // tunes Accept and enables gzip decoding
}

// Response is the adapter's view of an upstream reply. Body is already
// gzip-decoded when the origin compressed it.
type Response struct {
	Status      int
	Header      http.Header
	Body        io.ReadCloser
	ContentType string
}

// TargetGuard vets every outbound destination. CheckURL runs on the
// requested URL and again on each redirect hop; CheckAddr runs on the
// resolved dial address, so an origin cannot bounce the adapter into a
// private network via a 302 or a rebinding DNS name.
type TargetGuard interface {
	CheckURL(raw string) error
	CheckAddr(network, address string) error
}

// Client is the origin fetch adapter. It is stateless beyond the shared
// HTTP transport and safe for concurrent use.
type Client struct {
	httpc *http.Client
	guard TargetGuard
}

func NewClient(headerTimeout time.Duration, guard TargetGuard) *Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if guard != nil {
		dialer.Control = func(network, address string, _ syscall.RawConn) error {
			return guard.CheckAddr(network, address)
		}
	}
	return &Client{
		guard: guard,
		httpc: &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return errors.New("stopped after 10 redirects")
				}
				if guard != nil {
					if err := guard.CheckURL(req.URL.String()); err != nil {
						return fmt.Errorf("redirect to forbidden target: %w", err)
					}
				}
				return nil
			},
			// No whole-request timeout: segment bodies stream for as long
			// as the client keeps the connection open.
			Transport: &http.Transport{
				DialContext:           dialer.DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: headerTimeout,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   20,
				IdleConnTimeout:       90 * time.Second,
			},
		},
	}
}

// Fetch retrieves the target URL, walking the header-strategy cascade on
// 401/403/405 responses. A HEAD that the origin refuses with 403/405 is
// retried as GET, since some origins disallow HEAD outright.
func (c *Client) Fetch(ctx context.Context, rawURL string, opts Options) (*Response, error) {
	method := strings.ToUpper(strings.TrimSpace(opts.Method))
	if method == "" {
		method = http.MethodGet
	}

	resp, err := c.fetchCascade(ctx, method, rawURL, opts)
	if err != nil {
		return nil, err
	}
	if method == http.MethodHead && (resp.Status == http.StatusForbidden || resp.Status == http.StatusMethodNotAllowed) {
		resp.Body.Close()
		resp, err = c.fetchCascade(ctx, http.MethodGet, rawURL, opts)
		if err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// Probe issues a lightweight existence check. Any 2xx or 3xx counts as
// alive; everything else is an error.
func (c *Client) Probe(ctx context.Context, rawURL, refererHint string) error {
	resp, err := c.Fetch(ctx, rawURL, Options{Method: http.MethodHead, RefererHint: refererHint})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.Status >= 400 {
		return fmt.Errorf("probe %s: status %d", rawURL, resp.Status)
	}
	return nil
}

func (c *Client) fetchCascade(ctx context.Context, method, rawURL string, opts Options) (*Response, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse target url: %w", err)
	}
	if c.guard != nil {
		if err := c.guard.CheckURL(rawURL); err != nil {
			return nil, err
		}
	}

	var resp *http.Response
	for step := 0; step < 4; step++ {
		req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
		if err != nil {
			return nil, err
		}
		applyHeaders(req.Header, step, target, opts)
		if opts.Range != "" {
			req.Header.Set("Range", opts.Range)
		}

		resp, err = c.httpc.Do(req)
		if err != nil {
			return nil, err
		}
		if !deniedStatus(resp.StatusCode) || step == 3 {
			break
		}
		log.Printf("[fetch] %s denied with %d at strategy %d, escalating", target.Host, resp.StatusCode, step)
		resp.Body.Close()
	}

	return c.wrapResponse(rawURL, opts, resp)
}

func deniedStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden || code == http.StatusMethodNotAllowed
}

// applyHeaders sets the header strategy for the given cascade step:
// 0: browser UA, tuned Accept, hint referer only on matching host
// 1: same but with no Referer/Origin at all
// 2: maximally permissive Accept, no Accept-Encoding
// 3: hint referer forced regardless of host
func applyHeaders(h http.Header, step int, target *url.URL, opts Options) {
	h.Set("User-Agent", browserUserAgent)

	if opts.IsManifest {
		h.Set("Accept", manifestAccept)
		h.Set("Accept-Encoding", "gzip")
	} else {
		h.Set("Accept", segmentAccept)
	}

	switch step {
	case 0:
		setRefererIf(h, opts, target, opts.ForceReferer)
	case 1:
		// no referer
	case 2:
		h.Set("Accept", "*/*")
		h.Del("Accept-Encoding")
		setRefererIf(h, opts, target, opts.ForceReferer)
	case 3:
		setRefererIf(h, opts, target, true)
	}
}

func setRefererIf(h http.Header, opts Options, target *url.URL, force bool) {
	hint := strings.TrimSpace(opts.RefererHint)
	if hint == "" {
		return
	}
	hu, err := url.Parse(hint)
	if err != nil || hu.Host == "" {
		return
	}
	if !force && !strings.EqualFold(hu.Hostname(), target.Hostname()) {
		return
	}
	origin := hu.Scheme + "://" + hu.Host
	h.Set("Referer", origin+"/")
	h.Set("Origin", origin)
}

func (c *Client) wrapResponse(rawURL string, opts Options, resp *http.Response) (*Response, error) {
	body := resp.Body

	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		body = &gzipBody{gz: gz, underlying: resp.Body}
	}

	out := &Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   body,
	}
	out.ContentType, out.Body = canonicalContentType(rawURL, resp.Header.Get("Content-Type"), out.Body)
	return out, nil
}

// canonicalContentType infers the content type from URL shape first: some
// origins intentionally mislabel segments, so a segment-like path always
// wins over the declared header. When neither shape nor header is
// conclusive the first bytes of the body are sniffed.
func canonicalContentType(rawURL, declared string, body io.ReadCloser) (string, io.ReadCloser) {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.Path
	}

	switch {
	case segmentPathRe.MatchString(path):
		return "video/mp2t", body
	case manifestPathRe.MatchString(path):
		return "application/vnd.apple.mpegurl", body
	}

	declared = strings.TrimSpace(declared)
	if declared != "" && !strings.HasPrefix(declared, "application/octet-stream") {
		return declared, body
	}

	head := make([]byte, 512)
	n, _ := io.ReadFull(body, head)
	sniffed := mimetype.Detect(head[:n]).String()
	return sniffed, &prefixedBody{prefix: head[:n], rest: body}
}

// prefixedBody replays sniffed bytes ahead of the remaining body.
type prefixedBody struct {
	prefix []byte
	rest   io.ReadCloser
	off    int
}

func (b *prefixedBody) Read(p []byte) (int, error) {
	if b.off < len(b.prefix) {
		n := copy(p, b.prefix[b.off:])
		b.off += n
		return n, nil
	}
	return b.rest.Read(p)
}

func (b *prefixedBody) Close() error { return b.rest.Close() }

type gzipBody struct {
	gz         *gzip.Reader
	underlying io.ReadCloser
}

func (b *gzipBody) Read(p []byte) (int, error) { return b.gz.Read(p) }

func (b *gzipBody) Close() error {
	gerr := b.gz.Close()
	uerr := b.underlying.Close()
	if gerr != nil {
		return gerr
	}
	return uerr
}
