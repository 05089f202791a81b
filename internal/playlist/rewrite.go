// Package playlist rewrites HLS manifests so every referenced URI points
// back at the segment proxy. Rewriting is line oriented: HLS is a line
// protocol and byte-level fidelity matters for players, so the original
// line structure, ordering and (absence of a) trailing newline are
// preserved exactly.
package playlist

import (
	"bytes"
	"io"
	"net/url"
	"regexp"
	"strings"
)

// uriAttrRe matches quoted URI attributes on tag lines, e.g.
// #EXT-X-KEY:METHOD=AES-128,URI="key.bin" and #EXT-X-MAP:URI="init.mp4".
var uriAttrRe = regexp.MustCompile(`URI="([^"]*)"`)

// Rewriter produces proxied equivalents of manifest URIs.
type Rewriter struct {
	proxyPath string // client-facing segment proxy path, e.g. /api/segment
}

func NewRewriter(proxyPath string) *Rewriter {
	return &Rewriter{proxyPath: proxyPath}
}

// ProxyURL encodes an absolute target and an origin hint into a proxied
// URL. The parameters are opaque to the client and only interpreted by
// the segment proxy handler.
func (rw *Rewriter) ProxyURL(target, ref string) string {
	v := url.Values{}
	v.Set("url", target)
	if ref != "" {
		v.Set("ref", ref)
	}
	return rw.proxyPath + "?" + v.Encode()
}

// Resolve turns a possibly relative manifest reference into an absolute
// URL against base.
func Resolve(base *url.URL, raw string) string {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	if ref.IsAbs() {
		return ref.String()
	}
	if base == nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}

// RewriteLine applies the per-line rules: blank lines and tag lines
// without URI attributes pass through untouched, URI attributes are
// rewritten in place, and every other line is treated as a segment or
// sub-playlist reference and replaced wholesale.
func (rw *Rewriter) RewriteLine(base *url.URL, ref string, line string) string {
	// Carriage returns are part of the line on CRLF manifests; keep them.
	cr := ""
	work := line
	if strings.HasSuffix(work, "\r") {
		work = strings.TrimSuffix(work, "\r")
		cr = "\r"
	}

	trimmed := strings.TrimSpace(work)
	if trimmed == "" {
		return line
	}

	if strings.HasPrefix(trimmed, "#") {
		if !uriAttrRe.MatchString(work) {
			return line
		}
		rewritten := uriAttrRe.ReplaceAllStringFunc(work, func(m string) string {
			sub := uriAttrRe.FindStringSubmatch(m)
			target := Resolve(base, sub[1])
			return `URI="` + rw.ProxyURL(target, ref) + `"`
		})
		return rewritten + cr
	}

	return rw.ProxyURL(Resolve(base, trimmed), ref) + cr
}

// RewriteStream rewrites a manifest incrementally as it arrives from the
// origin. Complete lines are emitted as soon as their terminating newline
// is seen; a trailing partial line is carried into the next chunk and
// flushed without a newline at EOF, so output is byte-identical to
// RewriteBuffered for the same input.
func (rw *Rewriter) RewriteStream(base *url.URL, ref string, r io.Reader, w io.Writer) error {
	buf := make([]byte, 32*1024)
	var carry []byte

	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := append(carry, buf[:n]...)
			lines := bytes.Split(chunk, []byte{'\n'})
			carry = append([]byte(nil), lines[len(lines)-1]...)
			for _, ln := range lines[:len(lines)-1] {
				out := rw.RewriteLine(base, ref, string(ln))
				if _, werr := io.WriteString(w, out+"\n"); werr != nil {
					return werr
				}
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	if len(carry) > 0 {
		_, err := io.WriteString(w, rw.RewriteLine(base, ref, string(carry)))
		return err
	}
	return nil
}

// RewriteBuffered rewrites a fully buffered manifest body. Slower than
// RewriteStream but usable when the caller already has the whole body or
// the streaming path failed before emitting anything.
func (rw *Rewriter) RewriteBuffered(base *url.URL, ref string, body []byte) []byte {
	lines := strings.Split(string(body), "\n")
	for i, ln := range lines {
		lines[i] = rw.RewriteLine(base, ref, ln)
	}
	return []byte(strings.Join(lines, "\n"))
}
