// Package netguard validates proxy target URLs before any outbound
// request is made. Everything the segment proxy fetches is attacker
// influenced, so loopback, link-local and private ranges are rejected
// unless the deployment explicitly allows them.
package netguard

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrInvalidURL    = errors.New("target is not a valid absolute URL")
	ErrBadScheme     = errors.New("target scheme must be http or https")
	ErrForbiddenHost = errors.New("target host is not allowed")
	ErrEmptyTarget   = errors.New("target URL is empty")
)

// Guard decides whether a target URL may be fetched on behalf of a client.
type Guard struct {
	// AllowPrivate permits loopback/private targets; used for local
	// development against self-hosted origins.
	AllowPrivate bool
}

// CheckURL parses raw and applies the host policy. A nil return means the
// URL is safe to fetch.
func (g Guard) CheckURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return ErrEmptyTarget
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return ErrInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %q", ErrBadScheme, u.Scheme)
	}
	return g.checkHost(u.Hostname())
}

func (g Guard) checkHost(host string) error {
	if g.AllowPrivate {
		return nil
	}
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") || strings.HasSuffix(lower, ".local") || strings.HasSuffix(lower, ".internal") {
		return fmt.Errorf("%w: %s", ErrForbiddenHost, host)
	}
	if ip := net.ParseIP(host); ip != nil {
		if isForbiddenIP(ip) {
			return fmt.Errorf("%w: %s", ErrForbiddenHost, host)
		}
	}
	return nil
}

// CheckAddr validates a dial address of the form "ip:port". It runs as a
// net.Dialer Control hook, after DNS resolution, so a public hostname
// resolving to a private address is caught here even though CheckURL
// passed it.
func (g Guard) CheckAddr(network, address string) error {
	if g.AllowPrivate {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrForbiddenHost, address)
	}
	ip := net.ParseIP(host)
	if ip == nil || isForbiddenIP(ip) {
		return fmt.Errorf("%w: %s", ErrForbiddenHost, host)
	}
	return nil
}

func isForbiddenIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}
