// Package torrent forwards playback traffic to an external torrent
// streaming engine. The relay adds nothing on this path: requests and
// responses pass through verbatim so engine upgrades never require
// changes here.
package torrent

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"streamrelay/config"
)

var ErrDisabled = errors.New("torrent engine is not enabled")

// Service is a verbatim reverse proxy in front of the torrent engine.
type Service struct {
	enabled bool
	base    *url.URL
	proxy   *httputil.ReverseProxy
}

// NewService builds the passthrough from configuration. A disabled
// engine still yields a usable service that answers ErrDisabled.
func NewService(cfg config.TorrentSettings) (*Service, error) {
	s := &Service{enabled: cfg.Enabled}
	if !cfg.Enabled {
		return s, nil
	}

	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse torrent engine url: %w", err)
	}
	s.base = base
	s.proxy = &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(base)
			r.Out.Host = base.Host
		},
		FlushInterval: -1, // stream media bytes as they arrive
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Printf("[torrent] engine unreachable for %s: %v", r.URL.Path, err)
			http.Error(w, "torrent engine unreachable", http.StatusBadGateway)
		},
	}
	return s, nil
}

// Enabled reports whether the engine is configured.
func (s *Service) Enabled() bool { return s.enabled }

// Forward relays the request to the engine with enginePath as the
// upstream path. Everything else, method, query, headers, body, passes
// through untouched.
func (s *Service) Forward(w http.ResponseWriter, r *http.Request, enginePath string) error {
	if !s.enabled {
		return ErrDisabled
	}
	r.URL.Path = enginePath
	s.proxy.ServeHTTP(w, r)
	return nil
}
