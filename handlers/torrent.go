package handlers

import (
	"errors"
	"net/http"
	"strings"

	"streamrelay/services/torrent"
)

// TorrentHandler relays torrent playback calls to the external engine.
type TorrentHandler struct {
	svc    *torrent.Service
	prefix string // mounted path prefix, stripped before forwarding
}

func NewTorrentHandler(svc *torrent.Service, prefix string) *TorrentHandler {
	return &TorrentHandler{svc: svc, prefix: strings.TrimRight(prefix, "/")}
}

// Forward handles every method under the torrent mount point.
func (h *TorrentHandler) Forward(w http.ResponseWriter, r *http.Request) {
	enginePath := strings.TrimPrefix(r.URL.Path, h.prefix)
	if enginePath == "" {
		enginePath = "/"
	}
	if err := h.svc.Forward(w, r, enginePath); err != nil {
		if errors.Is(err, torrent.ErrDisabled) {
			writeError(w, http.StatusServiceUnavailable, "torrent engine is not enabled")
			return
		}
		writeError(w, http.StatusBadGateway, "torrent engine error")
	}
}
