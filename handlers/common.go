// Package handlers contains the HTTP surface of the relay. Handlers stay
// thin: parse, delegate to a service, encode. Every handler declares the
// interface slice of the service it consumes so tests can swap fakes in.
package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"streamrelay/models"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[handlers] failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// mediaKeyFromQuery builds a MediaKey from the common query parameters.
// Validation is the service's job; this only parses.
func mediaKeyFromQuery(r *http.Request) models.MediaKey {
	q := r.URL.Query()
	season, _ := strconv.Atoi(q.Get("season"))
	episode, _ := strconv.Atoi(q.Get("episode"))
	return models.MediaKey{
		Type:    q.Get("type"),
		ID:      q.Get("id"),
		Season:  season,
		Episode: episode,
	}
}

func queryFlag(r *http.Request, name string) bool {
	switch r.URL.Query().Get(name) {
	case "1", "true", "yes":
		return true
	}
	return false
}
