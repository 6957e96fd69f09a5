package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tripdesk/tripdesk/notify"
	"github.com/tripdesk/tripdesk/sync"
)

// SyncSource is the controller's read surface. Declared here so handlers can
// be tested against a stub.
type SyncSource interface {
	State() sync.ConnectionState
	Live() bool
	Attempts() int
	LastEventAt() time.Time
	OpenScopes() []string
}

// NotifySource exposes the dispatcher's status snapshot
type NotifySource interface {
	Status() notify.Status
}

// AdminHandlers handles admin API endpoints for the sync subsystem
type AdminHandlers struct {
	syncSrc   SyncSource
	notifySrc NotifySource
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(syncSrc SyncSource, notifySrc NotifySource) *AdminHandlers {
	return &AdminHandlers{
		syncSrc:   syncSrc,
		notifySrc: notifySrc,
	}
}

type statusResponse struct {
	State         string     `json:"state"`
	Live          bool       `json:"live"`
	Reconnecting  bool       `json:"reconnecting"`
	Attempts      int        `json:"attempts"`
	LastEventAt   *time.Time `json:"last_event_at,omitempty"`
	LastUpdatedAt *time.Time `json:"last_updated_at,omitempty"`
}

func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	disp := h.notifySrc.Status()

	resp := statusResponse{
		State:        h.syncSrc.State().String(),
		Live:         h.syncSrc.Live(),
		Reconnecting: disp.Reconnecting,
		Attempts:     h.syncSrc.Attempts(),
	}
	if at := h.syncSrc.LastEventAt(); !at.IsZero() {
		resp.LastEventAt = &at
	}
	if at := disp.LastUpdatedAt; !at.IsZero() {
		resp.LastUpdatedAt = &at
	}

	writeJSONResponse(w, resp)
}

func (h *AdminHandlers) handleScopes(w http.ResponseWriter, r *http.Request) {
	scopes := h.syncSrc.OpenScopes()
	if scopes == nil {
		scopes = []string{}
	}
	writeJSONResponse(w, map[string]interface{}{"scopes": scopes})
}

func (h *AdminHandlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if !h.syncSrc.Live() {
		status = "degraded"
	}
	writeJSONResponse(w, map[string]interface{}{
		"status": status,
		"live":   h.syncSrc.Live(),
	})
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
