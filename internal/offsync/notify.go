package offsync

import (
	"encoding/json"
	"net/http"
)

// handlePush accepts a push payload, fills in display defaults, and
// broadcasts the rendered alert to every attached context. Purely
// reactive; nothing is persisted.
func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload PushPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid push payload", http.StatusBadRequest)
		return
	}
	if payload.Title == "" {
		payload.Title = s.cfg.Notify.DefaultTitle
	}
	if payload.Data.URL == "" {
		payload.Data.URL = s.cfg.Notify.DefaultURL
	}

	s.bridge.Broadcast(controlMessage{
		Type:    msgNotify,
		Title:   payload.Title,
		Body:    payload.Body,
		URL:     payload.Data.URL,
		Actions: payload.Actions,
	})
	w.WriteHeader(http.StatusNoContent)
}

// handleNotificationClick routes a click back into the application: a
// context that already has a window inside the engine's scope gets told to
// focus it, anyone else gets told to open the target URL.
func (s *Service) handleNotificationClick(c *bridgeClient, url string, hasScopedWindow bool) {
	target := url
	if target == "" {
		target = s.cfg.Notify.DefaultURL
	}
	reply := controlMessage{Type: msgOpen, URL: target}
	if hasScopedWindow {
		reply = controlMessage{Type: msgFocus, URL: target}
	}
	if err := c.send(reply); err != nil {
		// Context went away between click and reply; nothing to route.
		return
	}
}
