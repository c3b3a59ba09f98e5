package api

import (
	"net/http"
	"time"

	"github.io/infrasutra/inboxsort/internal/session"
	"github.io/infrasutra/inboxsort/internal/sse"
)

const pingInterval = 20 * time.Second

type stateEvent struct {
	Loading     bool   `json:"loading"`
	Classifying bool   `json:"classifying"`
	Total       int    `json:"total"`
	Filter      string `json:"filter"`
	FetchCount  int    `json:"fetchCount"`
}

type alertEvent struct {
	Message string `json:"message"`
}

type navigateEvent struct {
	To string `json:"to"`
}

func newStateEvent(st session.State) stateEvent {
	return stateEvent{
		Loading:     st.Loading,
		Classifying: st.Classifying,
		Total:       len(st.Emails),
		Filter:      st.ActiveFilter.String(),
		FetchCount:  st.FetchCount,
	}
}

// publish turns controller transitions into stream events for the session.
// Alerts are only taken off the queue when a stream is open to show them;
// otherwise the next page render shows them.
func (s *Server) publish(id string, ctrl *session.Controller, ev session.Event, st session.State) {
	switch ev := ev.(type) {
	case session.FilterSelected, session.FetchCountChanged, session.AlertsAcknowledged:
		return
	case session.Alerted:
		if s.hub.Subscribers(id) == 0 {
			return
		}
		for _, msg := range ctrl.TakeAlerts() {
			s.send(id, "alert", alertEvent{Message: msg})
		}
		return
	case session.Navigated:
		if ev.Route != session.RouteNone {
			s.send(id, "navigate", navigateEvent{To: string(ev.Route)})
		}
		return
	case session.LoggedOut:
		s.send(id, "navigate", navigateEvent{To: string(session.RouteLogin)})
		return
	}
	s.send(id, "state", newStateEvent(st))
}

func (s *Server) send(id, event string, data any) {
	frame, err := sse.Encode(event, data)
	if err != nil {
		s.logger.Error("encode stream event", "event", event, "error", err)
		return
	}
	s.hub.Publish(id, frame)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	id := sessionID(r.Context())
	ctrl := s.controller(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, unsubscribe := s.hub.Subscribe(id)
	defer unsubscribe()
	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	// The pipeline may have moved on between the page render and this
	// subscription.
	if frame, err := sse.Encode("state", newStateEvent(ctrl.Snapshot())); err == nil {
		_, _ = w.Write(frame)
	}
	for _, msg := range ctrl.TakeAlerts() {
		if frame, err := sse.Encode("alert", alertEvent{Message: msg}); err == nil {
			_, _ = w.Write(frame)
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case payload, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}
