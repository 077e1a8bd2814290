package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/mailsift/mailsift/notification"
)

func (s *Server) sse(r *mux.Router) {
	sse := r.PathPrefix("/sse").Subrouter()
	sse.HandleFunc("/events", s.sseHandler)
}

// sseHandler streams ingestion progress events for a user. Events come from
// the notification hub; a heartbeat keeps the connection alive between runs.
func (s *Server) sseHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	userId := r.URL.Query().Get("user_id")
	if userId == "" {
		userId = notification.NOTIFICATION_ALL
	}

	events := s.hub.Subscribe(userId)
	defer s.hub.Unsubscribe(userId, events)

	rc := http.NewResponseController(w)
	clientGone := r.Context().Done()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	slog.Info("SSE client connected", "user_id", userId)
	start := time.Now()
	for {
		select {
		case <-clientGone:
			slog.Info("SSE client disconnected",
				"user_id", userId,
				"duration", time.Since(start).String())
			return
		case progress := <-events:
			data, err := json.Marshal(progress)
			if err != nil {
				slog.Error("Failed to marshal progress event", "error", err)
				continue
			}
			timestamp := strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)
			if _, err := fmt.Fprintf(w, "event:progress\nretry: 10000\nid:%s\ndata:%s\n\n", timestamp, data); err != nil {
				slog.Warn("Unable to write progress event", "user_id", userId, "error", err)
				return
			}
			rc.SetWriteDeadline(time.Time{})
			rc.Flush()
		case <-ticker.C:
			timestamp := strconv.FormatInt(time.Now().UTC().UnixMilli(), 10)
			if _, err := fmt.Fprintf(w, "event:heartbeat\nretry: 10000\nid:%s\ndata:%s\n\n", timestamp, time.Now().Format(time.RFC3339)); err != nil {
				slog.Warn("Unable to write heartbeat", "user_id", userId, "error", err)
				return
			}
			rc.SetWriteDeadline(time.Time{})
			rc.Flush()
		}
	}
}
