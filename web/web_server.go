package web

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/mailsift/mailsift/config"
	"github.com/mailsift/mailsift/db"
	"github.com/mailsift/mailsift/ingest"
	"github.com/mailsift/mailsift/notification"
	"github.com/rs/cors"
	"golang.org/x/oauth2"
)

// Server exposes the ingestion trigger and the read/write surfaces around
// the pipeline.
type Server struct {
	store       *db.Store
	coordinator *ingest.Coordinator
	hub         *notification.Hub
	oauthConfig *oauth2.Config
	cfg         config.Config
}

func NewServer(store *db.Store, coordinator *ingest.Coordinator, hub *notification.Hub, oauthConfig *oauth2.Config, cfg config.Config) *Server {
	return &Server{
		store:       store,
		coordinator: coordinator,
		hub:         hub,
		oauthConfig: oauthConfig,
		cfg:         cfg,
	}
}

func (s *Server) Start() {
	slog.Info("Starting web server.", "addr", s.cfg.HTTPAddr)
	r := mux.NewRouter()
	s.api(r)
	s.oauth(r)
	s.sse(r)
	cors := cors.New(cors.Options{
		AllowedOrigins:   []string{s.cfg.FrontendUrl},
		AllowedMethods:   []string{"GET", "POST", "DELETE"},
		AllowCredentials: true,
	})
	handler := cors.Handler(r)
	srv := &http.Server{
		Handler: handler,
		Addr:    s.cfg.HTTPAddr,
		// Good practice: enforce timeouts for servers you create!
		WriteTimeout: 10 * time.Minute,
		ReadTimeout:  10 * time.Second,
	}
	log.Fatal(srv.ListenAndServe())
}
