package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/antoniostano/speechrelay/internal/config"
	"github.com/antoniostano/speechrelay/internal/events"
	"github.com/antoniostano/speechrelay/internal/logging"
	"github.com/antoniostano/speechrelay/internal/observability"
	"github.com/antoniostano/speechrelay/internal/relay"
	"github.com/antoniostano/speechrelay/internal/session"
	"github.com/antoniostano/speechrelay/internal/synthesis"
	"github.com/antoniostano/speechrelay/internal/tasks"
)

// Relay starts synthesis tasks for raw client messages.
type Relay interface {
	HandleClientMessage(ctx context.Context, connID string, notifier relay.Notifier, raw []byte) error
}

type Deps struct {
	Relay     Relay
	Sessions  *session.Manager
	Registry  *synthesis.Registry
	History   tasks.Store
	Publisher events.Publisher
	Metrics   *observability.Metrics
	Logger    *slog.Logger
}

type Server struct {
	cfg       config.Config
	relay     Relay
	sessions  *session.Manager
	registry  *synthesis.Registry
	history   tasks.Store
	publisher events.Publisher
	metrics   *observability.Metrics
	log       *slog.Logger
	upgrader  websocket.Upgrader
	audio     http.Handler
}

func New(cfg config.Config, deps Deps) *Server {
	if deps.Sessions == nil {
		deps.Sessions = session.NewManager(cfg.TaskTimeout)
	}
	if deps.Registry == nil {
		deps.Registry = synthesis.DefaultRegistry()
	}
	if deps.History == nil {
		deps.History = tasks.NewInMemoryStore(0)
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetricsWithRegistry(cfg.MetricsNamespace, prometheus.NewRegistry())
	}
	audioRoot := cfg.AudioRootDir
	if strings.TrimSpace(audioRoot) == "" {
		audioRoot = "public/audio"
	}
	return &Server{
		cfg:       cfg,
		relay:     deps.Relay,
		sessions:  deps.Sessions,
		registry:  deps.Registry,
		history:   deps.History,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		log:       logging.Component(deps.Logger, "httpapi"),
		audio:     http.StripPrefix("/audio/", fileOnly(http.FileServer(http.Dir(audioRoot)))),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/", s.handleRoot)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/tts/ws", s.handleSynthesisWS)
	r.Get("/v1/modes", s.handleListModes)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Get("/v1/tasks/{id}", s.handleGetTask)

	r.Handle("/audio/*", s.audio)
	return r
}

// handleRoot accepts websocket upgrades on / as well, where older clients connect.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		s.handleSynthesisWS(w, r)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"service":   "speechrelay",
		"websocket": "/v1/tts/ws",
		"modes":     s.registry.Modes(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"active_tasks": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	status := http.StatusOK
	state := "ready"
	eventsHealthy := s.publisher.Healthy()
	if s.relay == nil || !eventsHealthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	respondJSON(w, status, map[string]any{
		"status":         state,
		"relay_enabled":  s.relay != nil,
		"events_healthy": eventsHealthy,
		"active_tasks":   s.sessions.ActiveCount(),
	})
}

type modeSummary struct {
	Mode          string `json:"mode"`
	Model         string `json:"model"`
	Streaming     string `json:"streaming"`
	SampleRate    int    `json:"sample_rate"`
	Format        string `json:"format"`
	RequiresVoice bool   `json:"requires_voice"`
}

func (s *Server) handleListModes(w http.ResponseWriter, _ *http.Request) {
	modes := s.registry.Modes()
	out := make([]modeSummary, 0, len(modes))
	for _, mode := range modes {
		cfg, err := s.registry.Resolve(mode)
		if err != nil {
			continue
		}
		out = append(out, modeSummary{
			Mode:          cfg.Mode,
			Model:         cfg.Model,
			Streaming:     cfg.Streaming.Wire(),
			SampleRate:    cfg.SampleRate,
			Format:        cfg.Format,
			RequiresVoice: cfg.RequiresVoice,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"modes": out})
}

// fileOnly hides directory listings of the artifact tree.
func fileOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "" || strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
