package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"meshrelay/internal/bus"
	"meshrelay/internal/constants"
	engerrors "meshrelay/internal/errors"
	"meshrelay/internal/metrics"
	"meshrelay/internal/models"
	"meshrelay/internal/service"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server is the local admin surface: status endpoints, a send API, and a
// live event feed over WebSocket.
type Server struct {
	router *mux.Router
	logger *logrus.Logger
	engine *service.Engine
	bus    *bus.Bus
	server *http.Server
	cfg    models.ServerConfig
}

func NewServer(engine *service.Engine, eventBus *bus.Bus, cfg models.ServerConfig, logger *logrus.Logger) *Server {
	s := &Server{
		router: mux.NewRouter(),
		logger: logger,
		engine: engine,
		bus:    eventBus,
		cfg:    cfg,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/messages", s.handleSend()).Methods(http.MethodPost)
	v1.HandleFunc("/queue/stats", s.handleQueueStats()).Methods(http.MethodGet)
	v1.HandleFunc("/sessions", s.handleSessions()).Methods(http.MethodGet)
	v1.HandleFunc("/sessions/{id}/messages", s.handleSessionMessages()).Methods(http.MethodGet)
	v1.HandleFunc("/devices", s.handleDevices()).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.handleEvents()).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.IdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting admin server on %s", s.cfg.ListenAddr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":         "ok",
			"emergency_mode": s.engine.EmergencyMode(),
		})
	}
}

func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(metrics.GetRegistry().GetAllMetrics()); err != nil {
			s.logger.WithError(err).Error("Failed to encode metrics response")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
	}
}

func (s *Server) handleSend() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req service.SendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		messageID, err := s.engine.SendMessage(r.Context(), req)
		if err != nil {
			s.logger.WithError(err).Warn("Send request failed")
			status := http.StatusInternalServerError
			switch engerrors.GetCode(err) {
			case engerrors.ErrCodeInvalidInput:
				status = http.StatusBadRequest
			case engerrors.ErrCodeDuplicateMessage:
				status = http.StatusConflict
			case engerrors.ErrCodeIdentityUnavailable:
				status = http.StatusServiceUnavailable
			}
			s.writeError(w, status, err.Error())
			return
		}

		s.writeJSON(w, http.StatusAccepted, map[string]string{"messageId": messageID})
	}
}

func (s *Server) handleQueueStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.engine.QueueStats())
	}
}

func (s *Server) handleSessions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions, err := s.engine.Sessions(r.Context())
		if err != nil {
			s.logger.WithError(err).Error("Failed to list sessions")
			s.writeError(w, http.StatusInternalServerError, "failed to list sessions")
			return
		}
		s.writeJSON(w, http.StatusOK, sessions)
	}
}

func (s *Server) handleSessionMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := mux.Vars(r)["id"]
		messages, err := s.engine.SessionMessages(r.Context(), sessionID)
		if err != nil {
			s.logger.WithError(err).Error("Failed to list session messages")
			s.writeError(w, http.StatusInternalServerError, "failed to list messages")
			return
		}
		s.writeJSON(w, http.StatusOK, messages)
	}
}

func (s *Server) handleDevices() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.engine.RankedDevices())
	}
}

// handleEvents streams engine events to a WebSocket client. The client picks
// a prefix filter via ?prefix=, defaulting to all events.
func (s *Server) handleEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.WithError(err).Warn("WebSocket accept failed")
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		prefix := r.URL.Query().Get("prefix")
		events, unsubscribe := s.bus.Subscribe(prefix, constants.DefaultEventBufferSize)
		defer unsubscribe()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}
				if err := wsjson.Write(ctx, conn, evt); err != nil {
					return
				}
			}
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
