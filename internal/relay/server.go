package relay

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/spbridge/spbridge/internal/adapter"
	"github.com/spbridge/spbridge/internal/logger"
)

// Server is the relay's HTTP face: webhook routes for the platform adapters
// and the file capability endpoint.
type Server struct {
	engine *Engine
	http   *http.Server
}

// NewServer builds the HTTP server over the engine's adapters.
func NewServer(cfg *Config, engine *Engine) *Server {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	for tag, a := range engine.adapters {
		if wh, ok := a.(adapter.WebhookAdapter); ok {
			wh.Register(r)
			logger.WithField("platform", tag).Debug("webhook-routes-mounted")
		}
	}
	r.Get("/file/{data}/{name}", engine.handleFileDownload)

	return &Server{
		engine: engine,
		http: &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: r,
		},
	}
}

// Handler exposes the route tree.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	logger.WithField("addr", s.http.Addr).Info("http-server-listening")
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleFileDownload resolves a file capability link: decode the token,
// find the owning tenant and stream the file with the embedded MIME type.
// The trailing name segment is cosmetic and ignored.
func (e *Engine) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	token, err := decodeFileTokenParam(chi.URLParam(r, "data"))
	if err != nil {
		logger.WithField("error", err).Warn("bad-file-token")
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	api := e.chats.FindChatAPI(token.UserID)
	if api == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	body, err := api.GetFile(token.UserID, token.ChatID, token.FileID)
	if err != nil {
		logger.WithFields(logrus.Fields{
			"chat_id": token.ChatID,
			"file_id": token.FileID,
			"error":   err,
		}).Error("file-fetch-failed")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", token.Mime)
	if _, err := io.Copy(w, body); err != nil {
		logger.WithField("error", err).Warn("file-stream-interrupted")
	}
}
