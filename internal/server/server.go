// Package server owns the HTTP surface: the websocket upgrade endpoint the
// gateway hangs off, and the session-management endpoints backed by the
// session store.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/segmentio/ksuid"

	"github.com/sarosa2890/Discord/internal/gateway"
	"github.com/sarosa2890/Discord/internal/hub"
	"github.com/sarosa2890/Discord/internal/server/middleware"
	"github.com/sarosa2890/Discord/internal/store"
	"github.com/sarosa2890/Discord/pkg/config"
	"github.com/sarosa2890/Discord/pkg/transport"
)

type App struct {
	logger   *slog.Logger
	registry *hub.Registry
	gateway  *gateway.Gateway
	sessions store.SessionStore
	wg       sync.WaitGroup
	http     *http.Server
	config   *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, registry *hub.Registry, gw *gateway.Gateway, sessions store.SessionStore) *App {
	app := &App{
		logger:   logger,
		registry: registry,
		gateway:  gw,
		sessions: sessions,
		config:   cfg,
		ctx:      rootCtx,
	}

	authed := func(h http.Handler) http.Handler {
		return middleware.Chain(h,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret),
		)
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", middleware.Chain(http.HandlerFunc(app.upgradeHandler),
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(logger),
		middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret),
		middleware.NewConnectionLimiter(logger, registry.ConnectionCount, cfg.Server.ConnectionLimit.MaxPerUser),
	))
	mux.Handle("GET /api/sessions", authed(http.HandlerFunc(app.listSessionsHandler)))
	mux.Handle("DELETE /api/sessions/{key}", authed(http.HandlerFunc(app.deleteSessionHandler)))

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}
	return app
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.Int64("userID", reqMeta.UserID),
		slog.String("username", reqMeta.Username),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{
			ReadTimeout: a.config.Transport.ReadTimeout,
			SendBuffer:  a.config.Transport.SendBuffer,
		},
		nil,
		nil,
		a.logger,
	)

	sessionKey := ksuid.New().String()
	registered, err := a.registry.Register(reqMeta.UserID, sessionKey, conn, reqMeta.IP, reqMeta.Verified)
	if err != nil {
		// The limiter already bounced most cap overflows; this closes the
		// race where two handshakes for the same user pass it together.
		connLogger.Warn("connection rejected at registration", slog.Any("error", err))
		conn.Close(err)
		return
	}

	conn.SetOnMessageHandler(a.gateway.HandleMessage)
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Info("deregistering connection due to closure", slog.String("connID", id.String()))
		a.gateway.HandleDisconnect(context.WithoutCancel(a.ctx), id)
	})

	conn.Run()
	a.gateway.HandleConnect(r.Context(), registered, deviceNameFrom(reqMeta.UserAgent), reqMeta.UserAgent, reqMeta.IP)
	connLogger.Info("user connection fully established", slog.String("sessionKey", sessionKey))
	<-conn.Done()
}

// deviceNameFrom extracts the parenthesized platform segment of a user
// agent, the same label browsers put their OS details in.
func deviceNameFrom(userAgent string) string {
	const maxLen = 100
	open := -1
	for i, r := range userAgent {
		switch r {
		case '(':
			open = i + 1
		case ')':
			if open >= 0 {
				name := userAgent[open:i]
				if len(name) > maxLen {
					name = name[:maxLen]
				}
				return name
			}
		}
	}
	return "Unknown Device"
}

func (a *App) listSessionsHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())

	sessions, err := a.sessions.ListByUser(r.Context(), reqMeta.UserID)
	if err != nil {
		a.logger.Error("failed to list sessions", slog.Any("error", err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sessions); err != nil {
		a.logger.Error("failed to encode session list", slog.Any("error", err))
	}
}

func (a *App) deleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	sessionKey := r.PathValue("key")
	if sessionKey == "" {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	// A session may only be revoked by its owner, and never the one the
	// request itself rides on.
	if current, ok := a.registry.BySession(sessionKey); ok && current.UserID != reqMeta.UserID {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	sessions, err := a.sessions.ListByUser(r.Context(), reqMeta.UserID)
	if err != nil {
		a.logger.Error("failed to check session ownership", slog.Any("error", err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	owned := false
	for _, s := range sessions {
		if s.SessionKey == sessionKey {
			owned = true
			break
		}
	}
	if !owned {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	if err := a.sessions.Delete(r.Context(), sessionKey, reqMeta.UserID); err != nil {
		a.logger.Error("failed to delete session", slog.Any("error", err))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	a.gateway.TerminateSession(r.Context(), sessionKey, "session was deleted")
	w.WriteHeader(http.StatusNoContent)
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("closing all active connections...")
	for _, conn := range a.registry.AllConnections() {
		conn.Transport.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("server shut down gracefully.")
	return nil
}
