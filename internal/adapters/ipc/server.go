// Package ipc exposes the watcher's state to local collaborators (popup,
// badge, options UI) over a loopback HTTP interface.
package ipc

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// NewServer configures the loopback HTTP server with all routes.
func NewServer(handler *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/status", handler.GetStatus)
	r.GET("/counts", handler.GetCounts)
	r.GET("/accounts", handler.ListAccounts)
	r.DELETE("/accounts/:id", handler.RemoveAccount)
	r.GET("/accounts/:id/recent", handler.GetRecent)
	r.POST("/accounts/:id/seen/:feed", handler.MarkFeedSeen)

	return r
}

// Run serves until the context is cancelled, then shuts down gracefully.
func Run(ctx context.Context, engine *gin.Engine, listenAddr string, logger *slog.Logger) error {
	server := &http.Server{
		Addr:    listenAddr,
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("ipc server shutdown", "error", err)
		return err
	}

	return nil
}
