package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/josephch/aamp-go/internal/aamp/player"
)

// startStatusServer serves PlayerCore.Status() as JSON on addr, mirroring
// the teacher's chi-router-backed debug server shape without the OpenAPI
// layer this single read-only route doesn't need.
func startStatusServer(ctx context.Context, addr string, p *player.PlayerCore, logger *slog.Logger) {
	router := chi.NewRouter()
	router.Use(chimiddleware.Recoverer)

	router.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(p.Status()); err != nil {
			logger.Error("status encode failed", slog.Any("error", err))
		}
	})

	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("status endpoint listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("status endpoint stopped", slog.Any("error", err))
	}
}

func statusAddrDisplay(addr string) string {
	if addr == "" {
		return "disabled"
	}
	return fmt.Sprintf("http://%s/status", addr)
}
