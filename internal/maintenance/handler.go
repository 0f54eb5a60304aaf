package maintenance

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
)

// Sweep is the on-demand session sweep the handler triggers.
type Sweep interface {
	Sweep(ctx context.Context) (int64, error)
}

// SweepHandler exposes the session sweep over HTTP for deployments
// driven by an external scheduler. Calls must present the cron secret;
// without one configured, the route plays dead.
type SweepHandler struct {
	sweeper    Sweep
	logger     *zap.Logger
	cronSecret string
}

func NewSweepHandler(sweeper Sweep, logger *zap.Logger, cronSecret string) *SweepHandler {
	return &SweepHandler{
		sweeper:    sweeper,
		logger:     logger,
		cronSecret: strings.TrimSpace(cronSecret),
	}
}

func (h *SweepHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	deleted, err := h.sweeper.Sweep(r.Context())
	if err != nil {
		sentry.CaptureException(err)
		h.logger.Error("manual_sweep_failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "sweep failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"deleted_sessions": deleted,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
