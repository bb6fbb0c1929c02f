package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// HealthCheckFunc は依存サービスの疎通確認。
type HealthCheckFunc func(ctx context.Context) error

// HealthHandler は依存サービスの疎通を確認するヘルスチェックハンドラー。
type HealthHandler struct {
	checks  map[string]HealthCheckFunc
	timeout time.Duration
}

// NewHealthHandler はHealthHandlerを生成する。checksのキーはレスポンスに表示する名前。
func NewHealthHandler(checks map[string]HealthCheckFunc) *HealthHandler {
	return &HealthHandler{checks: checks, timeout: 3 * time.Second}
}

// ServeHTTP はすべての確認が成功すれば200、1つでも失敗すれば503を返す。
// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			slog.Warn("health check failed",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			results[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{
		"status": overall,
		"checks": results,
	})
}
