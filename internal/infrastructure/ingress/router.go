// SPDX-License-Identifier: AGPL-3.0-or-later
package ingress

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/relaynotify/core/internal/presentation/api/health"
	"github.com/relaynotify/core/internal/presentation/api/shared"
)

// NewRouter builds the minimal HTTP surface this core owns: the transport
// status-callback ingress hook and a liveness check (§6, "only the
// status-update ingress hook is specified"). Everything else (the full
// notification management API the teacher exposes) is out of scope.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(shared.AddRequestIDToContext)
	r.Use(middleware.RealIP)
	r.Use(shared.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	healthHandler := health.NewHandler()
	r.Get("/healthz", healthHandler.HandleHealth)
	r.Post("/ingress/transport-status", h.HandleCallback)

	return r
}
