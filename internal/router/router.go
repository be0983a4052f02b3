package router

import (
	"net/http"

	"github.com/postloom/backend/internal/auth"
	"github.com/postloom/backend/internal/dashboard"
	"github.com/postloom/backend/internal/handlers"
	"github.com/postloom/backend/internal/registry"
)

// Handlers groups everything the API router serves.
type Handlers struct {
	Auth      *auth.Handler
	Registry  *registry.Handler
	Control   *handlers.ControlHandler
	Dashboard *dashboard.Handler
	Metrics   http.Handler
}

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// New returns an http.Handler that serves the API under /api/v1 and metrics
// at /metrics. Every route except login and health goes through
// operatorAuth; manual triggers also pass costGuard.
func New(h Handlers, operatorAuth, costGuard Middleware) http.Handler {
	mux := http.NewServeMux()
	base := "/api/v1"

	protect := func(fn http.HandlerFunc) http.Handler { return operatorAuth(fn) }

	mux.HandleFunc(base+"/auth/login", methodPOST(h.Auth.Login))
	mux.HandleFunc(base+"/health", methodGET(h.Control.HealthCheckHandler))

	mux.Handle(base+"/accounts", protect(methodGET(h.Registry.ListAccounts)))
	mux.Handle(base+"/accounts/reload", protect(methodPOST(h.Registry.ReloadAccounts)))
	mux.Handle(base+"/accounts/{id}/status", protect(methodGET(h.Control.GetStatus)))
	mux.Handle(base+"/accounts/{id}/trigger", operatorAuth(costGuard(methodPOST(h.Control.TriggerNow))))
	mux.Handle(base+"/accounts/{id}/platforms/{platform}/test", protect(methodPOST(h.Control.TestPlatform)))

	mux.Handle(base+"/scheduler/pause", protect(methodPOST(h.Control.Pause)))
	mux.Handle(base+"/scheduler/resume", protect(methodPOST(h.Control.Resume)))
	mux.Handle(base+"/scheduler/emergency-stop", protect(methodPOST(h.Control.EmergencyStop)))

	mux.Handle(base+"/attempts", protect(methodGET(h.Control.ListAttempts)))
	mux.Handle(base+"/events", protect(methodGET(h.Control.ListEvents)))
	mux.Handle(base+"/dashboard/overview", protect(methodGET(h.Dashboard.Overview)))

	if h.Metrics != nil {
		mux.Handle("/metrics", h.Metrics)
	}
	return mux
}

func methodGET(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func methodPOST(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}
