package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/isometry/ad-ntlm-relay/internal/logging"
	"github.com/isometry/ad-ntlm-relay/internal/session"
)

// RouterConfig selects the routes served next to the authenticated ones.
type RouterConfig struct {
	NTLM NTLMConfig

	// MetricsPath serves Gatherer when both are set.
	MetricsPath string
	Gatherer    prometheus.Gatherer

	Logger logging.Logger
}

// NewRouter creates the chi router.
//
// Routes:
//   - GET /healthz: liveness, unauthenticated
//   - GET <metrics path>: Prometheus exposition, unauthenticated
//   - GET /whoami: the authenticated identity as JSON
//   - POST /logout: forgets the authenticated session
func NewRouter(auth Authenticator, cfg RouterConfig) http.Handler {
	logger := logging.OrNop(cfg.Logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if cfg.MetricsPath != "" && cfg.Gatherer != nil {
		r.Method(http.MethodGet, cfg.MetricsPath, promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(r chi.Router) {
		r.Use(NTLM(auth, cfg.NTLM))
		r.Get("/whoami", whoami)
		r.Post("/logout", logout(auth, cfg.NTLM))
	})

	return r
}

type whoamiResponse struct {
	*session.Identity
	SessionID string `json:"session_id"`
}

func whoami(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, whoamiResponse{
		Identity:  IdentityFromContext(r.Context()),
		SessionID: SessionID(r.Context()),
	})
}

func logout(auth Authenticator, cfg NTLMConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		auth.Logout(SessionID(r.Context()))
		if cfg.Persistent {
			http.SetCookie(w, sessionCookie(r, cfg.CookieName, "", -1))
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogger logs each request with its status and duration.
func requestLogger(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Debug("Request completed", map[string]any{
				"request_id":  middleware.GetReqID(r.Context()),
				"method":      r.Method,
				"path":        r.URL.Path,
				"remote_addr": r.RemoteAddr,
				"status":      ww.Status(),
				"duration_ms": time.Since(start).Milliseconds(),
			})
		})
	}
}
