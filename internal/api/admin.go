package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/edgechain/proofserver/internal/config"
)

const adminSecretHeader = "X-Admin-Secret"

// requireAdmin gates a handler per spec.md §4.8/§6: loopback origin,
// shared-secret header, or demo_mode, depending on admin.mode.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.isAdminAuthorized(r) {
			next(w, r)
			return
		}
		writeError(w, http.StatusForbidden, "forbidden", "admin authorization required")
	}
}

func (s *Server) isAdminAuthorized(r *http.Request) bool {
	if s.cfg.DemoMode {
		return true
	}

	switch s.cfg.Admin.Mode {
	case config.AdminModeDemo:
		return true
	case config.AdminModeSharedSecret:
		return r.Header.Get(adminSecretHeader) != "" && r.Header.Get(adminSecretHeader) == s.cfg.Admin.Secret
	default: // loopback
		return isLoopback(r.RemoteAddr)
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// withCORS restricts cross-origin requests to the configured allowlist;
// an empty allowlist denies all cross-origin requests (spec.md §6
// default: "empty (deny all cross-origin)").
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+adminSecretHeader)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.CORS.AllowOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
