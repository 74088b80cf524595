package httpapi

import (
	"crypto/subtle"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
)

// pprofHandler serves net/http/pprof when enabled. Off-loopback listeners
// require the debug token as a bearer token.
func (s *Server) pprofHandler() http.Handler {
	named := map[string]http.HandlerFunc{
		"cmdline": hpprof.Cmdline,
		"profile": hpprof.Profile,
		"symbol":  hpprof.Symbol,
		"trace":   hpprof.Trace,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.config()
		if !cfg.Pprof {
			writeError(w, r, http.StatusNotFound, "not_found", "pprof disabled")
			return
		}
		if !authorized(cfg, r) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, r, http.StatusUnauthorized, "unauthorized", "debug token required")
			return
		}
		name := strings.TrimPrefix(r.URL.Path, "/debug/pprof/")
		if h, ok := named[name]; ok {
			h(w, r)
			return
		}
		hpprof.Index(w, r)
	})
}

func authorized(cfg Config, r *http.Request) bool {
	if cfg.DebugToken == "" {
		return IsLoopbackAddr(cfg.Addr)
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	return ok && subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(cfg.DebugToken)) == 1
}

// IsLoopbackAddr reports whether a host:port listens on loopback only. An
// empty host means every interface.
func IsLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
