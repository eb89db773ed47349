package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/hostlane/hostlane/internal/auth"
	"github.com/hostlane/hostlane/internal/models"
)

// unixSourceAddress is recorded for requests arriving over the control socket.
const unixSourceAddress = "unix"

// TokenVerifier turns a bearer token into the actor it was issued for.
type TokenVerifier interface {
	Verify(token string) (models.Actor, error)
}

// ControlAuth enforces bearer token auth and optional CIDR allowlists for control traffic.
type ControlAuth struct {
	verifier   TokenVerifier
	allowCIDRs []*net.IPNet
}

type actorContextKey struct{}

// NewControlAuth creates a control auth middleware with an optional CIDR allowlist.
// The allowlist only applies to TCP clients; the unix socket is guarded by
// its file mode.
func NewControlAuth(verifier TokenVerifier, allowCIDRs []string) (*ControlAuth, error) {
	if verifier == nil {
		return nil, errors.New("control auth token verifier is required")
	}
	nets, err := parseCIDRList(allowCIDRs)
	if err != nil {
		return nil, err
	}
	return &ControlAuth{
		verifier:   verifier,
		allowCIDRs: nets,
	}, nil
}

// Wrap returns a handler that enforces auth for /v1/* requests (healthz is exempt).
// Authenticated requests carry their actor in the request context.
func (a *ControlAuth) Wrap(next http.Handler) http.Handler {
	if a == nil || next == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r == nil || r.URL == nil {
			writeError(w, http.StatusBadRequest, "invalid request")
			return
		}
		path := r.URL.Path
		if path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if path != "/v1" && !strings.HasPrefix(path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}
		if !a.remoteAllowed(r.RemoteAddr) {
			writeError(w, http.StatusForbidden, "remote address not allowed")
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		actor, err := a.verifier.Verify(token)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			if errors.Is(err, auth.ErrExpiredToken) {
				writeError(w, http.StatusUnauthorized, "expired bearer token")
				return
			}
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		actor.SourceAddress = sourceAddress(r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorContextKey{}, actor)))
	})
}

// ActorFromContext returns the actor attached by ControlAuth.
func ActorFromContext(ctx context.Context) (models.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(models.Actor)
	return actor, ok
}

func (a *ControlAuth) remoteAllowed(remoteAddr string) bool {
	if a == nil || len(a.allowCIDRs) == 0 || isUnixRemote(remoteAddr) {
		return true
	}
	ip := parseRemoteIP(remoteAddr)
	if ip == nil {
		return false
	}
	for _, cidr := range a.allowCIDRs {
		if cidr != nil && cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < len("Bearer ") || !strings.EqualFold(header[:len("Bearer ")], "Bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

// sourceAddress is the client address written to audit entries.
func sourceAddress(remoteAddr string) string {
	if isUnixRemote(remoteAddr) {
		return unixSourceAddress
	}
	if ip := parseRemoteIP(remoteAddr); ip != nil {
		return ip.String()
	}
	return strings.TrimSpace(remoteAddr)
}

// isUnixRemote reports whether remoteAddr came from a unix socket peer,
// which net/http reports as "" or "@".
func isUnixRemote(remoteAddr string) bool {
	remoteAddr = strings.TrimSpace(remoteAddr)
	return remoteAddr == "" || remoteAddr == "@"
}

func parseRemoteIP(remoteAddr string) net.IP {
	remoteAddr = strings.TrimSpace(remoteAddr)
	if remoteAddr == "" {
		return nil
	}
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if idx := strings.LastIndex(host, "%"); idx >= 0 {
		host = host[:idx]
	}
	return net.ParseIP(host)
}

func parseCIDRList(values []string) ([]*net.IPNet, error) {
	if len(values) == 0 {
		return nil, nil
	}
	result := make([]*net.IPNet, 0, len(values))
	for _, raw := range values {
		value := strings.TrimSpace(raw)
		if value == "" {
			continue
		}
		_, cidr, err := net.ParseCIDR(value)
		if err != nil {
			return nil, err
		}
		result = append(result, cidr)
	}
	return result, nil
}
