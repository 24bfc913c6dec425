package rpc

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL  = 10 * time.Minute
	defaultLeeway   = 2 * time.Minute
	unknownSourceID = "unknown"
)

type sourceEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// sourceLimiter throttles instruction submission per client address with a
// token bucket. A nil limiter admits everything.
type sourceLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	visitors map[string]*sourceEntry
	clockNow func() time.Time
}

func newSourceLimiter(perSecond float64, burst int) *sourceLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &sourceLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		visitors: make(map[string]*sourceEntry),
		clockNow: time.Now,
	}
}

func (l *sourceLimiter) Allow(source string) bool {
	if l == nil {
		return true
	}
	if source == "" {
		source = unknownSourceID
	}
	now := l.clockNow()
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, entry := range l.visitors {
		if now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(l.visitors, id)
		}
	}
	entry, ok := l.visitors[source]
	if !ok {
		entry = &sourceEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[source] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func clientSource(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		candidate := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if candidate != "" {
			return candidate
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AuthConfig enables HS256 bearer tokens on instruction submission.
type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

type authenticator struct {
	secret []byte
	parser *jwt.Parser
}

func newAuthenticator(cfg AuthConfig) *authenticator {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(defaultLeeway),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &authenticator{secret: []byte(secret), parser: jwt.NewParser(opts...)}
}

// verify checks the request bearer token. A nil authenticator admits every
// request.
func (a *authenticator) verify(r *http.Request) *RPCError {
	if a == nil {
		return nil
	}
	token := extractBearer(r.Header.Get("Authorization"))
	if token == "" {
		return &RPCError{Code: CodeUnauthorized, Message: "missing bearer token"}
	}
	parsed, err := a.parser.Parse(token, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	})
	if err != nil {
		return &RPCError{Code: CodeUnauthorized, Message: "invalid token", Data: err.Error()}
	}
	if !parsed.Valid {
		return &RPCError{Code: CodeUnauthorized, Message: "invalid token", Data: "token invalid"}
	}
	return nil
}

func extractBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
