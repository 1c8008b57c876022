package api

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/ubl-labs/ubl-core/pkg/contracts"
	"github.com/ubl-labs/ubl-core/pkg/uerr"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	identityKey  contextKey = "identity"
)

// Identity injection headers, set by an upstream gateway.
const (
	HeaderRequestID = "X-Request-Id"
	HeaderUserID    = "X-UBL-User-Id"
	HeaderEmail     = "X-UBL-Email"
	HeaderGroups    = "X-UBL-Groups"
	HeaderService   = "X-UBL-Service"
)

// RequestID preserves an inbound X-Request-Id or generates one, stores it
// in the context and echoes it on the response.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = "req:" + uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		ctx := context.WithValue(r.Context(), requestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestIDFrom returns the correlation id stored by RequestID.
func RequestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// Identity extracts the normalized caller identity and stores it in the
// context. Injected X-UBL-* headers win; absent those, a bearer token is
// parsed with the shared dev secret. The core never rejects here — an
// empty identity surfaces as unauthorized at the operation layer.
func Identity(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ident := identityFromHeaders(r)
			if ident.UserID == "" && secret != "" {
				ident = identityFromBearer(r, secret)
			}
			ctx := context.WithValue(r.Context(), identityKey, ident)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IdentityFrom returns the identity stored by Identity.
func IdentityFrom(ctx context.Context) contracts.Identity {
	if ident, ok := ctx.Value(identityKey).(contracts.Identity); ok {
		return ident
	}
	return contracts.Identity{}
}

func identityFromHeaders(r *http.Request) contracts.Identity {
	userID := r.Header.Get(HeaderUserID)
	if userID == "" {
		return contracts.Identity{}
	}
	email := r.Header.Get(HeaderEmail)
	var groups []string
	for _, g := range strings.Split(r.Header.Get(HeaderGroups), ",") {
		if g = strings.TrimSpace(g); g != "" {
			groups = append(groups, g)
		}
	}
	return contracts.Identity{
		UserID:      userID,
		Email:       email,
		EmailDomain: emailDomain(email),
		Groups:      groups,
		IsService:   r.Header.Get(HeaderService) == "true",
	}
}

// identityFromBearer parses a HS256 token signed with the shared secret.
// Invalid tokens yield an empty identity rather than an error; the
// operation layer turns that into unauthorized.
func identityFromBearer(r *http.Request, secret string) contracts.Identity {
	auth := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return contracts.Identity{}
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return contracts.Identity{}
	}
	email, _ := claims["email"].(string)
	sub, _ := claims["sub"].(string)
	var groups []string
	if rawGroups, ok := claims["groups"].([]any); ok {
		for _, g := range rawGroups {
			if s, ok := g.(string); ok {
				groups = append(groups, s)
			}
		}
	}
	isService, _ := claims["is_service"].(bool)
	return contracts.Identity{
		UserID:      sub,
		Email:       email,
		EmailDomain: emailDomain(email),
		Groups:      groups,
		IsService:   isService,
	}
}

func emailDomain(email string) string {
	if _, domain, ok := strings.Cut(email, "@"); ok {
		return strings.ToLower(domain)
	}
	return ""
}

// Allower is the rate limiter contract. Implementations decide per key
// (client IP); a distributed implementation may fail open.
type Allower interface {
	Allow(ctx context.Context, key string) bool
}

// IPRateLimiter keeps one token bucket per client IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a per-IP limiter and starts its background
// cleanup.
func NewIPRateLimiter(rps float64, burst int) *IPRateLimiter {
	rl := &IPRateLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
	go rl.cleanup()
	return rl
}

// Allow consumes one token for the key's bucket.
func (rl *IPRateLimiter) Allow(_ context.Context, key string) bool {
	rl.mu.Lock()
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = time.Now()
	rl.mu.Unlock()
	return v.limiter.Allow()
}

// cleanup drops buckets idle for more than 3 minutes.
func (rl *IPRateLimiter) cleanup() {
	for {
		time.Sleep(time.Minute)
		rl.mu.Lock()
		for ip, v := range rl.visitors {
			if time.Since(v.lastSeen) > 3*time.Minute {
				delete(rl.visitors, ip)
			}
		}
		rl.mu.Unlock()
	}
}

// RateLimit enforces the limiter per client IP. A nil limiter disables
// throttling.
func RateLimit(limiter Allower) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(r.Context(), clientIP(r)) {
				writeError(w, r, uerr.New(uerr.RateLimited, "rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.Trim(r.RemoteAddr, "[]")
	}
	return ip
}
