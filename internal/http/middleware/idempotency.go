// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements idempotency support for the mutating order and event
// endpoints. It validates the Idempotency-Key request header, optionally asks
// a lookup whether the (caller, operation, key) triple already completed, and
// annotates the request context so downstream handlers can:
//   - read the normalized key (GetIdempotencyKey)
//   - detect replayed requests (IsReplay)
//   - bypass rate limiting when a replay will be served
//
// The stored result itself is returned by the service layer; this middleware
// never answers a request on its own except to reject a malformed key.
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey is the canonical request header carrying the client's
// idempotency key.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderIdempotencyReplayed is set to "true" on responses served from a
// stored result.
const HeaderIdempotencyReplayed = "Idempotency-Replayed"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay" // bool: a stored result exists
	ctxKeyRateBypass = "rate.bypass" // bool: skip rate limiting
)

// GetIdempotencyKey returns the validated key stashed by IdempotencyValidator.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// IsReplay reports whether the lookup found a completed request for this key.
func IsReplay(c *gin.Context) bool {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// IdempotencyOptions configures IdempotencyValidator.
type IdempotencyOptions struct {
	// MaxLen caps the accepted key length. Values <= 0 default to 200, the
	// width of the key column.
	MaxLen int
	// Pattern restricts allowed characters. Defaults to ^[A-Za-z0-9._~\-:]+$.
	Pattern *regexp.Regexp
	// Operation names the idempotent operation served by the matched route,
	// or "" when the route has none. Lookups are skipped for "".
	Operation func(c *gin.Context) string
}

// IdempotencyLookup reports whether a still-valid stored result exists for
// (scope, operation, key). Scope is the caller identity. Errors do not block
// the request.
type IdempotencyLookup func(ctx context.Context, scope, operation, key string, now time.Time) (exists bool, err error)

// OperationByRoute maps "METHOD /full/route/:param" to an operation name.
func OperationByRoute(routes map[string]string) func(*gin.Context) string {
	return func(c *gin.Context) string {
		return routes[c.Request.Method+" "+c.FullPath()]
	}
}

// IdempotencyValidator validates the Idempotency-Key header when present and
// flags replays found by lookup.
//
// Behavior:
//   - header absent: no-op (handlers may still take the key from the body)
//   - header malformed: 400 BAD_IDEMPOTENCY_KEY
//   - lookup hit: sets the replay and rate-bypass flags
func IdempotencyValidator(opts IdempotencyOptions, lookup IdempotencyLookup) gin.HandlerFunc {
	maxLen := opts.MaxLen
	if maxLen <= 0 {
		maxLen = 200
	}
	pat := opts.Pattern
	if pat == nil {
		pat = regexp.MustCompile(`^[A-Za-z0-9._~\-:]+$`)
	}

	return func(c *gin.Context) {
		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": c.Writer.Header().Get(requestIDHeader),
				"code":       "BAD_IDEMPOTENCY_KEY",
				"message":    "invalid Idempotency-Key",
			})
			return
		}
		c.Set(ctxKeyIdemKey, key)

		if lookup != nil && opts.Operation != nil {
			scope := Caller(c)
			if op := opts.Operation(c); op != "" && scope != "" {
				if exists, _ := lookup(c.Request.Context(), scope, op, key, time.Now().UTC()); exists {
					c.Set(ctxKeyIdemReplay, true)
					c.Set(ctxKeyRateBypass, true)
				}
			}
		}

		c.Next()
	}
}
