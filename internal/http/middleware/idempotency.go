// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements Idempotency-Key support for POST /identify. A client
// that retries an identify call with the same key gets the cluster that the
// first call settled on instead of re-running reconciliation. The key is
// scoped to the client IP, narrowed further by the X-Client-ID header.
//
// Downstream handlers read the stashed state through:
//   - GetIdempotencyKey: the validated key
//   - ClientID: the caller scope the key belongs to
//   - ReplayTarget: the primary contact id recorded for a replay
package middleware

import (
	"context"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// HeaderIdempotencyKey is the request header carrying the idempotency key.
const HeaderIdempotencyKey = "Idempotency-Key"

// HeaderClientID optionally names the calling client. It partitions keys
// between clients sharing an IP and is never trusted on its own.
const HeaderClientID = "X-Client-ID"

const (
	ctxKeyIdemKey    = "idem.key"
	ctxKeyIdemReplay = "idem.replay" // int64: primary contact id to replay
	ctxKeyClientID   = "idem.client"
)

const maxClientIDLen = 128

// GetIdempotencyKey returns the validated idempotency key stored by
// IdempotencyValidator. The second return value indicates presence.
func GetIdempotencyKey(c *gin.Context) (string, bool) {
	v, ok := c.Get(ctxKeyIdemKey)
	if !ok {
		return "", false
	}
	s, _ := v.(string)
	return s, s != ""
}

// ReplayTarget returns the primary contact id recorded for this request's
// idempotency key, if the lookup found one.
func ReplayTarget(c *gin.Context) (int64, bool) {
	v, ok := c.Get(ctxKeyIdemReplay)
	if !ok {
		return 0, false
	}
	id, _ := v.(int64)
	return id, id > 0
}

// IsReplay reports whether ReplayTarget would return a contact.
func IsReplay(c *gin.Context) bool {
	_, ok := ReplayTarget(c)
	return ok
}

// ClientID returns the caller scope used for idempotency records:
// "ip:<ClientIP>", suffixed with "|client:<X-Client-ID>" when the header is
// usable. Sending another caller's X-Client-ID from a different address
// therefore never reaches their records.
func ClientID(c *gin.Context) string {
	if v, ok := c.Get(ctxKeyClientID); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	scope := "ip:" + c.ClientIP()
	id := strings.TrimSpace(c.GetHeader(HeaderClientID))
	if id != "" && len(id) <= maxClientIDLen {
		scope += "|client:" + id
	}
	return scope
}

// IdempotencyOptions configures header validation for IdempotencyValidator.
// Expiry is enforced by the lookup.
type IdempotencyOptions struct {
	// MaxLen caps the accepted key length. Values <= 0 default to 200.
	MaxLen int
	// Pattern restricts allowed characters. Defaults to ^[A-Za-z0-9._~\-:]+$
	Pattern *regexp.Regexp
}

// IdempotencyLookup returns the primary contact id recorded for
// (clientID, key) if an unexpired record exists at now.
type IdempotencyLookup func(ctx context.Context, clientID, key string, now time.Time) (primaryID int64, ok bool, err error)

// IdempotencyValidator validates the Idempotency-Key header on unsafe methods,
// stashes it with the caller scope, and consults lookup for a prior result.
//
//   - Safe methods and requests without the header pass through untouched.
//   - A malformed key is rejected with 400 bad_idempotency_key.
//   - A lookup hit marks the request as a replay. Lookup errors are logged
//     and the request proceeds normally.
//
// The lookup touches the store, so mount the rate limiter first.
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
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}

		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxLen || !pat.MatchString(key) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"request_id": RequestIDFrom(c),
				"code":       "bad_idempotency_key",
				"message":    "invalid Idempotency-Key",
			})
			return
		}

		client := ClientID(c)
		c.Set(ctxKeyIdemKey, key)
		c.Set(ctxKeyClientID, client)

		if lookup != nil {
			id, ok, err := lookup(c.Request.Context(), client, key, time.Now().UTC())
			switch {
			case err != nil:
				LoggerFrom(c).Warn().Err(err).Msg("idempotency lookup failed")
			case ok && id > 0:
				c.Set(ctxKeyIdemReplay, id)
			}
		}

		c.Next()
	}
}
