package middleware

// This file provides baseline security headers for the ops endpoints. The
// server is read-only and unauthenticated, so the headers only stop
// browsers from sniffing, framing or caching its answers.

import (
	"github.com/gin-gonic/gin"
)

// SecurityOptions selects the optional headers of SecurityHeaders.
type SecurityOptions struct {
	NoStore bool // Cache-Control: no-store on every response
}

// SecurityHeaders returns middleware that sets hardening headers.
//
// Behavior:
//   - Always sets:
//     X-Content-Type-Options: nosniff
//     X-Frame-Options: DENY
//     Referrer-Policy: no-referrer
//   - Optionally sets (when NoStore):
//     Cache-Control: no-store
//     Pragma: no-cache
//
// The ops endpoints expose poller state and the seen-set, so NoStore is on
// in the router.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		if opt.NoStore {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
		}
		c.Next()
	}
}
