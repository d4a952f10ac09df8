package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const defaultHSTSMaxAge = 180 * 24 * time.Hour

// SecurityOptions configures the hardening headers emitted by
// SecurityHeaders.
//
// EnableHSTS emits Strict-Transport-Security for HTTPS requests only; leave
// it off unless traffic is HTTPS end-to-end, proxy hop included. NoStore adds
// Cache-Control: no-store for responses that must never be cached.
// EnablePolicy sends browser feature policies; non-browser clients (the sync
// client in particular) ignore them.
type SecurityOptions struct {
	EnableHSTS   bool
	HSTSMaxAge   time.Duration
	NoStore      bool
	EnablePolicy bool
}

// SecurityHeaders returns middleware that attaches a conservative header set
// for a JSON API behind a reverse proxy. It always sets nosniff, frame denial,
// and a no-referrer policy; the rest is controlled by SecurityOptions. When an
// X-Request-ID header is already present on the response, it is added to
// Access-Control-Expose-Headers so browser clients can correlate requests
// with server logs.
//
// No Content-Security-Policy is emitted; this service serves no HTML.
func SecurityHeaders(opt SecurityOptions) gin.HandlerFunc {
	maxAge := opt.HSTSMaxAge
	if maxAge <= 0 {
		maxAge = defaultHSTSMaxAge
	}
	hstsValue := "max-age=" + strconv.Itoa(int(maxAge.Seconds())) + "; includeSubDomains; preload"

	return func(c *gin.Context) {
		h := c.Writer.Header()

		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")

		if opt.EnablePolicy {
			h.Set("Permissions-Policy", "geolocation=(), microphone=(), camera=(), payment=()")
			h.Set("X-Permitted-Cross-Domain-Policies", "none")
		}

		if opt.NoStore {
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Expires", "0")
		}

		// HSTS on HTTPS traffic only; emitting it over plain HTTP is
		// meaningless and can poison local setups.
		if opt.EnableHSTS && isHTTPS(c.Request) {
			h.Set("Strict-Transport-Security", hstsValue)
		}

		if rid := h.Get("X-Request-ID"); rid != "" {
			const expose = "Access-Control-Expose-Headers"
			switch cur := h.Get(expose); {
			case cur == "":
				h.Set(expose, "X-Request-ID")
			case !strings.Contains(cur, "X-Request-ID"):
				h.Set(expose, cur+", X-Request-ID")
			}
		}

		c.Next()
	}
}

// isHTTPS reports whether the request arrived over TLS, either directly or
// via a proxy that set X-Forwarded-Proto.
func isHTTPS(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}
