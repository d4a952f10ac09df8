package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// PII patterns applied to query strings and header values. UUIDs must be
// scrubbed before phone numbers; the phone pattern is loose enough to match
// the digit runs inside a UUID.
var (
	reUUID  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	reEmail = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	rePhone = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
)

func scrub(s string) string {
	if s == "" {
		return s
	}
	s = reUUID.ReplaceAllString(s, "[REDACTED:id]")
	s = reEmail.ReplaceAllString(s, "[REDACTED:email]")
	s = rePhone.ReplaceAllString(s, "[REDACTED:phone]")
	return s
}

// RedactOptions configures extra header masking for RedactingLogger.
// MaskHeaders is case-insensitive and merges with the built-in set
// (Authorization, Cookie, Set-Cookie). The router masks X-User-ID, the caller
// identity header, this way.
type RedactOptions struct {
	MaskHeaders []string
}

// RedactingLogger logs one structured line per request with PII scrubbed:
// masked headers are replaced wholesale with "[REDACTED]", everything else
// (query string included) goes through pattern redaction for emails, phone
// numbers, and UUID-shaped identifiers. Bodies are never logged.
//
// Level tracks the response status: info, warn at 4xx, error at 5xx. The
// request id is read from the response header when RequestID already stamped
// it, falling back to the request header.
//
// Scrubbing shrinks the leak surface, it does not eliminate it; clients
// should still keep PII out of query strings where they can.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	masked := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			masked[h] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		safeQuery := scrub(c.Request.URL.RawQuery)

		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			if _, ok := masked[strings.ToLower(k)]; ok {
				safeHeaders[k] = "[REDACTED]"
				continue
			}
			safeHeaders[k] = scrub(strings.Join(vv, ", "))
		}

		c.Next()

		reqID := c.Writer.Header().Get("X-Request-ID")
		if reqID == "" {
			reqID = c.GetHeader("X-Request-ID")
		}

		status := c.Writer.Status()
		ev := log.Info()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}

		ev.
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", safeQuery).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}
