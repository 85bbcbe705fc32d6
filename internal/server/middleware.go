package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// headerRequestID is the correlation header honored on requests and set on
// every response.
const headerRequestID = "X-Request-ID"

// ctxRequestID is the gin context key the request logger reads.
const ctxRequestID = "request_id"

// RequestID tags each request with a correlation id. A caller-supplied
// X-Request-ID is kept so ids survive proxy hops; otherwise a fresh UUID is
// generated. The id is echoed on the response and stashed in the context
// for the request logger.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

// RequestLogger emits one structured line per completed request. Probe
// endpoints stay quiet so health checks do not flood the log. Status picks
// the level: 5xx logs as error, 4xx as warn, everything else as info.
func RequestLogger(log zerolog.Logger) gin.HandlerFunc {
	log = log.With().Str("subsystem", "http").Logger()
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/health" || path == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		evt := log.Info()
		switch {
		case status >= 500:
			evt = log.Error()
		case status >= 400:
			evt = log.Warn()
		}
		evt.Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("request_id", c.GetString(ctxRequestID)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}
