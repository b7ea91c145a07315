package middleware

import (
	"time"

	"github.com/fox-gonic/fox"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RequestLog logs every request once it has been served. Server errors are
// logged at warn level, everything else at debug.
func RequestLog(c *fox.Context) {
	start := time.Now()
	c.Next()

	status := c.Writer.Status()
	level := zerolog.DebugLevel
	if status >= 500 {
		level = zerolog.WarnLevel
	}
	log.WithLevel(level).
		Str("method", c.Request.Method).
		Str("path", c.Request.URL.Path).
		Int("status", status).
		Dur("latency", time.Since(start)).
		Str("client_ip", c.ClientIP()).
		Msg("http request")
}
