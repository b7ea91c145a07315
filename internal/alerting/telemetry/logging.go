package telemetry

import (
	"fmt"
	"os"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetupLogging configures the global zerolog logger.
func SetupLogging(level, format, role, cluster string) {
	switch strings.ToLower(level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	zerolog.TimeFieldFormat = time.RFC3339
	var base zerolog.Logger
	if strings.EqualFold(format, "console") {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		base = zerolog.New(os.Stderr)
	}
	log.Logger = base.With().Timestamp().Str("role", role).Str("cluster", cluster).Logger()
}

// OnceLogger logs a given key at most once per window.
type OnceLogger struct {
	seen *gocache.Cache
}

func NewOnceLogger(window time.Duration) *OnceLogger {
	if window <= 0 {
		window = time.Hour
	}
	return &OnceLogger{seen: gocache.New(window, 2*window)}
}

// Allow reports whether key has not been logged within the window, and marks it.
func (o *OnceLogger) Allow(key string) bool {
	return o.seen.Add(key, struct{}{}, gocache.DefaultExpiration) == nil
}

// ConfigError logs a configuration error of a strategy at most once per window.
func (o *OnceLogger) ConfigError(strategyID int64, op string, err error) {
	if !o.Allow(fmt.Sprintf("%d:%s", strategyID, op)) {
		return
	}
	log.Error().Err(err).Int64("strategy_id", strategyID).Str("op", op).Msg("configuration error, item dropped")
}
