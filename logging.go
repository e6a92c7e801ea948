package teemo

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Ambient internal logging, independent of the user-facing verbose
// callback (Options.Verbose). Grounded in Tanq16/danzo's
// utils/logger.go: a console writer, a global level switch via
// zerolog.SetGlobalLevel, and per-component child loggers derived from a
// shared base logger via Str("component", ...). The level lives in
// zerolog's global atomic, not baked into any particular Logger value, so
// toggling it affects every component logger already handed out —
// including entryLog/sliceManagerLog, which are created once at package
// load time.
var baseLogger = zerolog.New(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: time.RFC3339,
}).With().Timestamp().Logger()

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

// SetDebugLogging toggles the package's internal zerolog output. Disabled
// by default so embedding applications aren't surprised by console noise;
// library users who want internal tracing call this once during
// GlobalInit.
func SetDebugLogging(enabled bool) {
	if enabled {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		return
	}
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

func componentLogger(component string) zerolog.Logger {
	return baseLogger.With().Str("component", component).Logger()
}
