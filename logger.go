package framepipe

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the package-wide logging extension point. It intentionally
// exposes a single printf-style method so that callers can plug in whatever
// logging stack their application already uses.
type Logger interface {
	Printf(format string, v ...any)
}

// pkgLogger is the process-wide logger used for warnings the package itself
// needs to surface (handler panics, failed capture property sets).
// Status events travel through StatusBus instead; this is only for things
// that would otherwise be silently swallowed.
var pkgLogger Logger = zerologAdapter{logger: zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()}

// SetLogger replaces the package-wide logger. Safe to call once at startup,
// before any Pipeline is constructed.
func SetLogger(logger Logger) {
	pkgLogger = logger
}

type zerologAdapter struct {
	logger zerolog.Logger
}

func (z zerologAdapter) Printf(format string, v ...any) {
	z.logger.Warn().Msgf(format, v...)
}
