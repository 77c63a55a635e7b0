package obs

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// NewLogger builds the process logger. Dev environments and LOG_FORMAT=console get the
// human readable writer, everything else emits one JSON object per line.
func NewLogger(env, level, format string) zerolog.Logger {
	var w io.Writer = os.Stdout
	if env == "dev" || strings.EqualFold(format, "console") {
		w = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(w).Level(lvl).With().Timestamp().Str("app", "booking-sync").Logger()
}
