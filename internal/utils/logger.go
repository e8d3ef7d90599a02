package utils

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var logLevel = zerolog.InfoLevel

// InitLogger configures the process-wide diagnostic logger on stderr. The
// level is set on that logger only so session logs keep their own verbosity.
func InitLogger(debug bool) {
	logLevel = zerolog.InfoLevel
	if debug {
		logLevel = zerolog.DebugLevel
	}
	SetLogOutput(os.Stderr)
}

func GetLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

func SetLogOutput(w io.Writer) {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.DateTime,
	}
	log.Logger = zerolog.New(output).Level(logLevel).With().Timestamp().Logger()
}
