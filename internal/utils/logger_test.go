package utils

import (
	"bytes"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
)

func TestGetLoggerTagsComponent(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	defer SetLogOutput(os.Stderr)

	l := GetLogger("metrics")
	l.Info().Str("op", "metrics/listen").Msg("serving")
	out := buf.String()
	assert.Contains(t, out, "serving")
	// field names are colorized, so check names and values apart
	assert.Contains(t, out, "component")
	assert.Contains(t, out, "metrics/listen")
}

func TestInitLoggerLevel(t *testing.T) {
	defer InitLogger(false)

	InitLogger(true)
	assert.Equal(t, zerolog.DebugLevel, log.Logger.GetLevel())
	InitLogger(false)
	assert.Equal(t, zerolog.InfoLevel, log.Logger.GetLevel())
	// the global level stays open so session loggers can record debug lines
	assert.LessOrEqual(t, zerolog.GlobalLevel(), zerolog.DebugLevel)
}
