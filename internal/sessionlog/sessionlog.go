package sessionlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	filePrefix  = "ollama_download_"
	fileExt     = ".log"
	stampFormat = "20060102_150405"
)

// TimeFormat prefixes every line written to a session log.
const TimeFormat = "2006-01-02 15:04:05"

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// Log is the append-only text log of one session.
type Log struct {
	Path   string
	Logger zerolog.Logger
	file   *os.File
}

// FileName derives the log file name for a model and session start time.
func FileName(model string, start time.Time) string {
	return filePrefix + SanitizeModel(model) + "_" + start.Format(stampFormat) + fileExt
}

// SanitizeModel makes a model identifier safe for use in a file name.
// Registry separators, tags and whitespace become underscores.
func SanitizeModel(model string) string {
	s := unsafeChars.ReplaceAllString(strings.TrimSpace(model), "_")
	s = strings.Trim(s, "_.")
	if s == "" {
		return "model"
	}
	return s
}

// Open creates the session log under dir. The file records every level
// down to Debug; extra writers are formatted the same way but only receive
// Info and above, so parse anomalies and other detail stay file-only.
func Open(dir, model string, start time.Time, extra ...io.Writer) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating log directory: %w", err)
	}
	path := filepath.Join(dir, FileName(model, start))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("error opening session log: %w", err)
	}

	writers := []io.Writer{plainWriter(f)}
	for _, w := range extra {
		if w != nil {
			writers = append(writers, &zerolog.FilteredLevelWriter{
				Writer: zerolog.LevelWriterAdapter{Writer: plainWriter(w)},
				Level:  zerolog.InfoLevel,
			})
		}
	}
	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(zerolog.DebugLevel).
		With().Timestamp().Str("model", model).Logger()
	return &Log{Path: path, Logger: logger, file: f}, nil
}

func plainWriter(w io.Writer) zerolog.ConsoleWriter {
	return zerolog.ConsoleWriter{
		Out:           w,
		NoColor:       true,
		TimeFormat:    TimeFormat,
		PartsExclude:  []string{zerolog.CallerFieldName},
		FieldsExclude: []string{"model", "op"},
	}
}

// Close flushes and closes the file. It is safe to call more than once.
func (l *Log) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	if err != nil {
		return fmt.Errorf("error closing session log: %w", err)
	}
	return nil
}

// Prune removes session logs in dir last modified before cutoff and
// returns the paths it removed.
func Prune(dir string, cutoff time.Time) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("error reading log directory: %w", err)
	}
	var removed []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, name)
		if err := os.Remove(path); err != nil {
			return removed, fmt.Errorf("error removing %s: %w", path, err)
		}
		removed = append(removed, path)
	}
	return removed, nil
}
