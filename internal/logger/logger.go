// Package logger hands out the process-wide zerolog logger, tagged per
// service, with an optional human-readable development mode.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	isDevelopment = false // if running in debug mode

	once sync.Once

	globalLogger zerolog.Logger
)

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
}

// GetLogger returns the shared logger tagged with the given service name.
// The first caller fixes the output format; development mode must be set
// before that.
func GetLogger(serviceName string) zerolog.Logger {

	once.Do(func() {

		if !isDevelopment {
			globalLogger = zerolog.New(os.Stderr).With().Timestamp().Str("service", serviceName).Logger()
			return
		}

		// Set up zerolog for development mode (human-readable logs)
		consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339,
			FormatLevel: func(i any) string {
				return strings.ToUpper(fmt.Sprintf("[%5s]", i))
			},
			FormatMessage: func(i any) string {
				return fmt.Sprintf("| %s |", i)
			},
			FormatCaller: func(i any) string {
				return filepath.Base(fmt.Sprintf("%s", i))
			},
			PartsExclude: []string{
				zerolog.TimestampFieldName,
			}}
		globalLogger = zerolog.New(consoleWriter).Level(zerolog.TraceLevel).With().Timestamp().Str("service", serviceName).Caller().Logger()
	})

	return globalLogger.With().Str("service", serviceName).Logger()
}

func SetDevelopment(value bool) {
	isDevelopment = value
}
