// Package logging provides a configured zerolog logger for sigresolve.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// New returns a zerolog.Logger tagged with the given service name, writing
// structured JSON to stdout.
func New(serviceName string) zerolog.Logger {
	return zerolog.New(os.Stdout).With().
		Str("service", serviceName).
		Timestamp().
		Logger()
}
