package userbase

import (
	"log"
	"os"
)

// Logger is the minimal surface this package logs through, satisfied
// directly by *log.Logger (SPEC_FULL.md §10, Logging). Hosts that want
// structured logging can adapt their own logger to this interface.
type Logger interface {
	Printf(format string, v ...any)
}

func defaultLogger() Logger {
	return log.New(os.Stderr, "[userbase] ", log.LstdFlags)
}
