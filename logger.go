package regtest

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// logMu guards defaultLog.
	logMu sync.RWMutex

	// defaultLog is copied into every Bitcoind built without WithLogger.
	defaultLog = newConsoleLogger(os.Stderr, false)
)

func newConsoleLogger(out io.Writer, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	return zerolog.New(zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}).
		Level(level).
		With().
		Timestamp().
		Str("component", "bitcoind").
		Logger()
}

// InitLogger resets the package logger to a console logger on stderr.
// debug lowers the level to include image pull progress.
func InitLogger(debug bool) {
	SetLogger(newConsoleLogger(os.Stderr, debug))
}

// SetLogger replaces the package logger. Pass zerolog.Nop() to silence it.
func SetLogger(l zerolog.Logger) {
	logMu.Lock()
	defer logMu.Unlock()
	defaultLog = l
}

func packageLogger() zerolog.Logger {
	logMu.RLock()
	defer logMu.RUnlock()
	return defaultLog
}
