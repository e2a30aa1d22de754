// Package logging builds the *log.Logger used by both partsync
// binaries, rotating to disk via lumberjack when a log file is
// configured and falling back to stderr otherwise.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// New returns a prefixed logger. If path is non-empty, output is
// written to a rotating log file (100MB per file, 5 backups, 28 days)
// as well as stderr; otherwise it goes to stderr alone.
func New(prefix, path string) *log.Logger {
	var w io.Writer = os.Stderr
	if path != "" {
		rotator := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
			Compress:   true,
		}
		w = io.MultiWriter(os.Stderr, rotator)
	}
	return log.New(w, prefix, log.LstdFlags)
}
