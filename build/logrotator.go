package build

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// RotatingLogWriter is a wrapper around a log backend that supports log file
// rotation.
type RotatingLogWriter struct {
	// GenSubLogger is a function that returns a new logger for a subsystem
	// belonging to the current RotatingLogWriter.
	GenSubLogger func(string) slog.Logger

	logWriter *LogWriter

	backendLog *slog.Backend

	logRotator *rotator.Rotator
}

// NewRotatingLogWriter creates a new file rotating log writer.
//
// NOTE: `InitLogRotator` must be called to set up log rotation after creating
// the writer.
func NewRotatingLogWriter() *RotatingLogWriter {
	logWriter := &LogWriter{}
	backendLog := slog.NewBackend(logWriter)
	return &RotatingLogWriter{
		GenSubLogger: backendLog.Logger,
		logWriter:    logWriter,
		backendLog:   backendLog,
	}
}

// InitLogRotator initializes the log file rotator to write logs to logFile
// and create roll files in the same directory. It should be called as early
// on startup as possible and must be closed on shutdown by calling `Close`.
func (r *RotatingLogWriter) InitLogRotator(logFile string, maxLogFileSize int,
	maxLogFiles int) error {

	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		return fmt.Errorf("failed to create log directory: %v", err)
	}
	r.logRotator, err = rotator.New(
		logFile, int64(maxLogFileSize*1024), false, maxLogFiles,
	)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %v", err)
	}

	// Redirect the log writer to the rotator as well from now on.
	r.logWriter.RotatorPipe = r.logRotator

	return nil
}

// Close closes the underlying log rotator if it has already been created.
func (r *RotatingLogWriter) Close() error {
	if r.logRotator != nil {
		return r.logRotator.Close()
	}
	return nil
}

// LogWriter is an io.Writer that writes log output to stdout and, once set
// up, to the log rotator.
type LogWriter struct {
	// RotatorPipe is the write-end pipe for writing to the log rotator.
	RotatorPipe io.Writer
}

// Write writes the byte slice to stdout and to the log rotator, when present.
func (w *LogWriter) Write(b []byte) (int, error) {
	os.Stdout.Write(b)
	if w.RotatorPipe != nil {
		w.RotatorPipe.Write(b)
	}
	return len(b), nil
}
