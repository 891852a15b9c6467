package build

import (
	"github.com/decred/slog"
)

// NewSubLogger constructs a new subsystem log from the current LogWriter
// implementation. This is primarily intended for use with stdlog, as the
// actual writer is shared amongst all instantiations.
func NewSubLogger(subsystem string,
	genSubLogger func(string) slog.Logger) slog.Logger {

	if genSubLogger != nil {
		return genSubLogger(subsystem)
	}

	return slog.Disabled
}
