package holdd

import (
	"fmt"

	"github.com/decred/slog"
	"github.com/matheusd/holdd/build"
	"github.com/matheusd/holdd/channeldb"
	"github.com/matheusd/holdd/holdrpc"
	"github.com/matheusd/holdd/invoices"
	"github.com/matheusd/holdd/lndclient"
)

// logWriter is the root log writer all subsystem loggers write through. It
// writes to stdout and, once the config is loaded, to a rotated log file.
var logWriter = build.NewRotatingLogWriter()

// log is the logger of the top level daemon subsystem.
var log = build.NewSubLogger("HLDD", logWriter.GenSubLogger)

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]slog.Logger{
	"HLDD": log,
	"CHDB": build.NewSubLogger("CHDB", logWriter.GenSubLogger),
	"INVR": build.NewSubLogger("INVR", logWriter.GenSubLogger),
	"LNDC": build.NewSubLogger("LNDC", logWriter.GenSubLogger),
	"RPCS": build.NewSubLogger("RPCS", logWriter.GenSubLogger),
}

func init() {
	channeldb.UseLogger(subsystemLoggers["CHDB"])
	invoices.UseLogger(subsystemLoggers["INVR"])
	lndclient.UseLogger(subsystemLoggers["LNDC"])
	holdrpc.UseLogger(subsystemLoggers["RPCS"])
}

// setLogLevels sets the log level of all subsystem loggers to the provided
// level name.
func setLogLevels(levelName string) error {
	level, ok := slog.LevelFromString(levelName)
	if !ok {
		return fmt.Errorf("unknown log level: %v", levelName)
	}

	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}

	return nil
}
