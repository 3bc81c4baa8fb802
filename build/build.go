// Package build hands out per-subsystem loggers and carries the
// binary's version string.
package build

import (
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/swapd/build/swaplog"
)

// subsystemLoggers holds every logger handed out by AddSubLogger
var subsystemLoggers = map[string]*swaplog.Logger{}

// AddSubLogger creates a logger that tags every line with the given
// subsystem code. Called from package-level var declarations, so it
// must not fail.
func AddSubLogger(subsystem string) *swaplog.Logger {
	logger := swaplog.New(subsystem)
	subsystemLoggers[subsystem] = logger
	return logger
}

// SetLogLevels applies the given level to every registered subsystem
func SetLogLevels(level logrus.Level) {
	for _, logger := range subsystemLoggers {
		logger.SetLevel(level)
	}
}

// SetLogFile makes every registered subsystem also log to the given
// file, in addition to stdout
func SetLogFile(file string) error {
	for _, logger := range subsystemLoggers {
		if err := logger.SetLogFile(file); err != nil {
			return err
		}
	}
	return nil
}
