// Package logging builds the console loggers used by the binaries.
package logging

import (
	"strings"

	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
	"github.com/nuclio/zap"
)

// ParseLevel maps "debug", "info", "warn" and "error" (case-insensitive) to a zap level.
// The empty string means debug.
func ParseLevel(name string) (nucliozap.Level, error) {
	switch strings.ToLower(name) {
	case "", "debug":
		return nucliozap.DebugLevel, nil
	case "info":
		return nucliozap.InfoLevel, nil
	case "warn", "warning":
		return nucliozap.WarnLevel, nil
	case "error":
		return nucliozap.ErrorLevel, nil
	}
	return nucliozap.DebugLevel, errors.Errorf("Unknown log level: %s", name)
}

// New creates a console logger.
func New(name string, levelName string) (logger.Logger, error) {
	level, err := ParseLevel(levelName)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to parse log level")
	}

	loggerInstance, err := nucliozap.NewNuclioZapCmd(name, level)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create logger")
	}

	return loggerInstance, nil
}
