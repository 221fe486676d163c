package errors

import (
	"github.com/sirupsen/logrus"
)

// LogFields returns the structured fields carried by an EngineError, for
// attaching to a logrus entry. Returns nil for plain errors.
func LogFields(err error) logrus.Fields {
	engineErr, ok := err.(*EngineError)
	if !ok {
		return nil
	}

	fields := logrus.Fields{
		"error_code": engineErr.Code,
		"retryable":  engineErr.Retryable,
	}
	for k, v := range engineErr.Context {
		fields[k] = v
	}
	return fields
}

// LogError logs err at error level with its structured context attached
func LogError(logger *logrus.Logger, err error, message string) {
	entry := logger.WithError(err)
	if fields := LogFields(err); fields != nil {
		entry = entry.WithFields(fields)
	}
	entry.Error(message)
}

// LogTransient logs retryable errors at warn level, terminal ones at error level
func LogTransient(logger *logrus.Logger, err error, message string) {
	entry := logger.WithError(err)
	if fields := LogFields(err); fields != nil {
		entry = entry.WithFields(fields)
	}
	if IsRetryable(err) {
		entry.Warn(message)
		return
	}
	entry.Error(message)
}
