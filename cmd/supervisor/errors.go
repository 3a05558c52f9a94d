package main

import (
	"errors"

	"github.com/mlgridengine/supervisor/internal/supervisor"
)

// configError marks a failure that occurred before the child was ever
// spawned — bad flags, a pre-existing status file, an invalid buffer
// size. These exit with the configuration-failure code; anything else
// exits with the runtime-failure code.
type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

func wrapConfigError(err error) error {
	if err == nil {
		return nil
	}
	return &configError{err: err}
}

const (
	exitSuccess = 0
	exitRuntimeFailure = 1
	exitConfigFailure  = 2
)

// exitCodeFor maps an error from rootCmd.Execute to the process exit
// code: configuration errors are distinguished from runtime failures.
func exitCodeFor(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ce *configError
	if errors.As(err, &ce) {
		return exitConfigFailure
	}
	var sce *supervisor.ConfigError
	if errors.As(err, &sce) {
		return exitConfigFailure
	}
	return exitRuntimeFailure
}
