// Package errors funnels process-level failures from listd's long-running
// components into a single exit path for cmd/listd.
package errors

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/migadu/listd/logger"
)

// Exit codes used by cmd/listd.
const (
	ExitOK        = 0
	ExitFatal     = 1
	ExitConfig    = 2
	ExitMigration = 3
)

type GracefulError struct {
	Operation string
	Err       error
}

func (g *GracefulError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", g.Operation, g.Err)
}

func (g *GracefulError) Unwrap() error {
	return g.Err
}

func NewGracefulError(operation string, err error) *GracefulError {
	return &GracefulError{Operation: operation, Err: err}
}

// ErrorHandler collects the first fatal condition reported by any component.
type ErrorHandler struct {
	exitChannel chan int
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{exitChannel: make(chan int, 1)}
}

func (eh *ErrorHandler) signal(code int) {
	select {
	case eh.exitChannel <- code:
	default:
	}
}

func (eh *ErrorHandler) FatalError(operation string, err error) {
	logger.Error("Fatal error", "error", NewGracefulError(operation, err))
	eh.signal(ExitFatal)
}

func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if errors.Is(err, os.ErrNotExist) {
		logger.Error("Configuration file not found", "path", configPath, "error", err)
	} else {
		logger.Error("Failed to parse configuration file", "path", configPath, "error", err)
	}
	eh.signal(ExitConfig)
}

func (eh *ErrorHandler) ValidationError(field string, err error) {
	logger.Error("Invalid configuration", "field", field, "error", err)
	eh.signal(ExitConfig)
}

func (eh *ErrorHandler) MigrationError(err error) {
	logger.Error("Schema migration failed", "error", err)
	eh.signal(ExitMigration)
}

func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

func (eh *ErrorHandler) WaitForExitWithTimeout(timeout time.Duration) (int, bool) {
	select {
	case code := <-eh.exitChannel:
		return code, true
	case <-time.After(timeout):
		return 0, false
	}
}

// Done exposes the exit channel so callers can select on it next to a signal channel.
func (eh *ErrorHandler) Done() <-chan int {
	return eh.exitChannel
}
