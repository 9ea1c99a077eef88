// Package builderr defines the error taxonomy shared by every pipeline component.
//
// Each type wraps an underlying cause so callers can use errors.Is / errors.As
// across stage boundaries.
package builderr

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ConfigurationError reports a missing prerequisite path, tool or an invalid setting.
type ConfigurationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration")
	if e.Field != "" {
		b.WriteString(" (" + e.Field + ")")
	}
	b.WriteString(": " + e.Message)
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Configf is a shorthand for a ConfigurationError without a cause.
func Configf(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// FetchError reports a network or VCS failure while populating the artifact cache.
type FetchError struct {
	Name    string
	Locator string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s from %s: %v", e.Name, e.Locator, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// SandboxError reports a failure while setting up or using a chroot session.
type SandboxError struct {
	Root string
	Op   string
	Err  error
}

func (e *SandboxError) Error() string {
	return fmt.Sprintf("sandbox %s (%s): %v", e.Op, e.Root, e.Err)
}

func (e *SandboxError) Unwrap() error { return e.Err }

// StageError wraps any failure raised inside a stage body.
type StageError struct {
	Stage string
	Cause error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Cause)
}

func (e *StageError) Unwrap() error { return e.Cause }

// PermissionError reports a missing privilege detected before any side effect.
type PermissionError struct {
	Operation string
	Hint      string
}

func (e *PermissionError) Error() string {
	msg := fmt.Sprintf("%s requires root privileges", e.Operation)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

// PreconditionError reports an upstream artifact that is missing or empty.
type PreconditionError struct {
	Stage    string
	Requires string
	Path     string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("stage %s requires %s artifact: %s is missing or empty", e.Stage, e.Requires, e.Path)
}

// MissingSourceError reports a source tree that must be provided by the user.
type MissingSourceError struct {
	What string
	Path string
}

func (e *MissingSourceError) Error() string {
	return fmt.Sprintf("%s source not found at %s", e.What, e.Path)
}

// PatchError reports a textual patch whose anchor could not be matched exactly once.
type PatchError struct {
	Patch   string
	File    string
	Matches int
}

func (e *PatchError) Error() string {
	if e.Matches == 0 {
		return fmt.Sprintf("patch %q: anchor not found in %s (upstream source drifted?)", e.Patch, e.File)
	}
	return fmt.Sprintf("patch %q: anchor matched %d times in %s, want exactly 1", e.Patch, e.Matches, e.File)
}

// UsageError reports invalid command line input.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string { return e.Message }

// Exit codes returned by the archr binary.
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitUsage        = 2
	ExitConfig       = 3
	ExitPermission   = 4
	ExitPrecondition = 5
	ExitStageBase    = 10
	ExitInterrupted  = 130
)

// ExitCode maps an error to the process exit status. stageIndex resolves a stage
// name to its position in the pipeline order, or -1 when unknown.
func ExitCode(err error, stageIndex func(string) int) int {
	if err == nil {
		return ExitOK
	}

	var (
		usage   *UsageError
		cfgErr  *ConfigurationError
		permErr *PermissionError
		preErr  *PreconditionError
		stgErr  *StageError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.As(err, &usage):
		return ExitUsage
	case errors.As(err, &permErr):
		return ExitPermission
	case errors.As(err, &preErr):
		return ExitPrecondition
	case errors.As(err, &stgErr):
		if stageIndex != nil {
			if idx := stageIndex(stgErr.Stage); idx >= 0 {
				return ExitStageBase + idx
			}
		}
		return ExitFailure
	case errors.As(err, &cfgErr):
		return ExitConfig
	default:
		return ExitFailure
	}
}
