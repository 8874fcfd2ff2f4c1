package orchestrator

import (
	"context"
	"errors"

	"github.com/JakeFAU/dsl-png-renderer/internal/browser"
	"github.com/JakeFAU/dsl-png-renderer/internal/cache"
	"github.com/JakeFAU/dsl-png-renderer/internal/dsl"
	"github.com/JakeFAU/dsl-png-renderer/internal/jobs"
	"github.com/JakeFAU/dsl-png-renderer/internal/render"
)

var (
	// ErrCancelled is returned for jobs stopped by Cancel or by their caller.
	ErrCancelled = errors.New("job cancelled")
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
	// ErrNotCancellable is returned when cancelling a finished job.
	ErrNotCancellable = errors.New("job is not cancellable")
	// ErrUnknownMode is returned for submission modes other than sync/async.
	ErrUnknownMode = errors.New("unknown submission mode")
	// ErrCompile wraps HTML compilation failures.
	ErrCompile = errors.New("compile document")
)

// Error codes reported on failed jobs.
const (
	CodeParse        = "parse_error"
	CodeValidation   = "validation_error"
	CodeCompile      = "compile_error"
	CodeExhausted    = "pool_exhausted"
	CodeCircuitOpen  = "circuit_open"
	CodeUnavailable  = "unavailable"
	CodeQueueFull    = "queue_full"
	CodeTimeout      = "render_timeout"
	CodeRenderFailed = "render_failed"
	CodeStorage      = "storage_error"
	CodeCancelled    = "cancelled"
	CodeInternal     = "internal_error"
)

// IsTransient reports whether a render attempt failing with err may succeed
// when tried again. An open circuit is not transient: retrying would only
// keep load on a failing engine.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, browser.ErrCircuitOpen) || errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return false
	}
	return errors.Is(err, browser.ErrPoolExhausted) ||
		errors.Is(err, render.ErrRenderTimeout) ||
		errors.Is(err, render.ErrEngineCrash)
}

// ErrorCode maps err onto the stable code clients see.
func ErrorCode(err error) string {
	var parseErr *dsl.ParseError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.As(err, &parseErr):
		return CodeParse
	case errors.Is(err, dsl.ErrInvalidDocument), errors.Is(err, render.ErrInvalidOptions):
		return CodeValidation
	case errors.Is(err, ErrCompile):
		return CodeCompile
	case errors.Is(err, browser.ErrCircuitOpen):
		return CodeCircuitOpen
	case errors.Is(err, browser.ErrPoolExhausted):
		return CodeExhausted
	case errors.Is(err, browser.ErrPoolClosed), errors.Is(err, jobs.ErrQueueClosed):
		return CodeUnavailable
	case errors.Is(err, jobs.ErrQueueFull):
		return CodeQueueFull
	case errors.Is(err, render.ErrRenderTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, render.ErrEngineCrash):
		return CodeRenderFailed
	case errors.Is(err, cache.ErrStorage):
		return CodeStorage
	default:
		return CodeInternal
	}
}

func errorInfo(err error) *jobs.ErrorInfo {
	return &jobs.ErrorInfo{Code: ErrorCode(err), Message: err.Error()}
}
