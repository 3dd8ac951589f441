package invokerpm

import "errors"

// Error categories. Specific errors wrap one of these so callers can classify
// failures with errors.Is without depending on the exact message.
var (
	// ErrPath indicates a missing or invalid filesystem location.
	ErrPath = errors.New("path error")

	// ErrHTTP indicates a non-2xx response or a network failure talking to
	// an upstream repository.
	ErrHTTP = errors.New("http error")

	// ErrCache indicates a cache entry was absent or malformed when an
	// operation required it to exist.
	ErrCache = errors.New("cache error")

	// ErrValidation indicates rejected input: name conflicts, packages that
	// are not installed, no update available, or a script failing validation.
	ErrValidation = errors.New("validation error")

	// ErrExecution indicates a failure in surrounding tooling propagated
	// through this core.
	ErrExecution = errors.New("execution error")
)
