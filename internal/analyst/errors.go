package analyst

import "errors"

// ErrJobNotFound is returned by registries for unknown job IDs.
var ErrJobNotFound = errors.New("regional job not found")

// ErrObjectNotFound is returned by blob stores for missing paths.
var ErrObjectNotFound = errors.New("object not found")

// ErrInvalidWorkItem wraps validation failures of a work descriptor.
var ErrInvalidWorkItem = errors.New("invalid work item")

// ErrRetry marks a message-handling failure that redelivery may fix.
var ErrRetry = errors.New("retryable failure")
