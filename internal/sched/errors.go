package sched

import "fmt"

// capacityExceededError signals that a model is at its concurrency limit.
// Non-fatal: the scheduler absorbs it by queueing.
type capacityExceededError struct{ model string }

func (e capacityExceededError) Error() string { return "capacity exceeded for model " + e.model }

// ErrCapacityExceeded constructs a capacityExceededError.
func ErrCapacityExceeded(model string) error { return capacityExceededError{model: model} }

// IsCapacityExceeded reports whether err indicates a model at capacity.
func IsCapacityExceeded(err error) bool {
	_, ok := err.(capacityExceededError)
	return ok
}

// queueTimeoutError signals that a queued request expired before a slot freed.
// Maps to 429 at the HTTP layer.
type queueTimeoutError struct{ model string }

func (e queueTimeoutError) Error() string { return "queue timeout for model " + e.model }

// ErrQueueTimeout constructs a queueTimeoutError.
func ErrQueueTimeout(model string) error { return queueTimeoutError{model: model} }

// IsQueueTimeout reports whether err indicates a queue wait expired.
func IsQueueTimeout(err error) bool {
	_, ok := err.(queueTimeoutError)
	return ok
}

// queueFullError signals the waiting set is at max depth.
type queueFullError struct{ model string }

func (e queueFullError) Error() string { return "queue full, rejecting request for model " + e.model }

// IsQueueFull reports whether err indicates queue overflow.
func IsQueueFull(err error) bool {
	_, ok := err.(queueFullError)
	return ok
}

// modelLoadFailureError wraps a failure to make a model's weights resident.
type modelLoadFailureError struct {
	model string
	cause error
}

func (e modelLoadFailureError) Error() string {
	return fmt.Sprintf("model load failed for %s: %v", e.model, e.cause)
}

func (e modelLoadFailureError) Unwrap() error { return e.cause }

// ErrModelLoadFailure constructs a modelLoadFailureError.
func ErrModelLoadFailure(model string, cause error) error {
	return modelLoadFailureError{model: model, cause: cause}
}

// IsModelLoadFailure reports whether err indicates a failed model load.
func IsModelLoadFailure(err error) bool {
	_, ok := err.(modelLoadFailureError)
	return ok
}

// gpuAllocationError signals that no device could host the request.
type gpuAllocationError struct{ reason string }

func (e gpuAllocationError) Error() string { return "gpu allocation failed: " + e.reason }

// ErrGPUAllocation constructs a gpuAllocationError.
func ErrGPUAllocation(reason string) error { return gpuAllocationError{reason: reason} }

// IsGPUAllocationFailure reports whether err indicates device selection failed.
func IsGPUAllocationFailure(err error) bool {
	_, ok := err.(gpuAllocationError)
	return ok
}

// executorError wraps a failure raised by the model executor during invocation.
type executorError struct {
	model string
	cause error
}

func (e executorError) Error() string {
	return fmt.Sprintf("executor invocation failed for %s: %v", e.model, e.cause)
}

func (e executorError) Unwrap() error { return e.cause }

// ErrExecutor constructs an executorError.
func ErrExecutor(model string, cause error) error { return executorError{model: model, cause: cause} }

// IsExecutorError reports whether err originated in the executor.
func IsExecutorError(err error) bool {
	_, ok := err.(executorError)
	return ok
}

// unknownServiceError signals a request named a service with no configured policy.
type unknownServiceError struct{ service string }

func (e unknownServiceError) Error() string { return "unknown service: " + e.service }

// ErrUnknownService constructs an unknownServiceError.
func ErrUnknownService(service string) error { return unknownServiceError{service: service} }

// IsUnknownService reports whether err indicates an unconfigured service.
func IsUnknownService(err error) bool {
	_, ok := err.(unknownServiceError)
	return ok
}

// modelNotFoundError signals a model name absent from the catalog.
type modelNotFoundError struct{ model string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.model }

// ErrModelNotFound constructs a modelNotFoundError.
func ErrModelNotFound(model string) error { return modelNotFoundError{model: model} }

// IsModelNotFound reports whether err indicates a missing model name.
func IsModelNotFound(err error) bool {
	_, ok := err.(modelNotFoundError)
	return ok
}
