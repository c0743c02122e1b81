// Package errors provides standardized error handling patterns for TaskMesh components.
//
// # Overview
//
// The package implements a three-class error classification system for a
// distributed execution runtime: Transient (temporary, retryable), Invalid
// (bad input, non-retryable), and Fatal (unrecoverable, stop processing).
// On top of that it defines the runtime's failure taxonomy as sentinel errors:
//
//   - ErrObjectUnavailable: an ObjectID could not be located or fetched after
//     bounded retries
//   - ErrTimeout: a Get deadline elapsed; surfaced to the caller, never
//     retried automatically
//   - ErrResourceExhausted: scheduler queue full or requirements can never be
//     satisfied
//   - ErrWorkerLost: worker crashed mid-execution; stateless tasks are
//     retried, stateful actor calls are not
//   - ErrActorUnavailable: a stateful actor call cannot complete
//   - ErrUserError: the user function failed; the failure is stored as the
//     result object and re-raised on Get
//
// # Error Wrapping Pattern
//
// All error wrapping follows the standardized format:
//
//	"component.method: action failed: %w"
//
// Three wrapper functions provide classification-aware wrapping:
//
//	errors.WrapTransient(err, "Store", "Get", "remote fetch")
//	errors.WrapInvalid(err, "OwnershipTable", "AddRef", "unknown id")
//	errors.WrapFatal(err, "SharedStore", "Put", "spill directory")
//
// The generic Wrap() preserves the original error's classification.
//
// # Retry Integration
//
// RetryConfig bridges classification to the pkg/retry framework:
//
//	cfg := errors.DefaultRetryConfig()
//	err := retry.Do(ctx, cfg.ToRetryConfig(), operation)
//
// Infrastructure errors are retried transparently only where the operation is
// known idempotent; anything touching actor state is never silently retried.
//
// # Thread Safety
//
// All classification and wrapping operations are thread-safe. Sentinel error
// variables are immutable and safe for concurrent access.
package errors
