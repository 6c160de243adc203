package app

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds returned by the coordinators. Callers branch with errors.Is.
var (
	ErrValidation = errors.New("validation failed")
	ErrAuth       = errors.New("authentication required")
	ErrStorage    = errors.New("blob storage failed")
	ErrMetadata   = errors.New("metadata store failed")
	ErrInference  = errors.New("inference failed")
	ErrNotFound   = errors.New("not found")

	// ErrTimeout is attached next to the kind when a remote call ran past its deadline.
	ErrTimeout = errors.New("deadline exceeded")
)

// OrphanedBlobError reports a blob that was stored but has no metadata record,
// because the insert failed and the compensating delete failed as well.
type OrphanedBlobError struct {
	ObjectKey       string
	Cause           error
	CompensationErr error
}

func (e *OrphanedBlobError) Error() string {
	return fmt.Sprintf("orphaned blob %q: %v; compensating delete failed: %v", e.ObjectKey, e.Cause, e.CompensationErr)
}

func (e *OrphanedBlobError) Unwrap() []error {
	return []error{e.Cause, e.CompensationErr}
}

func classify(kind error, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s failed: %w: %w: %w", op, kind, ErrTimeout, err)
	}
	return fmt.Errorf("%s failed: %w: %w", op, kind, err)
}

// classifyCall is classify for drivers that report an expired call context in
// their own words instead of context.DeadlineExceeded.
func classifyCall(ctx context.Context, kind error, op string, err error) error {
	if !errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s failed: %w: %w: %w", op, kind, ErrTimeout, err)
	}
	return classify(kind, op, err)
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
