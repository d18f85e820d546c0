package pyramid

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrEmptyDataset is returned when a hierarchy is requested for a dataset
	// with no rows.
	ErrEmptyDataset = errors.New("empty dataset")

	// ErrInvalidRange is returned when an AxisRange has min >= max on an axis
	// or a non-finite bound.
	ErrInvalidRange = errors.New("invalid axis range")

	// ErrZeroBins is returned when a grid has a non-positive bin count.
	ErrZeroBins = errors.New("bin count must be positive")

	// ErrInvalidPoint is returned when a point has a non-finite coordinate.
	ErrInvalidPoint = errors.New("non-finite point coordinate")

	// ErrInvalidPlan is returned for a non-positive min_points or a growth
	// factor that does not grow.
	ErrInvalidPlan = errors.New("invalid level plan parameters")

	// ErrIO marks failures reading or writing level data.
	ErrIO = errors.New("level i/o failure")

	// ErrPartialCategoryFailure is matched by *PartialFailureError.
	ErrPartialCategoryFailure = errors.New("partial category failure")

	// ErrRangeMismatch is returned when stored level data does not carry the
	// AxisRange and grid recorded for its hierarchy.
	ErrRangeMismatch = errors.New("axis range mismatch")

	// ErrNotNested is returned by VerifyNesting when a coarser level holds a
	// row that its finer neighbour does not.
	ErrNotNested = errors.New("levels are not nested")

	// ErrNoReader is returned when level points are requested from a
	// hierarchy that has no backing storage attached.
	ErrNoReader = errors.New("hierarchy has no level reader")
)

// IOError wraps a storage error so that errors.Is(err, ErrIO) holds while the
// original cause stays reachable.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &ioError{op: op, err: err}
}

type ioError struct {
	op  string
	err error
}

func (e *ioError) Error() string { return fmt.Sprintf("%s: %v", e.op, e.err) }

func (e *ioError) Unwrap() []error { return []error{ErrIO, e.err} }

// BuildError reports the cascade state a hierarchy build failed in.
type BuildError struct {
	Category string
	State    State
	Err      error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s failed in state %s: %v", Label(e.Category), e.State, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// PartialFailureError lists the category hierarchies that failed while their
// siblings and the global hierarchy were built.
type PartialFailureError struct {
	Failed map[string]error
}

func (e *PartialFailureError) Error() string {
	keys := make([]string, 0, len(e.Failed))
	for k := range e.Failed {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%q: %v", k, e.Failed[k]))
	}
	return fmt.Sprintf("%d category hierarchies failed: %s", len(keys), strings.Join(parts, "; "))
}

func (e *PartialFailureError) Is(target error) bool {
	return target == ErrPartialCategoryFailure
}
