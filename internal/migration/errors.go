package migration

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrInvalidPlan wraps every plan invariant violation
	ErrInvalidPlan = errors.New("invalid migration plan")

	// ErrUnboundTransform matches every UnboundTransformError via errors.Is
	ErrUnboundTransform = errors.New("transform function is not bound")
)

// AmbiguousStrategyError is returned when a mapping table entry cannot be
// given a default strategy
type AmbiguousStrategyError struct {
	SourceField string
	TargetField string
	Reason      string
}

func (e *AmbiguousStrategyError) Error() string {
	return fmt.Sprintf("ambiguous strategy for %s -> %s: %s", e.SourceField, e.TargetField, e.Reason)
}

// UnboundTransformError names a TRANSFORM mapping that has no function attached
type UnboundTransformError struct {
	SourceField string
	TargetField string
	Name        string
}

func (e *UnboundTransformError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("transform %q for %s -> %s is not registered", e.Name, e.SourceField, e.TargetField)
	}
	return fmt.Sprintf("transform for %s -> %s must be rebound before execution", e.SourceField, e.TargetField)
}

func (e *UnboundTransformError) Is(target error) bool {
	return target == ErrUnboundTransform
}

// RemoteWriteError wraps a failed record update. It is recorded in results,
// never returned from Execute.
type RemoteWriteError struct {
	ResourceID string
	Fields     []string
	Err        error
}

func (e *RemoteWriteError) Error() string {
	return fmt.Sprintf("failed to write record %s fields [%s]: %v", e.ResourceID, strings.Join(e.Fields, ", "), e.Err)
}

func (e *RemoteWriteError) Unwrap() error {
	return e.Err
}

// StalePlanWarning is returned next to an imported plan whose export is older
// than the freshness threshold
type StalePlanWarning struct {
	ExportedAt time.Time
	Age        time.Duration
	Threshold  time.Duration
}

func (w *StalePlanWarning) Error() string {
	return fmt.Sprintf("plan was exported %.1f hours ago (threshold %s); field metadata may have changed since",
		w.Age.Hours(), w.Threshold)
}
