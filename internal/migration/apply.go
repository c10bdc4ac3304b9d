package migration

import (
	"fmt"
	"strings"

	"github.com/kuhlman-labs/crm-field-migrator/internal/codec"
	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
)

// Skip reasons recorded on mapping outcomes
const (
	ReasonEmptySource         = "empty source"
	ReasonTargetOccupied      = "target occupied"
	ReasonOptionPresent       = "option already present"
	ReasonTransformSuppressed = "transform suppressed"
	ReasonAlreadyApplied      = "target already holds the value"
	ReasonSourcePreserved     = "source is preserved"
	ReasonTargetMismatch      = "target does not hold the source value"
)

// binding is a mapping with its resolved field descriptors
type binding struct {
	index  int
	m      Mapping
	source *fields.Descriptor
	target *fields.Descriptor
}

// step is the decision for one mapping on one record
type step struct {
	status      OutcomeStatus
	reason      string
	value       any
	writeTarget bool
	clearSource bool
	err         error
}

func skipStep(reason string) step {
	return step{status: OutcomeSkipped, reason: reason}
}

func failStep(err error) step {
	return step{status: OutcomeFailed, reason: err.Error(), err: err}
}

// applier evaluates mapping strategies against canonical values
type applier struct {
	codec *codec.Codec
}

// decide computes what one mapping does to a record given the current
// canonical source and target values
func (a *applier) decide(b binding, src, dst any, cleanupOnly bool) step {
	if codec.IsEmpty(src) {
		return skipStep(ReasonEmptySource)
	}
	if cleanupOnly {
		return a.decideCleanup(b, src, dst)
	}

	var st step
	switch b.m.Strategy {
	case StrategyReplace:
		st = a.replace(b, src, dst)
	case StrategyMerge:
		st = a.merge(b, src, dst)
	case StrategyAddOption:
		st = a.addOption(b, dst)
	case StrategyCopyIfEmpty:
		if !codec.IsEmpty(dst) {
			return skipStep(ReasonTargetOccupied)
		}
		st = a.replace(b, src, dst)
	case StrategyTransform:
		st = a.transform(b, src, dst)
	default:
		return failStep(fmt.Errorf("unknown migration strategy %q", b.m.Strategy))
	}

	if st.status == OutcomeApplied {
		st.writeTarget = true
		st.clearSource = !b.m.PreserveSource
	}
	return st
}

func (a *applier) decideCleanup(b binding, src, dst any) step {
	if b.m.PreserveSource {
		return skipStep(ReasonSourcePreserved)
	}
	ok, err := a.satisfied(b, src, dst)
	if err != nil {
		return failStep(err)
	}
	if !ok {
		return skipStep(ReasonTargetMismatch)
	}
	return step{status: OutcomeApplied, clearSource: true}
}

func (a *applier) replace(b binding, src, dst any) step {
	value, err := a.codec.Coerce(src, b.source, b.target)
	if err != nil {
		return failStep(err)
	}
	if codec.Equal(value, dst, b.target) {
		return skipStep(ReasonAlreadyApplied)
	}
	return step{status: OutcomeApplied, value: value}
}

func (a *applier) merge(b binding, src, dst any) step {
	value, err := a.codec.Coerce(src, b.source, b.target)
	if err != nil {
		return failStep(err)
	}
	if codec.IsEmpty(dst) {
		return step{status: OutcomeApplied, value: value}
	}

	switch {
	case b.target.MultiValue:
		current, _ := dst.([]string)
		incoming, _ := value.([]string)
		if codec.HasOptions(b.target, current, incoming) {
			return skipStep(ReasonAlreadyApplied)
		}
		return step{status: OutcomeApplied, value: codec.UnionOptions(
			codec.CanonicalOptions(current, b.target), codec.CanonicalOptions(incoming, b.target))}
	case b.target.Kind == fields.KindText:
		current := codec.Stringify(dst)
		incoming := codec.Stringify(value)
		if strings.Contains(current, incoming) {
			return skipStep(ReasonAlreadyApplied)
		}
		return step{status: OutcomeApplied, value: current + b.m.separator() + incoming}
	default:
		// Non-text scalars cannot be combined; the source value wins
		if codec.Equal(value, dst, b.target) {
			return skipStep(ReasonAlreadyApplied)
		}
		return step{status: OutcomeApplied, value: value}
	}
}

func (a *applier) addOption(b binding, dst any) step {
	if !b.target.MultiValue {
		return failStep(fmt.Errorf("ADD_OPTION requires a multi-value target, %q is %s", b.target.Name, b.target.Kind))
	}
	current, _ := dst.([]string)
	option := []string{b.m.Option}
	if codec.HasOptions(b.target, current, option) {
		return skipStep(ReasonOptionPresent)
	}
	return step{status: OutcomeApplied, value: codec.UnionOptions(
		codec.CanonicalOptions(current, b.target), codec.CanonicalOptions(option, b.target))}
}

func (a *applier) transform(b binding, src, dst any) step {
	value, ok, err := a.transformed(b, src)
	if err != nil {
		return failStep(err)
	}
	if !ok {
		return skipStep(ReasonTransformSuppressed)
	}
	if codec.Equal(value, dst, b.target) {
		return skipStep(ReasonAlreadyApplied)
	}
	return step{status: OutcomeApplied, value: value}
}

// transformed runs the bound transform and decodes its result for the target.
// ok is false when the transform suppressed the value.
func (a *applier) transformed(b binding, src any) (any, bool, error) {
	if b.m.Transform == nil {
		return nil, false, &UnboundTransformError{SourceField: b.m.SourceField, TargetField: b.m.TargetField, Name: b.m.TransformName}
	}
	out, err := b.m.Transform(src)
	if err != nil {
		return nil, false, fmt.Errorf("transform for %s -> %s failed: %w", b.m.SourceField, b.m.TargetField, err)
	}
	if out == nil {
		return nil, false, nil
	}
	value, err := a.codec.Decode(out, b.target)
	if err != nil {
		return nil, false, err
	}
	if codec.IsEmpty(value) {
		return nil, false, nil
	}
	return value, true, nil
}

// satisfied reports whether the target already holds what the mapping would
// produce from src. It backs both cleanup-only runs and conflict analysis.
func (a *applier) satisfied(b binding, src, dst any) (bool, error) {
	if codec.IsEmpty(dst) {
		return false, nil
	}
	switch b.m.Strategy {
	case StrategyAddOption:
		current, _ := dst.([]string)
		return codec.HasOptions(b.target, current, []string{b.m.Option}), nil
	case StrategyMerge:
		value, err := a.codec.Coerce(src, b.source, b.target)
		if err != nil {
			return false, err
		}
		switch {
		case b.target.MultiValue:
			current, _ := dst.([]string)
			incoming, _ := value.([]string)
			return codec.HasOptions(b.target, current, incoming), nil
		case b.target.Kind == fields.KindText:
			return strings.Contains(codec.Stringify(dst), codec.Stringify(value)), nil
		default:
			return codec.Equal(value, dst, b.target), nil
		}
	case StrategyTransform:
		value, ok, err := a.transformed(b, src)
		if err != nil || !ok {
			return false, err
		}
		return codec.Equal(value, dst, b.target), nil
	default:
		value, err := a.codec.Coerce(src, b.source, b.target)
		if err != nil {
			return false, err
		}
		return codec.Equal(value, dst, b.target), nil
	}
}
