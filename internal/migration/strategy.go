package migration

import (
	"fmt"
	"strings"
)

// Strategy defines how a source value lands in the target field
type Strategy string

const (
	// StrategyReplace overwrites the target with the source value
	StrategyReplace Strategy = "REPLACE"

	// StrategyMerge unions option sets or appends text with a separator
	StrategyMerge Strategy = "MERGE"

	// StrategyAddOption adds one fixed option to a multi-value target
	StrategyAddOption Strategy = "ADD_OPTION"

	// StrategyCopyIfEmpty copies the source only when the target holds nothing
	StrategyCopyIfEmpty Strategy = "COPY_IF_EMPTY"

	// StrategyTransform writes the result of a bound transform function
	StrategyTransform Strategy = "TRANSFORM"
)

// Strategies lists every mapping strategy in declaration order
var Strategies = []Strategy{StrategyReplace, StrategyMerge, StrategyAddOption, StrategyCopyIfEmpty, StrategyTransform}

// Valid reports whether s is a known strategy
func (s Strategy) Valid() bool {
	switch s {
	case StrategyReplace, StrategyMerge, StrategyAddOption, StrategyCopyIfEmpty, StrategyTransform:
		return true
	}
	return false
}

// ParseStrategy accepts any casing and either "-" or "_" as the word separator
func ParseStrategy(s string) (Strategy, error) {
	normalized := Strategy(strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	if !normalized.Valid() {
		return "", fmt.Errorf("unknown migration strategy %q", s)
	}
	return normalized, nil
}

// ExecutionStrategy defines how the executor walks the working set
type ExecutionStrategy string

const (
	// ExecSequential processes one record at a time in working-set order
	ExecSequential ExecutionStrategy = "sequential"

	// ExecParallel fetches and writes each record independently across the worker pool
	ExecParallel ExecutionStrategy = "parallel"

	// ExecPutBatch applies every mapping in memory and issues one write per record
	ExecPutBatch ExecutionStrategy = "put_batch"

	// ExecHybrid runs put_batch chunks of BatchSize records across the worker pool
	ExecHybrid ExecutionStrategy = "hybrid"

	// ExecAuto picks one of the above from the plan shape
	ExecAuto ExecutionStrategy = "auto"
)

// ParseExecutionStrategy maps a name onto an ExecutionStrategy. Empty means auto.
func ParseExecutionStrategy(s string) (ExecutionStrategy, error) {
	normalized := ExecutionStrategy(strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "-", "_")))
	switch normalized {
	case "":
		return ExecAuto, nil
	case ExecSequential, ExecParallel, ExecPutBatch, ExecHybrid, ExecAuto:
		return normalized, nil
	case "batch", "put":
		return ExecPutBatch, nil
	}
	return "", fmt.Errorf("unknown execution strategy %q", s)
}
