// Package records defines the record access contracts the migration engine
// consumes. The CRM client implements them; tests use MemoryStore.
package records

import (
	"context"
	"iter"

	"github.com/kuhlman-labs/crm-field-migrator/internal/codec"
)

// Operator is a search comparison understood by the CRM search endpoint
type Operator string

const (
	OpEqual       Operator = "EQUAL"
	OpNotEqual    Operator = "NOT_EQUAL"
	OpBlank       Operator = "BLANK"
	OpNotBlank    Operator = "NOT_BLANK"
	OpContain     Operator = "CONTAIN"
	OpNotContain  Operator = "NOT_CONTAIN"
	OpGreaterThan Operator = "GREATER_THAN"
	OpLessThan    Operator = "LESS_THAN"
	OpInRange     Operator = "IN_RANGE"
)

// Condition is one search clause
type Condition struct {
	Field    string   `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    string   `json:"value,omitempty" yaml:"value,omitempty"`
	ValueTo  string   `json:"valueRange,omitempty" yaml:"value_to,omitempty"`
}

// Record is one CRM record's raw field values keyed by field name
type Record struct {
	ID     string
	Values map[string]any
}

// Reader fetches raw field values
type Reader interface {
	Fetch(ctx context.Context, id string, fieldNames []string) (Record, error)
	// Search lazily yields records matching every condition. Iteration stops at
	// the first error, which is yielded with a zero Record.
	Search(ctx context.Context, filter []Condition, outputFields []string) iter.Seq2[Record, error]
}

// Writer applies field payloads to one record in a single call
type Writer interface {
	Update(ctx context.Context, id string, values map[string]codec.Payload) error
}

// ReadWriter is implemented by full record stores such as the CRM client
type ReadWriter interface {
	Reader
	Writer
}
