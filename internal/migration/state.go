package migration

import (
	"maps"

	"github.com/kuhlman-labs/crm-field-migrator/internal/codec"
)

// recordState accumulates one record's decoded values and pending writes while
// mappings run in order. Later mappings read what earlier ones produced.
type recordState struct {
	id      string
	raw     map[string]any
	values  map[string]any
	pending map[string]codec.Payload
	outcome *RecordOutcome
	errors  []string
}

func newRecordState(id string, raw map[string]any) *recordState {
	return &recordState{
		id:      id,
		raw:     raw,
		values:  make(map[string]any),
		pending: make(map[string]codec.Payload),
		outcome: &RecordOutcome{ResourceID: id, Mappings: []MappingOutcome{}},
	}
}

// value returns the canonical value of field, decoding the raw value on first use
func (s *recordState) value(field string, decode func(raw any) (any, error)) (any, error) {
	if v, ok := s.values[field]; ok {
		return v, nil
	}
	v, err := decode(s.raw[field])
	if err != nil {
		return nil, err
	}
	s.values[field] = v
	return v, nil
}

// commit records a decided mapping's new values and payloads
func (s *recordState) commit(values map[string]any, payloads map[string]codec.Payload) {
	maps.Copy(s.values, values)
	maps.Copy(s.pending, payloads)
}

func (s *recordState) record(o MappingOutcome) int {
	s.outcome.Mappings = append(s.outcome.Mappings, o)
	return len(s.outcome.Mappings) - 1
}

func (s *recordState) fail(msg string) {
	s.errors = append(s.errors, msg)
}

// finish classifies the record
func (s *recordState) finish() *RecordOutcome {
	s.outcome.classify()
	return s.outcome
}
