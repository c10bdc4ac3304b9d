package records

import (
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/kuhlman-labs/crm-field-migrator/internal/codec"
)

// Update is one write observed by a MemoryStore
type Update struct {
	ID     string
	Values map[string]codec.Payload
}

// MemoryStore is an in-process Reader and Writer. Written payloads are stored
// as-is and decode back through the codec.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]map[string]any
	order    []string
	failures map[string]error
	updates  []Update

	fetchCalls  int
	searchCalls int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]map[string]any),
		failures: make(map[string]error),
	}
}

// Put stores or merges raw values for a record
func (s *MemoryStore) Put(id string, values map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		rec = make(map[string]any)
		s.records[id] = rec
		s.order = append(s.order, id)
	}
	maps.Copy(rec, values)
}

// FailUpdates makes every Update of id return err
func (s *MemoryStore) FailUpdates(id string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[id] = err
}

// Value returns the stored raw value of a field
func (s *MemoryStore) Value(id, field string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[id][field]
}

// Updates returns the successful writes in call order
func (s *MemoryStore) Updates() []Update {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.updates)
}

// Calls returns how many fetch, search and update calls were made
func (s *MemoryStore) Calls() (fetch, search, update int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetchCalls, s.searchCalls, len(s.updates)
}

func (s *MemoryStore) Fetch(ctx context.Context, id string, fieldNames []string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchCalls++
	rec, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("record %s not found", id)
	}
	return Record{ID: id, Values: project(rec, fieldNames)}, nil
}

func (s *MemoryStore) Search(ctx context.Context, filter []Condition, outputFields []string) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		s.mu.Lock()
		s.searchCalls++
		var matched []Record
		for _, id := range s.order {
			rec := s.records[id]
			if matchesAll(rec, filter) {
				matched = append(matched, Record{ID: id, Values: project(rec, outputFields)})
			}
		}
		s.mu.Unlock()

		for _, rec := range matched {
			if err := ctx.Err(); err != nil {
				yield(Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) Update(ctx context.Context, id string, values map[string]codec.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failures[id]; err != nil {
		return err
	}
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("record %s not found", id)
	}
	for name, payload := range values {
		rec[name] = payload
	}
	s.updates = append(s.updates, Update{ID: id, Values: maps.Clone(values)})
	return nil
}

func project(rec map[string]any, fieldNames []string) map[string]any {
	out := make(map[string]any, len(fieldNames))
	for _, name := range fieldNames {
		out[name] = rec[name]
	}
	return out
}

func matchesAll(rec map[string]any, filter []Condition) bool {
	for _, cond := range filter {
		value := rawString(rec[cond.Field])
		switch cond.Operator {
		case OpBlank:
			if value != "" {
				return false
			}
		case OpNotBlank:
			if value == "" {
				return false
			}
		case OpEqual:
			if value != cond.Value {
				return false
			}
		case OpNotEqual:
			if value == cond.Value {
				return false
			}
		case OpContain:
			if !strings.Contains(value, cond.Value) {
				return false
			}
		case OpNotContain:
			if strings.Contains(value, cond.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func rawString(v any) string {
	switch val := v.(type) {
	case codec.Payload:
		if val.Options {
			return codec.JoinMultiValue(val.OptionNames())
		}
		return strings.TrimSpace(val.Value)
	default:
		return strings.TrimSpace(codec.Stringify(v))
	}
}
