package migration

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
	"github.com/kuhlman-labs/crm-field-migrator/internal/logging"
	"github.com/kuhlman-labs/crm-field-migrator/internal/records"
)

const (
	fieldCanvassing = "V-Canvassing"
	fieldActivities = "V-Volunteer Campaign & Election Activities"
	optionCanvass   = "Canvassing/literature Drop"
)

func testFields() *fields.StaticProvider {
	acct := fields.CategoryAccount
	return fields.NewStaticProvider(
		fields.NewDescriptor("75", fieldCanvassing, "OneLineText", acct),
		fields.NewDescriptor("76", fieldActivities, "Checkbox", acct,
			fields.Option{ID: "301", Name: optionCanvass},
			fields.Option{ID: "302", Name: "Phone Bank"},
			fields.Option{ID: "303", Name: "Yard Signs"},
		),
		fields.NewDescriptor("77", "Legacy Activities", "Checkbox", acct,
			fields.Option{ID: "401", Name: optionCanvass},
			fields.Option{ID: "402", Name: "Phone Bank"},
			fields.Option{ID: "403", Name: "Yard Signs"},
		),
		fields.NewDescriptor("80", "Old Notes", "MultiLineText", acct),
		fields.NewDescriptor("81", "Notes", "MultiLineText", acct),
		fields.NewDescriptor("82", "Archive Notes", "MultiLineText", acct),
		fields.NewDescriptor("83", "Legacy Status", "OneLineText", acct),
		fields.NewDescriptor("84", "Status", "DropDown", acct,
			fields.Option{ID: "501", Name: "Active"},
			fields.Option{ID: "502", Name: "Lapsed"},
		),
		fields.NewDescriptor("85", "Legacy Amount", "OneLineText", acct),
		fields.NewDescriptor("86", "Pledge Amount", "Currency", acct),
		fields.NewDescriptor("87", "Photo", "Image", acct),
		fields.NewDescriptor("88", "Is Volunteer", "YesNo", acct),
		fields.NewDescriptor("89", "Join Date", "Date", acct),
	)
}

func addOptionMapping() Mapping {
	return Mapping{
		SourceField: fieldCanvassing,
		TargetField: fieldActivities,
		Strategy:    StrategyAddOption,
		Option:      optionCanvass,
	}
}

func mustPlan(t *testing.T, mappings []Mapping, opts ...PlanOption) *Plan {
	t.Helper()
	plan, err := NewPlan(fields.CategoryAccount, mappings, opts...)
	require.NoError(t, err)
	return plan
}

type executorOption func(*ExecutorConfig)

func newTestExecutor(t *testing.T, store records.ReadWriter, opts ...executorOption) *Executor {
	t.Helper()
	cfg := ExecutorConfig{Store: store, Fields: testFields(), Logger: logging.Discard()}
	for _, opt := range opts {
		opt(&cfg)
	}
	e, err := NewExecutor(cfg)
	require.NoError(t, err)
	return e
}

// fakeRecorder captures recorded runs
type fakeRecorder struct {
	mu      sync.Mutex
	runs    []*Result
	ctxErrs []error
	err     error
}

func (f *fakeRecorder) RecordRun(ctx context.Context, _ *Plan, result *Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, result)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return f.err
}

// cancellingStore cancels the run after a number of fetches
type cancellingStore struct {
	*records.MemoryStore
	mu     sync.Mutex
	after  int
	count  int
	cancel context.CancelFunc
}

func (s *cancellingStore) Fetch(ctx context.Context, id string, names []string) (records.Record, error) {
	rec, err := s.MemoryStore.Fetch(ctx, id, names)
	s.mu.Lock()
	s.count++
	if s.count == s.after {
		s.cancel()
	}
	s.mu.Unlock()
	return rec, err
}

// failingSearchStore fails every search
type failingSearchStore struct {
	*records.MemoryStore
}

var errSearchDown = errors.New("search unavailable")

func (s *failingSearchStore) Search(context.Context, []records.Condition, []string) iter.Seq2[records.Record, error] {
	return func(yield func(records.Record, error) bool) {
		yield(records.Record{}, errSearchDown)
	}
}
