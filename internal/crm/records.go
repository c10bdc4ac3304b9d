package crm

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"slices"
	"strings"

	"github.com/kuhlman-labs/crm-field-migrator/internal/codec"
	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
	"github.com/kuhlman-labs/crm-field-migrator/internal/records"
)

type resourceInfo struct {
	endpoint string
	idField  string
}

var resources = map[fields.Category]resourceInfo{
	fields.CategoryAccount:    {endpoint: "accounts", idField: "Account ID"},
	fields.CategoryDonation:   {endpoint: "donations", idField: "Donation ID"},
	fields.CategoryEvent:      {endpoint: "events", idField: "Event ID"},
	fields.CategoryActivity:   {endpoint: "activities", idField: "Activity ID"},
	fields.CategoryMembership: {endpoint: "memberships", idField: "Membership ID"},
}

// RecordService reads and writes the custom fields of one record category
type RecordService struct {
	client     *Client
	category   fields.Category
	info       resourceInfo
	accountKey string
}

// Records returns the record service for a category
func (c *Client) Records(category fields.Category) (*RecordService, error) {
	info, ok := resources[category]
	if !ok {
		return nil, fmt.Errorf("unsupported record category %q", category)
	}
	return &RecordService{client: c, category: category, info: info, accountKey: "individualAccount"}, nil
}

// WithAccountKey selects the account wrapper used on writes ("individualAccount" or "companyAccount")
func (s *RecordService) WithAccountKey(key string) *RecordService {
	cp := *s
	cp.accountKey = key
	return &cp
}

type searchRequest struct {
	SearchFields []records.Condition `json:"searchFields"`
	OutputFields []string            `json:"outputFields"`
	Pagination   pagination          `json:"pagination"`
}

type pagination struct {
	CurrentPage  int `json:"currentPage"`
	PageSize     int `json:"pageSize"`
	TotalPages   int `json:"totalPages,omitempty"`
	TotalResults int `json:"totalResults,omitempty"`
}

type searchResponse struct {
	SearchResults []map[string]any `json:"searchResults"`
	Pagination    pagination       `json:"pagination"`
}

// Search pages through the category's search endpoint lazily
func (s *RecordService) Search(ctx context.Context, filter []records.Condition, outputFields []string) iter.Seq2[records.Record, error] {
	output := s.withIDField(outputFields)
	return func(yield func(records.Record, error) bool) {
		for page := 0; ; page++ {
			req := searchRequest{
				SearchFields: filter,
				OutputFields: output,
				Pagination:   pagination{CurrentPage: page, PageSize: s.client.pageSize},
			}
			if req.SearchFields == nil {
				req.SearchFields = []records.Condition{}
			}

			var resp searchResponse
			if err := s.client.do(ctx, http.MethodPost, s.info.endpoint+"/search", nil, req, &resp); err != nil {
				yield(records.Record{}, fmt.Errorf("failed to search %s: %w", s.info.endpoint, err))
				return
			}

			for _, row := range resp.SearchResults {
				if !yield(s.toRecord(row, outputFields), nil) {
					return
				}
			}

			if len(resp.SearchResults) == 0 || page+1 >= resp.Pagination.TotalPages {
				return
			}
		}
	}
}

// Fetch reads the named fields of one record through an ID search
func (s *RecordService) Fetch(ctx context.Context, id string, fieldNames []string) (records.Record, error) {
	filter := []records.Condition{{Field: s.info.idField, Operator: records.OpEqual, Value: id}}
	for rec, err := range s.Search(ctx, filter, fieldNames) {
		if err != nil {
			return records.Record{}, err
		}
		return rec, nil
	}
	return records.Record{}, fmt.Errorf("failed to fetch %s %s: %w", s.category, id, ErrNotFound)
}

// Update writes several custom fields of one record in a single PATCH
func (s *RecordService) Update(ctx context.Context, id string, values map[string]codec.Payload) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)

	payloads := make([]codec.Payload, 0, len(names))
	for _, name := range names {
		payloads = append(payloads, values[name])
	}

	var body any
	if s.category == fields.CategoryAccount {
		body = map[string]any{s.accountKey: map[string]any{"accountCustomFields": payloads}}
	} else {
		body = map[string]any{"customFieldResponses": payloads}
	}

	path := fmt.Sprintf("%s/%s", s.info.endpoint, id)
	if err := s.client.do(ctx, http.MethodPatch, path, nil, body, nil); err != nil {
		return fmt.Errorf("failed to update %s %s fields [%s]: %w", s.category, id, strings.Join(names, ", "), err)
	}
	return nil
}

func (s *RecordService) withIDField(outputFields []string) []string {
	if slices.Contains(outputFields, s.info.idField) {
		return outputFields
	}
	return append([]string{s.info.idField}, outputFields...)
}

func (s *RecordService) toRecord(row map[string]any, outputFields []string) records.Record {
	rec := records.Record{ID: codec.Stringify(row[s.info.idField]), Values: make(map[string]any, len(outputFields))}
	for _, name := range outputFields {
		rec.Values[name] = row[name]
	}
	return rec
}
