package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
)

// flexID accepts IDs sent as either JSON strings or numbers
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type customFieldJSON struct {
	ID           flexID `json:"id"`
	Name         string `json:"name"`
	DisplayType  string `json:"displayType"`
	Status       string `json:"status"`
	OptionValues []struct {
		ID     flexID `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
	} `json:"optionValues"`
}

// ListCustomFields returns the custom field definitions of a category.
// Disabled options are omitted.
func (c *Client) ListCustomFields(ctx context.Context, category fields.Category) ([]*fields.Descriptor, error) {
	var raw []customFieldJSON
	query := url.Values{"category": []string{string(category)}}
	if err := c.do(ctx, http.MethodGet, "customFields", query, nil, &raw); err != nil {
		return nil, fmt.Errorf("failed to list %s custom fields: %w", category, err)
	}

	descriptors := make([]*fields.Descriptor, 0, len(raw))
	for _, f := range raw {
		options := make([]fields.Option, 0, len(f.OptionValues))
		for _, opt := range f.OptionValues {
			if opt.Status == "DISABLED" {
				continue
			}
			options = append(options, fields.Option{ID: string(opt.ID), Name: opt.Name})
		}
		descriptors = append(descriptors, fields.NewDescriptor(string(f.ID), f.Name, f.DisplayType, category, options...))
	}
	return descriptors, nil
}
