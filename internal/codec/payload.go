package codec

import (
	"encoding/json"

	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
)

// Payload is the write shape of one custom field. Select fields carry option
// identities; every other field carries a plain string value.
type Payload struct {
	ID           string
	Name         string
	Value        string
	OptionValues []fields.Option
	Options      bool
}

type valueJSON struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Value string `json:"value"`
}

type optionsJSON struct {
	ID           string          `json:"id,omitempty"`
	Name         string          `json:"name,omitempty"`
	OptionValues []fields.Option `json:"optionValues"`
}

func (p Payload) MarshalJSON() ([]byte, error) {
	if p.Options {
		opts := p.OptionValues
		if opts == nil {
			opts = []fields.Option{}
		}
		return json.Marshal(optionsJSON{ID: p.ID, Name: p.Name, OptionValues: opts})
	}
	return json.Marshal(valueJSON{ID: p.ID, Name: p.Name, Value: p.Value})
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID           string          `json:"id"`
		Name         string          `json:"name"`
		Value        *string         `json:"value"`
		OptionValues []fields.Option `json:"optionValues"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Payload{ID: raw.ID, Name: raw.Name}
	if raw.Value != nil {
		p.Value = *raw.Value
	}
	if raw.OptionValues != nil {
		p.Options = true
		p.OptionValues = raw.OptionValues
	}
	return nil
}

// OptionNames returns the option names carried by an option payload
func (p Payload) OptionNames() []string {
	names := make([]string, 0, len(p.OptionValues))
	for _, opt := range p.OptionValues {
		names = append(names, opt.Name)
	}
	return names
}
