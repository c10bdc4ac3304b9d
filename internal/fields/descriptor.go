package fields

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Category is the record type a custom field belongs to (Account, Donation, ...)
type Category string

const (
	CategoryAccount    Category = "Account"
	CategoryDonation   Category = "Donation"
	CategoryEvent      Category = "Event"
	CategoryActivity   Category = "Activity"
	CategoryMembership Category = "Membership"
)

// Option is one allowed value of a select field
type Option struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// Descriptor describes the identity and shape of one field
type Descriptor struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	DisplayType string   `json:"display_type"`
	Kind        Kind     `json:"-"`
	Category    Category `json:"category"`
	MultiValue  bool     `json:"multi_value"`
	Options     []Option `json:"options,omitempty"`
}

// NewDescriptor derives Kind and MultiValue from the display type
func NewDescriptor(id, name, displayType string, category Category, options ...Option) *Descriptor {
	kind := KindForDisplayType(displayType)
	return &Descriptor{
		ID:          id,
		Name:        name,
		DisplayType: displayType,
		Kind:        kind,
		Category:    category,
		MultiValue:  kind == KindMultiSelect,
		Options:     options,
	}
}

// UsesOptionPayload reports whether writes carry option identities instead of a plain value
func (d *Descriptor) UsesOptionPayload() bool {
	return d.Kind.IsSelect()
}

// FindOption looks up an option by name: exact first, then case-insensitive
func (d *Descriptor) FindOption(name string) (Option, bool) {
	name = strings.TrimSpace(name)
	for _, opt := range d.Options {
		if opt.Name == name {
			return opt, true
		}
	}
	for _, opt := range d.Options {
		if strings.EqualFold(opt.Name, name) {
			return opt, true
		}
	}
	return Option{}, false
}

// OptionNames returns the allowed option names in order
func (d *Descriptor) OptionNames() []string {
	names := make([]string, len(d.Options))
	for i, opt := range d.Options {
		names[i] = opt.Name
	}
	return names
}

// ErrFieldNotFound matches every FieldNotFoundError via errors.Is
var ErrFieldNotFound = errors.New("field not found")

// FieldNotFoundError names the field that could not be resolved. Suggestions
// holds the closest existing names, best first.
type FieldNotFoundError struct {
	Field       string
	Category    Category
	Suggestions []string
}

func (e *FieldNotFoundError) Error() string {
	msg := fmt.Sprintf("field not found: %q", e.Field)
	if e.Category != "" {
		msg += fmt.Sprintf(" in category %s", e.Category)
	}
	if len(e.Suggestions) > 0 {
		quoted := make([]string, len(e.Suggestions))
		for i, s := range e.Suggestions {
			quoted[i] = strconv.Quote(s)
		}
		msg += fmt.Sprintf(" (did you mean %s?)", strings.Join(quoted, " or "))
	}
	return msg
}

func (e *FieldNotFoundError) Is(target error) bool {
	return target == ErrFieldNotFound
}
