// Package codec converts custom field values between the CRM wire form and a
// canonical in-memory form.
//
// Canonical values by kind:
//
//	text, file, account, single select  string
//	date                                string, 2006-01-02
//	datetime                            string, RFC 3339
//	time                                string, 15:04:05
//	number, percentage                  float64
//	currency                            float64 rounded to cents
//	boolean                             bool
//	multi select                        []string (empty, never nil)
//
// A blank scalar decodes to nil.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-set/v2"

	"github.com/kuhlman-labs/crm-field-migrator/internal/fields"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = time.RFC3339
	timeLayout     = "15:04:05"
)

var dateLayouts = []string{dateLayout, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "01/02/2006", "1/2/2006"}
var dateTimeLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02T15:04", "01/02/2006 15:04", dateLayout}
var timeLayouts = []string{timeLayout, "15:04", "3:04 PM", "3:04PM", "3:04:05 PM"}

// Options controls encoding policy
type Options struct {
	// AllowFreeText lets Encode pass option names that the field does not declare
	AllowFreeText bool
}

// Codec decodes and encodes field values. The zero value rejects unknown options.
type Codec struct {
	opts Options
}

func New(opts Options) *Codec {
	return &Codec{opts: opts}
}

// AllowsFreeText reports the unknown-option policy
func (c *Codec) AllowsFreeText() bool {
	return c.opts.AllowFreeText
}

// Empty returns the canonical empty value for a field
func Empty(d *fields.Descriptor) any {
	if d.MultiValue {
		return []string{}
	}
	return nil
}

// IsEmpty reports whether a canonical value holds nothing
func IsEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []string:
		return len(val) == 0
	default:
		return false
	}
}

// Decode parses a raw value (string, number, bool, list, Payload or decoded JSON)
// into the canonical value for d.
func (c *Codec) Decode(raw any, d *fields.Descriptor) (any, error) {
	switch val := raw.(type) {
	case nil:
		return Empty(d), nil
	case Payload:
		if val.Options {
			return c.decodeList(val.OptionNames(), d)
		}
		return c.decodeString(val.Value, d)
	case *Payload:
		if val == nil {
			return Empty(d), nil
		}
		return c.Decode(*val, d)
	case map[string]any:
		return c.decodeMap(val, d)
	case []string:
		return c.decodeList(val, d)
	case []any:
		items := make([]string, 0, len(val))
		for _, item := range val {
			if m, ok := item.(map[string]any); ok {
				if name, ok := m["name"].(string); ok {
					items = append(items, name)
				}
				continue
			}
			if item != nil {
				items = append(items, Stringify(item))
			}
		}
		return c.decodeList(items, d)
	case string:
		return c.decodeString(val, d)
	case bool:
		if d.Kind == fields.KindBoolean {
			return val, nil
		}
		return c.decodeString(strconv.FormatBool(val), d)
	case json.Number:
		return c.decodeString(val.String(), d)
	case float64, float32, int, int32, int64:
		if d.Kind.IsNumeric() {
			f := toFloat(val)
			if d.Kind == fields.KindCurrency {
				f = roundCents(f)
			}
			return f, nil
		}
		return c.decodeString(Stringify(val), d)
	default:
		return nil, &DecodeError{Field: d.Name, Kind: d.Kind.String(), Raw: fmt.Sprint(raw), Err: fmt.Errorf("unsupported raw type %T", raw)}
	}
}

func (c *Codec) decodeMap(m map[string]any, d *fields.Descriptor) (any, error) {
	if opts, ok := m["optionValues"]; ok {
		list, _ := opts.([]any)
		return c.Decode(list, d)
	}
	if v, ok := m["value"]; ok {
		return c.Decode(v, d)
	}
	return Empty(d), nil
}

func (c *Codec) decodeList(items []string, d *fields.Descriptor) (any, error) {
	if d.MultiValue {
		return cleanList(items), nil
	}
	cleaned := cleanList(items)
	if len(cleaned) == 0 {
		return nil, nil
	}
	if d.Kind == fields.KindSingleSelect {
		return cleaned[0], nil
	}
	return c.decodeString(JoinMultiValue(cleaned), d)
}

func (c *Codec) decodeString(raw string, d *fields.Descriptor) (any, error) {
	s := strings.TrimSpace(raw)
	if d.MultiValue {
		return SplitMultiValue(s), nil
	}
	if s == "" {
		return nil, nil
	}

	fail := func(err error) (any, error) {
		return nil, &DecodeError{Field: d.Name, Kind: d.Kind.String(), Raw: raw, Err: err}
	}

	switch d.Kind {
	case fields.KindNumber, fields.KindPercentage:
		f, err := parseNumber(strings.TrimSuffix(s, "%"))
		if err != nil {
			return fail(err)
		}
		return f, nil
	case fields.KindCurrency:
		f, err := parseNumber(strings.TrimPrefix(s, "$"))
		if err != nil {
			return fail(err)
		}
		return roundCents(f), nil
	case fields.KindBoolean:
		b, err := parseBool(s)
		if err != nil {
			return fail(err)
		}
		return b, nil
	case fields.KindDate:
		t, err := parseTime(s, dateLayouts)
		if err != nil {
			return fail(err)
		}
		return t.Format(dateLayout), nil
	case fields.KindDateTime:
		t, err := parseTime(s, dateTimeLayouts)
		if err != nil {
			return fail(err)
		}
		return t.Format(dateTimeLayout), nil
	case fields.KindTime:
		t, err := parseTime(strings.ToUpper(s), timeLayouts)
		if err != nil {
			return fail(err)
		}
		return t.Format(timeLayout), nil
	default:
		return s, nil
	}
}

// Encode serializes a canonical value into the write payload for d. Select
// fields resolve every option against the descriptor.
func (c *Codec) Encode(v any, d *fields.Descriptor) (Payload, error) {
	p := Payload{ID: d.ID, Name: d.Name, Options: d.UsesOptionPayload()}

	if p.Options {
		names, err := c.optionNames(v, d)
		if err != nil {
			return Payload{}, err
		}
		p.OptionValues = make([]fields.Option, 0, len(names))
		seen := set.New[string](len(names))
		for _, name := range names {
			opt, ok := d.FindOption(name)
			if !ok {
				if !c.opts.AllowFreeText {
					return Payload{}, &UnknownOptionError{Field: d.Name, Option: name, Allowed: d.OptionNames()}
				}
				opt = fields.Option{Name: name}
			}
			if seen.Insert(opt.Name) {
				p.OptionValues = append(p.OptionValues, fields.Option{ID: opt.ID, Name: opt.Name})
			}
		}
		return p, nil
	}

	if IsEmpty(v) {
		return p, nil
	}

	canonical, err := c.Decode(v, d)
	if err != nil {
		return Payload{}, err
	}

	switch val := canonical.(type) {
	case nil:
	case float64:
		if d.Kind == fields.KindCurrency {
			p.Value = strconv.FormatFloat(val, 'f', 2, 64)
		} else {
			p.Value = strconv.FormatFloat(val, 'f', -1, 64)
		}
	case bool:
		p.Value = strconv.FormatBool(val)
	case string:
		p.Value = val
	default:
		p.Value = Stringify(val)
	}
	return p, nil
}

func (c *Codec) optionNames(v any, d *fields.Descriptor) ([]string, error) {
	canonical, err := c.Decode(v, d)
	if err != nil {
		return nil, err
	}
	switch val := canonical.(type) {
	case nil:
		return nil, nil
	case []string:
		return val, nil
	case string:
		return []string{val}, nil
	default:
		return nil, fmt.Errorf("unexpected option value %T for field %q", canonical, d.Name)
	}
}

// Coerce converts a canonical value of field from into the canonical value of field to
func (c *Codec) Coerce(v any, from, to *fields.Descriptor) (any, error) {
	if IsEmpty(v) {
		return Empty(to), nil
	}
	if list, ok := v.([]string); ok && (to.MultiValue || to.Kind == fields.KindSingleSelect) {
		if !to.MultiValue {
			if cleaned := cleanList(list); len(cleaned) > 1 {
				return nil, &CoercionError{
					From: from.Kind.String(),
					To:   to.Kind.String(),
					Err:  fmt.Errorf("%d options %q do not fit single-value field %q", len(cleaned), JoinMultiValue(cleaned), to.Name),
				}
			}
		}
		return c.decodeList(list, to)
	}
	out, err := c.Decode(Stringify(v), to)
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) && de.Err != nil {
			err = de.Err
		}
		return nil, &CoercionError{From: from.Kind.String(), To: to.Kind.String(), Err: err}
	}
	return out, nil
}

// Equal compares two canonical values of d. Multi-value fields compare as sets.
func Equal(a, b any, d *fields.Descriptor) bool {
	if IsEmpty(a) || IsEmpty(b) {
		return IsEmpty(a) && IsEmpty(b)
	}
	if d.MultiValue {
		la, okA := a.([]string)
		lb, okB := b.([]string)
		return okA && okB && SameOptions(CanonicalOptions(la, d), CanonicalOptions(lb, d))
	}
	switch av := a.(type) {
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	default:
		return Stringify(a) == Stringify(b)
	}
}

// Stringify renders a canonical value as the CRM's flat string form
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []string:
		return JoinMultiValue(val)
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprint(val)
	}
}

func parseNumber(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", ""), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number")
	}
	return f, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "yes", "y", "1", "on":
		return true, nil
	case "false", "no", "n", "0", "off":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean token")
}

func parseTime(s string, layouts []string) (time.Time, error) {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized format")
}

func roundCents(f float64) float64 {
	return math.Round(f*100) / 100
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
