package fields

import "strings"

// Kind is the value shape of a field. Codec behavior dispatches on it.
type Kind int

const (
	KindText Kind = iota
	KindNumber
	KindCurrency
	KindPercentage
	KindDate
	KindDateTime
	KindTime
	KindBoolean
	KindSingleSelect
	KindMultiSelect
	KindFile
	KindAccount
)

var kindNames = map[Kind]string{
	KindText:         "text",
	KindNumber:       "number",
	KindCurrency:     "currency",
	KindPercentage:   "percentage",
	KindDate:         "date",
	KindDateTime:     "datetime",
	KindTime:         "time",
	KindBoolean:      "boolean",
	KindSingleSelect: "single_select",
	KindMultiSelect:  "multi_select",
	KindFile:         "file",
	KindAccount:      "account",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// IsNumeric reports whether values of this kind are numbers
func (k Kind) IsNumeric() bool {
	return k == KindNumber || k == KindCurrency || k == KindPercentage
}

// IsTemporal reports whether values of this kind are dates or times
func (k Kind) IsTemporal() bool {
	return k == KindDate || k == KindDateTime || k == KindTime
}

// IsSelect reports whether values must come from the field's option list
func (k Kind) IsSelect() bool {
	return k == KindSingleSelect || k == KindMultiSelect
}

// KindForDisplayType maps a CRM display type onto a Kind. Unknown display
// types are treated as text.
func KindForDisplayType(displayType string) Kind {
	switch strings.ToLower(strings.TrimSpace(displayType)) {
	case "number":
		return KindNumber
	case "currency":
		return KindCurrency
	case "percentage":
		return KindPercentage
	case "date":
		return KindDate
	case "datetime":
		return KindDateTime
	case "time":
		return KindTime
	case "yesno", "boolean":
		return KindBoolean
	case "dropdown", "radiobutton", "radio":
		return KindSingleSelect
	case "checkbox", "multiselect":
		return KindMultiSelect
	case "file", "image":
		return KindFile
	case "account":
		return KindAccount
	default:
		return KindText
	}
}
