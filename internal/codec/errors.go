package codec

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownOption matches every UnknownOptionError via errors.Is
var ErrUnknownOption = errors.New("unknown option")

// UnknownOptionError is returned by Encode when an option is not allowed by the field
type UnknownOptionError struct {
	Field   string
	Option  string
	Allowed []string
}

func (e *UnknownOptionError) Error() string {
	return fmt.Sprintf("unknown option %q for field %q (allowed: %s)", e.Option, e.Field, strings.Join(e.Allowed, ", "))
}

func (e *UnknownOptionError) Is(target error) bool {
	return target == ErrUnknownOption
}

// DecodeError is returned when a raw value cannot be parsed for the field's kind
type DecodeError struct {
	Field string
	Kind  string
	Raw   string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot decode %q as %s for field %q: %v", e.Raw, e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("cannot decode %q as %s for field %q", e.Raw, e.Kind, e.Field)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// CoercionError is returned when a value of one field kind cannot be stored in another
type CoercionError struct {
	From string
	To   string
	Err  error
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("cannot convert %s value to %s: %v", e.From, e.To, e.Err)
}

func (e *CoercionError) Unwrap() error {
	return e.Err
}
