// Package validation holds the process-wide struct validator. Request types
// declare their rules with `validate` tags and are checked through Struct.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// Report fields by their JSON names so errors match what callers sent.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// Struct validates s against its tags. The returned error, if any, is a
// *Error listing every failed field.
func Struct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fes validator.ValidationErrors
	if !errors.As(err, &fes) {
		return err
	}
	out := &Error{}
	for _, fe := range fes {
		out.Fields = append(out.Fields, Field{Path: fieldPath(fe.Namespace()), Rule: fe.Tag(), Param: fe.Param()})
	}
	return out
}

// Field is one failed rule.
type Field struct {
	Path  string
	Rule  string
	Param string
}

func (f Field) String() string {
	if f.Param == "" {
		return fmt.Sprintf("%s: %s", f.Path, f.Rule)
	}
	return fmt.Sprintf("%s: %s=%s", f.Path, f.Rule, f.Param)
}

// Under reports whether the field is nested below prefix, e.g. "recipient".
func (f Field) Under(prefix string) bool {
	return strings.HasPrefix(f.Path, prefix+".")
}

type Error struct {
	Fields []Field
}

func (e *Error) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.String()
	}
	return strings.Join(parts, "; ")
}

// fieldPath drops the root type name from a validator namespace.
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
