package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type inner struct {
	Name string `json:"name" validate:"required"`
}

type outer struct {
	Mode  string `json:"mode,omitempty" validate:"oneof=a b"`
	Inner inner  `json:"inner"`
	Skip  string `json:"-" validate:"required"`
}

func TestStructReportsJSONPaths(t *testing.T) {
	err := Struct(outer{Mode: "c", Skip: "x"})
	var verr *Error
	require.True(t, errors.As(err, &verr))
	require.Equal(t, []Field{
		{Path: "mode", Rule: "oneof", Param: "a b"},
		{Path: "inner.name", Rule: "required"},
	}, verr.Fields)
	require.True(t, verr.Fields[1].Under("inner"))
	require.False(t, verr.Fields[0].Under("inner"))
	require.Equal(t, "mode: oneof=a b; inner.name: required", err.Error())

	require.NoError(t, Struct(outer{Mode: "a", Inner: inner{Name: "n"}, Skip: "x"}))
}

func TestStructRejectsNonStruct(t *testing.T) {
	err := Struct(42)
	require.Error(t, err)
	var verr *Error
	require.False(t, errors.As(err, &verr))
}
