package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_Collects(t *testing.T) {
	var r ValidationResult
	assert.True(t, r.Valid())

	r.AddWarning("nodes[1].retry", ErrCodeValidation, "retry has no effect")
	assert.True(t, r.Valid(), "warnings never block")

	other := &ValidationResult{}
	other.AddError("nodes[0].type", ErrCodeConfiguration, "unknown node type")
	r.Merge(other)
	r.Merge(nil)

	require.False(t, r.Valid())
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)

	var nilResult *ValidationResult
	assert.True(t, nilResult.Valid())
}

func TestValidationResult_ToError(t *testing.T) {
	tests := []struct {
		name    string
		errors  []string
		message string
	}{
		{"single", []string{"unknown node type"}, "nodes[0]: unknown node type"},
		{"three", []string{"a", "b", "c"}, "nodes[0]: a; nodes[1]: b; nodes[2]: c"},
		{"truncated", []string{"a", "b", "c", "d", "e"}, "nodes[0]: a; nodes[1]: b; nodes[2]: c; and 2 more"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &ValidationResult{}
			for i, msg := range tt.errors {
				r.AddError("nodes["+string(rune('0'+i))+"]", ErrCodeValidation, msg)
			}
			r.AddWarning("/", ErrCodeValidation, "w")

			err := r.ToError()
			require.Error(t, err)
			fe, ok := err.(*FlowError)
			require.True(t, ok)
			assert.Equal(t, ErrCodeValidation, fe.Code)
			assert.Equal(t, tt.message, fe.Message)
			assert.Len(t, fe.Details["errors"], len(tt.errors))
			assert.Len(t, fe.Details["warnings"], 1)
		})
	}

	ok := &ValidationResult{}
	ok.AddWarning("/", ErrCodeValidation, "just a warning")
	assert.NoError(t, ok.ToError())
}

func TestValidationIssue_String(t *testing.T) {
	assert.Equal(t, "bad", ValidationIssue{Path: "/", Message: "bad"}.String())
	assert.Equal(t, "edges[2]: dangling", ValidationIssue{Path: "edges[2]", Message: "dangling"}.String())
}
