package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func conditionRun() *Run {
	run := NewRun("p", "doc", map[string]any{
		"doc_type": "scan",
		"priority": "high",
	})
	run.SetUserData("classify", map[string]any{
		"language":   "de",
		"confidence": 0.92,
		"is_invoice": true,
		"page_count": 0,
	})
	return run
}

func TestEvalCondition(t *testing.T) {
	run := conditionRun()

	cases := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"   ", true},

		// Equality against metadata and user data.
		{`doc_type == "scan"`, true},
		{`doc_type == "text"`, false},
		{`doc_type == scan`, true},
		{`doc_type == 'scan'`, true},
		{`classify.language == "de"`, true},
		{`classify.language != "en"`, true},
		{`classify.language != "de"`, false},

		// Missing paths compare as empty and are falsy.
		{`missing == ""`, true},
		{`missing != ""`, false},
		{"missing.path", false},

		// Truthiness.
		{"classify.is_invoice", true},
		{"classify.confidence", true},
		{"classify.page_count", false},
		{"doc_type", true},

		// Negation.
		{"!classify.is_invoice", false},
		{"!missing.path", true},
		{`!doc_type == "text"`, true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, evalCondition(tc.expr, run), "expr %q", tc.expr)
	}
}

func TestEvalConditionUserDataShadowsMetadata(t *testing.T) {
	run := NewRun("p", "doc", map[string]any{"format": "pdf"})
	run.SetUserData("format", "docx")

	assert.True(t, evalCondition(`format == "docx"`, run))
	assert.False(t, evalCondition(`format == "pdf"`, run))
}
