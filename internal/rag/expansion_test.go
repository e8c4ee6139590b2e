package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandAppendsCompanionTerms(t *testing.T) {
	e := DefaultExpansion()

	out, expanded := e.Expand("back pain")
	assert.True(t, expanded)
	assert.Contains(t, out, "back pain")
	assert.Contains(t, out, "lumbar")
	assert.Contains(t, out, "ache")
}

func TestExpandHebrewTerms(t *testing.T) {
	e := DefaultExpansion()

	out, expanded := e.Expand("כאב גב")
	assert.True(t, expanded)
	assert.Contains(t, out, "עמוד שדרה")
}

func TestExpandLeavesLongQueriesAlone(t *testing.T) {
	e := DefaultExpansion()
	query := "how has the client's back pain progressed since January"

	out, expanded := e.Expand(query)
	assert.False(t, expanded)
	assert.Equal(t, query, out)
}

func TestExpandUnknownTermsNoOp(t *testing.T) {
	e := DefaultExpansion()

	out, expanded := e.Expand("quarterly invoices")
	assert.False(t, expanded)
	assert.Equal(t, "quarterly invoices", out)
}

func TestExpandDoesNotDuplicateExistingWords(t *testing.T) {
	e := Expansion{
		MaxWords: 3,
		Terms:    map[string][]string{"back": {"lumbar", "back"}},
	}

	out, expanded := e.Expand("lumbar back")
	assert.False(t, expanded)
	assert.Equal(t, "lumbar back", out)
}

func TestAdaptiveThreshold(t *testing.T) {
	assert.Equal(t, 0.25, AdaptiveThreshold("shoulder", 0.4, 0.25))
	assert.Equal(t, 0.25, AdaptiveThreshold("shoulder pain", 0.4, 0.25))
	assert.Equal(t, 0.4, AdaptiveThreshold("shoulder pain since March", 0.4, 0.25))

	// A floor above the base never raises the threshold.
	assert.Equal(t, 0.3, AdaptiveThreshold("hi", 0.3, 0.9))
}
