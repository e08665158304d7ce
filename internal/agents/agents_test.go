package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgentSet(t *testing.T) {
	for _, name := range Names() {
		assert.True(t, IsKnown(name), name)
	}
	assert.False(t, IsKnown("archivist"))
	assert.False(t, IsKnown(""))

	assert.True(t, IsReadOnly(Explorer))
	assert.True(t, IsReadOnly(Librarian))
	assert.False(t, IsReadOnly(Orchestrator))
	assert.False(t, IsReadOnly(Fixer))
}

func TestStaticVariants(t *testing.T) {
	variants := StaticVariants{
		Oracle: {Name: "deep", SystemPrompt: "think harder", Model: "anthropic/opus"},
	}

	v, ok := variants.Resolve(Oracle)
	assert.True(t, ok)
	assert.Equal(t, "deep", v.Name)
	assert.Equal(t, "anthropic/opus", v.Model)

	_, ok = variants.Resolve(Explorer)
	assert.False(t, ok)
}
