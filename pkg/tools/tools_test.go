package tools

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidate(t *testing.T) {
	r := Default()

	require.NoError(t, r.Validate([]string{"Bash", "Read", "mcp__github__create_issue"}))
	require.NoError(t, r.Validate(nil))

	err := r.Validate([]string{"Bash", "Teleport"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Teleport")
}

func TestListSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(Tool{Name: "Write"})
	r.Register(Tool{Name: "Bash"})
	r.Register(Tool{Name: "Read", ReadOnly: true})

	names := []string{}
	for _, tool := range r.List() {
		names = append(names, tool.Name)
	}
	assert.Equal(t, []string{"Bash", "Read", "Write"}, names)

	tool, ok := r.Get("Read")
	require.True(t, ok)
	assert.True(t, tool.ReadOnly)
}
