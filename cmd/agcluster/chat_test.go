package main

import (
	"context"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/nstogner/agcluster/pkg/client"
	"github.com/nstogner/agcluster/pkg/translate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyEvents(t *testing.T) {
	m := initialModel(context.Background(), client.New("http://localhost", "k"), "conv-1")
	require.Equal(t, stateChatting, m.state)
	m.streaming = true

	for _, ev := range []translate.Event{
		{Kind: translate.KindText, Text: "Hello"},
		{Kind: translate.KindText, Text: " world"},
		{Kind: translate.KindToolUse, ToolUse: &translate.ToolUse{ID: "t1", Name: "Bash"}},
		{Kind: translate.KindToolResult, ToolResult: &translate.ToolResult{ToolUseID: "t1", IsError: true}},
		{Kind: translate.KindTodo, Todos: []translate.Todo{{Content: "a", Status: "completed"}, {Content: "b", Status: "in_progress"}}},
		{Kind: translate.KindError, Error: "boom"},
		{Kind: translate.KindComplete, Status: "success"},
	} {
		m.apply(ev)
	}

	assert.Equal(t, []entry{
		{roleAssistant, "Hello world"},
		{roleTool, "[Tool: Bash]"},
		{roleTool, "[Error: t1]"},
		{roleTool, "[x] a\n[>] b"},
		{roleError, "boom"},
	}, m.transcript)
	assert.False(t, m.streaming)
}

func TestConfirmExit(t *testing.T) {
	m := initialModel(context.Background(), client.New("http://localhost", "k"), "conv-1")

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = next.(model)
	assert.Equal(t, stateConfirmExit, m.state)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = next.(model)
	assert.Equal(t, stateChatting, m.state)

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = next.(model)
	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("n")})
	assert.NotNil(t, cmd)
	assert.Equal(t, stateConfirmExit, next.(model).state)
}
