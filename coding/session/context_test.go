package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zahlmann/phitree/ai/model"
)

func texts(messages []model.Message) []string {
	out := make([]string, 0, len(messages))
	for _, m := range messages {
		out = append(out, m.Text())
	}
	return out
}

func TestBuildSessionContextCompactionKeepsFromFirstKept(t *testing.T) {
	m := InMemory("/work")
	_, err := m.AppendMessage(user("A"))
	require.NoError(t, err)
	_, err = m.AppendMessage(assistant("B"))
	require.NoError(t, err)
	c, err := m.AppendMessage(user("C"))
	require.NoError(t, err)

	_, err = m.AppendCompaction("A asked, B answered", c, 500)
	require.NoError(t, err)
	ctx := m.BuildSessionContext()
	require.Len(t, ctx.Messages, 2)
	assert.Equal(t, model.RoleUser, ctx.Messages[0].Role)
	assert.Contains(t, ctx.Messages[0].Text(), "A asked, B answered")
	assert.True(t, strings.HasPrefix(ctx.Messages[0].Text(), compactionSummaryPrefix))
	assert.Equal(t, "C", ctx.Messages[1].Text())

	_, err = m.AppendMessage(assistant("D"))
	require.NoError(t, err)
	ctx = m.BuildSessionContext()
	require.Len(t, ctx.Messages, 3)
	assert.Equal(t, []string{"C", "D"}, texts(ctx.Messages[1:]))
}

func TestBuildSessionContextTracksModelAndThinking(t *testing.T) {
	m := InMemory("/work")
	_, _ = m.AppendModelChange("openai", "gpt-a")
	_, _ = m.AppendMessage(user("q"))
	_, _ = m.AppendModelChange("anthropic", "claude-b")
	_, _ = m.AppendThinkingLevelChange("high")
	_, _ = m.AppendMessage(assistant("a"))

	ctx := m.BuildSessionContext()
	require.NotNil(t, ctx.Model)
	assert.Equal(t, ModelRef{Provider: "anthropic", ModelID: "claude-b"}, *ctx.Model)
	assert.Equal(t, "high", ctx.ThinkingLevel)
	assert.Equal(t, []string{"q", "a"}, texts(ctx.Messages))
}

func TestBuildSessionContextIgnoresOtherBranches(t *testing.T) {
	m := InMemory("/work")
	a, _ := m.AppendMessage(user("a"))
	_, _ = m.AppendModelChange("p1", "m1")
	_, _ = m.AppendMessage(assistant("b"))
	require.NoError(t, m.Branch(a))
	_, _ = m.AppendMessage(assistant("c"))

	ctx := m.BuildSessionContext()
	assert.Nil(t, ctx.Model)
	assert.Equal(t, []string{"a", "c"}, texts(ctx.Messages))
}

func TestBuildSessionContextRepeatedCompaction(t *testing.T) {
	m := InMemory("/work")
	_, _ = m.AppendMessage(user("1"))
	second, _ := m.AppendMessage(assistant("2"))
	_, err := m.AppendCompaction("first summary", second, 10)
	require.NoError(t, err)
	_, _ = m.AppendMessage(user("3"))
	fourth, _ := m.AppendMessage(assistant("4"))

	_, err = m.AppendCompaction("second summary", fourth, 20)
	require.NoError(t, err)
	_, _ = m.AppendMessage(user("5"))

	ctx := m.BuildSessionContext()
	require.Len(t, ctx.Messages, 3)
	assert.Contains(t, ctx.Messages[0].Text(), "second summary")
	assert.NotContains(t, ctx.Messages[0].Text(), "first summary")
	assert.Equal(t, []string{"4", "5"}, texts(ctx.Messages[1:]))
}

func TestBuildSessionContextFirstKeptNotOnPathDropsEverything(t *testing.T) {
	root := "a"
	path := []Entry{
		MessageEntry{EntryBase: EntryBase{Type: TypeMessage, ID: "a"}, Message: user("old")},
		CompactionEntry{
			EntryBase:        EntryBase{Type: TypeCompaction, ID: "k", ParentID: &root},
			Summary:          "gone",
			FirstKeptEntryID: "elsewhere",
		},
	}
	ctx := BuildSessionContext(path)
	require.Len(t, ctx.Messages, 1)
	assert.Contains(t, ctx.Messages[0].Text(), "gone")
}

func TestBuildSessionContextKeepsToolCallsAndResults(t *testing.T) {
	m := InMemory("/work")
	_, _ = m.AppendMessage(user("read a.go"))
	call := model.Message{
		Role: model.RoleAssistant,
		Content: []any{model.ToolCallContent{
			Type:      model.ContentToolCall,
			ID:        "call_1",
			Name:      "read",
			Arguments: map[string]any{"path": "a.go"},
		}},
		Provider:   "mock",
		Model:      "m1",
		StopReason: model.StopReasonToolUse,
	}
	_, _ = m.AppendMessage(call)
	_, _ = m.AppendMessage(model.Message{
		Role:       model.RoleToolResult,
		ToolCallID: "call_1",
		ToolName:   "read",
		Content:    []any{model.TextContent{Type: model.ContentText, Text: "package a"}},
	})

	ctx := m.BuildSessionContext()
	require.Len(t, ctx.Messages, 3)
	calls := ctx.Messages[1].ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "read", calls[0].Name)
	assert.Equal(t, "mock", ctx.Messages[1].Provider)
	assert.Equal(t, model.RoleToolResult, ctx.Messages[2].Role)
	assert.Equal(t, "call_1", ctx.Messages[2].ToolCallID)
}

func TestBuildSessionContextEmptyPath(t *testing.T) {
	ctx := BuildSessionContext(nil)
	assert.NotNil(t, ctx.Messages)
	assert.Empty(t, ctx.Messages)
	assert.Equal(t, DefaultThinkingLevel, ctx.ThinkingLevel)
}
