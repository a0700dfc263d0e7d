package sdk

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zahlmann/phitree/agent"
	"github.com/zahlmann/phitree/ai/model"
	"github.com/zahlmann/phitree/ai/provider"
	"github.com/zahlmann/phitree/ai/stream"
	"github.com/zahlmann/phitree/coding/session"
)

func TestSessionPromptWithoutProviderAppendsUserMessage(t *testing.T) {
	tree := session.InMemory("/work")
	s := CreateAgentSession(CreateSessionOptions{
		SystemPrompt:  "help",
		ThinkingLevel: agent.ThinkingOff,
		Session:       tree,
	})

	if err := s.Prompt("hello", PromptOptions{}); err != nil {
		t.Fatalf("prompt failed: %v", err)
	}

	if got := s.Messages(); len(got) != 1 || got[0].Text() != "hello" {
		t.Fatalf("unexpected context %#v", got)
	}
	// Default thinking level and no model: nothing but the message is recorded.
	if tree.EntryCount() != 1 {
		t.Fatalf("expected 1 entry, got %d", tree.EntryCount())
	}
}

func TestSessionPromptIncludesImages(t *testing.T) {
	s := CreateAgentSession(CreateSessionOptions{})

	image := model.ImageContent{
		Type:     model.ContentImage,
		MIMEType: "image/png",
		Data:     "abc",
	}
	if err := s.Prompt("hello", PromptOptions{Images: []model.ImageContent{image}}); err != nil {
		t.Fatalf("prompt failed: %v", err)
	}

	msg := s.Messages()[0]
	if len(msg.Content) != 2 {
		t.Fatalf("expected text + image in content, got %d items", len(msg.Content))
	}
}

func TestSessionPromptRunsProviderTurnAndPersistsAssistantMessages(t *testing.T) {
	tree := session.InMemory("/work")
	client := provider.MockClient{
		Handler: func(ctx context.Context, m model.Model, conversation model.Context, options provider.StreamOptions) (stream.EventStream, error) {
			return textStream("ok", m), nil
		},
	}

	s := CreateAgentSession(CreateSessionOptions{
		SystemPrompt:   "help",
		Model:          &model.Model{Provider: "mock", ID: "m1"},
		ThinkingLevel:  agent.ThinkingOff,
		Session:        tree,
		ProviderClient: client,
	})

	if err := s.Prompt("hello", PromptOptions{}); err != nil {
		t.Fatalf("prompt failed: %v", err)
	}

	entries := tree.Entries()
	// model change + user + assistant
	require.Len(t, entries, 3)
	change, ok := entries[0].(session.ModelChangeEntry)
	require.True(t, ok, "expected model change first, got %T", entries[0])
	assert.Equal(t, "m1", change.ModelID)
	reply, ok := entries[2].(session.MessageEntry)
	require.True(t, ok)
	assert.Equal(t, model.RoleAssistant, reply.Message.Role)
	assert.Equal(t, "mock", reply.Message.Provider)
	assert.Equal(t, entries[2].Base().ID, tree.LeafID())

	// Same model on the next prompt: no second change entry.
	require.NoError(t, s.Prompt("again", PromptOptions{}))
	assert.Equal(t, 5, tree.EntryCount())
}

func TestSessionPromptExecutesTools(t *testing.T) {
	tree := session.InMemory("/work")
	tool := &testWriteTool{}
	client := provider.MockClient{
		Handler: func(ctx context.Context, m model.Model, conversation model.Context, options provider.StreamOptions) (stream.EventStream, error) {
			if !conversationHasRole(conversation.Messages, model.RoleToolResult) {
				return toolCallStream("call_1", "write_file", map[string]any{
					"path":    "a.py",
					"content": "print('ok')",
				}, m), nil
			}
			return textStream("done", m), nil
		},
	}

	s := CreateAgentSession(CreateSessionOptions{
		SystemPrompt:   "help",
		Model:          &model.Model{Provider: "mock", ID: "m1"},
		ThinkingLevel:  agent.ThinkingOff,
		Tools:          []agent.Tool{tool},
		Session:        tree,
		ProviderClient: client,
	})
	if err := s.Prompt("hello", PromptOptions{}); err != nil {
		t.Fatalf("prompt failed: %v", err)
	}
	if tool.calls != 1 {
		t.Fatalf("expected tool call once, got %d", tool.calls)
	}
	messages := s.Messages()
	if len(messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(messages))
	}
	if messages[2].Role != model.RoleToolResult || messages[2].ToolCallID != "call_1" {
		t.Fatalf("unexpected tool result %#v", messages[2])
	}
}

func TestSessionBranchContinuesFromEarlierEntry(t *testing.T) {
	tree := session.InMemory("/work")
	client := provider.MockClient{
		Handler: func(ctx context.Context, m model.Model, conversation model.Context, options provider.StreamOptions) (stream.EventStream, error) {
			last := conversation.Messages[len(conversation.Messages)-1]
			return textStream("re: "+last.Text(), m), nil
		},
	}
	s := CreateAgentSession(CreateSessionOptions{
		Model:          &model.Model{Provider: "mock", ID: "m1"},
		Session:        tree,
		ProviderClient: client,
	})

	require.NoError(t, s.Prompt("first", PromptOptions{}))
	afterFirst := s.LeafID()
	require.NoError(t, s.Prompt("second", PromptOptions{}))

	require.NoError(t, s.Branch(afterFirst))
	require.NoError(t, s.Prompt("other", PromptOptions{}))

	got := []string{}
	for _, m := range s.Messages() {
		got = append(got, m.Text())
	}
	assert.Equal(t, []string{"first", "re: first", "other", "re: other"}, got)
	require.Len(t, s.Tree(), 1)

	require.NoError(t, s.ResetLeaf())
	assert.Empty(t, s.Messages())
}

func TestSessionSetModelRecordsChange(t *testing.T) {
	tree := session.InMemory("/work")
	s := CreateAgentSession(CreateSessionOptions{Session: tree})

	require.Error(t, s.SetModel(model.Model{}))
	require.NoError(t, s.SetModel(model.Model{Provider: "p", ID: "a"}))
	require.NoError(t, s.SetModel(model.Model{Provider: "p", ID: "a"}))
	require.NoError(t, s.SetThinkingLevel(agent.ThinkingHigh))
	require.Error(t, s.SetThinkingLevel("extreme"))

	ctx := tree.BuildSessionContext()
	require.NotNil(t, ctx.Model)
	assert.Equal(t, "a", ctx.Model.ModelID)
	assert.Equal(t, "high", ctx.ThinkingLevel)
	assert.Equal(t, 2, tree.EntryCount())
}

func TestSessionResumesModelFromTree(t *testing.T) {
	tree := session.InMemory("/work")
	_, err := tree.AppendModelChange("anthropic", "claude-x")
	require.NoError(t, err)
	_, err = tree.AppendThinkingLevelChange("low")
	require.NoError(t, err)

	s := CreateAgentSession(CreateSessionOptions{Session: tree})
	state := s.State()
	require.NotNil(t, state.Model)
	assert.Equal(t, model.Model{Provider: "anthropic", ID: "claude-x"}, *state.Model)
	assert.Equal(t, agent.ThinkingLow, state.Thinking)
}

func TestSessionCompact(t *testing.T) {
	tree := session.InMemory("/work")
	s := CreateAgentSession(CreateSessionOptions{Session: tree})
	require.NoError(t, s.Prompt("one two three four", PromptOptions{}))
	require.NoError(t, s.Prompt("keep me", PromptOptions{}))
	kept := s.LeafID()

	_, err := s.Compact("", kept)
	require.Error(t, err)
	_, err = s.Compact("user said numbers", "missing")
	require.ErrorIs(t, err, session.ErrNotFound)

	id, err := s.Compact("user said numbers", kept)
	require.NoError(t, err)
	entry, err := tree.GetEntry(id)
	require.NoError(t, err)
	compaction := entry.(session.CompactionEntry)
	assert.Greater(t, compaction.TokensBefore, 0)

	messages := s.Messages()
	require.Len(t, messages, 2)
	assert.Contains(t, messages[0].Text(), "user said numbers")
	assert.Equal(t, "keep me", messages[1].Text())
}

func TestSessionFollowUpsRunAfterTurn(t *testing.T) {
	tree := session.InMemory("/work")
	var s *AgentSession
	rounds := 0
	client := provider.MockClient{
		Handler: func(ctx context.Context, m model.Model, conversation model.Context, options provider.StreamOptions) (stream.EventStream, error) {
			rounds++
			if rounds == 1 {
				require.NoError(t, s.PromptContext(ctx, "and tests", PromptOptions{StreamingBehavior: "followUp"}))
			}
			return textStream("ok", m), nil
		},
	}
	s = CreateAgentSession(CreateSessionOptions{
		Model:          &model.Model{Provider: "mock", ID: "m1"},
		Session:        tree,
		ProviderClient: client,
	})

	require.NoError(t, s.Prompt("write code", PromptOptions{}))
	assert.Equal(t, 2, rounds)
	got := []string{}
	for _, m := range s.Messages() {
		got = append(got, m.Text())
	}
	assert.Equal(t, []string{"write code", "ok", "and tests", "ok"}, got)
}

type failingTree struct {
	*session.Manager
	err error
}

func (f failingTree) AppendMessage(model.Message) (string, error) {
	return "", f.err
}

func TestSessionPromptErrorPaths(t *testing.T) {
	t.Run("session append error", func(t *testing.T) {
		s := CreateAgentSession(CreateSessionOptions{
			Session: failingTree{Manager: session.InMemory("/work"), err: errors.New("persist failed")},
		})
		err := s.Prompt("hello", PromptOptions{})
		if err == nil || !strings.Contains(err.Error(), "persist failed") {
			t.Fatalf("expected session error, got %v", err)
		}
	})

	t.Run("provider error", func(t *testing.T) {
		tree := session.InMemory("/work")
		client := provider.MockClient{
			Handler: func(context.Context, model.Model, model.Context, provider.StreamOptions) (stream.EventStream, error) {
				return nil, errors.New("provider failed")
			},
		}
		s := CreateAgentSession(CreateSessionOptions{
			Model:          &model.Model{Provider: "mock", ID: "m1"},
			Session:        tree,
			ProviderClient: client,
		})
		err := s.Prompt("hello", PromptOptions{})
		if err == nil || !strings.Contains(err.Error(), "provider failed") {
			t.Fatalf("expected provider error, got %v", err)
		}
		if got := len(s.Messages()); got != 1 {
			t.Fatalf("expected user message to be persisted before provider failure, got %d", got)
		}
	})
}

func TestSessionSteeringDuringSingleRoundIsRecorded(t *testing.T) {
	tree := session.InMemory("/work")
	var s *AgentSession
	calls := 0
	client := provider.MockClient{
		Handler: func(ctx context.Context, m model.Model, conversation model.Context, options provider.StreamOptions) (stream.EventStream, error) {
			calls++
			if calls == 1 {
				require.NoError(t, s.PromptContext(ctx, "use tabs", PromptOptions{StreamingBehavior: "steer"}))
				return textStream("done", m), nil
			}
			return textStream("tabs it is", m), nil
		},
	}
	s = CreateAgentSession(CreateSessionOptions{
		Model:          &model.Model{Provider: "mock", ID: "m1"},
		Session:        tree,
		ProviderClient: client,
	})

	require.NoError(t, s.Prompt("format this", PromptOptions{}))

	var texts []string
	for _, msg := range s.Messages() {
		texts = append(texts, msg.Text())
	}
	assert.Equal(t, []string{"format this", "done", "use tabs", "tabs it is"}, texts)
	assert.Empty(t, s.agent.PendingSteer())
}

func TestSessionSteerAndFollowUpQueue(t *testing.T) {
	s := CreateAgentSession(CreateSessionOptions{})
	s.Steer("be concise")
	s.FollowUp("and include tests")

	steer := s.agent.PendingSteer()
	if len(steer) != 1 {
		t.Fatalf("expected 1 steer message, got %d", len(steer))
	}
	follow := s.agent.PendingFollowUp()
	if len(follow) != 1 {
		t.Fatalf("expected 1 follow-up message, got %d", len(follow))
	}
}

type testWriteTool struct {
	calls int
}

func (t *testWriteTool) Name() string {
	return "write_file"
}

func (t *testWriteTool) Description() string {
	return "test write tool"
}

func (t *testWriteTool) Parameters() map[string]any {
	return map[string]any{"type": "object"}
}

func (t *testWriteTool) Execute(toolCallID string, args map[string]any) (agent.ToolResult, error) {
	t.calls++
	return agent.ToolResult{
		Content: []model.TextContent{
			{Type: model.ContentText, Text: "ok"},
		},
	}, nil
}

func textStream(text string, m model.Model) stream.EventStream {
	return &stream.MockStream{
		Events: []stream.Event{
			{Type: stream.EventStart},
			{Type: stream.EventTextDelta, Delta: text},
			{Type: stream.EventDone},
		},
		ResultValue: &model.AssistantMessage{
			Role:       model.RoleAssistant,
			Content:    []any{model.TextContent{Type: model.ContentText, Text: text}},
			Provider:   m.Provider,
			Model:      m.ID,
			StopReason: model.StopReasonStop,
		},
	}
}

func toolCallStream(callID, name string, args map[string]any, m model.Model) stream.EventStream {
	return &stream.MockStream{
		Events: []stream.Event{
			{Type: stream.EventStart},
			{Type: stream.EventToolCall, ToolName: name, ToolCallID: callID, Arguments: args},
			{Type: stream.EventDone},
		},
		ResultValue: &model.AssistantMessage{
			Role: model.RoleAssistant,
			Content: []any{
				model.ToolCallContent{
					Type:      model.ContentToolCall,
					ID:        callID,
					Name:      name,
					Arguments: args,
				},
			},
			Provider:   m.Provider,
			Model:      m.ID,
			StopReason: model.StopReasonToolUse,
		},
	}
}

func conversationHasRole(messages []model.Message, role model.Role) bool {
	for _, message := range messages {
		if message.Role == role {
			return true
		}
	}
	return false
}
