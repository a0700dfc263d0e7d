package agent

import (
	"sync"

	"github.com/zahlmann/phitree/ai/model"
)

type ThinkingLevel string

const (
	ThinkingOff     ThinkingLevel = "off"
	ThinkingMinimal ThinkingLevel = "minimal"
	ThinkingLow     ThinkingLevel = "low"
	ThinkingMedium  ThinkingLevel = "medium"
	ThinkingHigh    ThinkingLevel = "high"
	ThinkingXHigh   ThinkingLevel = "xhigh"
)

func (l ThinkingLevel) Valid() bool {
	switch l {
	case ThinkingOff, ThinkingMinimal, ThinkingLow, ThinkingMedium, ThinkingHigh, ThinkingXHigh:
		return true
	}
	return false
}

type EventType string

const (
	EventAgentStart         EventType = "agent_start"
	EventAgentEnd           EventType = "agent_end"
	EventTurnStart          EventType = "turn_start"
	EventTurnEnd            EventType = "turn_end"
	EventMessageStart       EventType = "message_start"
	EventMessageUpdate      EventType = "message_update"
	EventMessageEnd         EventType = "message_end"
	EventToolExecutionStart EventType = "tool_execution_start"
	EventToolExecutionEnd   EventType = "tool_execution_end"
)

type Event struct {
	Type       EventType `json:"type"`
	Message    any       `json:"message,omitempty"`
	EntryID    string    `json:"entryId,omitempty"`
	ToolName   string    `json:"toolName,omitempty"`
	ToolCallID string    `json:"toolCallId,omitempty"`
	IsError    bool      `json:"isError,omitempty"`
}

type ToolResult struct {
	Content []model.TextContent `json:"content"`
	Details map[string]any      `json:"details,omitempty"`
}

type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(toolCallID string, args map[string]any) (ToolResult, error)
}

type State struct {
	SystemPrompt string        `json:"systemPrompt"`
	Model        *model.Model  `json:"model,omitempty"`
	Thinking     ThinkingLevel `json:"thinkingLevel"`
	IsStreaming  bool          `json:"isStreaming"`
	Tools        []Tool        `json:"-"`
}

// History is the conversation a turn reads before every provider round and
// the log it records each produced message into. AppendMessage returns the
// id the message was stored under.
type History interface {
	Messages() []model.Message
	AppendMessage(message model.Message) (string, error)
}

// MemoryHistory is a History kept in a slice.
type MemoryHistory struct {
	mu       sync.RWMutex
	messages []model.Message
}

func NewMemoryHistory(initial ...model.Message) *MemoryHistory {
	return &MemoryHistory{messages: append([]model.Message{}, initial...)}
}

func (h *MemoryHistory) Messages() []model.Message {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]model.Message{}, h.messages...)
}

func (h *MemoryHistory) AppendMessage(message model.Message) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, message)
	return "", nil
}
