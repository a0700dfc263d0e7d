package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// NewTextMessage builds a single-block text message.
func NewTextMessage(role Role, text string) Message {
	return Message{
		Role:    role,
		Content: []any{TextContent{Type: ContentText, Text: text}},
	}
}

// Text joins the text blocks of the message.
func (m Message) Text() string {
	return ExtractText(m.Content)
}

// ToolCalls returns the tool-call blocks of the message in order.
func (m Message) ToolCalls() []ToolCallContent {
	out := []ToolCallContent{}
	for _, item := range m.Content {
		switch v := item.(type) {
		case ToolCallContent:
			out = append(out, v)
		case *ToolCallContent:
			out = append(out, *v)
		}
	}
	return out
}

// UnmarshalJSON accepts content either as a plain string or as a list of
// typed blocks.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var aux struct {
		plain
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	content, err := DecodeContent(aux.Content)
	if err != nil {
		return fmt.Errorf("decode %s message content: %w", aux.Role, err)
	}
	*m = Message(aux.plain)
	m.Content = content
	return nil
}

func (a *AssistantMessage) UnmarshalJSON(data []byte) error {
	type plain AssistantMessage
	var aux struct {
		plain
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	content, err := DecodeContent(aux.Content)
	if err != nil {
		return fmt.Errorf("decode assistant content: %w", err)
	}
	*a = AssistantMessage(aux.plain)
	a.Content = content
	return nil
}

// DecodeContent turns raw JSON content into typed blocks.
func DecodeContent(raw json.RawMessage) ([]any, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return []any{}, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, err
		}
		return []any{TextContent{Type: ContentText, Text: text}}, nil
	}

	var blocks []json.RawMessage
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, err
	}
	out := make([]any, 0, len(blocks))
	for i, block := range blocks {
		item, err := decodeBlock(block)
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", i, err)
		}
		out = append(out, item)
	}
	return out, nil
}

func decodeBlock(raw json.RawMessage) (any, error) {
	var head struct {
		Type ContentType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}
	switch head.Type {
	case ContentText:
		var v TextContent
		err := json.Unmarshal(raw, &v)
		return v, err
	case ContentImage:
		var v ImageContent
		err := json.Unmarshal(raw, &v)
		return v, err
	case ContentThinking:
		var v ThinkingContent
		err := json.Unmarshal(raw, &v)
		return v, err
	case ContentToolCall:
		var v ToolCallContent
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		if v.Arguments == nil {
			v.Arguments = map[string]any{}
		}
		return v, nil
	default:
		var v map[string]any
		err := json.Unmarshal(raw, &v)
		return v, err
	}
}

// ExtractText joins the non-blank text blocks of content with newlines.
func ExtractText(content []any) string {
	parts := []string{}
	for _, item := range content {
		switch v := item.(type) {
		case TextContent:
			if strings.TrimSpace(v.Text) != "" {
				parts = append(parts, v.Text)
			}
		case map[string]any:
			kind, _ := v["type"].(string)
			if kind == string(ContentText) {
				text, _ := v["text"].(string)
				if strings.TrimSpace(text) != "" {
					parts = append(parts, text)
				}
			}
		}
	}
	return strings.Join(parts, "\n")
}

// EstimateTokens is a rough size for messages, four bytes of text, thinking
// or tool arguments per token.
func EstimateTokens(messages []Message) int {
	chars := 0
	for _, m := range messages {
		for _, item := range m.Content {
			switch v := item.(type) {
			case TextContent:
				chars += len(v.Text)
			case ThinkingContent:
				chars += len(v.Thinking)
			case ToolCallContent:
				chars += len(v.Name)
				if args, err := json.Marshal(v.Arguments); err == nil {
					chars += len(args)
				}
			}
		}
	}
	return (chars + 3) / 4
}
