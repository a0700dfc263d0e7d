package provider

import (
	"context"
	"time"

	"github.com/zahlmann/phitree/ai/model"
	"github.com/zahlmann/phitree/ai/stream"
)

// EchoClient is an offline provider. It answers every request with the text
// of the last user message, prefixed with Prefix.
type EchoClient struct {
	Prefix string
	Now    func() time.Time
}

func (c EchoClient) Stream(ctx context.Context, m model.Model, conversation model.Context, options StreamOptions) (stream.EventStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := c.Prefix
	if prefix == "" {
		prefix = "echo: "
	}
	now := c.Now
	if now == nil {
		now = time.Now
	}

	text := "(nothing to echo)"
	for i := len(conversation.Messages) - 1; i >= 0; i-- {
		if msg := conversation.Messages[i]; msg.Role == model.RoleUser {
			text = prefix + msg.Text()
			break
		}
	}
	input := model.EstimateTokens(conversation.Messages)
	output := model.EstimateTokens([]model.Message{model.NewTextMessage(model.RoleAssistant, text)})
	return stream.FromMessage(&model.AssistantMessage{
		Role:       model.RoleAssistant,
		Content:    []any{model.TextContent{Type: model.ContentText, Text: text}},
		Provider:   m.Provider,
		Model:      m.ID,
		StopReason: model.StopReasonStop,
		Usage:      model.Usage{Input: input, Output: output, Total: input + output},
		Timestamp:  now().UnixMilli(),
	}), nil
}
