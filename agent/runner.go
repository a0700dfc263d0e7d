package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zahlmann/phitree/ai/model"
	"github.com/zahlmann/phitree/ai/provider"
	"github.com/zahlmann/phitree/ai/stream"
)

type RunnerOptions struct {
	Client        provider.Client
	SessionID     string
	Tools         []Tool
	MaxToolRounds int
}

// RunTurn streams provider rounds until the model stops asking for tools.
// Every round sends the history as it stands; every assistant reply and tool
// result is appended to the history before the next round.
func (a *Agent) RunTurn(ctx context.Context, options RunnerOptions) (*model.AssistantMessage, error) {
	if options.Client == nil {
		return nil, errors.New("provider client is required")
	}
	state := a.State()
	if state.Model == nil {
		return nil, errors.New("model is required")
	}

	tools := options.Tools
	if len(tools) == 0 {
		tools = state.Tools
	}
	maxRounds := options.MaxToolRounds
	if maxRounds <= 0 {
		maxRounds = 8
	}

	a.emit(Event{Type: EventTurnStart})
	a.setStreaming(true)
	defer a.setStreaming(false)

	var lastAssistant *model.AssistantMessage
	for round := 0; round < maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return lastAssistant, err
		}
		if _, err := a.recordSteering(); err != nil {
			return lastAssistant, err
		}

		conversation := model.Context{
			SystemPrompt: state.SystemPrompt,
			Messages:     a.history.Messages(),
			Tools:        toModelTools(tools),
		}

		evStream, err := options.Client.Stream(ctx, *state.Model, conversation, provider.StreamOptions{
			SessionID:     options.SessionID,
			ThinkingLevel: string(state.Thinking),
		})
		if err != nil {
			return lastAssistant, err
		}

		for {
			ev, recvErr := evStream.Recv()
			if recvErr != nil {
				break
			}
			a.emit(Event{
				Type:    mapStreamEventType(ev.Type),
				Message: ev,
			})
		}

		result, err := evStream.Result()
		_ = evStream.Close()
		if err != nil {
			return lastAssistant, err
		}
		if result.Timestamp == 0 {
			result.Timestamp = time.Now().UnixMilli()
		}

		entryID, err := a.history.AppendMessage(result.AsMessage())
		if err != nil {
			return lastAssistant, fmt.Errorf("record assistant message: %w", err)
		}
		a.emit(Event{Type: EventMessageEnd, Message: *result, EntryID: entryID})
		lastAssistant = result

		toolCalls := extractToolCalls(result.Content)
		if len(toolCalls) == 0 || result.StopReason != model.StopReasonToolUse {
			// Steering that arrived during the final round gets its own round.
			steered, err := a.recordSteering()
			if err != nil {
				return lastAssistant, err
			}
			if steered {
				continue
			}
			a.emit(Event{Type: EventTurnEnd})
			return result, nil
		}

		for _, call := range toolCalls {
			toolResultMessage, hasError := executeToolCall(tools, call, a.emit)
			entryID, err := a.history.AppendMessage(toolResultMessage)
			if err != nil {
				return lastAssistant, fmt.Errorf("record tool result: %w", err)
			}
			a.emit(Event{
				Type:       EventToolExecutionEnd,
				ToolName:   call.Name,
				ToolCallID: call.ID,
				IsError:    hasError,
				Message:    toolResultMessage,
				EntryID:    entryID,
			})
		}
	}

	a.emit(Event{Type: EventTurnEnd})
	if lastAssistant != nil {
		return lastAssistant, fmt.Errorf("max tool rounds reached without final assistant response")
	}
	return nil, fmt.Errorf("max tool rounds reached without assistant response")
}

// recordSteering appends queued steering messages to the history and
// reports whether there were any.
func (a *Agent) recordSteering() (bool, error) {
	steering := a.takeSteering()
	for _, msg := range steering {
		if _, err := a.Prompt(msg); err != nil {
			return false, fmt.Errorf("record steering message: %w", err)
		}
	}
	return len(steering) > 0, nil
}

func executeToolCall(tools []Tool, call model.ToolCallContent, emit func(Event)) (model.Message, bool) {
	emit(Event{
		Type:       EventToolExecutionStart,
		ToolName:   call.Name,
		ToolCallID: call.ID,
	})

	tool := findTool(tools, call.Name)
	if tool == nil {
		return toolResult(call, "Tool not found: "+call.Name, true), true
	}

	result, err := tool.Execute(call.ID, call.Arguments)
	if err != nil {
		return toolResult(call, "Tool execution error: "+err.Error(), true), true
	}

	content := make([]any, 0, len(result.Content))
	for _, item := range result.Content {
		content = append(content, item)
	}
	if len(content) == 0 {
		content = append(content, model.TextContent{
			Type: model.ContentText,
			Text: "(tool returned no output)",
		})
	}

	return model.Message{
		Role:       model.RoleToolResult,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    content,
		Timestamp:  time.Now().UnixMilli(),
	}, false
}

func toolResult(call model.ToolCallContent, text string, isError bool) model.Message {
	return model.Message{
		Role:       model.RoleToolResult,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Content:    []any{model.TextContent{Type: model.ContentText, Text: text}},
		IsError:    isError,
		Timestamp:  time.Now().UnixMilli(),
	}
}

func findTool(tools []Tool, name string) Tool {
	for _, tool := range tools {
		if tool != nil && tool.Name() == name {
			return tool
		}
	}
	return nil
}

func extractToolCalls(content []any) []model.ToolCallContent {
	out := []model.ToolCallContent{}
	for _, item := range content {
		switch v := item.(type) {
		case model.ToolCallContent:
			out = append(out, v)
		case map[string]any:
			kind, _ := v["type"].(string)
			if kind != string(model.ContentToolCall) {
				continue
			}
			call := model.ToolCallContent{
				Type: model.ContentToolCall,
			}
			call.ID, _ = v["id"].(string)
			call.Name, _ = v["name"].(string)
			if args, ok := v["arguments"].(map[string]any); ok {
				call.Arguments = args
			} else {
				call.Arguments = map[string]any{}
			}
			out = append(out, call)
		}
	}
	return out
}

func toModelTools(tools []Tool) []model.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]model.Tool, 0, len(tools))
	for _, tool := range tools {
		if tool == nil {
			continue
		}
		out = append(out, model.Tool{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}
	return out
}

func (a *Agent) setStreaming(value bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.IsStreaming = value
}

func mapStreamEventType(t stream.EventType) EventType {
	switch t {
	case stream.EventStart:
		return EventMessageStart
	case stream.EventTextDelta, stream.EventThinkingDelta:
		return EventMessageUpdate
	case stream.EventToolCall:
		return EventToolExecutionStart
	case stream.EventDone:
		return EventMessageEnd
	case stream.EventError:
		return EventToolExecutionEnd
	default:
		return EventMessageUpdate
	}
}
