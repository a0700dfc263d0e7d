package stream

import (
	"errors"
	"io"

	"github.com/zahlmann/phitree/ai/model"
)

// StaticEventStream replays a fixed list of events and then yields a fixed
// result.
type StaticEventStream struct {
	Events    []Event
	ResultMsg *model.AssistantMessage
	ResultErr error
	index     int
	closed    bool
}

// FromMessage scripts the events a provider would have emitted while
// producing msg: start, one delta per text or thinking block, one event per
// tool call, then done.
func FromMessage(msg *model.AssistantMessage) *StaticEventStream {
	events := []Event{{Type: EventStart}}
	for _, item := range msg.Content {
		switch v := item.(type) {
		case model.TextContent:
			events = append(events, Event{Type: EventTextDelta, Delta: v.Text})
		case model.ThinkingContent:
			events = append(events, Event{Type: EventThinkingDelta, Delta: v.Thinking})
		case model.ToolCallContent:
			events = append(events, Event{
				Type:       EventToolCall,
				ToolName:   v.Name,
				ToolCallID: v.ID,
				Arguments:  v.Arguments,
			})
		}
	}
	events = append(events, Event{Type: EventDone, Reason: msg.StopReason})
	return &StaticEventStream{Events: events, ResultMsg: msg}
}

func (s *StaticEventStream) Recv() (Event, error) {
	if s.closed {
		return Event{}, errors.New("stream closed")
	}
	if s.index >= len(s.Events) {
		return Event{}, io.EOF
	}
	ev := s.Events[s.index]
	s.index++
	return ev, nil
}

func (s *StaticEventStream) Result() (*model.AssistantMessage, error) {
	if s.ResultErr != nil {
		return nil, s.ResultErr
	}
	if s.ResultMsg == nil {
		return nil, errors.New("no result")
	}
	return s.ResultMsg, nil
}

func (s *StaticEventStream) Close() error {
	s.closed = true
	return nil
}
