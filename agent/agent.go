package agent

import (
	"errors"
	"sync"

	"github.com/zahlmann/phitree/ai/model"
)

type Agent struct {
	mu       sync.RWMutex
	state    State
	history  History
	handlers []func(Event)
	steerQ   []model.Message
	followQ  []model.Message
}

// New returns an agent over history. A nil history starts an empty
// MemoryHistory.
func New(initial State, history History) *Agent {
	if history == nil {
		history = NewMemoryHistory()
	}
	return &Agent{state: initial, history: history}
}

func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Agent) History() History {
	return a.history
}

func (a *Agent) SetModel(m *model.Model) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Model = m
}

func (a *Agent) SetThinking(level ThinkingLevel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.Thinking = level
}

func (a *Agent) Subscribe(handler func(Event)) (unsubscribe func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers = append(a.handlers, handler)
	idx := len(a.handlers) - 1
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if idx >= 0 && idx < len(a.handlers) {
			a.handlers[idx] = nil
		}
	}
}

func (a *Agent) emit(event Event) {
	a.mu.RLock()
	handlers := append([]func(Event){}, a.handlers...)
	a.mu.RUnlock()
	for _, h := range handlers {
		if h != nil {
			h(event)
		}
	}
}

// Prompt records message in the history and returns its entry id.
func (a *Agent) Prompt(message model.Message) (string, error) {
	if message.Role == "" {
		return "", errors.New("message role is required")
	}
	id, err := a.history.AppendMessage(message)
	if err != nil {
		return "", err
	}
	a.emit(Event{Type: EventMessageStart, Message: message})
	a.emit(Event{Type: EventMessageEnd, Message: message, EntryID: id})
	return id, nil
}

// Steer queues a message that is recorded before the next provider round of
// the running turn.
func (a *Agent) Steer(message model.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.steerQ = append(a.steerQ, message)
}

// FollowUp queues a message for the caller to prompt once the turn ends.
func (a *Agent) FollowUp(message model.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.followQ = append(a.followQ, message)
}

func (a *Agent) PendingSteer() []model.Message {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]model.Message, len(a.steerQ))
	copy(out, a.steerQ)
	return out
}

func (a *Agent) PendingFollowUp() []model.Message {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]model.Message, len(a.followQ))
	copy(out, a.followQ)
	return out
}

// TakeFollowUps empties the follow-up queue and returns what it held.
func (a *Agent) TakeFollowUps() []model.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.followQ
	a.followQ = nil
	return out
}

func (a *Agent) takeSteering() []model.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.steerQ
	a.steerQ = nil
	return out
}
