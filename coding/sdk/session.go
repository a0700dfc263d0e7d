package sdk

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/zahlmann/phitree/agent"
	"github.com/zahlmann/phitree/ai/model"
	"github.com/zahlmann/phitree/ai/provider"
	"github.com/zahlmann/phitree/coding/session"
)

type PromptOptions struct {
	Images            []model.ImageContent
	StreamingBehavior string
}

// SessionTree is the part of a session.Manager an AgentSession drives.
type SessionTree interface {
	SessionID() string
	AppendMessage(message model.Message) (string, error)
	AppendModelChange(provider, modelID string) (string, error)
	AppendThinkingLevelChange(level string) (string, error)
	AppendCompaction(summary, firstKeptEntryID string, tokensBefore int) (string, error)
	Branch(id string) error
	ResetLeaf() error
	LeafID() string
	GetTree() []*session.TreeNode
	BuildSessionContext() session.Context
	Close() error
}

type CreateSessionOptions struct {
	SystemPrompt   string
	Model          *model.Model
	ThinkingLevel  agent.ThinkingLevel
	Tools          []agent.Tool
	Session        SessionTree
	ProviderClient provider.Client
	Logger         *zap.Logger
}

// AgentSession binds an agent to one session tree. The agent reads its
// conversation from the branch ending at the leaf and appends everything it
// produces at the leaf.
type AgentSession struct {
	agent          *agent.Agent
	tree           SessionTree
	providerClient provider.Client
	log            *zap.Logger

	// turn serializes prompts and tree edits.
	turn sync.Mutex
}

// CreateAgentSession starts an agent over options.Session, or over a fresh
// in-memory session. Without an explicit model or thinking level the ones
// active at the session's leaf are used.
func CreateAgentSession(options CreateSessionOptions) *AgentSession {
	tree := options.Session
	if tree == nil {
		tree = session.InMemory("")
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	active := tree.BuildSessionContext()
	initial := agent.State{
		SystemPrompt: options.SystemPrompt,
		Model:        options.Model,
		Thinking:     options.ThinkingLevel,
		Tools:        options.Tools,
	}
	if initial.Model == nil && active.Model != nil {
		initial.Model = &model.Model{Provider: active.Model.Provider, ID: active.Model.ModelID}
	}
	if initial.Thinking == "" {
		initial.Thinking = agent.ThinkingLevel(active.ThinkingLevel)
	}
	return &AgentSession{
		agent:          agent.New(initial, treeHistory{tree}),
		tree:           tree,
		providerClient: options.ProviderClient,
		log:            logger.With(zap.String("session", tree.SessionID())),
	}
}

func (s *AgentSession) SessionID() string {
	return s.tree.SessionID()
}

func (s *AgentSession) Prompt(text string, options PromptOptions) error {
	return s.PromptContext(context.Background(), text, options)
}

// PromptContext records text as a user message and, with a provider
// configured, runs turns until the model answers without tools. Follow-ups
// queued during the turn are prompted afterwards, in order.
func (s *AgentSession) PromptContext(ctx context.Context, text string, options PromptOptions) error {
	msg := userMessage(text, options.Images)
	if s.agent.State().IsStreaming {
		switch options.StreamingBehavior {
		case "followUp":
			s.agent.FollowUp(msg)
			return nil
		case "steer":
			s.agent.Steer(msg)
			return nil
		}
	}

	s.turn.Lock()
	defer s.turn.Unlock()

	pending := []model.Message{msg}
	for len(pending) > 0 {
		next := pending[0]
		pending = pending[1:]
		if err := s.syncSettings(); err != nil {
			return err
		}
		if _, err := s.agent.Prompt(next); err != nil {
			return err
		}
		if s.providerClient == nil {
			continue
		}
		if _, err := s.agent.RunTurn(ctx, agent.RunnerOptions{
			Client:    s.providerClient,
			SessionID: s.tree.SessionID(),
		}); err != nil {
			s.log.Warn("turn failed", zap.Error(err))
			return err
		}
		pending = append(pending, s.agent.TakeFollowUps()...)
	}
	return nil
}

// syncSettings records a model or thinking level change when the agent's
// configuration differs from what is active at the leaf.
func (s *AgentSession) syncSettings() error {
	state := s.agent.State()
	active := s.tree.BuildSessionContext()
	if m := state.Model; m != nil {
		if active.Model == nil || active.Model.Provider != m.Provider || active.Model.ModelID != m.ID {
			if _, err := s.tree.AppendModelChange(m.Provider, m.ID); err != nil {
				return err
			}
		}
	}
	if state.Thinking != "" && string(state.Thinking) != active.ThinkingLevel {
		if _, err := s.tree.AppendThinkingLevelChange(string(state.Thinking)); err != nil {
			return err
		}
	}
	return nil
}

// SetModel switches the model and records the change at the leaf.
func (s *AgentSession) SetModel(m model.Model) error {
	if m.Provider == "" || m.ID == "" {
		return errors.New("model provider and id are required")
	}
	s.turn.Lock()
	defer s.turn.Unlock()
	s.agent.SetModel(&m)
	return s.syncSettings()
}

func (s *AgentSession) SetThinkingLevel(level agent.ThinkingLevel) error {
	if !level.Valid() {
		return errors.New("unknown thinking level " + string(level))
	}
	s.turn.Lock()
	defer s.turn.Unlock()
	s.agent.SetThinking(level)
	return s.syncSettings()
}

// Branch moves the leaf to id; the next prompt continues from there.
func (s *AgentSession) Branch(id string) error {
	s.turn.Lock()
	defer s.turn.Unlock()
	return s.tree.Branch(id)
}

func (s *AgentSession) ResetLeaf() error {
	s.turn.Lock()
	defer s.turn.Unlock()
	return s.tree.ResetLeaf()
}

// Compact records summary in place of everything on the current branch
// before firstKeptEntryID. The token count of the replaced context is
// estimated from its text.
func (s *AgentSession) Compact(summary, firstKeptEntryID string) (string, error) {
	if strings.TrimSpace(summary) == "" {
		return "", errors.New("compaction summary is required")
	}
	s.turn.Lock()
	defer s.turn.Unlock()
	tokens := model.EstimateTokens(s.tree.BuildSessionContext().Messages)
	id, err := s.tree.AppendCompaction(summary, firstKeptEntryID, tokens)
	if err != nil {
		return "", err
	}
	s.log.Info("session compacted", zap.String("first_kept", firstKeptEntryID), zap.Int("tokens_before", tokens))
	return id, nil
}

func (s *AgentSession) Tree() []*session.TreeNode {
	return s.tree.GetTree()
}

func (s *AgentSession) LeafID() string {
	return s.tree.LeafID()
}

// Messages is the conversation the next provider round will see.
func (s *AgentSession) Messages() []model.Message {
	return s.tree.BuildSessionContext().Messages
}

func (s *AgentSession) Steer(text string) {
	s.agent.Steer(userMessage(text, nil))
}

func (s *AgentSession) FollowUp(text string) {
	s.agent.FollowUp(userMessage(text, nil))
}

func (s *AgentSession) Subscribe(handler func(agent.Event)) (unsubscribe func()) {
	return s.agent.Subscribe(handler)
}

func (s *AgentSession) State() agent.State {
	return s.agent.State()
}

func (s *AgentSession) Close() error {
	s.turn.Lock()
	defer s.turn.Unlock()
	return s.tree.Close()
}

type treeHistory struct {
	tree SessionTree
}

func (h treeHistory) Messages() []model.Message {
	return h.tree.BuildSessionContext().Messages
}

func (h treeHistory) AppendMessage(message model.Message) (string, error) {
	return h.tree.AppendMessage(message)
}

func userMessage(text string, images []model.ImageContent) model.Message {
	content := make([]any, 0, 1+len(images))
	if strings.TrimSpace(text) != "" {
		content = append(content, model.TextContent{
			Type: model.ContentText,
			Text: text,
		})
	}
	for _, image := range images {
		content = append(content, image)
	}
	return model.Message{
		Role:    model.RoleUser,
		Content: content,
	}
}
