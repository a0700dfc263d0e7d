package sdk

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/zahlmann/phitree/agent"
	"github.com/zahlmann/phitree/coding/session"
)

type SessionFactory func(sessionID string) (*AgentSession, error)

// CatalogFactory resolves inbound session ids against catalog: an existing
// session is opened, an unknown id gets a new session under that id.
func CatalogFactory(catalog *session.Catalog, cwd string, base CreateSessionOptions) SessionFactory {
	return func(sessionID string) (*AgentSession, error) {
		m, err := catalog.Open(sessionID)
		if errors.Is(err, os.ErrNotExist) {
			m, err = catalog.CreateWithID(sessionID, cwd)
		}
		if err != nil {
			return nil, err
		}
		options := base
		options.Session = m
		return CreateAgentSession(options), nil
	}
}

type Runtime struct {
	queue    *agent.Queue
	factory  SessionFactory
	sessions map[string]*AgentSession
	mu       sync.RWMutex
}

// NewRuntime hosts sessions behind a worker queue. Errors that poison a
// session are not retried unless queueOptions says otherwise.
func NewRuntime(factory SessionFactory, queueOptions agent.QueueOptions) *Runtime {
	if factory == nil {
		factory = func(string) (*AgentSession, error) {
			return nil, errors.New("session factory is required")
		}
	}
	if queueOptions.Permanent == nil {
		queueOptions.Permanent = session.IsFatal
	}
	rt := &Runtime{
		factory:  factory,
		sessions: map[string]*AgentSession{},
	}
	rt.queue = agent.NewQueue(rt.handleInbound, queueOptions)
	return rt
}

func (r *Runtime) Start(ctx context.Context) error {
	return r.queue.Start(ctx)
}

func (r *Runtime) Stop() {
	r.queue.Stop()
}

// Wait blocks until every enqueued message has been handled.
func (r *Runtime) Wait() {
	r.queue.Wait()
}

// Close stops the queue and closes every hosted session.
func (r *Runtime) Close() error {
	r.queue.Stop()
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	for id, s := range r.sessions {
		err = multierr.Append(err, s.Close())
		delete(r.sessions, id)
	}
	return err
}

func (r *Runtime) Enqueue(ctx context.Context, message agent.InboundMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return r.queue.Enqueue(message)
	}
}

func (r *Runtime) GetSession(sessionID string) (*AgentSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[sessionID]
	return session, ok
}

func (r *Runtime) handleInbound(ctx context.Context, inbound agent.InboundMessage) error {
	if inbound.SessionID == "" {
		return errors.New("session id is required")
	}
	if strings.TrimSpace(inbound.Text) == "" {
		return errors.New("inbound message text is empty")
	}

	session, err := r.getOrCreateSession(inbound.SessionID)
	if err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return session.PromptContext(ctx, inbound.Text, PromptOptions{})
	}
}

func (r *Runtime) getOrCreateSession(sessionID string) (*AgentSession, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	r.mu.RLock()
	existing, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if ok {
		return existing, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[sessionID]; ok {
		return existing, nil
	}
	created, err := r.factory(sessionID)
	if err != nil {
		return nil, err
	}
	r.sessions[sessionID] = created
	return created, nil
}
