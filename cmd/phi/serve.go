package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/zahlmann/phitree/agent"
	"github.com/zahlmann/phitree/ai/model"
	"github.com/zahlmann/phitree/coding/sdk"
)

func (a *app) serveCmd() *cobra.Command {
	var sessionID, cwd string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer prompts read from stdin through the worker queue",
		Long: `serve reads one prompt per line from stdin and hands it to a pool of
workers sized by the queue section of the config. Each line is a JSON object
{"sessionId": "...", "text": "..."}; with --session every line is plain text
for that session. Unknown session ids start new sessions. Replies are printed
as "<session>\t<text>" once the model answers.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			client, err := clientFor(a.cfg.Model.Provider)
			if err != nil {
				return err
			}
			c, err := a.catalog()
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, c.Close()) }()

			out := &replyWriter{w: cmd.OutOrStdout()}
			base := sdk.CatalogFactory(c, cwd, sdk.CreateSessionOptions{
				SystemPrompt:   a.cfg.SystemPrompt,
				Model:          &model.Model{Provider: a.cfg.Model.Provider, ID: a.cfg.Model.ID},
				ProviderClient: client,
				Logger:         a.logger,
			})
			factory := func(id string) (*sdk.AgentSession, error) {
				s, err := base(id)
				if err != nil {
					return nil, err
				}
				s.Subscribe(out.observe(id))
				return s, nil
			}

			q := a.cfg.Queue
			rt := sdk.NewRuntime(factory, agent.QueueOptions{
				Workers:    q.Workers,
				BufferSize: q.BufferSize,
				MaxRetries: q.MaxRetries,
				RetryDelay: q.RetryDelay(),
				Logger:     a.logger.Named("queue"),
			})
			if err := rt.Start(cmd.Context()); err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, rt.Close()) }()

			n, err := a.feed(cmd, rt, sessionID)
			rt.Wait()
			a.logger.Info("input drained", zap.Int("messages", n))
			return err
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "Send every line as plain text to this session")
	cmd.Flags().StringVar(&cwd, "cwd", "", "Working directory recorded for new sessions")
	return cmd
}

// feed enqueues stdin line by line, backing off while the queue is full.
func (a *app) feed(cmd *cobra.Command, rt *sdk.Runtime, sessionID string) (int, error) {
	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	n := 0
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		msg, err := parseInbound(text, sessionID)
		if err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		msg.ID = uuid.NewString()
		msg.ReceivedAt = time.Now()
		for {
			err = rt.Enqueue(cmd.Context(), msg)
			if !errors.Is(err, agent.ErrQueueFull) {
				break
			}
			time.Sleep(a.cfg.Queue.RetryDelay())
		}
		if err != nil {
			return n, err
		}
		n++
	}
	return n, scanner.Err()
}

func parseInbound(line, sessionID string) (agent.InboundMessage, error) {
	if sessionID != "" {
		return agent.InboundMessage{SessionID: sessionID, Text: line}, nil
	}
	var msg agent.InboundMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return msg, fmt.Errorf("expected {\"sessionId\", \"text\"}: %w", err)
	}
	if msg.SessionID == "" {
		return msg, errors.New("sessionId is required")
	}
	return msg, nil
}

// replyWriter prints assistant replies from concurrent workers one line at a
// time.
type replyWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (r *replyWriter) observe(sessionID string) func(agent.Event) {
	return func(ev agent.Event) {
		if ev.Type != agent.EventMessageEnd {
			return
		}
		reply, ok := ev.Message.(model.AssistantMessage)
		if !ok {
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		fmt.Fprintf(r.w, "%s\t%s\n", sessionID, reply.AsMessage().Text())
	}
}
