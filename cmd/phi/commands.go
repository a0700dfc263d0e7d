package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zahlmann/phitree/agent"
	"github.com/zahlmann/phitree/ai/model"
	"github.com/zahlmann/phitree/ai/provider"
	"github.com/zahlmann/phitree/coding/sdk"
	"github.com/zahlmann/phitree/coding/session"
)

func (a *app) newCmd() *cobra.Command {
	var cwd string
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Start an empty session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cwd == "" {
				cwd, _ = os.Getwd()
			}
			return a.withCatalog(func(c *session.Catalog) error {
				m, err := c.Create(cwd)
				if err != nil {
					return err
				}
				defer m.Close()
				fmt.Fprintln(cmd.OutOrStdout(), m.SessionID())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&cwd, "cwd", "", "Working directory recorded in the header (default: current)")
	return cmd
}

func (a *app) lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCatalog(func(c *session.Catalog) error {
				infos, err := c.List(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to list sessions: %w", err)
				}
				if len(infos) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No sessions found.")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderInfos(infos))
				return nil
			})
		},
	}
}

func (a *app) sayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "say <session> <text>...",
		Short: "Prompt the session at its leaf and print the reply",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(args[0], func(_ *session.Catalog, m *session.Manager) error {
				s, err := a.agentSession(m)
				if err != nil {
					return err
				}
				if err := s.PromptContext(cmd.Context(), strings.Join(args[1:], " "), sdk.PromptOptions{}); err != nil {
					return err
				}
				messages := s.Messages()
				if len(messages) > 0 {
					fmt.Fprintln(cmd.OutOrStdout(), messages[len(messages)-1].Text())
				}
				return nil
			})
		},
	}
}

func (a *app) treeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree <session>",
		Short: "Show every branch of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withReadOnly(args[0], func(m *session.Manager) error {
				fmt.Fprintln(cmd.OutOrStdout(), renderTree(m))
				return nil
			})
		},
	}
}

func (a *app) branchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "branch <session> <entry>",
		Short: "Move the leaf to an earlier entry",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(args[0], func(_ *session.Catalog, m *session.Manager) error {
				if err := m.Branch(args[1]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "leaf is now %s\n", args[1])
				return nil
			})
		},
	}
}

func (a *app) resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset <session>",
		Short: "Clear the leaf; the next entry starts a new root",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(args[0], func(_ *session.Catalog, m *session.Manager) error {
				return m.ResetLeaf()
			})
		},
	}
}

func (a *app) contextCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "context <session>",
		Short: "Print the messages a model would see at the leaf",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withReadOnly(args[0], func(m *session.Manager) error {
				ctx := m.BuildSessionContext()
				if at != "" {
					var err error
					if ctx, err = m.BuildSessionContextAt(at); err != nil {
						return err
					}
				}
				fmt.Fprint(cmd.OutOrStdout(), renderContext(ctx))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "Build the context at this entry instead of the leaf")
	return cmd
}

func (a *app) modelCmd() *cobra.Command {
	var thinking string
	cmd := &cobra.Command{
		Use:   "model <session> [<provider> <model-id>]",
		Short: "Record a model or thinking level change at the leaf",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 && len(args) != 3 {
				return errors.New("expected <session> or <session> <provider> <model-id>")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 && thinking == "" {
				return errors.New("nothing to change: pass a model or --thinking")
			}
			return a.withSession(args[0], func(_ *session.Catalog, m *session.Manager) error {
				s := sdk.CreateAgentSession(sdk.CreateSessionOptions{Session: m, Logger: a.logger})
				if len(args) == 3 {
					if err := s.SetModel(model.Model{Provider: args[1], ID: args[2]}); err != nil {
						return err
					}
				}
				if thinking != "" {
					return s.SetThinkingLevel(agent.ThinkingLevel(thinking))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&thinking, "thinking", "", "Thinking level: off, minimal, low, medium, high, xhigh")
	return cmd
}

func (a *app) compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact <session> <first-kept-entry> <summary>...",
		Short: "Summarize everything on the branch before an entry",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withSession(args[0], func(_ *session.Catalog, m *session.Manager) error {
				s := sdk.CreateAgentSession(sdk.CreateSessionOptions{Session: m, Logger: a.logger})
				id, err := s.Compact(strings.Join(args[2:], " "), args[1])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
}

func (a *app) exportCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export <session>",
		Short: "Write the raw session log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCatalog(func(c *session.Catalog) error {
				id, err := resolveID(c, args[0])
				if err != nil {
					return err
				}
				var w io.Writer = cmd.OutOrStdout()
				if output != "" {
					f, err := os.Create(output)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				return c.Export(id, w)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to a file instead of stdout")
	return cmd
}

func (a *app) forkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fork <session> [entry]",
		Short: "Copy a branch into a new session",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from := ""
			if len(args) == 2 {
				from = args[1]
			}
			return a.withSession(args[0], func(c *session.Catalog, m *session.Manager) error {
				forked, err := c.Fork(m, from)
				if err != nil {
					return err
				}
				defer forked.Close()
				fmt.Fprintln(cmd.OutOrStdout(), forked.SessionID())
				return nil
			})
		},
	}
}

func (a *app) rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <session>",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withCatalog(func(c *session.Catalog) error {
				id, err := resolveID(c, args[0])
				if err != nil {
					return err
				}
				return c.Delete(id)
			})
		},
	}
}

func (a *app) withCatalog(fn func(c *session.Catalog) error) error {
	c, err := a.catalog()
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

// withSession opens the session for writing for the duration of fn.
func (a *app) withSession(ref string, fn func(c *session.Catalog, m *session.Manager) error) error {
	return a.withCatalog(func(c *session.Catalog) error {
		id, err := resolveID(c, ref)
		if err != nil {
			return err
		}
		m, err := c.Open(id)
		if err != nil {
			return err
		}
		defer m.Close()
		return fn(c, m)
	})
}

// withReadOnly replays the session without taking its writer lock.
func (a *app) withReadOnly(ref string, fn func(m *session.Manager) error) error {
	return a.withCatalog(func(c *session.Catalog) error {
		id, err := resolveID(c, ref)
		if err != nil {
			return err
		}
		reader, err := c.Backend().Reader(id)
		if err != nil {
			return err
		}
		m, err := session.OpenReadOnly(reader, session.WithLogger(a.logger))
		if err != nil {
			return err
		}
		return fn(m)
	})
}

// resolveID accepts a full session id or a unique prefix of one.
func resolveID(c *session.Catalog, ref string) (string, error) {
	ids, err := c.Backend().IDs()
	if err != nil {
		return "", err
	}
	var matches []string
	for _, id := range ids {
		if id == ref {
			return id, nil
		}
		if strings.HasPrefix(id, ref) {
			matches = append(matches, id)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("session %s: %w", ref, os.ErrNotExist)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("session prefix %q is ambiguous (%d matches)", ref, len(matches))
	}
}

// agentSession binds m to the provider of its active model, falling back to
// the configured model for a session that has none.
func (a *app) agentSession(m *session.Manager) (*sdk.AgentSession, error) {
	options := sdk.CreateSessionOptions{
		SystemPrompt: a.cfg.SystemPrompt,
		Session:      m,
		Logger:       a.logger,
	}
	active := m.BuildSessionContext().Model
	if active == nil {
		options.Model = &model.Model{Provider: a.cfg.Model.Provider, ID: a.cfg.Model.ID}
	}
	providerName := a.cfg.Model.Provider
	if active != nil {
		providerName = active.Provider
	}
	client, err := clientFor(providerName)
	if err != nil {
		return nil, err
	}
	options.ProviderClient = client
	a.logger.Debug("prompting", zap.String("session", m.SessionID()), zap.String("provider", providerName))
	return sdk.CreateAgentSession(options), nil
}

func clientFor(name string) (provider.Client, error) {
	switch name {
	case "echo":
		return provider.EchoClient{}, nil
	default:
		return nil, fmt.Errorf("provider %q is not available; configure model.provider: echo", name)
	}
}
