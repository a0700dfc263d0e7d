// Minimal walks one in-memory session through a branch and a compaction
// using the offline echo provider.
package main

import (
	"fmt"
	"os"

	"github.com/zahlmann/phitree/agent"
	"github.com/zahlmann/phitree/ai/model"
	"github.com/zahlmann/phitree/ai/provider"
	"github.com/zahlmann/phitree/coding/sdk"
	"github.com/zahlmann/phitree/coding/session"
)

func main() {
	tree := session.InMemory(".")
	s := sdk.CreateAgentSession(sdk.CreateSessionOptions{
		SystemPrompt:   "You are a concise coding assistant.",
		Model:          &model.Model{Provider: "echo", ID: "echo-1"},
		ThinkingLevel:  agent.ThinkingLow,
		Session:        tree,
		ProviderClient: provider.EchoClient{},
	})
	defer s.Close()

	unsubscribe := s.Subscribe(func(ev agent.Event) {
		if ev.Type != agent.EventMessageEnd {
			return
		}
		switch msg := ev.Message.(type) {
		case model.Message:
			fmt.Printf("[%s] %s %s\n", ev.EntryID, msg.Role, msg.Text())
		case model.AssistantMessage:
			fmt.Printf("[%s] assistant %s\n", ev.EntryID, msg.AsMessage().Text())
		}
	})
	defer unsubscribe()

	must(s.Prompt("name a sorting algorithm", sdk.PromptOptions{}))
	fork := s.LeafID()
	must(s.Prompt("now a faster one", sdk.PromptOptions{}))

	// Go back to the first answer and ask something else instead.
	must(s.Branch(fork))
	must(s.Prompt("explain it in one line", sdk.PromptOptions{}))

	if _, err := s.Compact("the user asked for a sorting algorithm", fork); err != nil {
		fail(err)
	}

	fmt.Println("\ncontext at the leaf:")
	for _, m := range s.Messages() {
		fmt.Printf("  %s: %s\n", m.Role, m.Text())
	}
	fmt.Printf("\n%d entries, %d roots\n", tree.EntryCount(), len(tree.GetTree()))
}

func must(err error) {
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
