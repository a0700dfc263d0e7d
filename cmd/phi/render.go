package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/charmbracelet/lipgloss/tree"

	"github.com/zahlmann/phitree/ai/model"
	"github.com/zahlmann/phitree/coding/session"
)

var (
	colorPrimary = lipgloss.Color("#7C3AED")
	colorMuted   = lipgloss.Color("#6B7280")
	colorError   = lipgloss.Color("#EF4444")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	activeStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	errorStyle  = lipgloss.NewStyle().Foreground(colorError)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

const labelWidth = 60

func renderInfos(infos []session.Info) string {
	rows := make([][]string, 0, len(infos))
	for _, info := range infos {
		if info.Err != nil {
			rows = append(rows, []string{info.ID, "", "", "", "", errorStyle.Render("unreadable: " + info.Err.Error())})
			continue
		}
		first := info.FirstMessage
		if info.ParentSession != "" {
			first = mutedStyle.Render("fork of "+shortID(info.ParentSession)) + " " + first
		}
		rows = append(rows, []string{
			info.ID,
			info.LastActivity.Local().Format(time.DateTime),
			strconv.Itoa(info.Entries),
			strconv.Itoa(info.Messages),
			info.Cwd,
			first,
		})
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers("ID", "LAST ACTIVITY", "ENTRIES", "MESSAGES", "CWD", "FIRST MESSAGE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return cellStyle
		})
	return t.String()
}

// renderTree draws the session forest. Linear runs stay in one column; a
// new level starts only where the conversation forks. The active branch is
// bold and the leaf is marked.
func renderTree(m *session.Manager) string {
	active := map[string]bool{}
	if path, err := m.GetBranch(""); err == nil {
		for _, e := range path {
			active[e.Base().ID] = true
		}
	}
	r := treeRenderer{active: active, leaf: m.LeafID()}

	root := tree.Root(headerStyle.Render("session " + m.SessionID())).
		Enumerator(tree.RoundedEnumerator).
		EnumeratorStyle(mutedStyle)
	roots := m.GetTree()
	if len(roots) == 0 {
		root.Child(mutedStyle.Render("(empty)"))
	}
	r.add(root, roots)
	if m.LeafID() == "" && len(roots) > 0 {
		root.Child(mutedStyle.Render("(leaf reset: next entry starts a new root)"))
	}
	return root.String()
}

type treeRenderer struct {
	active map[string]bool
	leaf   string
}

func (r treeRenderer) add(parent *tree.Tree, nodes []*session.TreeNode) {
	for len(nodes) == 1 {
		parent.Child(r.label(nodes[0].Entry))
		nodes = nodes[0].Children
	}
	for _, n := range nodes {
		sub := tree.Root(r.label(n.Entry)).
			Enumerator(tree.RoundedEnumerator).
			EnumeratorStyle(mutedStyle)
		r.add(sub, n.Children)
		parent.Child(sub)
	}
}

func (r treeRenderer) label(e session.Entry) string {
	id := e.Base().ID
	text := mutedStyle.Render(id) + " " + describe(e)
	if r.active[id] {
		text = activeStyle.Render(text)
	}
	if id == r.leaf {
		text += " " + headerStyle.Render("← leaf")
	}
	return text
}

func describe(e session.Entry) string {
	switch v := e.(type) {
	case session.MessageEntry:
		return string(v.Message.Role) + ": " + truncate(messageSummary(v.Message), labelWidth)
	case session.ModelChangeEntry:
		return "model → " + v.Provider + "/" + v.ModelID
	case session.ThinkingLevelChangeEntry:
		return "thinking → " + v.ThinkingLevel
	case session.CompactionEntry:
		return fmt.Sprintf("compaction from %s: %s", v.FirstKeptEntryID, truncate(v.Summary, labelWidth))
	default:
		return string(e.Base().Type)
	}
}

func messageSummary(m model.Message) string {
	if text := m.Text(); text != "" {
		return text
	}
	calls := m.ToolCalls()
	names := make([]string, 0, len(calls))
	for _, c := range calls {
		names = append(names, c.Name+"()")
	}
	if len(names) > 0 {
		return "→ " + strings.Join(names, ", ")
	}
	return "(no text)"
}

func renderContext(ctx session.Context) string {
	var b strings.Builder
	if ctx.Model != nil {
		fmt.Fprintf(&b, "%s %s/%s\n", headerStyle.Render("model:"), ctx.Model.Provider, ctx.Model.ModelID)
	} else {
		fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("model:"), mutedStyle.Render("(none)"))
	}
	fmt.Fprintf(&b, "%s %s\n", headerStyle.Render("thinking:"), ctx.ThinkingLevel)
	if len(ctx.Messages) == 0 {
		b.WriteString(mutedStyle.Render("(no messages)") + "\n")
		return b.String()
	}
	for _, m := range ctx.Messages {
		role := string(m.Role)
		if m.Role == model.RoleToolResult && m.ToolName != "" {
			role += " " + m.ToolName
		}
		b.WriteString("\n" + activeStyle.Render("["+role+"]") + "\n")
		if text := m.Text(); text != "" {
			b.WriteString(text + "\n")
		}
		for _, c := range m.ToolCalls() {
			args, _ := json.Marshal(c.Arguments)
			fmt.Fprintf(&b, "→ %s %s\n", c.Name, args)
		}
	}
	return b.String()
}

func truncate(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
