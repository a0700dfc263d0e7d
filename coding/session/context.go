package session

import "github.com/zahlmann/phitree/ai/model"

const (
	compactionSummaryPrefix = "The conversation history before this point was compacted into the following summary:\n\n<summary>\n"
	compactionSummarySuffix = "\n</summary>"
)

const DefaultThinkingLevel = "off"

type ModelRef struct {
	Provider string `json:"provider"`
	ModelID  string `json:"modelId"`
}

// Context is what a provider call receives: the replayed messages of one
// root-to-leaf path plus the model and thinking level active at its end.
type Context struct {
	Messages      []model.Message `json:"messages"`
	Model         *ModelRef       `json:"model,omitempty"`
	ThinkingLevel string          `json:"thinkingLevel"`
}

// BuildSessionContext replays path, which must be ordered root first. A
// compaction drops every message whose entry sits before its
// firstKeptEntryId on the path and puts the summary in front of what is
// left. It only reads its input.
func BuildSessionContext(path []Entry) Context {
	type sourced struct {
		pos int
		msg model.Message
	}

	out := Context{ThinkingLevel: DefaultThinkingLevel}
	positions := make(map[string]int, len(path))
	var acc []sourced

	for i, entry := range path {
		positions[entry.Base().ID] = i
		switch e := entry.(type) {
		case MessageEntry:
			acc = append(acc, sourced{pos: i, msg: e.Message})
		case ModelChangeEntry:
			out.Model = &ModelRef{Provider: e.Provider, ModelID: e.ModelID}
		case ThinkingLevelChangeEntry:
			out.ThinkingLevel = e.ThinkingLevel
		case CompactionEntry:
			cut := i
			if p, ok := positions[e.FirstKeptEntryID]; ok && p < i {
				cut = p
			}
			kept := []sourced{{pos: i, msg: compactionSummary(e)}}
			for _, item := range acc {
				if item.pos >= cut {
					kept = append(kept, item)
				}
			}
			acc = kept
		}
	}

	out.Messages = make([]model.Message, 0, len(acc))
	for _, item := range acc {
		out.Messages = append(out.Messages, item.msg)
	}
	return out
}

func compactionSummary(e CompactionEntry) model.Message {
	msg := model.NewTextMessage(model.RoleUser, compactionSummaryPrefix+e.Summary+compactionSummarySuffix)
	msg.Timestamp = e.Timestamp
	return msg
}
