package session

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zahlmann/phitree/ai/model"
)

const CurrentVersion = 1

type EntryType string

const (
	TypeSession             EntryType = "session"
	TypeMessage             EntryType = "message"
	TypeModelChange         EntryType = "model_change"
	TypeCompaction          EntryType = "compaction"
	TypeThinkingLevelChange EntryType = "thinking_level_change"
	TypeLeaf                EntryType = "leaf"
)

type Header struct {
	Type          EntryType `json:"type"`
	Version       int       `json:"version"`
	ID            string    `json:"id"`
	Timestamp     string    `json:"timestamp"`
	Cwd           string    `json:"cwd"`
	ParentSession string    `json:"parentSession,omitempty"`
}

type EntryBase struct {
	Type      EntryType `json:"type"`
	ID        string    `json:"id"`
	ParentID  *string   `json:"parentId"`
	Timestamp int64     `json:"timestamp"`
}

// Base exposes the shared fields; every entry variant gets it by embedding.
func (b EntryBase) Base() EntryBase {
	return b
}

// Parent returns the parent id, or "" for a root.
func (b EntryBase) Parent() string {
	if b.ParentID == nil {
		return ""
	}
	return *b.ParentID
}

func (b EntryBase) IsRoot() bool {
	return b.ParentID == nil
}

func (EntryBase) sealed() {}

// Entry is one immutable node of the session tree. The concrete value is
// one of MessageEntry, ModelChangeEntry, CompactionEntry or
// ThinkingLevelChangeEntry.
type Entry interface {
	Base() EntryBase
	Parent() string
	IsRoot() bool
	sealed()
}

type MessageEntry struct {
	EntryBase
	Message model.Message `json:"message"`
}

type ModelChangeEntry struct {
	EntryBase
	Provider string `json:"provider"`
	ModelID  string `json:"modelId"`
}

type CompactionEntry struct {
	EntryBase
	Summary          string `json:"summary"`
	FirstKeptEntryID string `json:"firstKeptEntryId"`
	TokensBefore     int    `json:"tokensBefore"`
}

type ThinkingLevelChangeEntry struct {
	EntryBase
	ThinkingLevel string `json:"thinkingLevel"`
}

// leafRecord moves the cursor. It is persisted next to entries but never
// becomes part of the tree.
type leafRecord struct {
	Type      EntryType `json:"type"`
	TargetID  *string   `json:"targetId"`
	Timestamp int64     `json:"timestamp"`
}

var errUnknownType = errors.New("unknown record type")

// decodeRecord parses one stored line into a *Header, an Entry or a
// *leafRecord.
func decodeRecord(data []byte) (any, error) {
	var head struct {
		Type EntryType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, err
	}
	switch head.Type {
	case TypeSession:
		var h Header
		if err := json.Unmarshal(data, &h); err != nil {
			return nil, err
		}
		if h.ID == "" {
			return nil, errors.New("session header has no id")
		}
		return &h, nil
	case TypeLeaf:
		var l leafRecord
		if err := json.Unmarshal(data, &l); err != nil {
			return nil, err
		}
		return &l, nil
	case TypeMessage:
		var e MessageEntry
		entry, err := decodeEntry(data, &e, func() Entry { return e })
		if err != nil {
			return nil, err
		}
		if err := checkRole(e.Message.Role); err != nil {
			return nil, err
		}
		return entry, nil
	case TypeModelChange:
		var e ModelChangeEntry
		return decodeEntry(data, &e, func() Entry { return e })
	case TypeCompaction:
		var e CompactionEntry
		return decodeEntry(data, &e, func() Entry { return e })
	case TypeThinkingLevelChange:
		var e ThinkingLevelChangeEntry
		return decodeEntry(data, &e, func() Entry { return e })
	default:
		return nil, fmt.Errorf("%w %q", errUnknownType, head.Type)
	}
}

func decodeEntry(data []byte, target any, value func() Entry) (Entry, error) {
	if err := json.Unmarshal(data, target); err != nil {
		return nil, err
	}
	entry := value()
	if entry.Base().ID == "" {
		return nil, errors.New("entry has no id")
	}
	if p := entry.Base().ParentID; p != nil && *p == "" {
		return nil, errors.New("entry has empty parentId")
	}
	return entry, nil
}

// checkRole accepts the roles a conversation entry may carry.
func checkRole(role model.Role) error {
	switch role {
	case model.RoleUser, model.RoleAssistant, model.RoleToolResult:
		return nil
	case "":
		return errors.New("message role is required")
	default:
		return fmt.Errorf("unsupported message role %q", role)
	}
}
