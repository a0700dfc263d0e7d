package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zahlmann/phitree/ai/model"
)

type Option func(*options)

type options struct {
	logger          *zap.Logger
	sessionID       string
	parentSession   string
	shortIDAttempts int
	clock           func() time.Time
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithSessionID fixes the id written into a new header. Open ignores it.
func WithSessionID(id string) Option {
	return func(o *options) { o.sessionID = id }
}

func WithParentSession(id string) Option {
	return func(o *options) { o.parentSession = id }
}

func WithShortIDAttempts(n int) Option {
	return func(o *options) { o.shortIDAttempts = n }
}

func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		logger:          zap.NewNop(),
		shortIDAttempts: DefaultShortIDAttempts,
		clock:           time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Manager owns the in-memory tree index of one session and its leaf cursor.
// It is the only writer of the underlying Store. Writes are serialized;
// reads see the state after the last successful write.
type Manager struct {
	mu       sync.RWMutex
	store    Store
	header   Header
	byID     map[string]Entry
	children map[string][]string
	roots    []string
	order    []string
	leaf     string
	broken   error

	ids idGenerator
	now func() time.Time
	log *zap.Logger
}

func newManager(store Store, header Header, o options) *Manager {
	return &Manager{
		store:    store,
		header:   header,
		byID:     map[string]Entry{},
		children: map[string][]string{},
		ids:      newIDGenerator(o.shortIDAttempts),
		now:      o.clock,
		log:      o.logger.With(zap.String("session", header.ID)),
	}
}

// Create writes a fresh header to store and returns an empty session.
func Create(store Store, cwd string, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	o := buildOptions(opts)
	id := o.sessionID
	if id == "" {
		id = uuid.NewString()
	}
	header := Header{
		Type:          TypeSession,
		Version:       CurrentVersion,
		ID:            id,
		Timestamp:     o.clock().UTC().Format(time.RFC3339Nano),
		Cwd:           cwd,
		ParentSession: o.parentSession,
	}
	data, err := json.Marshal(header)
	if err != nil {
		return nil, err
	}
	if _, err := store.Append(data); err != nil {
		return nil, storageErr("session.Create", err)
	}
	m := newManager(store, header, o)
	m.log.Info("session created", zap.String("cwd", cwd), zap.String("parent_session", o.parentSession))
	return m, nil
}

// InMemory returns a session that never touches durable storage.
func InMemory(cwd string, opts ...Option) *Manager {
	m, err := Create(NewMemoryStore(), cwd, opts...)
	if err != nil {
		// A fresh MemoryStore cannot reject an append.
		panic(fmt.Sprintf("session: in-memory create failed: %v", err))
	}
	return m
}

// Open rebuilds a session by replaying every record of store in write order.
// Any record that cannot be placed fails the whole load.
func Open(store Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session store is required")
	}
	o := buildOptions(opts)

	var m *Manager
	for rec, err := range store.Records() {
		if err != nil {
			return nil, storageErr("session.Open", err)
		}
		decoded, err := decodeRecord(rec.Data)
		if err != nil {
			return nil, corrupt(rec.Seq, err)
		}
		if h, ok := decoded.(*Header); ok {
			if m != nil {
				return nil, corrupt(rec.Seq, errors.New("second session header"))
			}
			m = newManager(store, *h, o)
			continue
		}
		if m == nil {
			return nil, corrupt(rec.Seq, errors.New("record before session header"))
		}
		if err := m.replay(decoded); err != nil {
			return nil, corrupt(rec.Seq, err)
		}
	}
	if m == nil {
		return nil, corrupt(0, errors.New("missing session header"))
	}
	m.log.Info("session opened", zap.Int("entries", len(m.order)), zap.String("leaf", m.leaf))
	return m, nil
}

func (m *Manager) replay(decoded any) error {
	switch v := decoded.(type) {
	case *leafRecord:
		if v.TargetID == nil {
			m.leaf = ""
			return nil
		}
		if _, ok := m.byID[*v.TargetID]; !ok {
			return fmt.Errorf("cursor targets unknown entry %q", *v.TargetID)
		}
		m.leaf = *v.TargetID
		return nil
	case Entry:
		base := v.Base()
		if _, dup := m.byID[base.ID]; dup {
			return fmt.Errorf("duplicate entry id %q", base.ID)
		}
		if !base.IsRoot() {
			if _, ok := m.byID[base.Parent()]; !ok {
				return fmt.Errorf("entry %q references unknown parent %q", base.ID, base.Parent())
			}
		}
		m.index(v)
		m.leaf = base.ID
		return nil
	default:
		return fmt.Errorf("unexpected record %T", decoded)
	}
}

func (m *Manager) index(e Entry) {
	base := e.Base()
	m.byID[base.ID] = e
	m.order = append(m.order, base.ID)
	if base.IsRoot() {
		m.roots = append(m.roots, base.ID)
	} else {
		m.children[base.Parent()] = append(m.children[base.Parent()], base.ID)
	}
}

func (m *Manager) has(id string) bool {
	_, ok := m.byID[id]
	return ok
}

func (m *Manager) SessionID() string {
	return m.header.ID
}

func (m *Manager) Header() Header {
	return m.header
}

func (m *Manager) Cwd() string {
	return m.header.Cwd
}

// Close waits for an in-flight write before releasing the store.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Close()
}

func (m *Manager) AppendMessage(message model.Message) (string, error) {
	if err := checkRole(message.Role); err != nil {
		return "", err
	}
	if message.Content == nil {
		// Written as [] so a replay decodes the same value.
		message.Content = []any{}
	}
	return m.appendEntry("session.AppendMessage", func(base EntryBase) (Entry, error) {
		base.Type = TypeMessage
		return MessageEntry{EntryBase: base, Message: message}, nil
	})
}

func (m *Manager) AppendModelChange(provider, modelID string) (string, error) {
	return m.appendEntry("session.AppendModelChange", func(base EntryBase) (Entry, error) {
		base.Type = TypeModelChange
		return ModelChangeEntry{EntryBase: base, Provider: provider, ModelID: modelID}, nil
	})
}

func (m *Manager) AppendThinkingLevelChange(level string) (string, error) {
	return m.appendEntry("session.AppendThinkingLevelChange", func(base EntryBase) (Entry, error) {
		base.Type = TypeThinkingLevelChange
		return ThinkingLevelChangeEntry{EntryBase: base, ThinkingLevel: level}, nil
	})
}

// AppendCompaction records that everything on the current branch before
// firstKeptEntryID is replaced by summary. firstKeptEntryID must be on the
// current branch.
func (m *Manager) AppendCompaction(summary, firstKeptEntryID string, tokensBefore int) (string, error) {
	const op = "session.AppendCompaction"
	return m.appendEntry(op, func(base EntryBase) (Entry, error) {
		if !m.onBranch(firstKeptEntryID) {
			return nil, notFound(op, firstKeptEntryID)
		}
		base.Type = TypeCompaction
		return CompactionEntry{
			EntryBase:        base,
			Summary:          summary,
			FirstKeptEntryID: firstKeptEntryID,
			TokensBefore:     tokensBefore,
		}, nil
	})
}

func (m *Manager) onBranch(id string) bool {
	for cur := m.leaf; cur != ""; cur = m.byID[cur].Parent() {
		if cur == id {
			return true
		}
	}
	return false
}

// appendEntry persists a new child of the current leaf and only then
// indexes it and moves the leaf onto it.
func (m *Manager) appendEntry(op string, build func(EntryBase) (Entry, error)) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.broken != nil {
		return "", &Error{Op: op, Kind: KindBroken, Err: m.broken}
	}

	id, err := m.ids.next(m.has)
	if err != nil {
		m.broken = err
		m.log.Error("entry id space exhausted", zap.Error(err))
		return "", err
	}
	base := EntryBase{ID: id, Timestamp: m.now().UnixMilli()}
	if m.leaf != "" {
		parent := m.leaf
		base.ParentID = &parent
	}
	entry, err := build(base)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("%s: encode entry: %w", op, err)
	}
	if _, err := m.store.Append(data); err != nil {
		m.log.Error("append failed", zap.String("op", op), zap.Error(err))
		return "", storageErr(op, err)
	}

	m.index(entry)
	m.leaf = id
	m.log.Debug("entry appended",
		zap.String("type", string(entry.Base().Type)),
		zap.String("id", id),
		zap.String("parent", entry.Parent()))
	return id, nil
}

// Branch moves the leaf to id without adding an entry. The next append
// becomes a new child of id.
func (m *Manager) Branch(id string) error {
	const op = "session.Branch"
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.has(id) {
		return notFound(op, id)
	}
	if err := m.moveLeaf(op, id); err != nil {
		return err
	}
	m.log.Info("branched", zap.String("leaf", id))
	return nil
}

// ResetLeaf empties the cursor; the next append starts a new root.
func (m *Manager) ResetLeaf() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.moveLeaf("session.ResetLeaf", ""); err != nil {
		return err
	}
	m.log.Info("leaf reset")
	return nil
}

func (m *Manager) moveLeaf(op, target string) error {
	if m.broken != nil {
		return &Error{Op: op, Kind: KindBroken, Err: m.broken}
	}
	if m.leaf == target {
		return nil
	}
	rec := leafRecord{Type: TypeLeaf, Timestamp: m.now().UnixMilli()}
	if target != "" {
		rec.TargetID = &target
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%s: encode cursor: %w", op, err)
	}
	if _, err := m.store.Append(data); err != nil {
		m.log.Error("cursor write failed", zap.String("op", op), zap.Error(err))
		return storageErr(op, err)
	}
	m.leaf = target
	return nil
}

// Fork copies the branch ending at fromID ("" for the leaf) into a new
// session on store. Entry ids and parent links are preserved and the new
// header names this session as its parent.
func (m *Manager) Fork(store Store, fromID string, opts ...Option) (*Manager, error) {
	path, err := m.GetBranch(fromID)
	if err != nil {
		return nil, err
	}
	opts = append(opts, WithParentSession(m.header.ID))
	forked, err := Create(store, m.header.Cwd, opts...)
	if err != nil {
		return nil, err
	}
	for _, entry := range path {
		data, err := json.Marshal(entry)
		if err != nil {
			return nil, err
		}
		if _, err := store.Append(data); err != nil {
			return nil, storageErr("session.Fork", err)
		}
		forked.index(entry)
		forked.leaf = entry.Base().ID
	}
	forked.log.Info("session forked",
		zap.String("from_session", m.header.ID),
		zap.String("from_entry", forked.leaf),
		zap.Int("entries", len(path)))
	return forked, nil
}

func (m *Manager) LeafID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leaf
}

func (m *Manager) LeafEntry() (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.leaf == "" {
		return nil, false
	}
	return m.byID[m.leaf], true
}

func (m *Manager) GetEntry(id string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.byID[id]
	if !ok {
		return nil, notFound("session.GetEntry", id)
	}
	return entry, nil
}

// GetChildren returns the children of parentID in append order. Unknown ids
// have no children.
func (m *Manager) GetChildren(parentID string) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.children[parentID]
	if len(ids) == 0 {
		return nil
	}
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.byID[id])
	}
	return out
}

// GetBranch returns the path from a root down to fromID, or to the leaf when
// fromID is empty.
func (m *Manager) GetBranch(fromID string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if fromID == "" {
		fromID = m.leaf
		if fromID == "" {
			return nil, nil
		}
	}
	if !m.has(fromID) {
		return nil, notFound("session.GetBranch", fromID)
	}
	return m.pathTo(fromID), nil
}

func (m *Manager) pathTo(id string) []Entry {
	path := []Entry{}
	for id != "" {
		entry := m.byID[id]
		path = append(path, entry)
		id = entry.Parent()
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}

// Entries returns every entry in write order.
func (m *Manager) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.byID[id])
	}
	return out
}

func (m *Manager) EntryCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.order)
}

// BuildSessionContext reconstructs the provider context at the leaf.
func (m *Manager) BuildSessionContext() Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.leaf == "" {
		return BuildSessionContext(nil)
	}
	return BuildSessionContext(m.pathTo(m.leaf))
}

func (m *Manager) BuildSessionContextAt(id string) (Context, error) {
	path, err := m.GetBranch(id)
	if err != nil {
		return Context{}, err
	}
	return BuildSessionContext(path), nil
}
