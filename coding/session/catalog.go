package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zahlmann/phitree/ai/model"
)

// Backend maps session ids to stores. Implementations decide where a
// session lives; the Catalog decides what goes into it.
type Backend interface {
	Create(id string) (Store, error)
	Open(id string) (Store, error)
	Reader(id string) (Reader, error)
	IDs() ([]string, error)
	Remove(id string) error
	Close() error
}

const sessionFileExt = ".jsonl"

// FileBackend keeps one JSONL file per session in a directory.
type FileBackend struct {
	dir     string
	options FileStoreOptions
}

func NewFileBackend(dir string, options FileStoreOptions) *FileBackend {
	return &FileBackend{dir: dir, options: options}
}

func (b *FileBackend) Dir() string {
	return b.dir
}

func (b *FileBackend) Path(id string) string {
	return filepath.Join(b.dir, id+sessionFileExt)
}

func (b *FileBackend) Create(id string) (Store, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	store, err := createFileStore(b.Path(id), b.options)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	return store, nil
}

func (b *FileBackend) Open(id string) (Store, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	path := b.Path(id)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	return OpenFileStore(path, b.options)
}

func (b *FileBackend) Reader(id string) (Reader, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	path := b.Path(id)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}
	return fileReader(path), nil
}

func (b *FileBackend) IDs() ([]string, error) {
	entries, err := os.ReadDir(b.dir)
	if errors.Is(err, os.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, err
	}
	ids := []string{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, sessionFileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, sessionFileExt))
	}
	return ids, nil
}

// Remove deletes the session file unless a writer still holds it.
func (b *FileBackend) Remove(id string) error {
	if err := validateID(id); err != nil {
		return err
	}
	path := b.Path(id)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	defer f.Close()
	if err := lockFile(f); err != nil {
		return fmt.Errorf("remove session %s: %w", id, err)
	}
	defer unlockFile(f)
	return os.Remove(path)
}

func (b *FileBackend) Close() error {
	return nil
}

func validateID(id string) error {
	if id == "" {
		return errors.New("session id is required")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid session id %q", id)
	}
	return nil
}

// Info summarizes a stored session for listings.
type Info struct {
	ID            string    `json:"id"`
	Cwd           string    `json:"cwd"`
	ParentSession string    `json:"parentSession,omitempty"`
	Created       time.Time `json:"created"`
	LastActivity  time.Time `json:"lastActivity"`
	Entries       int       `json:"entries"`
	Messages      int       `json:"messages"`
	FirstMessage  string    `json:"firstMessage,omitempty"`
	Err           error     `json:"-"`
}

const firstMessagePreview = 80

// Catalog creates, opens, lists, forks and deletes sessions on a Backend.
type Catalog struct {
	backend Backend
	log     *zap.Logger
	opts    []Option
}

func NewCatalog(backend Backend, logger *zap.Logger, opts ...Option) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = append([]Option{WithLogger(logger)}, opts...)
	return &Catalog{backend: backend, log: logger, opts: opts}
}

func (c *Catalog) Backend() Backend {
	return c.backend
}

func (c *Catalog) Create(cwd string) (*Manager, error) {
	return c.CreateWithID(uuid.NewString(), cwd)
}

// CreateWithID starts a session under a caller-chosen id. It fails if the id
// is taken.
func (c *Catalog) CreateWithID(id, cwd string) (*Manager, error) {
	store, err := c.backend.Create(id)
	if err != nil {
		return nil, err
	}
	m, err := Create(store, cwd, c.withID(id)...)
	if err != nil {
		c.discard(id, store)
		return nil, err
	}
	return m, nil
}

func (c *Catalog) Open(id string) (*Manager, error) {
	store, err := c.backend.Open(id)
	if err != nil {
		return nil, err
	}
	m, err := Open(store, c.opts...)
	if err != nil {
		_ = store.Close()
		c.log.Error("session load failed", zap.String("session", id), zap.Error(err))
		return nil, err
	}
	return m, nil
}

// Fork starts a new session holding src's branch up to fromID.
func (c *Catalog) Fork(src *Manager, fromID string) (*Manager, error) {
	id := uuid.NewString()
	store, err := c.backend.Create(id)
	if err != nil {
		return nil, err
	}
	m, err := src.Fork(store, fromID, c.withID(id)...)
	if err != nil {
		c.discard(id, store)
		return nil, err
	}
	return m, nil
}

func (c *Catalog) Delete(id string) error {
	if err := c.backend.Remove(id); err != nil {
		return err
	}
	c.log.Info("session deleted", zap.String("session", id))
	return nil
}

// Export writes the raw records of a session, one per line, in write order.
func (c *Catalog) Export(id string, w io.Writer) error {
	reader, err := c.backend.Reader(id)
	if err != nil {
		return err
	}
	for rec, err := range reader.Records() {
		if err != nil {
			return err
		}
		if _, err := w.Write(append(rec.Data, '\n')); err != nil {
			return err
		}
	}
	return nil
}

// List inspects every session concurrently, newest first. A session that
// fails to load is still listed, with Err set.
func (c *Catalog) List(ctx context.Context) ([]Info, error) {
	ids, err := c.backend.IDs()
	if err != nil {
		return nil, err
	}
	infos := make([]Info, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			reader, err := c.backend.Reader(id)
			if err != nil {
				infos[i] = Info{ID: id, Err: err}
				return nil
			}
			info, err := Inspect(reader)
			if err != nil {
				c.log.Warn("session unreadable", zap.String("session", id), zap.Error(err))
				info = Info{ID: id, Err: err}
			}
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].Created.After(infos[j].Created)
	})
	return infos, nil
}

func (c *Catalog) Close() error {
	return c.backend.Close()
}

func (c *Catalog) withID(id string) []Option {
	return append(append([]Option{}, c.opts...), WithSessionID(id))
}

func (c *Catalog) discard(id string, store Store) {
	_ = store.Close()
	if err := c.backend.Remove(id); err != nil {
		c.log.Warn("cleanup of failed session", zap.String("session", id), zap.Error(err))
	}
}

// OpenReadOnly replays a session without taking its writer lock. Every
// write on the result fails.
func OpenReadOnly(r Reader, opts ...Option) (*Manager, error) {
	return Open(readOnlyStore{r}, opts...)
}

// Inspect fully replays a session without taking its writer lock and
// summarizes it.
func Inspect(r Reader) (Info, error) {
	m, err := OpenReadOnly(r)
	if err != nil {
		return Info{}, err
	}
	h := m.Header()
	info := Info{
		ID:            h.ID,
		Cwd:           h.Cwd,
		ParentSession: h.ParentSession,
	}
	if created, err := time.Parse(time.RFC3339Nano, h.Timestamp); err == nil {
		info.Created = created
		info.LastActivity = created
	}
	for _, entry := range m.Entries() {
		info.Entries++
		if ts := time.UnixMilli(entry.Base().Timestamp); ts.After(info.LastActivity) {
			info.LastActivity = ts
		}
		msg, ok := entry.(MessageEntry)
		if !ok {
			continue
		}
		info.Messages++
		if info.FirstMessage == "" && msg.Message.Role == model.RoleUser {
			info.FirstMessage = preview(msg.Message.Text(), firstMessagePreview)
		}
	}
	return info, nil
}

func preview(text string, limit int) string {
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit-1]) + "…"
}

var errReadOnly = errors.New("session opened read-only")

type readOnlyStore struct {
	Reader
}

func (readOnlyStore) Append([]byte) (uint64, error) {
	return 0, errReadOnly
}

func (readOnlyStore) Close() error {
	return nil
}
