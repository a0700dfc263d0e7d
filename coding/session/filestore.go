package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// ErrLocked is returned when another process (or another open store in this
// process) already holds the session file.
var ErrLocked = errors.New("session file is locked by another writer")

type FileStoreOptions struct {
	// SkipSync disables fsync after each append. Only tests should set it.
	SkipSync bool
	Logger   *zap.Logger
}

// FileStore appends one JSON document per line to a session file.
type FileStore struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	size     int64
	seq      uint64
	skipSync bool
	err      error
}

// OpenFileStore opens or creates the session file at path and takes its
// writer lock.
func OpenFileStore(path string, options FileStoreOptions) (*FileStore, error) {
	return openFileStore(path, options, os.O_CREATE)
}

// createFileStore fails with os.ErrExist when path is already there.
func createFileStore(path string, options FileStoreOptions) (*FileStore, error) {
	return openFileStore(path, options, os.O_CREATE|os.O_EXCL)
}

func openFileStore(path string, options FileStoreOptions, flags int) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("session file path is required")
	}
	logger := options.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, flags|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	size, count, err := scanComplete(f)
	if err == nil {
		size, count, err = repairTail(f, size, count, logger)
	}
	if err != nil {
		_ = unlockFile(f)
		_ = f.Close()
		return nil, err
	}

	return &FileStore{
		path:     path,
		file:     f,
		size:     size,
		seq:      count,
		skipSync: options.SkipSync,
	}, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Append(data []byte) (uint64, error) {
	if bytes.IndexByte(data, '\n') >= 0 {
		return 0, errors.New("record must not contain a newline")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return 0, ErrStoreClosed
	}
	if s.err != nil {
		return 0, s.err
	}

	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')

	n, err := s.file.Write(line)
	if err == nil && !s.skipSync {
		err = s.file.Sync()
	}
	if err != nil {
		if n > 0 {
			if terr := s.file.Truncate(s.size); terr != nil {
				s.err = fmt.Errorf("rollback of failed append: %w", terr)
			}
		}
		return 0, err
	}
	s.size += int64(n)
	s.seq++
	return s.seq, nil
}

func (s *FileStore) Records() iter.Seq2[Record, error] {
	return fileRecords(s.path)
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	_ = unlockFile(s.file)
	err := s.file.Close()
	s.file = nil
	return err
}

// fileReader reads a session file without taking the writer lock.
type fileReader string

func (r fileReader) Records() iter.Seq2[Record, error] {
	return fileRecords(string(r))
}

func fileRecords(path string) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		f, err := os.Open(path)
		if err != nil {
			yield(Record{}, err)
			return
		}
		defer f.Close()

		reader := bufio.NewReader(f)
		var seq uint64
		for {
			line, err := reader.ReadBytes('\n')
			if errors.Is(err, io.EOF) {
				// An unterminated tail is either an append still in flight
				// or a complete record missing its newline.
				line = bytes.TrimSpace(line)
				if len(line) > 0 && json.Valid(line) {
					yield(Record{Seq: seq + 1, Data: line}, nil)
				}
				return
			}
			if err != nil {
				yield(Record{}, err)
				return
			}
			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				continue
			}
			seq++
			if !yield(Record{Seq: seq, Data: line}, nil) {
				return
			}
		}
	}
}

// repairTail settles a final line that has no newline. A complete JSON
// record gets its newline and is kept. Anything else is a write that never
// returned success and is cut off so the next append starts on a clean line.
func repairTail(f *os.File, size int64, count uint64, log *zap.Logger) (int64, uint64, error) {
	info, err := f.Stat()
	if err != nil {
		return 0, 0, err
	}
	if info.Size() <= size {
		return size, count, nil
	}
	tail := make([]byte, info.Size()-size)
	if _, err := f.ReadAt(tail, size); err != nil {
		return 0, 0, fmt.Errorf("read unterminated record: %w", err)
	}
	trimmed := bytes.TrimSpace(tail)
	if len(trimmed) > 0 && json.Valid(trimmed) {
		if _, err := f.Write([]byte{'\n'}); err != nil {
			return 0, 0, fmt.Errorf("terminate last record: %w", err)
		}
		log.Info("terminated last record", zap.String("path", f.Name()), zap.Uint64("seq", count+1))
		return info.Size() + 1, count + 1, nil
	}
	if err := f.Truncate(size); err != nil {
		return 0, 0, fmt.Errorf("truncate torn record: %w", err)
	}
	if len(trimmed) > 0 {
		log.Warn("dropped torn record",
			zap.String("path", f.Name()),
			zap.Int64("offset", size),
			zap.Int("bytes", len(tail)))
	}
	return size, count, nil
}

// scanComplete returns the byte length covered by complete lines and the
// number of non-blank records among them.
func scanComplete(f *os.File) (int64, uint64, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, 0, err
	}
	reader := bufio.NewReader(f)
	var size int64
	var count uint64
	for {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return size, count, nil
		}
		if err != nil {
			return 0, 0, err
		}
		size += int64(len(line))
		if len(bytes.TrimSpace(line)) > 0 {
			count++
		}
	}
}
