package session

import (
	"errors"
	"iter"
	"sync"
)

// Record is one raw stored document and the sequence number the store
// assigned when it was appended.
type Record struct {
	Seq  uint64
	Data []byte
}

// Reader iterates records in the order they were durably appended. The
// sequence is lazy and can be ranged over any number of times.
type Reader interface {
	Records() iter.Seq2[Record, error]
}

// Store is the durable, append-only log under a Manager. A failed Append
// must leave the store as it was before the call.
type Store interface {
	Reader
	Append(data []byte) (uint64, error)
	Close() error
}

var ErrStoreClosed = errors.New("store is closed")

// MemoryStore keeps records in process memory. It backs InMemory sessions
// and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records [][]byte
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(data []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}
	s.records = append(s.records, append([]byte(nil), data...))
	return uint64(len(s.records)), nil
}

func (s *MemoryStore) Records() iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		s.mu.RLock()
		snapshot := s.records[:len(s.records):len(s.records)]
		s.mu.RUnlock()
		for i, data := range snapshot {
			if !yield(Record{Seq: uint64(i + 1), Data: data}, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
