package session

import (
	"fmt"

	"github.com/google/uuid"
)

const DefaultShortIDAttempts = 10

// idGenerator hands out entry ids. Short ids are the first 8 hex digits of a
// random UUID; after the short attempts are used up it falls back to a full
// UUID, whose hyphens keep it disjoint from every short id.
type idGenerator struct {
	attempts int
	short    func() string
	long     func() string
}

func newIDGenerator(attempts int) idGenerator {
	if attempts <= 0 {
		attempts = DefaultShortIDAttempts
	}
	return idGenerator{
		attempts: attempts,
		short:    func() string { return uuid.NewString()[:8] },
		long:     uuid.NewString,
	}
}

func (g idGenerator) next(taken func(string) bool) (string, error) {
	for i := 0; i < g.attempts; i++ {
		if id := g.short(); !taken(id) {
			return id, nil
		}
	}
	id := g.long()
	if !taken(id) {
		return id, nil
	}
	return "", &Error{
		Op:   "session.newID",
		Kind: KindDuplicateID,
		ID:   id,
		Err:  fmt.Errorf("no free id after %d short attempts and a long fallback", g.attempts),
	}
}
