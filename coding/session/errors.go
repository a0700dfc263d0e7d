package session

import (
	"errors"
	"fmt"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindCorruptEntry
	KindDuplicateID
	KindStorage
	KindBroken
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "entry not found"
	case KindCorruptEntry:
		return "corrupt entry"
	case KindDuplicateID:
		return "duplicate entry id"
	case KindStorage:
		return "storage error"
	case KindBroken:
		return "session is broken"
	default:
		return "unknown error"
	}
}

// Sentinels for errors.Is. Any *Error of the matching Kind compares equal.
var (
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrCorruptEntry  = &Error{Kind: KindCorruptEntry}
	ErrDuplicateID   = &Error{Kind: KindDuplicateID}
	ErrStorage       = &Error{Kind: KindStorage}
	ErrSessionBroken = &Error{Kind: KindBroken}
)

// Error is the structured error returned by the session package.
type Error struct {
	Op   string // operation, e.g. "session.Branch"
	Kind Kind
	ID   string // entry id involved, if any
	Seq  uint64 // store sequence number, for replay errors
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.ID != "" {
		msg = fmt.Sprintf("%s %q", msg, e.ID)
	}
	if e.Seq != 0 {
		msg = fmt.Sprintf("%s at record %d", msg, e.Seq)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.ID == "" && t.Err == nil
}

// IsFatal reports whether err means the session must stop accepting writes.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCorruptEntry) || errors.Is(err, ErrDuplicateID) || errors.Is(err, ErrSessionBroken)
}

func notFound(op, id string) error {
	return &Error{Op: op, Kind: KindNotFound, ID: id}
}

func corrupt(seq uint64, err error) error {
	return &Error{Op: "session.Open", Kind: KindCorruptEntry, Seq: seq, Err: err}
}

func storageErr(op string, err error) error {
	return &Error{Op: op, Kind: KindStorage, Err: err}
}
