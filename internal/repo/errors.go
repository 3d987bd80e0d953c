package repo

import (
	"errors"
	"fmt"
)

// ErrStoreCorrupt reports a persisted seen-set that cannot be decoded.
// Callers must not fall back to an empty seen-set: that would re-notify
// every currently available slot.
var ErrStoreCorrupt = errors.New("seen-set store corrupt")

// CorruptError carries the store and the reason decoding failed. It matches
// ErrStoreCorrupt with errors.Is.
type CorruptError struct {
	Store  string // "sqlite", "file", "redis"
	Reason string
	Err    error
}

func (e *CorruptError) Error() string {
	msg := fmt.Sprintf("%s: %s: %s", ErrStoreCorrupt, e.Store, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStoreCorrupt) true for any CorruptError.
func (e *CorruptError) Is(target error) bool { return target == ErrStoreCorrupt }

func corrupt(store, reason string, err error) error {
	return &CorruptError{Store: store, Reason: reason, Err: err}
}
