package store

import (
	"errors"
	"lsmkv/pkg/dberrors"
)

var ErrEmptyKey = errors.Join(dberrors.ErrInvalidArgument, errors.New("empty key"))

// Retriable reports whether err is a transient condition the caller may
// retry: a full memtable or a log that could not take the write.
func Retriable(err error) bool {
	return errors.Is(err, dberrors.ErrMemtableFull) || errors.Is(err, dberrors.ErrLogUnavailable)
}
