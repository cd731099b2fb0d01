package dberrors

import "errors"

var (
	ErrNotFound        = errors.New("lsmkv: not found")
	ErrClosed          = errors.New("lsmkv: closed")
	ErrInvalidArgument = errors.New("lsmkv: invalid argument")

	// ErrMemtableFull is retriable: the memtable is over its limit while the
	// previous snapshot is still being flushed.
	ErrMemtableFull = errors.New("lsmkv: memtable is full")
	// ErrLogUnavailable means the write-ahead log did not accept a record.
	// The record was not applied.
	ErrLogUnavailable = errors.New("lsmkv: write-ahead log unavailable")
	// ErrFlushStuck marks a snapshot whose flush exhausted all retries.
	ErrFlushStuck = errors.New("lsmkv: memtable flush is stuck")
	// ErrCorrupted is returned for torn or checksum-mismatched frames.
	ErrCorrupted = errors.New("lsmkv: corrupted data")
)
