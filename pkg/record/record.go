package record

import (
	"bytes"
	"fmt"
	"math"
)

type Op uint8

const (
	OpPut Op = iota
	OpDelete
)

func (op Op) String() string {
	switch op {
	case OpPut:
		return "put"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

const (
	seqNSize = 8
	opSize   = 1
	lenSize  = 4

	// Overhead is the fixed per-record cost added to key and value lengths
	// by SerializedSize.
	Overhead = seqNSize + opSize + 2*lenSize

	// MaxSeqN sorts before every other sequence number of the same key.
	MaxSeqN = math.MaxUint64
)

// Record is a single versioned write. A delete is a tombstone: OpDelete
// with an empty value.
type Record struct {
	Key   []byte
	Value []byte
	SeqN  uint64
	Op    Op
}

func Put(key, value []byte, seqN uint64) Record {
	return Record{Key: key, Value: value, SeqN: seqN, Op: OpPut}
}

func Delete(key []byte, seqN uint64) Record {
	return Record{Key: key, SeqN: seqN, Op: OpDelete}
}

// SeekKey returns the smallest record for key, i.e. the position of its
// newest version.
func SeekKey(key []byte) Record {
	return Record{Key: key, SeqN: MaxSeqN}
}

func (r Record) IsTombstone() bool {
	return r.Op == OpDelete
}

func (r Record) SerializedSize() int64 {
	return int64(len(r.Key)) + int64(len(r.Value)) + Overhead
}

func (r Record) String() string {
	return fmt.Sprintf("%s %q@%d", r.Op, r.Key, r.SeqN)
}

// Compare orders records by key ascending and, for equal keys, by sequence
// number descending, so the newest version of a key comes first. Two
// records occupy the same slot only when both key and sequence match.
func Compare(a, b Record) int {
	if c := bytes.Compare(a.Key, b.Key); c != 0 {
		return c
	}
	switch {
	case a.SeqN > b.SeqN:
		return -1
	case a.SeqN < b.SeqN:
		return 1
	default:
		return 0
	}
}

func Less(a, b Record) bool {
	return Compare(a, b) < 0
}
