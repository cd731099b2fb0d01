package iterator

import "lsmkv/pkg/record"

// Iterator iterates over an ascending sequence of records, ordered by
// record.Compare.
type Iterator interface {
	// HasNext reports whether Next will return a record. It returns false
	// once the sequence is exhausted or an error occurred.
	HasNext() bool
	// Next returns the current record and advances. It panics unless the
	// preceding HasNext returned true.
	Next() record.Record
	// Seek moves the iterator to the first record >= target.
	Seek(target record.Record)
	// Err returns the first error met while producing records.
	Err() error
	// Close releases resources.
	Close() error
}

// Drain collects the remaining records of it.
func Drain(it Iterator) ([]record.Record, error) {
	var out []record.Record
	for it.HasNext() {
		out = append(out, it.Next())
	}
	return out, it.Err()
}

type sliceIterator struct {
	recs []record.Record
	pos  int
}

// FromSlice iterates over recs, which must already be sorted.
func FromSlice(recs []record.Record) Iterator {
	return &sliceIterator{recs: recs}
}

func (it *sliceIterator) HasNext() bool {
	return it.pos < len(it.recs)
}

func (it *sliceIterator) Next() record.Record {
	if it.pos >= len(it.recs) {
		panic("iterator: Next called on exhausted iterator")
	}
	r := it.recs[it.pos]
	it.pos++
	return r
}

func (it *sliceIterator) Seek(target record.Record) {
	lo, hi := 0, len(it.recs)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if record.Compare(it.recs[mid], target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	it.pos = lo
}

func (it *sliceIterator) Err() error   { return nil }
func (it *sliceIterator) Close() error { return nil }

// Empty returns an iterator without records.
func Empty() Iterator {
	return &sliceIterator{}
}
