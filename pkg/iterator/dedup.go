package iterator

import (
	"bytes"
	"lsmkv/pkg/record"
)

type dedupIterator struct {
	in      Iterator
	next    record.Record
	hasNext bool
	dropDel bool
}

// Dedup keeps only the newest version of every key. With dropTombstones set
// keys whose newest version is a delete are skipped entirely.
func Dedup(in Iterator, dropTombstones bool) Iterator {
	d := &dedupIterator{in: in, dropDel: dropTombstones}
	d.advance(nil)
	return d
}

// advance positions on the first record whose key differs from prev.
func (d *dedupIterator) advance(prev []byte) {
	d.hasNext = false
	for d.in.HasNext() {
		r := d.in.Next()
		if prev != nil && bytes.Equal(r.Key, prev) {
			continue
		}
		prev = r.Key
		if d.dropDel && r.IsTombstone() {
			continue
		}
		d.next, d.hasNext = r, true
		return
	}
}

func (d *dedupIterator) HasNext() bool {
	return d.hasNext
}

func (d *dedupIterator) Next() record.Record {
	if !d.hasNext {
		panic("iterator: Next called on exhausted dedup iterator")
	}
	r := d.next
	d.advance(r.Key)
	return r
}

func (d *dedupIterator) Seek(target record.Record) {
	d.in.Seek(record.SeekKey(target.Key))
	d.advance(nil)
}

func (d *dedupIterator) Err() error   { return d.in.Err() }
func (d *dedupIterator) Close() error { return d.in.Close() }
