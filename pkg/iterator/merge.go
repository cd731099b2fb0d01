package iterator

import (
	"container/heap"
	"errors"
	"lsmkv/pkg/record"
)

type mergeItem struct {
	rec record.Record
	src int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if c := record.Compare(h[i].rec, h[j].rec); c != 0 {
		return c < 0
	}
	return h[i].src < h[j].src
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	it := old[len(old)-1]
	*h = old[:len(old)-1]
	return it
}

type mergeIterator struct {
	inputs []Iterator
	h      mergeHeap
}

// Merge combines sorted iterators into one ascending sequence. Equal
// records keep input order; nothing is deduplicated.
func Merge(inputs ...Iterator) Iterator {
	m := &mergeIterator{inputs: inputs}
	m.fill()
	return m
}

func (m *mergeIterator) fill() {
	m.h = m.h[:0]
	for i, in := range m.inputs {
		if in.HasNext() {
			m.h = append(m.h, mergeItem{rec: in.Next(), src: i})
		}
	}
	heap.Init(&m.h)
}

func (m *mergeIterator) HasNext() bool {
	return len(m.h) > 0
}

func (m *mergeIterator) Next() record.Record {
	if len(m.h) == 0 {
		panic("iterator: Next called on exhausted merge iterator")
	}
	top := m.h[0]
	in := m.inputs[top.src]
	if in.HasNext() {
		m.h[0].rec = in.Next()
		heap.Fix(&m.h, 0)
	} else {
		heap.Pop(&m.h)
	}
	return top.rec
}

func (m *mergeIterator) Seek(target record.Record) {
	for _, in := range m.inputs {
		in.Seek(target)
	}
	m.fill()
}

func (m *mergeIterator) Err() error {
	for _, in := range m.inputs {
		if err := in.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (m *mergeIterator) Close() error {
	var errs []error
	for _, in := range m.inputs {
		errs = append(errs, in.Close())
	}
	return errors.Join(errs...)
}
