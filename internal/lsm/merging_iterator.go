package lsm

import (
	"bytes"
	"container/heap"
)

// mergingIteratorItem là một wrapper cho container/heap
// Nó giữ một iterator và vị trí (độ ưu tiên) của nó
type mergingIteratorItem struct {
	iter Iterator
	src  int // position in the input slice; lower is newer
	key  []byte
	val  Item
}

// mergingIteratorHeap orders by key, then by source so the newest version of
// a key is popped first.
type mergingIteratorHeap []mergingIteratorItem

func (h mergingIteratorHeap) Len() int { return len(h) }

func (h mergingIteratorHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].key, h[j].key); c != 0 {
		return c < 0
	}
	return h[i].src < h[j].src
}

func (h mergingIteratorHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *mergingIteratorHeap) Push(x interface{}) {
	*h = append(*h, x.(mergingIteratorItem))
}

func (h *mergingIteratorHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// MergingIterator merges sorted iterators into one stream holding a single
// entry per key: the one from the lowest-indexed input.
type MergingIterator struct {
	h              mergingIteratorHeap
	iters          []Iterator
	skipTombstones bool
	key            []byte
	value          Item
	err            error
}

// NewMergingIterator takes ownership of iters, ordered newest first. With
// skipTombstones, keys whose newest entry is a tombstone are omitted.
func NewMergingIterator(iters []Iterator, skipTombstones bool) *MergingIterator {
	mi := &MergingIterator{
		h:              make(mergingIteratorHeap, 0, len(iters)),
		iters:          iters,
		skipTombstones: skipTombstones,
	}
	for i, iter := range iters {
		if !mi.advance(iter, i) {
			break
		}
	}
	return mi
}

// advance steps iter and pushes its next entry. It returns false on error.
func (it *MergingIterator) advance(iter Iterator, src int) bool {
	if iter.Next() {
		heap.Push(&it.h, mergingIteratorItem{
			iter: iter,
			src:  src,
			key:  iter.Key(),
			val:  iter.Value(),
		})
		return true
	}
	if err := iter.Error(); err != nil {
		it.err = err
		return false
	}
	return true
}

func (it *MergingIterator) Next() bool {
	for it.err == nil && it.h.Len() > 0 {
		item := heap.Pop(&it.h).(mergingIteratorItem)

		// Older versions of the same key are shadowed.
		for it.h.Len() > 0 && bytes.Equal(it.h[0].key, item.key) {
			dup := heap.Pop(&it.h).(mergingIteratorItem)
			if !it.advance(dup.iter, dup.src) {
				return false
			}
		}
		if !it.advance(item.iter, item.src) {
			return false
		}

		if it.skipTombstones && item.val.Tombstone {
			continue
		}
		it.key = item.key
		it.value = item.val
		return true
	}
	return false
}

func (it *MergingIterator) Key() []byte {
	return it.key
}

func (it *MergingIterator) Value() Item {
	return it.value
}

func (it *MergingIterator) Error() error {
	return it.err
}

func (it *MergingIterator) Close() error {
	var firstErr error
	for _, iter := range it.iters {
		if err := iter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	// Dọn dẹp
	it.h = nil
	it.iters = nil
	return firstErr
}
