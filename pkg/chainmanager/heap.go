package chainmanager

import (
	"container/heap"

	"github.com/manusoman/hyperindex/pkg/fetcher"
)

// auxItem is one entry in the auxiliary priority queue: late-arriving or
// dynamic-contract-back-filled events that don't belong to any single
// chain's monotonic per-chain queue.
type auxItem struct {
	item fetcher.Item
}

// auxHeap implements container/heap.Interface, ordered by the global
// ordering key. Grounded on go-ethereum's own heap-based price/nonce
// transaction ordering (core/txpool's list types), the idiomatic way the
// pack expresses a min-heap priority queue.
type auxHeap []auxItem

func (h auxHeap) Len() int { return len(h) }

func (h auxHeap) Less(i, j int) bool {
	return h[i].item.Key.Less(h[j].item.Key)
}

func (h auxHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *auxHeap) Push(x interface{}) {
	*h = append(*h, x.(auxItem))
}

func (h *auxHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// auxQueue wraps auxHeap with the narrow Peek/Pop surface the manager
// needs, keeping container/heap's interface{} plumbing out of manager.go.
type auxQueue struct {
	h auxHeap
}

func newAuxQueue() *auxQueue {
	q := &auxQueue{}
	heap.Init(&q.h)
	return q
}

func (q *auxQueue) Push(item fetcher.Item) {
	heap.Push(&q.h, auxItem{item: item})
}

func (q *auxQueue) Peek() (fetcher.Item, bool) {
	if len(q.h) == 0 {
		return fetcher.Item{}, false
	}
	return q.h[0].item, true
}

func (q *auxQueue) Pop() (fetcher.Item, bool) {
	if len(q.h) == 0 {
		return fetcher.Item{}, false
	}
	it := heap.Pop(&q.h).(auxItem)
	return it.item, true
}

func (q *auxQueue) Len() int { return len(q.h) }
