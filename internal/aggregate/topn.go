package aggregate

import "container/heap"

// Ranked is a candidate for a top-N list. Seq is the encounter order and
// breaks count ties in favour of the earlier candidate.
type Ranked[T any] struct {
	Item  T
	Count int
	Seq   int
}

// worse reports whether a ranks below b.
func worse[T any](a, b Ranked[T]) bool {
	if a.Count != b.Count {
		return a.Count < b.Count
	}
	return a.Seq > b.Seq
}

// rankHeap keeps the weakest candidate at the root so it can be evicted.
type rankHeap[T any] []Ranked[T]

func (h rankHeap[T]) Len() int           { return len(h) }
func (h rankHeap[T]) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h rankHeap[T]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *rankHeap[T]) Push(x any) { *h = append(*h, x.(Ranked[T])) }

func (h *rankHeap[T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// TopN returns at most n candidates ordered by count descending, ties by
// encounter order. It holds no more than n+1 candidates at any time.
func TopN[T any](candidates []Ranked[T], n int) []Ranked[T] {
	if n <= 0 {
		return []Ranked[T]{}
	}

	h := make(rankHeap[T], 0, n+1)
	for _, c := range candidates {
		heap.Push(&h, c)
		if h.Len() > n {
			heap.Pop(&h)
		}
	}

	out := make([]Ranked[T], h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(Ranked[T])
	}
	return out
}
