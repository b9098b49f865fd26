package queue

import (
	"container/heap"
	"container/list"

	"github.com/carepath/conduit/pkg/types"
)

// store is the discipline-specific backing structure for a BoundedQueue.
// All methods are called with the queue's mutex already held.
type store interface {
	size() int
	push(env *types.MessageEnvelope)
	pop() *types.MessageEnvelope    // removes per the discipline's dequeue order
	evictVictim() *types.MessageEnvelope // removes the item sacrificed for drop_oldest
}

func newStore(discipline types.QueueDiscipline) store {
	switch discipline {
	case types.QueueLIFO:
		return &listStore{l: list.New(), lifo: true}
	case types.QueuePriority:
		return &priorityStore{}
	case types.QueueUnordered:
		return &unorderedStore{}
	default: // fifo
		return &listStore{l: list.New()}
	}
}

// listStore backs both fifo and lifo with a doubly linked list: Front is
// always the oldest-enqueued item, Back the newest. get() removes from
// Front for fifo, Back for lifo; the drop_oldest victim is always Front
// regardless of dequeue discipline, matching "evicts the current head".
type listStore struct {
	l    *list.List
	lifo bool
}

func (s *listStore) size() int { return s.l.Len() }

func (s *listStore) push(env *types.MessageEnvelope) {
	s.l.PushBack(env)
}

func (s *listStore) pop() *types.MessageEnvelope {
	var e *list.Element
	if s.lifo {
		e = s.l.Back()
	} else {
		e = s.l.Front()
	}
	if e == nil {
		return nil
	}
	s.l.Remove(e)
	return e.Value.(*types.MessageEnvelope)
}

func (s *listStore) evictVictim() *types.MessageEnvelope {
	e := s.l.Front()
	if e == nil {
		return nil
	}
	s.l.Remove(e)
	return e.Value.(*types.MessageEnvelope)
}

// unorderedStore makes no ordering promise; backed by a plain slice popped
// from the end so both push and pop are O(1).
type unorderedStore struct {
	items []*types.MessageEnvelope
}

func (s *unorderedStore) size() int { return len(s.items) }

func (s *unorderedStore) push(env *types.MessageEnvelope) {
	s.items = append(s.items, env)
}

func (s *unorderedStore) pop() *types.MessageEnvelope {
	if len(s.items) == 0 {
		return nil
	}
	last := len(s.items) - 1
	env := s.items[last]
	s.items[last] = nil
	s.items = s.items[:last]
	return env
}

func (s *unorderedStore) evictVictim() *types.MessageEnvelope {
	return s.pop()
}

// priorityStore is a stable total order on (priority, enqueue_sequence):
// lower priority value and lower sequence depart first.
type priorityStore struct {
	h envelopeHeap
}

func (s *priorityStore) size() int { return len(s.h) }

func (s *priorityStore) push(env *types.MessageEnvelope) {
	heap.Push(&s.h, env)
}

func (s *priorityStore) pop() *types.MessageEnvelope {
	if len(s.h) == 0 {
		return nil
	}
	return heap.Pop(&s.h).(*types.MessageEnvelope)
}

// evictVictim sacrifices the least urgent buffered envelope: highest
// priority number, breaking ties by the most recently enqueued.
func (s *priorityStore) evictVictim() *types.MessageEnvelope {
	if len(s.h) == 0 {
		return nil
	}
	worst := 0
	for i := 1; i < len(s.h); i++ {
		if less := s.h[i].Priority > s.h[worst].Priority ||
			(s.h[i].Priority == s.h[worst].Priority && s.h[i].EnqueueSeq > s.h[worst].EnqueueSeq); less {
			worst = i
		}
	}
	return heap.Remove(&s.h, worst).(*types.MessageEnvelope)
}

type envelopeHeap []*types.MessageEnvelope

func (h envelopeHeap) Len() int { return len(h) }
func (h envelopeHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].EnqueueSeq < h[j].EnqueueSeq
}
func (h envelopeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *envelopeHeap) Push(x interface{}) {
	*h = append(*h, x.(*types.MessageEnvelope))
}

func (h *envelopeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
