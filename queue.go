package lattice

import (
	"context"
)

// job is one command waiting for or running on the worker.
type job struct {
	kind string
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan error
}

// queue is a FIFO of jobs. It is guarded by the dispatcher mutex.
type queue struct {
	elements []*job
}

func (q *queue) enqueue(element *job) {
	q.elements = append(q.elements, element)
}

func (q *queue) dequeue() *job {

	if len(q.elements) == 0 {
		return nil
	}

	element := q.elements[0]
	q.elements[0] = nil
	q.elements = q.elements[1:]

	return element
}

// remove drops element if it is still waiting and reports whether it did.
func (q *queue) remove(element *job) bool {

	for i, e := range q.elements {
		if e == element {
			q.elements = append(q.elements[:i], q.elements[i+1:]...)
			return true
		}
	}

	return false
}

func (q *queue) size() int {
	return len(q.elements)
}

func (q *queue) isEmpty() bool {
	return len(q.elements) == 0
}
