package lattice

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// dispatcher runs submitted commands one at a time, in submission order, on
// a single worker goroutine.
type dispatcher struct {
	timeout time.Duration
	metrics *metrics

	mu     sync.Mutex
	cond   *sync.Cond
	queue  queue
	closed bool

	wg sync.WaitGroup
}

func newDispatcher(timeout time.Duration, m *metrics) *dispatcher {

	d := &dispatcher{timeout: timeout, metrics: m}
	d.cond = sync.NewCond(&d.mu)

	d.wg.Add(1)
	go d.worker()

	return d
}

// submit queues run and waits for its outcome. The command deadline covers
// both the wait in the queue and the run itself. A command whose deadline
// passes while queued is dropped without running. A running command sees its
// context cancelled and the caller gets the timeout right away, while the
// worker still waits for run to return before starting the next command.
func (d *dispatcher) submit(ctx context.Context, kind string, run func(ctx context.Context) error) error {

	started := time.Now()

	ctx, cancel := context.WithTimeout(ctx, d.timeout)

	j := &job{kind: kind, ctx: ctx, run: run, done: make(chan error, 1)}

	d.mu.Lock()

	if d.closed {
		d.mu.Unlock()
		cancel()
		return ErrClosed
	}

	d.queue.enqueue(j)
	pending := d.queue.size()
	d.cond.Signal()

	d.mu.Unlock()

	log.Debugw("Queued command", "kind", kind, "pending", pending)

	var err error

	select {
	case err = <-j.done:
	case <-ctx.Done():

		d.mu.Lock()
		removed := d.queue.remove(j)
		d.mu.Unlock()

		if removed {
			log.Debugw("Dropped queued command", "kind", kind)
		}

		err = contextError(ctx.Err())
	}

	cancel()

	d.metrics.observe(kind, started, err)

	return err
}

func (d *dispatcher) worker() {

	defer d.wg.Done()

	for {

		d.mu.Lock()

		for d.queue.isEmpty() && !d.closed {
			d.cond.Wait()
		}

		if d.closed {

			for j := d.queue.dequeue(); j != nil; j = d.queue.dequeue() {
				j.done <- ErrClosed
			}

			d.mu.Unlock()
			return
		}

		j := d.queue.dequeue()

		d.mu.Unlock()

		if err := j.ctx.Err(); err != nil {
			j.done <- contextError(err)
			continue
		}

		j.done <- j.run(j.ctx)
	}
}

// close fails every queued command with ErrClosed and waits for the running
// one to finish.
func (d *dispatcher) close() {

	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()

	d.wg.Wait()
}

func contextError(err error) error {

	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(ErrTimeout, err.Error())
	}

	return err
}
