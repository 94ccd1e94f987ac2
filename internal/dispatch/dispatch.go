package dispatch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
)

// MaxWorkers caps the worker count accepted by NewDispatcher. Worker
// goroutines are cheap, but a pool past this size means the caller asked for
// more concurrency than this process can usefully provide.
const MaxWorkers = 1024

// WorkItem is one schedulable, independent unit of computation. The
// dispatcher's queue owns an item from submission until a worker executes
// it; items run exactly once and are never re-queued.
type WorkItem struct {
	// Run executes the work. Must be non-nil.
	Run func() error

	// Cohort, when set, ties the item to a batch whose joint completion can
	// be awaited with Cohort.Join.
	Cohort *Cohort

	// OnDone, when set, receives the item's Result after execution. It runs
	// on the worker goroutine, before the cohort counter is decremented, so
	// anything it records is visible once Join returns.
	OnDone func(Result)
}

// Result is the explicit completion signal for one executed work item.
// Panics inside Run are recovered and reported here as Err.
type Result struct {
	Err      error
	Duration time.Duration
}

// Hooks observe dispatcher lifecycle events. All fields are optional and
// must be safe for concurrent use.
type Hooks struct {
	// OnSubmit fires after an item is accepted into the queue.
	OnSubmit func()
	// OnStart fires when a worker dequeues an item, before running it.
	OnStart func()
	// OnFinish fires after an item finishes, with its Result.
	OnFinish func(Result)
}

// Options configure a Dispatcher.
type Options struct {
	// Workers is the fixed number of concurrent workers, in [1, MaxWorkers].
	Workers int
	// Hooks observe submissions, starts, and completions.
	Hooks Hooks
}

// Dispatcher runs work items across a fixed set of workers pulling from one
// shared unbounded FIFO queue. Submit never blocks beyond acquiring the
// queue lock; idle workers block on a condition variable until work or
// shutdown arrives.
type Dispatcher struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  *queue.Queue
	closed bool

	workers int
	hooks   Hooks
	shut    atomic.Bool
	wg      sync.WaitGroup
}

// NewDispatcher creates the worker set and starts it pulling from the queue.
// It fails with ErrResourceExhausted when the requested worker count is
// outside [1, MaxWorkers].
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Workers < 1 || opts.Workers > MaxWorkers {
		return nil, fmt.Errorf("%w: worker count %d outside [1, %d]", ErrResourceExhausted, opts.Workers, MaxWorkers)
	}

	d := &Dispatcher{
		queue:   queue.New(),
		workers: opts.Workers,
		hooks:   opts.Hooks,
	}
	d.cond = sync.NewCond(&d.mu)

	for range opts.Workers {
		d.wg.Go(d.worker)
	}
	return d, nil
}

// Submit enqueues one work item for execution by an available worker. It
// fails with ErrQueueUnavailable once the dispatcher has been shut down.
// When the item belongs to a cohort, the cohort counter is incremented
// before the item becomes visible to workers, under the same lock that
// serializes the queue, so a cohort can never be observed complete while a
// submitted member is still queued.
func (d *Dispatcher) Submit(item WorkItem) error {
	if item.Run == nil {
		return fmt.Errorf("work item requires a Run function")
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrQueueUnavailable
	}
	if item.Cohort != nil {
		item.Cohort.enter()
	}
	d.queue.Add(item)
	d.cond.Signal()
	d.mu.Unlock()

	if d.hooks.OnSubmit != nil {
		d.hooks.OnSubmit()
	}
	return nil
}

// Shutdown stops accepting submissions, lets the workers drain every item
// already queued, and waits for them to terminate. It is idempotent; callers
// racing on Shutdown all return, though only the first waits for the drain.
func (d *Dispatcher) Shutdown() {
	if !d.shut.CompareAndSwap(false, true) {
		return
	}

	d.mu.Lock()
	d.closed = true
	d.cond.Broadcast()
	d.mu.Unlock()

	d.wg.Wait()
}

// Workers returns the fixed worker count.
func (d *Dispatcher) Workers() int { return d.workers }

// QueueDepth returns the number of items waiting for a worker.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Length()
}

// worker loops pulling queued items until shutdown is signaled and the
// queue is empty.
func (d *Dispatcher) worker() {
	for {
		d.mu.Lock()
		for d.queue.Length() == 0 && !d.closed {
			d.cond.Wait()
		}
		if d.queue.Length() == 0 {
			d.mu.Unlock()
			return
		}
		item := d.queue.Remove().(WorkItem)
		d.mu.Unlock()

		if d.hooks.OnStart != nil {
			d.hooks.OnStart()
		}

		res := runItem(item)

		if item.OnDone != nil {
			item.OnDone(res)
		}
		if d.hooks.OnFinish != nil {
			d.hooks.OnFinish(res)
		}
		// Decrement last: joiners must observe the completion signal.
		if item.Cohort != nil {
			item.Cohort.leave()
		}
	}
}

// runItem executes one work item, converting a panic into the result error
// so a misbehaving item cannot take its worker down.
func runItem(item WorkItem) Result {
	start := time.Now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("work item panicked: %v", r)
			}
		}()
		err = item.Run()
	}()
	return Result{Err: err, Duration: time.Since(start)}
}
