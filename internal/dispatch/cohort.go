package dispatch

import (
	"sync"
	"sync/atomic"
)

// Cohort counts the outstanding work items of one logical batch. The counter
// is incremented by Submit before each member is enqueued and decremented by
// the worker that finishes it, so it never dips below zero.
//
// The usual wait-group contract applies: all members must be submitted
// before Join is consulted, or a transient zero between submissions can
// release the waiter early. Cohorts built by the engine are sealed at
// creation and satisfy this by construction.
type Cohort struct {
	wg      sync.WaitGroup
	pending atomic.Int64
}

// NewCohort returns an empty cohort. Joining it immediately returns at once.
func NewCohort() *Cohort {
	return &Cohort{}
}

// Join blocks the caller until every submitted member has finished. It
// carries no timeout and cannot be cancelled; callers needing a bounded wait
// must arrange their own deadline around it.
func (c *Cohort) Join() {
	c.wg.Wait()
}

// Pending reports how many submitted members have not finished yet.
func (c *Cohort) Pending() int64 {
	return c.pending.Load()
}

// enter records one submitted member. Called by Dispatcher.Submit under the
// queue lock.
func (c *Cohort) enter() {
	c.pending.Add(1)
	c.wg.Add(1)
}

// leave records one finished member.
func (c *Cohort) leave() {
	if n := c.pending.Add(-1); n < 0 {
		panic("dispatch: cohort counter went negative")
	}
	c.wg.Done()
}
