// Package dispatch implements the core task dispatch primitive: a fixed set
// of workers pulling work items from one shared FIFO queue, plus cohort
// counters for awaiting the joint completion of a batch of items.
//
// The dispatcher makes no ordering promises between distinct work items,
// performs no retries, and supports no cancellation: once submitted, an item
// runs to completion. Failures (including recovered panics) travel through
// an explicit Result handed to the item's completion callback and the
// dispatcher hooks.
package dispatch
