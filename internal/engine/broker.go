package engine

import "sync"

// subscriberBufferSize is the channel buffer for each log subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// LogBroker fans task output lines out to subscribers, one stream per task.
// It is safe for concurrent use; workers publish to distinct streams in
// parallel, so the publish path takes only a read lock.
//
// Finished streams are retained as closed markers so that late subscribers
// (those subscribing after a task finishes) receive a closed channel instead
// of blocking forever. Each marker is a few bytes, which is acceptable for
// the expected task volume.
type LogBroker struct {
	mu      sync.RWMutex
	streams map[string]*logStream
}

type logStream struct {
	// mu guards subs and closed within one stream. The broker's read lock
	// is enough to reach the stream; this inner lock serializes mutation.
	mu     sync.Mutex
	subs   map[int]chan string
	nextID int
	closed bool
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		streams: make(map[string]*logStream),
	}
}

// stream returns the stream for taskID, creating it if needed.
func (b *LogBroker) stream(taskID string) *logStream {
	b.mu.RLock()
	st, ok := b.streams[taskID]
	b.mu.RUnlock()
	if ok {
		return st
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.streams[taskID]; ok {
		return st
	}
	st = &logStream{subs: make(map[int]chan string)}
	b.streams[taskID] = st
	return st
}

// Subscribe returns a channel that receives output lines for the given task
// and an unsubscribe function. If the task has already finished (Close was
// called), the returned channel is immediately closed.
func (b *LogBroker) Subscribe(taskID string) (<-chan string, func()) {
	st := b.stream(taskID)

	st.mu.Lock()
	defer st.mu.Unlock()

	ch := make(chan string, subscriberBufferSize)
	if st.closed {
		close(ch)
		return ch, func() {}
	}

	id := st.nextID
	st.nextID++
	st.subs[id] = ch

	return ch, func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		delete(st.subs, id)
	}
}

// Publish sends an output line to all subscribers of the given task.
// Lines are dropped for subscribers whose buffers are full.
func (b *LogBroker) Publish(taskID string, line string) {
	b.mu.RLock()
	st, ok := b.streams[taskID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}

	for _, ch := range st.subs {
		select {
		case ch <- line:
		default:
			// Drop line for slow subscribers to avoid blocking execution.
		}
	}
}

// Close signals that no more lines will be published for the given task.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *LogBroker) Close(taskID string) {
	st := b.stream(taskID)

	st.mu.Lock()
	defer st.mu.Unlock()

	st.closed = true
	for id, ch := range st.subs {
		close(ch)
		delete(st.subs, id)
	}
}
