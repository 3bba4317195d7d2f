package relay

// pendingQueue holds upstream-bound messages while the upstream connection is
// not open. When full, the oldest message is dropped.
type pendingQueue struct {
	max     int
	msgs    [][]byte
	dropped int
}

func newPendingQueue(max int) *pendingQueue {
	if max <= 0 {
		max = DefaultPendingFrames
	}
	return &pendingQueue{max: max}
}

// push appends msg, evicting the oldest message if the queue is full. It
// reports whether a message was evicted.
func (q *pendingQueue) push(msg []byte) bool {
	evicted := false
	if len(q.msgs) >= q.max {
		q.msgs[0] = nil
		q.msgs = q.msgs[1:]
		q.dropped++
		evicted = true
	}
	q.msgs = append(q.msgs, msg)
	return evicted
}

// pushFront puts msg back at the head of the queue, used when a write fails
// mid-flush. If the queue is full msg is dropped instead.
func (q *pendingQueue) pushFront(msg []byte) {
	if len(q.msgs) >= q.max {
		q.dropped++
		return
	}
	q.msgs = append([][]byte{msg}, q.msgs...)
}

// drain removes and returns all queued messages in order.
func (q *pendingQueue) drain() [][]byte {
	out := q.msgs
	q.msgs = nil
	return out
}

func (q *pendingQueue) len() int { return len(q.msgs) }
