package ipm

import ksync "smpcore/sync"

// queue is one CPU's FIFO message queue plus its spinlock (spec §3 Per-CPU
// block: "message queue head, message-queue spinlock"). Ordinary tags are
// pushed at the tail and popped from the head (FIFO); TLB_SHOOTDOWN is
// pushed at the head instead, making it LIFO with respect to every other
// tag and therefore critical-priority (spec §4.4 Ordering).
type queue struct {
	lock ksync.Spinlock
	head *Message
	tail *Message
}

// pushBack enqueues m as the new tail.
func (q *queue) pushBack(m *Message) {
	q.lock.Acquire()
	m.next = nil
	if q.tail != nil {
		q.tail.next = m
	} else {
		q.head = m
	}
	q.tail = m
	q.lock.Release()
}

// pushFront enqueues m ahead of everything currently queued.
func (q *queue) pushFront(m *Message) {
	q.lock.Acquire()
	m.next = q.head
	q.head = m
	if q.tail == nil {
		q.tail = m
	}
	q.lock.Release()
}

// pop removes and returns the head message, or nil if the queue is
// empty. The lock is held only for the pointer-surgery itself (spec
// §4.4 Receive: "Acquire queue lock, pop head, release lock before
// processing, so senders are not blocked while handlers run").
func (q *queue) pop() *Message {
	q.lock.Acquire()
	m := q.head
	if m != nil {
		q.head = m.next
		if q.head == nil {
			q.tail = nil
		}
		m.next = nil
	}
	q.lock.Release()
	return m
}
