package demux

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/jmylchreest/tvdecode/pkg/media"
)

// DefaultQueueCapacity is the advisory capacity of a consumer queue.
const DefaultQueueCapacity = 8

// PacketQueue is a FIFO of packets with a soft capacity.
//
// Push blocks while the queue holds capacity entries unless force is set, in
// which case the ring grows. A nil packet is the flush marker and is queued
// like any other entry. Every blocking call takes a context; when the
// context ends first the call returns an error wrapping media.ErrTimeout and
// the queue is left unchanged.
type PacketQueue struct {
	// sem is the queue lock. It is a weighted semaphore rather than a mutex so
	// that acquiring it honours the caller's deadline.
	sem *semaphore.Weighted

	ring     []*media.Packet
	head     int
	count    int
	capacity int

	// pushed is closed and replaced on every push (wakes poppers); popped is
	// closed and replaced whenever space frees up (wakes pushers).
	pushed chan struct{}
	popped chan struct{}

	// epoch is the seek generation the queued entries belong to.
	epoch uint64

	closed  bool
	failErr error
}

// NewPacketQueue creates a queue. A capacity <= 0 selects DefaultQueueCapacity.
func NewPacketQueue(capacity int) *PacketQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &PacketQueue{
		sem:      semaphore.NewWeighted(1),
		ring:     make([]*media.Packet, capacity),
		capacity: capacity,
		pushed:   make(chan struct{}),
		popped:   make(chan struct{}),
	}
}

// Capacity returns the advisory capacity.
func (q *PacketQueue) Capacity() int {
	return q.capacity
}

// Push appends pkt. Without force it waits for a free slot.
func (q *PacketQueue) Push(ctx context.Context, pkt *media.Packet, force bool) error {
	if err := q.lock(ctx); err != nil {
		return err
	}

	for {
		if err := q.terminalErr(); err != nil {
			q.unlock()
			return err
		}
		if force || q.count < q.capacity {
			break
		}
		wait := q.popped
		q.unlock()
		if err := q.wait(ctx, wait); err != nil {
			return err
		}
	}

	if q.count == len(q.ring) {
		q.grow()
	}
	q.ring[(q.head+q.count)%len(q.ring)] = pkt
	q.count++
	q.broadcast(&q.pushed)
	q.unlock()
	return nil
}

// Pop removes and returns the oldest entry, waiting while the queue is empty.
// A nil packet with a nil error is the flush marker.
//
// Once the queue has failed, Pop keeps returning queued entries until the
// queue is empty and then returns the failure.
func (q *PacketQueue) Pop(ctx context.Context) (*media.Packet, error) {
	pkt, _, err := q.pop(ctx)
	return pkt, err
}

// pop is Pop that also returns the epoch the entry was queued under.
func (q *PacketQueue) pop(ctx context.Context) (*media.Packet, uint64, error) {
	if err := q.lock(ctx); err != nil {
		return nil, 0, err
	}

	for q.count == 0 {
		if err := q.terminalErr(); err != nil {
			q.unlock()
			return nil, 0, err
		}
		wait := q.pushed
		q.unlock()
		if err := q.wait(ctx, wait); err != nil {
			return nil, 0, err
		}
	}

	pkt := q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	epoch := q.epoch
	q.broadcast(&q.popped)
	q.unlock()
	return pkt, epoch, nil
}

// IsEmpty reports whether the queue is empty. The answer is a snapshot.
func (q *PacketQueue) IsEmpty() bool {
	return q.Len() == 0
}

// Len returns the number of queued entries.
func (q *PacketQueue) Len() int {
	q.mustLock()
	n := q.count
	q.unlock()
	return n
}

// Clear discards every queued entry and returns how many were dropped.
func (q *PacketQueue) Clear() int {
	q.mustLock()
	n := q.clearLocked()
	q.unlock()
	return n
}

// reset clears the queue and labels everything pushed from now on with
// epoch.
func (q *PacketQueue) reset(epoch uint64) int {
	q.mustLock()
	n := q.clearLocked()
	q.epoch = epoch
	q.unlock()
	return n
}

// Fail moves the queue into a terminal error state. Pushes return err
// immediately; pops drain what is queued and then return err. Only the
// first failure is kept.
func (q *PacketQueue) Fail(err error) {
	q.mustLock()
	if q.failErr == nil && !q.closed {
		q.failErr = err
		q.broadcast(&q.pushed)
		q.broadcast(&q.popped)
	}
	q.unlock()
}

// Close discards queued entries and wakes every blocked caller with
// media.ErrClosed. Close is idempotent.
func (q *PacketQueue) Close() {
	q.mustLock()
	if !q.closed {
		q.clearLocked()
		q.closed = true
		q.broadcast(&q.pushed)
		q.broadcast(&q.popped)
	}
	q.unlock()
}

func (q *PacketQueue) clearLocked() int {
	n := q.count
	for i := 0; i < q.count; i++ {
		q.ring[(q.head+i)%len(q.ring)] = nil
	}
	q.head = 0
	q.count = 0
	if n > 0 {
		q.broadcast(&q.popped)
	}
	return n
}

func (q *PacketQueue) terminalErr() error {
	if q.closed {
		return media.ErrClosed
	}
	return q.failErr
}

// grow doubles the ring, unrolling it so head is at index 0.
func (q *PacketQueue) grow() {
	size := len(q.ring) * 2
	if size == 0 {
		size = DefaultQueueCapacity
	}
	ring := make([]*media.Packet, size)
	for i := 0; i < q.count; i++ {
		ring[i] = q.ring[(q.head+i)%len(q.ring)]
	}
	q.ring = ring
	q.head = 0
}

func (q *PacketQueue) broadcast(ch *chan struct{}) {
	close(*ch)
	*ch = make(chan struct{})
}

// wait blocks until ch is closed, then reacquires the lock.
func (q *PacketQueue) wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
	case <-ctx.Done():
		return timeoutError(ctx)
	}
	return q.lock(ctx)
}

func (q *PacketQueue) lock(ctx context.Context) error {
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return timeoutError(ctx)
	}
	return nil
}

func (q *PacketQueue) mustLock() {
	// Acquire with a background context only fails on cancellation.
	_ = q.sem.Acquire(context.Background(), 1)
}

func (q *PacketQueue) unlock() {
	q.sem.Release(1)
}

func timeoutError(ctx context.Context) error {
	return fmt.Errorf("%w: %w", media.ErrTimeout, context.Cause(ctx))
}
