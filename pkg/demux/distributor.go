package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jmylchreest/tvdecode/pkg/media"
)

// pending is the packet the distributor is currently trying to deliver.
type pending struct {
	pkt   *media.Packet // nil is the flush marker
	idx   uint64
	valid bool
}

// distribute is the fan-out loop. It runs until the demuxer is released or
// a fatal error fails every queue.
func (d *Demuxer) distribute() {
	defer close(d.done)

	cur := d.resume()
	eof := cur.valid

	for d.running.Load() {
		if ts := d.seekRequest.Load(); ts != noSeek {
			if err := d.serveSeek(ts); err != nil {
				d.fail(err)
				return
			}
			cur = pending{}
			eof = false
			continue
		}

		force := d.starving()

		if !cur.valid {
			if eof {
				d.park()
				continue
			}
			next, err := d.readNext()
			if err != nil {
				d.fail(err)
				return
			}
			cur = next
			eof = next.pkt == nil
		}

		delivered, err := d.deliver(cur, force)
		if err != nil {
			d.fail(err)
			return
		}
		if delivered {
			cur = pending{}
		}
	}
}

// resume picks up where the synchronous path left off. When that path
// already reached the end of stream, the flush marker is still owed to every
// consumer except the one that received it.
func (d *Demuxer) resume() pending {
	d.ioMu.Lock()
	defer d.ioMu.Unlock()
	if !d.reachEOF {
		return pending{}
	}

	d.seq++
	p := pending{pkt: nil, idx: d.seq, valid: true}

	d.listMu.Lock()
	for _, c := range d.consumers.all() {
		if c.flushed {
			c.lastIdx = p.idx
		}
	}
	d.listMu.Unlock()
	return p
}

// serveSeek flushes every queue and repositions the reader. A failed seek
// is fatal to the distributor.
func (d *Demuxer) serveSeek(ts int64) error {
	gen := d.seekGen.Load()

	d.listMu.Lock()
	dropped := 0
	for _, c := range d.consumers.all() {
		if c.queue != nil {
			dropped += c.queue.reset(gen)
		}
		c.lastIdx = 0
	}
	d.servedGen.Store(gen)
	d.listMu.Unlock()

	d.ioMu.Lock()
	err := d.reader.Seek(ts)
	d.reachEOF = false
	d.ioMu.Unlock()

	// A newer request stays pending for the next pass.
	d.seekRequest.CompareAndSwap(ts, noSeek)

	if err != nil {
		return fmt.Errorf("seeking to %d: %w", ts, media.MapError(err))
	}
	d.logger.Debug("seek served",
		slog.Int64("target", ts),
		slog.Uint64("generation", gen),
		slog.Int("dropped_packets", dropped),
	)
	return nil
}

// starving reports whether any attached queue is empty, in which case this
// pass pushes with force so a full queue cannot hold the others back.
func (d *Demuxer) starving() bool {
	d.listMu.Lock()
	defer d.listMu.Unlock()
	for _, c := range d.consumers.all() {
		if c.queue != nil && c.queue.IsEmpty() {
			return true
		}
	}
	return false
}

// readNext reads one packet and assigns it the next sequence. End of stream
// becomes a valid pending flush marker.
func (d *Demuxer) readNext() (pending, error) {
	d.ioMu.Lock()
	defer d.ioMu.Unlock()

	pkt, err := d.reader.ReadPacket()
	if errors.Is(err, io.EOF) {
		d.seq++
		return pending{pkt: nil, idx: d.seq, valid: true}, nil
	}
	if err != nil {
		return pending{}, fmt.Errorf("reading packet: %w", media.MapError(err))
	}
	d.seq++
	pkt.Sequence = d.seq
	return pending{pkt: pkt, idx: d.seq, valid: true}, nil
}

// deliver pushes p to every consumer that still needs it. It reports false
// when a push hit the pass deadline; p must then be retried.
func (d *Demuxer) deliver(p pending, force bool) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.ThreadInterval)
	defer cancel()

	for _, c := range d.targets(p.pkt) {
		if c.lastIdx == p.idx {
			continue
		}
		err := c.queue.Push(ctx, p.pkt.Clone(), force)
		switch {
		case err == nil:
			c.lastIdx = p.idx
		case errors.Is(err, media.ErrTimeout):
			return false, nil
		case errors.Is(err, media.ErrClosed):
			// detached mid-pass
		default:
			return false, fmt.Errorf("pushing packet %d: %w", p.idx, err)
		}
	}
	return true, nil
}

// targets snapshots the queued consumers bound to pkt's stream. The flush
// marker goes to everyone.
func (d *Demuxer) targets(pkt *media.Packet) []*consumer {
	d.listMu.Lock()
	defer d.listMu.Unlock()

	all := d.consumers.all()
	out := all[:0]
	for _, c := range all {
		if c.queue == nil {
			continue
		}
		if pkt != nil && pkt.StreamIndex != c.streamIndex {
			continue
		}
		out = append(out, c)
	}
	return out
}

// park waits for a seek request, a stop, or one interval.
func (d *Demuxer) park() {
	t := time.NewTimer(d.opts.ThreadInterval)
	defer t.Stop()
	select {
	case <-d.wake:
	case <-d.stop:
	case <-t.C:
	}
}

// fail records a fatal distributor error and fails every queue with it.
func (d *Demuxer) fail(err error) {
	err = errors.Join(media.ErrThread, err)
	d.logger.Error("distributor stopped", slog.String("error", err.Error()))

	d.listMu.Lock()
	d.failErr = err
	queues := make([]*PacketQueue, 0, d.consumers.len())
	for _, c := range d.consumers.all() {
		if c.queue != nil {
			queues = append(queues, c.queue)
		}
	}
	d.listMu.Unlock()

	for _, q := range queues {
		q.Fail(err)
	}
}
