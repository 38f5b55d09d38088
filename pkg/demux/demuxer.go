// Package demux shares one container reader between several decoders.
//
// While a single consumer is attached, reads go straight to the container.
// As soon as a second consumer attaches, every consumer gets a PacketQueue
// and the next read starts a distributor goroutine that fans packets out to
// the queues. The switch to threaded mode is one-way.
package demux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/tvdecode/pkg/container"
	"github.com/jmylchreest/tvdecode/pkg/media"
)

// DefaultThreadInterval is the distributor's per-pass push deadline.
const DefaultThreadInterval = 10 * time.Millisecond

// Errors returned by the demuxer.
var (
	ErrConsumersAttached = errors.New("demuxer released with consumers still attached")
	ErrUnknownConsumer   = errors.New("unknown consumer handle")
	ErrInvalidStream     = fmt.Errorf("%w: stream index out of range", media.ErrUserCancelled)
)

// noSeek is the sentinel stored in seekRequest when no seek is pending.
const noSeek = -1

// Options configures a Demuxer.
type Options struct {
	QueueCapacity  int           // per-consumer advisory capacity (default 8)
	ThreadInterval time.Duration // distributor push deadline (default 10ms)
	Source         container.Options
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = DefaultQueueCapacity
	}
	if o.ThreadInterval <= 0 {
		o.ThreadInterval = DefaultThreadInterval
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Demuxer is a reference-counted container reader shared by consumers.
type Demuxer struct {
	id      uuid.UUID
	reader  media.ContainerReader
	streams []media.StreamInfo
	opts    Options
	logger  *slog.Logger

	// listMu guards the consumer arena, threadStarted, closed and failErr.
	listMu        sync.Mutex
	consumers     slotArena
	threadStarted bool
	closed        bool
	failErr       error

	useThread atomic.Bool

	// ioMu serializes all container access. reachEOF and seq are guarded by it.
	ioMu     sync.Mutex
	reachEOF bool
	seq      uint64

	seekRequest atomic.Int64
	wake        chan struct{}

	// seekGen counts accepted seeks; servedGen is the generation the queues
	// currently hold. Packets queued under an older generation are dropped
	// by readers.
	seekGen   atomic.Uint64
	servedGen atomic.Uint64

	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}

	refs      atomic.Int32
	closeOnce sync.Once
	closeErr  error
}

// Open opens url through the container package and wraps it in a Demuxer.
func Open(ctx context.Context, url string, opts Options) (*Demuxer, error) {
	opts = opts.withDefaults()
	if opts.Source.Logger == nil {
		opts.Source.Logger = opts.Logger
	}

	reader, err := container.Open(ctx, url, opts.Source)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", container.Redact(url), media.MapError(err))
	}
	return New(reader, opts), nil
}

// New wraps an already open reader. The Demuxer takes ownership of it and
// starts with one reference.
func New(reader media.ContainerReader, opts Options) *Demuxer {
	opts = opts.withDefaults()
	id := uuid.New()

	d := &Demuxer{
		id:      id,
		reader:  reader,
		streams: reader.Streams(),
		opts:    opts,
		logger:  opts.Logger.With(slog.String("component", "demuxer"), slog.String("demuxer_id", id.String())),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	d.seekRequest.Store(noSeek)
	d.refs.Store(1)
	return d
}

// ID returns the demuxer's unique identifier.
func (d *Demuxer) ID() uuid.UUID { return d.id }

// Streams returns the container's stream table.
func (d *Demuxer) Streams() []media.StreamInfo {
	out := make([]media.StreamInfo, len(d.streams))
	copy(out, d.streams)
	return out
}

// TimeBase returns the container's timestamp unit.
func (d *Demuxer) TimeBase() media.Rational { return d.reader.TimeBase() }

// Threaded reports whether packets are delivered by the distributor.
func (d *Demuxer) Threaded() bool { return d.useThread.Load() }

// Consumers returns the number of attached consumers.
func (d *Demuxer) Consumers() int {
	d.listMu.Lock()
	defer d.listMu.Unlock()
	return d.consumers.len()
}

// Attach registers a consumer of streamIndex. The second attach gives the
// first consumer a queue too; from then on every consumer has one.
func (d *Demuxer) Attach(streamIndex int) (Handle, error) {
	if streamIndex < 0 || streamIndex >= len(d.streams) {
		return Handle{}, fmt.Errorf("%w: %d (have %d streams)", ErrInvalidStream, streamIndex, len(d.streams))
	}

	d.listMu.Lock()
	defer d.listMu.Unlock()

	if d.closed {
		return Handle{}, media.ErrClosed
	}

	c := &consumer{streamIndex: streamIndex}
	if d.consumers.len() >= 1 || d.useThread.Load() {
		if first := d.consumers.first(); first != nil && first.queue == nil {
			first.queue = d.newQueue()
		}
		c.queue = d.newQueue()
	}

	h := d.consumers.insert(c)
	d.logger.Debug("consumer attached",
		slog.Int("stream_index", streamIndex),
		slog.Int("consumers", d.consumers.len()),
	)
	return h, nil
}

func (d *Demuxer) newQueue() *PacketQueue {
	q := NewPacketQueue(d.opts.QueueCapacity)
	q.epoch = d.servedGen.Load()
	if d.failErr != nil {
		q.Fail(d.failErr)
	}
	return q
}

// Detach removes a consumer and discards its undelivered packets.
func (d *Demuxer) Detach(h Handle) error {
	d.listMu.Lock()
	c, ok := d.consumers.remove(h)
	n := d.consumers.len()
	d.listMu.Unlock()

	if !ok {
		return ErrUnknownConsumer
	}
	if c.queue != nil {
		c.queue.Close()
	}
	d.logger.Debug("consumer detached",
		slog.Int("stream_index", c.streamIndex),
		slog.Int("consumers", n),
	)
	return nil
}

// ReadPacket returns the next packet for h. A nil packet with a nil error is
// the flush marker, delivered once per end of stream; later calls return
// media.ErrEndOfStream until a seek.
func (d *Demuxer) ReadPacket(ctx context.Context, h Handle) (*media.Packet, error) {
	c, err := d.prepareRead(h)
	if err != nil {
		return nil, err
	}

	if d.useThread.Load() {
		return d.popQueue(ctx, c)
	}
	return d.readSync(ctx, c)
}

// prepareRead resolves h and starts the distributor when more than one
// consumer is attached.
func (d *Demuxer) prepareRead(h Handle) (*consumer, error) {
	d.listMu.Lock()
	defer d.listMu.Unlock()

	if d.closed {
		return nil, media.ErrClosed
	}
	c, ok := d.consumers.get(h)
	if !ok {
		return nil, ErrUnknownConsumer
	}

	if !d.threadStarted && d.consumers.len() > 1 {
		d.useThread.Store(true)
		d.threadStarted = true
		d.running.Store(true)
		d.logger.Debug("starting distributor", slog.Int("consumers", d.consumers.len()))
		go d.distribute()
	}
	return c, nil
}

func (d *Demuxer) popQueue(ctx context.Context, c *consumer) (*media.Packet, error) {
	for {
		pkt, gen, err := c.queue.pop(ctx)
		if err != nil {
			if errors.Is(err, media.ErrClosed) {
				return nil, err
			}
			return nil, fmt.Errorf("reading queued packet: %w", err)
		}
		// queued before a seek the distributor has not served yet
		if gen < d.seekGen.Load() {
			continue
		}
		c.gen.Store(gen)
		return pkt, nil
	}
}

func (d *Demuxer) readSync(ctx context.Context, c *consumer) (*media.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", media.ErrTimeout, err)
	}

	d.ioMu.Lock()
	// The distributor may have started since the caller checked.
	if d.useThread.Load() {
		d.ioMu.Unlock()
		return d.popQueue(ctx, c)
	}
	defer d.ioMu.Unlock()

	c.gen.Store(d.servedGen.Load())
	if d.reachEOF {
		if c.flushed {
			return nil, media.ErrEndOfStream
		}
		c.flushed = true
		return nil, nil
	}

	for {
		pkt, err := d.reader.ReadPacket()
		if errors.Is(err, io.EOF) {
			d.reachEOF = true
			c.flushed = true
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading packet: %w", media.MapError(err))
		}
		d.seq++
		pkt.Sequence = d.seq
		if pkt.StreamIndex != c.streamIndex {
			continue
		}
		return pkt, nil
	}
}

// Seek moves every consumer to pos. In threaded mode the request is handed
// to the distributor and Seek returns immediately.
func (d *Demuxer) Seek(pos time.Duration) error {
	ts := media.RescaleTo(pos, d.reader.TimeBase())
	if ts < 0 {
		ts = 0
	}

	if d.useThread.Load() {
		d.requestSeek(ts)
		return nil
	}

	d.ioMu.Lock()
	defer d.ioMu.Unlock()
	if d.useThread.Load() {
		d.requestSeek(ts)
		return nil
	}

	if err := d.reader.Seek(ts); err != nil {
		return fmt.Errorf("seeking to %s: %w", pos, media.MapError(err))
	}
	d.reachEOF = false
	d.servedGen.Store(d.seekGen.Add(1))

	d.listMu.Lock()
	for _, c := range d.consumers.all() {
		c.flushed = false
	}
	d.listMu.Unlock()
	return nil
}

// requestSeek bumps the generation before publishing ts so the distributor
// never serves a request under an older generation than its own.
func (d *Demuxer) requestSeek(ts int64) {
	d.seekGen.Add(1)
	d.seekRequest.Store(ts)
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Generation returns the number of seeks accepted so far.
func (d *Demuxer) Generation() uint64 { return d.seekGen.Load() }

// ConsumerGeneration returns the seek generation of the last packet read
// through h. A decoder compares it with its own to notice that another
// consumer of the demuxer seeked.
func (d *Demuxer) ConsumerGeneration(h Handle) uint64 {
	d.listMu.Lock()
	c, ok := d.consumers.get(h)
	d.listMu.Unlock()
	if !ok {
		return 0
	}
	return c.gen.Load()
}

// Retain adds a reference. It fails once the demuxer has been released.
func (d *Demuxer) Retain() error {
	for {
		n := d.refs.Load()
		if n <= 0 {
			return media.ErrClosed
		}
		if d.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release drops a reference. The last release stops the distributor, closes
// the reader and reports ErrConsumersAttached if consumers were left behind.
func (d *Demuxer) Release() error {
	if d.refs.Add(-1) > 0 {
		return nil
	}
	d.closeOnce.Do(func() {
		d.closeErr = d.shutdown()
	})
	return d.closeErr
}

func (d *Demuxer) shutdown() error {
	d.listMu.Lock()
	d.closed = true
	started := d.threadStarted
	left := d.consumers.all()
	d.listMu.Unlock()

	d.running.Store(false)
	close(d.stop)
	if started {
		<-d.done
	}

	var errs []error
	if len(left) > 0 {
		for _, c := range left {
			if c.queue != nil {
				c.queue.Close()
			}
		}
		errs = append(errs, fmt.Errorf("%w: %d", ErrConsumersAttached, len(left)))
		d.logger.Warn("demuxer released with consumers attached", slog.Int("consumers", len(left)))
	}

	d.ioMu.Lock()
	if err := d.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing reader: %w", err))
	}
	d.ioMu.Unlock()

	d.logger.Debug("demuxer closed")
	return errors.Join(errs...)
}
