package demux

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tvdecode/pkg/media"
)

const testInterval = 5 * time.Millisecond

func newTestDemuxer(r *fakeReader, capacity int) *Demuxer {
	return New(r, Options{QueueCapacity: capacity, ThreadInterval: testInterval})
}

// collect reads packets for h until the flush marker and returns their
// sequences.
func collect(t *testing.T, d *Demuxer, h Handle) []uint64 {
	t.Helper()
	var seqs []uint64
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		p, err := d.ReadPacket(ctx, h)
		cancel()
		require.NoError(t, err)
		if p == nil {
			return seqs
		}
		seqs = append(seqs, p.Sequence)
	}
}

func TestDemuxer_SingleConsumerSynchronous(t *testing.T) {
	r := newFakeReader(1, 3)
	d := newTestDemuxer(r, 0)

	h, err := d.Attach(0)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		p, err := d.ReadPacket(ctx, h)
		require.NoError(t, err)
		require.NotNil(t, p)
		assert.Equal(t, int64(i), p.PTS)
		assert.Equal(t, uint64(i+1), p.Sequence)
	}

	p, err := d.ReadPacket(ctx, h)
	require.NoError(t, err)
	assert.Nil(t, p, "end of stream is reported once as a flush marker")

	for i := 0; i < 2; i++ {
		_, err = d.ReadPacket(ctx, h)
		assert.ErrorIs(t, err, media.ErrEndOfStream)
	}

	assert.False(t, d.Threaded())
	require.NoError(t, d.Detach(h))
	require.NoError(t, d.Release())
	assert.True(t, r.closed.Load())
}

func TestDemuxer_SynchronousSeekResetsEndOfStream(t *testing.T) {
	r := newFakeReader(1, 2)
	d := newTestDemuxer(r, 0)
	h, err := d.Attach(0)
	require.NoError(t, err)
	ctx := context.Background()

	assert.Len(t, collect(t, d, h), 2)
	_, err = d.ReadPacket(ctx, h)
	require.ErrorIs(t, err, media.ErrEndOfStream)

	// 1 tick at 90kHz is ~11.1µs
	require.NoError(t, d.Seek(12*time.Microsecond))
	assert.Equal(t, int64(1), r.seeks.Load())

	p, err := d.ReadPacket(ctx, h)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(1), p.PTS)

	require.NoError(t, d.Detach(h))
	require.NoError(t, d.Release())
}

func TestDemuxer_SynchronousReadFiltersOtherStreams(t *testing.T) {
	r := newFakeReader(2, 6)
	d := newTestDemuxer(r, 0)
	h, err := d.Attach(1)
	require.NoError(t, err)

	assert.Equal(t, r.expectedSequences(1), collect(t, d, h))
	require.NoError(t, d.Detach(h))
	require.NoError(t, d.Release())
}

func TestDemuxer_AttachValidation(t *testing.T) {
	d := newTestDemuxer(newFakeReader(2, 0), 0)

	_, err := d.Attach(2)
	assert.ErrorIs(t, err, media.ErrUserCancelled)
	_, err = d.Attach(-1)
	assert.ErrorIs(t, err, ErrInvalidStream)
	assert.Equal(t, 0, d.Consumers())

	h, err := d.Attach(0)
	require.NoError(t, err)
	require.NoError(t, d.Detach(h))
	assert.ErrorIs(t, d.Detach(h), ErrUnknownConsumer)

	_, err = d.ReadPacket(context.Background(), h)
	assert.ErrorIs(t, err, ErrUnknownConsumer)
	assert.ErrorIs(t, d.Detach(Handle{}), ErrUnknownConsumer)

	require.NoError(t, d.Release())
}

func TestDemuxer_StaleHandleAfterSlotReuse(t *testing.T) {
	d := newTestDemuxer(newFakeReader(1, 0), 0)

	h1, err := d.Attach(0)
	require.NoError(t, err)
	require.NoError(t, d.Detach(h1))

	h2, err := d.Attach(0)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
	assert.ErrorIs(t, d.Detach(h1), ErrUnknownConsumer)
	require.NoError(t, d.Detach(h2))
	require.NoError(t, d.Release())
}

func TestDemuxer_SecondAttachCreatesQueues(t *testing.T) {
	d := newTestDemuxer(newFakeReader(2, 0), 0)

	h1, err := d.Attach(0)
	require.NoError(t, err)
	c1, _ := d.consumers.get(h1)
	assert.Nil(t, c1.queue)

	h2, err := d.Attach(1)
	require.NoError(t, err)
	c2, _ := d.consumers.get(h2)
	assert.NotNil(t, c1.queue, "first consumer gets a queue on the second attach")
	assert.NotNil(t, c2.queue)

	// the distributor only starts on the next read
	assert.False(t, d.Threaded())

	require.NoError(t, d.Detach(h1))
	require.NoError(t, d.Detach(h2))
	require.NoError(t, d.Release())
}

func TestDemuxer_ThreadedFanOut(t *testing.T) {
	r := newFakeReader(2, 40)
	d := newTestDemuxer(r, 2)

	h0, err := d.Attach(0)
	require.NoError(t, err)
	h1, err := d.Attach(1)
	require.NoError(t, err)

	var got0, got1 []uint64
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); got0 = collect(t, d, h0) }()
	go func() { defer wg.Done(); got1 = collect(t, d, h1) }()
	wg.Wait()

	assert.True(t, d.Threaded())
	assert.Equal(t, r.expectedSequences(0), got0)
	assert.Equal(t, r.expectedSequences(1), got1)

	require.NoError(t, d.Detach(h0))
	require.NoError(t, d.Detach(h1))
	require.NoError(t, d.Release())
}

func TestDemuxer_SameStreamConsumersEachGetEveryPacket(t *testing.T) {
	r := newFakeReader(1, 25)
	d := newTestDemuxer(r, 3)

	handles := make([]Handle, 3)
	for i := range handles {
		h, err := d.Attach(0)
		require.NoError(t, err)
		handles[i] = h
	}

	results := make([][]uint64, len(handles))
	var wg sync.WaitGroup
	for i, h := range handles {
		wg.Add(1)
		go func(i int, h Handle) {
			defer wg.Done()
			results[i] = collect(t, d, h)
		}(i, h)
	}
	wg.Wait()

	for i := range results {
		assert.Equal(t, r.expectedSequences(0), results[i], "consumer %d", i)
	}

	for _, h := range handles {
		require.NoError(t, d.Detach(h))
	}
	require.NoError(t, d.Release())
}

func TestDemuxer_StarvationForcesDelivery(t *testing.T) {
	r := newFakeReader(2, 20)
	d := newTestDemuxer(r, 2)

	paused, err := d.Attach(0)
	require.NoError(t, err)
	active, err := d.Attach(1)
	require.NoError(t, err)

	// Nobody reads from the paused consumer. Its queue fills after two
	// packets; the active consumer must keep receiving regardless.
	var got []uint64
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 3*testInterval+250*time.Millisecond)
		p, err := d.ReadPacket(ctx, active)
		cancel()
		require.NoError(t, err)
		if p == nil {
			break
		}
		got = append(got, p.Sequence)
	}
	assert.Equal(t, r.expectedSequences(1), got)

	c, _ := d.consumers.get(paused)
	assert.Greater(t, c.queue.Len(), c.queue.Capacity(), "paused queue grew through force pushes")

	assert.Equal(t, r.expectedSequences(0), collect(t, d, paused))

	require.NoError(t, d.Detach(paused))
	require.NoError(t, d.Detach(active))
	require.NoError(t, d.Release())
}

func TestDemuxer_SingleToMultiTransition(t *testing.T) {
	r := newFakeReader(2, 30)
	d := newTestDemuxer(r, 4)
	ctx := context.Background()

	first, err := d.Attach(0)
	require.NoError(t, err)

	var got []uint64
	for i := 0; i < 3; i++ {
		p, err := d.ReadPacket(ctx, first)
		require.NoError(t, err)
		got = append(got, p.Sequence)
	}
	assert.False(t, d.Threaded())

	second, err := d.Attach(1)
	require.NoError(t, err)

	var secondGot []uint64
	done := make(chan struct{})
	go func() {
		defer close(done)
		secondGot = collect(t, d, second)
	}()

	got = append(got, collect(t, d, first)...)
	<-done

	assert.True(t, d.Threaded())
	assert.Equal(t, r.expectedSequences(0), got, "no loss or duplication across the transition")
	require.NotEmpty(t, secondGot)
	for i := 1; i < len(secondGot); i++ {
		assert.Greater(t, secondGot[i], secondGot[i-1])
	}

	require.NoError(t, d.Detach(first))
	require.NoError(t, d.Detach(second))
	require.NoError(t, d.Release())
}

func TestDemuxer_ThreadedSeekFlushesQueues(t *testing.T) {
	r := newFakeReader(2, 200)
	d := newTestDemuxer(r, 4)

	h0, err := d.Attach(0)
	require.NoError(t, err)
	h1, err := d.Attach(1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// start the distributor and let the queues fill up
	for i := 0; i < 5; i++ {
		_, err := d.ReadPacket(ctx, h0)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		c, _ := d.consumers.get(h1)
		return c.queue.Len() >= 4
	}, time.Second, time.Millisecond)

	require.NoError(t, d.Seek(0))
	require.Eventually(t, func() bool {
		return r.seeks.Load() == 1 && d.seekRequest.Load() == noSeek
	}, time.Second, time.Millisecond)

	p, err := d.ReadPacket(ctx, h0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.PTS, "first packet after the seek barrier comes from the new position")

	p, err = d.ReadPacket(ctx, h1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.PTS)

	require.NoError(t, d.Detach(h0))
	require.NoError(t, d.Detach(h1))
	require.NoError(t, d.Release())
}

func TestDemuxer_ThreadedSeekAfterEndOfStream(t *testing.T) {
	r := newFakeReader(2, 6)
	d := newTestDemuxer(r, 8)

	h0, err := d.Attach(0)
	require.NoError(t, err)
	h1, err := d.Attach(1)
	require.NoError(t, err)

	assert.Len(t, collect(t, d, h0), 3)
	assert.Len(t, collect(t, d, h1), 3)

	require.NoError(t, d.Seek(0))
	assert.Len(t, collect(t, d, h0), 3, "flush marker is delivered again after a seek")
	assert.Len(t, collect(t, d, h1), 3)

	require.NoError(t, d.Detach(h0))
	require.NoError(t, d.Detach(h1))
	require.NoError(t, d.Release())
}

func TestDemuxer_DistributorFailureReachesConsumers(t *testing.T) {
	r := newFakeReader(2, 10)
	r.failAt = 4
	d := newTestDemuxer(r, 8)

	h0, err := d.Attach(0)
	require.NoError(t, err)
	h1, err := d.Attach(1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var seqs []uint64
	for {
		p, err := d.ReadPacket(ctx, h0)
		if err != nil {
			assert.ErrorIs(t, err, media.ErrThread)
			assert.ErrorIs(t, err, media.ErrInvalidFormat)
			break
		}
		seqs = append(seqs, p.Sequence)
	}
	assert.Equal(t, []uint64{1, 3}, seqs, "packets queued before the failure are still delivered")

	// consumers attached after the failure inherit it
	late, err := d.Attach(0)
	require.NoError(t, err)
	_, err = d.ReadPacket(ctx, late)
	assert.ErrorIs(t, err, media.ErrThread)

	for _, h := range []Handle{h0, h1, late} {
		require.NoError(t, d.Detach(h))
	}
	require.NoError(t, d.Release())
}

func TestDemuxer_ReleaseWithConsumersAttached(t *testing.T) {
	r := newFakeReader(2, 100)
	d := newTestDemuxer(r, 2)

	h0, err := d.Attach(0)
	require.NoError(t, err)
	_, err = d.Attach(1)
	require.NoError(t, err)
	_, err = d.ReadPacket(context.Background(), h0)
	require.NoError(t, err)

	err = d.Release()
	assert.ErrorIs(t, err, ErrConsumersAttached)
	assert.True(t, r.closed.Load())

	_, err = d.Attach(0)
	assert.ErrorIs(t, err, media.ErrClosed)
	assert.ErrorIs(t, d.Retain(), media.ErrClosed)
}

func TestDemuxer_RetainRelease(t *testing.T) {
	r := newFakeReader(1, 0)
	d := newTestDemuxer(r, 0)

	require.NoError(t, d.Retain())
	require.NoError(t, d.Release())
	assert.False(t, r.closed.Load(), "reader stays open while references remain")

	require.NoError(t, d.Release())
	assert.True(t, r.closed.Load())
}

func TestDemuxer_ThreadedSeekFailureIsFatal(t *testing.T) {
	r := newFakeReader(2, 200)
	r.seekErr = errors.New("source not seekable")
	d := newTestDemuxer(r, 4)

	h0, err := d.Attach(0)
	require.NoError(t, err)
	h1, err := d.Attach(1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p, err := d.ReadPacket(ctx, h0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.Sequence)
	require.Eventually(t, func() bool {
		c, _ := d.consumers.get(h0)
		return c.queue.Len() >= 3
	}, time.Second, time.Millisecond)

	require.NoError(t, d.Seek(time.Second))

	for _, h := range []Handle{h0, h1} {
		for {
			p, err := d.ReadPacket(ctx, h)
			if err != nil {
				assert.ErrorIs(t, err, media.ErrThread)
				assert.ErrorIs(t, err, r.seekErr)
				break
			}
			t.Fatalf("packet %d delivered after a failed seek", p.Sequence)
		}
	}

	require.NoError(t, d.Detach(h0))
	require.NoError(t, d.Detach(h1))
	require.NoError(t, d.Release())
}

func TestDemuxer_FlushMarkerOnceAcrossTransition(t *testing.T) {
	r := newFakeReader(2, 4)
	d := newTestDemuxer(r, 4)

	first, err := d.Attach(0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 3}, collect(t, d, first))
	assert.False(t, d.Threaded())

	second, err := d.Attach(1)
	require.NoError(t, err)

	// the late consumer is owed the marker for the same end of stream
	assert.Empty(t, collect(t, d, second))
	assert.True(t, d.Threaded())

	ctx, cancel := context.WithTimeout(context.Background(), 5*testInterval)
	defer cancel()
	_, err = d.ReadPacket(ctx, first)
	assert.ErrorIs(t, err, media.ErrTimeout, "no second flush marker for the first consumer")

	require.NoError(t, d.Seek(0))
	assert.Equal(t, []uint64{6, 8}, collect(t, d, first))
	assert.Equal(t, []uint64{7, 9}, collect(t, d, second))

	require.NoError(t, d.Detach(first))
	require.NoError(t, d.Detach(second))
	require.NoError(t, d.Release())
}

func TestDemuxer_StalePacketsDroppedAfterSeek(t *testing.T) {
	r := newFakeReader(2, 40)
	d := newTestDemuxer(r, 4)

	h0, err := d.Attach(0)
	require.NoError(t, err)
	h1, err := d.Attach(1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err = d.ReadPacket(ctx, h0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		c, _ := d.consumers.get(h1)
		return c.queue.Len() >= 4
	}, time.Second, time.Millisecond)

	assert.Equal(t, uint64(0), d.Generation())
	require.NoError(t, d.Seek(0))
	assert.Equal(t, uint64(1), d.Generation())

	// whatever h1 had queued belongs to the old position
	p, err := d.ReadPacket(ctx, h1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.PTS)
	assert.Equal(t, uint64(1), d.ConsumerGeneration(h1))

	require.NoError(t, d.Detach(h0))
	require.NoError(t, d.Detach(h1))
	require.NoError(t, d.Release())
}
