package decode

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/jmylchreest/tvdecode/pkg/media"
)

// fakeReader serves nPackets packets round-robin over its streams, one per
// second of presentation time.
type fakeReader struct {
	mu      sync.Mutex
	streams []media.StreamInfo
	packets []*media.Packet
	pos     int
	closed  atomic.Bool
}

func newFakeReader(nStreams, nPackets int) *fakeReader {
	r := &fakeReader{}
	for i := 0; i < nStreams; i++ {
		r.streams = append(r.streams, media.StreamInfo{
			Index:      i,
			Type:       media.MediaAudio,
			Codec:      "aac",
			IsDefault:  i == 0,
			TimeBase:   media.MPEGTSTimeBase,
			SampleRate: 48000,
			Channels:   2,
		})
	}
	for i := 0; i < nPackets; i++ {
		r.packets = append(r.packets, &media.Packet{
			StreamIndex: i % nStreams,
			PTS:         int64(i) * 90000,
			DTS:         int64(i) * 90000,
			Duration:    90000,
			Keyframe:    true,
			Data:        []byte{byte(i)},
		})
	}
	return r
}

func (r *fakeReader) Streams() []media.StreamInfo { return r.streams }

func (r *fakeReader) TimeBase() media.Rational { return media.MPEGTSTimeBase }

func (r *fakeReader) ReadPacket() (*media.Packet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pos >= len(r.packets) {
		return nil, io.EOF
	}
	pkt := r.packets[r.pos].Clone()
	r.pos++
	return pkt, nil
}

func (r *fakeReader) Seek(ts int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pos = len(r.packets)
	for i, p := range r.packets {
		if p.PTS >= ts {
			r.pos = i
			break
		}
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed.Store(true)
	return nil
}

// stubCodec emits one frame per packet and counts released frames.
type stubCodec struct {
	held     []*media.Packet
	draining bool
	err      error
	released *atomic.Int32
}

func (c *stubCodec) SendPacket(pkt *media.Packet) error {
	if pkt == nil {
		c.draining = true
		return nil
	}
	c.held = append(c.held, pkt)
	return nil
}

func (c *stubCodec) ReceiveFrame() (*media.RawFrame, error) {
	if c.err != nil {
		return nil, c.err
	}
	if len(c.held) == 0 {
		if c.draining {
			return nil, io.EOF
		}
		return nil, media.ErrNeedInput
	}
	pkt := c.held[0]
	c.held = c.held[1:]
	return &media.RawFrame{
		PTS:     pkt.PTS,
		Planes:  [][]byte{pkt.Data},
		Release: func() { c.released.Add(1) },
	}, nil
}

func (c *stubCodec) Reset() {
	c.held = nil
	c.draining = false
}

func (c *stubCodec) Close() error { return nil }
