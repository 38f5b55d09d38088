package demux

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/jmylchreest/tvdecode/pkg/media"
)

// fakeReader serves an in-memory packet list. Packet PTS equals its
// position in the list so seeks are easy to observe.
type fakeReader struct {
	mu      sync.Mutex
	streams []media.StreamInfo
	packets []media.Packet
	pos     int
	failAt  int // ReadPacket fails once pos reaches failAt (0 disables)
	seekErr error

	reads  atomic.Int64
	seeks  atomic.Int64
	closed atomic.Bool
}

// newFakeReader builds a reader with nStreams streams whose packets are
// assigned round-robin.
func newFakeReader(nStreams, nPackets int) *fakeReader {
	r := &fakeReader{}
	for i := 0; i < nStreams; i++ {
		r.streams = append(r.streams, media.StreamInfo{
			Index:    i,
			Type:     media.MediaVideo,
			Codec:    "h264",
			TimeBase: media.MPEGTSTimeBase,
		})
	}
	for i := 0; i < nPackets; i++ {
		r.packets = append(r.packets, media.Packet{
			StreamIndex: i % nStreams,
			PTS:         int64(i),
			DTS:         int64(i),
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
	r.reads.Add(1)

	if r.failAt > 0 && r.pos >= r.failAt {
		return nil, errors.New("corrupt packet header")
	}
	if r.pos >= len(r.packets) {
		return nil, io.EOF
	}
	pkt := r.packets[r.pos]
	r.pos++
	return &pkt, nil
}

func (r *fakeReader) Seek(ts int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seeks.Add(1)
	if r.seekErr != nil {
		return r.seekErr
	}
	r.pos = 0
	for r.pos < len(r.packets) && r.packets[r.pos].PTS < ts {
		r.pos++
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed.Store(true)
	return nil
}

// expectedSequences returns the 1-based file positions of stream's packets,
// which is what the demuxer assigns as sequences when reading from the start.
func (r *fakeReader) expectedSequences(stream int) []uint64 {
	var out []uint64
	for i, p := range r.packets {
		if p.StreamIndex == stream {
			out = append(out, uint64(i+1))
		}
	}
	return out
}
