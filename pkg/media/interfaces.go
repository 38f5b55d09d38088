package media

import "github.com/jmylchreest/tvdecode/pkg/format"

// ContainerReader reads packets out of a container in file order.
type ContainerReader interface {
	// Streams returns the container's stream table.
	Streams() []StreamInfo
	// TimeBase is the unit of packet timestamps and Seek targets.
	TimeBase() Rational
	// ReadPacket returns the next packet, or io.EOF at the end of the stream.
	ReadPacket() (*Packet, error)
	// Seek repositions the reader at or before ts (in TimeBase units).
	Seek(ts int64) error
	Close() error
}

// Codec turns packets of one stream into frames.
//
// The call pattern follows the send/receive model: ReceiveFrame returns
// ErrNeedInput when it wants another SendPacket, and io.EOF once a flush
// (SendPacket(nil)) has been fully drained. Reset re-arms a drained codec.
type Codec interface {
	SendPacket(pkt *Packet) error
	ReceiveFrame() (*RawFrame, error)
	Reset()
	Close() error
}

// RawFrame is a frame as produced by a codec, before timestamp rescaling.
type RawFrame struct {
	PTS      int64 // Stream time base
	Duration int64 // Stream time base

	Width  int
	Height int

	SampleRate int
	Channels   int
	Samples    int

	Format    format.Format
	Planes    [][]byte
	Linesizes []int
	Keyframe  bool

	// Release returns codec-owned memory. May be nil.
	Release func()
}
