// Package media holds the data model shared by the demuxer, the container
// readers and the codec backends.
package media

// Packet is one unit of compressed data belonging to a single stream.
//
// A nil *Packet is a valid value: it is the end-of-stream flush marker and
// travels through queues and decoders like any other packet.
type Packet struct {
	StreamIndex int    // Index into the container's stream table
	PTS         int64  // Presentation timestamp (container time base)
	DTS         int64  // Decode timestamp (container time base)
	Duration    int64  // Duration (container time base), 0 if unknown
	Keyframe    bool   // Packet starts a decodable unit
	Data        []byte // Payload, owned by the packet
	Sequence    uint64 // Monotonic index assigned by the demuxer, 0 if unassigned
}

// Clone returns a deep copy of the packet. Cloning nil returns nil.
func (p *Packet) Clone() *Packet {
	if p == nil {
		return nil
	}
	c := *p
	if p.Data != nil {
		c.Data = make([]byte, len(p.Data))
		copy(c.Data, p.Data)
	}
	return &c
}

// Size returns the payload size in bytes.
func (p *Packet) Size() int {
	if p == nil {
		return 0
	}
	return len(p.Data)
}

// IsFlush reports whether p is the flush marker.
func (p *Packet) IsFlush() bool {
	return p == nil
}
