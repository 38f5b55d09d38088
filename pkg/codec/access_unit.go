package codec

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"github.com/jmylchreest/tvdecode/pkg/format"
	"github.com/jmylchreest/tvdecode/pkg/media"
)

var errDraining = errors.New("codec is draining; reset before sending more packets")

// Samples per frame for the audio codecs.
var frameSamples = map[format.GenericFormat]int{
	format.GenericAAC:  1024,
	format.GenericAC3:  1536,
	format.GenericMP3:  1152,
	format.GenericOpus: 960,
}

var bufPool = sync.Pool{
	New: func() any { return new([]byte) },
}

// accessUnit passes complete access units through as frames. Video frames
// carry the picture size from the most recent SPS.
type accessUnit struct {
	stream media.StreamInfo
	out    format.GenericFormat
	delay  int

	held     []*media.Packet
	draining bool

	width  int
	height int
}

func newAccessUnit(stream media.StreamInfo, opts Options) (media.Codec, error) {
	name := opts.Name
	if name == "" {
		name = stream.Codec
	}
	out := format.CanonicalCodec(name)
	if out == format.GenericUnknown {
		return nil, fmt.Errorf("%w: %q", media.ErrCodecNotFound, name)
	}

	c := &accessUnit{
		stream: stream,
		out:    out,
		delay:  opts.Delay,
		width:  stream.Width,
		height: stream.Height,
	}
	if len(stream.Extradata) > 0 {
		c.parseParams(stream.Extradata)
	}
	return c, nil
}

func (c *accessUnit) SendPacket(pkt *media.Packet) error {
	if c.draining {
		return errDraining
	}
	if pkt == nil {
		c.draining = true
		return nil
	}
	c.held = append(c.held, pkt)
	return nil
}

func (c *accessUnit) ReceiveFrame() (*media.RawFrame, error) {
	switch {
	case len(c.held) > c.delay, c.draining && len(c.held) > 0:
	case c.draining:
		return nil, io.EOF
	default:
		return nil, media.ErrNeedInput
	}

	pkt := c.held[0]
	c.held[0] = nil
	c.held = c.held[1:]

	c.parseParams(pkt.Data)

	bp := bufPool.Get().(*[]byte)
	buf := append((*bp)[:0], pkt.Data...)
	*bp = buf

	frame := &media.RawFrame{
		PTS:       pkt.PTS,
		Duration:  pkt.Duration,
		Format:    format.Generic(c.out),
		Planes:    [][]byte{buf},
		Linesizes: []int{len(buf)},
		Keyframe:  pkt.Keyframe,
		Release: func() {
			bufPool.Put(bp)
		},
	}
	switch c.stream.Type {
	case media.MediaVideo:
		frame.Width = c.width
		frame.Height = c.height
	case media.MediaAudio:
		frame.SampleRate = c.stream.SampleRate
		frame.Channels = c.stream.Channels
		frame.Samples = frameSamples[c.out]
	}
	return frame, nil
}

func (c *accessUnit) Reset() {
	clear(c.held)
	c.held = c.held[:0]
	c.draining = false
}

func (c *accessUnit) Close() error {
	c.Reset()
	return nil
}

// parseParams updates the picture size from any SPS in an Annex-B buffer.
func (c *accessUnit) parseParams(data []byte) {
	if c.out != format.GenericH264AnnexB && c.out != format.GenericH265AnnexB {
		return
	}

	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return
	}

	for _, nalu := range au {
		if len(nalu) == 0 {
			continue
		}
		switch c.out {
		case format.GenericH264AnnexB:
			if h264.NALUType(nalu[0]&0x1f) != h264.NALUTypeSPS {
				continue
			}
			var sps h264.SPS
			if err := sps.Unmarshal(nalu); err == nil {
				c.width, c.height = sps.Width(), sps.Height()
			}
		case format.GenericH265AnnexB:
			if h265.NALUType((nalu[0]>>1)&0x3f) != h265.NALUType_SPS_NUT {
				continue
			}
			var sps h265.SPS
			if err := sps.Unmarshal(nalu); err == nil {
				c.width, c.height = sps.Width(), sps.Height()
			}
		}
	}
}
