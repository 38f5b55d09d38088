// Package mpegts reads MPEG transport streams into packets.
package mpegts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"

	"github.com/jmylchreest/tvdecode/pkg/media"
)

// Samples per audio frame, used to space out timestamps when one PES
// carries several frames.
const (
	aacFrameSamples  = 1024
	mp3FrameSamples  = 1152
	opusFrameSamples = 960

	defaultSampleRate = 48000
	clockRate         = 90000
)

// Opener returns a fresh stream positioned at the start of the source.
type Opener func(ctx context.Context) (io.ReadCloser, error)

// Options configures a Reader.
type Options struct {
	// ProbePackets bounds the TS packets scanned for PMT descriptors.
	ProbePackets int
	Logger       *slog.Logger
}

// Reader implements media.ContainerReader for MPEG-TS.
type Reader struct {
	open   Opener
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	rc      io.ReadCloser
	mr      *mpegts.Reader
	streams []media.StreamInfo

	pids []uint16

	// frameTicks is the per-frame PTS step for multi-frame audio PES.
	frameTicks []int64

	pending []*media.Packet
	eof     bool

	// Timestamps are emitted relative to the first PTS seen after Open.
	startPTS int64
	started  bool

	// After a seek the reader resumes at the last keyframe of the anchor
	// stream at or before seekTarget. Packets from that keyframe on are held
	// in gop until the anchor stream passes the target.
	seekTarget   int64
	seeking      bool
	anchor       int
	anchored     bool
	gop          []*media.Packet
	needKeyframe bool
}

// Open opens the stream, waits for the PMT and builds the stream table.
func Open(ctx context.Context, open Opener, opts Options) (*Reader, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &Reader{
		open:   open,
		opts:   opts,
		logger: opts.Logger,
		ctx:    rctx,
		cancel: cancel,
	}

	if err := r.init(ctx); err != nil {
		cancel()
		return nil, err
	}

	langs := probePMT(ctx, open, opts.ProbePackets, r.logger)
	r.applyPMT(langs)

	return r, nil
}

// init (re)opens the source and registers track callbacks.
func (r *Reader) init(ctx context.Context) error {
	rc, err := r.open(ctx)
	if err != nil {
		return err
	}

	mr := &mpegts.Reader{R: rc}
	if err := mr.Initialize(); err != nil {
		rc.Close()
		return fmt.Errorf("initializing mpegts reader: %w", errors.Join(media.ErrInvalidFormat, err))
	}

	mr.OnDecodeError(func(err error) {
		r.logger.Debug("mpegts decode error", slog.String("error", err.Error()))
	})

	r.rc = rc
	r.mr = mr
	r.pending = nil
	r.eof = false

	fresh := r.streams == nil

	for i, track := range mr.Tracks() {
		if fresh {
			info, ticks := describeTrack(i, track)
			r.streams = append(r.streams, info)
			r.frameTicks = append(r.frameTicks, ticks)
			r.pids = append(r.pids, track.PID)
		} else if i >= len(r.streams) {
			r.logger.Warn("track appeared after reopen", slog.Uint64("pid", uint64(track.PID)))
			continue
		}
		r.register(i, track)
	}

	if fresh {
		r.anchor = anchorStream(r.streams)
		r.logger.Debug("mpegts reader initialized", slog.Int("streams", len(r.streams)))
	}
	return nil
}

// describeTrack maps a mediacommon track to a stream entry.
func describeTrack(index int, track *mpegts.Track) (media.StreamInfo, int64) {
	info := media.StreamInfo{
		Index:    index,
		TimeBase: media.MPEGTSTimeBase,
	}

	var ticks int64
	switch codec := track.Codec.(type) {
	case *mpegts.CodecH264:
		info.Type = media.MediaVideo
		info.Codec = "h264"
	case *mpegts.CodecH265:
		info.Type = media.MediaVideo
		info.Codec = "h265"
	case *mpegts.CodecMPEG4Audio:
		info.Type = media.MediaAudio
		info.Codec = "aac"
		info.SampleRate = codec.Config.SampleRate
		info.Channels = codec.Config.ChannelCount
		ticks = frameTicks(aacFrameSamples, info.SampleRate)
	case *mpegts.CodecAC3:
		info.Type = media.MediaAudio
		info.Codec = "ac3"
		info.SampleRate = codec.SampleRate
		info.Channels = codec.ChannelCount
	case *mpegts.CodecMPEG1Audio:
		info.Type = media.MediaAudio
		info.Codec = "mp3"
		info.SampleRate = defaultSampleRate
		ticks = frameTicks(mp3FrameSamples, info.SampleRate)
	case *mpegts.CodecOpus:
		info.Type = media.MediaAudio
		info.Codec = "opus"
		info.SampleRate = defaultSampleRate
		info.Channels = codec.ChannelCount
		ticks = frameTicks(opusFrameSamples, info.SampleRate)
	default:
		info.Type = media.MediaData
		info.Codec = fmt.Sprintf("%T", codec)
	}
	return info, ticks
}

func frameTicks(samples, sampleRate int) int64 {
	if sampleRate <= 0 {
		sampleRate = defaultSampleRate
	}
	return int64(samples) * clockRate / int64(sampleRate)
}

func (r *Reader) register(index int, track *mpegts.Track) {
	switch track.Codec.(type) {
	case *mpegts.CodecH264:
		r.mr.OnDataH264(track, func(pts, dts int64, au [][]byte) error {
			return r.onVideo(index, pts, dts, au, h264.IsRandomAccess(au))
		})
	case *mpegts.CodecH265:
		r.mr.OnDataH265(track, func(pts, dts int64, au [][]byte) error {
			return r.onVideo(index, pts, dts, au, h265.IsRandomAccess(au))
		})
	case *mpegts.CodecMPEG4Audio:
		r.mr.OnDataMPEG4Audio(track, func(pts int64, aus [][]byte) error {
			r.onAudio(index, pts, aus)
			return nil
		})
	case *mpegts.CodecAC3:
		r.mr.OnDataAC3(track, func(pts int64, frame []byte) error {
			r.onAudio(index, pts, [][]byte{frame})
			return nil
		})
	case *mpegts.CodecMPEG1Audio:
		r.mr.OnDataMPEG1Audio(track, func(pts int64, frames [][]byte) error {
			r.onAudio(index, pts, frames)
			return nil
		})
	case *mpegts.CodecOpus:
		r.mr.OnDataOpus(track, func(pts int64, packets [][]byte) error {
			r.onAudio(index, pts, packets)
			return nil
		})
	}
}

func (r *Reader) onVideo(index int, pts, dts int64, au [][]byte, keyframe bool) error {
	if len(au) == 0 {
		return nil
	}
	annexB, err := h264.AnnexB(au).Marshal()
	if err != nil || len(annexB) == 0 {
		return nil
	}

	r.push(&media.Packet{
		StreamIndex: index,
		PTS:         r.rebase(pts),
		DTS:         r.rebase(dts),
		Keyframe:    keyframe,
		Data:        annexB,
	})
	return nil
}

func (r *Reader) onAudio(index int, pts int64, frames [][]byte) {
	pts = r.rebase(pts)
	step := r.frameTicks[index]

	for _, frame := range frames {
		if len(frame) == 0 {
			continue
		}
		cur := pts
		pts += step

		data := make([]byte, len(frame))
		copy(data, frame)
		r.push(&media.Packet{
			StreamIndex: index,
			PTS:         cur,
			DTS:         cur,
			Duration:    step,
			Keyframe:    true,
			Data:        data,
		})
	}
}

// push queues pkt, or while seeking decides whether it belongs to the
// resumed stream.
func (r *Reader) push(pkt *media.Packet) {
	if r.needKeyframe {
		if pkt.StreamIndex != r.anchor || !pkt.Keyframe {
			return
		}
		r.needKeyframe = false
	}
	if !r.seeking {
		r.pending = append(r.pending, pkt)
		return
	}

	onAnchor := pkt.StreamIndex == r.anchor
	switch {
	case onAnchor && pkt.Keyframe && pkt.PTS <= r.seekTarget:
		r.gop = append(r.gop[:0], pkt)
		r.anchored = true
	case onAnchor && pkt.PTS > r.seekTarget:
		r.endSeek()
		if !r.anchored && !pkt.Keyframe {
			// no keyframe at or before the target; resume at the next one
			r.needKeyframe = true
			return
		}
		r.pending = append(r.pending, pkt)
	case r.anchored:
		r.gop = append(r.gop, pkt)
	}
}

// endSeek releases the held packets.
func (r *Reader) endSeek() {
	r.pending = append(r.pending, r.gop...)
	r.gop = nil
	r.seeking = false
	r.anchored = false
}

// anchorStream picks the stream whose keyframes define seek points: the
// first video stream, else stream 0.
func anchorStream(streams []media.StreamInfo) int {
	for i, s := range streams {
		if s.Type == media.MediaVideo {
			return i
		}
	}
	return 0
}

func (r *Reader) rebase(ts int64) int64 {
	if !r.started {
		r.startPTS = ts
		r.started = true
	}
	return ts - r.startPTS
}

// Streams returns the stream table in PMT order.
func (r *Reader) Streams() []media.StreamInfo { return r.streams }

// TimeBase returns the 90 kHz MPEG-TS clock.
func (r *Reader) TimeBase() media.Rational { return media.MPEGTSTimeBase }

// ReadPacket returns the next packet in file order or io.EOF.
func (r *Reader) ReadPacket() (*media.Packet, error) {
	for len(r.pending) == 0 {
		if r.eof {
			return nil, io.EOF
		}
		if err := r.mr.Read(); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				r.eof = true
				if r.seeking {
					r.endSeek()
				}
				continue
			}
			return nil, fmt.Errorf("reading ts packet: %w", err)
		}
	}

	pkt := r.pending[0]
	r.pending[0] = nil
	r.pending = r.pending[1:]
	return pkt, nil
}

// Seek reopens the source and resumes at the last keyframe at or before ts,
// taking every stream from that point in file order. Without such a
// keyframe the reader resumes at the first keyframe after ts.
func (r *Reader) Seek(ts int64) error {
	if r.rc != nil {
		r.rc.Close()
	}
	if err := r.init(r.ctx); err != nil {
		return fmt.Errorf("reopening for seek: %w", err)
	}

	r.seekTarget = ts
	r.seeking = ts > 0
	r.anchored = false
	r.gop = nil
	r.needKeyframe = false
	r.logger.Debug("mpegts seek", slog.Int64("target", ts))
	return nil
}

// Close releases the source.
func (r *Reader) Close() error {
	r.cancel()
	if r.rc == nil {
		return nil
	}
	err := r.rc.Close()
	r.rc = nil
	return err
}
