// Package hls reads HTTP Live Streaming sources into packets.
package hls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	gohlslib "github.com/bluenviron/gohlslib/v2"
	"github.com/bluenviron/gohlslib/v2/pkg/codecs"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"

	"github.com/jmylchreest/tvdecode/pkg/media"
)

// Video tracks already run on the 90 kHz clock; audio tracks run on their
// sample rate and are rescaled.
const (
	defaultSampleRate = 48000
	opusClockRate     = 48000
)

// ErrNoTracks is returned when the playlist carries no supported track.
var ErrNoTracks = errors.New("no supported tracks")

// Options configures a Reader.
type Options struct {
	HTTPClient    *http.Client
	BufferPackets int
	Logger        *slog.Logger
}

// Reader implements media.ContainerReader on top of the gohlslib client.
// Timestamps of every stream are converted to the 90 kHz clock.
type Reader struct {
	client *gohlslib.Client
	logger *slog.Logger

	streams []media.StreamInfo
	ready   chan struct{}

	packets chan *media.Packet
	done    chan struct{}
	err     error

	closeOnce sync.Once
	closed    chan struct{}
}

// Open starts the client and waits until the tracks are known.
func Open(ctx context.Context, uri string, opts Options) (*Reader, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.BufferPackets <= 0 {
		opts.BufferPackets = 256
	}

	r := &Reader{
		logger:  opts.Logger,
		ready:   make(chan struct{}),
		packets: make(chan *media.Packet, opts.BufferPackets),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}

	r.client = &gohlslib.Client{
		URI:        uri,
		HTTPClient: opts.HTTPClient,
		OnTracks:   r.onTracks,
	}
	if err := r.client.Start(); err != nil {
		return nil, fmt.Errorf("starting hls client: %w", err)
	}
	go r.watch()

	select {
	case <-r.ready:
		if len(r.streams) == 0 {
			r.Close()
			return nil, fmt.Errorf("%w: %w", media.ErrInvalidFormat, ErrNoTracks)
		}
		return r, nil
	case <-r.done:
		return nil, fmt.Errorf("hls client stopped before tracks: %w", r.err)
	case <-ctx.Done():
		r.Close()
		return nil, fmt.Errorf("%w: %w", media.ErrTimeout, ctx.Err())
	}
}

func (r *Reader) watch() {
	err := r.client.Wait2()
	if err == nil || errors.Is(err, gohlslib.ErrClientEOS) {
		err = io.EOF
	}
	r.err = err
	close(r.done)
}

func (r *Reader) onTracks(tracks []*gohlslib.Track) error {
	defer close(r.ready)

	for _, track := range tracks {
		index := len(r.streams)
		info := media.StreamInfo{Index: index, TimeBase: media.MPEGTSTimeBase}

		switch codec := track.Codec.(type) {
		case *codecs.H264:
			info.Type = media.MediaVideo
			info.Codec = "h264"
			info.Extradata = joinParams(codec.SPS, codec.PPS)
			r.client.OnDataH26x(track, func(pts, dts int64, au [][]byte) {
				r.onVideo(index, pts, dts, au, h264.IsRandomAccess(au))
			})

		case *codecs.H265:
			info.Type = media.MediaVideo
			info.Codec = "h265"
			info.Extradata = joinParams(codec.VPS, codec.SPS, codec.PPS)
			r.client.OnDataH26x(track, func(pts, dts int64, au [][]byte) {
				r.onVideo(index, pts, dts, au, h265.IsRandomAccess(au))
			})

		case *codecs.MPEG4Audio:
			info.Type = media.MediaAudio
			info.Codec = "aac"
			info.SampleRate = codec.Config.SampleRate
			info.Channels = codec.Config.ChannelCount
			if info.SampleRate <= 0 {
				info.SampleRate = defaultSampleRate
			}
			clock := media.Rational{Num: 1, Den: int64(info.SampleRate)}
			r.client.OnDataMPEG4Audio(track, func(pts int64, aus [][]byte) {
				r.onAudio(index, pts, clock, 1024, aus)
			})

		case *codecs.Opus:
			info.Type = media.MediaAudio
			info.Codec = "opus"
			info.SampleRate = opusClockRate
			info.Channels = codec.ChannelCount
			clock := media.Rational{Num: 1, Den: opusClockRate}
			r.client.OnDataOpus(track, func(pts int64, packets [][]byte) {
				r.onAudio(index, pts, clock, 960, packets)
			})

		default:
			r.logger.Warn("unsupported hls track", slog.String("type", fmt.Sprintf("%T", codec)))
			continue
		}

		info.IsDefault = !r.hasType(info.Type)
		r.streams = append(r.streams, info)
	}

	r.logger.Debug("hls tracks discovered", slog.Int("streams", len(r.streams)))
	return nil
}

func (r *Reader) hasType(t media.MediaType) bool {
	for _, s := range r.streams {
		if s.Type == t {
			return true
		}
	}
	return false
}

func joinParams(params ...[]byte) []byte {
	var out []byte
	for _, p := range params {
		if len(p) == 0 {
			continue
		}
		out = append(out, 0, 0, 0, 1)
		out = append(out, p...)
	}
	return out
}

func (r *Reader) onVideo(index int, pts, dts int64, au [][]byte, keyframe bool) {
	annexB, err := h264.AnnexB(au).Marshal()
	if err != nil || len(annexB) == 0 {
		return
	}
	r.emit(&media.Packet{
		StreamIndex: index,
		PTS:         pts,
		DTS:         dts,
		Keyframe:    keyframe,
		Data:        annexB,
	})
}

func (r *Reader) onAudio(index int, pts int64, clock media.Rational, samples int64, frames [][]byte) {
	for i, frame := range frames {
		if len(frame) == 0 {
			continue
		}
		data := make([]byte, len(frame))
		copy(data, frame)

		ts := media.RescaleQ(pts+int64(i)*samples, clock, media.MPEGTSTimeBase)
		r.emit(&media.Packet{
			StreamIndex: index,
			PTS:         ts,
			DTS:         ts,
			Duration:    media.RescaleQ(samples, clock, media.MPEGTSTimeBase),
			Keyframe:    true,
			Data:        data,
		})
	}
}

// emit blocks while the buffer is full, which holds back segment downloads.
func (r *Reader) emit(pkt *media.Packet) {
	select {
	case r.packets <- pkt:
	case <-r.closed:
	}
}

// Streams returns the discovered tracks.
func (r *Reader) Streams() []media.StreamInfo { return r.streams }

// TimeBase returns the 90 kHz clock all packets are expressed in.
func (r *Reader) TimeBase() media.Rational { return media.MPEGTSTimeBase }

// ReadPacket returns the next buffered packet, or io.EOF once the playlist
// has ended and the buffer is drained.
func (r *Reader) ReadPacket() (*media.Packet, error) {
	select {
	case pkt := <-r.packets:
		return pkt, nil
	case <-r.closed:
		return nil, media.ErrClosed
	case <-r.done:
	}

	// drain what the client delivered before stopping
	select {
	case pkt := <-r.packets:
		return pkt, nil
	default:
		return nil, r.err
	}
}

// Seek is not supported for live playlists.
func (r *Reader) Seek(int64) error {
	return media.ErrSeekUnsupported
}

// Close stops the client.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		close(r.closed)
		r.client.Close()
	})
	return nil
}
