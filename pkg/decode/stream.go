package decode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/tvdecode/pkg/codec"
	"github.com/jmylchreest/tvdecode/pkg/demux"
	"github.com/jmylchreest/tvdecode/pkg/media"
)

// StreamDecoder decodes one stream of a demuxer with a codec. Decoders on
// the same demuxer may be used from different goroutines; a single decoder
// must not be.
type StreamDecoder struct {
	id       ulid.ULID
	dmx      *demux.Demuxer
	handle   demux.Handle
	stream   media.StreamInfo
	timeBase media.Rational
	codec    media.Codec
	logger   *slog.Logger

	// gen is the demuxer seek generation the codec was last armed for.
	gen uint64

	closeOnce sync.Once
	closeErr  error
}

func openStream(ctx context.Context, cfg Config) (*StreamDecoder, error) {
	dmx := cfg.Demuxer
	if dmx == nil {
		var err error
		dmx, err = demux.Open(ctx, cfg.URL, demux.Options{
			QueueCapacity:  cfg.QueueCapacity,
			ThreadInterval: cfg.ThreadInterval,
			Source:         cfg.Source,
			Logger:         cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
	} else if err := dmx.Retain(); err != nil {
		return nil, fmt.Errorf("sharing demuxer: %w", err)
	}

	d, err := newStreamDecoder(dmx, cfg)
	if err != nil {
		if rerr := dmx.Release(); rerr != nil {
			cfg.Logger.Warn("releasing demuxer", slog.String("error", rerr.Error()))
		}
		return nil, err
	}
	return d, nil
}

func newStreamDecoder(dmx *demux.Demuxer, cfg Config) (*StreamDecoder, error) {
	streams := dmx.Streams()
	idx, err := choose(cfg.Chooser, streams)
	if err != nil {
		return nil, err
	}
	stream := streams[idx]

	c, err := codec.Open(stream, cfg.Codec)
	if err != nil {
		return nil, err
	}

	h, err := dmx.Attach(idx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("attaching to stream %d: %w", idx, err)
	}

	tb := stream.TimeBase
	if !tb.Valid() {
		tb = dmx.TimeBase()
	}

	id := newSessionID()
	d := &StreamDecoder{
		id:       id,
		dmx:      dmx,
		handle:   h,
		stream:   stream,
		timeBase: tb,
		codec:    c,
		gen:      dmx.Generation(),
		logger: cfg.Logger.With(
			slog.String("component", "decoder"),
			slog.String("session_id", id.String()),
			slog.String("demuxer_id", dmx.ID().String()),
			slog.Int("stream_index", idx),
		),
	}
	d.logger.Debug("decoder opened",
		slog.String("type", stream.Type.String()),
		slog.String("codec", stream.Codec),
	)
	return d, nil
}

// ID returns the session identifier used in logs.
func (d *StreamDecoder) ID() ulid.ULID { return d.id }

// Stream returns the decoded stream's description.
func (d *StreamDecoder) Stream() media.StreamInfo { return d.stream }

// Demuxer returns the demuxer the decoder reads from.
func (d *StreamDecoder) Demuxer() *demux.Demuxer { return d.dmx }

// GetFrame feeds packets to the codec until it yields a frame. The flush
// marker is passed on as SendPacket(nil); once the codec is drained every
// call returns media.ErrEndOfStream until this decoder or another decoder
// on the same demuxer seeks.
func (d *StreamDecoder) GetFrame(ctx context.Context) (*Frame, error) {
	for {
		raw, err := d.codec.ReceiveFrame()
		switch {
		case err == nil:
			return d.wrap(raw), nil
		case errors.Is(err, io.EOF):
			if d.dmx.Generation() == d.gen {
				return nil, media.ErrEndOfStream
			}
		case !errors.Is(err, media.ErrNeedInput):
			return nil, fmt.Errorf("receiving frame: %w", media.MapError(err))
		}

		pkt, err := d.dmx.ReadPacket(ctx, d.handle)
		if err != nil {
			return nil, err
		}
		if gen := d.dmx.ConsumerGeneration(d.handle); gen != d.gen {
			d.codec.Reset()
			d.gen = gen
			d.logger.Debug("codec re-armed after shared seek", slog.Uint64("generation", gen))
		}
		if err := d.codec.SendPacket(pkt); err != nil {
			return nil, fmt.Errorf("sending packet: %w", media.MapError(err))
		}
	}
}

func (d *StreamDecoder) wrap(raw *media.RawFrame) *Frame {
	return &Frame{
		StreamIndex: d.stream.Index,
		Type:        d.stream.Type,
		PTS:         time.Duration(media.Rescale(raw.PTS, d.timeBase)),
		Duration:    time.Duration(media.Rescale(raw.Duration, d.timeBase)),
		Width:       raw.Width,
		Height:      raw.Height,
		SampleRate:  raw.SampleRate,
		Channels:    raw.Channels,
		Samples:     raw.Samples,
		Format:      raw.Format,
		Planes:      raw.Planes,
		Linesizes:   raw.Linesizes,
		Keyframe:    raw.Keyframe,
		release:     raw.Release,
	}
}

// Seek repositions the shared demuxer and re-arms the codec. In threaded
// mode stale packets may still be queued until the distributor serves the
// request; they are flushed before any post-seek packet is delivered.
func (d *StreamDecoder) Seek(pos time.Duration) error {
	if err := d.dmx.Seek(pos); err != nil {
		return err
	}
	d.codec.Reset()
	d.gen = d.dmx.Generation()
	d.logger.Debug("decoder seek", slog.Duration("position", pos))
	return nil
}

// Close detaches from the demuxer, closes the codec and drops the
// decoder's demuxer reference.
func (d *StreamDecoder) Close() error {
	d.closeOnce.Do(func() {
		var errs []error
		if err := d.dmx.Detach(d.handle); err != nil {
			errs = append(errs, fmt.Errorf("detaching: %w", err))
		}
		if err := d.codec.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing codec: %w", err))
		}
		if err := d.dmx.Release(); err != nil {
			errs = append(errs, fmt.Errorf("releasing demuxer: %w", err))
		}
		d.closeErr = errors.Join(errs...)
		d.logger.Debug("decoder closed")
	})
	return d.closeErr
}
