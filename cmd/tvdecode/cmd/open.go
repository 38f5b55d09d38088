package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmylchreest/tvdecode/internal/config"
	"github.com/jmylchreest/tvdecode/internal/observability"
	"github.com/jmylchreest/tvdecode/pkg/codec"
	"github.com/jmylchreest/tvdecode/pkg/decode"
	"github.com/jmylchreest/tvdecode/pkg/media"
)

// decoderConfig maps the loaded configuration onto a decode.Config.
func decoderConfig(cfg *config.Config, url string, logger *slog.Logger) (decode.Config, error) {
	backend, err := decode.ParseBackend(cfg.Decoder.Backend)
	if err != nil {
		return decode.Config{}, err
	}
	return decode.Config{
		URL:            url,
		Backend:        backend,
		Chooser:        decode.ChooseDefault,
		QueueCapacity:  cfg.Decoder.QueueCapacity,
		ThreadInterval: cfg.Decoder.ThreadInterval,
		Source:         sourceOptions(cfg, logger),
		Codec:          codec.Options{Delay: cfg.Decoder.CodecDelay, Logger: logger},
		Logger:         logger,
	}, nil
}

// streamTable returns every stream of the source the decoder reads from.
func streamTable(d decode.Decoder) []media.StreamInfo {
	if dmx := d.Demuxer(); dmx != nil {
		return dmx.Streams()
	}
	return []media.StreamInfo{d.Stream()}
}

// openDecoders opens one decoder per requested stream. The first decoder
// opens the source; the others share its demuxer. With no indexes and all
// unset, the default stream is decoded.
func openDecoders(ctx context.Context, base decode.Config, indexes []int, all bool) ([]decode.Decoder, error) {
	first := base
	if len(indexes) > 0 {
		first.Chooser = decode.ChooseIndex(indexes[0])
	} else if all {
		first.Chooser = decode.ChooseIndex(0)
	}

	d, err := decode.Open(ctx, first)
	if err != nil {
		return nil, err
	}
	decoders := []decode.Decoder{d}

	rest := indexes
	if len(rest) > 0 {
		rest = rest[1:]
	}
	if all {
		rest = nil
		for i := 1; i < len(streamTable(d)); i++ {
			rest = append(rest, i)
		}
	}
	if len(rest) == 0 {
		return decoders, nil
	}

	dmx := d.Demuxer()
	if dmx == nil {
		closeDecoders(decoders, base.Logger)
		return nil, fmt.Errorf("%w: %s source has a single stream", media.ErrUserCancelled, d.Stream().Codec)
	}

	for _, idx := range rest {
		cfg := base
		cfg.Demuxer = dmx
		cfg.Chooser = decode.ChooseIndex(idx)
		next, err := decode.Open(ctx, cfg)
		if err != nil {
			closeDecoders(decoders, base.Logger)
			return nil, err
		}
		decoders = append(decoders, next)
	}
	return decoders, nil
}

// closeDecoders closes in reverse open order.
func closeDecoders(decoders []decode.Decoder, logger *slog.Logger) {
	for i := len(decoders) - 1; i >= 0; i-- {
		if err := decoders[i].Close(); err != nil {
			observability.WithError(logger, err).Warn("closing decoder",
				slog.Int("stream_index", decoders[i].Stream().Index),
			)
		}
	}
}
