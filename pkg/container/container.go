// Package container opens media sources and returns the container reader
// that understands them.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmylchreest/tvdecode/pkg/container/hls"
	"github.com/jmylchreest/tvdecode/pkg/container/mpegts"
	"github.com/jmylchreest/tvdecode/pkg/media"
)

// Kind is the container family chosen for a URL.
type Kind int

// Container kinds.
const (
	KindMPEGTS Kind = iota
	KindHLS
)

// String returns the kind name.
func (k Kind) String() string {
	if k == KindHLS {
		return "hls"
	}
	return "mpegts"
}

// Detect picks the container kind from the URL alone.
func Detect(url string) Kind {
	if isHTTP(url) && strings.HasSuffix(strings.ToLower(stripQuery(url)), ".m3u8") {
		return KindHLS
	}
	return KindMPEGTS
}

// Open opens url and returns a reader for its container.
func Open(ctx context.Context, url string, opts Options) (media.ContainerReader, error) {
	opts = opts.WithDefaults()
	kind := Detect(url)

	logger := opts.Logger.With(
		slog.String("component", "container"),
		slog.String("container", kind.String()),
	)
	logger.Debug("opening source", slog.String("url", Redact(url)))

	switch kind {
	case KindHLS:
		r, err := hls.Open(ctx, url, hls.Options{
			HTTPClient:    opts.HTTPClient.StandardClient(),
			BufferPackets: opts.HLSBufferPackets,
			Logger:        logger,
		})
		if err != nil {
			return nil, fmt.Errorf("opening hls: %w", err)
		}
		return r, nil

	default:
		src := NewSource(url, opts)
		r, err := mpegts.Open(ctx, src.Open, mpegts.Options{
			ProbePackets: opts.ProbePackets,
			Logger:       logger,
		})
		if err != nil {
			return nil, fmt.Errorf("opening mpegts: %w", err)
		}
		return r, nil
	}
}
