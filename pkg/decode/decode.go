// Package decode produces frames from a stream of a container, either
// through a shared demuxer and a codec or, for still images, directly.
package decode

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/tvdecode/pkg/codec"
	"github.com/jmylchreest/tvdecode/pkg/container"
	"github.com/jmylchreest/tvdecode/pkg/demux"
	"github.com/jmylchreest/tvdecode/pkg/media"
)

var (
	_ Decoder = (*StreamDecoder)(nil)
	_ Decoder = (*ImageDecoder)(nil)
)

// sniffSize is how much of a source is inspected to pick a backend.
const sniffSize = 64

// Backend selects how a source is decoded.
type Backend string

// Supported backends.
const (
	BackendAuto      Backend = "auto"
	BackendContainer Backend = "container"
	BackendWebP      Backend = "webp"
)

// ErrUnknownBackend is returned by ParseBackend for unsupported names.
var ErrUnknownBackend = errors.New("unknown decoder backend")

// ParseBackend parses a backend name. The empty string means auto.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case "":
		return BackendAuto, nil
	case BackendAuto, BackendContainer, BackendWebP:
		return b, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownBackend, s)
	}
}

// Decoder produces frames of one stream.
type Decoder interface {
	// GetFrame returns the next frame. It returns media.ErrEndOfStream once
	// the stream is drained and media.ErrTimeout when ctx expires first.
	GetFrame(ctx context.Context) (*Frame, error)
	// Seek repositions the stream. With a shared demuxer every decoder
	// attached to it moves.
	Seek(pos time.Duration) error
	Stream() media.StreamInfo
	// Demuxer returns the demuxer the decoder reads from, or nil for
	// backends that do not use one.
	Demuxer() *demux.Demuxer
	Close() error
}

// Config configures a decoder.
type Config struct {
	URL     string
	Backend Backend

	// Demuxer is shared with other decoders when set; the decoder retains
	// it and releases it on Close. Otherwise a demuxer is opened for URL
	// and owned by the decoder.
	Demuxer *demux.Demuxer
	Chooser StreamChooser

	QueueCapacity  int
	ThreadInterval time.Duration
	Source         container.Options
	Codec          codec.Options
	Logger         *slog.Logger
}

// Open creates a decoder for cfg.
func Open(ctx context.Context, cfg Config) (Decoder, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Chooser == nil {
		cfg.Chooser = ChooseDefault
	}
	if cfg.Source.Logger == nil {
		cfg.Source.Logger = cfg.Logger
	}
	if cfg.Codec.Logger == nil {
		cfg.Codec.Logger = cfg.Logger
	}

	backend, err := ParseBackend(string(cfg.Backend))
	if err != nil {
		return nil, err
	}
	if backend == BackendAuto {
		backend, err = detectBackend(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	if backend == BackendWebP {
		d, err := openImage(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return d, nil
	}

	d, err := openStream(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// detectBackend sniffs the start of the source for a WebP header.
func detectBackend(ctx context.Context, cfg Config) (Backend, error) {
	if cfg.Demuxer != nil || container.Detect(cfg.URL) == container.KindHLS {
		return BackendContainer, nil
	}

	rc, err := container.NewSource(cfg.URL, cfg.Source).Open(ctx)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", container.Redact(cfg.URL), media.MapError(err))
	}
	defer rc.Close()

	header, err := bufio.NewReaderSize(rc, sniffSize).Peek(sniffSize)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", fmt.Errorf("sniffing %s: %w", container.Redact(cfg.URL), media.MapError(err))
	}
	if isWebP(header) {
		return BackendWebP, nil
	}
	return BackendContainer, nil
}

func isWebP(header []byte) bool {
	return len(header) >= 12 &&
		bytes.Equal(header[0:4], []byte("RIFF")) &&
		bytes.Equal(header[8:12], []byte("WEBP"))
}

func newSessionID() ulid.ULID {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader)
}
