package container

import (
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"
)

// Compression identifies how a source is compressed.
type Compression int

// Supported compressions.
const (
	CompressionNone Compression = iota
	CompressionGzip
	CompressionBzip2
	CompressionXZ
	CompressionBrotli
)

// String returns the compression name.
func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionBzip2:
		return "bzip2"
	case CompressionXZ:
		return "xz"
	case CompressionBrotli:
		return "brotli"
	default:
		return "none"
	}
}

// Source is a byte stream that can be reopened from the start. Container
// readers reopen it to seek when the underlying stream is not seekable.
type Source struct {
	url         string
	opts        Options
	compression Compression
}

// NewSource describes a source without opening it.
func NewSource(url string, opts Options) *Source {
	return &Source{url: url, opts: opts.WithDefaults()}
}

// URL returns the source location.
func (s *Source) URL() string { return s.url }

// Compression returns the compression detected by the last Open.
func (s *Source) Compression() Compression { return s.compression }

// Open returns a fresh stream positioned at the start of the decompressed
// data.
func (s *Source) Open(ctx context.Context) (io.ReadCloser, error) {
	raw, err := s.openRaw(ctx)
	if err != nil {
		return nil, err
	}

	br := bufio.NewReaderSize(raw, s.opts.ReadBufferSize)
	comp, err := detectCompression(br, s.url)
	if err != nil {
		raw.Close()
		return nil, err
	}
	s.compression = comp

	r, err := decompress(br, comp)
	if err != nil {
		raw.Close()
		return nil, err
	}
	if comp != CompressionNone {
		s.opts.Logger.Debug("decompressing source",
			slog.String("url", Redact(s.url)),
			slog.String("compression", comp.String()),
		)
	}
	return &sourceReader{Reader: r, closers: []io.Closer{r, raw}}, nil
}

func (s *Source) openRaw(ctx context.Context) (io.ReadCloser, error) {
	if isHTTP(s.url) {
		resp, err := s.opts.HTTPClient.Get(ctx, s.url)
		if err != nil {
			return nil, fmt.Errorf("fetching source: %w", err)
		}
		return resp.Body, nil
	}

	f, err := os.Open(strings.TrimPrefix(s.url, "file://"))
	if err != nil {
		return nil, fmt.Errorf("opening source: %w", err)
	}
	return f, nil
}

// detectCompression sniffs magic bytes. Brotli has none, so it is only
// recognized by a .br extension.
func detectCompression(br *bufio.Reader, url string) (Compression, error) {
	header, err := br.Peek(6)
	if err != nil && !errors.Is(err, io.EOF) {
		return CompressionNone, fmt.Errorf("peeking header: %w", err)
	}

	switch {
	case len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b:
		return CompressionGzip, nil
	case len(header) >= 3 && header[0] == 'B' && header[1] == 'Z' && header[2] == 'h':
		return CompressionBzip2, nil
	case len(header) >= 6 && header[0] == 0xfd && header[1] == '7' && header[2] == 'z' &&
		header[3] == 'X' && header[4] == 'Z' && header[5] == 0x00:
		return CompressionXZ, nil
	case strings.EqualFold(path.Ext(stripQuery(url)), ".br"):
		return CompressionBrotli, nil
	default:
		return CompressionNone, nil
	}
}

func decompress(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionGzip:
		gzr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		return gzr, nil
	case CompressionBzip2:
		bzr, err := bzip2.NewReader(r, nil)
		if err != nil {
			return nil, fmt.Errorf("creating bzip2 reader: %w", err)
		}
		return bzr, nil
	case CompressionXZ:
		xzr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("creating xz reader: %w", err)
		}
		return io.NopCloser(xzr), nil
	case CompressionBrotli:
		return io.NopCloser(brotli.NewReader(r)), nil
	default:
		return io.NopCloser(r), nil
	}
}

// sourceReader closes the decompressor and the raw stream together.
type sourceReader struct {
	io.Reader
	closers []io.Closer
}

func (r *sourceReader) Close() error {
	var errs []error
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func isHTTP(url string) bool {
	lower := strings.ToLower(url)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

func stripQuery(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		return url[:i]
	}
	return url
}
