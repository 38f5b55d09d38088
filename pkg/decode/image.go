package decode

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/image/webp"

	"github.com/jmylchreest/tvdecode/pkg/container"
	"github.com/jmylchreest/tvdecode/pkg/demux"
	"github.com/jmylchreest/tvdecode/pkg/format"
	"github.com/jmylchreest/tvdecode/pkg/media"
)

// ImageDecoder decodes a WebP still image as a single-frame stream.
type ImageDecoder struct {
	img    image.Image
	stream media.StreamInfo
	logger *slog.Logger

	mu   sync.Mutex
	done bool
}

func openImage(ctx context.Context, cfg Config) (*ImageDecoder, error) {
	rc, err := container.NewSource(cfg.URL, cfg.Source).Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", container.Redact(cfg.URL), media.MapError(err))
	}
	defer rc.Close()

	img, err := webp.Decode(rc)
	if err != nil {
		return nil, fmt.Errorf("decoding webp: %w", media.MapError(err))
	}

	b := img.Bounds()
	stream := media.StreamInfo{
		Type:      media.MediaVideo,
		Codec:     "webp",
		IsDefault: true,
		TimeBase:  media.NanosecondTimeBase,
		Width:     b.Dx(),
		Height:    b.Dy(),
	}
	if _, err := choose(cfg.Chooser, []media.StreamInfo{stream}); err != nil {
		return nil, err
	}

	d := &ImageDecoder{
		img:    img,
		stream: stream,
		logger: cfg.Logger.With(
			slog.String("component", "decoder"),
			slog.String("session_id", newSessionID().String()),
		),
	}
	d.logger.Debug("image decoder opened",
		slog.Int("width", stream.Width),
		slog.Int("height", stream.Height),
		slog.String("format", format.CanonicalPixel(img).String()),
	)
	return d, nil
}

// Stream describes the image as a video stream with one frame.
func (d *ImageDecoder) Stream() media.StreamInfo { return d.stream }

// Demuxer returns nil; images are decoded without one.
func (d *ImageDecoder) Demuxer() *demux.Demuxer { return nil }

// GetFrame returns the image once, then media.ErrEndOfStream.
func (d *ImageDecoder) GetFrame(ctx context.Context) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", media.ErrTimeout, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return nil, media.ErrEndOfStream
	}
	d.done = true

	planes, linesizes := imagePlanes(d.img)
	return &Frame{
		Type:      media.MediaVideo,
		Width:     d.stream.Width,
		Height:    d.stream.Height,
		Format:    format.Pixel(format.CanonicalPixel(d.img)),
		Planes:    planes,
		Linesizes: linesizes,
		Keyframe:  true,
	}, nil
}

// Seek to zero rewinds to the image; any other position is unsupported.
func (d *ImageDecoder) Seek(pos time.Duration) error {
	if pos > 0 {
		return media.ErrSeekUnsupported
	}
	d.mu.Lock()
	d.done = false
	d.mu.Unlock()
	return nil
}

// Close is a no-op; the image is held in memory.
func (d *ImageDecoder) Close() error { return nil }

func imagePlanes(img image.Image) ([][]byte, []int) {
	switch m := img.(type) {
	case *image.NRGBA:
		return [][]byte{m.Pix}, []int{m.Stride}
	case *image.RGBA:
		return [][]byte{m.Pix}, []int{m.Stride}
	case *image.Gray:
		return [][]byte{m.Pix}, []int{m.Stride}
	case *image.YCbCr:
		return [][]byte{m.Y, m.Cb, m.Cr}, []int{m.YStride, m.CStride, m.CStride}
	case *image.NYCbCrA:
		return [][]byte{m.Y, m.Cb, m.Cr, m.A}, []int{m.YStride, m.CStride, m.CStride, m.AStride}
	default:
		return nil, nil
	}
}
