package decode

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/tvdecode/pkg/codec"
	"github.com/jmylchreest/tvdecode/pkg/demux"
	"github.com/jmylchreest/tvdecode/pkg/format"
	"github.com/jmylchreest/tvdecode/pkg/media"
)

// 1x1 WebP images.
const (
	webpLossless = "UklGRhoAAABXRUJQVlA4TA0AAAAvAAAAEAcQERGIiP4HAA=="
	webpLossy    = "UklGRiIAAABXRUJQVlA4IBYAAAAwAQCdASoBAAEADsD+JaQAA3AAAAAA"
)

func frameCtx(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestStreamDecoder_ThreePacketsThenEndOfStream(t *testing.T) {
	r := newFakeReader(1, 3)
	dmx := demux.New(r, demux.Options{})

	d, err := Open(context.Background(), Config{Demuxer: dmx, Codec: codec.Options{Delay: 1}})
	require.NoError(t, err)
	assert.Same(t, dmx, d.Demuxer())

	for i := 0; i < 3; i++ {
		f, err := d.GetFrame(frameCtx(t, time.Second))
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, time.Duration(i)*time.Second, f.PTS)
		assert.Equal(t, time.Second, f.Duration)
		assert.Equal(t, []byte{byte(i)}, f.Planes[0])
		assert.Equal(t, format.Generic(format.GenericAAC), f.Format)
		f.Close()
	}

	_, err = d.GetFrame(frameCtx(t, time.Second))
	assert.ErrorIs(t, err, media.ErrEndOfStream)
	_, err = d.GetFrame(frameCtx(t, time.Second))
	assert.ErrorIs(t, err, media.ErrEndOfStream)

	require.NoError(t, d.Close())
	assert.False(t, r.closed.Load(), "caller still holds a reference")
	require.NoError(t, dmx.Release())
	assert.True(t, r.closed.Load())
}

func TestStreamDecoder_SeekRearmsCodec(t *testing.T) {
	r := newFakeReader(1, 4)
	dmx := demux.New(r, demux.Options{})
	defer dmx.Release()

	d, err := Open(context.Background(), Config{Demuxer: dmx})
	require.NoError(t, err)
	defer d.Close()

	for {
		f, err := d.GetFrame(frameCtx(t, time.Second))
		if errors.Is(err, media.ErrEndOfStream) {
			break
		}
		require.NoError(t, err)
		f.Close()
	}

	require.NoError(t, d.Seek(2*time.Second))

	f, err := d.GetFrame(frameCtx(t, time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, f.PTS)
	f.Close()
}

func TestStreamDecoder_FrameCloseReleasesOnce(t *testing.T) {
	var released atomic.Int32
	codec.Register("stub-release", func(media.StreamInfo, codec.Options) (media.Codec, error) {
		return &stubCodec{released: &released}, nil
	})

	dmx := demux.New(newFakeReader(1, 2), demux.Options{})
	defer dmx.Release()

	d, err := Open(context.Background(), Config{Demuxer: dmx, Codec: codec.Options{Name: "stub-release"}})
	require.NoError(t, err)
	defer d.Close()

	f, err := d.GetFrame(frameCtx(t, time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, f.Size())

	f.Close()
	f.Close()
	assert.Equal(t, int32(1), released.Load())
	assert.Nil(t, f.Planes)
}

func TestStreamDecoder_CodecErrorSurfaced(t *testing.T) {
	boom := errors.New("bitstream corrupt")
	codec.Register("stub-fail", func(media.StreamInfo, codec.Options) (media.Codec, error) {
		return &stubCodec{err: boom, released: new(atomic.Int32)}, nil
	})

	dmx := demux.New(newFakeReader(1, 2), demux.Options{})
	defer dmx.Release()

	d, err := Open(context.Background(), Config{Demuxer: dmx, Codec: codec.Options{Name: "stub-fail"}})
	require.NoError(t, err)
	defer d.Close()

	_, err = d.GetFrame(frameCtx(t, time.Second))
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, media.ErrInvalidFormat)
}

func TestStreamDecoder_TwoDecodersStarvation(t *testing.T) {
	const interval = 20 * time.Millisecond

	dmx := demux.New(newFakeReader(2, 40), demux.Options{QueueCapacity: 2, ThreadInterval: interval})
	defer dmx.Release()

	a, err := Open(context.Background(), Config{Demuxer: dmx, Chooser: ChooseIndex(0)})
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(context.Background(), Config{Demuxer: dmx, Chooser: ChooseIndex(1)})
	require.NoError(t, err)
	defer b.Close()

	// a is paused while b reads.
	start := time.Now()
	for i := 0; i < 10; i++ {
		f, err := b.GetFrame(frameCtx(t, 3*interval))
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, time.Duration(2*i+1)*time.Second, f.PTS)
		f.Close()
	}
	if elapsed := time.Since(start); elapsed < 3*interval {
		time.Sleep(3*interval - elapsed)
	}
	assert.True(t, dmx.Threaded())

	for i := 0; i < 10; i++ {
		f, err := a.GetFrame(frameCtx(t, time.Second))
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, time.Duration(2*i)*time.Second, f.PTS)
		f.Close()
	}
}

// drainPTS reads d until end of stream and returns the frame timestamps.
func drainPTS(t *testing.T, d Decoder) []time.Duration {
	t.Helper()
	var out []time.Duration
	for {
		f, err := d.GetFrame(frameCtx(t, time.Second))
		if errors.Is(err, media.ErrEndOfStream) {
			return out
		}
		require.NoError(t, err)
		out = append(out, f.PTS)
		f.Close()
	}
}

func TestStreamDecoder_SeekMovesSiblingDecoders(t *testing.T) {
	dmx := demux.New(newFakeReader(2, 6), demux.Options{ThreadInterval: 5 * time.Millisecond})
	defer dmx.Release()

	a, err := Open(context.Background(), Config{Demuxer: dmx, Chooser: ChooseIndex(0)})
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(context.Background(), Config{Demuxer: dmx, Chooser: ChooseIndex(1)})
	require.NoError(t, err)
	defer b.Close()

	want := struct{ a, b []time.Duration }{
		a: []time.Duration{0, 2 * time.Second, 4 * time.Second},
		b: []time.Duration{time.Second, 3 * time.Second, 5 * time.Second},
	}
	assert.Equal(t, want.a, drainPTS(t, a))
	assert.Equal(t, want.b, drainPTS(t, b))

	require.NoError(t, a.Seek(0))

	assert.Equal(t, want.a, drainPTS(t, a))
	assert.Equal(t, want.b, drainPTS(t, b), "b's drained codec is re-armed by a's seek")

	_, err = b.GetFrame(frameCtx(t, time.Second))
	assert.ErrorIs(t, err, media.ErrEndOfStream)
}

func TestOpen_ChooserOutOfRange(t *testing.T) {
	r := newFakeReader(2, 2)
	dmx := demux.New(r, demux.Options{})

	_, err := Open(context.Background(), Config{Demuxer: dmx, Chooser: ChooseIndex(5)})
	assert.ErrorIs(t, err, media.ErrUserCancelled)
	assert.Zero(t, dmx.Consumers())

	require.NoError(t, dmx.Release())
	assert.True(t, r.closed.Load(), "failed open must drop its reference")
}

func TestOpen_UnknownCodec(t *testing.T) {
	dmx := demux.New(newFakeReader(1, 1), demux.Options{})
	defer dmx.Release()

	_, err := Open(context.Background(), Config{Demuxer: dmx, Codec: codec.Options{Name: "nope"}})
	assert.ErrorIs(t, err, media.ErrCodecNotFound)
	assert.Zero(t, dmx.Consumers())
}

func TestOpen_ReleasedDemuxer(t *testing.T) {
	dmx := demux.New(newFakeReader(1, 1), demux.Options{})
	require.NoError(t, dmx.Release())

	_, err := Open(context.Background(), Config{Demuxer: dmx})
	assert.ErrorIs(t, err, media.ErrClosed)
}

func TestChoosers(t *testing.T) {
	streams := []media.StreamInfo{
		{Index: 0, Type: media.MediaVideo},
		{Index: 1, Type: media.MediaAudio},
		{Index: 2, Type: media.MediaAudio, IsDefault: true},
		{Index: 3, Type: media.MediaSubtitle},
	}

	tests := []struct {
		name    string
		chooser StreamChooser
		want    int
	}{
		{name: "default flag", chooser: ChooseDefault, want: 2},
		{name: "first audio", chooser: ChooseTyped(media.MediaAudio, 0), want: 1},
		{name: "second audio", chooser: ChooseTyped(media.MediaAudio, 1), want: 2},
		{name: "missing type", chooser: ChooseTyped(media.MediaData, 0), want: -1},
		{name: "offset past end", chooser: ChooseTyped(media.MediaAudio, 2), want: -1},
		{name: "index", chooser: ChooseIndex(3), want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.chooser(streams))
		})
	}

	assert.Equal(t, 0, ChooseDefault(streams[:2]), "no default falls back to the first stream")

	_, err := choose(ChooseTyped(media.MediaData, 0), streams)
	assert.ErrorIs(t, err, media.ErrUserCancelled)
}

func TestParseBackend(t *testing.T) {
	tests := []struct {
		in      string
		want    Backend
		wantErr bool
	}{
		{in: "", want: BackendAuto},
		{in: "auto", want: BackendAuto},
		{in: "Container", want: BackendContainer},
		{in: " webp ", want: BackendWebP},
		{in: "ffmpeg", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBackend(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownBackend)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func writeWebP(t *testing.T, encoded string) string {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "image.webp")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestImageDecoder(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		format format.PixelFormat
		planes int
	}{
		{name: "lossless", data: webpLossless, format: format.PixelRGBA8, planes: 1},
		{name: "lossy", data: webpLossy, format: format.PixelYUV420P, planes: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Open(context.Background(), Config{URL: writeWebP(t, tt.data)})
			require.NoError(t, err)
			defer d.Close()

			assert.IsType(t, &ImageDecoder{}, d)
			assert.Nil(t, d.Demuxer())
			assert.Equal(t, "webp", d.Stream().Codec)

			f, err := d.GetFrame(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, f.Width)
			assert.Equal(t, 1, f.Height)
			assert.Equal(t, format.Pixel(tt.format), f.Format)
			assert.Len(t, f.Planes, tt.planes)
			assert.Len(t, f.Linesizes, tt.planes)

			_, err = d.GetFrame(context.Background())
			assert.ErrorIs(t, err, media.ErrEndOfStream)

			assert.ErrorIs(t, d.Seek(time.Second), media.ErrSeekUnsupported)
			require.NoError(t, d.Seek(0))
			_, err = d.GetFrame(context.Background())
			assert.NoError(t, err)
		})
	}
}

func TestOpen_ForcedWebPRejectsOtherData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not.webp")
	require.NoError(t, os.WriteFile(path, []byte("definitely not an image"), 0o600))

	_, err := Open(context.Background(), Config{URL: path, Backend: BackendWebP})
	assert.ErrorIs(t, err, media.ErrInvalidFormat)
}

func TestIsWebP(t *testing.T) {
	assert.True(t, isWebP([]byte("RIFF\x00\x00\x00\x00WEBPVP8 ")))
	assert.False(t, isWebP([]byte("RIFF\x00\x00\x00\x00WAVEfmt ")))
	assert.False(t, isWebP([]byte("RIFF")))
}
