// Package format provides the canonical media format table used by decoded
// frames, plus plane and line-size helpers.
//
// Backends describe their output in their own terms (an image type, a codec
// name). Everything that leaves a decoder is expressed as a Format from this
// package so consumers only ever switch on a small, closed set of values.
package format

import (
	"image"
	"strings"
)

// Kind identifies which of the Format fields is meaningful.
type Kind int

// Format kinds.
const (
	KindPixel Kind = iota
	KindSample
	KindGeneric
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindPixel:
		return "pixel"
	case KindSample:
		return "sample"
	case KindGeneric:
		return "generic"
	default:
		return "unknown"
	}
}

// PixelFormat is a canonical raw picture layout.
type PixelFormat int

// Pixel formats.
const (
	PixelUnknown  PixelFormat = iota
	PixelRGBA8                // packed R,G,B,A (non-premultiplied)
	PixelRGBA8Pre             // packed R,G,B,A (premultiplied)
	PixelGray8                // single luma plane
	PixelYUV420P              // planar Y, Cb, Cr with 2x2 chroma subsampling
	PixelYUV422P              // planar Y, Cb, Cr with 2x1 chroma subsampling
	PixelYUV444P              // planar Y, Cb, Cr, no subsampling
	PixelYUVA420P             // YUV420P plus a full-resolution alpha plane
)

var pixelNames = map[PixelFormat]string{
	PixelUnknown:  "unknown",
	PixelRGBA8:    "rgba8",
	PixelRGBA8Pre: "rgba8_premultiplied",
	PixelGray8:    "gray8",
	PixelYUV420P:  "yuv420p",
	PixelYUV422P:  "yuv422p",
	PixelYUV444P:  "yuv444p",
	PixelYUVA420P: "yuva420p",
}

// String returns the pixel format name.
func (p PixelFormat) String() string {
	if name, ok := pixelNames[p]; ok {
		return name
	}
	return "unknown"
}

// SampleFormat is a canonical raw audio sample layout.
type SampleFormat int

// Sample formats.
const (
	SampleUnknown SampleFormat = iota
	SampleS16
	SampleS32
	SampleF32
)

// String returns the sample format name.
func (s SampleFormat) String() string {
	switch s {
	case SampleS16:
		return "s16"
	case SampleS32:
		return "s32"
	case SampleF32:
		return "f32"
	default:
		return "unknown"
	}
}

// GenericFormat covers payloads that are not raw pictures or samples, such
// as complete coded access units handed through by the access-unit codec.
type GenericFormat int

// Generic formats.
const (
	GenericUnknown GenericFormat = iota
	GenericH264AnnexB
	GenericH265AnnexB
	GenericAAC
	GenericAC3
	GenericMP3
	GenericOpus
)

var genericNames = map[GenericFormat]string{
	GenericUnknown:    "unknown",
	GenericH264AnnexB: "h264_annexb",
	GenericH265AnnexB: "h265_annexb",
	GenericAAC:        "aac",
	GenericAC3:        "ac3",
	GenericMP3:        "mp3",
	GenericOpus:       "opus",
}

// String returns the generic format name.
func (g GenericFormat) String() string {
	if name, ok := genericNames[g]; ok {
		return name
	}
	return "unknown"
}

// Format is a tagged union over the three format families.
type Format struct {
	Kind    Kind
	Pixel   PixelFormat
	Sample  SampleFormat
	Generic GenericFormat
}

// Pixel builds a pixel Format.
func Pixel(p PixelFormat) Format { return Format{Kind: KindPixel, Pixel: p} }

// Sample builds a sample Format.
func Sample(s SampleFormat) Format { return Format{Kind: KindSample, Sample: s} }

// Generic builds a generic Format.
func Generic(g GenericFormat) Format { return Format{Kind: KindGeneric, Generic: g} }

// IsUnknown reports whether the format carries no usable layout.
func (f Format) IsUnknown() bool {
	switch f.Kind {
	case KindPixel:
		return f.Pixel == PixelUnknown
	case KindSample:
		return f.Sample == SampleUnknown
	default:
		return f.Generic == GenericUnknown
	}
}

// String returns "<kind>/<name>".
func (f Format) String() string {
	switch f.Kind {
	case KindPixel:
		return "pixel/" + f.Pixel.String()
	case KindSample:
		return "sample/" + f.Sample.String()
	default:
		return "generic/" + f.Generic.String()
	}
}

// CanonicalPixel maps a decoded Go image to its canonical pixel format.
func CanonicalPixel(img image.Image) PixelFormat {
	switch m := img.(type) {
	case *image.NRGBA:
		return PixelRGBA8
	case *image.RGBA:
		return PixelRGBA8Pre
	case *image.Gray:
		return PixelGray8
	case *image.YCbCr:
		return canonicalYCbCr(m.SubsampleRatio)
	case *image.NYCbCrA:
		if m.SubsampleRatio == image.YCbCrSubsampleRatio420 {
			return PixelYUVA420P
		}
		return PixelUnknown
	default:
		return PixelUnknown
	}
}

func canonicalYCbCr(ratio image.YCbCrSubsampleRatio) PixelFormat {
	switch ratio {
	case image.YCbCrSubsampleRatio420:
		return PixelYUV420P
	case image.YCbCrSubsampleRatio422:
		return PixelYUV422P
	case image.YCbCrSubsampleRatio444:
		return PixelYUV444P
	default:
		return PixelUnknown
	}
}

// CanonicalCodec maps a codec name (as reported by a container reader) to
// the generic format its access units are passed through as.
func CanonicalCodec(name string) GenericFormat {
	switch strings.ToLower(name) {
	case "h264", "avc":
		return GenericH264AnnexB
	case "h265", "hevc":
		return GenericH265AnnexB
	case "aac", "mpeg4audio":
		return GenericAAC
	case "ac3":
		return GenericAC3
	case "mp3", "mpeg1audio":
		return GenericMP3
	case "opus":
		return GenericOpus
	default:
		return GenericUnknown
	}
}

// NumPlanes returns how many planes a pixel format is stored in.
func NumPlanes(p PixelFormat) int {
	switch p {
	case PixelRGBA8, PixelRGBA8Pre, PixelGray8:
		return 1
	case PixelYUV420P, PixelYUV422P, PixelYUV444P:
		return 3
	case PixelYUVA420P:
		return 4
	default:
		return 0
	}
}

// Linesize returns the byte stride of plane for a picture of the given
// width, rounded up to align (align <= 1 means no padding). Planes outside
// the format return 0.
func Linesize(p PixelFormat, plane, width, align int) int {
	if plane < 0 || plane >= NumPlanes(p) || width <= 0 {
		return 0
	}

	var n int
	switch p {
	case PixelRGBA8, PixelRGBA8Pre:
		n = width * 4
	case PixelGray8, PixelYUV444P:
		n = width
	case PixelYUV420P, PixelYUV422P, PixelYUVA420P:
		if plane == 1 || plane == 2 {
			n = (width + 1) / 2
		} else {
			n = width
		}
	}
	return alignUp(n, align)
}

func alignUp(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) / align * align
}
