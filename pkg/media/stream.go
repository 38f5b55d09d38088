package media

// MediaType classifies a container stream.
type MediaType int

// Media types.
const (
	MediaUnknown MediaType = iota
	MediaVideo
	MediaAudio
	MediaSubtitle
	MediaData
)

// String returns the media type name.
func (t MediaType) String() string {
	switch t {
	case MediaVideo:
		return "video"
	case MediaAudio:
		return "audio"
	case MediaSubtitle:
		return "subtitle"
	case MediaData:
		return "data"
	default:
		return "unknown"
	}
}

// ParseMediaType parses the name returned by MediaType.String.
func ParseMediaType(s string) MediaType {
	switch s {
	case "video", "v":
		return MediaVideo
	case "audio", "a":
		return MediaAudio
	case "subtitle", "s":
		return MediaSubtitle
	case "data", "d":
		return MediaData
	default:
		return MediaUnknown
	}
}

// StreamInfo describes one entry of a container's stream table.
type StreamInfo struct {
	Index     int
	Type      MediaType
	Codec     string // h264, h265, aac, ac3, mp3, opus, ...
	Title     string
	Language  string // BCP 47 tag, empty if unknown
	IsDefault bool
	IsForced  bool
	TimeBase  Rational

	// Video
	Width  int
	Height int

	// Audio
	SampleRate int
	Channels   int

	// Codec initialization data (SPS/PPS, AudioSpecificConfig, ...)
	Extradata []byte
}
