package decode

import (
	"sync"
	"time"

	"github.com/jmylchreest/tvdecode/pkg/format"
	"github.com/jmylchreest/tvdecode/pkg/media"
)

// Frame is a decoded frame with timestamps in nanoseconds. Planes stay
// valid until Close.
type Frame struct {
	StreamIndex int
	Type        media.MediaType

	PTS      time.Duration
	Duration time.Duration

	Width  int
	Height int

	SampleRate int
	Channels   int
	Samples    int

	Format    format.Format
	Planes    [][]byte
	Linesizes []int
	Keyframe  bool

	release   func()
	closeOnce sync.Once
}

// Size returns the total bytes across planes.
func (f *Frame) Size() int {
	n := 0
	for _, p := range f.Planes {
		n += len(p)
	}
	return n
}

// Close hands the planes back to their owner. It is safe to call more
// than once.
func (f *Frame) Close() {
	f.closeOnce.Do(func() {
		if f.release != nil {
			f.release()
		}
		f.Planes = nil
		f.Linesizes = nil
	})
}
