package decode

import (
	"fmt"

	"github.com/jmylchreest/tvdecode/pkg/media"
)

// StreamChooser picks the stream to decode from a container's stream table.
// Returning an index outside the table cancels the open.
type StreamChooser func(streams []media.StreamInfo) int

// ChooseDefault picks the first stream flagged as default, or stream 0.
func ChooseDefault(streams []media.StreamInfo) int {
	for i, s := range streams {
		if s.IsDefault {
			return i
		}
	}
	return 0
}

// ChooseTyped picks the offset-th stream of type t, or -1 when there is no
// such stream.
func ChooseTyped(t media.MediaType, offset int) StreamChooser {
	return func(streams []media.StreamInfo) int {
		n := 0
		for i, s := range streams {
			if s.Type != t {
				continue
			}
			if n == offset {
				return i
			}
			n++
		}
		return -1
	}
}

// ChooseIndex always picks index.
func ChooseIndex(index int) StreamChooser {
	return func([]media.StreamInfo) int { return index }
}

func choose(chooser StreamChooser, streams []media.StreamInfo) (int, error) {
	idx := chooser(streams)
	if idx < 0 || idx >= len(streams) {
		return 0, fmt.Errorf("%w: stream chooser returned %d of %d streams", media.ErrUserCancelled, idx, len(streams))
	}
	return idx, nil
}
