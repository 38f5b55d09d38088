// Package codec opens codec backends for container streams.
package codec

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/jmylchreest/tvdecode/pkg/media"
)

// Options configures a codec.
type Options struct {
	// Name forces a registered codec instead of the stream's own codec.
	Name string
	// Delay is how many packets the codec holds before emitting a frame,
	// like the reorder depth of a real decoder.
	Delay  int
	Logger *slog.Logger
}

// Factory creates a codec for a stream.
type Factory func(stream media.StreamInfo, opts Options) (media.Codec, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a factory available under name. Registering a name twice
// replaces the earlier factory.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = f
}

// Names returns the registered codec names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open creates a codec for stream. An unknown codec yields
// media.ErrCodecNotFound.
func Open(stream media.StreamInfo, opts Options) (media.Codec, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}

	name := opts.Name
	if name == "" {
		name = stream.Codec
	}

	registryMu.RLock()
	f, ok := registry[strings.ToLower(name)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", media.ErrCodecNotFound, name)
	}

	c, err := f(stream, opts)
	if err != nil {
		return nil, fmt.Errorf("opening codec %s: %w", name, err)
	}
	opts.Logger.Debug("codec opened",
		slog.String("codec", name),
		slog.Int("stream_index", stream.Index),
		slog.Int("delay", opts.Delay),
	)
	return c, nil
}

func init() {
	for _, name := range []string{"h264", "h265", "aac", "ac3", "mp3", "opus"} {
		Register(name, newAccessUnit)
	}
}
