package container

import (
	"log/slog"

	"github.com/jmylchreest/tvdecode/pkg/httpclient"
)

// Default option values.
const (
	DefaultReadBufferSize   = 1 << 20
	DefaultHLSBufferPackets = 256
	DefaultProbePackets     = 2048
)

// Options configures how sources are opened and probed.
type Options struct {
	// ReadBufferSize is the buffered reader size for file and HTTP sources.
	ReadBufferSize int
	// HLSBufferPackets bounds the packets an HLS reader keeps ahead of the consumer.
	HLSBufferPackets int
	// ProbePackets bounds how many TS packets are scanned for stream metadata.
	ProbePackets int
	// HTTPClient fetches remote sources. A default client is used when nil.
	HTTPClient *httpclient.Client
	Logger     *slog.Logger
}

// WithDefaults fills unset fields.
func (o Options) WithDefaults() Options {
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
	if o.HLSBufferPackets <= 0 {
		o.HLSBufferPackets = DefaultHLSBufferPackets
	}
	if o.ProbePackets <= 0 {
		o.ProbePackets = DefaultProbePackets
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.HTTPClient == nil {
		cfg := httpclient.DefaultConfig()
		cfg.Logger = o.Logger
		o.HTTPClient = httpclient.New(cfg)
	}
	return o
}
