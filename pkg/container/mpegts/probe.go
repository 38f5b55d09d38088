package mpegts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/asticode/go-astits"
	"golang.org/x/text/language"

	"github.com/jmylchreest/tvdecode/pkg/media"
)

const tsPacketSize = 188

// ISO 639 audio types carried next to the language code.
const (
	audioTypeHearingImpaired = 0x02
	audioTypeCommentary      = 0x03
)

// pmtStream is the descriptor metadata astits finds for one elementary PID.
type pmtStream struct {
	language  string
	audioType uint8
}

// probePMT scans the start of the source for the first PMT and returns the
// language descriptors by PID. Failures only cost metadata, so they are
// logged and an empty result is returned.
func probePMT(ctx context.Context, open Opener, maxPackets int, logger *slog.Logger) map[uint16]pmtStream {
	out := make(map[uint16]pmtStream)

	rc, err := open(ctx)
	if err != nil {
		logger.Debug("pmt probe: open failed", slog.String("error", err.Error()))
		return out
	}
	defer rc.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	limited := io.LimitReader(rc, int64(maxPackets)*tsPacketSize)
	dmx := astits.NewDemuxer(ctx, limited)

	for {
		data, err := dmx.NextData()
		if err != nil {
			if !errors.Is(err, astits.ErrNoMorePackets) && !errors.Is(err, io.EOF) {
				logger.Debug("pmt probe stopped", slog.String("error", err.Error()))
			}
			return out
		}
		if data == nil || data.PMT == nil {
			continue
		}

		for _, es := range data.PMT.ElementaryStreams {
			var info pmtStream
			for _, d := range es.ElementaryStreamDescriptors {
				if d.Tag != astits.DescriptorTagISO639LanguageAndAudioType || d.ISO639LanguageAndAudioType == nil {
					continue
				}
				info.language = canonicalLanguage(string(d.ISO639LanguageAndAudioType.Language))
				info.audioType = d.ISO639LanguageAndAudioType.Type
			}
			out[es.ElementaryPID] = info
		}
		logger.Debug("pmt probe complete", slog.Int("elementary_streams", len(data.PMT.ElementaryStreams)))
		return out
	}
}

// canonicalLanguage turns an ISO 639-2 code into a BCP 47 tag.
func canonicalLanguage(code string) string {
	code = strings.ToLower(strings.TrimRight(code, "\x00 "))
	if code == "" || code == "und" {
		return ""
	}
	tag, err := language.Parse(code)
	if err != nil {
		return code
	}
	return tag.String()
}

// applyPMT copies probed metadata into the stream table and marks the first
// stream of each type as the default.
func (r *Reader) applyPMT(pmt map[uint16]pmtStream) {
	seen := make(map[media.MediaType]bool)

	for i := range r.streams {
		s := &r.streams[i]
		if info, ok := pmt[r.pids[i]]; ok {
			s.Language = info.language
			switch info.audioType {
			case audioTypeHearingImpaired:
				s.Title = "hearing impaired"
			case audioTypeCommentary:
				s.Title = "commentary"
			}
		}
		if !seen[s.Type] && s.Type != media.MediaData {
			s.IsDefault = true
			seen[s.Type] = true
		}
	}
}
