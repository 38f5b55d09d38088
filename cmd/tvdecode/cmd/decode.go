package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/tvdecode/internal/config"
	"github.com/jmylchreest/tvdecode/internal/observability"
	"github.com/jmylchreest/tvdecode/pkg/container"
	"github.com/jmylchreest/tvdecode/pkg/decode"
	"github.com/jmylchreest/tvdecode/pkg/format"
	"github.com/jmylchreest/tvdecode/pkg/media"
)

var (
	decodeStreams   []int
	decodeAll       bool
	decodeSeek      time.Duration
	decodeMaxFrames int
	decodeBackend   string
)

var decodeCmd = &cobra.Command{
	Use:   "decode <url>",
	Short: "Decode one or more streams of a source",
	Long: `Decode streams of a source concurrently and report what was produced.

Without --stream or --all the default stream is decoded. Every decoder of
a source shares one demuxer.

  tvdecode decode in.ts --stream 0 --stream 1
  tvdecode decode https://example.com/live.m3u8 --all --max-frames 500`,
	Args: cobra.ExactArgs(1),
	RunE: runDecode,
}

func init() {
	decodeCmd.Flags().IntSliceVarP(&decodeStreams, "stream", "s", nil, "stream index to decode (repeatable)")
	decodeCmd.Flags().BoolVar(&decodeAll, "all", false, "decode every stream")
	decodeCmd.Flags().DurationVar(&decodeSeek, "seek", 0, "seek to this position before decoding")
	decodeCmd.Flags().IntVar(&decodeMaxFrames, "max-frames", 0, "stop each stream after this many frames (0 for no limit)")
	decodeCmd.Flags().StringVar(&decodeBackend, "backend", "", "decoder backend (auto, container, webp); overrides decoder.backend")
	decodeCmd.MarkFlagsMutuallyExclusive("stream", "all")
	rootCmd.AddCommand(decodeCmd)
}

// streamReport accumulates what one decoder produced.
type streamReport struct {
	stream   media.StreamInfo
	frames   int
	bytes    uint64
	firstPTS time.Duration
	lastPTS  time.Duration
	elapsed  time.Duration
}

func runDecode(cmd *cobra.Command, args []string) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if decodeBackend != "" {
		cfg.Decoder.Backend = decodeBackend
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := observability.WithOperation(observability.LoggerFromContext(ctx), "decode")
	defer observability.TimedOperationWithError(ctx, logger, "decode", &err)()

	dcfg, err := decoderConfig(cfg, args[0], logger)
	if err != nil {
		return err
	}
	decoders, err := openDecoders(ctx, dcfg, decodeStreams, decodeAll)
	if err != nil {
		return fmt.Errorf("opening %s: %w", container.Redact(args[0]), err)
	}
	defer closeDecoders(decoders, logger)

	if decodeSeek > 0 {
		// one seek moves every decoder sharing the demuxer
		if err := decoders[0].Seek(decodeSeek); err != nil {
			return fmt.Errorf("seeking to %s: %w", decodeSeek, err)
		}
	}

	reports := make([]*streamReport, len(decoders))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range decoders {
		reports[i] = &streamReport{stream: d.Stream()}
		g.Go(func() error {
			return drain(gctx, d, reports[i], cfg.Decoder, logger)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := writeReports(cmd.OutOrStdout(), reports); err != nil {
		return err
	}
	if rss, err := residentMemory(ctx); err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "\nresident memory: %s\n", humanize.IBytes(rss))
	} else {
		observability.WithError(logger, err).Debug("reading process memory")
	}
	return nil
}

// drain reads frames until end of stream or the frame limit.
func drain(ctx context.Context, d decode.Decoder, rep *streamReport, cfg config.DecoderConfig, logger *slog.Logger) error {
	start := time.Now()
	defer func() { rep.elapsed = time.Since(start) }()

	for decodeMaxFrames <= 0 || rep.frames < decodeMaxFrames {
		frame, err := nextFrame(ctx, d, cfg.PacketTimeout)
		if errors.Is(err, media.ErrEndOfStream) {
			break
		}
		if err != nil {
			return fmt.Errorf("stream %d: %w", rep.stream.Index, err)
		}

		if rep.frames == 0 {
			rep.firstPTS = frame.PTS
		}
		rep.frames++
		rep.bytes += uint64(frame.Size())
		rep.lastPTS = frame.PTS
		frame.Close()
	}

	logger.Debug("stream drained",
		slog.Int("stream_index", rep.stream.Index),
		slog.Int("frames", rep.frames),
	)
	if decodeMaxFrames > 0 && rep.frames >= decodeMaxFrames {
		// Detach now so the demuxer stops queueing for this stream while
		// siblings keep decoding.
		if err := d.Close(); err != nil {
			observability.WithError(logger, err).Warn("closing decoder at frame limit",
				slog.Int("stream_index", rep.stream.Index),
			)
		}
	}
	return nil
}

// nextFrame bounds a single GetFrame call by timeout when it is positive.
func nextFrame(ctx context.Context, d decode.Decoder, timeout time.Duration) (*decode.Frame, error) {
	if timeout <= 0 {
		return d.GetFrame(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.GetFrame(ctx)
}

func writeReports(out io.Writer, reports []*streamReport) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tTYPE\tCODEC\tFRAMES\tRATE\tBYTES\tFIRST PTS\tLAST PTS")
	for _, r := range reports {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.stream.Index, r.stream.Type, r.stream.Codec,
			format.Number(int64(r.frames)), format.Rate(int64(r.frames), r.elapsed.Seconds()),
			humanize.Bytes(r.bytes), r.firstPTS, r.lastPTS)
	}
	return tw.Flush()
}

var (
	selfOnce sync.Once
	self     *process.Process
	selfErr  error
)

// residentMemory returns the resident set size of this process.
func residentMemory(ctx context.Context) (uint64, error) {
	selfOnce.Do(func() {
		self, selfErr = process.NewProcessWithContext(ctx, int32(os.Getpid())) //nolint:gosec // pid fits in int32
	})
	if selfErr != nil {
		return 0, selfErr
	}
	mem, err := self.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return mem.RSS, nil
}
