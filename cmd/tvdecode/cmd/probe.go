package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/tvdecode/internal/observability"
	"github.com/jmylchreest/tvdecode/pkg/container"
	"github.com/jmylchreest/tvdecode/pkg/decode"
	"github.com/jmylchreest/tvdecode/pkg/media"
)

var probeCmd = &cobra.Command{
	Use:   "probe <url>",
	Short: "List the streams of a source",
	Long: `Open a source and print its stream table.

The URL may be a local path, a file:// URL, an http(s) URL of an MPEG-TS
stream or an .m3u8 playlist. Compressed files (gzip, bzip2, xz, brotli)
are decompressed transparently.`,
	Args: cobra.ExactArgs(1),
	RunE: runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger := observability.WithOperation(observability.LoggerFromContext(ctx), "probe")
	defer observability.TimedOperationWithError(ctx, logger, "probe", &err)()

	dcfg, err := decoderConfig(cfg, args[0], logger)
	if err != nil {
		return err
	}
	d, err := decode.Open(ctx, dcfg)
	if err != nil {
		return fmt.Errorf("probing %s: %w", container.Redact(args[0]), err)
	}
	defer closeDecoders([]decode.Decoder{d}, logger)

	return writeStreams(cmd.OutOrStdout(), streamTable(d))
}

func writeStreams(out io.Writer, streams []media.StreamInfo) error {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tTYPE\tCODEC\tLANGUAGE\tDEFAULT\tFORCED\tDETAILS")
	for _, s := range streams {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Index, s.Type, s.Codec, orDash(s.Language),
			strconv.FormatBool(s.IsDefault), strconv.FormatBool(s.IsForced), streamDetails(s))
	}
	return tw.Flush()
}

func streamDetails(s media.StreamInfo) string {
	switch s.Type {
	case media.MediaVideo:
		if s.Width > 0 && s.Height > 0 {
			return fmt.Sprintf("%dx%d", s.Width, s.Height)
		}
	case media.MediaAudio:
		if s.SampleRate > 0 {
			return fmt.Sprintf("%d Hz, %d ch", s.SampleRate, s.Channels)
		}
	}
	if s.Title != "" {
		return s.Title
	}
	return "-"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
