package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/maauso/reframe/internal/bootstrap"
	"github.com/maauso/reframe/internal/dispatch"
	"github.com/maauso/reframe/internal/filter"
	"github.com/maauso/reframe/internal/media"
	"github.com/maauso/reframe/internal/render"
)

// ErrNothingToExport is returned when the render produced no output, e.g. a
// video without a video track.
var ErrNothingToExport = errors.New("nothing to export")

type exportOptions struct {
	output  string
	preset  string
	size    string
	filters string
	// mimeType overrides content sniffing.
	mimeType string
	quiet    bool
}

func newExportCommand(a *app) *cobra.Command {
	var opts exportOptions
	cmd := &cobra.Command{
		Use:   "export INPUT",
		Short: "Render a file to a target size with filters",
		Long: `Render an image or video to a target size. The source is scaled to cover
the target and centre-cropped, then the filters are applied.

Images are exported as PNG, videos as MP4.

Examples:
  reframe export clip.mov --preset story --filters "sepia=60,contrast=120"
  reframe export photo.jpg --size 1200x675 -o banner.png`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.runExport(ctx, args[0], opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Output file (default: next to the input, named after the size)")
	cmd.Flags().StringVarP(&opts.preset, "preset", "p", "", "Size preset (default: DEFAULT_PRESET)")
	cmd.Flags().StringVarP(&opts.size, "size", "s", "", "Explicit size as WIDTHxHEIGHT")
	cmd.Flags().StringVarP(&opts.filters, "filters", "f", "", `Filters as "name=value,..."`)
	cmd.Flags().StringVar(&opts.mimeType, "type", "", "Declared MIME type of the input (default: sniffed from the content)")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Do not print progress")
	cmd.MarkFlagsMutuallyExclusive("preset", "size")
	return cmd
}

func (a *app) runExport(ctx context.Context, input string, opts exportOptions, stdout, stderr io.Writer) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	logger := cfg.NewLoggerTo(stderr)

	size, err := exportSize(opts, cfg.DefaultPreset)
	if err != nil {
		return err
	}
	filters, err := filter.Parse(opts.filters)
	if err != nil {
		return err
	}
	if err := filters.Validate(); err != nil {
		return err
	}

	if _, err := os.Stat(input); err != nil {
		return fmt.Errorf("open input: %w", err)
	}

	var progress render.ProgressFunc
	if !opts.quiet {
		progress = progressPrinter(stderr)
	}

	session := dispatch.NewSession(a.newCodec(cfg, logger),
		append(bootstrap.SessionOptions(cfg), dispatch.WithLogger(logger))...)
	defer session.Close()

	op := session.Handle(ctx, dispatch.Request{
		File:     media.File{Path: input, Name: filepath.Base(input), Type: opts.mimeType},
		Size:     size,
		Filters:  filters,
		Mode:     render.ModeExport,
		Progress: progress,
	})
	export, err := op.Result()
	if progress != nil {
		fmt.Fprintln(stderr)
	}
	switch {
	case errors.Is(err, render.ErrCancelled):
		return fmt.Errorf("export cancelled: %w", err)
	case err != nil:
		return err
	case export.Empty():
		return fmt.Errorf("%s: %w", input, ErrNothingToExport)
	}

	out := opts.output
	if out == "" {
		out = filepath.Join(filepath.Dir(input), export.Filename)
	}
	// #nosec G306 - exports are regular user files
	if err := os.WriteFile(out, export.Data, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	fmt.Fprintf(stdout, "%s (%s, %s, %d bytes)\n", out, size, export.ContentType, len(export.Data))
	return nil
}

func exportSize(opts exportOptions, defaultPreset string) (media.Size, error) {
	if opts.size != "" {
		return media.ParseDimensions(opts.size)
	}
	name := opts.preset
	if name == "" {
		name = defaultPreset
	}
	return media.Preset(name)
}

// progressPrinter rewrites a single status line whenever the whole percentage
// changes.
func progressPrinter(w io.Writer) render.ProgressFunc {
	last := -1
	return func(v float64) {
		pct := int(math.Floor(v * 100))
		if pct == last {
			return
		}
		last = pct
		fmt.Fprintf(w, "\rexporting %3d%%", pct)
	}
}
