package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/maauso/reframe/internal/filter"
	"github.com/maauso/reframe/internal/media"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#9A9EA0"))
)

func newPresetsCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "presets",
		Short: "List the size presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printPresets(cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newFiltersCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "filters",
		Short: "List the filter catalog",
		Long: `List the filters that can be passed to --filters, with their unit,
default and allowed range. Filters are applied in the listed order.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printFilters(cmd.OutOrStdout(), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func printPresets(w io.Writer, asJSON bool) error {
	presets := media.Presets()
	if asJSON {
		return writeIndentedJSON(w, presets)
	}

	fmt.Fprintln(w, headerStyle.Render("Size presets"))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, p := range presets {
		fmt.Fprintf(tw, "  %s\t%dx%d\t%s\n", p.Name, p.Width, p.Height, dimStyle.Render(aspect(p.Size)))
	}
	return tw.Flush()
}

func printFilters(w io.Writer, asJSON bool) error {
	catalog := filter.Catalog()
	if asJSON {
		return writeIndentedJSON(w, catalog)
	}

	fmt.Fprintln(w, headerStyle.Render("Filters"))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, d := range catalog {
		def := "-"
		if d.Default != nil {
			def = formatValue(*d.Default)
		}
		fmt.Fprintf(tw, "  %s\t%s..%s%s\t%s\n", d.Name, formatValue(d.Min), formatValue(d.Max), d.Unit,
			dimStyle.Render("default "+def))
	}
	return tw.Flush()
}

// aspect reduces a size to its aspect ratio, e.g. 1920x1080 to "16:9".
func aspect(s media.Size) string {
	g := gcd(s.Width, s.Height)
	if g == 0 {
		return ""
	}
	return fmt.Sprintf("%d:%d", s.Width/g, s.Height/g)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func writeIndentedJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
