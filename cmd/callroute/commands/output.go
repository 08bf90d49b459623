package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

// table is implemented by results that have a tabular rendering.
type table interface {
	header() []string
	rows() [][]string
}

func output(cmd *cobra.Command, result any) error {
	return writeOutput(cmd.OutOrStdout(), outputFormat, result)
}

func writeOutput(w io.Writer, format string, result any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "yaml", "":
		data, err := yaml.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to format output: %w", err)
		}
		_, err = w.Write(data)
		return err
	case "table":
		t, ok := result.(table)
		if !ok {
			return writeOutput(w, "yaml", result)
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(t.header(), "\t"))
		for _, row := range t.rows() {
			fmt.Fprintln(tw, strings.Join(row, "\t"))
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}
