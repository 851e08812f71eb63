// Package display renders command results as a table, JSON or YAML.
package display

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/notiflow/errors"
)

// Format is an output format selected with --output.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat validates a --output value. Empty means table.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	default:
		return "", errors.Wrapf(errors.ErrInvalidRequest, "unsupported output format %q (supported: table, json, yaml)", s)
	}
}

// FormatFromCommand reads the persistent --output flag.
// NOTIFLOW_OUTPUT fills in when the flag was not given.
func FormatFromCommand(cmd *cobra.Command) (Format, error) {
	if cmd == nil {
		return FormatTable, nil
	}
	if f := cmd.Flags().Lookup("output"); f != nil && f.Changed {
		return ParseFormat(f.Value.String())
	}
	if env := os.Getenv("NOTIFLOW_OUTPUT"); env != "" {
		return ParseFormat(env)
	}
	if f := cmd.Flags().Lookup("output"); f != nil {
		return ParseFormat(f.Value.String())
	}
	return FormatTable, nil
}

// Structured renders v as JSON or YAML. It returns false for FormatTable so
// the caller can print its own table.
func Structured(w io.Writer, format Format, v interface{}) (bool, error) {
	var (
		data []byte
		err  error
	)
	switch format {
	case FormatJSON:
		data, err = MarshalJSON(v)
	case FormatYAML:
		data, err = MarshalYAML(v)
	default:
		return false, nil
	}
	if err != nil {
		return true, errors.Wrapf(err, "failed to marshal %s", format)
	}
	_, err = fmt.Fprintln(w, strings.TrimRight(string(data), "\n"))
	return true, err
}

// Table prints rows under header with pterm. An empty row set prints empty.
func Table(w io.Writer, header []string, rows [][]string, empty string) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, empty)
		return err
	}
	data := pterm.TableData{header}
	data = append(data, rows...)
	return pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(data).Render()
}
