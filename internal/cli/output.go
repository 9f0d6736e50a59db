package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

//nolint:gochecknoglobals // lipgloss styles are immutable values
var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// styled renders text with style only when w is a terminal.
func styled(w io.Writer, style lipgloss.Style, text string) string {
	if f, ok := w.(*os.File); ok && isTerminal(f) {
		return style.Render(text)
	}
	return text
}

// printStatus writes one confirmation line, colored on a terminal.
func printStatus(cmd *cobra.Command, style lipgloss.Style, format string, args ...any) {
	w := cmd.OutOrStdout()
	fmt.Fprintln(w, styled(w, style, fmt.Sprintf(format, args...)))
}

// writeValue renders v in the --output format.
func writeValue(cmd *cobra.Command, v any) error {
	output, _ := cmd.Flags().GetString("output")
	w := cmd.OutOrStdout()

	if output == outputYAML {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
		return enc.Close()
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding json: %w", err)
	}
	return nil
}

// writeBody renders a cluster response body. JSON bodies are re-indented
// or converted to YAML; anything else is written as is.
func writeBody(cmd *cobra.Command, body []byte) error {
	w := cmd.OutOrStdout()
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}
	if !json.Valid(trimmed) {
		_, err := w.Write(body)
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	if output == outputYAML {
		var v any
		if err := json.Unmarshal(trimmed, &v); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		return writeValue(cmd, v)
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
		return fmt.Errorf("indenting response: %w", err)
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}
