// ABOUTME: Output helpers shared by the CLI commands
// ABOUTME: Renders values as indented JSON or colorized text

package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/fatih/color"
)

var (
	labelColor = color.New(color.FgCyan)
	okColor    = color.New(color.FgGreen)
	warnColor  = color.New(color.FgYellow)
	dimColor   = color.New(color.FgHiBlack)
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// field prints an aligned "label: value" line
func field(w io.Writer, label string, value any) {
	labelColor.Fprintf(w, "%-16s", label+":")
	fmt.Fprintln(w, value)
}

func heading(w io.Writer, text string) {
	okColor.Fprintln(w, text)
}
