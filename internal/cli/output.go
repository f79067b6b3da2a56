package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Status indicators
const (
	CheckMark = "✓"
	Cross     = "✗"
	Bullet    = "●"
	Circle    = "○"
)

// Field is one label/value line of a summary box.
type Field struct {
	Label string
	Value string
}

// Printer writes human output, or JSON when stdout is not a terminal.
type Printer struct {
	Out  io.Writer
	JSON bool
}

// NewPrinter returns a Printer for stdout. JSON output is used when forced
// or when stdout is not a terminal.
func NewPrinter(forceJSON bool) *Printer {
	return &Printer{
		Out:  os.Stdout,
		JSON: forceJSON || !IsTerminal(os.Stdout),
	}
}

// Emit writes v as JSON in JSON mode and calls human otherwise.
func (p *Printer) Emit(v any, human func()) error {
	if p.JSON {
		enc := json.NewEncoder(p.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human()
	return nil
}

// Line prints a single formatted line.
func (p *Printer) Line(format string, args ...any) {
	fmt.Fprintf(p.Out, format+"\n", args...)
}

// Box prints a titled, bordered block of fields.
func (p *Printer) Box(title string, fields []Field) {
	width := 0
	for _, f := range fields {
		width = max(width, len(f.Label))
	}
	lines := []string{Styled(title, StyleTitle)}
	for _, f := range fields {
		label := f.Label + strings.Repeat(" ", width-len(f.Label))
		lines = append(lines, Styled(label, StyleLabel)+"  "+f.Value)
	}
	body := strings.Join(lines, "\n")
	if ColorsEnabled() {
		body = StyleBox.Render(body)
	}
	fmt.Fprintln(p.Out, body)
}

// Table prints rows under a header with padded columns. Cell widths ignore
// styling escape codes.
func (p *Printer) Table(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Fprintln(p.Out, Dimmed("(none)"))
		return
	}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], lipgloss.Width(cell))
			}
		}
	}

	pad := func(cell string, w int) string {
		return cell + strings.Repeat(" ", max(0, w-lipgloss.Width(cell)))
	}
	header := make([]string, len(headers))
	for i, h := range headers {
		header[i] = Styled(pad(h, widths[i]), StyleLabel)
	}
	fmt.Fprintln(p.Out, strings.TrimRight(strings.Join(header, "  "), " "))
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			if i < len(widths) {
				cell = pad(cell, widths[i])
			}
			cells[i] = cell
		}
		fmt.Fprintln(p.Out, strings.TrimRight(strings.Join(cells, "  "), " "))
	}
}

// Success prints a check-marked message.
func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintln(p.Out, Styled(CheckMark, StyleOK)+" "+fmt.Sprintf(format, args...))
}

// Fail prints an error to stderr in the error style.
func Fail(err error) {
	fmt.Fprintln(os.Stderr, Styled(Cross+" "+err.Error(), StyleError))
}
