// Package output formats CLI output. Color is used only on terminals and
// never when NO_COLOR is set.
package output

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Aman-CERP/amanidx/internal/model"
)

// Writer prints human readable CLI output.
type Writer struct {
	out    io.Writer
	styles Styles
	color  bool
}

// New returns a Writer that colors its output when out is a terminal.
func New(out io.Writer) *Writer {
	return NewWithColor(out, IsTTY(out) && !DetectNoColor())
}

// NewWithColor returns a Writer with color forced on or off.
func NewWithColor(out io.Writer, color bool) *Writer {
	styles := NoColorStyles()
	if color {
		styles = DefaultStyles()
	}
	return &Writer{out: out, styles: styles, color: color}
}

// Color reports whether the writer emits ANSI styling.
func (w *Writer) Color() bool { return w.color }

// Status prints a message prefixed with icon.
// Errors from writing are ignored for console output.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "  %s\n", msg)
	}
}

// Statusf prints a formatted status message.
func (w *Writer) Statusf(icon, format string, args ...any) {
	w.Status(icon, fmt.Sprintf(format, args...))
}

// Success prints a success message.
func (w *Writer) Success(msg string) {
	w.Status(w.styles.Success.Render("✓"), msg)
}

// Successf prints a formatted success message.
func (w *Writer) Successf(format string, args ...any) {
	w.Success(fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func (w *Writer) Warning(msg string) {
	w.Status(w.styles.Warning.Render("!"), msg)
}

// Warningf prints a formatted warning message.
func (w *Writer) Warningf(format string, args ...any) {
	w.Warning(fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (w *Writer) Error(msg string) {
	w.Status(w.styles.Error.Render("✗"), msg)
}

// Errorf prints a formatted error message.
func (w *Writer) Errorf(format string, args ...any) {
	w.Error(fmt.Sprintf(format, args...))
}

// Header prints a bold section title.
func (w *Writer) Header(title string) {
	_, _ = fmt.Fprintln(w.out, w.styles.Header.Render(title))
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}

// Document prints one document with its derived status.
func (w *Writer) Document(doc *model.Document) {
	status := w.styles.ForDocument(doc.Status).Render(string(doc.Status))
	title := doc.Title
	if title == "" {
		title = w.styles.Dim.Render("(untitled)")
	}
	_, _ = fmt.Fprintf(w.out, "%s  %s  %s\n", doc.ID, status, title)
}

// SpecTable prints the index rows of one document as aligned columns.
func (w *Writer) SpecTable(rows []*model.IndexSpec) {
	if len(rows) == 0 {
		_, _ = fmt.Fprintln(w.out, w.styles.Dim.Render("  no index rows"))
		return
	}
	tw := tabwriter.NewWriter(w.out, 0, 2, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, w.styles.Label.Render("  TYPE\tSTATUS\tVERSION\tOBSERVED\tUPDATED\tERROR"))
	for _, r := range rows {
		// Pad before styling so escape codes do not break alignment.
		status := w.styles.ForStatus(r.Status).Render(fmt.Sprintf("%-20s", r.Status))
		_, _ = fmt.Fprintf(tw, "  %s\t%s\t%d\t%d\t%s\t%s\n",
			r.IndexType, status, r.Version, r.ObservedVersion,
			r.GmtUpdated.Local().Format(time.DateTime), truncate(r.ErrorMessage, 60))
	}
	_ = tw.Flush()
}

// StatusCounts prints the number of rows per status.
func (w *Writer) StatusCounts(counts map[model.Status]int) {
	order := []model.Status{
		model.StatusPending, model.StatusCreating, model.StatusActive,
		model.StatusFailed, model.StatusDeleting, model.StatusDeletionInProgress,
	}
	parts := make([]string, 0, len(order))
	for _, st := range order {
		parts = append(parts, w.styles.ForStatus(st).Render(fmt.Sprintf("%s=%d", st, counts[st])))
	}
	_, _ = fmt.Fprintln(w.out, "  "+strings.Join(parts, "  "))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
