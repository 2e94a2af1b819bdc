package output

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/Aman-CERP/amanidx/internal/model"
)

// Palette, ANSI 256 colors.
const (
	ColorLime     = "154"
	ColorWhite    = "255"
	ColorGray     = "245"
	ColorDarkGray = "238"
	ColorRed      = "196"
	ColorYellow   = "220"
	ColorCyan     = "44"
)

// Styles holds the text styles used by Writer.
type Styles struct {
	Header  lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Active  lipgloss.Style
	Dim     lipgloss.Style
	Label   lipgloss.Style
}

// DefaultStyles returns the colored styles.
func DefaultStyles() Styles {
	return Styles{
		Header:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorWhite)),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorLime)),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorYellow)),
		Error:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorRed)),
		Active:  lipgloss.NewStyle().Foreground(lipgloss.Color(ColorCyan)),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDarkGray)),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGray)),
	}
}

// NoColorStyles returns unstyled components for plain output.
func NoColorStyles() Styles {
	plain := lipgloss.NewStyle()
	return Styles{Header: plain, Success: plain, Warning: plain, Error: plain, Active: plain, Dim: plain, Label: plain}
}

// ForStatus picks the style of an index row status.
func (s Styles) ForStatus(st model.Status) lipgloss.Style {
	switch st {
	case model.StatusActive:
		return s.Success
	case model.StatusFailed:
		return s.Error
	case model.StatusCreating, model.StatusDeletionInProgress:
		return s.Active
	case model.StatusDeleting:
		return s.Warning
	default:
		return s.Label
	}
}

// ForDocument picks the style of a document status.
func (s Styles) ForDocument(st model.DocumentStatus) lipgloss.Style {
	switch st {
	case model.DocumentStatusReady:
		return s.Success
	case model.DocumentStatusFailed:
		return s.Error
	case model.DocumentStatusIndexing:
		return s.Active
	case model.DocumentStatusDeleting, model.DocumentStatusDeleted:
		return s.Warning
	default:
		return s.Label
	}
}

// IsTTY reports whether w is a terminal.
func IsTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// DetectNoColor reports whether NO_COLOR is set.
func DetectNoColor() bool {
	_, ok := os.LookupEnv("NO_COLOR")
	return ok
}
