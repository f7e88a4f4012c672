package main

import (
	"os"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// Color variables for consistent styling across all commands.
var (
	colorHeader  = color.New(color.FgWhite, color.Bold)
	colorSuccess = color.New(color.FgGreen)
	colorError   = color.New(color.FgRed)
	colorMuted   = color.New(color.Faint)
)

// activeBadge returns a colored rendering of a slot's Active property.
func activeBadge(active bool) string {
	if active {
		return colorSuccess.Sprint("active")
	}
	return colorMuted.Sprint("idle")
}

// tableRow builds a go-pretty table.Row from arbitrary cells.
func tableRow(cells ...interface{}) table.Row {
	return table.Row(cells)
}

// newStyledTable creates a pre-configured go-pretty table with StyleLight
// base, bold white headers, and no row separators.
func newStyledTable() table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)

	style := table.StyleLight
	style.Options.SeparateRows = false
	style.Options.DrawBorder = false
	style.Options.SeparateColumns = true
	style.Format.Header = text.FormatUpper
	style.Format.HeaderAlign = text.AlignLeft
	t.SetStyle(style)

	return t
}
