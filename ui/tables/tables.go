// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tables renders the pruning reports as terminal tables, using lipgloss.
package tables

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/iterprune/pkg/ml/pruning"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
	highlightRowStyle = lipgloss.NewStyle().
				Foreground(lipgloss.AdaptiveColor{Light: "9", Dark: "9"}).
				Bold(true).
				PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

// Title renders a table title.
func Title(title string) string {
	return titleStyle.Render(title)
}

// Table wraps a lipgloss table, and allows highlighting individual rows.
type Table struct {
	*lgtable.Table
	count      int
	highlights map[int]bool
}

// New creates a Table. The alignments are given per column, and the last one is used for the remaining
// columns. If no alignment is given, columns are left aligned.
func New(alignments ...lipgloss.Position) *Table {
	t := &Table{highlights: make(map[int]bool)}
	t.Table = lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			switch {
			case t.highlights[row]:
				s = highlightRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			} else if len(alignments) > 0 {
				alignment = alignments[len(alignments)-1]
			}
			return s.Align(alignment)
		})
	return t
}

// Row adds a row, highlighted if highlight is true.
func (t *Table) Row(highlight bool, row ...string) *Table {
	if highlight {
		t.highlights[t.count] = true
	}
	t.Table.Row(row...)
	t.count++
	return t
}

// NumRows returns the number of rows added with Row.
func (t *Table) NumRows() int {
	return t.count
}

// Percent formats a ratio in [0, 1] as a percentage.
func Percent(ratio float64) string {
	return fmt.Sprintf("%.2f%%", 100*ratio)
}

// Sparsity returns a table with the per-layer sparsity, and a last row with the totals.
// Fully pruned layers are highlighted.
func Sparsity(layers []pruning.LayerSparsity) *Table {
	t := New(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	t.Headers("Layer", "Shape", "# params", "# zeros", "Sparsity", "Pruned channels")
	var numParams, numZeros, numChannels, numPruned int
	for _, ls := range layers {
		t.Row(ls.NumPrunedChannels > 0 && ls.NumPrunedChannels == ls.NumChannels,
			ls.OpName, ls.Shape.String(),
			humanize.Comma(int64(ls.NumParams)),
			humanize.Comma(int64(ls.NumZeros)),
			Percent(ls.Sparsity()),
			fmt.Sprintf("%d / %d", ls.NumPrunedChannels, ls.NumChannels))
		numParams += ls.NumParams
		numZeros += ls.NumZeros
		numChannels += ls.NumChannels
		numPruned += ls.NumPrunedChannels
	}
	total := pruning.LayerSparsity{NumParams: numParams, NumZeros: numZeros}
	t.Row(false, "Total", "",
		humanize.Comma(int64(numParams)),
		humanize.Comma(int64(numZeros)),
		Percent(total.Sparsity()),
		fmt.Sprintf("%d / %d", numPruned, numChannels))
	return t
}

// Results returns a table with one row per pruning iteration. The row of the best iteration (bestTaskID)
// is highlighted.
func Results(results []pruning.Result, bestTaskID int) *Table {
	t := New(lipgloss.Right, lipgloss.Left, lipgloss.Right)
	t.Headers("Iteration", "Config list", "Sparsity", "Score", "Elapsed")
	for _, r := range results {
		t.Row(r.TaskID == bestTaskID,
			fmt.Sprintf("%d", r.TaskID),
			r.Configs.String(),
			Percent(r.Sparsity),
			fmt.Sprintf("%.2f", r.Score),
			r.Elapsed.Round(time.Millisecond).String())
	}
	return t
}

// KeyValues returns a two-column table, with the keys right aligned. pairs are alternating keys and values.
func KeyValues(pairs ...string) *Table {
	t := New(lipgloss.Right, lipgloss.Left)
	for ii := 0; ii+1 < len(pairs); ii += 2 {
		t.Row(false, pairs[ii], pairs[ii+1])
	}
	return t
}
