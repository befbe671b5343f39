// Package schedule turns a rendered outage-schedule page into a comparable
// fingerprint: the published status text plus the classes of the active
// schedule row.
package schedule

import "slices"

// CellClass is the schedule class of one hour cell. CellNone marks a cell
// whose class is missing or not one of the recognized ones.
type CellClass string

const (
	CellNone         CellClass = ""
	CellNonScheduled CellClass = "cell-non-scheduled"
	CellScheduled    CellClass = "cell-scheduled"
	CellFirstHalf    CellClass = "cell-first-half"
	CellSecondHalf   CellClass = "cell-second-half"
)

func (c CellClass) known() bool {
	switch c {
	case CellNonScheduled, CellScheduled, CellFirstHalf, CellSecondHalf:
		return true
	}
	return false
}

// Fingerprint is the observable state of one address at one point in time.
// An empty fingerprint (no text, no cells) is a valid observation.
type Fingerprint struct {
	Text  string
	Cells []CellClass
}

// Equal reports whether both text and the full cell sequence match.
// A nil and an empty cell slice compare equal.
func (f Fingerprint) Equal(o Fingerprint) bool {
	return f.Text == o.Text && slices.Equal(f.Cells, o.Cells)
}

func (f Fingerprint) Empty() bool {
	return f.Text == "" && len(f.Cells) == 0
}

// Extract combines ExtractStatusText and ExtractActiveRowCells.
func Extract(html string) Fingerprint {
	return Fingerprint{
		Text:  ExtractStatusText(html),
		Cells: ExtractActiveRowCells(html),
	}
}
