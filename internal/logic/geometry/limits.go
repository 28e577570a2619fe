package geometry

// LimitTable holds the altitude-limit curve sampled per declination row.
// Rows below FirstRow never reach the altitude limit; rows at or beyond
// EndRow() never rise above it. Inside the table, positions at or below
// West[i] are past the western crossing and positions at or above East[i]
// are past the eastern one, for row FirstRow+i.
type LimitTable struct {
	RowSteps int32
	FirstRow int32
	West     []int32
	East     []int32
}

// EndRow returns the first row index that is entirely below the limit.
func (t LimitTable) EndRow() int32 {
	return t.FirstRow + int32(len(t.West))
}

// Row returns the table row for a Dec step position.
func (t LimitTable) Row(dec int32) int32 {
	if dec < 0 {
		return -1
	}
	return dec / t.RowSteps
}

// BuildLimitTable samples the altitude limit altDeg for Dec steps
// [0, decMaxSteps] in rows of rowSteps. Each row uses its southern edge,
// which is the lower star and so the tighter bound.
func BuildLimitTable(m Mount, altDeg float64, rowSteps, decMaxSteps int32) LimitTable {
	if rowSteps <= 0 {
		rowSteps = 1
	}
	t := LimitTable{RowSteps: rowSteps, FirstRow: -1}
	rows := decMaxSteps/rowSteps + 1
	for row := int32(0); row < rows; row++ {
		decDeg := m.DecDegrees((row + 1) * rowSteps)
		h, always, never := m.CrossingHourAngle(decDeg, altDeg)
		if always {
			if t.FirstRow < 0 {
				continue
			}
			h = 180
		}
		if t.FirstRow < 0 {
			t.FirstRow = row
		}
		if never {
			break
		}
		t.West = append(t.West, m.HASteps(h))
		t.East = append(t.East, m.HASteps(-h))
	}
	if t.FirstRow < 0 {
		t.FirstRow = rows
	}
	return t
}
