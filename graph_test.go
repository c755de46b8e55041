package gridcalc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func cellPrec(addr CellAddress) Precedent {
	return Precedent{Kind: PrecCell, Cell: addr}
}

func rangePrec(r RangeAddress) Precedent {
	return Precedent{Kind: PrecRange, Range: r}
}

func addr(row, col uint32) CellAddress {
	return CellAddress{SheetID: 1, Row: row, Col: col}
}

func TestGraphDirtyPropagation(t *testing.T) {
	g := NewGraph()
	a1, b1, c1 := addr(0, 0), addr(0, 1), addr(0, 2)

	// B1 reads A1, C1 reads B1
	g.SetPrecedents(b1, []Precedent{cellPrec(a1)}, nil, false)
	g.SetPrecedents(c1, []Precedent{cellPrec(b1)}, nil, false)

	g.PropagateDirty(a1)
	require.False(t, g.IsDirty(a1), "value cells don't enter the dirty set")
	require.True(t, g.IsDirty(b1))
	require.True(t, g.IsDirty(c1), "dirt reaches transitive dependents")

	g.ClearDirty(b1)
	g.ClearDirty(c1)
	require.False(t, g.HasDirty())
}

func TestGraphMarkDirtyNeedsProgram(t *testing.T) {
	g := NewGraph()
	a1 := addr(0, 0)
	g.MarkDirty(a1)
	require.False(t, g.IsDirty(a1), "cells without programs never mark dirty")

	g.SetPrecedents(a1, nil, nil, false)
	g.MarkDirty(a1)
	require.True(t, g.IsDirty(a1))
}

func TestGraphRangeObservers(t *testing.T) {
	g := NewGraph()
	observer := addr(0, 5)
	r := RangeAddress{SheetID: 1, StartRow: 0, StartCol: 0, EndRow: 9, EndCol: 0}

	g.SetPrecedents(observer, []Precedent{rangePrec(r)}, nil, false)

	g.PropagateDirty(addr(4, 0))
	require.True(t, g.IsDirty(observer), "write inside the range dirties the observer")

	g.ClearDirty(observer)
	g.PropagateDirty(addr(4, 1))
	require.False(t, g.IsDirty(observer), "write outside the range is ignored")
}

func TestGraphWholeColumnObserver(t *testing.T) {
	// open-ended ranges use the overflow index, not tile buckets
	g := NewGraph()
	observer := addr(0, 5)
	r := RangeAddress{SheetID: 1, StartRow: 0, StartCol: 0, EndRow: MaxRow, EndCol: 0}

	g.SetPrecedents(observer, []Precedent{rangePrec(r)}, nil, false)
	require.Equal(t, 1, g.RangeObserverCount())

	g.PropagateDirty(addr(1000000, 0))
	require.True(t, g.IsDirty(observer))
}

func TestGraphReplacePrecedents(t *testing.T) {
	g := NewGraph()
	a1, b1, c1 := addr(0, 0), addr(0, 1), addr(0, 2)

	g.SetPrecedents(c1, []Precedent{cellPrec(a1)}, nil, false)
	g.SetPrecedents(c1, []Precedent{cellPrec(b1)}, nil, false)

	g.PropagateDirty(a1)
	require.False(t, g.IsDirty(c1), "old edges are gone after replacement")

	g.PropagateDirty(b1)
	require.True(t, g.IsDirty(c1))
}

func TestGraphRemoveCell(t *testing.T) {
	g := NewGraph()
	a1, b1 := addr(0, 0), addr(0, 1)

	g.SetPrecedents(b1, []Precedent{cellPrec(a1)}, nil, false)
	g.RemoveCell(b1)

	g.PropagateDirty(a1)
	require.False(t, g.IsDirty(b1))
	require.False(t, g.HasDirty())
}

func TestGraphVolatile(t *testing.T) {
	g := NewGraph()
	v1, d1 := addr(0, 0), addr(0, 1)

	g.SetPrecedents(v1, nil, nil, true)
	g.SetPrecedents(d1, []Precedent{cellPrec(v1)}, nil, false)
	require.True(t, g.IsVolatile(v1))

	// nothing dirty, but the calc order still includes the volatile
	// cell and everything downstream of it
	groups := g.CalcOrder()
	require.Len(t, groups, 2)
	require.Equal(t, []CellAddress{v1}, groups[0].Cells)
	require.Equal(t, []CellAddress{d1}, groups[1].Cells)
}

func TestGraphNameObservers(t *testing.T) {
	g := NewGraph()
	reader := addr(0, 0)
	key := NameKey{Global: true, Name: "RATE"}

	g.SetPrecedents(reader, nil, []NameKey{key}, false)
	require.Equal(t, []CellAddress{reader}, g.NameObservers(key))

	g.PropagateNameDirty(key)
	require.True(t, g.IsDirty(reader))

	g.ClearDirty(reader)
	g.PropagateNameDirty(NameKey{Global: true, Name: "OTHER"})
	require.False(t, g.IsDirty(reader))
}

func TestCalcOrderRespectsDependencies(t *testing.T) {
	g := NewGraph()
	a1, b1, c1, d1 := addr(0, 0), addr(0, 1), addr(0, 2), addr(0, 3)

	// D1 <- C1 <- B1, all reading A1 too
	g.SetPrecedents(b1, []Precedent{cellPrec(a1)}, nil, false)
	g.SetPrecedents(c1, []Precedent{cellPrec(b1), cellPrec(a1)}, nil, false)
	g.SetPrecedents(d1, []Precedent{cellPrec(c1), cellPrec(a1)}, nil, false)

	g.PropagateDirty(a1)
	groups := g.CalcOrder()
	require.Len(t, groups, 3)
	require.Equal(t, []CellAddress{b1}, groups[0].Cells)
	require.Equal(t, []CellAddress{c1}, groups[1].Cells)
	require.Equal(t, []CellAddress{d1}, groups[2].Cells)
	for _, group := range groups {
		require.False(t, group.Cyclic)
	}
}

func TestCalcOrderDeterministic(t *testing.T) {
	g := NewGraph()
	a1 := addr(0, 0)

	// many independent dependents of one cell come out in address order
	var expected []CellAddress
	for row := uint32(0); row < 50; row++ {
		dep := addr(row, 1)
		expected = append(expected, dep)
		g.SetPrecedents(dep, []Precedent{cellPrec(a1)}, nil, false)
	}
	g.PropagateDirty(a1)

	groups := g.CalcOrder()
	require.Len(t, groups, 50)
	for i, group := range groups {
		require.Equal(t, []CellAddress{expected[i]}, group.Cells)
	}

	// a second plan over the same dirty set is identical
	again := g.CalcOrder()
	require.Equal(t, groups, again)
}

func TestCalcOrderRangeEdges(t *testing.T) {
	t.Run("AcrossTileBoundary", func(t *testing.T) {
		g := NewGraph()
		seed := addr(0, 5)
		inner := addr(280, 0)
		total := addr(1000, 1)

		r := RangeAddress{SheetID: 1, StartRow: 0, StartCol: 0, EndRow: 300, EndCol: 0}
		g.SetPrecedents(inner, []Precedent{cellPrec(seed)}, nil, false)
		g.SetPrecedents(total, []Precedent{rangePrec(r)}, nil, false)

		g.PropagateDirty(seed)
		groups := g.CalcOrder()
		require.Len(t, groups, 2)
		require.Equal(t, []CellAddress{inner}, groups[0].Cells)
		require.Equal(t, []CellAddress{total}, groups[1].Cells)
	})

	t.Run("WholeColumnRange", func(t *testing.T) {
		g := NewGraph()
		seed := addr(0, 5)
		inner := addr(70000, 0)
		total := addr(1000, 1)

		r := RangeAddress{SheetID: 1, StartRow: 0, StartCol: 0, EndRow: MaxRow, EndCol: 0}
		g.SetPrecedents(inner, []Precedent{cellPrec(seed)}, nil, false)
		g.SetPrecedents(total, []Precedent{rangePrec(r)}, nil, false)

		g.PropagateDirty(seed)
		groups := g.CalcOrder()
		require.Len(t, groups, 2)
		require.Equal(t, []CellAddress{inner}, groups[0].Cells)
		require.Equal(t, []CellAddress{total}, groups[1].Cells)
	})
}

func TestCalcOrderDetectsCycles(t *testing.T) {
	t.Run("TwoCellCycle", func(t *testing.T) {
		g := NewGraph()
		a1, b1 := addr(0, 0), addr(0, 1)
		g.SetPrecedents(a1, []Precedent{cellPrec(b1)}, nil, false)
		g.SetPrecedents(b1, []Precedent{cellPrec(a1)}, nil, false)
		g.MarkDirty(a1)
		g.PropagateDirty(a1)

		groups := g.CalcOrder()
		require.Len(t, groups, 1)
		require.True(t, groups[0].Cyclic)
		require.Equal(t, []CellAddress{a1, b1}, groups[0].Cells)
	})

	t.Run("SelfLoop", func(t *testing.T) {
		g := NewGraph()
		a1 := addr(0, 0)
		g.SetPrecedents(a1, []Precedent{cellPrec(a1)}, nil, false)
		g.MarkDirty(a1)

		groups := g.CalcOrder()
		require.Len(t, groups, 1)
		require.True(t, groups[0].Cyclic)
	})

	t.Run("RangeSelfLoop", func(t *testing.T) {
		g := NewGraph()
		a1 := addr(0, 0)
		r := RangeAddress{SheetID: 1, StartRow: 0, StartCol: 0, EndRow: 2, EndCol: 0}
		g.SetPrecedents(a1, []Precedent{rangePrec(r)}, nil, false)
		g.MarkDirty(a1)

		groups := g.CalcOrder()
		require.Len(t, groups, 1)
		require.True(t, groups[0].Cyclic)
	})

	t.Run("CycleAndChainMix", func(t *testing.T) {
		g := NewGraph()
		a1, b1, x1, y1 := addr(0, 0), addr(0, 1), addr(1, 0), addr(1, 1)
		g.SetPrecedents(a1, []Precedent{cellPrec(b1)}, nil, false)
		g.SetPrecedents(b1, []Precedent{cellPrec(a1)}, nil, false)
		g.SetPrecedents(y1, []Precedent{cellPrec(x1)}, nil, false)
		g.MarkDirty(a1)
		g.PropagateDirty(a1)
		g.MarkDirty(y1)

		groups := g.CalcOrder()
		require.Len(t, groups, 2)

		var sawCycle, sawChain bool
		for _, group := range groups {
			if group.Cyclic {
				sawCycle = true
				require.Len(t, group.Cells, 2)
			} else {
				sawChain = true
				require.Equal(t, []CellAddress{y1}, group.Cells)
			}
		}
		require.True(t, sawCycle)
		require.True(t, sawChain)
	})
}

func TestGraphSheetRemoval(t *testing.T) {
	g := NewGraph()
	onSheet2 := CellAddress{SheetID: 2, Row: 0, Col: 0}
	reader := addr(0, 0)

	g.SetPrecedents(onSheet2, nil, nil, false)
	g.SetPrecedents(reader, []Precedent{cellPrec(onSheet2)}, nil, false)

	g.MarkSheetDependentsDirty(2)
	require.True(t, g.IsDirty(reader), "cross-sheet reader dirtied before removal")

	removed := g.RemoveSheetCells(2)
	require.Equal(t, []CellAddress{onSheet2}, removed)
	require.True(t, g.IsDirty(reader), "reader survives the removal")
}

func TestGraphOffGridPrecedent(t *testing.T) {
	g := NewGraph()
	a1 := addr(0, 0)
	g.SetPrecedents(a1, []Precedent{{Kind: PrecCell, OffGrid: true}}, nil, false)
	g.MarkDirty(a1)

	groups := g.CalcOrder()
	require.Len(t, groups, 1)
	require.False(t, groups[0].Cyclic)
}

func TestGraphClear(t *testing.T) {
	g := NewGraph()
	g.SetPrecedents(addr(0, 1), []Precedent{cellPrec(addr(0, 0))}, nil, true)
	g.PropagateDirty(addr(0, 0))

	g.Clear()
	require.False(t, g.HasDirty())
	require.Equal(t, 0, g.NodeCount())
	require.Equal(t, 0, g.RangeObserverCount())
	require.Nil(t, g.CalcOrder())
}
