package gridcalc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSheetTable(t *testing.T) {
	strings := NewStringTable()
	st := NewSheetTable()

	t.Run("AddAndLookup", func(t *testing.T) {
		sheet, id, ok := st.Add("Sheet1", strings)
		require.True(t, ok)
		require.NotNil(t, sheet)
		require.Equal(t, uint32(1), id)

		gotID, ok := st.ID("sheet1")
		require.True(t, ok, "lookup is case-insensitive")
		require.Equal(t, id, gotID)

		name, ok := st.Name(id)
		require.True(t, ok)
		require.Equal(t, "Sheet1", name, "display name keeps its casing")
	})

	t.Run("DuplicateName", func(t *testing.T) {
		_, _, ok := st.Add("SHEET1", strings)
		require.False(t, ok)
	})

	t.Run("Rename", func(t *testing.T) {
		_, id2, ok := st.Add("Data", strings)
		require.True(t, ok)

		require.True(t, st.Rename("data", "Results"))
		_, ok = st.ID("Data")
		require.False(t, ok)
		gotID, ok := st.ID("results")
		require.True(t, ok)
		require.Equal(t, id2, gotID, "the sheet keeps its ID across renames")

		require.False(t, st.Rename("Nope", "X"))
		require.False(t, st.Rename("Results", "Sheet1"), "target name taken")
		require.True(t, st.Rename("Results", "RESULTS"), "case-only rename of itself")
	})

	t.Run("IDsInCreationOrder", func(t *testing.T) {
		require.Equal(t, []uint32{1, 2}, st.IDs())
	})

	t.Run("Remove", func(t *testing.T) {
		id, ok := st.Remove("results")
		require.True(t, ok)
		require.Equal(t, uint32(2), id)
		require.Equal(t, 1, st.Count())

		_, ok = st.Remove("results")
		require.False(t, ok)

		// removed IDs are never reused
		_, id3, ok := st.Add("Third", strings)
		require.True(t, ok)
		require.Equal(t, uint32(3), id3)
	})
}

func TestSheetLiteralStorage(t *testing.T) {
	strings := NewStringTable()
	s := NewSheet(1, strings)

	values := []Primitive{
		42.5,
		"hello",
		true,
		false,
		DateSerial(45123.25),
		NewCellError(ErrDiv0, "division by zero"),
		NewUnknownError("#CUSTOM!"),
	}
	for i, v := range values {
		s.SetValue(uint32(i), 0, v)
	}

	for i, want := range values {
		got := s.Value(uint32(i), 0)
		require.True(t, primitivesEqual(want, got), "row %d: want %v, got %v", i, want, got)
	}

	// errors keep their message through storage
	cerr, ok := s.Value(5, 0).(*CellError)
	require.True(t, ok)
	require.Equal(t, "division by zero", cerr.Message)

	// unknown error literals round-trip their spelling
	unknown, ok := s.Value(6, 0).(*CellError)
	require.True(t, ok)
	require.Equal(t, "#CUSTOM!", unknown.Code())

	require.Equal(t, len(values), s.CellCount())
	require.Nil(t, s.Value(100, 100), "untouched cells are blank")
}

func TestSheetFormulaStorage(t *testing.T) {
	s := NewSheet(1, NewStringTable())

	s.SetProgram(0, 0, 7)
	require.Equal(t, uint32(7), s.ProgramID(0, 0))
	require.Nil(t, s.Value(0, 0), "no result yet")
	require.Nil(t, s.Input(0, 0), "formula cells have no literal input")

	s.SetResult(0, 0, 12.5)
	require.Equal(t, 12.5, s.Value(0, 0))

	// a literal displaces the formula and its result
	s.SetValue(0, 0, "plain")
	require.Equal(t, uint32(0), s.ProgramID(0, 0))
	require.Equal(t, "plain", s.Value(0, 0))
	require.Equal(t, "plain", s.Input(0, 0))

	// and a formula displaces the literal
	s.SetProgram(0, 0, 9)
	require.Nil(t, s.Input(0, 0))
	require.Equal(t, uint32(9), s.ProgramID(0, 0))
	require.Equal(t, 1, s.CellCount(), "rewrites do not double count")
}

func TestSheetClear(t *testing.T) {
	strings := NewStringTable()
	s := NewSheet(1, strings)

	s.SetValue(0, 0, "text")
	s.SetValue(1, 1, 5.0)
	require.Equal(t, 2, s.CellCount())

	s.Clear(0, 0)
	require.False(t, s.HasCell(0, 0))
	require.Equal(t, 1, s.CellCount())
	require.Equal(t, 0, strings.Count(), "cleared text releases its table entry")

	// clearing via a nil write behaves the same
	s.SetValue(1, 1, nil)
	require.Equal(t, 0, s.CellCount())

	s.Clear(50, 50) // clearing a blank cell is a no-op
	require.Equal(t, 0, s.CellCount())
}

func TestSheetUsedExtent(t *testing.T) {
	s := NewSheet(1, NewStringTable())

	_, _, ok := s.UsedExtent()
	require.False(t, ok, "empty sheet has no extent")

	s.SetValue(2, 3, 1.0)
	s.SetValue(10, 1, 2.0)
	maxRow, maxCol, ok := s.UsedExtent()
	require.True(t, ok)
	require.Equal(t, uint32(10), maxRow)
	require.Equal(t, uint32(3), maxCol)

	// removing the boundary cell shrinks the extent
	s.Clear(10, 1)
	maxRow, maxCol, ok = s.UsedExtent()
	require.True(t, ok)
	require.Equal(t, uint32(2), maxRow)
	require.Equal(t, uint32(3), maxCol)
}

func TestSheetCrossChunkAccess(t *testing.T) {
	// 256x256 chunking: neighbors across the boundary live in different
	// chunks but behave identically
	s := NewSheet(1, NewStringTable())

	s.SetValue(255, 255, 1.0)
	s.SetValue(256, 255, 2.0)
	s.SetValue(255, 256, 3.0)
	s.SetValue(100000, 5000, 4.0)

	require.Equal(t, 1.0, s.Value(255, 255))
	require.Equal(t, 2.0, s.Value(256, 255))
	require.Equal(t, 3.0, s.Value(255, 256))
	require.Equal(t, 4.0, s.Value(100000, 5000))
	require.Equal(t, 4, s.CellCount())

	maxRow, maxCol, ok := s.UsedExtent()
	require.True(t, ok)
	require.Equal(t, uint32(100000), maxRow)
	require.Equal(t, uint32(5000), maxCol)
}

func TestSheetOccupiedCells(t *testing.T) {
	s := NewSheet(3, NewStringTable())
	s.SetValue(0, 0, 1.0)
	s.SetValue(500, 2, 2.0)

	seen := make(map[CellAddress]struct{})
	for addr := range s.OccupiedCells() {
		require.Equal(t, uint32(3), addr.SheetID)
		seen[addr] = struct{}{}
	}
	require.Len(t, seen, 2)
	_, ok := seen[CellAddress{SheetID: 3, Row: 500, Col: 2}]
	require.True(t, ok)
}
