package gridcalc

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testCompileContext(origin CellAddress) *CompileContext {
	return &CompileContext{
		Origin: origin,
		ResolveSheet: func(name string) (uint32, bool) {
			switch strings.ToUpper(name) {
			case "SHEET1":
				return 1, true
			case "DATA":
				return 2, true
			case "SHEET3":
				return 3, true
			}
			return 0, false
		},
		IsVolatile: func(name string) bool {
			upper := strings.ToUpper(name)
			return upper == "NOW" || upper == "TODAY" || upper == "RAND"
		},
	}
}

func compileAt(t *testing.T, src string, origin CellAddress) *Program {
	t.Helper()
	ast, err := ParseFormula(src, DefaultLocale())
	require.NoError(t, err, "ParseFormula(%q)", src)
	prog, err := Compile(ast, testCompileContext(origin))
	require.NoError(t, err, "Compile(%q)", src)
	return prog
}

func keyAt(t *testing.T, src string, origin CellAddress) ProgramKey {
	t.Helper()
	ast, err := ParseFormula(src, DefaultLocale())
	require.NoError(t, err)
	return NormalizedKey(ast, testCompileContext(origin))
}

func TestNormalizedKeySharing(t *testing.T) {
	b1 := CellAddress{SheetID: 1, Row: 0, Col: 1}
	b2 := CellAddress{SheetID: 1, Row: 1, Col: 1}
	c1 := CellAddress{SheetID: 1, Row: 0, Col: 2}

	t.Run("RelativeOffsetsShare", func(t *testing.T) {
		// =A1+1 in B1 and =A2+1 in B2 point one column left, same row
		require.Equal(t, keyAt(t, "=A1+1", b1), keyAt(t, "=A2+1", b2))
		require.Equal(t, keyAt(t, "=A1+1", b1), keyAt(t, "=B1+1", c1))
	})

	t.Run("DifferentOffsetsDiffer", func(t *testing.T) {
		require.NotEqual(t, keyAt(t, "=A1+1", b1), keyAt(t, "=A1+1", b2))
	})

	t.Run("AbsoluteSharesEverywhere", func(t *testing.T) {
		require.Equal(t, keyAt(t, "=$A$1+1", b1), keyAt(t, "=$A$1+1", b2))
		require.Equal(t, keyAt(t, "=$A$1+1", b1), keyAt(t, "=$A$1+1", c1))
	})

	t.Run("AbsoluteAndRelativeDiffer", func(t *testing.T) {
		require.NotEqual(t, keyAt(t, "=$A$1+1", b1), keyAt(t, "=A1+1", b1))
	})

	t.Run("MixedAxes", func(t *testing.T) {
		// column absolute, row relative: shares down a column
		require.Equal(t, keyAt(t, "=$A1", b1), keyAt(t, "=$A2", b2))
		require.NotEqual(t, keyAt(t, "=$A1", b1), keyAt(t, "=A1", b1))
	})

	t.Run("DeterministicAcrossCalls", func(t *testing.T) {
		require.Equal(t, keyAt(t, "=SUM(A1:B2)*2", b1), keyAt(t, "=SUM(A1:B2)*2", b1))
	})

	t.Run("SheetQualifiedUsesID", func(t *testing.T) {
		// sheet names normalize to ids, so casing doesn't split keys
		require.Equal(t, keyAt(t, "=Data!A1", b1), keyAt(t, "=DATA!A1", b1))
	})
}

func TestCompilePrograms(t *testing.T) {
	origin := CellAddress{SheetID: 1, Row: 0, Col: 3}

	t.Run("Constants", func(t *testing.T) {
		prog := compileAt(t, "=1+2", origin)
		require.NotEmpty(t, prog.Code)
		require.Len(t, prog.Consts, 2)
	})

	t.Run("CellOperands", func(t *testing.T) {
		prog := compileAt(t, "=A1+B2", origin)
		require.Len(t, prog.Cells, 2)
	})

	t.Run("RangeOperands", func(t *testing.T) {
		prog := compileAt(t, "=SUM(A1:B10)", origin)
		require.Len(t, prog.Ranges, 1)
		require.Len(t, prog.Funcs, 1)
		require.Equal(t, "SUM", prog.Funcs[0])
	})

	t.Run("VolatileFlag", func(t *testing.T) {
		require.True(t, compileAt(t, "=RAND()", origin).Volatile)
		require.True(t, compileAt(t, "=IF(A1, NOW(), 0)", origin).Volatile)
		require.False(t, compileAt(t, "=SUM(A1:A3)", origin).Volatile)
	})

	t.Run("FunctionNamesFold", func(t *testing.T) {
		prog := compileAt(t, "=sum(A1)", origin)
		require.Equal(t, "SUM", prog.Funcs[0])
	})
}

func TestProgramPrecedents(t *testing.T) {
	origin := CellAddress{SheetID: 1, Row: 4, Col: 4}

	t.Run("CellsAndRanges", func(t *testing.T) {
		prog := compileAt(t, "=A1+SUM(B1:B3)", origin)
		precs := prog.Precedents(origin)
		require.Len(t, precs, 2)

		var cells, ranges int
		for _, p := range precs {
			switch p.Kind {
			case PrecCell:
				cells++
				require.Equal(t, CellAddress{SheetID: 1, Row: 0, Col: 0}, p.Cell)
			case PrecRange:
				ranges++
			}
		}
		require.Equal(t, 1, cells)
		require.Equal(t, 1, ranges)
	})

	t.Run("RelativeFollowsOrigin", func(t *testing.T) {
		prog := compileAt(t, "=A1", CellAddress{SheetID: 1, Row: 0, Col: 1})
		shifted := prog.Precedents(CellAddress{SheetID: 1, Row: 5, Col: 1})
		require.Len(t, shifted, 1)
		require.Equal(t, CellAddress{SheetID: 1, Row: 5, Col: 0}, shifted[0].Cell)
	})

	t.Run("OffGridRelative", func(t *testing.T) {
		// compiled one column left of B1; at A1 that points off the grid
		prog := compileAt(t, "=A1", CellAddress{SheetID: 1, Row: 0, Col: 1})
		precs := prog.Precedents(CellAddress{SheetID: 1, Row: 0, Col: 0})
		require.Len(t, precs, 1)
		require.True(t, precs[0].OffGrid)
	})

	t.Run("ThreeDExpandsPerSheet", func(t *testing.T) {
		prog := compileAt(t, "=SUM(Sheet1:Sheet3!A1)", origin)
		precs := prog.Precedents(origin)
		require.Len(t, precs, 3)
		for i, p := range precs {
			require.Equal(t, PrecRange, p.Kind)
			require.Equal(t, uint32(i+1), p.Range.SheetID)
		}
	})

	t.Run("SpillReferenceDependsOnAnchor", func(t *testing.T) {
		prog := compileAt(t, "=SUM(A1#)", origin)
		precs := prog.Precedents(origin)
		require.Len(t, precs, 1)
		require.Equal(t, PrecCell, precs[0].Kind)
		require.Equal(t, CellAddress{SheetID: 1, Row: 0, Col: 0}, precs[0].Cell)
	})

	t.Run("Names", func(t *testing.T) {
		prog := compileAt(t, "=TaxRate*2", origin)
		precs := prog.Precedents(origin)
		require.Len(t, precs, 1)
		require.Equal(t, PrecName, precs[0].Kind)
		require.Equal(t, "TAXRATE", precs[0].Name)
		require.False(t, precs[0].NameHasSheet)
	})
}

func TestCompileUnknownSheet(t *testing.T) {
	// unknown sheet compiles; evaluation produces the reference error
	origin := CellAddress{SheetID: 1, Row: 0, Col: 0}
	prog := compileAt(t, "=Nowhere!B2", origin)
	require.NotEmpty(t, prog.Code)
}
