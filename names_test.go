package gridcalc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNameTableDefineLookup(t *testing.T) {
	nt := NewNameTable()

	nt.Define(globalKey("TaxRate"), NameBinding{Kind: NameConstant, Constant: 0.2})

	binding, ok := nt.Lookup(NameKey{Global: true, Name: "taxrate"})
	require.True(t, ok, "names are case-insensitive")
	require.Equal(t, NameConstant, binding.Kind)
	require.Equal(t, 0.2, binding.Constant)

	_, ok = nt.Lookup(globalKey("Missing"))
	require.False(t, ok)

	// redefining replaces the binding
	target := CellAddress{SheetID: 1, Row: 4, Col: 1}
	nt.Define(globalKey("TAXRATE"), NameBinding{Kind: NameCell, Cell: target})
	binding, ok = nt.Lookup(globalKey("TaxRate"))
	require.True(t, ok)
	require.Equal(t, NameCell, binding.Kind)
	require.Equal(t, target, binding.Cell)
	require.Equal(t, 1, nt.Count())
}

func TestNameTableScopeShadowing(t *testing.T) {
	nt := NewNameTable()
	nt.Define(globalKey("Rate"), NameBinding{Kind: NameConstant, Constant: 1.0})
	nt.Define(scopedKey(2, "Rate"), NameBinding{Kind: NameConstant, Constant: 2.0})

	// sheet 2 sees its scoped binding, sheet 1 falls through to global
	binding, key, ok := nt.Resolve(2, "rate")
	require.True(t, ok)
	require.Equal(t, 2.0, binding.Constant)
	require.False(t, key.Global)
	require.Equal(t, uint32(2), key.SheetID)

	binding, key, ok = nt.Resolve(1, "Rate")
	require.True(t, ok)
	require.Equal(t, 1.0, binding.Constant)
	require.True(t, key.Global)

	_, _, ok = nt.Resolve(1, "Other")
	require.False(t, ok)
}

func TestNameTableDelete(t *testing.T) {
	nt := NewNameTable()
	nt.Define(globalKey("Gone"), NameBinding{Kind: NameConstant, Constant: 9.0})

	require.True(t, nt.Delete(NameKey{Global: true, Name: "gone"}))
	require.False(t, nt.Delete(globalKey("Gone")))
	require.Equal(t, 0, nt.Count())
}

func TestNameTableDropSheet(t *testing.T) {
	nt := NewNameTable()
	nt.Define(globalKey("Keep"), NameBinding{Kind: NameConstant, Constant: 1.0})
	nt.Define(scopedKey(2, "A"), NameBinding{Kind: NameConstant, Constant: 2.0})
	nt.Define(scopedKey(2, "B"), NameBinding{Kind: NameConstant, Constant: 3.0})
	nt.Define(scopedKey(3, "C"), NameBinding{Kind: NameConstant, Constant: 4.0})

	removed := nt.DropSheet(2)
	require.Len(t, removed, 2)
	for _, key := range removed {
		require.Equal(t, uint32(2), key.SheetID)
	}
	require.Equal(t, 2, nt.Count())
	_, ok := nt.Lookup(globalKey("Keep"))
	require.True(t, ok)
	_, ok = nt.Lookup(scopedKey(3, "C"))
	require.True(t, ok)
}

func TestNameTableKeysOrder(t *testing.T) {
	nt := NewNameTable()
	nt.Define(scopedKey(2, "Z"), NameBinding{})
	nt.Define(scopedKey(1, "M"), NameBinding{})
	nt.Define(globalKey("B"), NameBinding{})
	nt.Define(globalKey("A"), NameBinding{})

	keys := nt.Keys()
	require.Equal(t, []NameKey{
		{Global: true, Name: "A"},
		{Global: true, Name: "B"},
		{SheetID: 1, Name: "M"},
		{SheetID: 2, Name: "Z"},
	}, keys)
}
