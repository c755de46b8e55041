package gridcalc

import (
	"sort"
	"strings"
)

// NameBindingKind distinguishes what a defined name points at
type NameBindingKind uint8

const (
	NameCell NameBindingKind = iota
	NameRange
	NameConstant
)

// NameBinding is the target of a defined name: a single cell, a range,
// or a constant value
type NameBinding struct {
	Kind     NameBindingKind
	Cell     CellAddress
	Range    RangeAddress
	Constant Primitive
}

// NameTable stores defined names. names are case-insensitive; a name is
// either global or scoped to one sheet, and a sheet-scoped binding
// shadows a global one of the same name.
type NameTable struct {
	bindings map[NameKey]NameBinding
}

// NewNameTable creates a new name table
func NewNameTable() *NameTable {
	return &NameTable{bindings: make(map[NameKey]NameBinding)}
}

// foldName normalizes a defined name for lookup. program name operands
// are already in this form.
func foldName(name string) string {
	return strings.ToUpper(name)
}

// globalKey builds the key for a workbook-level name
func globalKey(name string) NameKey {
	return NameKey{Global: true, Name: foldName(name)}
}

// scopedKey builds the key for a sheet-level name
func scopedKey(sheetID uint32, name string) NameKey {
	return NameKey{SheetID: sheetID, Name: foldName(name)}
}

// Define creates or replaces a binding
func (nt *NameTable) Define(key NameKey, binding NameBinding) {
	key.Name = foldName(key.Name)
	nt.bindings[key] = binding
}

// Delete removes a binding. returns false if it did not exist.
func (nt *NameTable) Delete(key NameKey) bool {
	key.Name = foldName(key.Name)
	if _, exists := nt.bindings[key]; !exists {
		return false
	}
	delete(nt.bindings, key)
	return true
}

// Lookup returns the binding for an exact key
func (nt *NameTable) Lookup(key NameKey) (NameBinding, bool) {
	key.Name = foldName(key.Name)
	binding, exists := nt.bindings[key]
	return binding, exists
}

// Resolve finds the binding visible from a sheet: the sheet-scoped
// binding if one exists, the global one otherwise. the returned key is
// the one that matched, which is what dependents register against.
func (nt *NameTable) Resolve(sheetID uint32, name string) (NameBinding, NameKey, bool) {
	key := scopedKey(sheetID, name)
	if binding, exists := nt.bindings[key]; exists {
		return binding, key, true
	}
	key = globalKey(name)
	if binding, exists := nt.bindings[key]; exists {
		return binding, key, true
	}
	return NameBinding{}, NameKey{}, false
}

// DropSheet removes every binding scoped to a sheet, returning the
// removed keys so dependents can be dirtied
func (nt *NameTable) DropSheet(sheetID uint32) []NameKey {
	var removed []NameKey
	for key := range nt.bindings {
		if !key.Global && key.SheetID == sheetID {
			removed = append(removed, key)
		}
	}
	for _, key := range removed {
		delete(nt.bindings, key)
	}
	return removed
}

// Keys returns all defined name keys sorted for deterministic iteration
func (nt *NameTable) Keys() []NameKey {
	keys := make([]NameKey, 0, len(nt.bindings))
	for key := range nt.bindings {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Global != b.Global {
			return a.Global
		}
		if a.SheetID != b.SheetID {
			return a.SheetID < b.SheetID
		}
		return a.Name < b.Name
	})
	return keys
}

// Count returns the number of defined names
func (nt *NameTable) Count() int {
	return len(nt.bindings)
}

// Clear removes all bindings
func (nt *NameTable) Clear() {
	nt.bindings = make(map[NameKey]NameBinding)
}
