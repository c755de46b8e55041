package gridcalc

import (
	"fmt"
	"strings"
)

// AppErrorCode represents gRPC-style error codes for application-level
// errors. cells never hold these; they travel the structural channel
// back to the host.
type AppErrorCode int

const (
	// OK indicates the operation completed successfully.
	OK AppErrorCode = 0

	// Unknown error. Errors raised by APIs that do not return enough
	// error information may be converted to this error.
	Unknown AppErrorCode = 2

	// InvalidArgument indicates client specified an invalid argument.
	InvalidArgument AppErrorCode = 3

	// NotFound means some requested entity (e.g., sheet or defined name)
	// was not found.
	NotFound AppErrorCode = 5

	// AlreadyExists means an attempt to create an entity failed because
	// one already exists.
	AlreadyExists AppErrorCode = 6

	// FailedPrecondition indicates operation was rejected because the
	// system is not in a state required for the operation's execution.
	FailedPrecondition AppErrorCode = 9

	// OutOfRange means operation was attempted past the valid range.
	OutOfRange AppErrorCode = 11

	// Internal errors. Means some invariants expected by underlying
	// system has been broken.
	Internal AppErrorCode = 13
)

// AppError represents errors at the application level (not in-cell
// formula errors)
type AppError struct {
	Code    AppErrorCode
	Message string
}

func (e *AppError) Error() string {
	return e.Message
}

// NewApplicationError creates a new application error
func NewApplicationError(code AppErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// CycleError reports one representative circular reference found during
// recalculation. every cell on every cycle still receives a circular
// error value; this is the structural-channel summary.
type CycleError struct {
	Cells []CellAddress
}

func (e *CycleError) Error() string {
	if len(e.Cells) == 0 {
		return "circular reference"
	}
	labels := make([]string, len(e.Cells))
	for i, addr := range e.Cells {
		labels[i] = FormatA1(addr.Row, addr.Col)
	}
	return fmt.Sprintf("circular reference through %s", strings.Join(labels, " -> "))
}

// Engine is the calculation core: it owns the value store, the
// dependency graph, the compiled-program cache, and the calculation
// settings, and combines them into a unified API. an Engine is a plain
// value with no process-wide state; it is not safe for concurrent use.
type Engine struct {
	store    *Store
	settings CalcSettings
	locale   LocaleConfig
	registry FunctionRegistry
	clock    Clock
	rand     RandomGenerator
	vm       VM

	spills     map[CellAddress]RangeAddress // anchor -> spilled region
	spillOwner map[CellAddress]CellAddress  // spilled cell -> its anchor
	blocked    map[CellAddress]RangeAddress // anchor -> region a blocked spill wanted
}

// NewEngine creates an engine with default settings, the default locale,
// and the builtin function registry
func NewEngine() *Engine {
	return &Engine{
		store:      NewStore(),
		settings:   DefaultCalcSettings(),
		locale:     DefaultLocale(),
		registry:   NewBuiltinRegistry(),
		clock:      &WallClock{},
		rand:       &DefaultRandomGenerator{},
		spills:     make(map[CellAddress]RangeAddress),
		spillOwner: make(map[CellAddress]CellAddress),
		blocked:    make(map[CellAddress]RangeAddress),
	}
}

// SetRegistry replaces the function registry. the registry is read-only
// to the engine; swapping it dirties every formula cell since results
// may change.
func (e *Engine) SetRegistry(registry FunctionRegistry) {
	e.registry = registry
	e.store.graph.MarkAllProgramsDirty()
}

// SetClock injects the time source used by NOW and TODAY
func (e *Engine) SetClock(clock Clock) {
	e.clock = clock
}

// SetRandom injects the random source used by RAND
func (e *Engine) SetRandom(rand RandomGenerator) {
	e.rand = rand
}

// sheet management

// AddSheet creates a new empty sheet
func (e *Engine) AddSheet(name string) error {
	if name == "" {
		return NewApplicationError(InvalidArgument, "sheet name must not be empty")
	}
	if _, _, ok := e.store.sheets.Add(name, e.store.strings); !ok {
		return NewApplicationError(AlreadyExists, fmt.Sprintf("sheet %q already exists", name))
	}
	return nil
}

// RemoveSheet deletes a sheet. formulas on other sheets that referenced
// it are dirtied and will produce reference errors on the next recalc.
func (e *Engine) RemoveSheet(name string) error {
	id, ok := e.store.sheets.Remove(name)
	if !ok {
		return NewApplicationError(NotFound, fmt.Sprintf("sheet %q not found", name))
	}

	e.store.graph.MarkSheetDependentsDirty(id)
	for _, addr := range e.store.graph.RemoveSheetCells(id) {
		e.store.programs.Release(addr)
	}
	for _, key := range e.store.names.DropSheet(id) {
		e.store.graph.PropagateNameDirty(key)
	}
	for anchor, region := range e.spills {
		if anchor.SheetID == id || region.SheetID == id {
			delete(e.spills, anchor)
		}
	}
	for cell, anchor := range e.spillOwner {
		if cell.SheetID == id || anchor.SheetID == id {
			delete(e.spillOwner, cell)
		}
	}
	for anchor, region := range e.blocked {
		if anchor.SheetID == id || region.SheetID == id {
			delete(e.blocked, anchor)
		}
	}

	e.afterMutation()
	return nil
}

// RenameSheet changes a sheet's name. compiled programs reference sheets
// by ID, so existing formulas keep working under the new name.
func (e *Engine) RenameSheet(oldName, newName string) error {
	if newName == "" {
		return NewApplicationError(InvalidArgument, "sheet name must not be empty")
	}
	if _, exists := e.store.sheets.ID(oldName); !exists {
		return NewApplicationError(NotFound, fmt.Sprintf("sheet %q not found", oldName))
	}
	if !e.store.sheets.Rename(oldName, newName) {
		return NewApplicationError(AlreadyExists, fmt.Sprintf("sheet %q already exists", newName))
	}
	return nil
}

// HasSheet reports whether a sheet exists
func (e *Engine) HasSheet(name string) bool {
	_, exists := e.store.sheets.ID(name)
	return exists
}

// SheetNames returns all sheet names in creation order
func (e *Engine) SheetNames() []string {
	ids := e.store.sheets.IDs()
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if name, ok := e.store.sheets.Name(id); ok {
			names = append(names, name)
		}
	}
	return names
}

// defined names

// DefineName binds a defined name. scopeSheet "" makes the name global;
// otherwise it is scoped to that sheet and shadows a global of the same
// name there.
func (e *Engine) DefineName(scopeSheet, name string, binding NameBinding) error {
	if name == "" {
		return NewApplicationError(InvalidArgument, "name must not be empty")
	}
	key, err := e.nameKey(scopeSheet, name)
	if err != nil {
		return err
	}
	e.store.names.Define(key, binding)
	e.store.graph.PropagateNameDirty(key)
	e.refreshNameObservers(key)
	e.afterMutation()
	return nil
}

// DeleteName removes a defined name. formulas that read it are dirtied
// and will produce name errors.
func (e *Engine) DeleteName(scopeSheet, name string) error {
	key, err := e.nameKey(scopeSheet, name)
	if err != nil {
		return err
	}
	if !e.store.names.Delete(key) {
		return NewApplicationError(NotFound, fmt.Sprintf("name %q not found", name))
	}
	e.store.graph.PropagateNameDirty(key)
	e.refreshNameObservers(key)
	e.afterMutation()
	return nil
}

// DefinedNames returns all defined name keys, sorted
func (e *Engine) DefinedNames() []NameKey {
	return e.store.names.Keys()
}

func (e *Engine) nameKey(scopeSheet, name string) (NameKey, error) {
	if scopeSheet == "" {
		return NameKey{Global: true, Name: foldName(name)}, nil
	}
	id, ok := e.store.sheets.ID(scopeSheet)
	if !ok {
		return NameKey{}, NewApplicationError(NotFound, fmt.Sprintf("sheet %q not found", scopeSheet))
	}
	return NameKey{SheetID: id, Name: foldName(name)}, nil
}

// cell mutation

// SetValue stores a literal value in a cell, displacing any formula.
// the value is stored as-is; a string starting with '=' is still text,
// formulas enter through SetFormula.
func (e *Engine) SetValue(sheetName, a1 string, value Primitive) error {
	sheet, addr, err := e.resolveCell(sheetName, a1)
	if err != nil {
		return err
	}

	e.store.programs.Release(addr)
	e.store.graph.RemoveCell(addr)
	e.clearSpill(addr)
	e.dirtySpillOwnerOf(addr)
	sheet.SetValue(addr.Row, addr.Col, value)
	e.store.graph.PropagateDirty(addr)
	e.retryBlockedSpills(addr)

	e.afterMutation()
	return nil
}

// SetFormula parses, compiles, and installs a formula. a parse failure
// stores a name error in the cell with no precedents and returns the
// *ParseError for diagnostics.
func (e *Engine) SetFormula(sheetName, a1, formula string) error {
	sheet, addr, err := e.resolveCell(sheetName, a1)
	if err != nil {
		return err
	}

	ast, parseErr := ParseFormula(formula, e.locale)
	if parseErr != nil {
		e.store.programs.Release(addr)
		e.store.graph.RemoveCell(addr)
		e.clearSpill(addr)
		e.dirtySpillOwnerOf(addr)
		sheet.SetValue(addr.Row, addr.Col, NewCellError(ErrName, parseErr.Error()))
		e.store.graph.PropagateDirty(addr)
		e.afterMutation()
		return parseErr
	}

	ctx := e.compileContext(addr)
	key := NormalizedKey(ast, ctx)
	id, prog, compileErr := e.store.programs.Intern(key, addr, func() (*Program, error) {
		return Compile(ast, ctx)
	})
	if compileErr != nil {
		return NewApplicationError(Internal, compileErr.Error())
	}

	e.clearSpill(addr)
	e.dirtySpillOwnerOf(addr)
	sheet.SetProgram(addr.Row, addr.Col, id)

	precedents := prog.Precedents(addr)
	e.store.graph.SetPrecedents(addr, e.expandPrecedents(precedents, addr), nameKeysFor(precedents, addr), prog.Volatile)
	e.store.graph.MarkDirty(addr)
	e.store.graph.PropagateDirty(addr)
	e.retryBlockedSpills(addr)

	e.afterMutation()
	return nil
}

// expandPrecedents appends the cell or range a defined name currently
// binds to, so mutations of the bound target dirty the reading formula.
// name redefinitions re-run this through refreshNameObservers.
func (e *Engine) expandPrecedents(precedents []Precedent, origin CellAddress) []Precedent {
	out := precedents
	for _, prec := range precedents {
		if prec.Kind != PrecName {
			continue
		}
		var binding NameBinding
		var ok bool
		if prec.NameHasSheet {
			binding, ok = e.store.names.Lookup(NameKey{SheetID: prec.NameSheet, Name: prec.Name})
		} else {
			binding, _, ok = e.store.names.Resolve(origin.SheetID, prec.Name)
		}
		if !ok {
			continue
		}
		switch binding.Kind {
		case NameCell:
			out = append(out, Precedent{Kind: PrecCell, Cell: binding.Cell})
		case NameRange:
			out = append(out, Precedent{Kind: PrecRange, Range: binding.Range})
		}
	}
	return out
}

// refreshNameObservers re-registers the precedents of every formula
// reading a defined name, picking up the binding's new target
func (e *Engine) refreshNameObservers(key NameKey) {
	for _, addr := range e.store.graph.NameObservers(key) {
		id, ok := e.store.programs.ProgramAt(addr)
		if !ok {
			continue
		}
		prog, ok := e.store.programs.Get(id)
		if !ok {
			continue
		}
		precedents := prog.Precedents(addr)
		e.store.graph.SetPrecedents(addr, e.expandPrecedents(precedents, addr), nameKeysFor(precedents, addr), prog.Volatile)
	}
}

// nameKeysFor maps name precedents onto graph observer keys. an
// unqualified name registers both its sheet-scoped and global keys, so
// defining either later dirties the cell.
func nameKeysFor(precedents []Precedent, origin CellAddress) []NameKey {
	var keys []NameKey
	for _, prec := range precedents {
		if prec.Kind != PrecName {
			continue
		}
		if prec.NameHasSheet {
			keys = append(keys, NameKey{SheetID: prec.NameSheet, Name: prec.Name})
			continue
		}
		keys = append(keys,
			NameKey{SheetID: origin.SheetID, Name: prec.Name},
			NameKey{Global: true, Name: prec.Name},
		)
	}
	return keys
}

// Clear removes a cell's content entirely
func (e *Engine) Clear(sheetName, a1 string) error {
	sheet, addr, err := e.resolveCell(sheetName, a1)
	if err != nil {
		return err
	}

	e.store.programs.Release(addr)
	e.store.graph.RemoveCell(addr)
	e.clearSpill(addr)
	e.dirtySpillOwnerOf(addr)
	sheet.Clear(addr.Row, addr.Col)
	e.store.graph.PropagateDirty(addr)
	e.retryBlockedSpills(addr)

	e.afterMutation()
	return nil
}

// reads

// GetValue returns a cell's current value: the calculated result for
// formula cells, the literal for value cells, nil for blank cells.
func (e *Engine) GetValue(sheetName, a1 string) (Primitive, error) {
	sheet, addr, err := e.resolveCell(sheetName, a1)
	if err != nil {
		return nil, err
	}
	return sheet.Value(addr.Row, addr.Col), nil
}

// GetRangeValues returns the values of a range as a row-major 2-D
// slice. open-ended ranges are clamped to the sheet's used extent.
func (e *Engine) GetRangeValues(sheetName, rangeA1 string) ([][]Primitive, error) {
	prefix, r, err := ParseRangeA1(rangeA1)
	if err != nil {
		return nil, err
	}
	if prefix != "" {
		sheetName = prefix
	}
	sheet, ok := e.store.sheets.SheetByName(sheetName)
	if !ok {
		return nil, NewApplicationError(NotFound, fmt.Sprintf("sheet %q not found", sheetName))
	}

	r.SheetID = sheet.ID()
	r = clampToExtent(r, sheet)
	rows := make([][]Primitive, 0, r.EndRow-r.StartRow+1)
	for row := r.StartRow; row <= r.EndRow; row++ {
		line := make([]Primitive, 0, r.EndCol-r.StartCol+1)
		for col := r.StartCol; col <= r.EndCol; col++ {
			line = append(line, sheet.Value(row, col))
		}
		rows = append(rows, line)
	}
	return rows, nil
}

// HasDirtyCells reports whether any formula awaits recalculation
func (e *Engine) HasDirtyCells() bool {
	return e.store.graph.HasDirty()
}

// settings

// CalcSettings returns the current calculation settings
func (e *Engine) CalcSettings() CalcSettings {
	return e.settings
}

// SetCalcSettings replaces the calculation settings. changes that could
// affect results (date system, iterative calculation) dirty every
// formula cell.
func (e *Engine) SetCalcSettings(settings CalcSettings) {
	if e.settings.affectsCoercion(settings) {
		e.store.graph.MarkAllProgramsDirty()
	}
	e.settings = settings
	e.afterMutation()
}

// ValueLocale returns the locale applied to text-numeral coercion
func (e *Engine) ValueLocale() LocaleConfig {
	return e.locale
}

// SetValueLocale replaces the locale. a different locale changes how
// text coerces to numbers, so every formula cell is dirtied.
func (e *Engine) SetValueLocale(locale LocaleConfig) {
	if !e.locale.Equal(locale) {
		e.store.graph.MarkAllProgramsDirty()
	}
	e.locale = locale
	e.afterMutation()
}

// recalculation

// Recalculate evaluates all dirty and volatile formulas in dependency
// order. returns a *CycleError describing one representative cycle if
// any exists and iterative calculation is off; cycle cells still get
// circular error values.
func (e *Engine) Recalculate() error {
	return e.recalculate(nil)
}

// RecalculateWithCancel is Recalculate with a cooperative cancellation
// check polled between cells. on cancellation already-computed cells
// keep their new values and the remainder stays dirty, so a later call
// resumes where this one stopped.
func (e *Engine) RecalculateWithCancel(cancelled func() bool) error {
	return e.recalculate(cancelled)
}

// RecalculateSingleThreaded is Recalculate. the engine's execution model
// is single-threaded cooperative; the name exists so hosts that
// distinguish the two modes can call either.
func (e *Engine) RecalculateSingleThreaded() error {
	return e.recalculate(nil)
}

func (e *Engine) afterMutation() {
	if e.settings.CalculationMode == CalcAutomatic {
		// cycle errors surface in cells; automatic mode swallows the
		// structural summary
		_ = e.recalculate(nil)
	}
}

func (e *Engine) recalculate(cancelled func() bool) error {
	var cycleErr *CycleError

	// spill writes can dirty cells outside the current order; keep
	// taking passes until the dirty set drains. the cap guards against
	// spill regions that never stabilize.
	const maxPasses = 100
	for pass := 0; pass < maxPasses; pass++ {
		groups := e.store.graph.CalcOrder()
		if len(groups) == 0 {
			break
		}
		progress := false

		for _, group := range groups {
			if cancelled != nil && cancelled() {
				return cycleErrOrNil(cycleErr)
			}

			if group.Cyclic {
				progress = true
				if !e.settings.Iterative.Enabled {
					if cycleErr == nil {
						cycleErr = &CycleError{Cells: append([]CellAddress(nil), group.Cells...)}
					}
					for _, addr := range group.Cells {
						e.writeResult(addr, NewCellError(ErrCircular, "circular reference"))
						e.store.graph.ClearDirty(addr)
					}
					continue
				}
				if !e.iterateCycle(group.Cells, cancelled) {
					return cycleErrOrNil(cycleErr)
				}
				continue
			}

			addr := group.Cells[0]
			e.evalAndStore(addr)
			progress = true
			e.store.graph.ClearDirty(addr)
		}

		if !e.store.graph.HasDirty() || !progress {
			break
		}
	}
	return cycleErrOrNil(cycleErr)
}

// cycleErrOrNil avoids returning a typed nil as error
func cycleErrOrNil(err *CycleError) error {
	if err == nil {
		return nil
	}
	return err
}

// iterateCycle runs Gauss-Seidel style iteration over a cycle group:
// re-evaluate every cell in order until no value moves more than the
// configured tolerance or the iteration cap is hit. returns false on
// cancellation.
func (e *Engine) iterateCycle(cells []CellAddress, cancelled func() bool) bool {
	maxIter := e.settings.Iterative.MaxIterations
	if maxIter == 0 {
		maxIter = 1
	}

	for iter := uint32(0); iter < maxIter; iter++ {
		maxDelta := 0.0
		for _, addr := range cells {
			if cancelled != nil && cancelled() {
				return false
			}
			before := e.currentValue(addr)
			e.evalAndStore(addr)
			after := e.currentValue(addr)
			maxDelta = maxFloat(maxDelta, valueDelta(before, after))
		}
		if maxDelta < e.settings.Iterative.MaxChange {
			break
		}
	}

	for _, addr := range cells {
		e.store.graph.ClearDirty(addr)
	}
	return true
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// valueDelta measures how far a cell's value moved between iterations.
// non-numeric changes count as an unbounded move so iteration continues.
func valueDelta(before, after Primitive) float64 {
	a, aok := numericOnly(before)
	b, bok := numericOnly(after)
	if aok && bok {
		if a > b {
			return a - b
		}
		return b - a
	}
	if primitivesEqual(before, after) {
		return 0
	}
	return 1e308
}

func (e *Engine) currentValue(addr CellAddress) Primitive {
	sheet, ok := e.store.sheets.Sheet(addr.SheetID)
	if !ok {
		return nil
	}
	return sheet.Value(addr.Row, addr.Col)
}

// evalAndStore executes one cell's program and writes the result
func (e *Engine) evalAndStore(addr CellAddress) {
	sheet, ok := e.store.sheets.Sheet(addr.SheetID)
	if !ok {
		e.store.graph.RemoveCell(addr)
		return
	}
	progID := sheet.ProgramID(addr.Row, addr.Col)
	if progID == 0 {
		return
	}
	prog, ok := e.store.programs.Get(progID)
	if !ok {
		return
	}

	result := e.vm.Exec(prog, e.evalContext(addr))
	e.writeResult(addr, result)
}

// writeResult stores a calculated value, handling spill placement for
// array and range results
func (e *Engine) writeResult(addr CellAddress, result Primitive) {
	sheet, ok := e.store.sheets.Sheet(addr.SheetID)
	if !ok {
		return
	}

	e.clearSpill(addr)
	delete(e.blocked, addr)

	switch v := result.(type) {
	case *Array:
		e.spillArray(sheet, addr, v)
	case *RangeValue:
		bounds := v.Bounds()
		if bounds.StartRow == bounds.EndRow && bounds.StartCol == bounds.EndCol {
			sheet.SetResult(addr.Row, addr.Col, e.resolver().Cell(CellAddress{
				SheetID: bounds.SheetID, Row: bounds.StartRow, Col: bounds.StartCol,
			}))
			return
		}
		e.spillArray(sheet, addr, v.Materialize())
	case Range:
		// 3-D range views have no single rectangle to spill into
		sheet.SetResult(addr.Row, addr.Col, NewCellError(ErrValue, "range result cannot spill"))
	case nil:
		// a formula referencing a blank cell displays zero
		sheet.SetResult(addr.Row, addr.Col, 0.0)
	default:
		sheet.SetResult(addr.Row, addr.Col, result)
	}
}

// spillArray writes an array result into the rectangle anchored at the
// cell. any occupied cell in the region blocks the whole spill: the
// anchor gets a spill error and nothing is written.
func (e *Engine) spillArray(sheet *Sheet, anchor CellAddress, arr *Array) {
	if arr.Rows == 0 || arr.Cols == 0 {
		sheet.SetResult(anchor.Row, anchor.Col, NewCellError(ErrCalc, "empty array"))
		return
	}
	if arr.Rows == 1 && arr.Cols == 1 {
		e.writeResult(anchor, arr.At(0, 0))
		return
	}

	endRow := anchor.Row + uint32(arr.Rows) - 1
	endCol := anchor.Col + uint32(arr.Cols) - 1
	if endRow > MaxRow || endCol > MaxCol {
		sheet.SetResult(anchor.Row, anchor.Col, NewCellError(ErrSpill, "spill exceeds the grid"))
		return
	}

	region := RangeAddress{
		SheetID:  anchor.SheetID,
		StartRow: anchor.Row, StartCol: anchor.Col,
		EndRow: endRow, EndCol: endCol,
	}
	for row := region.StartRow; row <= region.EndRow; row++ {
		for col := region.StartCol; col <= region.EndCol; col++ {
			if row == anchor.Row && col == anchor.Col {
				continue
			}
			if sheet.HasCell(row, col) {
				sheet.SetResult(anchor.Row, anchor.Col, NewCellError(ErrSpill, "spill range is blocked"))
				e.blocked[anchor] = region
				return
			}
		}
	}

	sheet.SetResult(anchor.Row, anchor.Col, arr.At(0, 0))
	for row := region.StartRow; row <= region.EndRow; row++ {
		for col := region.StartCol; col <= region.EndCol; col++ {
			if row == anchor.Row && col == anchor.Col {
				continue
			}
			cell := CellAddress{SheetID: anchor.SheetID, Row: row, Col: col}
			sheet.SetValue(row, col, arr.At(int(row-anchor.Row), int(col-anchor.Col)))
			e.spillOwner[cell] = anchor
			e.store.graph.PropagateDirty(cell)
		}
	}
	e.spills[anchor] = region
}

// clearSpill removes the spill region previously anchored at a cell,
// dirtying anything that read the spilled cells
func (e *Engine) clearSpill(anchor CellAddress) {
	region, ok := e.spills[anchor]
	if !ok {
		return
	}
	delete(e.spills, anchor)

	sheet, ok := e.store.sheets.Sheet(region.SheetID)
	for row := region.StartRow; row <= region.EndRow; row++ {
		for col := region.StartCol; col <= region.EndCol; col++ {
			if row == anchor.Row && col == anchor.Col {
				continue
			}
			cell := CellAddress{SheetID: region.SheetID, Row: row, Col: col}
			if owner, owned := e.spillOwner[cell]; !owned || owner != anchor {
				// the cell was overwritten by the user and is no longer
				// ours to retract
				continue
			}
			delete(e.spillOwner, cell)
			if ok {
				sheet.Clear(row, col)
			}
			e.store.graph.PropagateDirty(cell)
		}
	}
}

// dirtySpillOwnerOf re-dirties a spill anchor when a cell inside its
// region is written over, so the anchor re-evaluates and reports the
// blockage
func (e *Engine) dirtySpillOwnerOf(addr CellAddress) {
	anchor, ok := e.spillOwner[addr]
	if !ok || anchor == addr {
		return
	}
	delete(e.spillOwner, addr)
	e.store.graph.MarkDirty(anchor)
	e.store.graph.PropagateDirty(anchor)
}

// retryBlockedSpills re-dirties any anchor whose blocked spill region
// covers the mutated cell, so clearing a blocker lets the spill land
func (e *Engine) retryBlockedSpills(addr CellAddress) {
	for anchor, region := range e.blocked {
		if anchor != addr && region.Contains(addr) {
			e.store.graph.MarkDirty(anchor)
			e.store.graph.PropagateDirty(anchor)
		}
	}
}

// plumbing

func (e *Engine) resolveCell(sheetName, a1 string) (*Sheet, CellAddress, error) {
	ref, err := ParseA1(a1)
	if err != nil {
		return nil, CellAddress{}, err
	}
	if ref.Sheet != "" {
		sheetName = ref.Sheet
	}
	sheet, ok := e.store.sheets.SheetByName(sheetName)
	if !ok {
		return nil, CellAddress{}, NewApplicationError(NotFound, fmt.Sprintf("sheet %q not found", sheetName))
	}
	return sheet, CellAddress{SheetID: sheet.ID(), Row: ref.Row, Col: ref.Col}, nil
}

func (e *Engine) compileContext(origin CellAddress) *CompileContext {
	return &CompileContext{
		Origin: origin,
		ResolveSheet: func(name string) (uint32, bool) {
			return e.store.sheets.ID(name)
		},
		IsVolatile: func(name string) bool {
			fn, ok := e.registry.Lookup(name)
			return ok && fn.Volatile
		},
	}
}

func (e *Engine) evalContext(origin CellAddress) *EvalContext {
	return &EvalContext{
		Origin:     origin,
		Resolver:   e.resolver(),
		Funcs:      e.registry,
		Locale:     e.locale,
		DateSystem: e.settings.DateSystem,
		Clock:      e.clock,
		Rand:       e.rand,
	}
}

func (e *Engine) resolver() ValueResolver {
	return storeResolver{e: e}
}

// clampToExtent shrinks open-ended range bounds to the sheet's used
// extent so whole-column references iterate only real rows
func clampToExtent(r RangeAddress, sheet *Sheet) RangeAddress {
	maxRow, maxCol, ok := sheet.UsedExtent()
	if !ok {
		maxRow, maxCol = 0, 0
	}
	if r.EndRow == MaxRow && maxRow < r.EndRow {
		r.EndRow = maxFrom(r.StartRow, maxRow)
	}
	if r.EndCol == MaxCol && maxCol < r.EndCol {
		r.EndCol = maxFrom(r.StartCol, maxCol)
	}
	return r
}

func maxFrom(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

// storeResolver adapts the engine's store to the VM's ValueResolver
type storeResolver struct {
	e *Engine
}

func (r storeResolver) Cell(addr CellAddress) Primitive {
	sheet, ok := r.e.store.sheets.Sheet(addr.SheetID)
	if !ok {
		return NewCellError(ErrRef, "unknown sheet")
	}
	return sheet.Value(addr.Row, addr.Col)
}

func (r storeResolver) Range(rng RangeAddress) Range {
	if sheet, ok := r.e.store.sheets.Sheet(rng.SheetID); ok {
		rng = clampToExtent(rng, sheet)
	} else if rng.EndRow == MaxRow || rng.EndCol == MaxCol {
		rng.EndRow, rng.EndCol = rng.StartRow, rng.StartCol
	}
	return NewRangeValue(rng, r)
}

func (r storeResolver) Name(key NameKey) (Primitive, bool) {
	binding, ok := r.e.store.names.Lookup(key)
	if !ok {
		return nil, false
	}
	switch binding.Kind {
	case NameCell:
		return r.Cell(binding.Cell), true
	case NameRange:
		return r.Range(binding.Range), true
	default:
		return binding.Constant, true
	}
}

func (r storeResolver) SpillBounds(anchor CellAddress) (RangeAddress, bool) {
	region, ok := r.e.spills[anchor]
	return region, ok
}
