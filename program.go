package gridcalc

import "sync"

// Opcode identifies a VM instruction
type Opcode uint8

const (
	OpPushConst Opcode = iota
	OpLoadCell
	OpLoadRange
	OpLoadName
	OpBinOp
	OpUnOp
	OpCall
	OpJmp
	OpJmpIfFalse
	OpMakeArray
	OpField
	OpRet
)

func (op Opcode) String() string {
	switch op {
	case OpPushConst:
		return "PUSH_CONST"
	case OpLoadCell:
		return "LOAD_CELL"
	case OpLoadRange:
		return "LOAD_RANGE"
	case OpLoadName:
		return "LOAD_NAME"
	case OpBinOp:
		return "BIN_OP"
	case OpUnOp:
		return "UN_OP"
	case OpCall:
		return "CALL"
	case OpJmp:
		return "JMP"
	case OpJmpIfFalse:
		return "JMP_IF_FALSE"
	case OpMakeArray:
		return "MAKE_ARRAY"
	case OpField:
		return "FIELD"
	case OpRet:
		return "RET"
	}
	return "UNKNOWN"
}

// Instruction is one VM instruction. A and B are operand slots whose
// meaning depends on the opcode: an index into a side table, a jump
// target, an operator code, or an argument count.
type Instruction struct {
	Op Opcode
	A  int32
	B  int32
}

// CoordOperand is one corner of a reference. an absolute axis stores the
// coordinate itself; a relative axis stores a signed offset from the
// evaluating cell. this is what lets one compiled program serve every
// cell holding the same formula shape.
type CoordOperand struct {
	AbsRow bool
	AbsCol bool
	Row    int32
	Col    int32
}

// resolve maps the operand to a concrete (row, col) for the given origin.
// false means the reference walked off the grid.
func (c CoordOperand) resolve(origin CellAddress) (row, col uint32, ok bool) {
	r := int64(c.Row)
	if !c.AbsRow {
		r += int64(origin.Row)
	}
	cl := int64(c.Col)
	if !c.AbsCol {
		cl += int64(origin.Col)
	}
	if r < 0 || r > int64(MaxRow) || cl < 0 || cl > int64(MaxCol) {
		return 0, 0, false
	}
	return uint32(r), uint32(cl), true
}

// CellOperand is a single-cell reference operand
type CellOperand struct {
	HasSheet bool
	SheetID  uint32
	Coord    CoordOperand
}

// Resolve maps the operand to a concrete address for the given origin
func (c CellOperand) Resolve(origin CellAddress) (CellAddress, bool) {
	sheet := origin.SheetID
	if c.HasSheet {
		sheet = c.SheetID
	}
	row, col, ok := c.Coord.resolve(origin)
	if !ok {
		return CellAddress{}, false
	}
	return CellAddress{SheetID: sheet, Row: row, Col: col}, true
}

// RangeOperand is a rectangular reference operand. SheetEndID differs
// from SheetID only for 3-D references. SpillAnchor marks the '#'
// operator: the operand addresses whatever region is spilled from the
// anchor cell at evaluation time.
type RangeOperand struct {
	HasSheet    bool
	SheetID     uint32
	SheetEndID  uint32
	Start       CoordOperand
	End         CoordOperand
	SpillAnchor bool
}

// Resolve maps the operand to a concrete range for the given origin
func (r RangeOperand) Resolve(origin CellAddress) (RangeAddress, bool) {
	sheet := origin.SheetID
	if r.HasSheet {
		sheet = r.SheetID
	}
	sr, sc, ok := r.Start.resolve(origin)
	if !ok {
		return RangeAddress{}, false
	}
	er, ec, ok := r.End.resolve(origin)
	if !ok {
		return RangeAddress{}, false
	}
	return RangeAddress{
		SheetID:  sheet,
		StartRow: sr, StartCol: sc,
		EndRow: er, EndCol: ec,
	}.normalized(), true
}

// SheetSpan returns the inclusive sheet id interval covered by the
// operand for 3-D references
func (r RangeOperand) SheetSpan(origin CellAddress) (first, last uint32) {
	first = origin.SheetID
	if r.HasSheet {
		first = r.SheetID
	}
	last = first
	if r.SheetEndID != 0 && r.SheetEndID != first {
		last = r.SheetEndID
		if last < first {
			first, last = last, first
		}
	}
	return first, last
}

// NameOperand is a defined-name reference operand
type NameOperand struct {
	HasSheet bool
	SheetID  uint32
	Name     string
}

// ProgramKey is the position-normalized serialization of a compiled
// formula. two formulas entered at different cells share a key, and
// therefore a program, exactly when their instruction streams would be
// identical. we use a string key because maps are not comparable.
type ProgramKey string

// Program is a compiled formula: an instruction stream plus operand side
// tables. programs are immutable once built and shared across cells.
type Program struct {
	Code   []Instruction
	Consts []Primitive
	Cells  []CellOperand
	Ranges []RangeOperand
	Names  []NameOperand
	Funcs  []string

	// Volatile is set when the program references a volatile function
	// anywhere, directly or in a dead branch
	Volatile bool

	Key    ProgramKey
	Source string
}

// ProgramTable stores compiled programs centrally, deduplicated by
// normalized key, and tracks which cells use each program. all methods
// are safe for concurrent use; Intern guarantees a key compiles at most
// once.
type ProgramTable struct {
	mu sync.Mutex

	index     map[ProgramKey]uint32
	programs  map[uint32]*Program
	refCounts map[uint32]int

	cellsUsingProgram map[uint32]map[CellAddress]struct{}
	programAtCell     map[CellAddress]uint32

	nextID uint32
}

// NewProgramTable creates an empty program table
func NewProgramTable() *ProgramTable {
	return &ProgramTable{
		index:             make(map[ProgramKey]uint32),
		programs:          make(map[uint32]*Program),
		refCounts:         make(map[uint32]int),
		cellsUsingProgram: make(map[uint32]map[CellAddress]struct{}),
		programAtCell:     make(map[CellAddress]uint32),
		nextID:            1, // reserve 0 for no program
	}
}

// Intern registers the program for a cell, compiling through build only
// when the key is new. concurrent callers with the same key observe a
// single shared program.
func (pt *ProgramTable) Intern(key ProgramKey, cell CellAddress, build func() (*Program, error)) (uint32, *Program, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if id, exists := pt.index[key]; exists {
		// a cell re-entering an unchanged formula already holds its reference
		if pt.programAtCell[cell] != id {
			pt.refCounts[id]++
		}
		pt.trackCellLocked(id, cell)
		return id, pt.programs[id], nil
	}

	program, err := build()
	if err != nil {
		return 0, nil, err
	}
	program.Key = key

	id := pt.nextID
	pt.nextID++
	pt.index[key] = id
	pt.programs[id] = program
	pt.refCounts[id] = 1
	pt.trackCellLocked(id, cell)
	return id, program, nil
}

// trackCellLocked records the cell -> program mapping, displacing any
// previous program at that cell. caller holds mu.
func (pt *ProgramTable) trackCellLocked(id uint32, cell CellAddress) {
	if oldID, exists := pt.programAtCell[cell]; exists && oldID != id {
		pt.dropCellLocked(oldID, cell)
		pt.releaseLocked(oldID)
	}
	if pt.cellsUsingProgram[id] == nil {
		pt.cellsUsingProgram[id] = make(map[CellAddress]struct{})
	}
	pt.cellsUsingProgram[id][cell] = struct{}{}
	pt.programAtCell[cell] = id
}

// Release drops the program reference held by a cell. returns true when
// the program was removed because no cells use it anymore.
func (pt *ProgramTable) Release(cell CellAddress) bool {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	id, exists := pt.programAtCell[cell]
	if !exists {
		return false
	}
	delete(pt.programAtCell, cell)
	pt.dropCellLocked(id, cell)
	return pt.releaseLocked(id)
}

// dropCellLocked removes a cell from a program's usage set. caller
// holds mu.
func (pt *ProgramTable) dropCellLocked(id uint32, cell CellAddress) {
	if cells, ok := pt.cellsUsingProgram[id]; ok {
		delete(cells, cell)
		if len(cells) == 0 {
			delete(pt.cellsUsingProgram, id)
		}
	}
}

// releaseLocked decrements a refcount, removing the program at zero.
// caller holds mu.
func (pt *ProgramTable) releaseLocked(id uint32) bool {
	pt.refCounts[id]--
	if pt.refCounts[id] > 0 {
		return false
	}
	if program, ok := pt.programs[id]; ok {
		delete(pt.index, program.Key)
	}
	delete(pt.programs, id)
	delete(pt.refCounts, id)
	delete(pt.cellsUsingProgram, id)
	return true
}

// Get retrieves a program by id
func (pt *ProgramTable) Get(id uint32) (*Program, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	program, exists := pt.programs[id]
	return program, exists
}

// ProgramAt returns the program id at a specific cell
func (pt *ProgramTable) ProgramAt(cell CellAddress) (uint32, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	id, exists := pt.programAtCell[cell]
	return id, exists
}

// CellsUsing returns all cells sharing a program
func (pt *ProgramTable) CellsUsing(id uint32) []CellAddress {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	cells := pt.cellsUsingProgram[id]
	result := make([]CellAddress, 0, len(cells))
	for cell := range cells {
		result = append(result, cell)
	}
	return result
}

// ProgramCells returns every cell currently holding a program
func (pt *ProgramTable) ProgramCells() []CellAddress {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	result := make([]CellAddress, 0, len(pt.programAtCell))
	for cell := range pt.programAtCell {
		result = append(result, cell)
	}
	return result
}

// Count returns the number of unique programs
func (pt *ProgramTable) Count() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.index)
}

// TotalReferences returns the total number of cell references across all
// programs
func (pt *ProgramTable) TotalReferences() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	total := 0
	for _, count := range pt.refCounts {
		total += count
	}
	return total
}

// Clear removes all programs from the table
func (pt *ProgramTable) Clear() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.index = make(map[ProgramKey]uint32)
	pt.programs = make(map[uint32]*Program)
	pt.refCounts = make(map[uint32]int)
	pt.cellsUsingProgram = make(map[uint32]map[CellAddress]struct{})
	pt.programAtCell = make(map[CellAddress]uint32)
	pt.nextID = 1
}
