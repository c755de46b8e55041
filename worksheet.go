package gridcalc

import "iter"

// SheetTable maps sheet names to IDs and owns the sheet storage. lookups
// are case-insensitive, names keep their original casing for display.
type SheetTable struct {
	nameToID map[string]uint32 // folded name -> ID
	idToName map[uint32]string // ID -> display name
	sheets   map[uint32]*Sheet
	nextID   uint32
}

// NewSheetTable creates a new sheet table
func NewSheetTable() *SheetTable {
	return &SheetTable{
		nameToID: make(map[string]uint32),
		idToName: make(map[uint32]string),
		sheets:   make(map[uint32]*Sheet),
		nextID:   1, // start at 1, reserve 0 for no sheet
	}
}

func foldSheetName(name string) string {
	return upperCaser.String(name)
}

// Add creates a new sheet. returns false if a sheet with that name
// (case-insensitively) already exists.
func (st *SheetTable) Add(name string, strings *StringTable) (*Sheet, uint32, bool) {
	folded := foldSheetName(name)
	if _, exists := st.nameToID[folded]; exists {
		return nil, 0, false
	}

	id := st.nextID
	st.nextID++
	sheet := NewSheet(id, strings)
	st.nameToID[folded] = id
	st.idToName[id] = name
	st.sheets[id] = sheet
	return sheet, id, true
}

// Remove deletes a sheet and its storage. returns false if no sheet has
// that name.
func (st *SheetTable) Remove(name string) (uint32, bool) {
	folded := foldSheetName(name)
	id, exists := st.nameToID[folded]
	if !exists {
		return 0, false
	}
	delete(st.nameToID, folded)
	delete(st.idToName, id)
	delete(st.sheets, id)
	return id, true
}

// Rename changes a sheet's name in place. the sheet keeps its ID, so
// compiled programs referencing it stay valid. returns false if the old
// name does not exist or the new name is taken by another sheet.
func (st *SheetTable) Rename(oldName, newName string) bool {
	oldFolded := foldSheetName(oldName)
	newFolded := foldSheetName(newName)
	id, exists := st.nameToID[oldFolded]
	if !exists {
		return false
	}
	if other, taken := st.nameToID[newFolded]; taken && other != id {
		return false
	}
	delete(st.nameToID, oldFolded)
	st.nameToID[newFolded] = id
	st.idToName[id] = newName
	return true
}

// ID returns the sheet ID for a name
func (st *SheetTable) ID(name string) (uint32, bool) {
	id, exists := st.nameToID[foldSheetName(name)]
	return id, exists
}

// Name returns the display name for a sheet ID
func (st *SheetTable) Name(id uint32) (string, bool) {
	name, exists := st.idToName[id]
	return name, exists
}

// Sheet returns the storage for a sheet ID
func (st *SheetTable) Sheet(id uint32) (*Sheet, bool) {
	sheet, exists := st.sheets[id]
	return sheet, exists
}

// SheetByName returns the storage for a sheet name
func (st *SheetTable) SheetByName(name string) (*Sheet, bool) {
	id, exists := st.nameToID[foldSheetName(name)]
	if !exists {
		return nil, false
	}
	return st.Sheet(id)
}

// IDs returns all sheet IDs in creation order. IDs are assigned
// monotonically, so numeric order is creation order.
func (st *SheetTable) IDs() []uint32 {
	ids := make([]uint32, 0, len(st.sheets))
	for id := uint32(1); id < st.nextID; id++ {
		if _, exists := st.sheets[id]; exists {
			ids = append(ids, id)
		}
	}
	return ids
}

// Count returns the number of sheets
func (st *SheetTable) Count() int {
	return len(st.sheets)
}

// Clear removes all sheets
func (st *SheetTable) Clear() {
	st.nameToID = make(map[string]uint32)
	st.idToName = make(map[uint32]string)
	st.sheets = make(map[uint32]*Sheet)
	st.nextID = 1
}

// cellKind tags how a cell slot in a chunk is encoded
type cellKind uint8

const (
	kindBlank cellKind = iota
	kindNumber
	kindText
	kindBool
	kindDate
	kindError
)

// chunkKey indexes chunks within a sheet
type chunkKey struct {
	chunkRow uint32
	chunkCol uint32
}

const (
	chunkRows uint32 = 256                   // rows per chunk, power of 2
	chunkCols uint32 = 256                   // columns per chunk
	chunkSize        = chunkRows * chunkCols // 65536 slots per chunk
)

// chunk is a 256x256 region of cells in structure-of-arrays layout.
// only kinds and the occupied bitmap exist up front; value arrays are
// allocated the first time a cell of that shape lands in the chunk.
type chunk struct {
	kinds    []uint8  // literal encoding per slot
	occupied []uint64 // bit per slot, set when the slot holds anything
	count    int      // occupied slots

	numbers  []float64 // numbers, date serials, booleans, error kinds (lazy)
	textIDs  []uint32  // interned text; error detail for kindError (lazy)
	programs []uint32  // program table IDs for formula cells (lazy)

	resultKinds   []uint8   // calculated result encoding (lazy)
	resultNumbers []float64 // (lazy)
	resultTextIDs []uint32  // (lazy)
}

func newChunk() *chunk {
	return &chunk{
		kinds:    make([]uint8, chunkSize),
		occupied: make([]uint64, (chunkSize+63)/64),
	}
}

func (c *chunk) slotOccupied(idx uint32) bool {
	return c.occupied[idx/64]&(1<<(idx%64)) != 0
}

func (c *chunk) setOccupied(idx uint32, on bool) {
	was := c.slotOccupied(idx)
	if on == was {
		return
	}
	if on {
		c.occupied[idx/64] |= 1 << (idx % 64)
		c.count++
	} else {
		c.occupied[idx/64] &^= 1 << (idx % 64)
		c.count--
	}
}

func (c *chunk) programAt(idx uint32) uint32 {
	if c.programs == nil {
		return 0
	}
	return c.programs[idx]
}

// Sheet is sparse chunked cell storage for one worksheet.
//
// cells are partitioned into 256x256 chunks for spatial locality, each
// chunk allocates its value arrays lazily based on what actually lands
// in it, and text is deduplicated through the shared StringTable.
// access within a loaded chunk is O(1) and memory is only spent on
// non-empty regions, which suits the clustered data real sheets have.
type Sheet struct {
	id      uint32
	chunks  map[chunkKey]*chunk
	strings *StringTable

	cellCount int
	maxRow    uint32 // highest occupied row, valid when cellCount > 0
	maxCol    uint32 // highest occupied column, valid when cellCount > 0
}

// NewSheet creates empty storage for a sheet
func NewSheet(id uint32, strings *StringTable) *Sheet {
	return &Sheet{
		id:      id,
		chunks:  make(map[chunkKey]*chunk),
		strings: strings,
	}
}

// ID returns the sheet's table ID
func (s *Sheet) ID() uint32 {
	return s.id
}

func slotIndex(row, col uint32) (chunkKey, uint32) {
	key := chunkKey{chunkRow: row / chunkRows, chunkCol: col / chunkCols}
	// column-first indexing for cache locality on columnar scans
	idx := (col%chunkCols)*chunkRows + (row % chunkRows)
	return key, idx
}

func (s *Sheet) chunkFor(row, col uint32) (*chunk, uint32) {
	key, idx := slotIndex(row, col)
	c, exists := s.chunks[key]
	if !exists {
		c = newChunk()
		s.chunks[key] = c
	}
	return c, idx
}

func (s *Sheet) lookupChunk(row, col uint32) (*chunk, uint32, bool) {
	key, idx := slotIndex(row, col)
	c, exists := s.chunks[key]
	return c, idx, exists
}

// errorParts encodes an error for columnar storage: the kind goes in the
// numbers array and one text slot holds the rest. unknown kinds keep
// their literal so extended codes round-trip.
func errorParts(e *CellError) (float64, string) {
	if e.Kind == ErrUnknown {
		return float64(e.Kind), e.Literal
	}
	return float64(e.Kind), e.Message
}

func errorFromParts(kind float64, text string) *CellError {
	k := ErrorKind(kind)
	if k == ErrUnknown {
		return NewUnknownError(text)
	}
	return NewCellError(k, text)
}

// storeLiteral writes a value into one set of columnar arrays, releasing
// any text the slot previously held
func (s *Sheet) storeLiteral(c *chunk, idx uint32, kinds []uint8, numbers *[]float64, textIDs *[]uint32, v Primitive) {
	if *textIDs != nil && (*textIDs)[idx] != 0 {
		s.strings.RemoveReference((*textIDs)[idx])
		(*textIDs)[idx] = 0
	}

	ensureNumbers := func() {
		if *numbers == nil {
			*numbers = make([]float64, chunkSize)
		}
	}
	ensureText := func() {
		if *textIDs == nil {
			*textIDs = make([]uint32, chunkSize)
		}
	}

	switch value := v.(type) {
	case float64:
		kinds[idx] = uint8(kindNumber)
		ensureNumbers()
		(*numbers)[idx] = value
	case int:
		kinds[idx] = uint8(kindNumber)
		ensureNumbers()
		(*numbers)[idx] = float64(value)
	case int64:
		kinds[idx] = uint8(kindNumber)
		ensureNumbers()
		(*numbers)[idx] = float64(value)
	case DateSerial:
		kinds[idx] = uint8(kindDate)
		ensureNumbers()
		(*numbers)[idx] = float64(value)
	case string:
		kinds[idx] = uint8(kindText)
		ensureText()
		(*textIDs)[idx] = s.strings.Intern(value)
	case bool:
		kinds[idx] = uint8(kindBool)
		ensureNumbers()
		if value {
			(*numbers)[idx] = 1
		} else {
			(*numbers)[idx] = 0
		}
	case *CellError:
		kinds[idx] = uint8(kindError)
		ensureNumbers()
		ensureText()
		num, text := errorParts(value)
		(*numbers)[idx] = num
		(*textIDs)[idx] = s.strings.Intern(text)
	default:
		kinds[idx] = uint8(kindBlank)
	}
}

// loadLiteral reads a value back out of one set of columnar arrays
func (s *Sheet) loadLiteral(idx uint32, kinds []uint8, numbers []float64, textIDs []uint32) Primitive {
	switch cellKind(kinds[idx]) {
	case kindNumber:
		return numbers[idx]
	case kindDate:
		return DateSerial(numbers[idx])
	case kindBool:
		return numbers[idx] != 0
	case kindText:
		text, _ := s.strings.Get(textIDs[idx])
		return text
	case kindError:
		text, _ := s.strings.Get(textIDs[idx])
		return errorFromParts(numbers[idx], text)
	}
	return nil
}

func (s *Sheet) noteOccupied(row, col uint32) {
	if s.cellCount == 0 || row > s.maxRow {
		s.maxRow = row
	}
	if s.cellCount == 0 || col > s.maxCol {
		s.maxCol = col
	}
}

// SetValue stores a literal value, displacing any formula on the cell.
// storing nil clears the cell.
func (s *Sheet) SetValue(row, col uint32, v Primitive) {
	if v == nil {
		s.Clear(row, col)
		return
	}

	c, idx := s.chunkFor(row, col)
	wasOccupied := c.slotOccupied(idx)

	s.clearProgramSlot(c, idx)
	s.storeLiteral(c, idx, c.kinds, &c.numbers, &c.textIDs, v)

	c.setOccupied(idx, true)
	if !wasOccupied {
		s.cellCount++
	}
	s.noteOccupied(row, col)
}

// SetProgram marks a cell as holding a formula. the cell's literal slot
// is cleared; the displayed value comes from SetResult.
func (s *Sheet) SetProgram(row, col uint32, programID uint32) {
	c, idx := s.chunkFor(row, col)
	wasOccupied := c.slotOccupied(idx)

	// a formula displaces the literal
	s.storeLiteral(c, idx, c.kinds, &c.numbers, &c.textIDs, nil)

	if c.programs == nil {
		c.programs = make([]uint32, chunkSize)
	}
	c.programs[idx] = programID

	c.setOccupied(idx, true)
	if !wasOccupied {
		s.cellCount++
	}
	s.noteOccupied(row, col)
}

// SetResult stores the calculated value of a formula cell
func (s *Sheet) SetResult(row, col uint32, v Primitive) {
	c, idx, exists := s.lookupChunk(row, col)
	if !exists {
		return
	}
	if c.resultKinds == nil {
		c.resultKinds = make([]uint8, chunkSize)
	}
	s.storeLiteral(c, idx, c.resultKinds, &c.resultNumbers, &c.resultTextIDs, v)
}

// Clear removes a cell entirely
func (s *Sheet) Clear(row, col uint32) {
	key, idx := slotIndex(row, col)
	c, exists := s.chunks[key]
	if !exists || !c.slotOccupied(idx) {
		return
	}

	s.clearProgramSlot(c, idx)
	s.storeLiteral(c, idx, c.kinds, &c.numbers, &c.textIDs, nil)

	c.setOccupied(idx, false)
	s.cellCount--
	if c.count == 0 {
		delete(s.chunks, key)
	}
	if row == s.maxRow || col == s.maxCol {
		s.recomputeExtent()
	}
}

func (s *Sheet) clearProgramSlot(c *chunk, idx uint32) {
	if c.programs != nil {
		c.programs[idx] = 0
	}
	if c.resultKinds != nil {
		s.storeLiteral(c, idx, c.resultKinds, &c.resultNumbers, &c.resultTextIDs, nil)
	}
}

// Value returns a cell's displayed value: the calculated result for
// formula cells, the literal otherwise. blank cells return nil.
func (s *Sheet) Value(row, col uint32) Primitive {
	c, idx, exists := s.lookupChunk(row, col)
	if !exists || !c.slotOccupied(idx) {
		return nil
	}
	if c.programAt(idx) != 0 {
		if c.resultKinds == nil {
			return nil
		}
		return s.loadLiteral(idx, c.resultKinds, c.resultNumbers, c.resultTextIDs)
	}
	return s.loadLiteral(idx, c.kinds, c.numbers, c.textIDs)
}

// Input returns a cell's literal value, nil for formula and blank cells
func (s *Sheet) Input(row, col uint32) Primitive {
	c, idx, exists := s.lookupChunk(row, col)
	if !exists || !c.slotOccupied(idx) || c.programAt(idx) != 0 {
		return nil
	}
	return s.loadLiteral(idx, c.kinds, c.numbers, c.textIDs)
}

// ProgramID returns the program interned at a cell, 0 if none
func (s *Sheet) ProgramID(row, col uint32) uint32 {
	c, idx, exists := s.lookupChunk(row, col)
	if !exists {
		return 0
	}
	return c.programAt(idx)
}

// HasCell reports whether a cell holds anything
func (s *Sheet) HasCell(row, col uint32) bool {
	c, idx, exists := s.lookupChunk(row, col)
	return exists && c.slotOccupied(idx)
}

// CellCount returns the number of occupied cells
func (s *Sheet) CellCount() int {
	return s.cellCount
}

// UsedExtent returns the highest occupied row and column. ok is false
// when the sheet is empty.
func (s *Sheet) UsedExtent() (maxRow, maxCol uint32, ok bool) {
	if s.cellCount == 0 {
		return 0, 0, false
	}
	return s.maxRow, s.maxCol, true
}

// recomputeExtent rescans chunk bitmaps after a boundary cell is removed
func (s *Sheet) recomputeExtent() {
	s.maxRow, s.maxCol = 0, 0
	for key, c := range s.chunks {
		if c.count == 0 {
			continue
		}
		baseRow := key.chunkRow * chunkRows
		baseCol := key.chunkCol * chunkCols
		for idx := uint32(0); idx < chunkSize; idx++ {
			if !c.slotOccupied(idx) {
				continue
			}
			row := baseRow + idx%chunkRows
			col := baseCol + idx/chunkRows
			if row > s.maxRow {
				s.maxRow = row
			}
			if col > s.maxCol {
				s.maxCol = col
			}
		}
	}
}

// OccupiedCells iterates all occupied cells on the sheet in no
// particular order
func (s *Sheet) OccupiedCells() iter.Seq[CellAddress] {
	return func(yield func(CellAddress) bool) {
		for key, c := range s.chunks {
			baseRow := key.chunkRow * chunkRows
			baseCol := key.chunkCol * chunkCols
			for idx := uint32(0); idx < chunkSize; idx++ {
				if !c.slotOccupied(idx) {
					continue
				}
				addr := CellAddress{
					SheetID: s.id,
					Row:     baseRow + idx%chunkRows,
					Col:     baseCol + idx/chunkRows,
				}
				if !yield(addr) {
					return
				}
			}
		}
	}
}
