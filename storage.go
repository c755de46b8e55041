package gridcalc

// Store bundles the shared tables the engine threads through its
// storage and evaluation paths
type Store struct {
	sheets   *SheetTable
	names    *NameTable
	strings  *StringTable
	programs *ProgramTable
	graph    *Graph
}

// NewStore creates an empty store with all tables wired together
func NewStore() *Store {
	return &Store{
		sheets:   NewSheetTable(),
		names:    NewNameTable(),
		strings:  NewStringTable(),
		programs: NewProgramTable(),
		graph:    NewGraph(),
	}
}

// Clear resets every table
func (s *Store) Clear() {
	s.sheets.Clear()
	s.names.Clear()
	s.strings.Clear()
	s.programs.Clear()
	s.graph.Clear()
}
