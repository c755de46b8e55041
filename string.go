package gridcalc

// StringTable deduplicates cell text. every text slot in sheet storage
// holds a uint32 ID instead of a string, and identical strings share one
// entry. entries are reference counted so cleared cells give memory back.
type StringTable struct {
	ids     map[string]uint32
	entries map[uint32]*stringEntry
	nextID  uint32
}

type stringEntry struct {
	value string
	refs  int
}

// NewStringTable creates a new string table
func NewStringTable() *StringTable {
	return &StringTable{
		ids:     make(map[string]uint32),
		entries: make(map[uint32]*stringEntry),
		nextID:  1, // start at 1, reserve 0 for no string
	}
}

// Intern adds a string to the table or increments its reference count
// if it already exists. returns the ID of the string.
func (st *StringTable) Intern(s string) uint32 {
	if id, exists := st.ids[s]; exists {
		st.entries[id].refs++
		return id
	}

	id := st.nextID
	st.nextID++
	st.ids[s] = id
	st.entries[id] = &stringEntry{value: s, refs: 1}
	return id
}

// Get retrieves a string by its ID
func (st *StringTable) Get(id uint32) (string, bool) {
	entry, exists := st.entries[id]
	if !exists {
		return "", false
	}
	return entry.value, true
}

// Lookup returns the ID for a string without interning it
func (st *StringTable) Lookup(s string) (uint32, bool) {
	id, exists := st.ids[s]
	return id, exists
}

// AddReference increments the reference count for a string ID
func (st *StringTable) AddReference(id uint32) bool {
	entry, exists := st.entries[id]
	if !exists {
		return false
	}
	entry.refs++
	return true
}

// RemoveReference decrements the reference count for a string ID. when
// the count reaches zero the string is dropped and its ID retired.
// returns true if the string was removed.
func (st *StringTable) RemoveReference(id uint32) bool {
	entry, exists := st.entries[id]
	if !exists {
		return false
	}

	entry.refs--
	if entry.refs <= 0 {
		delete(st.ids, entry.value)
		delete(st.entries, id)
		return true
	}
	return false
}

// ReferenceCount returns the reference count for a string ID
func (st *StringTable) ReferenceCount(id uint32) int {
	entry, exists := st.entries[id]
	if !exists {
		return 0
	}
	return entry.refs
}

// Count returns the number of unique strings in the table
func (st *StringTable) Count() int {
	return len(st.entries)
}

// TotalReferences returns the total reference count across all strings
func (st *StringTable) TotalReferences() int {
	total := 0
	for _, entry := range st.entries {
		total += entry.refs
	}
	return total
}

// Clear removes all strings from the table
func (st *StringTable) Clear() {
	st.ids = make(map[string]uint32)
	st.entries = make(map[uint32]*stringEntry)
	st.nextID = 1
}
