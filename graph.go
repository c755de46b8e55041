package gridcalc

import "sort"

// depNode represents one formula cell in the dependency graph. nodes
// exist only for cells holding programs or cells other formulas point
// at.
type depNode struct {
	cellPrecedents  map[CellAddress]struct{}
	cellDependents  map[CellAddress]struct{}
	rangePrecedents map[RangeAddress]struct{}
	namePrecedents  map[NameKey]struct{}

	hasProgram bool
	volatile   bool
	offGrid    bool
}

func newDepNode() *depNode {
	return &depNode{
		cellPrecedents:  make(map[CellAddress]struct{}),
		cellDependents:  make(map[CellAddress]struct{}),
		rangePrecedents: make(map[RangeAddress]struct{}),
		namePrecedents:  make(map[NameKey]struct{}),
	}
}

func (n *depNode) empty() bool {
	return !n.hasProgram &&
		len(n.cellPrecedents) == 0 &&
		len(n.cellDependents) == 0 &&
		len(n.rangePrecedents) == 0 &&
		len(n.namePrecedents) == 0
}

// NameKey identifies a defined name for observer tracking. Global names
// ignore SheetID.
type NameKey struct {
	SheetID uint32
	Global  bool
	Name    string
}

// range bucket geometry: 256x256 cell tiles. a range spanning more
// buckets than overflowBuckets goes on a flat list instead of the tile
// index, which keeps whole-column ranges from exploding the map.
const (
	bucketShift     = 8
	overflowBuckets = 64
)

func bucketKey(sheetID, rowBucket, colBucket uint32) uint64 {
	return uint64(sheetID)<<40 | uint64(rowBucket)<<6 | uint64(colBucket)
}

func rangeBucketCount(r RangeAddress) int {
	rows := int(r.EndRow>>bucketShift) - int(r.StartRow>>bucketShift) + 1
	cols := int(r.EndCol>>bucketShift) - int(r.StartCol>>bucketShift) + 1
	return rows * cols
}

// Graph manages cell dependencies, dirty tracking, and calculation
// order. it is not safe for concurrent use; the engine serializes
// access.
type Graph struct {
	nodes map[CellAddress]*depNode

	// range -> cells that depend on it, with a tile index for the
	// cell-in-observed-range lookup
	rangeObservers map[RangeAddress]map[CellAddress]struct{}
	rangeBuckets   map[uint64]map[RangeAddress]struct{}
	overflowRanges map[uint32]map[RangeAddress]struct{} // sheet -> huge ranges

	// defined name -> cells that depend on it
	nameObservers map[NameKey]map[CellAddress]struct{}

	dirtySet      map[CellAddress]struct{}
	volatileCells map[CellAddress]struct{}
}

// NewGraph creates an empty dependency graph
func NewGraph() *Graph {
	return &Graph{
		nodes:          make(map[CellAddress]*depNode),
		rangeObservers: make(map[RangeAddress]map[CellAddress]struct{}),
		rangeBuckets:   make(map[uint64]map[RangeAddress]struct{}),
		overflowRanges: make(map[uint32]map[RangeAddress]struct{}),
		nameObservers:  make(map[NameKey]map[CellAddress]struct{}),
		dirtySet:       make(map[CellAddress]struct{}),
		volatileCells:  make(map[CellAddress]struct{}),
	}
}

func (g *Graph) getOrCreate(addr CellAddress) *depNode {
	if node, exists := g.nodes[addr]; exists {
		return node
	}
	node := newDepNode()
	g.nodes[addr] = node
	return node
}

func (g *Graph) cleanupIfEmpty(addr CellAddress) {
	if node, exists := g.nodes[addr]; exists && node.empty() {
		delete(g.nodes, addr)
		delete(g.dirtySet, addr)
	}
}

// indexRange inserts a range into the tile index or the overflow list
func (g *Graph) indexRange(r RangeAddress) {
	if rangeBucketCount(r) > overflowBuckets {
		if g.overflowRanges[r.SheetID] == nil {
			g.overflowRanges[r.SheetID] = make(map[RangeAddress]struct{})
		}
		g.overflowRanges[r.SheetID][r] = struct{}{}
		return
	}
	for rb := r.StartRow >> bucketShift; rb <= r.EndRow>>bucketShift; rb++ {
		for cb := r.StartCol >> bucketShift; cb <= r.EndCol>>bucketShift; cb++ {
			key := bucketKey(r.SheetID, rb, cb)
			if g.rangeBuckets[key] == nil {
				g.rangeBuckets[key] = make(map[RangeAddress]struct{})
			}
			g.rangeBuckets[key][r] = struct{}{}
		}
	}
}

func (g *Graph) unindexRange(r RangeAddress) {
	if rangeBucketCount(r) > overflowBuckets {
		if huge, exists := g.overflowRanges[r.SheetID]; exists {
			delete(huge, r)
			if len(huge) == 0 {
				delete(g.overflowRanges, r.SheetID)
			}
		}
		return
	}
	for rb := r.StartRow >> bucketShift; rb <= r.EndRow>>bucketShift; rb++ {
		for cb := r.StartCol >> bucketShift; cb <= r.EndCol>>bucketShift; cb++ {
			key := bucketKey(r.SheetID, rb, cb)
			if ranges, exists := g.rangeBuckets[key]; exists {
				delete(ranges, r)
				if len(ranges) == 0 {
					delete(g.rangeBuckets, key)
				}
			}
		}
	}
}

// rangesContaining returns the observed ranges a cell falls in
func (g *Graph) rangesContaining(addr CellAddress) []RangeAddress {
	var result []RangeAddress
	key := bucketKey(addr.SheetID, addr.Row>>bucketShift, addr.Col>>bucketShift)
	for r := range g.rangeBuckets[key] {
		if r.Contains(addr) {
			result = append(result, r)
		}
	}
	for r := range g.overflowRanges[addr.SheetID] {
		if r.Contains(addr) {
			result = append(result, r)
		}
	}
	return result
}

// SetPrecedents atomically replaces a cell's input edges with those of a
// freshly compiled program. names must already be resolved to keys by
// the caller.
func (g *Graph) SetPrecedents(addr CellAddress, precedents []Precedent, nameKeys []NameKey, volatile bool) {
	g.clearPrecedents(addr)

	node := g.getOrCreate(addr)
	node.hasProgram = true
	node.volatile = volatile
	node.offGrid = false
	if volatile {
		g.volatileCells[addr] = struct{}{}
	} else {
		delete(g.volatileCells, addr)
	}

	for _, prec := range precedents {
		if prec.OffGrid {
			node.offGrid = true
			continue
		}
		switch prec.Kind {
		case PrecCell:
			node.cellPrecedents[prec.Cell] = struct{}{}
			g.getOrCreate(prec.Cell).cellDependents[addr] = struct{}{}
		case PrecRange:
			if _, seen := node.rangePrecedents[prec.Range]; seen {
				continue
			}
			node.rangePrecedents[prec.Range] = struct{}{}
			if g.rangeObservers[prec.Range] == nil {
				g.rangeObservers[prec.Range] = make(map[CellAddress]struct{})
				g.indexRange(prec.Range)
			}
			g.rangeObservers[prec.Range][addr] = struct{}{}
		}
	}
	for _, key := range nameKeys {
		node.namePrecedents[key] = struct{}{}
		if g.nameObservers[key] == nil {
			g.nameObservers[key] = make(map[CellAddress]struct{})
		}
		g.nameObservers[key][addr] = struct{}{}
	}
}

// clearPrecedents removes a cell's input edges, leaving dependents
// intact
func (g *Graph) clearPrecedents(addr CellAddress) {
	node, exists := g.nodes[addr]
	if !exists {
		return
	}
	for prec := range node.cellPrecedents {
		if precNode, ok := g.nodes[prec]; ok {
			delete(precNode.cellDependents, addr)
			g.cleanupIfEmpty(prec)
		}
	}
	node.cellPrecedents = make(map[CellAddress]struct{})

	for r := range node.rangePrecedents {
		if observers, ok := g.rangeObservers[r]; ok {
			delete(observers, addr)
			if len(observers) == 0 {
				delete(g.rangeObservers, r)
				g.unindexRange(r)
			}
		}
	}
	node.rangePrecedents = make(map[RangeAddress]struct{})

	for key := range node.namePrecedents {
		if observers, ok := g.nameObservers[key]; ok {
			delete(observers, addr)
			if len(observers) == 0 {
				delete(g.nameObservers, key)
			}
		}
	}
	node.namePrecedents = make(map[NameKey]struct{})
}

// RemoveCell removes a cell's program from the graph. the node survives
// as a bare value node while other formulas still point at it.
func (g *Graph) RemoveCell(addr CellAddress) {
	g.clearPrecedents(addr)
	delete(g.volatileCells, addr)
	delete(g.dirtySet, addr)
	if node, exists := g.nodes[addr]; exists {
		node.hasProgram = false
		node.volatile = false
		g.cleanupIfEmpty(addr)
	}
}

// MarkDirty marks a single cell as needing recalculation
func (g *Graph) MarkDirty(addr CellAddress) {
	if node, exists := g.nodes[addr]; exists && node.hasProgram {
		g.dirtySet[addr] = struct{}{}
	}
}

// PropagateDirty marks every formula depending on addr, directly,
// through a containing range, transitively, as dirty. the cell itself is
// marked only if it holds a program.
func (g *Graph) PropagateDirty(addr CellAddress) {
	g.MarkDirty(addr)
	visited := map[CellAddress]struct{}{addr: {}}
	g.propagate(addr, visited)
}

func (g *Graph) propagate(addr CellAddress, visited map[CellAddress]struct{}) {
	mark := func(dependent CellAddress) {
		if _, seen := visited[dependent]; seen {
			return
		}
		visited[dependent] = struct{}{}
		g.dirtySet[dependent] = struct{}{}
		g.propagate(dependent, visited)
	}

	if node, exists := g.nodes[addr]; exists {
		for dependent := range node.cellDependents {
			mark(dependent)
		}
	}
	for _, r := range g.rangesContaining(addr) {
		for observer := range g.rangeObservers[r] {
			mark(observer)
		}
	}
}

// PropagateNameDirty marks every formula reading a defined name dirty,
// transitively. called when the name is redefined or deleted.
func (g *Graph) PropagateNameDirty(key NameKey) {
	visited := make(map[CellAddress]struct{})
	for observer := range g.nameObservers[key] {
		if _, seen := visited[observer]; seen {
			continue
		}
		visited[observer] = struct{}{}
		g.dirtySet[observer] = struct{}{}
		g.propagate(observer, visited)
	}
}

// NameObservers returns the formula cells registered against a defined
// name key, sorted
func (g *Graph) NameObservers(key NameKey) []CellAddress {
	observers := g.nameObservers[key]
	if len(observers) == 0 {
		return nil
	}
	out := make([]CellAddress, 0, len(observers))
	for addr := range observers {
		out = append(out, addr)
	}
	sortAddresses(out)
	return out
}

// MarkAllVolatileDirty marks every volatile cell dirty, pulling their
// dependents in through the usual closure
func (g *Graph) MarkAllVolatileDirty() {
	for addr := range g.volatileCells {
		g.PropagateDirty(addr)
	}
}

// MarkSheetDependentsDirty dirties every formula with a cell or range
// precedent on the given sheet. called before the sheet is torn down so
// dependents re-evaluate to reference errors.
func (g *Graph) MarkSheetDependentsDirty(sheetID uint32) {
	for addr, node := range g.nodes {
		if addr.SheetID == sheetID || !node.hasProgram {
			continue
		}
		touched := false
		for prec := range node.cellPrecedents {
			if prec.SheetID == sheetID {
				touched = true
				break
			}
		}
		if !touched {
			for r := range node.rangePrecedents {
				if r.SheetID == sheetID {
					touched = true
					break
				}
			}
		}
		if touched {
			g.PropagateDirty(addr)
		}
	}
}

// RemoveSheetCells drops every node on a sheet, returning the formula
// cells it removed so the caller can release their programs
func (g *Graph) RemoveSheetCells(sheetID uint32) []CellAddress {
	var removed []CellAddress
	for addr, node := range g.nodes {
		if addr.SheetID == sheetID && node.hasProgram {
			removed = append(removed, addr)
		}
	}
	sortAddresses(removed)
	for _, addr := range removed {
		g.RemoveCell(addr)
	}
	// bare value nodes on the sheet survive only as dependents of other
	// sheets' formulas; drop those edges too
	for addr := range g.nodes {
		if addr.SheetID == sheetID {
			g.clearPrecedents(addr)
			delete(g.volatileCells, addr)
			delete(g.dirtySet, addr)
			delete(g.nodes, addr)
		}
	}
	return removed
}

// MarkAllProgramsDirty marks every formula cell dirty. used when a
// workbook-wide setting that affects results changes.
func (g *Graph) MarkAllProgramsDirty() {
	for addr, node := range g.nodes {
		if node.hasProgram {
			g.dirtySet[addr] = struct{}{}
		}
	}
}

// ClearDirty clears the dirty flag for a cell
func (g *Graph) ClearDirty(addr CellAddress) {
	delete(g.dirtySet, addr)
}

// IsDirty reports whether a cell awaits recalculation
func (g *Graph) IsDirty(addr CellAddress) bool {
	_, dirty := g.dirtySet[addr]
	return dirty
}

// HasDirty reports whether any cell awaits recalculation
func (g *Graph) HasDirty() bool {
	return len(g.dirtySet) > 0
}

// DirtyCells returns the dirty set in deterministic order
func (g *Graph) DirtyCells() []CellAddress {
	result := make([]CellAddress, 0, len(g.dirtySet))
	for addr := range g.dirtySet {
		result = append(result, addr)
	}
	sortAddresses(result)
	return result
}

// DirectDependents returns cells directly depending on addr through cell
// edges
func (g *Graph) DirectDependents(addr CellAddress) []CellAddress {
	node, exists := g.nodes[addr]
	if !exists {
		return nil
	}
	result := make([]CellAddress, 0, len(node.cellDependents))
	for dep := range node.cellDependents {
		result = append(result, dep)
	}
	sortAddresses(result)
	return result
}

// DirectPrecedents returns the cells addr directly depends on
func (g *Graph) DirectPrecedents(addr CellAddress) []CellAddress {
	node, exists := g.nodes[addr]
	if !exists {
		return nil
	}
	result := make([]CellAddress, 0, len(node.cellPrecedents))
	for prec := range node.cellPrecedents {
		result = append(result, prec)
	}
	sortAddresses(result)
	return result
}

// RangePrecedents returns the ranges addr depends on
func (g *Graph) RangePrecedents(addr CellAddress) []RangeAddress {
	node, exists := g.nodes[addr]
	if !exists {
		return nil
	}
	result := make([]RangeAddress, 0, len(node.rangePrecedents))
	for r := range node.rangePrecedents {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.SheetID != b.SheetID {
			return a.SheetID < b.SheetID
		}
		if a.StartRow != b.StartRow {
			return a.StartRow < b.StartRow
		}
		return a.StartCol < b.StartCol
	})
	return result
}

// IsVolatile reports whether a cell holds a volatile program
func (g *Graph) IsVolatile(addr CellAddress) bool {
	_, volatile := g.volatileCells[addr]
	return volatile
}

// NodeCount returns the number of nodes in the graph
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// RangeObserverCount returns the number of observed ranges
func (g *Graph) RangeObserverCount() int {
	return len(g.rangeObservers)
}

// Clear removes everything from the graph
func (g *Graph) Clear() {
	g.nodes = make(map[CellAddress]*depNode)
	g.rangeObservers = make(map[RangeAddress]map[CellAddress]struct{})
	g.rangeBuckets = make(map[uint64]map[RangeAddress]struct{})
	g.overflowRanges = make(map[uint32]map[RangeAddress]struct{})
	g.nameObservers = make(map[NameKey]map[CellAddress]struct{})
	g.dirtySet = make(map[CellAddress]struct{})
	g.volatileCells = make(map[CellAddress]struct{})
}

// CalcGroup is one unit of a calculation plan: a single cell, or the
// member cells of a dependency cycle
type CalcGroup struct {
	Cells  []CellAddress
	Cyclic bool
}

// CalcOrder builds the calculation plan for the current dirty set plus
// all volatile cells and their dependents. groups come out precedents
// first; cycles surface as one group holding every member. the plan is
// deterministic: ties break on (sheet, row, col).
func (g *Graph) CalcOrder() []CalcGroup {
	// seed with dirty plus volatile, then close over dependents so a
	// volatile recalc reaches everything downstream
	seeds := make(map[CellAddress]struct{}, len(g.dirtySet)+len(g.volatileCells))
	for addr := range g.dirtySet {
		seeds[addr] = struct{}{}
	}
	for addr := range g.volatileCells {
		if _, seen := seeds[addr]; !seen {
			seeds[addr] = struct{}{}
			g.propagateInto(addr, seeds)
		}
	}
	if len(seeds) == 0 {
		return nil
	}

	members := make([]CellAddress, 0, len(seeds))
	for addr := range seeds {
		if node, exists := g.nodes[addr]; exists && node.hasProgram {
			members = append(members, addr)
		}
	}
	sortAddresses(members)

	// edges: member -> its precedents within the member set, including
	// members sitting inside a range precedent. a formula inside its own
	// range precedent becomes a self-loop, which is a cycle.
	inSet := make(map[CellAddress]struct{}, len(members))
	for _, addr := range members {
		inSet[addr] = struct{}{}
	}
	// bucket the member set the same way the range index tiles the grid,
	// so a range precedent only probes the tiles it overlaps. member
	// lists are memoized per range since observers often share one.
	memberBuckets := make(map[uint64][]CellAddress)
	for _, addr := range members {
		k := bucketKey(addr.SheetID, addr.Row>>bucketShift, addr.Col>>bucketShift)
		memberBuckets[k] = append(memberBuckets[k], addr)
	}
	rangeMembers := make(map[RangeAddress][]CellAddress)
	membersIn := func(r RangeAddress) []CellAddress {
		if cached, ok := rangeMembers[r]; ok {
			return cached
		}
		var hits []CellAddress
		if rangeBucketCount(r) > overflowBuckets {
			for _, candidate := range members {
				if r.Contains(candidate) {
					hits = append(hits, candidate)
				}
			}
		} else {
			for rb := r.StartRow >> bucketShift; rb <= r.EndRow>>bucketShift; rb++ {
				for cb := r.StartCol >> bucketShift; cb <= r.EndCol>>bucketShift; cb++ {
					for _, candidate := range memberBuckets[bucketKey(r.SheetID, rb, cb)] {
						if r.Contains(candidate) {
							hits = append(hits, candidate)
						}
					}
				}
			}
		}
		rangeMembers[r] = hits
		return hits
	}

	edges := make(map[CellAddress][]CellAddress, len(members))
	for _, addr := range members {
		node := g.nodes[addr]
		var precs []CellAddress
		for prec := range node.cellPrecedents {
			if _, ok := inSet[prec]; ok {
				precs = append(precs, prec)
			}
		}
		for r := range node.rangePrecedents {
			precs = append(precs, membersIn(r)...)
		}
		sortAddresses(precs)
		edges[addr] = precs
	}

	return tarjanOrder(members, edges)
}

// propagateInto is PropagateDirty's walk without touching the dirty set
func (g *Graph) propagateInto(addr CellAddress, out map[CellAddress]struct{}) {
	if node, exists := g.nodes[addr]; exists {
		for dependent := range node.cellDependents {
			if _, seen := out[dependent]; !seen {
				out[dependent] = struct{}{}
				g.propagateInto(dependent, out)
			}
		}
	}
	for _, r := range g.rangesContaining(addr) {
		for observer := range g.rangeObservers[r] {
			if _, seen := out[observer]; !seen {
				out[observer] = struct{}{}
				g.propagateInto(observer, out)
			}
		}
	}
}

// tarjanOrder runs Tarjan's strongly connected components over the
// member subgraph. because edges point at precedents, components pop in
// dependency order: every group's inputs appear in earlier groups.
func tarjanOrder(members []CellAddress, edges map[CellAddress][]CellAddress) []CalcGroup {
	type frame struct {
		index   int
		lowlink int
		onStack bool
	}
	state := make(map[CellAddress]*frame, len(members))
	var stack []CellAddress
	var groups []CalcGroup
	counter := 0

	var strongConnect func(addr CellAddress)
	strongConnect = func(addr CellAddress) {
		f := &frame{index: counter, lowlink: counter}
		counter++
		state[addr] = f
		stack = append(stack, addr)
		f.onStack = true

		selfLoop := false
		for _, prec := range edges[addr] {
			if prec == addr {
				selfLoop = true
				continue
			}
			pf, visited := state[prec]
			if !visited {
				strongConnect(prec)
				if state[prec].lowlink < f.lowlink {
					f.lowlink = state[prec].lowlink
				}
			} else if pf.onStack {
				if pf.index < f.lowlink {
					f.lowlink = pf.index
				}
			}
		}

		if f.lowlink == f.index {
			var scc []CellAddress
			for {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				state[top].onStack = false
				scc = append(scc, top)
				if top == addr {
					break
				}
			}
			sortAddresses(scc)
			groups = append(groups, CalcGroup{
				Cells:  scc,
				Cyclic: len(scc) > 1 || selfLoop,
			})
		}
	}

	for _, addr := range members {
		if _, visited := state[addr]; !visited {
			strongConnect(addr)
		}
	}
	return groups
}

func sortAddresses(addrs []CellAddress) {
	sort.Slice(addrs, func(i, j int) bool {
		return addrs[i].less(addrs[j])
	})
}
