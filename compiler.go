package gridcalc

import (
	"fmt"
	"strconv"
	"strings"
)

// CompileContext supplies the workbook-side lookups the compiler needs.
// Origin is the cell the formula lives in; relative references become
// offsets from it.
type CompileContext struct {
	Origin CellAddress

	// ResolveSheet maps a sheet name to its id. a miss compiles to a
	// #REF! constant rather than failing the whole formula.
	ResolveSheet func(name string) (uint32, bool)

	// ResolveTable maps a structured reference to a concrete range. nil
	// or a miss compiles to #NAME?.
	ResolveTable func(table, item string) (RangeAddress, bool)

	// IsVolatile reports whether a function name is volatile
	IsVolatile func(name string) bool
}

func (ctx *CompileContext) resolveSheet(name string) (uint32, bool) {
	if ctx.ResolveSheet == nil {
		return 0, false
	}
	return ctx.ResolveSheet(name)
}

func (ctx *CompileContext) isVolatile(name string) bool {
	return ctx.IsVolatile != nil && ctx.IsVolatile(name)
}

// NormalizedKey serializes an AST into its position-normalized key.
// relative axes serialize as offsets from the origin, absolute axes as
// coordinates, so "=A1+1" in B1 and "=A2+1" in B2 produce the same key
// while "=$A$1+1" keys differently from "=A1+1".
func NormalizedKey(ast Node, ctx *CompileContext) ProgramKey {
	var b strings.Builder
	writeNodeKey(&b, ast, ctx)
	return ProgramKey(b.String())
}

func writeNodeKey(b *strings.Builder, node Node, ctx *CompileContext) {
	switch n := node.(type) {
	case *NumberNode:
		b.WriteString(strconv.FormatFloat(n.Value, 'g', -1, 64))
	case *StringNode:
		b.WriteString(strconv.Quote(n.Value))
	case *BoolNode:
		if n.Value {
			b.WriteString("TRUE")
		} else {
			b.WriteString("FALSE")
		}
	case *ErrorNode:
		b.WriteString(n.Literal)
	case *CellRefNode:
		writeSheetKey(b, n.Sheet, n.HasSheet, ctx)
		writeAxisKey(b, 'R', int64(n.Row), int64(ctx.Origin.Row), n.AbsRow)
		writeAxisKey(b, 'C', int64(n.Col), int64(ctx.Origin.Col), n.AbsCol)
	case *RangeNode:
		writeSheetKey(b, n.Sheet, n.HasSheet, ctx)
		if n.SheetEnd != "" {
			b.WriteString("..")
			writeSheetKey(b, n.SheetEnd, true, ctx)
		}
		writeAxisKey(b, 'R', int64(n.StartRow), int64(ctx.Origin.Row), n.AbsStartRow)
		writeAxisKey(b, 'C', int64(n.StartCol), int64(ctx.Origin.Col), n.AbsStartCol)
		b.WriteByte(':')
		writeAxisKey(b, 'R', int64(n.EndRow), int64(ctx.Origin.Row), n.AbsEndRow)
		writeAxisKey(b, 'C', int64(n.EndCol), int64(ctx.Origin.Col), n.AbsEndCol)
	case *NameNode:
		b.WriteString("N:")
		writeSheetKey(b, n.Sheet, n.HasSheet, ctx)
		b.WriteString(strings.ToUpper(n.Name))
	case *StructuredRefNode:
		b.WriteString("T:")
		b.WriteString(strings.ToUpper(n.Table))
		b.WriteByte('[')
		b.WriteString(n.Item)
		b.WriteByte(']')
	case *FieldAccessNode:
		writeNodeKey(b, n.Target, ctx)
		b.WriteByte('.')
		b.WriteString(strings.ToUpper(n.Field))
	case *SpillNode:
		writeNodeKey(b, n.Target, ctx)
		b.WriteByte('#')
	case *UnaryNode:
		switch n.Op {
		case UnaryOpPlus:
			b.WriteString("u+")
		case UnaryOpMinus:
			b.WriteString("u-")
		case UnaryOpPercent:
			b.WriteString("u%")
		}
		b.WriteByte('(')
		writeNodeKey(b, n.Operand, ctx)
		b.WriteByte(')')
	case *BinaryNode:
		b.WriteByte('(')
		writeNodeKey(b, n.Left, ctx)
		b.WriteString(n.Op.String())
		writeNodeKey(b, n.Right, ctx)
		b.WriteByte(')')
	case *CallNode:
		b.WriteString(n.Name)
		b.WriteByte('(')
		for i, arg := range n.Args {
			if i > 0 {
				b.WriteByte(',')
			}
			writeNodeKey(b, arg, ctx)
		}
		b.WriteByte(')')
	case *ArrayNode:
		b.WriteByte('{')
		for i, row := range n.Rows {
			if i > 0 {
				b.WriteByte(';')
			}
			for j, elem := range row {
				if j > 0 {
					b.WriteByte(',')
				}
				writeNodeKey(b, elem, ctx)
			}
		}
		b.WriteByte('}')
	}
}

func writeSheetKey(b *strings.Builder, sheet string, hasSheet bool, ctx *CompileContext) {
	if !hasSheet {
		return
	}
	if id, ok := ctx.resolveSheet(sheet); ok {
		b.WriteByte('S')
		b.WriteString(strconv.FormatUint(uint64(id), 10))
	} else {
		// keep unresolved names distinct from every id
		b.WriteString("S?")
		b.WriteString(sheet)
	}
	b.WriteByte('!')
}

func writeAxisKey(b *strings.Builder, axis byte, coord, origin int64, abs bool) {
	b.WriteByte(axis)
	if abs {
		b.WriteString(strconv.FormatInt(coord, 10))
		return
	}
	b.WriteByte('[')
	b.WriteString(strconv.FormatInt(coord-origin, 10))
	b.WriteByte(']')
}

// compiler lowers an AST into a Program
type compiler struct {
	ctx  *CompileContext
	prog *Program

	constIndex map[Primitive]int32
	funcIndex  map[string]int32
}

// Compile lowers a parsed formula into bytecode for the given context.
// compilation never fails on semantic problems; unknown sheets and
// tables lower to error constants so the failure surfaces as a cell
// value.
func Compile(ast Node, ctx *CompileContext) (*Program, error) {
	c := &compiler{
		ctx:        ctx,
		prog:       &Program{},
		constIndex: make(map[Primitive]int32),
		funcIndex:  make(map[string]int32),
	}
	if err := c.compileNode(ast); err != nil {
		return nil, err
	}
	c.emit(OpRet, 0, 0)
	return c.prog, nil
}

func (c *compiler) emit(op Opcode, a, b int32) int32 {
	pc := int32(len(c.prog.Code))
	c.prog.Code = append(c.prog.Code, Instruction{Op: op, A: a, B: b})
	return pc
}

// patch rewrites a previously emitted jump to target the next pc
func (c *compiler) patch(pc int32) {
	c.prog.Code[pc].A = int32(len(c.prog.Code))
}

func (c *compiler) pushConst(value Primitive) {
	// errors and arrays are pointers, not comparable map keys
	switch value.(type) {
	case *CellError, *Array:
		idx := int32(len(c.prog.Consts))
		c.prog.Consts = append(c.prog.Consts, value)
		c.emit(OpPushConst, idx, 0)
		return
	}
	idx, ok := c.constIndex[value]
	if !ok {
		idx = int32(len(c.prog.Consts))
		c.prog.Consts = append(c.prog.Consts, value)
		c.constIndex[value] = idx
	}
	c.emit(OpPushConst, idx, 0)
}

func (c *compiler) pushError(kind ErrorKind) {
	c.pushConst(NewCellError(kind, ""))
}

func (c *compiler) funcID(name string) int32 {
	if idx, ok := c.funcIndex[name]; ok {
		return idx
	}
	idx := int32(len(c.prog.Funcs))
	c.prog.Funcs = append(c.prog.Funcs, name)
	c.funcIndex[name] = idx
	return idx
}

// coordOperand converts a parsed coordinate pair to its program form,
// folding relative axes into offsets from the origin
func (c *compiler) coordOperand(row, col uint32, absRow, absCol bool) CoordOperand {
	op := CoordOperand{AbsRow: absRow, AbsCol: absCol}
	if absRow {
		op.Row = int32(row)
	} else {
		op.Row = int32(int64(row) - int64(c.ctx.Origin.Row))
	}
	if absCol {
		op.Col = int32(col)
	} else {
		op.Col = int32(int64(col) - int64(c.ctx.Origin.Col))
	}
	return op
}

func (c *compiler) compileNode(node Node) error {
	switch n := node.(type) {
	case *NumberNode:
		c.pushConst(n.Value)
	case *StringNode:
		c.pushConst(n.Value)
	case *BoolNode:
		c.pushConst(n.Value)
	case *ErrorNode:
		kind := ErrorKindFromLiteral(n.Literal)
		if kind == ErrUnknown {
			c.pushConst(NewUnknownError(n.Literal))
		} else {
			c.pushError(kind)
		}

	case *CellRefNode:
		operand := CellOperand{Coord: c.coordOperand(n.Row, n.Col, n.AbsRow, n.AbsCol)}
		if n.HasSheet {
			id, ok := c.ctx.resolveSheet(n.Sheet)
			if !ok {
				c.pushError(ErrRef)
				return nil
			}
			operand.HasSheet = true
			operand.SheetID = id
		}
		idx := int32(len(c.prog.Cells))
		c.prog.Cells = append(c.prog.Cells, operand)
		c.emit(OpLoadCell, idx, 0)

	case *RangeNode:
		return c.compileRange(n)

	case *NameNode:
		operand := NameOperand{Name: strings.ToUpper(n.Name)}
		if n.HasSheet {
			id, ok := c.ctx.resolveSheet(n.Sheet)
			if !ok {
				c.pushError(ErrRef)
				return nil
			}
			operand.HasSheet = true
			operand.SheetID = id
		}
		idx := int32(len(c.prog.Names))
		c.prog.Names = append(c.prog.Names, operand)
		c.emit(OpLoadName, idx, 0)

	case *StructuredRefNode:
		if c.ctx.ResolveTable != nil {
			if r, ok := c.ctx.ResolveTable(n.Table, n.Item); ok {
				operand := RangeOperand{
					HasSheet: true,
					SheetID:  r.SheetID,
					Start:    CoordOperand{AbsRow: true, AbsCol: true, Row: int32(r.StartRow), Col: int32(r.StartCol)},
					End:      CoordOperand{AbsRow: true, AbsCol: true, Row: int32(r.EndRow), Col: int32(r.EndCol)},
				}
				idx := int32(len(c.prog.Ranges))
				c.prog.Ranges = append(c.prog.Ranges, operand)
				c.emit(OpLoadRange, idx, 0)
				return nil
			}
		}
		c.pushError(ErrName)

	case *FieldAccessNode:
		if err := c.compileNode(n.Target); err != nil {
			return err
		}
		c.pushConst(n.Field)
		c.emit(OpField, 0, 0)

	case *SpillNode:
		anchor, ok := n.Target.(*CellRefNode)
		if !ok {
			c.pushError(ErrRef)
			return nil
		}
		operand := RangeOperand{SpillAnchor: true}
		if anchor.HasSheet {
			id, resolved := c.ctx.resolveSheet(anchor.Sheet)
			if !resolved {
				c.pushError(ErrRef)
				return nil
			}
			operand.HasSheet = true
			operand.SheetID = id
		}
		coord := c.coordOperand(anchor.Row, anchor.Col, anchor.AbsRow, anchor.AbsCol)
		operand.Start = coord
		operand.End = coord
		idx := int32(len(c.prog.Ranges))
		c.prog.Ranges = append(c.prog.Ranges, operand)
		c.emit(OpLoadRange, idx, 0)

	case *UnaryNode:
		if err := c.compileNode(n.Operand); err != nil {
			return err
		}
		c.emit(OpUnOp, int32(n.Op), 0)

	case *BinaryNode:
		if err := c.compileNode(n.Left); err != nil {
			return err
		}
		if err := c.compileNode(n.Right); err != nil {
			return err
		}
		c.emit(OpBinOp, int32(n.Op), 0)

	case *CallNode:
		return c.compileCall(n)

	case *ArrayNode:
		rows := len(n.Rows)
		cols := len(n.Rows[0])
		for _, row := range n.Rows {
			for _, elem := range row {
				if err := c.compileNode(elem); err != nil {
					return err
				}
			}
		}
		c.emit(OpMakeArray, int32(rows), int32(cols))

	default:
		return fmt.Errorf("unsupported node %T", node)
	}
	return nil
}

func (c *compiler) compileRange(n *RangeNode) error {
	operand := RangeOperand{
		Start: c.coordOperand(n.StartRow, n.StartCol, n.AbsStartRow, n.AbsStartCol),
		End:   c.coordOperand(n.EndRow, n.EndCol, n.AbsEndRow, n.AbsEndCol),
	}
	if n.HasSheet {
		id, ok := c.ctx.resolveSheet(n.Sheet)
		if !ok {
			c.pushError(ErrRef)
			return nil
		}
		operand.HasSheet = true
		operand.SheetID = id
		if n.SheetEnd != "" {
			endID, ok := c.ctx.resolveSheet(n.SheetEnd)
			if !ok {
				c.pushError(ErrRef)
				return nil
			}
			operand.SheetEndID = endID
		}
	}
	idx := int32(len(c.prog.Ranges))
	c.prog.Ranges = append(c.prog.Ranges, operand)
	c.emit(OpLoadRange, idx, 0)
	return nil
}

// compileCall lowers a function call. IF, IFS, and scalar AND / OR get
// short-circuit jump code; everything else evaluates arguments eagerly
// and dispatches through the registry at run time.
func (c *compiler) compileCall(n *CallNode) error {
	if c.ctx.isVolatile(n.Name) {
		c.prog.Volatile = true
	}

	switch n.Name {
	case "IF":
		if len(n.Args) == 2 || len(n.Args) == 3 {
			return c.compileIf(n)
		}
	case "IFS":
		if len(n.Args) >= 2 && len(n.Args)%2 == 0 {
			return c.compileIfs(n)
		}
	case "AND":
		if len(n.Args) >= 1 && scalarArgs(n.Args) {
			return c.compileAnd(n)
		}
	case "OR":
		if len(n.Args) >= 1 && scalarArgs(n.Args) {
			return c.compileOr(n)
		}
	}

	for _, arg := range n.Args {
		if err := c.compileNode(arg); err != nil {
			return err
		}
	}
	c.emit(OpCall, c.funcID(n.Name), int32(len(n.Args)))
	return nil
}

// scalarArgs reports whether every argument is guaranteed scalar, which
// is what makes short-circuit lowering of AND / OR semantics-preserving.
// ranges and names may hold multiple values and must aggregate instead.
func scalarArgs(args []Node) bool {
	for _, arg := range args {
		switch arg.(type) {
		case *RangeNode, *SpillNode, *NameNode, *StructuredRefNode, *ArrayNode:
			return false
		}
	}
	return true
}

func (c *compiler) compileIf(n *CallNode) error {
	if err := c.compileNode(n.Args[0]); err != nil {
		return err
	}
	jmpElse := c.emit(OpJmpIfFalse, 0, 0)
	if err := c.compileNode(n.Args[1]); err != nil {
		return err
	}
	jmpEnd := c.emit(OpJmp, 0, 0)
	c.patch(jmpElse)
	if len(n.Args) == 3 {
		if err := c.compileNode(n.Args[2]); err != nil {
			return err
		}
	} else {
		c.pushConst(false)
	}
	c.patch(jmpEnd)
	return nil
}

func (c *compiler) compileIfs(n *CallNode) error {
	var endJumps []int32
	for i := 0; i < len(n.Args); i += 2 {
		if err := c.compileNode(n.Args[i]); err != nil {
			return err
		}
		jmpNext := c.emit(OpJmpIfFalse, 0, 0)
		if err := c.compileNode(n.Args[i+1]); err != nil {
			return err
		}
		endJumps = append(endJumps, c.emit(OpJmp, 0, 0))
		c.patch(jmpNext)
	}
	// no condition matched
	c.pushError(ErrNA)
	for _, pc := range endJumps {
		c.patch(pc)
	}
	return nil
}

func (c *compiler) compileAnd(n *CallNode) error {
	var falseJumps []int32
	for _, arg := range n.Args {
		if err := c.compileNode(arg); err != nil {
			return err
		}
		falseJumps = append(falseJumps, c.emit(OpJmpIfFalse, 0, 0))
	}
	c.pushConst(true)
	jmpEnd := c.emit(OpJmp, 0, 0)
	for _, pc := range falseJumps {
		c.patch(pc)
	}
	c.pushConst(false)
	c.patch(jmpEnd)
	return nil
}

func (c *compiler) compileOr(n *CallNode) error {
	var trueJumps []int32
	for _, arg := range n.Args {
		if err := c.compileNode(arg); err != nil {
			return err
		}
		jmpNext := c.emit(OpJmpIfFalse, 0, 0)
		trueJumps = append(trueJumps, c.emit(OpJmp, 0, 0))
		c.patch(jmpNext)
	}
	c.pushConst(false)
	jmpEnd := c.emit(OpJmp, 0, 0)
	for _, pc := range trueJumps {
		c.patch(pc)
	}
	c.pushConst(true)
	c.patch(jmpEnd)
	return nil
}

// PrecedentKind classifies a precedent entry
type PrecedentKind int

const (
	PrecCell PrecedentKind = iota
	PrecRange
	PrecName
)

// Precedent is one input edge of a compiled formula, resolved for a
// concrete origin
type Precedent struct {
	Kind         PrecedentKind
	Cell         CellAddress
	Range        RangeAddress
	Name         string
	NameSheet    uint32
	NameHasSheet bool

	// OffGrid marks a relative reference that resolved outside the grid
	// for this origin; evaluation will produce #REF!
	OffGrid bool
}

// Precedents resolves the program's operand tables against an origin,
// yielding the dependency edges the graph needs. 3-D ranges expand to
// one entry per sheet id in the span.
func (p *Program) Precedents(origin CellAddress) []Precedent {
	var out []Precedent
	for _, cell := range p.Cells {
		addr, ok := cell.Resolve(origin)
		if !ok {
			out = append(out, Precedent{Kind: PrecCell, OffGrid: true})
			continue
		}
		out = append(out, Precedent{Kind: PrecCell, Cell: addr})
	}
	for _, rng := range p.Ranges {
		if rng.SpillAnchor {
			// the spill region is dynamic; depend on the anchor cell and
			// let recalculation of the anchor re-dirty dependents
			addr, ok := CellOperand{HasSheet: rng.HasSheet, SheetID: rng.SheetID, Coord: rng.Start}.Resolve(origin)
			if !ok {
				out = append(out, Precedent{Kind: PrecCell, OffGrid: true})
				continue
			}
			out = append(out, Precedent{Kind: PrecCell, Cell: addr})
			continue
		}
		r, ok := rng.Resolve(origin)
		if !ok {
			out = append(out, Precedent{Kind: PrecRange, OffGrid: true})
			continue
		}
		first, last := rng.SheetSpan(origin)
		for sheet := first; sheet <= last; sheet++ {
			sheeted := r
			sheeted.SheetID = sheet
			out = append(out, Precedent{Kind: PrecRange, Range: sheeted})
		}
	}
	for _, name := range p.Names {
		sheet := origin.SheetID
		if name.HasSheet {
			sheet = name.SheetID
		}
		out = append(out, Precedent{
			Kind:         PrecName,
			Name:         name.Name,
			NameSheet:    sheet,
			NameHasSheet: name.HasSheet,
		})
	}
	return out
}
