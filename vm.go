package gridcalc

import (
	"iter"
	"math"
)

// ValueResolver supplies cell, range, and name values to the VM. the VM
// cannot observe or mutate graph state through it; resolvers hand back
// already-calculated values.
type ValueResolver interface {
	// Cell returns the current value of a cell, nil for blank
	Cell(addr CellAddress) Primitive

	// Range returns a lazy view over a range. implementations clamp
	// open-ended bounds to the sheet's used extent before constructing
	// the view.
	Range(r RangeAddress) Range

	// Name resolves a defined name to its current value
	Name(key NameKey) (Primitive, bool)

	// SpillBounds returns the spilled region anchored at a cell, false
	// when the cell has no spill
	SpillBounds(anchor CellAddress) (RangeAddress, bool)
}

// EvalContext carries everything one program execution needs
type EvalContext struct {
	Origin   CellAddress
	Resolver ValueResolver
	Funcs    FunctionRegistry

	Locale     LocaleConfig
	DateSystem DateSystem
	Clock      Clock
	Rand       RandomGenerator
}

func (ctx *EvalContext) callContext() *CallContext {
	return &CallContext{
		Origin:     ctx.Origin,
		Locale:     ctx.Locale,
		DateSystem: ctx.DateSystem,
		Clock:      ctx.Clock,
		Rand:       ctx.Rand,
	}
}

// multiRange chains per-sheet ranges of a 3-D reference into one Range
type multiRange struct {
	parts []Range
}

func (m *multiRange) Bounds() RangeAddress {
	return m.parts[0].Bounds()
}

func (m *multiRange) Values() iter.Seq[Primitive] {
	return func(yield func(Primitive) bool) {
		for _, part := range m.parts {
			for v := range part.Values() {
				if !yield(v) {
					return
				}
			}
		}
	}
}

// VM executes compiled programs. the zero value is ready to use; a VM
// may be reused across executions but not shared between goroutines.
type VM struct {
	stack []Primitive
}

func (vm *VM) push(v Primitive) {
	vm.stack = append(vm.stack, v)
}

func (vm *VM) pop() Primitive {
	v := vm.stack[len(vm.stack)-1]
	vm.stack = vm.stack[:len(vm.stack)-1]
	return v
}

// Exec runs a program and returns its result value. execution never
// returns a Go error; every failure mode is a *CellError result.
func (vm *VM) Exec(p *Program, ctx *EvalContext) Primitive {
	vm.stack = vm.stack[:0]

	for pc := 0; pc < len(p.Code); pc++ {
		inst := p.Code[pc]
		switch inst.Op {
		case OpPushConst:
			vm.push(p.Consts[inst.A])

		case OpLoadCell:
			addr, ok := p.Cells[inst.A].Resolve(ctx.Origin)
			if !ok {
				vm.push(NewCellError(ErrRef, "reference off the grid"))
				continue
			}
			vm.push(ctx.Resolver.Cell(addr))

		case OpLoadRange:
			vm.push(vm.loadRange(p.Ranges[inst.A], ctx))

		case OpLoadName:
			operand := p.Names[inst.A]
			sheet := ctx.Origin.SheetID
			if operand.HasSheet {
				sheet = operand.SheetID
			}
			// sheet-scoped binding shadows the global one
			value, ok := ctx.Resolver.Name(NameKey{SheetID: sheet, Name: operand.Name})
			if !ok {
				value, ok = ctx.Resolver.Name(NameKey{Global: true, Name: operand.Name})
			}
			if !ok {
				vm.push(NewCellError(ErrName, "unknown name: "+operand.Name))
				continue
			}
			vm.push(value)

		case OpBinOp:
			right := vm.pop()
			left := vm.pop()
			vm.push(binaryOp(ctx, BinaryOp(inst.A), left, right))

		case OpUnOp:
			operand := vm.pop()
			vm.push(unaryOp(ctx, UnaryOp(inst.A), operand))

		case OpField:
			field := vm.pop()
			target := vm.pop()
			if cerr := asCellError(target); cerr != nil {
				vm.push(cerr)
				continue
			}
			_ = field
			vm.push(NewCellError(ErrValue, "value has no fields"))

		case OpCall:
			result := vm.call(p.Funcs[inst.A], int(inst.B), ctx)
			vm.push(result)

		case OpJmp:
			pc = int(inst.A) - 1

		case OpJmpIfFalse:
			cond := vm.pop()
			if cerr := asCellError(cond); cerr != nil {
				// a failed condition fails the whole formula
				return cerr
			}
			scalar, cerr := scalarArg(cond)
			if cerr != nil {
				return cerr
			}
			b, ok := toBool(scalar)
			if !ok {
				return NewCellError(ErrValue, "condition is not a logical value")
			}
			if !b {
				pc = int(inst.A) - 1
			}

		case OpMakeArray:
			rows, cols := int(inst.A), int(inst.B)
			arr := NewArray(rows, cols)
			// values were pushed row-major, pop fills backwards
			for i := rows*cols - 1; i >= 0; i-- {
				arr.Cells[i] = vm.pop()
			}
			vm.push(arr)

		case OpRet:
			return vm.pop()
		}
	}

	if len(vm.stack) > 0 {
		return vm.pop()
	}
	return NewCellError(ErrCalc, "program ended without a result")
}

func (vm *VM) loadRange(operand RangeOperand, ctx *EvalContext) Primitive {
	if operand.SpillAnchor {
		anchor, ok := CellOperand{HasSheet: operand.HasSheet, SheetID: operand.SheetID, Coord: operand.Start}.Resolve(ctx.Origin)
		if !ok {
			return NewCellError(ErrRef, "reference off the grid")
		}
		bounds, ok := ctx.Resolver.SpillBounds(anchor)
		if !ok {
			return NewCellError(ErrRef, "cell does not spill")
		}
		return ctx.Resolver.Range(bounds)
	}

	r, ok := operand.Resolve(ctx.Origin)
	if !ok {
		return NewCellError(ErrRef, "reference off the grid")
	}
	first, last := operand.SheetSpan(ctx.Origin)
	if first == last {
		return ctx.Resolver.Range(r)
	}
	parts := make([]Range, 0, last-first+1)
	for sheet := first; sheet <= last; sheet++ {
		sheeted := r
		sheeted.SheetID = sheet
		parts = append(parts, ctx.Resolver.Range(sheeted))
	}
	return &multiRange{parts: parts}
}

func (vm *VM) call(name string, argc int, ctx *EvalContext) Primitive {
	args := make([]Primitive, argc)
	for i := argc - 1; i >= 0; i-- {
		args[i] = vm.pop()
	}

	fn, ok := ctx.Funcs.Lookup(name)
	if !ok {
		return NewCellError(ErrName, "unknown function: "+name)
	}
	if argc < fn.MinArgs || (fn.MaxArgs >= 0 && argc > fn.MaxArgs) {
		return NewCellError(ErrNA, name+": wrong number of arguments")
	}
	if !fn.AcceptsErrors {
		for _, arg := range args {
			if cerr := asCellError(arg); cerr != nil {
				return cerr
			}
		}
	}

	result, err := fn.Fn(ctx.callContext(), args)
	if err != nil {
		return NewCellError(ErrCalc, err.Error())
	}
	return result
}

// powerValue implements the exponentiation domain rules shared by the ^
// operator and POWER
func powerValue(base, exp float64) Primitive {
	if base == 0 && exp == 0 {
		return NewCellError(ErrNum, "0^0 is undefined")
	}
	if base == 0 && exp < 0 {
		return NewCellError(ErrDiv0, "zero to a negative power")
	}
	if base < 0 && exp != math.Trunc(exp) {
		return NewCellError(ErrNum, "negative base with fractional exponent")
	}
	result := math.Pow(base, exp)
	if math.IsNaN(result) || math.IsInf(result, 0) {
		return NewCellError(ErrNum, "result out of range")
	}
	return result
}

// finiteNumber maps overflow to #NUM!
func finiteNumber(v float64) Primitive {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return NewCellError(ErrNum, "result out of range")
	}
	return v
}

// binaryOp applies a binary operator with spreadsheet coercion rules.
// an error in the left operand wins over one in the right.
func binaryOp(ctx *EvalContext, op BinaryOp, left, right Primitive) Primitive {
	var cerr *CellError
	left, cerr = scalarArg(left)
	if cerr != nil {
		return cerr
	}
	right, cerr = scalarArg(right)
	if cerr != nil {
		return cerr
	}
	if cerr := asCellError(left); cerr != nil {
		return cerr
	}
	if cerr := asCellError(right); cerr != nil {
		return cerr
	}

	switch op {
	case BinOpConcat:
		return toText(left) + toText(right)

	case BinOpEqual:
		return primitivesEqual(left, right)
	case BinOpNotEqual:
		return !primitivesEqual(left, right)
	case BinOpLess, BinOpLessEqual, BinOpGreater, BinOpGreaterEqual:
		cmp := comparePrimitives(ctx.Locale, left, right)
		if cmp == incomparable {
			return NewCellError(ErrValue, "values cannot be compared")
		}
		switch op {
		case BinOpLess:
			return cmp < 0
		case BinOpLessEqual:
			return cmp <= 0
		case BinOpGreater:
			return cmp > 0
		default:
			return cmp >= 0
		}
	}

	a, ok := toNumber(ctx.Locale, left)
	if !ok {
		return NewCellError(ErrValue, "operand is not a number")
	}
	b, ok := toNumber(ctx.Locale, right)
	if !ok {
		return NewCellError(ErrValue, "operand is not a number")
	}

	_, leftIsDate := left.(DateSerial)
	_, rightIsDate := right.(DateSerial)

	switch op {
	case BinOpAdd:
		result := finiteNumber(a + b)
		// date plus number stays a date
		if num, isNum := result.(float64); isNum && leftIsDate != rightIsDate {
			return DateSerial(num)
		}
		return result
	case BinOpSubtract:
		result := finiteNumber(a - b)
		// date minus number stays a date; date minus date is day count
		if num, isNum := result.(float64); isNum && leftIsDate && !rightIsDate {
			return DateSerial(num)
		}
		return result
	case BinOpMultiply:
		return finiteNumber(a * b)
	case BinOpDivide:
		if b == 0 {
			return NewCellError(ErrDiv0, "division by zero")
		}
		return finiteNumber(a / b)
	case BinOpPower:
		return powerValue(a, b)
	}
	return NewCellError(ErrCalc, "unknown operator")
}

// unaryOp applies a prefix or postfix unary operator
func unaryOp(ctx *EvalContext, op UnaryOp, operand Primitive) Primitive {
	var cerr *CellError
	operand, cerr = scalarArg(operand)
	if cerr != nil {
		return cerr
	}
	if cerr := asCellError(operand); cerr != nil {
		return cerr
	}

	switch op {
	case UnaryOpPlus:
		// unary plus returns its operand untouched, text included
		return operand
	case UnaryOpMinus:
		num, ok := toNumber(ctx.Locale, operand)
		if !ok {
			return NewCellError(ErrValue, "operand is not a number")
		}
		if _, isDate := operand.(DateSerial); isDate {
			return DateSerial(-num)
		}
		return -num
	case UnaryOpPercent:
		num, ok := toNumber(ctx.Locale, operand)
		if !ok {
			return NewCellError(ErrValue, "operand is not a number")
		}
		return num / 100
	}
	return NewCellError(ErrCalc, "unknown operator")
}
