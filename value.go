package gridcalc

import (
	"fmt"
	"iter"
	"math"
	"strconv"
)

// Primitive represents basic spreadsheet value types.
// types:
//   - float64: numeric values (integers are converted to float64)
//   - string: text values
//   - bool: boolean values (TRUE/FALSE)
//   - DateSerial: numeric values tagged as dates so date formats round-trip
//   - nil: empty/blank cells
//   - *CellError: error values (#DIV/0!, #VALUE!, etc.)
//   - *Array: rectangular 2-D results from array literals and spills
//   - *RangeValue: first-class range references returned by address functions
type Primitive any

// DateSerial is a number tagged as a date. the serial value is days since
// the configured date system epoch, fractional part is time of day.
type DateSerial float64

// ErrorKind represents standard spreadsheet error codes following
// Excel conventions
type ErrorKind uint8

const (
	ErrDiv0     ErrorKind = 1  // #DIV/0! - division by zero
	ErrValue    ErrorKind = 2  // #VALUE! - wrong type of argument or operand
	ErrNum      ErrorKind = 3  // #NUM! - number outside the representable domain
	ErrName     ErrorKind = 4  // #NAME? - unrecognized function or defined name
	ErrRef      ErrorKind = 5  // #REF! - invalid cell reference
	ErrNA       ErrorKind = 6  // #N/A - value not available
	ErrNull     ErrorKind = 7  // #NULL! - no cells in common between ranges
	ErrSpill    ErrorKind = 8  // #SPILL! - spill range is blocked
	ErrCalc     ErrorKind = 9  // #CALC! - calculation engine error
	ErrCircular ErrorKind = 10 // circular reference detected
	ErrUnknown  ErrorKind = 11 // any unrecognized #…! literal, round-tripped
)

// errorLiterals maps error kinds to their canonical display codes
var errorLiterals = map[ErrorKind]string{
	ErrDiv0:     "#DIV/0!",
	ErrValue:    "#VALUE!",
	ErrNum:      "#NUM!",
	ErrName:     "#NAME?",
	ErrRef:      "#REF!",
	ErrNA:       "#N/A",
	ErrNull:     "#NULL!",
	ErrSpill:    "#SPILL!",
	ErrCalc:     "#CALC!",
	ErrCircular: "#CIRCULAR!",
	ErrUnknown:  "#UNKNOWN!",
}

// errorKindByLiteral is the reverse index for parsing error literals
var errorKindByLiteral = func() map[string]ErrorKind {
	m := make(map[string]ErrorKind, len(errorLiterals))
	for kind, lit := range errorLiterals {
		m[lit] = kind
	}
	// #N/A has no trailing punctuation but is still an error literal
	return m
}()

// ErrorKindFromLiteral maps an error literal like "#DIV/0!" to its kind.
// unrecognized #…! codes map to ErrUnknown so they round-trip as text.
func ErrorKindFromLiteral(lit string) ErrorKind {
	if kind, ok := errorKindByLiteral[lit]; ok {
		return kind
	}
	return ErrUnknown
}

// CellError preserves an error kind for display in cells. an ErrUnknown
// error keeps the original literal so extended codes round-trip unchanged.
type CellError struct {
	Kind    ErrorKind
	Literal string // original literal for ErrUnknown, otherwise empty
	Message string // optional diagnostic detail, not part of equality
}

func (e *CellError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code()
}

// Code returns the spreadsheet display code for the error
func (e *CellError) Code() string {
	if e.Kind == ErrUnknown && e.Literal != "" {
		return e.Literal
	}
	return errorLiterals[e.Kind]
}

// NewCellError creates a new in-cell error value
func NewCellError(kind ErrorKind, message string) *CellError {
	return &CellError{Kind: kind, Message: message}
}

// NewUnknownError creates an ErrUnknown error preserving the literal
func NewUnknownError(literal string) *CellError {
	return &CellError{Kind: ErrUnknown, Literal: literal}
}

// asCellError returns the error if value is a *CellError, nil otherwise
func asCellError(value Primitive) *CellError {
	if err, ok := value.(*CellError); ok {
		return err
	}
	return nil
}

// Array is a rectangular 2-D array of values stored row-major
type Array struct {
	Rows  int
	Cols  int
	Cells []Primitive
}

// NewArray creates an array of the given shape with all cells blank
func NewArray(rows, cols int) *Array {
	return &Array{
		Rows:  rows,
		Cols:  cols,
		Cells: make([]Primitive, rows*cols),
	}
}

// At returns the value at (row, col). out-of-shape access returns nil
func (a *Array) At(row, col int) Primitive {
	if row < 0 || row >= a.Rows || col < 0 || col >= a.Cols {
		return nil
	}
	return a.Cells[row*a.Cols+col]
}

// Set stores a value at (row, col); out-of-shape writes are ignored
func (a *Array) Set(row, col int, value Primitive) {
	if row < 0 || row >= a.Rows || col < 0 || col >= a.Cols {
		return
	}
	a.Cells[row*a.Cols+col] = value
}

// Range represents a lazy range type for memory-efficient formula evaluation
type Range interface {
	Bounds() RangeAddress
	Values() iter.Seq[Primitive]
}

// RangeValue implements Range against a ValueResolver. it is the runtime
// representation of a range reference on the VM stack; cells are resolved
// lazily so aggregations over large ranges never materialize an array.
type RangeValue struct {
	bounds   RangeAddress
	resolver ValueResolver
}

// NewRangeValue creates a lazy range over the given bounds
func NewRangeValue(bounds RangeAddress, resolver ValueResolver) *RangeValue {
	return &RangeValue{bounds: bounds, resolver: resolver}
}

// Bounds returns the range boundaries
func (r *RangeValue) Bounds() RangeAddress {
	return r.bounds
}

// Values returns an iterator over cell values in row-major order
func (r *RangeValue) Values() iter.Seq[Primitive] {
	return func(yield func(Primitive) bool) {
		if r.resolver == nil {
			return
		}
		for row := r.bounds.StartRow; row <= r.bounds.EndRow; row++ {
			for col := r.bounds.StartCol; col <= r.bounds.EndCol; col++ {
				value := r.resolver.Cell(CellAddress{SheetID: r.bounds.SheetID, Row: row, Col: col})
				if !yield(value) {
					return
				}
			}
			if r.bounds.EndRow == MaxRow {
				// open-ended ranges would iterate forever; resolvers clamp
				// bounds before constructing a RangeValue, this is a guard
				return
			}
		}
	}
}

// Materialize reads the whole range into an Array
func (r *RangeValue) Materialize() *Array {
	rows := int(r.bounds.EndRow-r.bounds.StartRow) + 1
	cols := int(r.bounds.EndCol-r.bounds.StartCol) + 1
	arr := NewArray(rows, cols)
	i := 0
	for v := range r.Values() {
		arr.Cells[i] = v
		i++
	}
	return arr
}

// toNumber converts a primitive to a number using the given locale for text
// numerals. blank coerces to 0, booleans to 1/0, date serials pass through.
func toNumber(loc LocaleConfig, value Primitive) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case DateSerial:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		if v == "" {
			return 0, true
		}
		return loc.ParseNumber(v)
	case nil:
		return 0, true
	default:
		return 0, false
	}
}

// toBool converts a primitive to a boolean. nonzero numbers are TRUE, blank
// and empty text are FALSE, "TRUE"/"FALSE" text parses case-insensitively.
func toBool(value Primitive) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case float64:
		return v != 0, true
	case DateSerial:
		return v != 0, true
	case nil:
		return false, true
	case string:
		switch {
		case v == "":
			return false, true
		case equalFold(v, "TRUE"):
			return true, true
		case equalFold(v, "FALSE"):
			return false, true
		}
		return false, false
	default:
		return false, false
	}
}

// toText converts a primitive to its text form. blank is the empty string.
func toText(value Primitive) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	case float64:
		return formatNumber(v)
	case DateSerial:
		return formatNumber(float64(v))
	case *CellError:
		return v.Code()
	default:
		return fmt.Sprint(v)
	}
}

// formatNumber formats a number without unnecessary decimals
func formatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// equalFold does ASCII case-insensitive comparison, enough for the
// TRUE/FALSE keywords
func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'a' <= ca && ca <= 'z' {
			ca -= 32
		}
		if 'a' <= cb && cb <= 'z' {
			cb -= 32
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// primitivesEqual reports structural equality between two values. ordering
// is deliberately not defined here; comparisons live in comparePrimitives.
func primitivesEqual(a, b Primitive) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case float64:
		bv, ok := b.(float64)
		return ok && av == bv
	case DateSerial:
		bv, ok := b.(DateSerial)
		return ok && av == bv
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case *CellError:
		bv, ok := b.(*CellError)
		return ok && av.Kind == bv.Kind && av.Code() == bv.Code()
	case *Array:
		bv, ok := b.(*Array)
		if !ok || av.Rows != bv.Rows || av.Cols != bv.Cols {
			return false
		}
		for i := range av.Cells {
			if !primitivesEqual(av.Cells[i], bv.Cells[i]) {
				return false
			}
		}
		return true
	case *RangeValue:
		bv, ok := b.(*RangeValue)
		return ok && av.bounds == bv.bounds
	default:
		return false
	}
}

// incomparable is returned by comparePrimitives when no ordering exists
const incomparable = -2

// comparePrimitives compares two primitive values. returns -1 if left <
// right, 0 if equal, 1 if left > right, incomparable otherwise
func comparePrimitives(loc LocaleConfig, left, right Primitive) int {
	if left == nil && right == nil {
		return 0
	}
	if left == nil {
		return -1
	}
	if right == nil {
		return 1
	}

	// numeric comparison first
	leftNum, leftIsNum := numericOnly(left)
	rightNum, rightIsNum := numericOnly(right)
	if leftIsNum && rightIsNum {
		switch {
		case leftNum < rightNum:
			return -1
		case leftNum > rightNum:
			return 1
		}
		return 0
	}

	// boolean comparison
	leftBool, leftIsBool := left.(bool)
	rightBool, rightIsBool := right.(bool)
	if leftIsBool && rightIsBool {
		switch {
		case leftBool == rightBool:
			return 0
		case !leftBool:
			return -1
		}
		return 1
	}

	// text comparison as the fallback
	leftStr, leftIsStr := left.(string)
	rightStr, rightIsStr := right.(string)
	if leftIsStr && rightIsStr {
		switch {
		case leftStr < rightStr:
			return -1
		case leftStr > rightStr:
			return 1
		}
		return 0
	}

	// mixed kinds: Excel orders number < text < bool
	lk := comparisonRank(left)
	rk := comparisonRank(right)
	if lk != rk && lk >= 0 && rk >= 0 {
		if lk < rk {
			return -1
		}
		return 1
	}
	_ = loc
	return incomparable
}

// numericOnly extracts a number without text coercion, for comparisons
func numericOnly(value Primitive) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case DateSerial:
		return float64(v), true
	default:
		return 0, false
	}
}

// comparisonRank orders kinds for mixed comparisons: number < text < bool
func comparisonRank(value Primitive) int {
	switch value.(type) {
	case float64, DateSerial:
		return 0
	case string:
		return 1
	case bool:
		return 2
	default:
		return -1
	}
}
