package gridcalc

import (
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Clock interface provides time functionality for testing
type Clock interface {
	Now() time.Time
}

// WallClock is the default implementation using system time
type WallClock struct{}

func (w *WallClock) Now() time.Time {
	return time.Now()
}

// RandomGenerator interface provides random number generation for testing
type RandomGenerator interface {
	Float64() float64
}

// DefaultRandomGenerator uses the standard library's rand package
type DefaultRandomGenerator struct{}

func (d *DefaultRandomGenerator) Float64() float64 {
	return rand.Float64()
}

// full-language case mappers, so UPPER("straße") comes out "STRASSE"
var (
	upperCaser = cases.Upper(language.Und)
	lowerCaser = cases.Lower(language.Und)
)

// serial number epochs, in Unix milliseconds
const (
	epoch1900MS = -2209161600000 // December 30, 1899 00:00:00 UTC
	epoch1904MS = -2082844800000 // January 1, 1904 00:00:00 UTC
	msPerDay    = 86400000
)

func epochMS(system DateSystem) int64 {
	if system == DateSystem1904 {
		return epoch1904MS
	}
	return epoch1900MS
}

// NewBuiltinRegistry creates a registry holding the standard function
// set
func NewBuiltinRegistry() *MapRegistry {
	r := NewMapRegistry()

	register := func(name string, min, max int, fn FunctionImpl) {
		r.Register(&Function{Name: name, MinArgs: min, MaxArgs: max, Fn: fn})
	}
	registerVolatile := func(name string, min, max int, fn FunctionImpl) {
		r.Register(&Function{Name: name, MinArgs: min, MaxArgs: max, Volatile: true, Fn: fn})
	}
	registerErrTolerant := func(name string, min, max int, fn FunctionImpl) {
		r.Register(&Function{Name: name, MinArgs: min, MaxArgs: max, AcceptsErrors: true, Fn: fn})
	}

	register("SUM", 1, -1, fnSUM)
	register("AVERAGE", 1, -1, fnAVERAGE)
	register("AVERAGEA", 1, -1, fnAVERAGEA)
	register("COUNT", 1, -1, fnCOUNT)
	register("COUNTA", 1, -1, fnCOUNTA)
	register("MIN", 1, -1, fnMIN)
	register("MAX", 1, -1, fnMAX)
	register("MEDIAN", 1, -1, fnMEDIAN)
	register("MODE", 1, -1, fnMODE)

	register("ABS", 1, 1, fnABS)
	register("ROUND", 1, 2, fnROUND)
	register("FLOOR", 1, 1, fnFLOOR)
	register("CEILING", 1, 1, fnCEILING)
	register("SQRT", 1, 1, fnSQRT)
	register("POWER", 2, 2, fnPOWER)
	register("MOD", 2, 2, fnMOD)
	register("PI", 0, 0, fnPI)

	register("LEN", 1, 1, fnLEN)
	register("UPPER", 1, 1, fnUPPER)
	register("LOWER", 1, 1, fnLOWER)
	register("TRIM", 1, 1, fnTRIM)
	register("CONCATENATE", 1, -1, fnCONCATENATE)

	register("IF", 2, 3, fnIF)
	register("IFS", 2, -1, fnIFS)
	register("AND", 1, -1, fnAND)
	register("OR", 1, -1, fnOR)
	register("NOT", 1, 1, fnNOT)

	registerErrTolerant("ISERROR", 1, 1, fnISERROR)
	registerErrTolerant("ISNA", 1, 1, fnISNA)
	registerErrTolerant("IFERROR", 2, 2, fnIFERROR)
	registerErrTolerant("IFNA", 2, 2, fnIFNA)
	register("ISBLANK", 1, 1, fnISBLANK)
	register("ISNUMBER", 1, 1, fnISNUMBER)
	register("ISTEXT", 1, 1, fnISTEXT)

	registerVolatile("NOW", 0, 0, fnNOW)
	registerVolatile("TODAY", 0, 0, fnTODAY)
	registerVolatile("RAND", 0, 0, fnRAND)

	return r
}

// eachValue visits every scalar inside the arguments, flattening ranges
// and arrays. fromRange distinguishes range elements, whose coercion
// rules differ from direct arguments. a non-nil return stops the walk.
func eachValue(args []Primitive, visit func(v Primitive, fromRange bool) *CellError) *CellError {
	for _, arg := range args {
		switch a := arg.(type) {
		case Range:
			for v := range a.Values() {
				if cerr := visit(v, true); cerr != nil {
					return cerr
				}
			}
		case *Array:
			for _, v := range a.Cells {
				if cerr := visit(v, true); cerr != nil {
					return cerr
				}
			}
		default:
			if cerr := visit(arg, false); cerr != nil {
				return cerr
			}
		}
	}
	return nil
}

// eachNumber visits the numeric values of the arguments using the
// aggregation rules: range text and blanks are skipped, direct text that
// doesn't parse is a #VALUE!, errors propagate
func eachNumber(ctx *CallContext, args []Primitive, visit func(num float64)) *CellError {
	return eachValue(args, func(v Primitive, fromRange bool) *CellError {
		if cerr := asCellError(v); cerr != nil {
			return cerr
		}
		if v == nil {
			return nil
		}
		switch v.(type) {
		case string:
			if fromRange {
				return nil
			}
			num, ok := toNumber(ctx.Locale, v)
			if !ok {
				return NewCellError(ErrValue, "expected a number")
			}
			visit(num)
			return nil
		case bool:
			if fromRange {
				return nil
			}
		}
		if num, ok := toNumber(ctx.Locale, v); ok {
			visit(num)
		}
		return nil
	})
}

// scalarArg unwraps a 1x1 range or array to its single value. larger
// shapes are a #VALUE!.
func scalarArg(arg Primitive) (Primitive, *CellError) {
	switch a := arg.(type) {
	case Range:
		b := a.Bounds()
		if b.StartRow != b.EndRow || b.StartCol != b.EndCol {
			return nil, NewCellError(ErrValue, "expected a single value")
		}
		for v := range a.Values() {
			return v, nil
		}
		return nil, nil
	case *Array:
		if a.Rows != 1 || a.Cols != 1 {
			return nil, NewCellError(ErrValue, "expected a single value")
		}
		return a.Cells[0], nil
	}
	return arg, nil
}

func numberArg(ctx *CallContext, arg Primitive) (float64, *CellError) {
	v, cerr := scalarArg(arg)
	if cerr != nil {
		return 0, cerr
	}
	if cerr := asCellError(v); cerr != nil {
		return 0, cerr
	}
	num, ok := toNumber(ctx.Locale, v)
	if !ok {
		return 0, NewCellError(ErrValue, "expected a number")
	}
	return num, nil
}

func textArg(ctx *CallContext, arg Primitive) (string, *CellError) {
	v, cerr := scalarArg(arg)
	if cerr != nil {
		return "", cerr
	}
	if cerr := asCellError(v); cerr != nil {
		return "", cerr
	}
	return toText(v), nil
}

func boolArg(ctx *CallContext, arg Primitive) (bool, *CellError) {
	v, cerr := scalarArg(arg)
	if cerr != nil {
		return false, cerr
	}
	if cerr := asCellError(v); cerr != nil {
		return false, cerr
	}
	b, ok := toBool(v)
	if !ok {
		return false, NewCellError(ErrValue, "expected a logical value")
	}
	return b, nil
}

func fnSUM(ctx *CallContext, args []Primitive) (Primitive, error) {
	sum := 0.0
	if cerr := eachNumber(ctx, args, func(num float64) { sum += num }); cerr != nil {
		return cerr, nil
	}
	return sum, nil
}

func fnAVERAGE(ctx *CallContext, args []Primitive) (Primitive, error) {
	sum := 0.0
	count := 0
	if cerr := eachNumber(ctx, args, func(num float64) {
		sum += num
		count++
	}); cerr != nil {
		return cerr, nil
	}
	if count == 0 {
		return NewCellError(ErrDiv0, "AVERAGE of no numbers"), nil
	}
	return sum / float64(count), nil
}

func fnAVERAGEA(ctx *CallContext, args []Primitive) (Primitive, error) {
	sum := 0.0
	count := 0
	cerr := eachValue(args, func(v Primitive, fromRange bool) *CellError {
		if cerr := asCellError(v); cerr != nil {
			return cerr
		}
		switch val := v.(type) {
		case nil:
			// blanks are ignored
		case float64:
			sum += val
			count++
		case DateSerial:
			sum += float64(val)
			count++
		case bool:
			if val {
				sum++
			}
			count++
		case string:
			// text counts as zero
			count++
		}
		return nil
	})
	if cerr != nil {
		return cerr, nil
	}
	if count == 0 {
		return NewCellError(ErrDiv0, "AVERAGEA of no values"), nil
	}
	return sum / float64(count), nil
}

func fnCOUNT(ctx *CallContext, args []Primitive) (Primitive, error) {
	count := 0
	eachValue(args, func(v Primitive, fromRange bool) *CellError {
		switch v.(type) {
		case float64, DateSerial:
			count++
		}
		return nil
	})
	return float64(count), nil
}

func fnCOUNTA(ctx *CallContext, args []Primitive) (Primitive, error) {
	count := 0
	eachValue(args, func(v Primitive, fromRange bool) *CellError {
		// everything non-blank counts, errors included
		if v != nil {
			count++
		}
		return nil
	})
	return float64(count), nil
}

func fnMIN(ctx *CallContext, args []Primitive) (Primitive, error) {
	min := math.Inf(1)
	seen := false
	if cerr := eachNumber(ctx, args, func(num float64) {
		if num < min {
			min = num
		}
		seen = true
	}); cerr != nil {
		return cerr, nil
	}
	if !seen {
		return 0.0, nil
	}
	return min, nil
}

func fnMAX(ctx *CallContext, args []Primitive) (Primitive, error) {
	max := math.Inf(-1)
	seen := false
	if cerr := eachNumber(ctx, args, func(num float64) {
		if num > max {
			max = num
		}
		seen = true
	}); cerr != nil {
		return cerr, nil
	}
	if !seen {
		return 0.0, nil
	}
	return max, nil
}

func fnMEDIAN(ctx *CallContext, args []Primitive) (Primitive, error) {
	var values []float64
	if cerr := eachNumber(ctx, args, func(num float64) {
		values = append(values, num)
	}); cerr != nil {
		return cerr, nil
	}
	if len(values) == 0 {
		return NewCellError(ErrNum, "MEDIAN of no numbers"), nil
	}
	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 0 {
		return (values[mid-1] + values[mid]) / 2, nil
	}
	return values[mid], nil
}

func fnMODE(ctx *CallContext, args []Primitive) (Primitive, error) {
	freq := make(map[float64]int)
	if cerr := eachNumber(ctx, args, func(num float64) {
		freq[num]++
	}); cerr != nil {
		return cerr, nil
	}
	if len(freq) == 0 {
		return NewCellError(ErrNum, "MODE of no numbers"), nil
	}

	best := 0
	for _, n := range freq {
		if n > best {
			best = n
		}
	}
	if best == 1 {
		return NewCellError(ErrNA, "no value repeats"), nil
	}
	// smallest of the tied values, for determinism
	mode := math.Inf(1)
	for value, n := range freq {
		if n == best && value < mode {
			mode = value
		}
	}
	return mode, nil
}

func fnABS(ctx *CallContext, args []Primitive) (Primitive, error) {
	num, cerr := numberArg(ctx, args[0])
	if cerr != nil {
		return cerr, nil
	}
	return math.Abs(num), nil
}

func fnROUND(ctx *CallContext, args []Primitive) (Primitive, error) {
	num, cerr := numberArg(ctx, args[0])
	if cerr != nil {
		return cerr, nil
	}
	places := 0.0
	if len(args) == 2 {
		places, cerr = numberArg(ctx, args[1])
		if cerr != nil {
			return cerr, nil
		}
	}
	multiplier := math.Pow(10, math.Trunc(places))
	return math.Round(num*multiplier) / multiplier, nil
}

func fnFLOOR(ctx *CallContext, args []Primitive) (Primitive, error) {
	num, cerr := numberArg(ctx, args[0])
	if cerr != nil {
		return cerr, nil
	}
	return math.Floor(num), nil
}

func fnCEILING(ctx *CallContext, args []Primitive) (Primitive, error) {
	num, cerr := numberArg(ctx, args[0])
	if cerr != nil {
		return cerr, nil
	}
	return math.Ceil(num), nil
}

func fnSQRT(ctx *CallContext, args []Primitive) (Primitive, error) {
	num, cerr := numberArg(ctx, args[0])
	if cerr != nil {
		return cerr, nil
	}
	if num < 0 {
		return NewCellError(ErrNum, "SQRT of a negative number"), nil
	}
	return math.Sqrt(num), nil
}

func fnPOWER(ctx *CallContext, args []Primitive) (Primitive, error) {
	base, cerr := numberArg(ctx, args[0])
	if cerr != nil {
		return cerr, nil
	}
	exp, cerr := numberArg(ctx, args[1])
	if cerr != nil {
		return cerr, nil
	}
	return powerValue(base, exp), nil
}

func fnMOD(ctx *CallContext, args []Primitive) (Primitive, error) {
	dividend, cerr := numberArg(ctx, args[0])
	if cerr != nil {
		return cerr, nil
	}
	divisor, cerr := numberArg(ctx, args[1])
	if cerr != nil {
		return cerr, nil
	}
	if divisor == 0 {
		return NewCellError(ErrDiv0, "MOD by zero"), nil
	}
	// result takes the sign of the divisor
	result := math.Mod(dividend, divisor)
	if result != 0 && (result < 0) != (divisor < 0) {
		result += divisor
	}
	return result, nil
}

func fnPI(ctx *CallContext, args []Primitive) (Primitive, error) {
	return math.Pi, nil
}

func fnLEN(ctx *CallContext, args []Primitive) (Primitive, error) {
	text, cerr := textArg(ctx, args[0])
	if cerr != nil {
		return cerr, nil
	}
	return float64(len([]rune(text))), nil
}

func fnUPPER(ctx *CallContext, args []Primitive) (Primitive, error) {
	text, cerr := textArg(ctx, args[0])
	if cerr != nil {
		return cerr, nil
	}
	return upperCaser.String(text), nil
}

func fnLOWER(ctx *CallContext, args []Primitive) (Primitive, error) {
	text, cerr := textArg(ctx, args[0])
	if cerr != nil {
		return cerr, nil
	}
	return lowerCaser.String(text), nil
}

func fnTRIM(ctx *CallContext, args []Primitive) (Primitive, error) {
	text, cerr := textArg(ctx, args[0])
	if cerr != nil {
		return cerr, nil
	}
	// collapse interior runs of spaces as well as trimming the ends
	fields := strings.Fields(text)
	return strings.Join(fields, " "), nil
}

func fnCONCATENATE(ctx *CallContext, args []Primitive) (Primitive, error) {
	var b strings.Builder
	for _, arg := range args {
		text, cerr := textArg(ctx, arg)
		if cerr != nil {
			return cerr, nil
		}
		b.WriteString(text)
	}
	return b.String(), nil
}

// fnIF is the fallback for IF calls the compiler couldn't lower to
// jumps, such as a range-valued condition
func fnIF(ctx *CallContext, args []Primitive) (Primitive, error) {
	cond, cerr := boolArg(ctx, args[0])
	if cerr != nil {
		return cerr, nil
	}
	if cond {
		return args[1], nil
	}
	if len(args) == 3 {
		return args[2], nil
	}
	return false, nil
}

func fnIFS(ctx *CallContext, args []Primitive) (Primitive, error) {
	if len(args)%2 != 0 {
		return NewCellError(ErrNA, "IFS needs condition/value pairs"), nil
	}
	for i := 0; i < len(args); i += 2 {
		cond, cerr := boolArg(ctx, args[i])
		if cerr != nil {
			return cerr, nil
		}
		if cond {
			return args[i+1], nil
		}
	}
	return NewCellError(ErrNA, "no IFS condition matched"), nil
}

// logicalFold aggregates logical values across scalar, range, and array
// arguments. range text and blanks are skipped like the numeric
// aggregators do.
func logicalFold(ctx *CallContext, args []Primitive, fold func(b bool)) *CellError {
	seen := false
	cerr := eachValue(args, func(v Primitive, fromRange bool) *CellError {
		if cerr := asCellError(v); cerr != nil {
			return cerr
		}
		if v == nil {
			return nil
		}
		if _, isText := v.(string); isText && fromRange {
			return nil
		}
		b, ok := toBool(v)
		if !ok {
			return NewCellError(ErrValue, "expected a logical value")
		}
		fold(b)
		seen = true
		return nil
	})
	if cerr != nil {
		return cerr
	}
	if !seen {
		return NewCellError(ErrValue, "no logical values")
	}
	return nil
}

func fnAND(ctx *CallContext, args []Primitive) (Primitive, error) {
	result := true
	if cerr := logicalFold(ctx, args, func(b bool) { result = result && b }); cerr != nil {
		return cerr, nil
	}
	return result, nil
}

func fnOR(ctx *CallContext, args []Primitive) (Primitive, error) {
	result := false
	if cerr := logicalFold(ctx, args, func(b bool) { result = result || b }); cerr != nil {
		return cerr, nil
	}
	return result, nil
}

func fnNOT(ctx *CallContext, args []Primitive) (Primitive, error) {
	b, cerr := boolArg(ctx, args[0])
	if cerr != nil {
		return cerr, nil
	}
	return !b, nil
}

func fnISERROR(ctx *CallContext, args []Primitive) (Primitive, error) {
	v, _ := scalarArg(args[0])
	_, isErr := v.(*CellError)
	return isErr, nil
}

func fnISNA(ctx *CallContext, args []Primitive) (Primitive, error) {
	v, _ := scalarArg(args[0])
	cerr, isErr := v.(*CellError)
	return isErr && cerr.Kind == ErrNA, nil
}

func fnIFERROR(ctx *CallContext, args []Primitive) (Primitive, error) {
	if _, isErr := args[0].(*CellError); isErr {
		return args[1], nil
	}
	return args[0], nil
}

func fnIFNA(ctx *CallContext, args []Primitive) (Primitive, error) {
	if cerr, isErr := args[0].(*CellError); isErr && cerr.Kind == ErrNA {
		return args[1], nil
	}
	return args[0], nil
}

func fnISBLANK(ctx *CallContext, args []Primitive) (Primitive, error) {
	v, cerr := scalarArg(args[0])
	if cerr != nil {
		return cerr, nil
	}
	return v == nil, nil
}

func fnISNUMBER(ctx *CallContext, args []Primitive) (Primitive, error) {
	v, cerr := scalarArg(args[0])
	if cerr != nil {
		return cerr, nil
	}
	switch v.(type) {
	case float64, DateSerial:
		return true, nil
	}
	return false, nil
}

func fnISTEXT(ctx *CallContext, args []Primitive) (Primitive, error) {
	v, cerr := scalarArg(args[0])
	if cerr != nil {
		return cerr, nil
	}
	_, isText := v.(string)
	return isText, nil
}

func fnNOW(ctx *CallContext, args []Primitive) (Primitive, error) {
	now := ctx.Clock.Now()
	diffMS := float64(now.UnixMilli() - epochMS(ctx.DateSystem))
	return DateSerial(diffMS / msPerDay), nil
}

func fnTODAY(ctx *CallContext, args []Primitive) (Primitive, error) {
	now := ctx.Clock.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	diffMS := float64(midnight.UnixMilli() - epochMS(ctx.DateSystem))
	return DateSerial(math.Floor(diffMS / msPerDay)), nil
}

func fnRAND(ctx *CallContext, args []Primitive) (Primitive, error) {
	return ctx.Rand.Float64(), nil
}
