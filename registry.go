package gridcalc

import "strings"

// CallContext carries the ambient state a function implementation may
// need: the evaluating cell, the locale, and the injectable clock and
// random source that keep volatile functions testable.
type CallContext struct {
	Origin CellAddress
	Locale LocaleConfig

	DateSystem DateSystem
	Clock      Clock
	Rand       RandomGenerator
}

// FunctionImpl is the signature of a builtin. arguments arrive fully
// evaluated; range arguments arrive as Range values. returning a
// *CellError as the Primitive is the normal way to signal a spreadsheet
// error, the error return is for host failures only.
type FunctionImpl func(ctx *CallContext, args []Primitive) (Primitive, error)

// Function describes one callable function
type Function struct {
	Name    string
	MinArgs int
	MaxArgs int // -1 for unbounded

	// Volatile functions force their cells into every recalculation
	Volatile bool

	// AcceptsErrors suppresses the default propagate-first-error-argument
	// behavior, for functions like IFERROR and ISERROR that inspect
	// errors
	AcceptsErrors bool

	Fn FunctionImpl
}

// FunctionRegistry resolves function names at evaluation time. lookups
// are case-insensitive.
type FunctionRegistry interface {
	Lookup(name string) (*Function, bool)
}

// MapRegistry is a FunctionRegistry backed by a map. the zero value is
// unusable; use NewMapRegistry.
type MapRegistry struct {
	funcs map[string]*Function
}

// NewMapRegistry creates an empty registry
func NewMapRegistry() *MapRegistry {
	return &MapRegistry{funcs: make(map[string]*Function)}
}

// Register adds or replaces a function. the registered name is
// uppercased.
func (r *MapRegistry) Register(fn *Function) {
	name := strings.ToUpper(fn.Name)
	fn.Name = name
	r.funcs[name] = fn
}

// Lookup finds a function by name, case-insensitively
func (r *MapRegistry) Lookup(name string) (*Function, bool) {
	fn, ok := r.funcs[strings.ToUpper(name)]
	return fn, ok
}

// Names returns the registered function names, unsorted
func (r *MapRegistry) Names() []string {
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	return names
}

// IsVolatile reports whether a registered function is volatile. unknown
// names are not volatile.
func (r *MapRegistry) IsVolatile(name string) bool {
	fn, ok := r.Lookup(name)
	return ok && fn.Volatile
}
