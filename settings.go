package gridcalc

// CalculationMode controls when the engine recalculates
type CalculationMode uint8

const (
	// CalcAutomatic recalculates after every mutation
	CalcAutomatic CalculationMode = 0
	// CalcManual recalculates only on an explicit Recalculate call
	CalcManual CalculationMode = 1
)

// DateSystem selects the serial-date epoch
type DateSystem uint8

const (
	// DateSystem1900 uses the 1900 date system (serial 1 = 1900-01-01)
	DateSystem1900 DateSystem = 0
	// DateSystem1904 uses the 1904 date system (serial 0 = 1904-01-01)
	DateSystem1904 DateSystem = 1
)

// IterativeCalc configures iterative resolution of circular references
type IterativeCalc struct {
	Enabled       bool
	MaxIterations uint32
	MaxChange     float64
}

// CalcSettings is the full calculation configuration. changing a setting
// that affects coercion or dating dirties every formula cell.
type CalcSettings struct {
	CalculationMode CalculationMode
	Iterative       IterativeCalc
	DateSystem      DateSystem
}

// DefaultCalcSettings matches a fresh workbook: automatic calculation,
// iterative calculation off, 1900 date system
func DefaultCalcSettings() CalcSettings {
	return CalcSettings{
		CalculationMode: CalcAutomatic,
		Iterative: IterativeCalc{
			Enabled:       false,
			MaxIterations: 100,
			MaxChange:     0.001,
		},
		DateSystem: DateSystem1900,
	}
}

// affectsCoercion reports whether switching between two settings could
// change the value a compiled program produces
func (s CalcSettings) affectsCoercion(other CalcSettings) bool {
	return s.DateSystem != other.DateSystem || s.Iterative != other.Iterative
}
