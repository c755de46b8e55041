package gridcalc

import (
	"fmt"
	"strconv"
	"strings"
)

// sheet coordinate limits, matching the xlsx grid
const (
	MaxRow uint32 = 1048575 // last 0-based row (1048576 rows)
	MaxCol uint32 = 16383   // last 0-based column (XFD)
)

// CellAddress identifies one cell: an opaque sheet id plus 0-based row
// and column
type CellAddress struct {
	SheetID uint32
	Row     uint32
	Col     uint32
}

// less orders addresses by (sheet, row, col) ascending; this is the
// deterministic tie-break used everywhere an ordering is observable
func (a CellAddress) less(b CellAddress) bool {
	if a.SheetID != b.SheetID {
		return a.SheetID < b.SheetID
	}
	if a.Row != b.Row {
		return a.Row < b.Row
	}
	return a.Col < b.Col
}

// RangeAddress represents a rectangle of cells within a single sheet,
// normalized so Start <= End on both axes. open-ended rows or columns use
// MaxRow / MaxCol.
type RangeAddress struct {
	SheetID  uint32
	StartRow uint32
	StartCol uint32
	EndRow   uint32
	EndCol   uint32
}

// Contains reports whether a cell falls inside the range
func (r RangeAddress) Contains(cell CellAddress) bool {
	return cell.SheetID == r.SheetID &&
		cell.Row >= r.StartRow && cell.Row <= r.EndRow &&
		cell.Col >= r.StartCol && cell.Col <= r.EndCol
}

// normalized returns the range with corners swapped into canonical order
func (r RangeAddress) normalized() RangeAddress {
	if r.StartRow > r.EndRow {
		r.StartRow, r.EndRow = r.EndRow, r.StartRow
	}
	if r.StartCol > r.EndCol {
		r.StartCol, r.EndCol = r.EndCol, r.StartCol
	}
	return r
}

// AddressError reports a structurally invalid textual address. it is
// returned from the API entry points, never stored in a cell.
type AddressError struct {
	Input   string
	Message string
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("invalid address %q: %s", e.Input, e.Message)
}

func newAddressError(input, message string) *AddressError {
	return &AddressError{Input: input, Message: message}
}

// A1Ref is a parsed textual cell reference. Sheet is empty when the
// reference had no sheet prefix.
type A1Ref struct {
	Sheet  string
	Row    uint32
	Col    uint32
	AbsRow bool
	AbsCol bool
}

// columnLabel converts a 0-based column index to its base-26 letter form
// (0 = A, 25 = Z, 26 = AA)
func columnLabel(col uint32) string {
	buf := make([]byte, 0, 3)
	n := int64(col)
	for {
		buf = append(buf, byte('A'+n%26))
		n = n/26 - 1
		if n < 0 {
			break
		}
	}
	// reverse
	for i, j := 0, len(buf)-1; i < j; i, j = i+1, j-1 {
		buf[i], buf[j] = buf[j], buf[i]
	}
	return string(buf)
}

// parseColumnLabel converts a base-26 letter form to a 0-based column
// index; false when the string is not a pure column label or overflows
func parseColumnLabel(s string) (uint32, bool) {
	if s == "" {
		return 0, false
	}
	var col uint64
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch >= 'a' && ch <= 'z' {
			ch -= 32
		}
		if ch < 'A' || ch > 'Z' {
			return 0, false
		}
		col = col*26 + uint64(ch-'A'+1)
		if col > uint64(MaxCol)+1 {
			return 0, false
		}
	}
	return uint32(col - 1), true
}

// FormatA1 renders a 0-based (row, col) pair as an A1 address
func FormatA1(row, col uint32) string {
	return columnLabel(col) + strconv.FormatUint(uint64(row)+1, 10)
}

// FormatRangeA1 renders a range as A1:B2 notation
func FormatRangeA1(r RangeAddress) string {
	return FormatA1(r.StartRow, r.StartCol) + ":" + FormatA1(r.EndRow, r.EndCol)
}

// QuoteSheetName wraps a sheet name in single quotes when it contains
// characters that would be ambiguous in a reference, escaping embedded
// quotes by doubling
func QuoteSheetName(name string) string {
	if !sheetNameNeedsQuotes(name) {
		return name
	}
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}

func sheetNameNeedsQuotes(name string) bool {
	if name == "" {
		return true
	}
	for _, ch := range name {
		switch {
		case ch >= 'A' && ch <= 'Z', ch >= 'a' && ch <= 'z':
		case ch >= '0' && ch <= '9':
		case ch == '_', ch == '.':
		case ch >= 0x80: // non-ASCII letters don't force quoting
		default:
			return true
		}
	}
	return false
}

// ParseA1 parses a textual cell address of the form "B7", "$A$1",
// "Sheet2!C3" or "'My Sheet'!A1". the optional sheet prefix is returned
// verbatim; resolution to a sheet id happens at a higher layer.
func ParseA1(input string) (A1Ref, error) {
	var ref A1Ref
	rest := input

	sheet, cellPart, err := splitSheetPrefix(input)
	if err != nil {
		return ref, err
	}
	ref.Sheet = sheet
	rest = cellPart

	if rest == "" {
		return ref, newAddressError(input, "missing cell reference")
	}
	if rest[0] == '$' {
		ref.AbsCol = true
		rest = rest[1:]
	}

	letterEnd := 0
	for letterEnd < len(rest) {
		ch := rest[letterEnd]
		if (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') {
			letterEnd++
		} else {
			break
		}
	}
	if letterEnd == 0 {
		return ref, newAddressError(input, "missing column letters")
	}
	col, ok := parseColumnLabel(rest[:letterEnd])
	if !ok {
		return ref, newAddressError(input, "column out of range")
	}
	ref.Col = col
	rest = rest[letterEnd:]

	if rest != "" && rest[0] == '$' {
		ref.AbsRow = true
		rest = rest[1:]
	}
	if rest == "" {
		return ref, newAddressError(input, "missing row number")
	}
	rowNum, parseErr := strconv.ParseUint(rest, 10, 32)
	if parseErr != nil || rowNum < 1 || rowNum > uint64(MaxRow)+1 {
		return ref, newAddressError(input, "row out of range")
	}
	ref.Row = uint32(rowNum - 1)

	return ref, nil
}

// splitSheetPrefix separates an optional "Sheet!" or "'Quoted Sheet'!"
// prefix from the remainder of an address
func splitSheetPrefix(input string) (sheet, rest string, err error) {
	if input == "" {
		return "", "", newAddressError(input, "empty address")
	}
	if input[0] == '\'' {
		// quoted sheet name with '' escaping
		var b strings.Builder
		i := 1
		for {
			if i >= len(input) {
				return "", "", newAddressError(input, "unterminated sheet name quote")
			}
			if input[i] == '\'' {
				if i+1 < len(input) && input[i+1] == '\'' {
					b.WriteByte('\'')
					i += 2
					continue
				}
				i++
				break
			}
			b.WriteByte(input[i])
			i++
		}
		if i >= len(input) || input[i] != '!' {
			return "", "", newAddressError(input, "expected '!' after sheet name")
		}
		return b.String(), input[i+1:], nil
	}

	if idx := strings.LastIndexByte(input, '!'); idx >= 0 {
		return input[:idx], input[idx+1:], nil
	}
	return "", input, nil
}

// ParseRangeA1 parses "A1:B2", "A:A", "1:1" or a single-cell "B7" with an
// optional sheet prefix. whole-column and whole-row forms expand to the
// sheet's maximum extent.
func ParseRangeA1(input string) (sheet string, r RangeAddress, err error) {
	sheet, rest, err := splitSheetPrefix(input)
	if err != nil {
		return "", r, err
	}

	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		ref, perr := ParseA1(rest)
		if perr != nil {
			return "", r, newAddressError(input, "not a cell or range")
		}
		r = RangeAddress{StartRow: ref.Row, StartCol: ref.Col, EndRow: ref.Row, EndCol: ref.Col}
		return sheet, r, nil
	}

	first, second := rest[:colon], rest[colon+1:]

	// whole-column form A:A
	if c1, ok1 := parseColumnLabel(strings.TrimPrefix(first, "$")); ok1 {
		if c2, ok2 := parseColumnLabel(strings.TrimPrefix(second, "$")); ok2 {
			r = RangeAddress{StartRow: 0, StartCol: c1, EndRow: MaxRow, EndCol: c2}.normalized()
			return sheet, r, nil
		}
	}

	// whole-row form 1:1
	if r1, e1 := strconv.ParseUint(strings.TrimPrefix(first, "$"), 10, 32); e1 == nil {
		if r2, e2 := strconv.ParseUint(strings.TrimPrefix(second, "$"), 10, 32); e2 == nil {
			if r1 >= 1 && r2 >= 1 && r1 <= uint64(MaxRow)+1 && r2 <= uint64(MaxRow)+1 {
				r = RangeAddress{StartRow: uint32(r1 - 1), StartCol: 0, EndRow: uint32(r2 - 1), EndCol: MaxCol}.normalized()
				return sheet, r, nil
			}
		}
	}

	start, perr := ParseA1(first)
	if perr != nil {
		return "", r, newAddressError(input, "invalid range start")
	}
	end, perr := ParseA1(second)
	if perr != nil {
		return "", r, newAddressError(input, "invalid range end")
	}
	r = RangeAddress{
		StartRow: start.Row, StartCol: start.Col,
		EndRow: end.Row, EndCol: end.Col,
	}.normalized()
	return sheet, r, nil
}
