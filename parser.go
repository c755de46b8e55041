package gridcalc

import (
	"fmt"
	"strconv"
	"strings"
)

// BinaryOp represents binary operators in AST nodes
type BinaryOp int

const (
	BinOpAdd BinaryOp = iota
	BinOpSubtract
	BinOpMultiply
	BinOpDivide
	BinOpPower
	BinOpConcat
	BinOpEqual
	BinOpNotEqual
	BinOpLess
	BinOpLessEqual
	BinOpGreater
	BinOpGreaterEqual
)

func (op BinaryOp) String() string {
	switch op {
	case BinOpAdd:
		return "+"
	case BinOpSubtract:
		return "-"
	case BinOpMultiply:
		return "*"
	case BinOpDivide:
		return "/"
	case BinOpPower:
		return "^"
	case BinOpConcat:
		return "&"
	case BinOpEqual:
		return "="
	case BinOpNotEqual:
		return "<>"
	case BinOpLess:
		return "<"
	case BinOpLessEqual:
		return "<="
	case BinOpGreater:
		return ">"
	case BinOpGreaterEqual:
		return ">="
	}
	return "?"
}

// UnaryOp represents unary operators in AST nodes
type UnaryOp int

const (
	UnaryOpPlus UnaryOp = iota
	UnaryOpMinus
	UnaryOpPercent
)

// Span is a half-open rune range into the formula source
type Span struct {
	Pos int
	End int
}

func (s Span) join(other Span) Span {
	if other.Pos < s.Pos {
		s.Pos = other.Pos
	}
	if other.End > s.End {
		s.End = other.End
	}
	return s
}

// Node is an AST node. every node carries its source span for
// diagnostics.
type Node interface {
	Span() Span
}

type NumberNode struct {
	Value float64
	span  Span
}

type StringNode struct {
	Value string
	span  Span
}

type BoolNode struct {
	Value bool
	span  Span
}

type ErrorNode struct {
	Literal string
	span    Span
}

// CellRefNode is a single-cell reference. Sheet is empty for references
// into the formula's own sheet; resolution to a sheet id happens at
// compile time so parsed trees are position and workbook independent.
type CellRefNode struct {
	Sheet    string
	HasSheet bool
	Row      uint32
	Col      uint32
	AbsRow   bool
	AbsCol   bool
	span     Span
}

// RangeNode is a rectangular reference. WholeCols / WholeRows mark the
// open-ended forms A:A and 1:1. SheetEnd is set for 3-D references like
// Sheet1:Sheet3!A1.
type RangeNode struct {
	Sheet       string
	SheetEnd    string
	HasSheet    bool
	StartRow    uint32
	StartCol    uint32
	EndRow      uint32
	EndCol      uint32
	AbsStartRow bool
	AbsStartCol bool
	AbsEndRow   bool
	AbsEndCol   bool
	WholeCols   bool
	WholeRows   bool
	span        Span
}

// NameNode is a defined-name reference, optionally sheet-scoped
type NameNode struct {
	Sheet    string
	HasSheet bool
	Name     string
	span     Span
}

// StructuredRefNode is a table reference like Table1[Amount]. Item is the
// raw bracket contents; interpretation is deferred to compilation.
type StructuredRefNode struct {
	Table string
	Item  string
	span  Span
}

// FieldAccessNode is the '.' operator applied to a value
type FieldAccessNode struct {
	Target Node
	Field  string
	span   Span
}

// SpillNode is the '#' operator applied to a reference, addressing the
// whole spilled region anchored at that cell
type SpillNode struct {
	Target Node
	span   Span
}

type UnaryNode struct {
	Op      UnaryOp
	Operand Node
	span    Span
}

type BinaryNode struct {
	Op    BinaryOp
	Left  Node
	Right Node
	span  Span
}

type CallNode struct {
	Name string
	Args []Node
	span Span
}

// ArrayNode is an array literal {1,2;3,4}. Rows are equal length,
// validated at parse time.
type ArrayNode struct {
	Rows [][]Node
	span Span
}

func (n *NumberNode) Span() Span        { return n.span }
func (n *StringNode) Span() Span        { return n.span }
func (n *BoolNode) Span() Span          { return n.span }
func (n *ErrorNode) Span() Span         { return n.span }
func (n *CellRefNode) Span() Span       { return n.span }
func (n *RangeNode) Span() Span         { return n.span }
func (n *NameNode) Span() Span          { return n.span }
func (n *StructuredRefNode) Span() Span { return n.span }
func (n *FieldAccessNode) Span() Span   { return n.span }
func (n *SpillNode) Span() Span         { return n.span }
func (n *UnaryNode) Span() Span         { return n.span }
func (n *BinaryNode) Span() Span        { return n.span }
func (n *CallNode) Span() Span          { return n.span }
func (n *ArrayNode) Span() Span         { return n.span }

// ParseErrorKind classifies parse failures
type ParseErrorKind int

const (
	ParseUnexpectedToken ParseErrorKind = iota
	ParseUnterminatedString
	ParseInvalidNumber
	ParseUnmatchedBracket
	ParseInvalidReference
	ParseRaggedArray
	ParseUnknownEscape
)

// ParseError reports a syntax error with the offending source span
type ParseError struct {
	Kind    ParseErrorKind
	Message string
	Span    Span
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at %d: %s", e.Span.Pos, e.Message)
}

// Parser builds an AST from a token stream. parsed trees are context
// free: relative references stay as absolute coordinates plus AbsRow /
// AbsCol flags, and sheet names stay as strings.
type Parser struct {
	tokens []Token
	pos    int
	locale LocaleConfig
}

// ParseFormula parses a formula expression. a leading '=' is accepted
// and skipped.
func ParseFormula(src string, locale LocaleConfig) (Node, error) {
	// spans are relative to the expression after any '=' prefix
	trimmed := src
	if rest, ok := strings.CutPrefix(strings.TrimLeft(src, " \t"), "="); ok {
		trimmed = rest
	}

	tokens := NewLexer(trimmed, locale).Tokenize()
	last := tokens[len(tokens)-1]
	if last.Kind == TokenIllegal {
		return nil, &ParseError{Kind: last.Err, Message: last.Value, Span: Span{Pos: last.Pos, End: last.End}}
	}

	p := &Parser{tokens: tokens, locale: locale}
	node, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if tok := p.current(); tok.Kind != TokenEOF {
		return nil, p.unexpected(tok)
	}
	return node, nil
}

func (p *Parser) current() Token {
	if p.pos >= len(p.tokens) {
		return Token{Kind: TokenEOF}
	}
	return p.tokens[p.pos]
}

func (p *Parser) peek(offset int) Token {
	pos := p.pos + offset
	if pos >= len(p.tokens) || pos < 0 {
		return Token{Kind: TokenEOF}
	}
	return p.tokens[pos]
}

func (p *Parser) advance() Token {
	tok := p.current()
	if p.pos < len(p.tokens) {
		p.pos++
	}
	return tok
}

func (p *Parser) unexpected(tok Token) error {
	msg := "unexpected token"
	if tok.Kind == TokenEOF {
		msg = "unexpected end of formula"
	} else if tok.Value != "" {
		msg = "unexpected token: " + tok.Value
	}
	return &ParseError{Kind: ParseUnexpectedToken, Message: msg, Span: Span{Pos: tok.Pos, End: tok.End}}
}

func (p *Parser) expect(kind TokenKind, what string) (Token, error) {
	tok := p.current()
	if tok.Kind != kind {
		return tok, &ParseError{
			Kind:    ParseUnexpectedToken,
			Message: "expected " + what,
			Span:    Span{Pos: tok.Pos, End: tok.End},
		}
	}
	return p.advance(), nil
}

// argSeparator is the token kind separating function arguments under the
// current locale
func (p *Parser) argSeparator() TokenKind {
	if p.locale.ListSeparator == charSemicolon {
		return TokenSemicolon
	}
	return TokenComma
}

func (p *Parser) parseExpression() (Node, error) {
	return p.parseComparison()
}

var comparisonOps = map[TokenKind]BinaryOp{
	TokenEq: BinOpEqual,
	TokenNe: BinOpNotEqual,
	TokenLt: BinOpLess,
	TokenLe: BinOpLessEqual,
	TokenGt: BinOpGreater,
	TokenGe: BinOpGreaterEqual,
}

func (p *Parser) parseComparison() (Node, error) {
	left, err := p.parseConcat()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := comparisonOps[p.current().Kind]
		if !ok {
			return left, nil
		}
		p.advance()
		right, err := p.parseConcat()
		if err != nil {
			return nil, err
		}
		left = &BinaryNode{Op: op, Left: left, Right: right, span: left.Span().join(right.Span())}
	}
}

func (p *Parser) parseConcat() (Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for p.current().Kind == TokenAmp {
		p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &BinaryNode{Op: BinOpConcat, Left: left, Right: right, span: left.Span().join(right.Span())}
	}
	return left, nil
}

func (p *Parser) parseAdditive() (Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		var op BinaryOp
		switch p.current().Kind {
		case TokenPlus:
			op = BinOpAdd
		case TokenMinus:
			op = BinOpSubtract
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &BinaryNode{Op: op, Left: left, Right: right, span: left.Span().join(right.Span())}
	}
}

func (p *Parser) parseMultiplicative() (Node, error) {
	left, err := p.parsePower()
	if err != nil {
		return nil, err
	}
	for {
		var op BinaryOp
		switch p.current().Kind {
		case TokenStar:
			op = BinOpMultiply
		case TokenSlash:
			op = BinOpDivide
		default:
			return left, nil
		}
		p.advance()
		right, err := p.parsePower()
		if err != nil {
			return nil, err
		}
		left = &BinaryNode{Op: op, Left: left, Right: right, span: left.Span().join(right.Span())}
	}
}

func (p *Parser) parsePower() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.current().Kind == TokenCaret {
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryNode{Op: BinOpPower, Left: left, Right: right, span: left.Span().join(right.Span())}
	}
	return left, nil
}

func (p *Parser) parseUnary() (Node, error) {
	switch p.current().Kind {
	case TokenPlus:
		tok := p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryNode{Op: UnaryOpPlus, Operand: operand, span: Span{Pos: tok.Pos, End: operand.Span().End}}, nil
	case TokenMinus:
		tok := p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryNode{Op: UnaryOpMinus, Operand: operand, span: Span{Pos: tok.Pos, End: operand.Span().End}}, nil
	}
	return p.parsePostfix()
}

// parsePostfix handles the postfix operators: percent, the spill marker
// '#', and field access '.'
func (p *Parser) parsePostfix() (Node, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.current().Kind {
		case TokenPercent:
			tok := p.advance()
			node = &UnaryNode{Op: UnaryOpPercent, Operand: node, span: node.Span().join(Span{Pos: tok.Pos, End: tok.End})}
		case TokenHash:
			tok := p.advance()
			node = &SpillNode{Target: node, span: node.Span().join(Span{Pos: tok.Pos, End: tok.End})}
		case TokenDot:
			p.advance()
			field, err := p.expect(TokenIdent, "field name after '.'")
			if err != nil {
				return nil, err
			}
			node = &FieldAccessNode{Target: node, Field: field.Value, span: node.Span().join(Span{Pos: field.Pos, End: field.End})}
		default:
			return node, nil
		}
	}
}

func (p *Parser) parsePrimary() (Node, error) {
	tok := p.current()

	switch tok.Kind {
	case TokenNumber:
		p.advance()
		value, err := strconv.ParseFloat(tok.Value, 64)
		if err != nil {
			// 1:1 whole-row form reaches here only when the colon is absent
			return nil, &ParseError{Kind: ParseInvalidNumber, Message: "invalid number: " + tok.Value, Span: Span{Pos: tok.Pos, End: tok.End}}
		}
		if p.current().Kind == TokenColon && p.peek(1).Kind == TokenNumber {
			return p.parseWholeRowRange(tok)
		}
		return &NumberNode{Value: value, span: Span{Pos: tok.Pos, End: tok.End}}, nil

	case TokenString:
		p.advance()
		return &StringNode{Value: tok.Value, span: Span{Pos: tok.Pos, End: tok.End}}, nil

	case TokenBool:
		p.advance()
		return &BoolNode{Value: tok.Value == "TRUE", span: Span{Pos: tok.Pos, End: tok.End}}, nil

	case TokenErrorLit:
		p.advance()
		return &ErrorNode{Literal: tok.Value, span: Span{Pos: tok.Pos, End: tok.End}}, nil

	case TokenLeftParen:
		p.advance()
		inner, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(TokenRightParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil

	case TokenLeftBrace:
		return p.parseArray()

	case TokenSheet:
		return p.parseSheetQualified(tok.Value, Span{Pos: tok.Pos, End: tok.End}, 1)

	case TokenCell:
		// a cell-shaped word followed by '!' is really a sheet name
		if p.peek(1).Kind == TokenBang {
			return p.parseSheetQualified(tok.Value, Span{Pos: tok.Pos, End: tok.End}, 1)
		}
		p.advance()
		return p.parseReference("", false, Span{Pos: tok.Pos, End: tok.End})

	case TokenIdent:
		return p.parseIdent()
	}

	return nil, p.unexpected(tok)
}

// parseIdent handles everything that starts with a plain identifier:
// function calls, defined names, sheet prefixes, whole-column ranges, and
// structured references
func (p *Parser) parseIdent() (Node, error) {
	tok := p.advance()
	span := Span{Pos: tok.Pos, End: tok.End}

	switch p.current().Kind {
	case TokenLeftParen:
		return p.parseCall(tok.Value, span)

	case TokenBang:
		return p.parseSheetQualified(tok.Value, span, 0)

	case TokenBracket:
		item := p.advance()
		return &StructuredRefNode{
			Table: tok.Value,
			Item:  item.Value,
			span:  span.join(Span{Pos: item.Pos, End: item.End}),
		}, nil

	case TokenColon:
		// whole-column range A:A or a 3-D reference Sheet1:Sheet3!A1
		if isColumnWord(tok.Value) && p.isColumnAfterColon() {
			return p.parseWholeColRange(tok.Value, false, span)
		}
		if p.isSheetSpanAhead() {
			return p.parseThreeDRange(tok.Value, span)
		}
	}

	// lone column letters with no colon are still a name
	return &NameNode{Name: tok.Value, span: span}, nil
}

// isColumnAfterColon reports whether the token after the colon closes a
// whole-column range
func (p *Parser) isColumnAfterColon() bool {
	after := p.peek(1)
	switch after.Kind {
	case TokenIdent:
		return isColumnWord(after.Value)
	case TokenCell:
		// $B lexes as a cell token with no digits
		trimmed := strings.TrimPrefix(after.Value, "$")
		return isColumnWord(trimmed)
	}
	return false
}

// isSheetSpanAhead reports whether the tokens after the colon look like
// the second half of a 3-D reference: a name followed by '!'
func (p *Parser) isSheetSpanAhead() bool {
	after := p.peek(1)
	if after.Kind != TokenIdent && after.Kind != TokenCell && after.Kind != TokenSheet {
		return false
	}
	return p.peek(2).Kind == TokenBang
}

// parseSheetQualified parses what follows "Sheet!". bangOffset is 1 when
// the '!' still needs consuming after the sheet token was taken by the
// caller's lookahead.
func (p *Parser) parseSheetQualified(sheet string, sheetSpan Span, bangOffset int) (Node, error) {
	if bangOffset == 1 {
		p.advance() // the sheet token itself, already captured
	}
	if _, err := p.expect(TokenBang, "'!' after sheet name"); err != nil {
		return nil, err
	}

	tok := p.current()
	switch tok.Kind {
	case TokenCell:
		p.advance()
		node, err := p.parseReference(sheet, true, Span{Pos: tok.Pos, End: tok.End})
		if err != nil {
			return nil, err
		}
		return withSpanStart(node, sheetSpan.Pos), nil
	case TokenIdent:
		p.advance()
		if isColumnWord(tok.Value) && p.current().Kind == TokenColon && p.isColumnAfterColonNow() {
			node, err := p.parseWholeColRange(tok.Value, false, Span{Pos: tok.Pos, End: tok.End})
			if err != nil {
				return nil, err
			}
			return attachSheet(node, sheet, sheetSpan.Pos), nil
		}
		return &NameNode{Sheet: sheet, HasSheet: true, Name: tok.Value, span: sheetSpan.join(Span{Pos: tok.Pos, End: tok.End})}, nil
	case TokenNumber:
		if p.peek(1).Kind == TokenColon && p.peek(2).Kind == TokenNumber {
			p.advance()
			node, err := p.parseWholeRowRange(tok)
			if err != nil {
				return nil, err
			}
			return attachSheet(node, sheet, sheetSpan.Pos), nil
		}
	}
	return nil, p.unexpected(tok)
}

// isColumnAfterColonNow is isColumnAfterColon relative to a colon at the
// current position
func (p *Parser) isColumnAfterColonNow() bool {
	after := p.peek(1)
	switch after.Kind {
	case TokenIdent:
		return isColumnWord(after.Value)
	case TokenCell:
		return isColumnWord(strings.TrimPrefix(after.Value, "$"))
	}
	return false
}

func withSpanStart(node Node, pos int) Node {
	switch n := node.(type) {
	case *CellRefNode:
		n.span.Pos = pos
	case *RangeNode:
		n.span.Pos = pos
	}
	return node
}

func attachSheet(node Node, sheet string, spanStart int) Node {
	if r, ok := node.(*RangeNode); ok {
		r.Sheet = sheet
		r.HasSheet = true
		r.span.Pos = spanStart
	}
	return node
}

// cellParts is a decomposed cell token
type cellParts struct {
	row, col       uint32
	absRow, absCol bool
	colOnly        bool
	rowOnly        bool
}

func splitCellToken(value string) (cellParts, bool) {
	var parts cellParts
	s := value

	if strings.HasPrefix(s, "$") {
		s = s[1:]
		if s != "" && isDigit(rune(s[0])) {
			// $1 row-only form
			parts.absRow = true
			parts.rowOnly = true
			n, err := strconv.ParseUint(s, 10, 32)
			if err != nil || n < 1 || n > uint64(MaxRow)+1 {
				return parts, false
			}
			parts.row = uint32(n - 1)
			return parts, true
		}
		parts.absCol = true
	}

	letterEnd := 0
	for letterEnd < len(s) && isAsciiAlpha(rune(s[letterEnd])) {
		letterEnd++
	}
	col, ok := parseColumnLabel(s[:letterEnd])
	if !ok {
		return parts, false
	}
	parts.col = col
	s = s[letterEnd:]

	if s == "" {
		parts.colOnly = true
		return parts, true
	}
	if strings.HasPrefix(s, "$") {
		parts.absRow = true
		s = s[1:]
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n < 1 || n > uint64(MaxRow)+1 {
		return parts, false
	}
	parts.row = uint32(n - 1)
	return parts, true
}

// parseReference continues after a TokenCell was consumed, assembling a
// single cell or an A1:B2 range
func (p *Parser) parseReference(sheet string, hasSheet bool, start Span) (Node, error) {
	startTok := p.tokens[p.pos-1]
	first, ok := splitCellToken(startTok.Value)
	if !ok || first.rowOnly {
		return nil, &ParseError{Kind: ParseInvalidReference, Message: "invalid reference: " + startTok.Value, Span: start}
	}

	if first.colOnly {
		// $A:$B style whole-column range
		if p.current().Kind == TokenColon {
			return p.parseWholeColRange(startTok.Value, first.absCol, start)
		}
		return nil, &ParseError{Kind: ParseInvalidReference, Message: "invalid reference: " + startTok.Value, Span: start}
	}

	if p.current().Kind != TokenColon {
		return &CellRefNode{
			Sheet: sheet, HasSheet: hasSheet,
			Row: first.row, Col: first.col,
			AbsRow: first.absRow, AbsCol: first.absCol,
			span: start,
		}, nil
	}

	endTok := p.peek(1)
	if endTok.Kind != TokenCell {
		// plain cell followed by a colon that isn't ours (e.g. A1:name)
		return nil, p.unexpected(endTok)
	}
	p.advance() // colon
	p.advance() // end cell
	second, ok := splitCellToken(endTok.Value)
	if !ok || second.colOnly || second.rowOnly {
		return nil, &ParseError{Kind: ParseInvalidReference, Message: "invalid reference: " + endTok.Value, Span: Span{Pos: endTok.Pos, End: endTok.End}}
	}

	node := &RangeNode{
		Sheet: sheet, HasSheet: hasSheet,
		StartRow: first.row, StartCol: first.col,
		EndRow: second.row, EndCol: second.col,
		AbsStartRow: first.absRow, AbsStartCol: first.absCol,
		AbsEndRow: second.absRow, AbsEndCol: second.absCol,
		span: start.join(Span{Pos: endTok.Pos, End: endTok.End}),
	}
	normalizeRangeNode(node)
	return node, nil
}

// normalizeRangeNode swaps corners so Start <= End on both axes, keeping
// the absolute flags attached to their coordinates
func normalizeRangeNode(n *RangeNode) {
	if n.StartRow > n.EndRow {
		n.StartRow, n.EndRow = n.EndRow, n.StartRow
		n.AbsStartRow, n.AbsEndRow = n.AbsEndRow, n.AbsStartRow
	}
	if n.StartCol > n.EndCol {
		n.StartCol, n.EndCol = n.EndCol, n.StartCol
		n.AbsStartCol, n.AbsEndCol = n.AbsEndCol, n.AbsStartCol
	}
}

// parseWholeColRange parses A:A after the first column word was consumed
func (p *Parser) parseWholeColRange(firstWord string, firstAbs bool, start Span) (Node, error) {
	trimmed := strings.TrimPrefix(firstWord, "$")
	firstAbs = firstAbs || trimmed != firstWord
	startCol, ok := parseColumnLabel(trimmed)
	if !ok {
		return nil, &ParseError{Kind: ParseInvalidReference, Message: "invalid column: " + firstWord, Span: start}
	}

	p.advance() // colon
	endTok := p.advance()
	endWord := strings.TrimPrefix(endTok.Value, "$")
	endAbs := endWord != endTok.Value
	endCol, ok := parseColumnLabel(endWord)
	if !ok {
		return nil, &ParseError{Kind: ParseInvalidReference, Message: "invalid column: " + endTok.Value, Span: Span{Pos: endTok.Pos, End: endTok.End}}
	}

	node := &RangeNode{
		StartRow: 0, EndRow: MaxRow,
		StartCol: startCol, EndCol: endCol,
		AbsStartCol: firstAbs, AbsEndCol: endAbs,
		AbsStartRow: true, AbsEndRow: true,
		WholeCols: true,
		span:      start.join(Span{Pos: endTok.Pos, End: endTok.End}),
	}
	normalizeRangeNode(node)
	return node, nil
}

// parseWholeRowRange parses 1:1 after the first row number was consumed
func (p *Parser) parseWholeRowRange(firstTok Token) (Node, error) {
	startNum, err := strconv.ParseUint(firstTok.Value, 10, 32)
	if err != nil || startNum < 1 || startNum > uint64(MaxRow)+1 {
		return nil, &ParseError{Kind: ParseInvalidReference, Message: "invalid row: " + firstTok.Value, Span: Span{Pos: firstTok.Pos, End: firstTok.End}}
	}

	p.advance() // colon
	endTok := p.advance()
	endNum, err := strconv.ParseUint(endTok.Value, 10, 32)
	if err != nil || endNum < 1 || endNum > uint64(MaxRow)+1 {
		return nil, &ParseError{Kind: ParseInvalidReference, Message: "invalid row: " + endTok.Value, Span: Span{Pos: endTok.Pos, End: endTok.End}}
	}

	node := &RangeNode{
		StartRow: uint32(startNum - 1), EndRow: uint32(endNum - 1),
		StartCol: 0, EndCol: MaxCol,
		AbsStartCol: true, AbsEndCol: true,
		WholeRows: true,
		span:      Span{Pos: firstTok.Pos, End: endTok.End},
	}
	normalizeRangeNode(node)
	return node, nil
}

// parseThreeDRange parses Sheet1:Sheet3!ref after the first sheet name
// was consumed
func (p *Parser) parseThreeDRange(firstSheet string, start Span) (Node, error) {
	p.advance() // colon
	endSheetTok := p.advance()
	if _, err := p.expect(TokenBang, "'!' after sheet name"); err != nil {
		return nil, err
	}

	refTok, err := p.expect(TokenCell, "cell reference")
	if err != nil {
		return nil, err
	}
	node, err := p.parseReference(firstSheet, true, Span{Pos: refTok.Pos, End: refTok.End})
	if err != nil {
		return nil, err
	}

	switch n := node.(type) {
	case *CellRefNode:
		r := &RangeNode{
			Sheet: firstSheet, SheetEnd: endSheetTok.Value, HasSheet: true,
			StartRow: n.Row, StartCol: n.Col, EndRow: n.Row, EndCol: n.Col,
			AbsStartRow: n.AbsRow, AbsStartCol: n.AbsCol,
			AbsEndRow: n.AbsRow, AbsEndCol: n.AbsCol,
			span: start.join(n.span),
		}
		return r, nil
	case *RangeNode:
		n.SheetEnd = endSheetTok.Value
		n.span = start.join(n.span)
		return n, nil
	}
	return nil, p.unexpected(refTok)
}

// parseCall parses a function call after the name was consumed
func (p *Parser) parseCall(name string, start Span) (Node, error) {
	p.advance() // '('
	upper := strings.ToUpper(name)
	sep := p.argSeparator()

	var args []Node
	if p.current().Kind == TokenRightParen {
		closing := p.advance()
		return &CallNode{Name: upper, Args: nil, span: start.join(Span{Pos: closing.Pos, End: closing.End})}, nil
	}

	for {
		arg, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)

		tok := p.current()
		if tok.Kind == sep {
			p.advance()
			continue
		}
		if tok.Kind == TokenRightParen {
			closing := p.advance()
			return &CallNode{Name: upper, Args: args, span: start.join(Span{Pos: closing.Pos, End: closing.End})}, nil
		}
		return nil, p.unexpected(tok)
	}
}

// parseArray parses an array literal. elements are constants; ',' always
// separates columns and ';' always separates rows regardless of locale.
func (p *Parser) parseArray() (Node, error) {
	open := p.advance() // '{'

	var rows [][]Node
	row := []Node{}

	for {
		elem, err := p.parseArrayElement()
		if err != nil {
			return nil, err
		}
		row = append(row, elem)

		tok := p.current()
		switch tok.Kind {
		case TokenComma:
			p.advance()
		case TokenSemicolon:
			p.advance()
			rows = append(rows, row)
			row = []Node{}
		case TokenRightBrace:
			closing := p.advance()
			rows = append(rows, row)
			width := len(rows[0])
			for _, r := range rows {
				if len(r) != width {
					return nil, &ParseError{
						Kind:    ParseRaggedArray,
						Message: "array rows have unequal length",
						Span:    Span{Pos: open.Pos, End: closing.End},
					}
				}
			}
			return &ArrayNode{Rows: rows, span: Span{Pos: open.Pos, End: closing.End}}, nil
		default:
			return nil, p.unexpected(tok)
		}
	}
}

// parseArrayElement parses one array constant: a number with optional
// sign, string, boolean, or error literal
func (p *Parser) parseArrayElement() (Node, error) {
	tok := p.current()
	switch tok.Kind {
	case TokenMinus, TokenPlus:
		p.advance()
		numTok, err := p.expect(TokenNumber, "number after sign in array")
		if err != nil {
			return nil, err
		}
		value, perr := strconv.ParseFloat(numTok.Value, 64)
		if perr != nil {
			return nil, &ParseError{Kind: ParseInvalidNumber, Message: "invalid number: " + numTok.Value, Span: Span{Pos: numTok.Pos, End: numTok.End}}
		}
		if tok.Kind == TokenMinus {
			value = -value
		}
		return &NumberNode{Value: value, span: Span{Pos: tok.Pos, End: numTok.End}}, nil
	case TokenNumber:
		p.advance()
		value, err := strconv.ParseFloat(tok.Value, 64)
		if err != nil {
			return nil, &ParseError{Kind: ParseInvalidNumber, Message: "invalid number: " + tok.Value, Span: Span{Pos: tok.Pos, End: tok.End}}
		}
		return &NumberNode{Value: value, span: Span{Pos: tok.Pos, End: tok.End}}, nil
	case TokenString:
		p.advance()
		return &StringNode{Value: tok.Value, span: Span{Pos: tok.Pos, End: tok.End}}, nil
	case TokenBool:
		p.advance()
		return &BoolNode{Value: tok.Value == "TRUE", span: Span{Pos: tok.Pos, End: tok.End}}, nil
	case TokenErrorLit:
		p.advance()
		return &ErrorNode{Literal: tok.Value, span: Span{Pos: tok.Pos, End: tok.End}}, nil
	}
	return nil, p.unexpected(tok)
}
