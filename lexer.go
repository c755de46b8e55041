package gridcalc

import "strings"

// TokenKind represents different types of tokens in formulas
type TokenKind int

const (
	TokenEOF TokenKind = iota
	TokenNumber
	TokenString
	TokenBool
	TokenErrorLit
	TokenCell    // A1, $A$1, possibly with absolute markers
	TokenSheet   // quoted sheet name; the following '!' is a separate token
	TokenIdent   // function names, defined names
	TokenBracket // bracketed identifier contents, ]] unescaped
	TokenLeftParen
	TokenRightParen
	TokenLeftBrace
	TokenRightBrace
	TokenComma
	TokenSemicolon
	TokenColon
	TokenBang
	TokenPlus
	TokenMinus
	TokenStar
	TokenSlash
	TokenCaret
	TokenPercent
	TokenAmp
	TokenEq
	TokenNe
	TokenLt
	TokenLe
	TokenGt
	TokenGe
	TokenHash
	TokenDot
	TokenIllegal
)

// character classification constants. slightly easier to read.
const (
	charNull       = 0
	charTab        = '\t'
	charNewline    = '\n'
	charReturn     = '\r'
	charSpace      = ' '
	charQuote      = '"'
	charApostrophe = '\''
	charPercent    = '%'
	charAmpersand  = '&'
	charLParen     = '('
	charRParen     = ')'
	charLBrace     = '{'
	charRBrace     = '}'
	charLBracket   = '['
	charRBracket   = ']'
	charAsterisk   = '*'
	charPlus       = '+'
	charComma      = ','
	charMinus      = '-'
	charPeriod     = '.'
	charSlash      = '/'
	charColon      = ':'
	charSemicolon  = ';'
	charLess       = '<'
	charEqual      = '='
	charGreater    = '>'
	charCaret      = '^'
	charUnderscore = '_'
	charExclaim    = '!'
	charDollar     = '$'
	charHash       = '#'
	charQuestion   = '?'
)

// Token represents a lexical token. Pos and End are rune offsets into the
// formula source, forming a half-open span for diagnostics. Err is only
// meaningful on TokenIllegal and classifies the failure.
type Token struct {
	Kind  TokenKind
	Value string
	Pos   int
	End   int
	Err   ParseErrorKind
}

// Lexer tokenizes formula expressions. it never panics on malformed
// input; garbage becomes a TokenIllegal carrying a message.
type Lexer struct {
	input      string
	runes      []rune
	pos        int
	braceDepth int
	locale     LocaleConfig
}

// NewLexer creates a lexer for the given formula source, honoring the
// locale's decimal separator when scanning numbers
func NewLexer(input string, locale LocaleConfig) *Lexer {
	return &Lexer{
		input:  input,
		runes:  []rune(input), // runes for UTF-8 support. could do without but a real pain
		locale: locale,
	}
}

// Tokenize scans the whole input. the returned slice always ends with a
// TokenEOF; a TokenIllegal anywhere before it means the input was bad.
func (l *Lexer) Tokenize() []Token {
	var tokens []Token
	for {
		tok := l.next()
		tokens = append(tokens, tok)
		if tok.Kind == TokenEOF || tok.Kind == TokenIllegal {
			return tokens
		}
	}
}

func (l *Lexer) current() rune {
	if l.pos >= len(l.runes) {
		return charNull
	}
	return l.runes[l.pos]
}

func (l *Lexer) peek(offset int) rune {
	pos := l.pos + offset
	if pos >= len(l.runes) || pos < 0 {
		return charNull
	}
	return l.runes[pos]
}

func (l *Lexer) substring(start, end int) string {
	if start < 0 || end > len(l.runes) || start > end {
		return ""
	}
	return string(l.runes[start:end])
}

func (l *Lexer) skipWhitespace() {
	for l.pos < len(l.runes) {
		ch := l.current()
		if ch == charSpace || ch == charTab || ch == charNewline || ch == charReturn {
			l.pos++
		} else {
			break
		}
	}
}

func isDigit(ch rune) bool {
	return ch >= '0' && ch <= '9'
}

func isAsciiAlpha(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

// identifier characters: ASCII letters, digits, underscore, and any
// non-ASCII rune so localized names work
func isIdentStart(ch rune) bool {
	return isAsciiAlpha(ch) || ch == charUnderscore || ch >= 0x80
}

func isIdentPart(ch rune) bool {
	return isIdentStart(ch) || isDigit(ch)
}

func (l *Lexer) punct(kind TokenKind, length int) Token {
	start := l.pos
	l.pos += length
	return Token{Kind: kind, Value: l.substring(start, l.pos), Pos: start, End: l.pos}
}

func (l *Lexer) illegal(start int, kind ParseErrorKind, message string) Token {
	return Token{Kind: TokenIllegal, Value: message, Pos: start, End: l.pos, Err: kind}
}

// decimalSep reports the rune acting as the decimal separator at the
// current position. array literals always use period so that the row and
// column separators stay unambiguous under comma-decimal locales.
func (l *Lexer) decimalSep() rune {
	if l.braceDepth > 0 {
		return charPeriod
	}
	return l.locale.DecimalSeparator
}

// next returns the next token from the input
func (l *Lexer) next() Token {
	l.skipWhitespace()

	if l.pos >= len(l.runes) {
		return Token{Kind: TokenEOF, Pos: l.pos, End: l.pos}
	}

	ch := l.current()

	if ch == charQuote {
		return l.scanString()
	}
	if ch == charApostrophe {
		return l.scanQuotedSheet()
	}
	if ch == charHash {
		return l.scanErrorOrHash()
	}
	if ch == charLBracket {
		return l.scanBracket()
	}
	if isDigit(ch) || (ch == l.decimalSep() && isDigit(l.peek(1))) {
		return l.scanNumber()
	}
	if ch == charDollar || isIdentStart(ch) {
		return l.scanIdentOrRef()
	}

	switch ch {
	case charLParen:
		return l.punct(TokenLeftParen, 1)
	case charRParen:
		return l.punct(TokenRightParen, 1)
	case charLBrace:
		l.braceDepth++
		return l.punct(TokenLeftBrace, 1)
	case charRBrace:
		if l.braceDepth > 0 {
			l.braceDepth--
		}
		return l.punct(TokenRightBrace, 1)
	case charComma:
		return l.punct(TokenComma, 1)
	case charSemicolon:
		return l.punct(TokenSemicolon, 1)
	case charColon:
		return l.punct(TokenColon, 1)
	case charExclaim:
		return l.punct(TokenBang, 1)
	case charPlus:
		return l.punct(TokenPlus, 1)
	case charMinus:
		return l.punct(TokenMinus, 1)
	case charAsterisk:
		return l.punct(TokenStar, 1)
	case charSlash:
		return l.punct(TokenSlash, 1)
	case charCaret:
		return l.punct(TokenCaret, 1)
	case charPercent:
		return l.punct(TokenPercent, 1)
	case charAmpersand:
		return l.punct(TokenAmp, 1)
	case charPeriod:
		return l.punct(TokenDot, 1)
	case charEqual:
		return l.punct(TokenEq, 1)
	case charLess:
		if l.peek(1) == charEqual {
			return l.punct(TokenLe, 2)
		}
		if l.peek(1) == charGreater {
			return l.punct(TokenNe, 2)
		}
		return l.punct(TokenLt, 1)
	case charGreater:
		if l.peek(1) == charEqual {
			return l.punct(TokenGe, 2)
		}
		return l.punct(TokenGt, 1)
	}

	start := l.pos
	l.pos++
	return l.illegal(start, ParseUnexpectedToken, "unexpected character: "+string(ch))
}

// scanNumber scans a number including decimals and scientific notation.
// the token value is normalized to use '.' as the decimal separator so
// downstream code never sees locale separators.
func (l *Lexer) scanNumber() Token {
	start := l.pos
	sep := l.decimalSep()
	var b strings.Builder

	for isDigit(l.current()) {
		b.WriteRune(l.current())
		l.pos++
	}

	if l.current() == sep && isDigit(l.peek(1)) {
		b.WriteByte(charPeriod)
		l.pos++
		for isDigit(l.current()) {
			b.WriteRune(l.current())
			l.pos++
		}
	}

	if l.current() == 'e' || l.current() == 'E' {
		saved := l.pos
		l.pos++
		sign := rune(0)
		if l.current() == charPlus || l.current() == charMinus {
			sign = l.current()
			l.pos++
		}
		if !isDigit(l.current()) {
			// not scientific notation, restore position
			l.pos = saved
		} else {
			b.WriteByte('e')
			if sign != 0 {
				b.WriteRune(sign)
			}
			for isDigit(l.current()) {
				b.WriteRune(l.current())
				l.pos++
			}
		}
	}

	return Token{Kind: TokenNumber, Value: b.String(), Pos: start, End: l.pos}
}

// scanString scans a string literal with double-quote escapes
func (l *Lexer) scanString() Token {
	start := l.pos
	l.pos++ // opening quote

	var b strings.Builder
	for l.pos < len(l.runes) {
		ch := l.current()
		if ch == charQuote {
			if l.peek(1) == charQuote {
				b.WriteByte(charQuote)
				l.pos += 2
				continue
			}
			l.pos++ // closing quote
			return Token{Kind: TokenString, Value: b.String(), Pos: start, End: l.pos}
		}
		b.WriteRune(ch)
		l.pos++
	}

	return l.illegal(start, ParseUnterminatedString, "unterminated string literal")
}

// scanQuotedSheet scans a single-quoted sheet name with '' escaping. the
// '!' separator is left for the parser.
func (l *Lexer) scanQuotedSheet() Token {
	start := l.pos
	l.pos++ // opening apostrophe

	var b strings.Builder
	for l.pos < len(l.runes) {
		ch := l.current()
		if ch == charApostrophe {
			if l.peek(1) == charApostrophe {
				b.WriteByte(charApostrophe)
				l.pos += 2
				continue
			}
			l.pos++ // closing apostrophe
			return Token{Kind: TokenSheet, Value: b.String(), Pos: start, End: l.pos}
		}
		b.WriteRune(ch)
		l.pos++
	}

	return l.illegal(start, ParseUnterminatedString, "unterminated sheet name")
}

// scanBracket scans a bracketed identifier, used for structured reference
// parts. ]] inside the brackets is an escaped closing bracket.
func (l *Lexer) scanBracket() Token {
	start := l.pos
	l.pos++ // opening bracket

	var b strings.Builder
	for l.pos < len(l.runes) {
		ch := l.current()
		if ch == charRBracket {
			if l.peek(1) == charRBracket {
				b.WriteByte(charRBracket)
				l.pos += 2
				continue
			}
			l.pos++ // closing bracket
			return Token{Kind: TokenBracket, Value: b.String(), Pos: start, End: l.pos}
		}
		b.WriteRune(ch)
		l.pos++
	}

	return l.illegal(start, ParseUnmatchedBracket, "unmatched '['")
}

// error literals that end without punctuation; everything else requires a
// trailing '!' or '?'
var bareErrorLiterals = map[string]bool{
	"#N/A":          true,
	"#GETTING_DATA": true,
}

// scanErrorOrHash scans an error literal like #DIV/0! or #NAME?. a '#'
// that doesn't start a recognizable literal is the spill operator.
func (l *Lexer) scanErrorOrHash() Token {
	start := l.pos
	l.pos++ // consume '#'

	bodyStart := l.pos
	for l.pos < len(l.runes) {
		ch := l.current()
		if isAsciiAlpha(ch) || isDigit(ch) || ch == charSlash || ch == charUnderscore || ch == charPeriod {
			l.pos++
		} else {
			break
		}
	}

	if l.pos == bodyStart {
		// bare '#': spill operator
		return Token{Kind: TokenHash, Value: "#", Pos: start, End: l.pos}
	}

	if l.current() == charExclaim || l.current() == charQuestion {
		l.pos++
		literal := strings.ToUpper(l.substring(start, l.pos))
		return Token{Kind: TokenErrorLit, Value: literal, Pos: start, End: l.pos}
	}

	literal := strings.ToUpper(l.substring(start, l.pos))
	if bareErrorLiterals[literal] {
		return Token{Kind: TokenErrorLit, Value: literal, Pos: start, End: l.pos}
	}

	return l.illegal(start, ParseUnexpectedToken, "malformed error literal: "+l.substring(start, l.pos))
}

// scanIdentOrRef scans identifiers, booleans, and cell references with
// optional '$' absolute markers
func (l *Lexer) scanIdentOrRef() Token {
	start := l.pos

	if l.current() == charDollar {
		return l.scanCellWithDollar()
	}

	for isIdentPart(l.current()) {
		l.pos++
	}
	value := l.substring(start, l.pos)

	// row-absolute forms like A$1
	if l.current() == charDollar && isDigit(l.peek(1)) && isColumnWord(value) {
		l.pos++ // consume '$'
		numStart := l.pos
		for isDigit(l.current()) {
			l.pos++
		}
		return Token{
			Kind:  TokenCell,
			Value: value + "$" + l.substring(numStart, l.pos),
			Pos:   start,
			End:   l.pos,
		}
	}

	upper := strings.ToUpper(value)
	if upper == "TRUE" || upper == "FALSE" {
		return Token{Kind: TokenBool, Value: upper, Pos: start, End: l.pos}
	}

	if isCellWord(value) {
		return Token{Kind: TokenCell, Value: value, Pos: start, End: l.pos}
	}

	return Token{Kind: TokenIdent, Value: value, Pos: start, End: l.pos}
}

// scanCellWithDollar scans references beginning with '$': $A1, $A$1, and
// the column-only form $A used in ranges like $A:$B
func (l *Lexer) scanCellWithDollar() Token {
	start := l.pos
	l.pos++ // consume '$'

	letterStart := l.pos
	for isAsciiAlpha(l.current()) {
		l.pos++
	}
	letters := l.substring(letterStart, l.pos)

	if letters == "" {
		// $1 row-only form, or a stray '$'
		if isDigit(l.current()) {
			for isDigit(l.current()) {
				l.pos++
			}
			return Token{Kind: TokenCell, Value: l.substring(start, l.pos), Pos: start, End: l.pos}
		}
		return l.illegal(start, ParseInvalidReference, "unexpected '$'")
	}
	if !isColumnWord(letters) {
		return l.illegal(start, ParseInvalidReference, "invalid reference: $"+letters)
	}

	if l.current() == charDollar && isDigit(l.peek(1)) {
		l.pos++
		for isDigit(l.current()) {
			l.pos++
		}
	} else {
		for isDigit(l.current()) {
			l.pos++
		}
	}

	return Token{Kind: TokenCell, Value: l.substring(start, l.pos), Pos: start, End: l.pos}
}

// isColumnWord checks that a string is only column letters, short enough
// to be a real column
func isColumnWord(s string) bool {
	if s == "" || len(s) > 3 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isAsciiAlpha(rune(s[i])) {
			return false
		}
	}
	return true
}

// isCellWord checks if a string is a plain cell reference like A1 or B12
func isCellWord(s string) bool {
	letterEnd := 0
	for letterEnd < len(s) && isAsciiAlpha(rune(s[letterEnd])) {
		letterEnd++
	}
	if letterEnd == 0 || letterEnd > 3 || letterEnd == len(s) {
		return false
	}
	for i := letterEnd; i < len(s); i++ {
		if !isDigit(rune(s[i])) {
			return false
		}
	}
	return true
}
