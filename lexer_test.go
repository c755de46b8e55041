package gridcalc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func tokenKinds(tokens []Token) []TokenKind {
	kinds := make([]TokenKind, len(tokens))
	for i, tok := range tokens {
		kinds[i] = tok.Kind
	}
	return kinds
}

func lex(t *testing.T, input string) []Token {
	t.Helper()
	return NewLexer(input, DefaultLocale()).Tokenize()
}

func TestLexNumbers(t *testing.T) {
	cases := []struct {
		input string
		value string
	}{
		{"42", "42"},
		{"3.14", "3.14"},
		{"0.5", "0.5"},
		{"1e3", "1e3"},
		{"2.5E-4", "2.5e-4"},
		{"1e+2", "1e+2"},
	}
	for _, c := range cases {
		tokens := lex(t, c.input)
		require.Len(t, tokens, 2, "input %q", c.input)
		require.Equal(t, TokenNumber, tokens[0].Kind, "input %q", c.input)
		require.Equal(t, c.value, tokens[0].Value, "input %q", c.input)
		require.Equal(t, TokenEOF, tokens[1].Kind)
	}
}

func TestLexNumberNotScientific(t *testing.T) {
	// 'e' not followed by digits is an identifier boundary
	tokens := lex(t, "1easy")
	require.Equal(t, TokenNumber, tokens[0].Kind)
	require.Equal(t, "1", tokens[0].Value)
	require.Equal(t, TokenIdent, tokens[1].Kind)
	require.Equal(t, "easy", tokens[1].Value)
}

func TestLexStrings(t *testing.T) {
	tokens := lex(t, `"hello"`)
	require.Equal(t, TokenString, tokens[0].Kind)
	require.Equal(t, "hello", tokens[0].Value)

	tokens = lex(t, `"say ""hi"""`)
	require.Equal(t, TokenString, tokens[0].Kind)
	require.Equal(t, `say "hi"`, tokens[0].Value)

	tokens = lex(t, `"unterminated`)
	require.Equal(t, TokenIllegal, tokens[len(tokens)-1].Kind)
}

func TestLexBooleans(t *testing.T) {
	for _, input := range []string{"TRUE", "true", "True"} {
		tokens := lex(t, input)
		require.Equal(t, TokenBool, tokens[0].Kind, "input %q", input)
		require.Equal(t, "TRUE", tokens[0].Value, "input %q", input)
	}
	tokens := lex(t, "FALSE")
	require.Equal(t, TokenBool, tokens[0].Kind)
	require.Equal(t, "FALSE", tokens[0].Value)
}

func TestLexCellReferences(t *testing.T) {
	cases := []struct {
		input string
		value string
	}{
		{"A1", "A1"},
		{"XFD1048576", "XFD1048576"},
		{"$A1", "$A1"},
		{"A$1", "A$1"},
		{"$A$1", "$A$1"},
		{"$A", "$A"},
	}
	for _, c := range cases {
		tokens := lex(t, c.input)
		require.Equal(t, TokenCell, tokens[0].Kind, "input %q", c.input)
		require.Equal(t, c.value, tokens[0].Value, "input %q", c.input)
	}

	// too many letters for a column makes an identifier
	tokens := lex(t, "ABCD1")
	require.Equal(t, TokenIdent, tokens[0].Kind)
}

func TestLexErrorLiterals(t *testing.T) {
	cases := []struct {
		input string
		value string
	}{
		{"#DIV/0!", "#DIV/0!"},
		{"#VALUE!", "#VALUE!"},
		{"#NAME?", "#NAME?"},
		{"#N/A", "#N/A"},
		{"#ref!", "#REF!"},
		{"#CUSTOM_THING!", "#CUSTOM_THING!"},
	}
	for _, c := range cases {
		tokens := lex(t, c.input)
		require.Equal(t, TokenErrorLit, tokens[0].Kind, "input %q", c.input)
		require.Equal(t, c.value, tokens[0].Value, "input %q", c.input)
	}
}

func TestLexSpillOperator(t *testing.T) {
	tokens := lex(t, "A1#")
	require.Equal(t, []TokenKind{TokenCell, TokenHash, TokenEOF}, tokenKinds(tokens))
}

func TestLexOperators(t *testing.T) {
	tokens := lex(t, "1+2-3*4/5^6&7%")
	require.Equal(t, []TokenKind{
		TokenNumber, TokenPlus, TokenNumber, TokenMinus, TokenNumber,
		TokenStar, TokenNumber, TokenSlash, TokenNumber, TokenCaret,
		TokenNumber, TokenAmp, TokenNumber, TokenPercent, TokenEOF,
	}, tokenKinds(tokens))
}

func TestLexComparisons(t *testing.T) {
	tokens := lex(t, "1<2<=3>4>=5=6<>7")
	require.Equal(t, []TokenKind{
		TokenNumber, TokenLt, TokenNumber, TokenLe, TokenNumber,
		TokenGt, TokenNumber, TokenGe, TokenNumber, TokenEq,
		TokenNumber, TokenNe, TokenNumber, TokenEOF,
	}, tokenKinds(tokens))
}

func TestLexQuotedSheet(t *testing.T) {
	tokens := lex(t, "'My Sheet'!A1")
	require.Equal(t, []TokenKind{TokenSheet, TokenBang, TokenCell, TokenEOF}, tokenKinds(tokens))
	require.Equal(t, "My Sheet", tokens[0].Value)

	tokens = lex(t, "'It''s'!A1")
	require.Equal(t, "It's", tokens[0].Value)

	tokens = lex(t, "'never closed")
	require.Equal(t, TokenIllegal, tokens[len(tokens)-1].Kind)
}

func TestLexFunctionCall(t *testing.T) {
	tokens := lex(t, "SUM(A1:B2, 3)")
	require.Equal(t, []TokenKind{
		TokenIdent, TokenLeftParen, TokenCell, TokenColon, TokenCell,
		TokenComma, TokenNumber, TokenRightParen, TokenEOF,
	}, tokenKinds(tokens))
	require.Equal(t, "SUM", tokens[0].Value)
}

func TestLexArrayLiteral(t *testing.T) {
	tokens := lex(t, "{1,2;3,4}")
	require.Equal(t, []TokenKind{
		TokenLeftBrace, TokenNumber, TokenComma, TokenNumber, TokenSemicolon,
		TokenNumber, TokenComma, TokenNumber, TokenRightBrace, TokenEOF,
	}, tokenKinds(tokens))
}

func TestLexLocaleSeparators(t *testing.T) {
	locale := LocaleConfig{
		DecimalSeparator: ',',
		GroupSeparator:   '.',
		ListSeparator:    ';',
		DateOrder:        DateOrderDmy,
	}
	tokens := NewLexer("1,5", locale).Tokenize()
	require.Equal(t, TokenNumber, tokens[0].Kind)
	require.Equal(t, "1.5", tokens[0].Value)
}

func TestLexWhitespaceAndSpans(t *testing.T) {
	tokens := lex(t, "  1   +  2 ")
	require.Equal(t, []TokenKind{TokenNumber, TokenPlus, TokenNumber, TokenEOF}, tokenKinds(tokens))
	require.Equal(t, 2, tokens[0].Pos)
	require.Equal(t, 3, tokens[0].End)
	require.Equal(t, 6, tokens[1].Pos)
}
