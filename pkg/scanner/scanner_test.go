package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palladium-lang/palladium/pkg/bytecode"
)

// scanAll drains the scanner up to and including EOF.
func scanAll(source string) []Token {
	s := New(source)
	var tokens []Token
	for {
		tok := s.ScanToken()
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF || tok.Type == TokenError {
			return tokens
		}
	}
}

func types(tokens []Token) []TokenType {
	out := make([]TokenType, len(tokens))
	for i, tok := range tokens {
		out[i] = tok.Type
	}
	return out
}

func TestScanDeclaration(t *testing.T) {
	tokens := scanAll("int x = 41;")
	assert.Equal(t, []TokenType{
		TokenInt, TokenIdentifier, TokenEqual, TokenNumberInteger,
		TokenSemicolon, TokenEOF,
	}, types(tokens))
	assert.Equal(t, "x", tokens[1].Lexeme)
	assert.Equal(t, "41", tokens[3].Lexeme)
}

func TestScanKeywords(t *testing.T) {
	tests := []struct {
		source   string
		expected TokenType
	}{
		{"bool", TokenBool}, {"char", TokenChar}, {"double", TokenDouble},
		{"else", TokenElse}, {"false", TokenFalse}, {"for", TokenFor},
		{"fun", TokenFun}, {"if", TokenIf}, {"int", TokenInt},
		{"null", TokenNull}, {"or", TokenOr}, {"print", TokenPrint},
		{"ret", TokenReturn}, {"str", TokenStr}, {"struct", TokenStruct},
		{"true", TokenTrue}, {"void", TokenVoid}, {"while", TokenWhile},
		{"and", TokenAnd}, {"as", TokenAs}, {"cast", TokenCast},
		{"imp", TokenImp}, {"inst", TokenInst}, {"nspace", TokenNspace},
		// near misses are identifiers
		{"integer", TokenIdentifier}, {"prin", TokenIdentifier},
		{"_while", TokenIdentifier},
	}
	for _, tt := range tests {
		tokens := scanAll(tt.source)
		require.Len(t, tokens, 2, "source %q", tt.source)
		assert.Equal(t, tt.expected, tokens[0].Type, "source %q", tt.source)
	}
}

func TestScanOperators(t *testing.T) {
	tokens := scanAll("+ - * / += -= *= /= == != = ! < <= > >= && & || | ~ ~> :: [ ]")
	assert.Equal(t, []TokenType{
		TokenPlus, TokenMinus, TokenStar, TokenSlash,
		TokenPlusEqual, TokenMinusEqual, TokenStarEqual, TokenSlashEqual,
		TokenEqualEqual, TokenBangEqual, TokenEqual, TokenBang,
		TokenLess, TokenLessEqual, TokenGreater, TokenGreaterEqual,
		TokenAnd, TokenReference, TokenOr, TokenPipe,
		TokenTilde, TokenTildeArrow, TokenDoubleColon,
		TokenLeftBracket, TokenRightBracket, TokenEOF,
	}, types(tokens))
}

func TestScanNumbers(t *testing.T) {
	tokens := scanAll("12 3.5 7.")
	assert.Equal(t, []TokenType{
		TokenNumberInteger, TokenNumberFloating, TokenNumberInteger,
		TokenDot, TokenEOF,
	}, types(tokens))
	assert.Equal(t, "12", tokens[0].Lexeme)
	assert.Equal(t, "3.5", tokens[1].Lexeme)
}

func TestScanString(t *testing.T) {
	tokens := scanAll(`"hello world"`)
	require.Equal(t, TokenString, tokens[0].Type)
	assert.Equal(t, `"hello world"`, tokens[0].Lexeme)
}

func TestScanMultiLineString(t *testing.T) {
	s := New("\"a\nb\" x")
	tok := s.ScanToken()
	assert.Equal(t, TokenString, tok.Type)
	assert.Equal(t, 1, tok.Line)

	// the newline inside the literal advanced the line counter
	tok = s.ScanToken()
	assert.Equal(t, TokenIdentifier, tok.Type)
	assert.Equal(t, 2, tok.Line)
}

func TestScanUnterminatedString(t *testing.T) {
	tokens := scanAll(`"oops`)
	require.Equal(t, TokenError, tokens[0].Type)
	assert.Equal(t, "Unterminated string.", tokens[0].Lexeme)
}

func TestScanCharacter(t *testing.T) {
	tokens := scanAll("'c'")
	require.Equal(t, TokenCharacter, tokens[0].Type)
	assert.Equal(t, byte('c'), tokens[0].Lexeme[1])

	tokens = scanAll("'cd")
	assert.Equal(t, TokenError, tokens[0].Type)
}

func TestScanComments(t *testing.T) {
	tokens := scanAll("1 // this is ignored\n2")
	assert.Equal(t, []TokenType{
		TokenNumberInteger, TokenNumberInteger, TokenEOF,
	}, types(tokens))
	assert.Equal(t, 1, tokens[0].Line)
	assert.Equal(t, 2, tokens[1].Line)
}

func TestScanLineTracking(t *testing.T) {
	tokens := scanAll("a\nb\n\nc")
	assert.Equal(t, 1, tokens[0].Line)
	assert.Equal(t, 2, tokens[1].Line)
	assert.Equal(t, 4, tokens[2].Line)
}

func TestScanUnexpectedCharacter(t *testing.T) {
	tokens := scanAll("@")
	require.Equal(t, TokenError, tokens[0].Type)
	assert.Equal(t, "Unexpected character.", tokens[0].Lexeme)
}

func TestInsertSource(t *testing.T) {
	s := New("one three")
	tok := s.ScanToken()
	assert.Equal(t, "one", tok.Lexeme)

	s.InsertSource(" two")
	assert.Equal(t, "two", s.ScanToken().Lexeme)
	assert.Equal(t, "three", s.ScanToken().Lexeme)
	assert.Equal(t, TokenEOF, s.ScanToken().Type)
}

func TestAppendSource(t *testing.T) {
	s := New("one")
	assert.Equal(t, "one", s.ScanToken().Lexeme)

	s.AppendSource(" two")
	assert.Equal(t, "two", s.ScanToken().Lexeme)
	assert.Equal(t, TokenEOF, s.ScanToken().Type)
}

func TestValueTypeOfKeyword(t *testing.T) {
	assert.Equal(t, bytecode.ValueInteger, ValueTypeOfKeyword(TokenInt))
	assert.Equal(t, bytecode.ValueDouble, ValueTypeOfKeyword(TokenDouble))
	assert.Equal(t, bytecode.ValueBool, ValueTypeOfKeyword(TokenBool))
	assert.Equal(t, bytecode.ValueCharacter, ValueTypeOfKeyword(TokenChar))
	assert.Equal(t, bytecode.ValueObject, ValueTypeOfKeyword(TokenStr))
	assert.Equal(t, bytecode.ValueNull, ValueTypeOfKeyword(TokenVoid))
}
