package query

import (
	"fmt"
	"strings"
	"unicode"
)

// TokenType classifies one lexical token of the supported SELECT dialect.
type TokenType int

const (
	TokenEOF TokenType = iota
	TokenIdent
	TokenKeyword
	TokenNumber
	TokenString
	TokenComma
	TokenLParen
	TokenRParen
	TokenStar
	TokenOperator // = <> != < <= > >= + - / %
)

// Token is one lexical token with its source position.
type Token struct {
	Type TokenType
	Text string
	Pos  int
}

var keywords = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "GROUP": true, "BY": true,
	"HAVING": true, "ORDER": true, "LIMIT": true, "AS": true, "AND": true,
	"OR": true, "NOT": true, "JOIN": true, "INNER": true, "LEFT": true,
	"RIGHT": true, "FULL": true, "CROSS": true, "ON": true, "DISTINCT": true,
	"NULL": true, "TRUE": true, "FALSE": true, "IN": true, "IS": true,
	"BETWEEN": true, "LIKE": true, "UNION": true, "ALL": true,
}

// Lex tokenizes a query string. Identifiers and keywords are case-folded to
// upper case in Token.Text for keywords; identifiers keep their original
// spelling (double-quoted identifiers keep exact content).
func Lex(input string) ([]Token, error) {
	var tokens []Token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == ',':
			tokens = append(tokens, Token{TokenComma, ",", i})
			i++
		case c == '(':
			tokens = append(tokens, Token{TokenLParen, "(", i})
			i++
		case c == ')':
			tokens = append(tokens, Token{TokenRParen, ")", i})
			i++
		case c == '*':
			tokens = append(tokens, Token{TokenStar, "*", i})
			i++
		case c == '\'':
			j := i + 1
			for j < len(input) && input[j] != '\'' {
				j++
			}
			if j >= len(input) {
				return nil, fmt.Errorf("unterminated string literal at offset %d", i)
			}
			tokens = append(tokens, Token{TokenString, input[i+1 : j], i})
			i = j + 1
		case c == '"':
			j := i + 1
			for j < len(input) && input[j] != '"' {
				j++
			}
			if j >= len(input) {
				return nil, fmt.Errorf("unterminated quoted identifier at offset %d", i)
			}
			tokens = append(tokens, Token{TokenIdent, input[i+1 : j], i})
			i = j + 1
		case isOperatorByte(c):
			j := i + 1
			for j < len(input) && isOperatorByte(input[j]) {
				j++
			}
			tokens = append(tokens, Token{TokenOperator, input[i:j], i})
			i = j
		case unicode.IsDigit(rune(c)):
			j := i
			for j < len(input) && (unicode.IsDigit(rune(input[j])) || input[j] == '.') {
				j++
			}
			tokens = append(tokens, Token{TokenNumber, input[i:j], i})
			i = j
		case unicode.IsLetter(rune(c)) || c == '_':
			j := i
			for j < len(input) && (unicode.IsLetter(rune(input[j])) || unicode.IsDigit(rune(input[j])) || input[j] == '_' || input[j] == '.') {
				j++
			}
			word := input[i:j]
			upper := strings.ToUpper(word)
			if keywords[upper] {
				tokens = append(tokens, Token{TokenKeyword, upper, i})
			} else {
				tokens = append(tokens, Token{TokenIdent, word, i})
			}
			i = j
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", c, i)
		}
	}
	tokens = append(tokens, Token{TokenEOF, "", len(input)})
	return tokens, nil
}

func isOperatorByte(c byte) bool {
	switch c {
	case '=', '<', '>', '!', '+', '-', '/', '%':
		return true
	}
	return false
}
