package expr

import "strings"

type tokenType int

type token struct {
	typ     tokenType
	literal string
	pos     int
}

const (
	tokenIllegal tokenType = iota
	tokenEOF
	tokenIdentifier
	tokenInt
	tokenFloat
	tokenString
	tokenBool
	tokenNil
	tokenAnd
	tokenOr
	tokenNot
	tokenEq
	tokenNeq
	tokenGt
	tokenGte
	tokenLt
	tokenLte
	tokenLParen
	tokenRParen
	tokenLBracket
	tokenRBracket
	tokenMinus
	tokenPlus
	tokenStar
	tokenSlash
	tokenPercent
	tokenDot
	tokenComma
	tokenQuestion
	tokenColon
	tokenSemicolon
)

var tokenNames = map[tokenType]string{
	tokenIllegal:    "illegal",
	tokenEOF:        "eof",
	tokenIdentifier: "identifier",
	tokenInt:        "integer",
	tokenFloat:      "number",
	tokenString:     "string",
	tokenBool:       "bool",
	tokenNil:        "nil",
	tokenAnd:        "&&",
	tokenOr:         "||",
	tokenNot:        "!",
	tokenEq:         "==",
	tokenNeq:        "!=",
	tokenGt:         ">",
	tokenGte:        ">=",
	tokenLt:         "<",
	tokenLte:        "<=",
	tokenLParen:     "(",
	tokenRParen:     ")",
	tokenLBracket:   "[",
	tokenRBracket:   "]",
	tokenMinus:      "-",
	tokenPlus:       "+",
	tokenStar:       "*",
	tokenSlash:      "/",
	tokenPercent:    "%",
	tokenDot:        ".",
	tokenComma:      ",",
	tokenQuestion:   "?",
	tokenColon:      ":",
	tokenSemicolon:  ";",
}

func (t tokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return "unknown"
}

var singleCharTokens = map[byte]tokenType{
	'(': tokenLParen,
	')': tokenRParen,
	'[': tokenLBracket,
	']': tokenRBracket,
	'-': tokenMinus,
	'+': tokenPlus,
	'*': tokenStar,
	'/': tokenSlash,
	'%': tokenPercent,
	'.': tokenDot,
	',': tokenComma,
	'?': tokenQuestion,
	':': tokenColon,
	';': tokenSemicolon,
}

type lexer struct {
	input  string
	length int
	pos    int
}

func newLexer(input string) *lexer {
	return &lexer{input: input, length: len(input)}
}

func (l *lexer) nextToken() token {
	l.skipWhitespaceAndComments()
	if l.pos >= l.length {
		return token{typ: tokenEOF, pos: l.pos}
	}

	start := l.pos
	ch := l.input[l.pos]

	switch ch {
	case '!':
		if l.peek() == '=' {
			l.pos += 2
			return token{typ: tokenNeq, literal: "!=", pos: start}
		}
		l.pos++
		return token{typ: tokenNot, literal: "!", pos: start}
	case '=':
		if l.peek() == '=' {
			l.pos += 2
			return token{typ: tokenEq, literal: "==", pos: start}
		}
	case '>':
		if l.peek() == '=' {
			l.pos += 2
			return token{typ: tokenGte, literal: ">=", pos: start}
		}
		l.pos++
		return token{typ: tokenGt, literal: ">", pos: start}
	case '<':
		if l.peek() == '=' {
			l.pos += 2
			return token{typ: tokenLte, literal: "<=", pos: start}
		}
		l.pos++
		return token{typ: tokenLt, literal: "<", pos: start}
	case '&':
		if l.peek() == '&' {
			l.pos += 2
			return token{typ: tokenAnd, literal: "&&", pos: start}
		}
	case '|':
		if l.peek() == '|' {
			l.pos += 2
			return token{typ: tokenOr, literal: "||", pos: start}
		}
	case '\'', '"':
		return l.scanString()
	}

	if typ, ok := singleCharTokens[ch]; ok {
		// ".5" is a number, not a selector.
		if !(ch == '.' && isDigit(l.peek())) {
			l.pos++
			return token{typ: typ, literal: string(ch), pos: start}
		}
	}

	if isDigit(ch) || ch == '.' {
		return l.scanNumber()
	}

	if isIdentifierStart(ch) {
		return l.scanIdentifier()
	}

	return token{typ: tokenIllegal, literal: string(ch), pos: start}
}

func (l *lexer) skipWhitespaceAndComments() {
	for l.pos < l.length {
		switch l.input[l.pos] {
		case ' ', '\t', '\n', '\r':
			l.pos++
		case '#':
			for l.pos < l.length && l.input[l.pos] != '\n' {
				l.pos++
			}
		default:
			return
		}
	}
}

func (l *lexer) peek() byte {
	if l.pos+1 >= l.length {
		return 0
	}
	return l.input[l.pos+1]
}

func (l *lexer) advance() byte {
	if l.pos >= l.length {
		return 0
	}
	ch := l.input[l.pos]
	l.pos++
	return ch
}

func (l *lexer) scanNumber() token {
	start := l.pos
	hasDot := false

	for l.pos < l.length {
		ch := l.input[l.pos]
		if ch == '.' {
			// "1.foo" is a selector on 1, which the parser rejects; keep the dot out.
			if hasDot || !isDigit(l.peek()) {
				break
			}
			hasDot = true
			l.pos++
			continue
		}
		if !isDigit(ch) {
			break
		}
		l.pos++
	}

	typ := tokenInt
	if hasDot {
		typ = tokenFloat
	}
	return token{typ: typ, literal: l.input[start:l.pos], pos: start}
}

func (l *lexer) scanIdentifier() token {
	start := l.pos
	for l.pos < l.length && isIdentifierPart(l.input[l.pos]) {
		l.pos++
	}
	literal := l.input[start:l.pos]
	switch strings.ToLower(literal) {
	case "true", "false":
		return token{typ: tokenBool, literal: literal, pos: start}
	case "nil", "null":
		return token{typ: tokenNil, literal: literal, pos: start}
	}
	return token{typ: tokenIdentifier, literal: literal, pos: start}
}

func (l *lexer) scanString() token {
	start := l.pos
	quote := l.advance()
	var builder strings.Builder
	escaped := false

	for l.pos < l.length {
		ch := l.advance()
		if escaped {
			switch ch {
			case 'n':
				builder.WriteByte('\n')
			case 't':
				builder.WriteByte('\t')
			case 'r':
				builder.WriteByte('\r')
			default:
				builder.WriteByte(ch)
			}
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == quote {
			return token{typ: tokenString, literal: builder.String(), pos: start}
		}
		builder.WriteByte(ch)
	}

	return token{typ: tokenIllegal, literal: "unterminated string", pos: start}
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentifierStart(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_' || ch == '$'
}

func isIdentifierPart(ch byte) bool {
	return isIdentifierStart(ch) || isDigit(ch)
}
