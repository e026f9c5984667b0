package sqlscript

import "strings"

// lexer walks a script byte by byte, skipping over the constructs that may
// contain a semicolon without terminating a statement.
type lexer struct {
	input   string
	pos     int  // current position in input
	readPos int  // reading position (after current char)
	ch      byte // current char under examination
	line    int  // current line number (1-based)
}

func newLexer(input string) *lexer {
	l := &lexer{input: input, line: 1}
	l.readChar()
	return l
}

// readChar advances to the next character.
func (l *lexer) readChar() {
	if l.readPos >= len(l.input) {
		l.ch = 0 // ASCII NUL = EOF
		l.pos = len(l.input)
		l.readPos = len(l.input) + 1
		return
	}
	l.ch = l.input[l.readPos]
	l.pos = l.readPos
	l.readPos++
	if l.ch == '\n' {
		l.line++
	}
}

// peekChar returns the next character without advancing.
func (l *lexer) peekChar() byte {
	if l.readPos >= len(l.input) {
		return 0
	}
	return l.input[l.readPos]
}

func (l *lexer) eof() bool {
	return l.pos >= len(l.input)
}

// skipTrivia skips whitespace and comments. With semicolons set it also
// skips empty statements.
func (l *lexer) skipTrivia(semicolons bool) {
	for !l.eof() {
		switch {
		case isSpace(l.ch):
			l.readChar()
		case semicolons && l.ch == ';':
			l.readChar()
		case l.ch == '-' && l.peekChar() == '-':
			l.skipLineComment()
		case l.ch == '/' && l.peekChar() == '*':
			l.skipBlockComment()
		default:
			return
		}
	}
}

func (l *lexer) skipLineComment() {
	for l.ch != '\n' && !l.eof() {
		l.readChar()
	}
}

func (l *lexer) skipBlockComment() {
	l.readChar() // skip '/'
	l.readChar() // skip '*'
	for !l.eof() {
		if l.ch == '*' && l.peekChar() == '/' {
			l.readChar() // skip '*'
			l.readChar() // skip '/'
			return
		}
		l.readChar()
	}
}

// skipQuoted skips a literal delimited by quote, where a doubled closing
// quote is an escape: 'it''s', "col""name", `a``b`.
func (l *lexer) skipQuoted(closing byte) {
	l.readChar() // skip opening quote
	for !l.eof() {
		if l.ch == closing {
			if closing != ']' && l.peekChar() == closing {
				l.readChar()
				l.readChar()
				continue
			}
			l.readChar() // skip closing quote
			return
		}
		l.readChar()
	}
}

// readWord reads an unquoted identifier or keyword.
func (l *lexer) readWord() string {
	start := l.pos
	for isLetter(l.ch) || isDigit(l.ch) || l.ch == '_' || l.ch == '$' {
		l.readChar()
	}
	return l.input[start:l.pos]
}

// firstWord returns the upper-cased leading keyword of s, after trivia.
func firstWord(s string) string {
	l := newLexer(s)
	l.skipTrivia(true)
	if !isLetter(l.ch) && l.ch != '_' {
		return ""
	}
	return strings.ToUpper(l.readWord())
}

func isSpace(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r' || ch == '\f' || ch == '\v'
}

func isLetter(ch byte) bool {
	return 'a' <= ch && ch <= 'z' || 'A' <= ch && ch <= 'Z' || ch >= 0x80
}

func isDigit(ch byte) bool {
	return '0' <= ch && ch <= '9'
}
