package sqlscript

import "strings"

// Statement is one statement cut from a script.
type Statement struct {
	// Raw is the part of the script attributed to this statement.
	Raw string
	// Offset of Raw within the script.
	Offset int
	// Line on which the statement text starts (1-based).
	Line int

	text string
}

// SQL returns the statement text without leading trivia.
// The terminating semicolon, when present, is kept.
func (s Statement) SQL() string {
	return s.text
}

// Normalized returns the statement with comments and surrounding whitespace
// removed from its start and the terminator dropped.
func (s Statement) Normalized() string {
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s.text), ";"))
}

// Keyword returns the upper-cased leading keyword.
func (s Statement) Keyword() string {
	return firstWord(s.text)
}

// ModifiesRows reports whether the statement is an INSERT, UPDATE or DELETE,
// the statements for which the engine's rows-modified counter is meaningful.
func (s Statement) ModifiesRows() bool {
	switch s.Keyword() {
	case "INSERT", "UPDATE", "DELETE":
		return true
	}
	return false
}

// Iterator yields the statements of a script one at a time.
type Iterator struct {
	input string
	l     *lexer
	start int
	cur   Statement
}

// Iterate returns an Iterator over script.
func Iterate(script string) *Iterator {
	return &Iterator{input: script, l: newLexer(script)}
}

// Next advances to the next statement. It returns false when the script is
// exhausted.
func (it *Iterator) Next() bool {
	l := it.l
	rawStart := it.start

	l.skipTrivia(true)
	if l.eof() {
		it.start = len(it.input)
		return false
	}

	textStart, line := l.pos, l.line
	scanStatement(l)
	end := l.pos

	// Trailing trivia belongs to the last statement.
	saved := *l
	l.skipTrivia(true)
	if l.eof() {
		end = len(it.input)
	} else {
		*l = saved
	}

	it.cur = Statement{
		Raw:    it.input[rawStart:end],
		Offset: rawStart,
		Line:   line,
		text:   strings.TrimRightFunc(it.input[textStart:saved.pos], isSpaceRune),
	}
	it.start = end
	return true
}

// Statement returns the current statement.
func (it *Iterator) Statement() Statement {
	return it.cur
}

// Remaining returns the part of the script not yet yielded.
func (it *Iterator) Remaining() string {
	return it.input[it.start:]
}

// Split returns every statement of script.
func Split(script string) []Statement {
	var stmts []Statement
	it := Iterate(script)
	for it.Next() {
		stmts = append(stmts, it.Statement())
	}
	return stmts
}

// scanStatement consumes one statement including its terminator.
// Semicolons inside literals, identifiers, comments and trigger bodies
// do not terminate.
func scanStatement(l *lexer) {
	var (
		words     int
		first     string
		trigger   bool
		caseDepth int
		last      string
	)

	for !l.eof() {
		switch {
		case l.ch == ';':
			l.readChar()
			if !trigger || last == "END" {
				return
			}
			last = ""
		case l.ch == '\'':
			l.skipQuoted('\'')
			last = ""
		case l.ch == '"' || l.ch == '`':
			l.skipQuoted(l.ch)
			last = ""
		case l.ch == '[':
			l.skipQuoted(']')
			last = ""
		case l.ch == '-' && l.peekChar() == '-':
			l.skipLineComment()
		case l.ch == '/' && l.peekChar() == '*':
			l.skipBlockComment()
		case isLetter(l.ch) || l.ch == '_':
			w := strings.ToUpper(l.readWord())
			words++
			switch {
			case words == 1:
				first = w
			case words <= 3 && first == "CREATE" && w == "TRIGGER":
				trigger = true
			}
			if trigger {
				switch w {
				case "CASE":
					caseDepth++
				case "END":
					if caseDepth > 0 {
						caseDepth--
						w = "CASE END"
					}
				}
			}
			last = w
		case isSpace(l.ch):
			l.readChar()
		default:
			l.readChar()
			last = ""
		}
	}
}

func isSpaceRune(r rune) bool {
	return r < 0x80 && isSpace(byte(r))
}
