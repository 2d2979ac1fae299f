package ir

import (
	"fmt"
	"strings"
)

// MaxDepth bounds list nesting so hostile input cannot exhaust the stack.
const MaxDepth = 512

// ParseError reports where the text stopped making sense.
type ParseError struct {
	Line, Col int
	Msg       string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Line, e.Col, e.Msg)
}

type lexer struct {
	src  string
	pos  int
	line int
	col  int
}

func (l *lexer) errorf(format string, args ...interface{}) error {
	return &ParseError{Line: l.line, Col: l.col, Msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) advance(n int) {
	for i := 0; i < n && l.pos < len(l.src); i++ {
		if l.src[l.pos] == '\n' {
			l.line++
			l.col = 1
		} else {
			l.col++
		}
		l.pos++
	}
}

// skipSpace skips whitespace and both comment forms. Block comments nest.
func (l *lexer) skipSpace() error {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.advance(1)
		case strings.HasPrefix(l.src[l.pos:], ";;"):
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.advance(1)
			}
		case strings.HasPrefix(l.src[l.pos:], "(;"):
			depth := 0
			for {
				if l.pos >= len(l.src) {
					return l.errorf("unterminated block comment")
				}
				if strings.HasPrefix(l.src[l.pos:], "(;") {
					depth++
					l.advance(2)
					continue
				}
				if strings.HasPrefix(l.src[l.pos:], ";)") {
					depth--
					l.advance(2)
					if depth == 0 {
						break
					}
					continue
				}
				l.advance(1)
			}
		default:
			return nil
		}
	}
	return nil
}

func isAtomByte(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '(', ')', '"', ';':
		return false
	}
	return true
}

func (l *lexer) node(depth int) (*Node, error) {
	if depth > MaxDepth {
		return nil, l.errorf("nesting deeper than %d", MaxDepth)
	}
	if err := l.skipSpace(); err != nil {
		return nil, err
	}
	if l.pos >= len(l.src) {
		return nil, l.errorf("unexpected end of input")
	}
	switch c := l.src[l.pos]; {
	case c == '(':
		l.advance(1)
		list := NewList()
		for {
			if err := l.skipSpace(); err != nil {
				return nil, err
			}
			if l.pos >= len(l.src) {
				return nil, l.errorf("unclosed '('")
			}
			if l.src[l.pos] == ')' {
				l.advance(1)
				return list, nil
			}
			child, err := l.node(depth + 1)
			if err != nil {
				return nil, err
			}
			list.List = append(list.List, child)
		}
	case c == ')':
		return nil, l.errorf("unexpected ')'")
	case c == '"':
		start := l.pos
		l.advance(1)
		for {
			if l.pos >= len(l.src) || l.src[l.pos] == '\n' {
				return nil, l.errorf("unterminated string")
			}
			switch l.src[l.pos] {
			case '\\':
				l.advance(2)
				continue
			case '"':
				l.advance(1)
				return NewAtom(l.src[start:l.pos]), nil
			}
			l.advance(1)
		}
	case c == ';':
		return nil, l.errorf("stray ';'")
	default:
		start := l.pos
		for l.pos < len(l.src) && isAtomByte(l.src[l.pos]) {
			l.advance(1)
		}
		return NewAtom(l.src[start:l.pos]), nil
	}
}

// Parse reads exactly one `(module ...)` form. Anything else, including
// trailing forms, is an error.
func Parse(src string) (*Module, error) {
	l := &lexer{src: src, line: 1, col: 1}
	root, err := l.node(0)
	if err != nil {
		return nil, err
	}
	if root.Head() != "module" {
		return nil, &ParseError{Line: 1, Col: 1, Msg: "top-level form must be (module ...)"}
	}
	if err := l.skipSpace(); err != nil {
		return nil, err
	}
	if l.pos != len(l.src) {
		return nil, l.errorf("unexpected text after module")
	}
	return &Module{Root: root}, nil
}
