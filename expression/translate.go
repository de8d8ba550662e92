package expression

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	moira "github.com/moira-alert/checker"
)

// User expressions keep the historical conditional surface:
//
//	ERROR if t1 > 10 else WARN if t1 > 5 else OK
//
// translate parses that grammar, rejects everything outside it (calls,
// attribute access, unknown names) and emits the equivalent CEL source.
// Integer literals are widened to doubles so comparisons against the double
// target values type-check.

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokNumber
	tokString
	tokOp
)

type token struct {
	kind tokenKind
	text string
}

var targetNameRe = regexp.MustCompile(`^t[0-9]+$`)

func isTargetName(name string) bool {
	return targetNameRe.MatchString(name)
}

var allowedNames = map[string]bool{
	"OK": true, "WARN": true, "WARNING": true, "ERROR": true, "NODATA": true,
	"PREV_STATE": true, "warn_value": true, "error_value": true,
}

func rejected(format string, args ...any) error {
	return moira.Error{Code: moira.ExpressionRejected, Err: fmt.Errorf(format, args...)}
}

func tokenize(source string) ([]token, error) {
	var tokens []token
	runes := []rune(source)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			tokens = append(tokens, token{tokIdent, string(runes[i:j])})
			i = j
		case unicode.IsDigit(r) || (r == '.' && i+1 < len(runes) && unicode.IsDigit(runes[i+1])):
			j := i
			seenExp := false
			for j < len(runes) {
				c := runes[j]
				if unicode.IsDigit(c) || c == '.' {
					j++
					continue
				}
				if (c == 'e' || c == 'E') && !seenExp {
					seenExp = true
					j++
					if j < len(runes) && (runes[j] == '+' || runes[j] == '-') {
						j++
					}
					continue
				}
				break
			}
			tokens = append(tokens, token{tokNumber, string(runes[i:j])})
			i = j
		case r == '\'' || r == '"':
			quote := r
			j := i + 1
			for j < len(runes) && runes[j] != quote {
				j++
			}
			if j >= len(runes) {
				return nil, rejected("unterminated string literal")
			}
			tokens = append(tokens, token{tokString, string(runes[i+1 : j])})
			i = j + 1
		default:
			two := ""
			if i+1 < len(runes) {
				two = string(runes[i : i+2])
			}
			switch two {
			case "==", "!=", "<=", ">=":
				tokens = append(tokens, token{tokOp, two})
				i += 2
				continue
			}
			switch r {
			case '<', '>', '+', '-', '*', '/', '%', '(', ')':
				tokens = append(tokens, token{tokOp, string(r)})
				i++
			default:
				return nil, rejected("unexpected character %q", string(r))
			}
		}
	}
	return tokens, nil
}

type parser struct {
	tokens []token
	pos    int
	names  map[string]bool
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.tokens) {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *parser) matchIdent(text string) bool {
	if t, ok := p.peek(); ok && t.kind == tokIdent && t.text == text {
		p.pos++
		return true
	}
	return false
}

func (p *parser) matchOp(texts ...string) (string, bool) {
	t, ok := p.peek()
	if !ok || t.kind != tokOp {
		return "", false
	}
	for _, text := range texts {
		if t.text == text {
			p.pos++
			return text, true
		}
	}
	return "", false
}

// conditional := or ("if" or "else" conditional)?
func (p *parser) conditional() (string, error) {
	value, err := p.or()
	if err != nil {
		return "", err
	}
	if !p.matchIdent("if") {
		return value, nil
	}
	cond, err := p.or()
	if err != nil {
		return "", err
	}
	if !p.matchIdent("else") {
		return "", rejected("conditional without else branch")
	}
	alt, err := p.conditional()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("(%s ? %s : %s)", cond, value, alt), nil
}

func (p *parser) or() (string, error) {
	left, err := p.and()
	if err != nil {
		return "", err
	}
	for p.matchIdent("or") {
		right, err := p.and()
		if err != nil {
			return "", err
		}
		left = fmt.Sprintf("(%s || %s)", left, right)
	}
	return left, nil
}

func (p *parser) and() (string, error) {
	left, err := p.not()
	if err != nil {
		return "", err
	}
	for p.matchIdent("and") {
		right, err := p.not()
		if err != nil {
			return "", err
		}
		left = fmt.Sprintf("(%s && %s)", left, right)
	}
	return left, nil
}

func (p *parser) not() (string, error) {
	if p.matchIdent("not") {
		inner, err := p.not()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("!(%s)", inner), nil
	}
	return p.comparison()
}

func (p *parser) comparison() (string, error) {
	left, err := p.arith()
	if err != nil {
		return "", err
	}
	if op, ok := p.matchOp("==", "!=", "<=", ">=", "<", ">"); ok {
		right, err := p.arith()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s %s %s)", left, op, right), nil
	}
	return left, nil
}

func (p *parser) arith() (string, error) {
	left, err := p.term()
	if err != nil {
		return "", err
	}
	for {
		op, ok := p.matchOp("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.term()
		if err != nil {
			return "", err
		}
		left = fmt.Sprintf("(%s %s %s)", left, op, right)
	}
}

func (p *parser) term() (string, error) {
	left, err := p.unary()
	if err != nil {
		return "", err
	}
	for {
		op, ok := p.matchOp("*", "/", "%")
		if !ok {
			return left, nil
		}
		right, err := p.unary()
		if err != nil {
			return "", err
		}
		left = fmt.Sprintf("(%s %s %s)", left, op, right)
	}
}

func (p *parser) unary() (string, error) {
	if _, ok := p.matchOp("-"); ok {
		inner, err := p.unary()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(-%s)", inner), nil
	}
	return p.atom()
}

func (p *parser) atom() (string, error) {
	t, ok := p.peek()
	if !ok {
		return "", rejected("unexpected end of expression")
	}
	switch t.kind {
	case tokNumber:
		p.pos++
		text := t.text
		if !strings.ContainsAny(text, ".eE") {
			text += ".0"
		}
		return text, nil
	case tokString:
		p.pos++
		return fmt.Sprintf("%q", t.text), nil
	case tokIdent:
		switch t.text {
		case "True":
			p.pos++
			return "true", nil
		case "False":
			p.pos++
			return "false", nil
		case "lambda":
			return "", rejected("anonymous functions are not allowed")
		case "if", "else", "and", "or", "not":
			return "", rejected("unexpected keyword %q", t.text)
		}
		if !allowedNames[t.text] && !isTargetName(t.text) {
			return "", rejected("unknown name %q", t.text)
		}
		p.pos++
		if next, ok := p.peek(); ok && next.kind == tokOp && next.text == "(" {
			return "", rejected("function calls are not allowed")
		}
		p.names[t.text] = true
		return t.text, nil
	}
	if t.kind == tokOp && t.text == "(" {
		p.pos++
		inner, err := p.conditional()
		if err != nil {
			return "", err
		}
		if _, ok := p.matchOp(")"); !ok {
			return "", rejected("missing closing parenthesis")
		}
		return fmt.Sprintf("(%s)", inner), nil
	}
	return "", rejected("unexpected token %q", t.text)
}

func translate(source string) (string, map[string]bool, error) {
	tokens, err := tokenize(source)
	if err != nil {
		return "", nil, err
	}
	p := &parser{tokens: tokens, names: map[string]bool{}}
	out, err := p.conditional()
	if err != nil {
		return "", nil, err
	}
	if p.pos != len(p.tokens) {
		return "", nil, rejected("trailing input after expression")
	}
	return out, p.names, nil
}
