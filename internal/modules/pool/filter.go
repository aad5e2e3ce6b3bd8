package pool

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/petrakis/cloval/internal/domain"
)

// Filter selects the subset of assets matching a boolean expression
// over asset attributes, e.g.
//
//	industry = "Retail" AND par > 5000000
//	(country != "US" OR cov_lite = true) AND NOT defaulted = true
//
// This underlies trade-candidate selection in the rebalancing engine.
func (p *Pool) Filter(expr string) ([]*domain.Asset, error) {
	pred, err := CompileFilter(expr)
	if err != nil {
		return nil, err
	}
	var out []*domain.Asset
	for _, a := range p.Assets() {
		ok, err := pred(a)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, a)
		}
	}
	return out, nil
}

// Predicate evaluates one asset against a compiled filter.
type Predicate func(*domain.Asset) (bool, error)

// CompileFilter parses a filter expression once so it can be reused
// across optimizer iterations.
func CompileFilter(expr string) (Predicate, error) {
	toks, err := lexFilter(expr)
	if err != nil {
		return nil, err
	}
	fp := &filterParser{toks: toks}
	node, err := fp.parseOr()
	if err != nil {
		return nil, err
	}
	if !fp.eof() {
		return nil, fmt.Errorf("pool: unexpected token %q in filter", fp.peek().text)
	}
	return node, nil
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokString
	tokNumber
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
}

func lexFilter(expr string) ([]token, error) {
	var toks []token
	i := 0
	runes := []rune(expr)
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case r == '"':
			j := i + 1
			for j < len(runes) && runes[j] != '"' {
				j++
			}
			if j >= len(runes) {
				return nil, fmt.Errorf("pool: unterminated string in filter")
			}
			toks = append(toks, token{tokString, string(runes[i+1 : j])})
			i = j + 1
		case strings.ContainsRune("=!<>", r):
			j := i + 1
			if j < len(runes) && runes[j] == '=' {
				j++
			}
			op := string(runes[i:j])
			switch op {
			case "=", "==", "!=", "<", ">", "<=", ">=":
			default:
				return nil, fmt.Errorf("pool: bad operator %q in filter", op)
			}
			toks = append(toks, token{tokOp, op})
			i = j
		case unicode.IsDigit(r) || r == '-' || r == '.':
			j := i + 1
			for j < len(runes) && (unicode.IsDigit(runes[j]) || runes[j] == '.' || runes[j] == 'e' || runes[j] == 'E' || runes[j] == '_') {
				j++
			}
			toks = append(toks, token{tokNumber, strings.ReplaceAll(string(runes[i:j]), "_", "")})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i + 1
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			toks = append(toks, token{tokIdent, string(runes[i:j])})
			i = j
		default:
			return nil, fmt.Errorf("pool: unexpected character %q in filter", r)
		}
	}
	return toks, nil
}

type filterParser struct {
	toks []token
	pos  int
}

func (fp *filterParser) eof() bool     { return fp.pos >= len(fp.toks) }
func (fp *filterParser) peek() token   { return fp.toks[fp.pos] }
func (fp *filterParser) advance() token {
	t := fp.toks[fp.pos]
	fp.pos++
	return t
}

func (fp *filterParser) parseOr() (Predicate, error) {
	left, err := fp.parseAnd()
	if err != nil {
		return nil, err
	}
	for !fp.eof() && fp.peek().kind == tokIdent && strings.EqualFold(fp.peek().text, "OR") {
		fp.advance()
		right, err := fp.parseAnd()
		if err != nil {
			return nil, err
		}
		l, r := left, right
		left = func(a *domain.Asset) (bool, error) {
			ok, err := l(a)
			if err != nil || ok {
				return ok, err
			}
			return r(a)
		}
	}
	return left, nil
}

func (fp *filterParser) parseAnd() (Predicate, error) {
	left, err := fp.parseUnary()
	if err != nil {
		return nil, err
	}
	for !fp.eof() && fp.peek().kind == tokIdent && strings.EqualFold(fp.peek().text, "AND") {
		fp.advance()
		right, err := fp.parseUnary()
		if err != nil {
			return nil, err
		}
		l, r := left, right
		left = func(a *domain.Asset) (bool, error) {
			ok, err := l(a)
			if err != nil || !ok {
				return ok, err
			}
			return r(a)
		}
	}
	return left, nil
}

func (fp *filterParser) parseUnary() (Predicate, error) {
	if fp.eof() {
		return nil, fmt.Errorf("pool: unexpected end of filter")
	}
	t := fp.peek()
	if t.kind == tokIdent && strings.EqualFold(t.text, "NOT") {
		fp.advance()
		inner, err := fp.parseUnary()
		if err != nil {
			return nil, err
		}
		return func(a *domain.Asset) (bool, error) {
			ok, err := inner(a)
			return !ok, err
		}, nil
	}
	if t.kind == tokLParen {
		fp.advance()
		inner, err := fp.parseOr()
		if err != nil {
			return nil, err
		}
		if fp.eof() || fp.peek().kind != tokRParen {
			return nil, fmt.Errorf("pool: missing closing parenthesis in filter")
		}
		fp.advance()
		return inner, nil
	}
	return fp.parseComparison()
}

func (fp *filterParser) parseComparison() (Predicate, error) {
	if fp.eof() || fp.peek().kind != tokIdent {
		return nil, fmt.Errorf("pool: expected attribute name in filter")
	}
	attr := strings.ToLower(fp.advance().text)
	if fp.eof() || fp.peek().kind != tokOp {
		return nil, fmt.Errorf("pool: expected comparison operator after %q", attr)
	}
	op := fp.advance().text
	if op == "==" {
		op = "="
	}
	if fp.eof() {
		return nil, fmt.Errorf("pool: expected value after %q %s", attr, op)
	}
	val := fp.advance()

	switch val.kind {
	case tokString:
		return stringComparison(attr, op, val.text)
	case tokNumber:
		num, err := strconv.ParseFloat(val.text, 64)
		if err != nil {
			return nil, fmt.Errorf("pool: bad number %q in filter", val.text)
		}
		return numberComparison(attr, op, num)
	case tokIdent:
		switch strings.ToLower(val.text) {
		case "true", "false":
			want := strings.EqualFold(val.text, "true")
			return boolComparison(attr, op, want)
		}
		// Bare identifiers compare as strings; ratings read naturally
		// as `rating = B2` without quoting.
		return stringComparison(attr, op, val.text)
	default:
		return nil, fmt.Errorf("pool: bad value %q in filter", val.text)
	}
}

func stringAttr(a *domain.Asset, attr string) (string, bool) {
	switch attr {
	case "id":
		return a.ID, true
	case "obligor":
		return a.ObligorName, true
	case "industry":
		return a.Industry, true
	case "country":
		return a.Country, true
	case "seniority":
		return string(a.Seniority), true
	case "rating":
		return string(a.MoodysRating), true
	case "sp_rating":
		return a.SPRating, true
	}
	return "", false
}

func numberAttr(a *domain.Asset, attr string) (float64, bool) {
	switch attr {
	case "par":
		return a.ParAmount, true
	case "price":
		return a.MarketPrice, true
	case "coupon":
		return a.AnnualCoupon(), true
	case "spread":
		return a.Spread, true
	case "warf":
		return a.MoodysRating.Factor(), true
	}
	return 0, false
}

func boolAttr(a *domain.Asset, attr string) (bool, bool) {
	switch attr {
	case "defaulted":
		return a.Defaulted, true
	case "revolver":
		return a.Revolver, true
	case "dip":
		return a.DIP, true
	case "cov_lite":
		return a.CovLite, true
	case "pik":
		return a.PIK, true
	}
	return false, false
}

func stringComparison(attr, op, want string) (Predicate, error) {
	if op != "=" && op != "!=" {
		return nil, fmt.Errorf("pool: operator %s not valid for string attribute %q", op, attr)
	}
	return func(a *domain.Asset) (bool, error) {
		got, ok := stringAttr(a, attr)
		if !ok {
			return false, fmt.Errorf("pool: unknown string attribute %q", attr)
		}
		eq := strings.EqualFold(got, want)
		if op == "!=" {
			return !eq, nil
		}
		return eq, nil
	}, nil
}

func numberComparison(attr, op string, want float64) (Predicate, error) {
	return func(a *domain.Asset) (bool, error) {
		got, ok := numberAttr(a, attr)
		if !ok {
			return false, fmt.Errorf("pool: unknown numeric attribute %q", attr)
		}
		switch op {
		case "=":
			return got == want, nil
		case "!=":
			return got != want, nil
		case ">":
			return got > want, nil
		case "<":
			return got < want, nil
		case ">=":
			return got >= want, nil
		case "<=":
			return got <= want, nil
		}
		return false, fmt.Errorf("pool: bad operator %s", op)
	}, nil
}

func boolComparison(attr, op string, want bool) (Predicate, error) {
	if op != "=" && op != "!=" {
		return nil, fmt.Errorf("pool: operator %s not valid for boolean attribute %q", op, attr)
	}
	return func(a *domain.Asset) (bool, error) {
		got, ok := boolAttr(a, attr)
		if !ok {
			return false, fmt.Errorf("pool: unknown boolean attribute %q", attr)
		}
		eq := got == want
		if op == "!=" {
			return !eq, nil
		}
		return eq, nil
	}, nil
}
