package ddbtest

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// evaluator resolves the placeholders of one request against one item.
type evaluator struct {
	names  map[string]string
	values map[string]types.AttributeValue
	item   map[string]types.AttributeValue
}

// match evaluates a condition or key condition expression. An empty
// expression always matches.
func (e evaluator) match(expr string) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	p := &parser{toks: tokenize(expr), ev: e}
	ok, err := p.or()
	if err != nil {
		return false, err
	}
	if p.pos != len(p.toks) {
		return false, fmt.Errorf("ddbtest: trailing tokens in %q", expr)
	}
	return ok, nil
}

func (e evaluator) name(tok string) (string, error) {
	if !strings.HasPrefix(tok, "#") {
		return tok, nil
	}
	n, ok := e.names[tok]
	if !ok {
		return "", fmt.Errorf("ddbtest: unknown name placeholder %s", tok)
	}
	return n, nil
}

func (e evaluator) operand(tok string) (types.AttributeValue, error) {
	if strings.HasPrefix(tok, ":") {
		v, ok := e.values[tok]
		if !ok {
			return nil, fmt.Errorf("ddbtest: unknown value placeholder %s", tok)
		}
		return v, nil
	}
	n, err := e.name(tok)
	if err != nil {
		return nil, err
	}
	return e.item[n], nil
}

type parser struct {
	toks []string
	pos  int
	ev   evaluator
}

func (p *parser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) expect(tok string) error {
	if got := p.next(); got != tok {
		return fmt.Errorf("ddbtest: expected %q, got %q", tok, got)
	}
	return nil
}

func (p *parser) or() (bool, error) {
	left, err := p.and()
	if err != nil {
		return false, err
	}
	for strings.EqualFold(p.peek(), "OR") {
		p.next()
		right, err := p.and()
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (p *parser) and() (bool, error) {
	left, err := p.unary()
	if err != nil {
		return false, err
	}
	for strings.EqualFold(p.peek(), "AND") {
		p.next()
		right, err := p.unary()
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (p *parser) unary() (bool, error) {
	if strings.EqualFold(p.peek(), "NOT") {
		p.next()
		v, err := p.unary()
		return !v, err
	}
	return p.primary()
}

func (p *parser) primary() (bool, error) {
	tok := p.next()

	switch tok {
	case "(":
		v, err := p.or()
		if err != nil {
			return false, err
		}
		return v, p.expect(")")
	case "attribute_exists", "attribute_not_exists":
		if err := p.expect("("); err != nil {
			return false, err
		}
		path := p.next()
		if err := p.expect(")"); err != nil {
			return false, err
		}
		n, err := p.ev.name(path)
		if err != nil {
			return false, err
		}
		_, present := p.ev.item[n]
		if tok == "attribute_exists" {
			return present, nil
		}
		return !present, nil
	case "begins_with":
		if err := p.expect("("); err != nil {
			return false, err
		}
		a := p.next()
		if err := p.expect(","); err != nil {
			return false, err
		}
		b := p.next()
		if err := p.expect(")"); err != nil {
			return false, err
		}
		av, err := p.ev.operand(a)
		if err != nil {
			return false, err
		}
		bv, err := p.ev.operand(b)
		if err != nil {
			return false, err
		}
		as, aok := av.(*types.AttributeValueMemberS)
		bs, bok := bv.(*types.AttributeValueMemberS)
		return aok && bok && strings.HasPrefix(as.Value, bs.Value), nil
	}

	op := p.next()
	right := p.next()
	lv, err := p.ev.operand(tok)
	if err != nil {
		return false, err
	}
	rv, err := p.ev.operand(right)
	if err != nil {
		return false, err
	}
	c, ok := compare(lv, rv)
	if !ok {
		return op == "<>", nil
	}
	switch op {
	case "=":
		return c == 0, nil
	case "<>":
		return c != 0, nil
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	}
	return false, fmt.Errorf("ddbtest: unsupported operator %q", op)
}

// compare orders two scalar attribute values of the same type.
func compare(a, b types.AttributeValue) (int, bool) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, false
		}
		return strings.Compare(av.Value, bv.Value), true
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, false
		}
		x, err1 := strconv.ParseFloat(av.Value, 64)
		y, err2 := strconv.ParseFloat(bv.Value, 64)
		if err1 != nil || err2 != nil {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		if !ok || av.Value != bv.Value {
			return 1, ok
		}
		return 0, true
	}
	return 0, false
}

func tokenize(s string) []string {
	var toks []string
	i := 0
	for i < len(s) {
		r := rune(s[i])
		switch {
		case unicode.IsSpace(r):
			i++
		case strings.ContainsRune("(),", r):
			toks = append(toks, string(r))
			i++
		case strings.ContainsRune("=<>", r):
			j := i + 1
			for j < len(s) && strings.ContainsRune("=<>", rune(s[j])) {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		default:
			j := i
			for j < len(s) && !unicode.IsSpace(rune(s[j])) && !strings.ContainsRune("(),=<>", rune(s[j])) {
				j++
			}
			toks = append(toks, s[i:j])
			i = j
		}
	}
	return toks
}

var updateClause = regexp.MustCompile(`\b(SET|ADD|REMOVE)\b`)

// applyUpdate applies the SET, ADD and REMOVE clauses of an update
// expression to item in place. Only plain operands are supported.
func (e evaluator) applyUpdate(expr string) error {
	locs := updateClause.FindAllStringIndex(expr, -1)
	for i, loc := range locs {
		end := len(expr)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		kind := expr[loc[0]:loc[1]]
		for _, action := range strings.Split(expr[loc[1]:end], ",") {
			fields := strings.Fields(strings.ReplaceAll(action, "=", " = "))
			if len(fields) == 0 {
				continue
			}
			path, err := e.name(fields[0])
			if err != nil {
				return err
			}
			switch kind {
			case "SET":
				if len(fields) != 3 || fields[1] != "=" {
					return fmt.Errorf("ddbtest: unsupported SET action %q", action)
				}
				v, err := e.operand(fields[2])
				if err != nil {
					return err
				}
				e.item[path] = v
			case "ADD":
				if len(fields) != 2 {
					return fmt.Errorf("ddbtest: unsupported ADD action %q", action)
				}
				v, err := e.operand(fields[1])
				if err != nil {
					return err
				}
				inc, ok := v.(*types.AttributeValueMemberN)
				if !ok {
					return fmt.Errorf("ddbtest: ADD supports numbers only")
				}
				cur := int64(0)
				if n, ok := e.item[path].(*types.AttributeValueMemberN); ok {
					cur, _ = strconv.ParseInt(n.Value, 10, 64)
				}
				d, err := strconv.ParseInt(inc.Value, 10, 64)
				if err != nil {
					return fmt.Errorf("ddbtest: ADD supports integers only")
				}
				e.item[path] = &types.AttributeValueMemberN{Value: strconv.FormatInt(cur+d, 10)}
			case "REMOVE":
				delete(e.item, path)
			}
		}
	}
	return nil
}
