package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
)

// CalcTool evaluates arithmetic expressions: + - * / % ^, parentheses,
// unary minus and the functions sqrt, abs, round, floor and ceil.
type CalcTool struct{}

// NewCalcTool creates the calc tool.
func NewCalcTool() *CalcTool { return &CalcTool{} }

func (CalcTool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        "calc",
		Description: "Evaluate an arithmetic expression and return the numeric result.",
		Parameters: objectSchema([]string{"expression"}, map[string]string{
			"expression": "Arithmetic expression, e.g. (2+3)*4 or sqrt(16)",
		}),
	}
}

func (CalcTool) Execute(ctx context.Context, args json.RawMessage) (domain.ToolResult, error) {
	var in struct {
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		// Some models send the bare expression as a JSON string.
		var s string
		if json.Unmarshal(args, &s) != nil {
			return FailureResultf("invalid arguments: %v", err), nil
		}
		in.Expression = s
	}
	if strings.TrimSpace(in.Expression) == "" {
		return FailureResultf("expression is empty"), nil
	}

	v, err := Evaluate(in.Expression)
	if err != nil {
		return FailureResult(err), nil
	}
	return SuccessResult(v), nil
}

// Evaluate parses and evaluates expr.
func Evaluate(expr string) (float64, error) {
	p := &calcParser{src: expr}
	v, err := p.expression()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return 0, fmt.Errorf("unexpected %q at position %d", p.src[p.pos], p.pos)
	}
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return 0, fmt.Errorf("result is not a finite number")
	}
	return v, nil
}

// calcParser is a recursive-descent parser over the grammar
//
//	expression = term { ("+" | "-") term }
//	term       = unary { ("*" | "/" | "%") unary }
//	unary      = "-" unary | power
//	power      = primary [ "^" unary ]
//	primary    = number | ident "(" expression ")" | "(" expression ")"
type calcParser struct {
	src   string
	pos   int
	depth int
}

const maxCalcDepth = 64

func (p *calcParser) skipSpace() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *calcParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *calcParser) expression() (float64, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > maxCalcDepth {
		return 0, fmt.Errorf("expression is nested too deeply")
	}

	v, err := p.term()
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek() {
		case '+':
			p.pos++
			r, err := p.term()
			if err != nil {
				return 0, err
			}
			v += r
		case '-':
			p.pos++
			r, err := p.term()
			if err != nil {
				return 0, err
			}
			v -= r
		default:
			return v, nil
		}
	}
}

func (p *calcParser) term() (float64, error) {
	v, err := p.unary()
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		if op != '*' && op != '/' && op != '%' {
			return v, nil
		}
		p.pos++
		r, err := p.unary()
		if err != nil {
			return 0, err
		}
		switch op {
		case '*':
			v *= r
		case '/':
			if r == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			v /= r
		case '%':
			if r == 0 {
				return 0, fmt.Errorf("modulo by zero")
			}
			v = math.Mod(v, r)
		}
	}
}

func (p *calcParser) unary() (float64, error) {
	switch p.peek() {
	case '-':
		p.pos++
		v, err := p.unary()
		return -v, err
	case '+':
		p.pos++
		return p.unary()
	}
	return p.power()
}

func (p *calcParser) power() (float64, error) {
	base, err := p.primary()
	if err != nil {
		return 0, err
	}
	if p.peek() != '^' {
		return base, nil
	}
	p.pos++
	exp, err := p.unary()
	if err != nil {
		return 0, err
	}
	return math.Pow(base, exp), nil
}

func (p *calcParser) primary() (float64, error) {
	c := p.peek()
	switch {
	case c == '(':
		p.pos++
		v, err := p.expression()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return v, nil
	case c == '.' || (c >= '0' && c <= '9'):
		return p.number()
	case unicode.IsLetter(rune(c)):
		return p.call()
	case c == 0:
		return 0, fmt.Errorf("unexpected end of expression")
	default:
		return 0, fmt.Errorf("unexpected %q at position %d", c, p.pos)
	}
}

func (p *calcParser) number() (float64, error) {
	start := p.pos
	for p.pos < len(p.src) && (p.src[p.pos] == '.' || (p.src[p.pos] >= '0' && p.src[p.pos] <= '9')) {
		p.pos++
	}
	v, err := strconv.ParseFloat(p.src[start:p.pos], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.src[start:p.pos])
	}
	return v, nil
}

var calcFuncs = map[string]func(float64) float64{
	"sqrt":  math.Sqrt,
	"abs":   math.Abs,
	"round": math.Round,
	"floor": math.Floor,
	"ceil":  math.Ceil,
}

func (p *calcParser) call() (float64, error) {
	start := p.pos
	for p.pos < len(p.src) && unicode.IsLetter(rune(p.src[p.pos])) {
		p.pos++
	}
	name := strings.ToLower(p.src[start:p.pos])
	fn, ok := calcFuncs[name]
	if !ok {
		return 0, fmt.Errorf("unknown function %q", name)
	}
	if p.peek() != '(' {
		return 0, fmt.Errorf("expected ( after %s", name)
	}
	v, err := p.primary()
	if err != nil {
		return 0, err
	}
	return fn(v), nil
}
