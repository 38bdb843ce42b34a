package plan

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"

	"github.com/deltaview-lab/deltaview/internal/query"
)

// Program is a compiled scalar expression evaluated against a row image.
type Program struct {
	Source string
	prog   *vm.Program
}

// CompileExpr compiles a SQL scalar expression into an executable program.
// The SQL surface is rewritten token-by-token into expr syntax (AND → &&,
// = → ==, NULL → nil) before compilation; constructs with no expr
// counterpart (IN, LIKE, BETWEEN, IS) are rejected.
func CompileExpr(sql string) (*Program, error) {
	rewritten, err := rewriteToExpr(sql)
	if err != nil {
		return nil, err
	}
	prog, err := expr.Compile(rewritten, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("compile expression %q: %w", sql, err)
	}
	return &Program{Source: sql, prog: prog}, nil
}

// Value evaluates the program against a row image. A missing column
// evaluates to nil.
func (p *Program) Value(row map[string]any) (any, error) {
	env := row
	if env == nil {
		env = map[string]any{}
	}
	out, err := vm.Run(p.prog, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate %q: %w", p.Source, err)
	}
	return out, nil
}

// Bool evaluates the program as a filter predicate. NULL comparisons are
// unknown in SQL and unknown excludes the row, so a runtime evaluation
// failure on nil operands reports false rather than an error.
func (p *Program) Bool(row map[string]any) bool {
	out, err := p.Value(row)
	if err != nil || out == nil {
		return false
	}
	b, err := cast.ToBoolE(out)
	if err != nil {
		return false
	}
	return b
}

// Numeric coerces an evaluated value to a decimal. The second return is
// false for nil (SQL NULL) or non-numeric values, which contribute nothing
// to sum/avg/count(x).
func Numeric(v any) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case nil:
		return decimal.Zero, false
	case decimal.Decimal:
		return val, true
	case string:
		d, err := decimal.NewFromString(val)
		if err != nil {
			return decimal.Zero, false
		}
		return d, true
	default:
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(f), true
	}
}

// rewriteToExpr maps SQL expression tokens onto expr-lang syntax.
func rewriteToExpr(sql string) (string, error) {
	tokens, err := query.Lex(sql)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, tok := range tokens {
		if tok.Type == query.TokenEOF {
			break
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		switch tok.Type {
		case query.TokenKeyword:
			switch tok.Text {
			case "AND":
				b.WriteString("&&")
			case "OR":
				b.WriteString("||")
			case "NOT":
				b.WriteString("!")
			case "TRUE":
				b.WriteString("true")
			case "FALSE":
				b.WriteString("false")
			case "NULL":
				b.WriteString("nil")
			default:
				return "", fmt.Errorf("unsupported SQL construct %s in expression %q", tok.Text, sql)
			}
		case query.TokenOperator:
			switch tok.Text {
			case "=":
				b.WriteString("==")
			case "<>":
				b.WriteString("!=")
			default:
				b.WriteString(tok.Text)
			}
		case query.TokenString:
			b.WriteString(strconv.Quote(tok.Text))
		default:
			b.WriteString(tok.Text)
		}
	}
	return b.String(), nil
}
