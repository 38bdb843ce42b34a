// Package query parses the SELECT dialect supported by stream table
// definitions. The parser only needs to recover the structure the classifier
// and compiler act on: the aggregate calls, the grouping columns, the source
// relation and the raw filter expression. Scalar expressions are kept as text
// and compiled separately against row images.
package query

import (
	"fmt"
	"strings"
)

// AggCall is one aggregate function call in the select list.
type AggCall struct {
	Func     string // upper-case function name, e.g. COUNT, SUM
	Arg      string // raw argument expression; empty when Star
	Star     bool   // COUNT(*)
	Distinct bool   // COUNT(DISTINCT x) and friends
}

// SelectColumn is one output column of the query.
type SelectColumn struct {
	Name string   // output name (alias, or derived)
	Agg  *AggCall // nil for a plain grouping/scalar column
	Expr string   // raw expression text for non-aggregate columns
}

// Query is the parsed shape of a stream table's defining query.
type Query struct {
	Raw      string
	Columns  []SelectColumn
	Source   string
	Where    string // raw filter expression, empty when absent
	GroupBy  []string
	Having   string
	Distinct bool

	// Shape flags the classifier rejects on.
	HasJoin        bool
	HasSubquery    bool
	GroupByClauses int
}

// AggCalls returns the aggregate calls in select-list order.
func (q *Query) AggCalls() []AggCall {
	var out []AggCall
	for _, c := range q.Columns {
		if c.Agg != nil {
			out = append(out, *c.Agg)
		}
	}
	return out
}

type parser struct {
	tokens []Token
	pos    int
	input  string
}

// Parse parses a defining query. Queries the parser cannot represent (set
// operations, multiple FROM items, nested SELECTs) still parse far enough to
// set the shape flags, so the classifier can reject them with a reason
// instead of a syntax error.
func Parse(input string) (*Query, error) {
	tokens, err := Lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens, input: input}
	q := &Query{Raw: input}

	if !p.acceptKeyword("SELECT") {
		return nil, fmt.Errorf("query must start with SELECT")
	}
	if p.acceptKeyword("DISTINCT") {
		q.Distinct = true
	}

	if err := p.parseSelectList(q); err != nil {
		return nil, err
	}

	if !p.acceptKeyword("FROM") {
		return nil, fmt.Errorf("missing FROM clause")
	}
	if err := p.parseFrom(q); err != nil {
		return nil, err
	}

	if p.acceptKeyword("WHERE") {
		q.Where = strings.TrimSpace(p.captureUntilClause())
		if q.Where == "" {
			return nil, fmt.Errorf("empty WHERE clause")
		}
		markSubquery(q, q.Where)
	}

	for p.acceptKeyword("GROUP") {
		if !p.acceptKeyword("BY") {
			return nil, fmt.Errorf("GROUP must be followed by BY")
		}
		q.GroupByClauses++
		cols, err := p.parseGroupList()
		if err != nil {
			return nil, err
		}
		if q.GroupByClauses == 1 {
			q.GroupBy = cols
		}
	}

	if p.acceptKeyword("HAVING") {
		q.Having = strings.TrimSpace(p.captureUntilClause())
		markSubquery(q, q.Having)
	}

	if tok := p.peek(); tok.Type == TokenKeyword && tok.Text == "UNION" {
		return nil, fmt.Errorf("set operations are not supported")
	}
	if tok := p.peek(); tok.Type != TokenEOF {
		return nil, fmt.Errorf("unexpected token %q at offset %d", tok.Text, tok.Pos)
	}
	return q, nil
}

func (p *parser) peek() Token { return p.tokens[p.pos] }

func (p *parser) next() Token {
	tok := p.tokens[p.pos]
	if tok.Type != TokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) acceptKeyword(kw string) bool {
	if tok := p.peek(); tok.Type == TokenKeyword && tok.Text == kw {
		p.pos++
		return true
	}
	return false
}

var aggregateFuncs = map[string]bool{
	"COUNT": true, "SUM": true, "AVG": true, "MIN": true, "MAX": true,
	"STDDEV": true, "VARIANCE": true, "ARRAY_AGG": true, "STRING_AGG": true,
	"BOOL_AND": true, "BOOL_OR": true, "PERCENTILE_CONT": true,
	"PERCENTILE_DISC": true, "MODE": true,
}

func (p *parser) parseSelectList(q *Query) error {
	for {
		col, err := p.parseSelectColumn(len(q.Columns))
		if err != nil {
			return err
		}
		q.Columns = append(q.Columns, col)
		if col.Agg == nil {
			markSubquery(q, col.Expr)
		}
		if p.peek().Type == TokenComma {
			p.next()
			continue
		}
		return nil
	}
}

func (p *parser) parseSelectColumn(ordinal int) (SelectColumn, error) {
	tok := p.peek()

	// Aggregate call: IDENT '(' ... ')'
	if tok.Type == TokenIdent && aggregateFuncs[strings.ToUpper(tok.Text)] &&
		p.tokens[p.pos+1].Type == TokenLParen {
		call, err := p.parseAggCall()
		if err != nil {
			return SelectColumn{}, err
		}
		name := p.parseAlias()
		if name == "" {
			name = defaultAggName(call, ordinal)
		}
		return SelectColumn{Name: name, Agg: call}, nil
	}

	expr := p.captureExpr()
	if strings.TrimSpace(expr) == "" {
		return SelectColumn{}, fmt.Errorf("empty select expression at offset %d", tok.Pos)
	}
	name := p.parseAlias()
	if name == "" {
		name = strings.TrimSpace(expr)
	}
	return SelectColumn{Name: name, Expr: strings.TrimSpace(expr)}, nil
}

func (p *parser) parseAggCall() (*AggCall, error) {
	fn := strings.ToUpper(p.next().Text)
	p.next() // consume '('

	call := &AggCall{Func: fn}
	if p.peek().Type == TokenStar {
		p.next()
		call.Star = true
	} else {
		if p.acceptKeyword("DISTINCT") {
			call.Distinct = true
		}
		call.Arg = strings.TrimSpace(p.captureParenBody())
		if call.Arg == "" {
			return nil, fmt.Errorf("aggregate %s requires an argument", fn)
		}
	}
	if p.peek().Type != TokenRParen {
		return nil, fmt.Errorf("unterminated aggregate call %s", fn)
	}
	p.next() // consume ')'
	return call, nil
}

func (p *parser) parseAlias() string {
	if p.acceptKeyword("AS") {
		if tok := p.peek(); tok.Type == TokenIdent {
			p.next()
			return tok.Text
		}
		return ""
	}
	if tok := p.peek(); tok.Type == TokenIdent {
		// Bare alias only when the next token ends the select item.
		nxt := p.tokens[p.pos+1]
		if nxt.Type == TokenComma || (nxt.Type == TokenKeyword && nxt.Text == "FROM") {
			p.next()
			return tok.Text
		}
	}
	return ""
}

func (p *parser) parseFrom(q *Query) error {
	tok := p.peek()
	if tok.Type == TokenLParen {
		q.HasSubquery = true
		p.skipParen()
		q.Source = "(subquery)"
	} else if tok.Type == TokenIdent {
		p.next()
		q.Source = tok.Text
		p.parseAlias()
	} else {
		return fmt.Errorf("expected table name after FROM, got %q", tok.Text)
	}

	for {
		nxt := p.peek()
		if nxt.Type == TokenComma {
			q.HasJoin = true
			p.next()
			p.captureExpr()
			continue
		}
		if nxt.Type == TokenKeyword {
			switch nxt.Text {
			case "JOIN", "INNER", "LEFT", "RIGHT", "FULL", "CROSS":
				q.HasJoin = true
				p.next()
				continue
			case "ON":
				p.next()
				p.captureUntilClause()
				continue
			}
		}
		if nxt.Type == TokenIdent {
			// join target or alias
			p.next()
			continue
		}
		return nil
	}
}

func (p *parser) parseGroupList() ([]string, error) {
	var cols []string
	for {
		expr := strings.TrimSpace(p.captureExpr())
		if expr == "" {
			return nil, fmt.Errorf("empty GROUP BY expression")
		}
		cols = append(cols, expr)
		if p.peek().Type == TokenComma {
			p.next()
			continue
		}
		return cols, nil
	}
}

// captureExpr captures raw source text up to the next comma or clause keyword
// at parenthesis depth zero.
func (p *parser) captureExpr() string {
	start := p.peek().Pos
	depth := 0
	end := start
	for {
		tok := p.peek()
		if tok.Type == TokenEOF {
			break
		}
		if depth == 0 {
			if tok.Type == TokenComma {
				break
			}
			if tok.Type == TokenKeyword && (clauseBoundary(tok.Text) || tok.Text == "AS") {
				break
			}
			if tok.Type == TokenRParen {
				break
			}
		}
		if tok.Type == TokenLParen {
			depth++
		}
		if tok.Type == TokenRParen {
			depth--
		}
		end = tok.Pos + len(rawTokenText(p.input, tok))
		p.next()
	}
	return p.input[start:end]
}

// captureParenBody captures text until the matching close paren of the
// aggregate call being parsed.
func (p *parser) captureParenBody() string {
	start := p.peek().Pos
	depth := 0
	end := start
	for {
		tok := p.peek()
		if tok.Type == TokenEOF {
			break
		}
		if tok.Type == TokenRParen && depth == 0 {
			break
		}
		if tok.Type == TokenLParen {
			depth++
		}
		if tok.Type == TokenRParen {
			depth--
		}
		end = tok.Pos + len(rawTokenText(p.input, tok))
		p.next()
	}
	return p.input[start:end]
}

func (p *parser) captureUntilClause() string {
	start := p.peek().Pos
	end := start
	depth := 0
	for {
		tok := p.peek()
		if tok.Type == TokenEOF {
			break
		}
		if depth == 0 && tok.Type == TokenKeyword && clauseBoundary(tok.Text) {
			break
		}
		if tok.Type == TokenLParen {
			depth++
		}
		if tok.Type == TokenRParen {
			if depth == 0 {
				break
			}
			depth--
		}
		end = tok.Pos + len(rawTokenText(p.input, tok))
		p.next()
	}
	return p.input[start:end]
}

func (p *parser) skipParen() {
	p.next() // '('
	depth := 1
	for depth > 0 {
		tok := p.next()
		if tok.Type == TokenEOF {
			return
		}
		if tok.Type == TokenLParen {
			depth++
		}
		if tok.Type == TokenRParen {
			depth--
		}
	}
	p.parseAlias()
}

func clauseBoundary(kw string) bool {
	switch kw {
	case "FROM", "WHERE", "GROUP", "HAVING", "ORDER", "LIMIT", "UNION":
		return true
	}
	return false
}

// rawTokenText recovers the token's span length in the original input.
// String literals and quoted identifiers carry surrounding quotes there.
func rawTokenText(input string, tok Token) string {
	if tok.Type == TokenString || (tok.Type == TokenIdent && tok.Pos < len(input) && input[tok.Pos] == '"') {
		return input[tok.Pos : tok.Pos+len(tok.Text)+2]
	}
	return tok.Text
}

func markSubquery(q *Query, expr string) {
	if strings.Contains(strings.ToUpper(expr), "SELECT ") ||
		strings.Contains(strings.ToUpper(expr), "SELECT\t") {
		q.HasSubquery = true
	}
}

func defaultAggName(call *AggCall, ordinal int) string {
	if call.Star {
		return strings.ToLower(call.Func)
	}
	return fmt.Sprintf("%s_%d", strings.ToLower(call.Func), ordinal)
}
