package nanoql

import (
	"fmt"
	"strings"
)

// SyntaxError reports an invalid query.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("nanoql: %s at offset %d", e.Msg, e.Pos)
}

// Parser parses queries into an AST.
//
//	query   = or
//	or      = and { "OR" and }
//	and     = not { ["AND"] not }
//	not     = ("NOT" | "!") not | primary
//	primary = "(" or ")" | word [ (":" | "!=" | "~") value ] | string
type Parser struct {
	lexer   *Lexer
	current Token
}

// Parse parses the input string and returns the AST root node. A blank
// query yields a nil node, which matches everything.
func Parse(input string) (Node, error) {
	if strings.TrimSpace(input) == "" {
		return nil, nil
	}
	p := &Parser{lexer: NewLexer(input)}
	p.advance()
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.current.Type != TokenEOF {
		return nil, p.errorf("unexpected %q", p.current.Value)
	}
	return node, nil
}

func (p *Parser) advance() {
	p.current = p.lexer.NextToken()
}

func (p *Parser) errorf(format string, args ...any) error {
	return &SyntaxError{Pos: p.current.Pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *Parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.current.Type == TokenOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

// parseAnd also accepts juxtaposition: "a b" is "a AND b".
func (p *Parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		switch p.current.Type {
		case TokenAnd:
			p.advance()
		case TokenIdent, TokenString, TokenNot, TokenLParen:
		default:
			return left, nil
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = BinaryExpr{Op: "AND", Left: left, Right: right}
	}
}

func (p *Parser) parseNot() (Node, error) {
	if p.current.Type == TokenNot {
		p.advance()
		expr, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return NotExpr{Expr: expr}, nil
	}
	return p.parsePrimary()
}

func (p *Parser) parsePrimary() (Node, error) {
	switch p.current.Type {
	case TokenLParen:
		p.advance()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.current.Type != TokenRParen {
			return nil, p.errorf("expected ')'")
		}
		p.advance()
		return expr, nil

	case TokenString:
		value := p.current.Value
		p.advance()
		return MatchExpr{Value: value, Op: OpContains}, nil

	case TokenIdent:
		key := p.current.Value
		p.advance()
		switch p.current.Type {
		case TokenColon:
			p.advance()
			return p.parseValue(key, OpEqual)
		case TokenNeq:
			p.advance()
			return p.parseValue(key, OpNotEqual)
		case TokenTilde:
			p.advance()
			return p.parseValue(key, OpContains)
		}
		return MatchExpr{Value: key, Op: OpContains}, nil

	case TokenEOF:
		return nil, p.errorf("unexpected end of query")

	default:
		return nil, p.errorf("unexpected %q", p.current.Value)
	}
}

func (p *Parser) parseValue(key, op string) (Node, error) {
	switch p.current.Type {
	case TokenString, TokenIdent:
		value := p.current.Value
		p.advance()
		return MatchExpr{Key: key, Value: value, Op: op}, nil
	}
	return nil, p.errorf("expected value after %s%s", key, op)
}
