// Package parser turns a Carblang token stream into the AST contract §6
// requires of the core compiler. Like the lexer, it is an external
// collaborator (§1): its only obligation is a well-formed tree.
package parser

import (
	"fmt"

	"carblang/internal/ast"
	"carblang/internal/lexer"
	"carblang/internal/token"
)

// resyncKeywords are the statement-boundary keywords panic-mode recovery
// scans forward to, per §7.
var resyncKeywords = map[token.TokenType]bool{
	token.CLASS:    true,
	token.FUNCTION: true,
	token.VAR:      true,
	token.FOR:      true,
	token.IF:       true,
	token.WHILE:    true,
	token.PRINT:    true,
	token.PRINTLN:  true,
	token.RETURN:   true,
}

// ParseError is a single diagnostic in the `[line N] Error at "lexeme":
// message` shape of §7.
type ParseError struct {
	Line    int
	Where   string
	Message string
}

func (e ParseError) Error() string {
	return fmt.Sprintf("[line %d] Error%s: %s", e.Line, e.Where, e.Message)
}

type Parser struct {
	l *lexer.Lexer

	curToken  token.Token
	peekToken token.Token

	errors []ParseError
}

func New(l *lexer.Lexer) *Parser {
	p := &Parser{l: l}
	p.nextToken()
	p.nextToken()
	return p
}

func (p *Parser) Errors() []ParseError { return p.errors }

func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.l.NextToken()
}

func (p *Parser) curTokenIs(t token.TokenType) bool  { return p.curToken.Type == t }
func (p *Parser) peekTokenIs(t token.TokenType) bool { return p.peekToken.Type == t }

func (p *Parser) errorAt(tok token.Token, message string) {
	where := fmt.Sprintf(` at "%s"`, tok.Lexeme)
	if tok.Type == token.EOF {
		where = " at end"
	}
	p.errors = append(p.errors, ParseError{Line: tok.Line, Where: where, Message: message})
}

// expect consumes peekToken if it matches t, else records a diagnostic and
// leaves the cursor unmoved so synchronize() can recover.
func (p *Parser) expect(t token.TokenType) bool {
	if p.peekTokenIs(t) {
		p.nextToken()
		return true
	}
	p.errorAt(p.peekToken, fmt.Sprintf("expected %s", t.Display()))
	return false
}

// synchronize implements panic-mode recovery (§7): discard tokens until a
// semicolon or a resync keyword, then resume.
func (p *Parser) synchronize() {
	for !p.curTokenIs(token.EOF) {
		if p.curTokenIs(token.SEMI) {
			p.nextToken()
			return
		}
		if resyncKeywords[p.peekToken.Type] {
			p.nextToken()
			return
		}
		p.nextToken()
	}
}

func (p *Parser) ParseProgram() *ast.Program {
	program := &ast.Program{}
	for !p.curTokenIs(token.EOF) {
		stmt := p.parseDeclaration()
		if stmt != nil {
			program.Statements = append(program.Statements, stmt)
		}
	}
	return program
}

func (p *Parser) parseDeclaration() (stmt ast.Statement) {
	defer func() {
		if r := recover(); r != nil {
			p.synchronize()
			stmt = nil
		}
	}()

	switch p.curToken.Type {
	case token.VAR:
		return p.parseVarStatement()
	case token.FUNCTION:
		return p.parseFunctionStatement()
	default:
		return p.parseStatement()
	}
}

func (p *Parser) parseStatement() ast.Statement {
	switch p.curToken.Type {
	case token.PRINT:
		return p.parsePrintStatement()
	case token.PRINTLN:
		return p.parsePrintlnStatement()
	case token.IF:
		return p.parseIfStatement()
	case token.WHILE:
		return p.parseWhileStatement()
	case token.FOR:
		return p.parseForStatement()
	case token.RETURN:
		return p.parseReturnStatement()
	case token.LBRACE:
		return p.parseBlockStatement()
	default:
		return p.parseExprStatement()
	}
}

func (p *Parser) parseVarStatement() ast.Statement {
	tok := p.curToken // 'var'
	if !p.expect(token.IDENTIFIER) {
		panic("parse error")
	}
	name := p.curToken

	var init ast.Expression
	if p.peekTokenIs(token.ASSIGN) {
		p.nextToken() // '='
		p.nextToken() // first token of initializer
		init = p.parseExpression(LOWEST)
	}
	p.expect(token.SEMI)
	p.nextToken()
	return &ast.VarStmt{Token: tok, Name: name, Init: init}
}

func (p *Parser) parsePrintStatement() ast.Statement {
	tok := p.curToken
	if !p.expect(token.LPAREN) {
		panic("parse error")
	}
	p.nextToken()
	expr := p.parseExpression(LOWEST)
	if !p.expect(token.RPAREN) {
		panic("parse error")
	}
	p.expect(token.SEMI)
	p.nextToken()
	return &ast.PrintStmt{Token: tok, Expr: expr}
}

func (p *Parser) parsePrintlnStatement() ast.Statement {
	tok := p.curToken
	if !p.expect(token.LPAREN) {
		panic("parse error")
	}
	p.nextToken()
	expr := p.parseExpression(LOWEST)
	if !p.expect(token.RPAREN) {
		panic("parse error")
	}
	p.expect(token.SEMI)
	p.nextToken()
	return &ast.PrintLnStmt{Token: tok, Expr: expr}
}

func (p *Parser) parseExprStatement() ast.Statement {
	expr := p.parseExpression(LOWEST)
	p.expect(token.SEMI)
	p.nextToken()
	return &ast.ExprStmt{Expr: expr}
}

func (p *Parser) parseIfStatement() ast.Statement {
	tok := p.curToken
	if !p.expect(token.LPAREN) {
		panic("parse error")
	}
	p.nextToken()
	cond := p.parseExpression(LOWEST)
	if !p.expect(token.RPAREN) {
		panic("parse error")
	}
	p.nextToken()
	then := p.parseStatement()

	var elseBranch ast.Statement
	if p.curTokenIs(token.ELSE) {
		p.nextToken()
		elseBranch = p.parseStatement()
	}
	return &ast.IfStmt{Token: tok, Condition: cond, Then: then, Else: elseBranch}
}

func (p *Parser) parseWhileStatement() ast.Statement {
	tok := p.curToken
	if !p.expect(token.LPAREN) {
		panic("parse error")
	}
	p.nextToken()
	cond := p.parseExpression(LOWEST)
	if !p.expect(token.RPAREN) {
		panic("parse error")
	}
	p.nextToken()
	body := p.parseStatement()
	return &ast.WhileStmt{Token: tok, Condition: cond, Body: body}
}

// parseForStatement desugars `for (init; cond; incr) body` at parse time
// into `{ init; while (cond) { body; incr; } }`, per §4.3.
func (p *Parser) parseForStatement() ast.Statement {
	forTok := p.curToken
	if !p.expect(token.LPAREN) {
		panic("parse error")
	}

	var init ast.Statement
	if p.peekTokenIs(token.SEMI) {
		p.nextToken() // ';'
		p.nextToken()
	} else if p.peekTokenIs(token.VAR) {
		p.nextToken()
		init = p.parseVarStatement()
	} else {
		p.nextToken()
		init = p.parseExprStatement()
	}

	var cond ast.Expression
	if !p.curTokenIs(token.SEMI) {
		cond = p.parseExpression(LOWEST)
		p.expect(token.SEMI)
	}
	p.nextToken()

	var incr ast.Expression
	if !p.curTokenIs(token.RPAREN) {
		incr = p.parseExpression(LOWEST)
		if !p.expect(token.RPAREN) {
			panic("parse error")
		}
	}
	p.nextToken()
	body := p.parseStatement()

	if incr != nil {
		body = &ast.BlockStmt{Statements: []ast.Statement{body, &ast.ExprStmt{Expr: incr}}}
	}
	if cond == nil {
		cond = &ast.Literal{Token: forTok, Value: true}
	}
	loop := &ast.WhileStmt{Token: forTok, Condition: cond, Body: body}
	var stmts []ast.Statement
	if init != nil {
		stmts = append(stmts, init)
	}
	return &ast.BlockStmt{Statements: append(stmts, loop)}
}

func (p *Parser) parseReturnStatement() ast.Statement {
	tok := p.curToken
	var value ast.Expression
	if !p.peekTokenIs(token.SEMI) {
		p.nextToken()
		value = p.parseExpression(LOWEST)
	}
	p.expect(token.SEMI)
	p.nextToken()
	return &ast.ReturnStmt{Keyword: tok, Value: value}
}

func (p *Parser) parseBlockStatement() ast.Statement {
	block := &ast.BlockStmt{}
	p.nextToken() // consume '{'
	for !p.curTokenIs(token.RBRACE) && !p.curTokenIs(token.EOF) {
		stmt := p.parseDeclaration()
		if stmt != nil {
			block.Statements = append(block.Statements, stmt)
		}
	}
	if !p.curTokenIs(token.RBRACE) {
		p.errorAt(p.curToken, "expected '}'")
	}
	p.nextToken() // consume '}'
	return block
}

func (p *Parser) parseFunctionStatement() ast.Statement {
	tok := p.curToken // 'function'
	if !p.expect(token.IDENTIFIER) {
		panic("parse error")
	}
	name := p.curToken
	if !p.expect(token.LPAREN) {
		panic("parse error")
	}

	var params []token.Token
	if !p.peekTokenIs(token.RPAREN) {
		p.nextToken()
		params = append(params, p.curToken)
		for p.peekTokenIs(token.COMMA) {
			p.nextToken()
			p.nextToken()
			params = append(params, p.curToken)
		}
	}
	if !p.expect(token.RPAREN) {
		panic("parse error")
	}
	if !p.expect(token.LBRACE) {
		panic("parse error")
	}
	body := p.parseBlockStatement().(*ast.BlockStmt)
	return &ast.FunctionStmt{Token: tok, Name: name, Params: params, Body: body}
}

// Operator precedence, lowest to highest.
const (
	_ int = iota
	LOWEST
	ASSIGNMENT
	OR
	AND
	EQUALITY
	COMPARISON
	TERM
	FACTOR
	UNARY
	CALL
)

var precedences = map[token.TokenType]int{
	token.OR:       OR,
	token.AND:      AND,
	token.EQ:       EQUALITY,
	token.NEQ:      EQUALITY,
	token.LT:       COMPARISON,
	token.LTE:      COMPARISON,
	token.GT:       COMPARISON,
	token.GTE:      COMPARISON,
	token.PLUS:     TERM,
	token.MINUS:    TERM,
	token.STAR:     FACTOR,
	token.SLASH:    FACTOR,
	token.LPAREN:   CALL,
	token.LBRACKET: CALL,
	token.DOT:      CALL,
}

func (p *Parser) peekPrecedence() int {
	if pr, ok := precedences[p.peekToken.Type]; ok {
		return pr
	}
	return LOWEST
}

func (p *Parser) parseExpression(precedence int) ast.Expression {
	left := p.parsePrefix()

	for precedence < p.peekPrecedence() {
		p.nextToken()
		left = p.parseInfix(left)
	}

	if precedence <= ASSIGNMENT && p.peekTokenIs(token.ASSIGN) {
		p.nextToken() // '='
		eq := p.curToken
		p.nextToken()
		value := p.parseExpression(ASSIGNMENT)
		return p.finishAssign(left, eq, value)
	}

	return left
}

// finishAssign validates the assignment target: only a bare variable or an
// index expression is assignable; a property (Get) target is reported as
// an invalid assignment target.
func (p *Parser) finishAssign(target ast.Expression, eq token.Token, value ast.Expression) ast.Expression {
	switch t := target.(type) {
	case *ast.Variable:
		return &ast.Assign{Name: t.Name, Value: value}
	case *ast.IndexExpr:
		return &ast.IndexAssign{Array: t.Array, Index: t.Index, Value: value, Token: t.Token}
	default:
		p.errorAt(eq, "invalid assignment target")
		return target
	}
}

func (p *Parser) parsePrefix() ast.Expression {
	switch p.curToken.Type {
	case token.IDENTIFIER:
		return &ast.Variable{Name: p.curToken}
	case token.NUMBER:
		return &ast.Literal{Token: p.curToken, Value: p.curToken.Literal}
	case token.STRING:
		return &ast.Literal{Token: p.curToken, Value: p.curToken.Literal}
	case token.TRUE:
		return &ast.Literal{Token: p.curToken, Value: true}
	case token.FALSE:
		return &ast.Literal{Token: p.curToken, Value: false}
	case token.NULL:
		return &ast.Literal{Token: p.curToken, Value: nil}
	case token.MINUS, token.BANG:
		op := p.curToken
		p.nextToken()
		right := p.parseExpression(UNARY)
		return &ast.Unary{Operator: op, Right: right}
	case token.LPAREN:
		p.nextToken()
		expr := p.parseExpression(LOWEST)
		p.expect(token.RPAREN)
		return &ast.Grouping{Expr: expr}
	case token.LBRACKET:
		return p.parseArrayExpr()
	default:
		p.errorAt(p.curToken, "expected expression")
		return &ast.Literal{Token: p.curToken, Value: nil}
	}
}

func (p *Parser) parseArrayExpr() ast.Expression {
	tok := p.curToken
	arr := &ast.ArrayExpr{Token: tok}
	if p.peekTokenIs(token.RBRACKET) {
		p.nextToken()
		return arr
	}
	p.nextToken()
	arr.Elements = append(arr.Elements, p.parseExpression(LOWEST))
	for p.peekTokenIs(token.COMMA) {
		p.nextToken()
		p.nextToken()
		arr.Elements = append(arr.Elements, p.parseExpression(LOWEST))
	}
	p.expect(token.RBRACKET)
	return arr
}

func (p *Parser) parseInfix(left ast.Expression) ast.Expression {
	switch p.curToken.Type {
	case token.AND, token.OR:
		op := p.curToken
		precedence := precedences[op.Type]
		p.nextToken()
		right := p.parseExpression(precedence)
		return &ast.Logical{Left: left, Operator: op, Right: right}
	case token.LPAREN:
		return p.parseCall(left)
	case token.LBRACKET:
		return p.parseIndex(left)
	case token.DOT:
		return p.parseGet(left)
	default:
		op := p.curToken
		precedence := precedences[op.Type]
		p.nextToken()
		right := p.parseExpression(precedence)
		return &ast.Binary{Left: left, Operator: op, Right: right}
	}
}

func (p *Parser) parseCall(callee ast.Expression) ast.Expression {
	call := &ast.Call{Callee: callee}
	if p.peekTokenIs(token.RPAREN) {
		p.nextToken()
		call.Paren = p.curToken
		return call
	}
	p.nextToken()
	call.Args = append(call.Args, p.parseExpression(LOWEST))
	for p.peekTokenIs(token.COMMA) {
		p.nextToken()
		p.nextToken()
		call.Args = append(call.Args, p.parseExpression(LOWEST))
	}
	p.expect(token.RPAREN)
	call.Paren = p.curToken
	return call
}

func (p *Parser) parseIndex(arr ast.Expression) ast.Expression {
	tok := p.curToken
	p.nextToken()
	idx := p.parseExpression(LOWEST)
	p.expect(token.RBRACKET)
	return &ast.IndexExpr{Array: arr, Index: idx, Token: tok}
}

func (p *Parser) parseGet(obj ast.Expression) ast.Expression {
	if !p.expect(token.IDENTIFIER) {
		return obj
	}
	return &ast.Get{Object: obj, Name: p.curToken}
}
