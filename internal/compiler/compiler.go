// Package compiler implements Carblang's single-pass compiler: one
// pre-order AST walk that emits bytecode directly, per §4.3. There is no
// separate IR; every node is pattern-matched once and lowered to its final
// opcode sequence.
package compiler

import (
	"fmt"

	"carblang/internal/ast"
	"carblang/internal/chunk"
	"carblang/internal/token"
	"carblang/internal/value"
)

// maxLocals matches the 1-byte local-slot operand (§3: "max 255 locals per
// function").
const maxLocals = 255

// local is a declared name visible at a given scope depth.
type local struct {
	name  string
	depth int
}

// Compiler walks one function body (or the top-level program) into one
// Chunk. Nested function literals get their own child Compiler.
type Compiler struct {
	enclosing  *Compiler
	chunk      *chunk.Chunk
	locals     []local
	scopeDepth int
	line       int
}

func newCompiler(enclosing *Compiler) *Compiler {
	return &Compiler{enclosing: enclosing, chunk: chunk.New(), line: 1}
}

// Compile compiles a full program into its root Chunk. A trailing
// expression statement is not popped: its value is returned from the root
// chunk, so VM.Run yields it. Otherwise the root chunk returns null.
func Compile(program *ast.Program) (*chunk.Chunk, error) {
	c := newCompiler(nil)
	for i, stmt := range program.Statements {
		if es, ok := stmt.(*ast.ExprStmt); ok && i == len(program.Statements)-1 {
			if err := c.compileExpression(es.Expr); err != nil {
				return nil, err
			}
			c.emitByte(byte(chunk.OpReturn))
			return c.chunk, nil
		}
		if err := c.compileStatement(stmt); err != nil {
			return nil, err
		}
	}
	c.emitByte(byte(chunk.OpNull))
	c.emitByte(byte(chunk.OpReturn))
	return c.chunk, nil
}

func (c *Compiler) setLine(line int) {
	if line > 0 {
		c.line = line
	}
}

func (c *Compiler) emitByte(b byte) {
	c.chunk.Write(b, c.line)
}

func (c *Compiler) emitBytes(b1, b2 byte) {
	c.emitByte(b1)
	c.emitByte(b2)
}

func (c *Compiler) makeConstant(v value.Value) (byte, error) {
	idx, err := c.chunk.AddConstant(v)
	if err != nil {
		return 0, err
	}
	return byte(idx), nil
}

func (c *Compiler) emitConstant(v value.Value) error {
	idx, err := c.makeConstant(v)
	if err != nil {
		return err
	}
	c.emitBytes(byte(chunk.OpConstant), idx)
	return nil
}

// emitJump emits op followed by a two-byte placeholder and returns the
// offset of the placeholder's first byte, for a later patchJump.
func (c *Compiler) emitJump(op chunk.OpCode) int {
	c.emitByte(byte(op))
	c.emitByte(0xff)
	c.emitByte(0xff)
	return len(c.chunk.Code) - 2
}

// patchJump overwrites the placeholder at offset with the distance from
// just-after-the-offset-bytes to the current code position.
func (c *Compiler) patchJump(offset int) error {
	jump := len(c.chunk.Code) - offset - 2
	if jump > 0xffff {
		return fmt.Errorf("jump too large")
	}
	c.chunk.Code[offset] = byte(jump >> 8)
	c.chunk.Code[offset+1] = byte(jump)
	return nil
}

// emitLoop emits a backward OP_LOOP jump to loopStart. The offset accounts
// for the not-yet-written opcode byte plus its two operand bytes (§4.3:
// "offset = current_pos − loop_start + 3").
func (c *Compiler) emitLoop(loopStart int) error {
	offset := len(c.chunk.Code) - loopStart + 3
	if offset > 0xffff {
		return fmt.Errorf("loop body too large")
	}
	c.emitByte(byte(chunk.OpLoop))
	c.emitByte(byte(offset >> 8))
	c.emitByte(byte(offset))
	return nil
}

func (c *Compiler) beginScope() {
	c.scopeDepth++
}

func (c *Compiler) endScope() {
	c.scopeDepth--
	for len(c.locals) > 0 && c.locals[len(c.locals)-1].depth > c.scopeDepth {
		c.emitByte(byte(chunk.OpPop))
		c.locals = c.locals[:len(c.locals)-1]
	}
}

func (c *Compiler) addLocal(name string) error {
	if len(c.locals) >= maxLocals {
		return fmt.Errorf("too many local variables in function")
	}
	c.locals = append(c.locals, local{name: name, depth: c.scopeDepth})
	return nil
}

// resolveLocal scans the locals stack from the top, matching §4.3's "first
// matching name yields a slot index" rule. Returns -1 if not found.
func (c *Compiler) resolveLocal(name string) int {
	for i := len(c.locals) - 1; i >= 0; i-- {
		if c.locals[i].name == name {
			return i
		}
	}
	return -1
}

func (c *Compiler) compileStatement(stmt ast.Statement) error {
	switch s := stmt.(type) {
	case *ast.ExprStmt:
		if err := c.compileExpression(s.Expr); err != nil {
			return err
		}
		c.emitByte(byte(chunk.OpPop))
		return nil

	case *ast.PrintStmt:
		c.setLine(s.Token.Line)
		if err := c.compileExpression(s.Expr); err != nil {
			return err
		}
		c.emitByte(byte(chunk.OpPrint))
		return nil

	case *ast.PrintLnStmt:
		c.setLine(s.Token.Line)
		if err := c.compileExpression(s.Expr); err != nil {
			return err
		}
		c.emitByte(byte(chunk.OpPrintln))
		return nil

	case *ast.VarStmt:
		c.setLine(s.Token.Line)
		return c.compileVarStmt(s)

	case *ast.IfStmt:
		c.setLine(s.Token.Line)
		return c.compileIfStmt(s)

	case *ast.WhileStmt:
		c.setLine(s.Token.Line)
		return c.compileWhileStmt(s)

	case *ast.BlockStmt:
		c.beginScope()
		for _, inner := range s.Statements {
			if err := c.compileStatement(inner); err != nil {
				return err
			}
		}
		c.endScope()
		return nil

	case *ast.FunctionStmt:
		c.setLine(s.Token.Line)
		return c.compileFunctionStmt(s)

	case *ast.ReturnStmt:
		c.setLine(s.Keyword.Line)
		if s.Value != nil {
			if err := c.compileExpression(s.Value); err != nil {
				return err
			}
		} else {
			c.emitByte(byte(chunk.OpNull))
		}
		c.emitByte(byte(chunk.OpReturn))
		return nil

	default:
		return fmt.Errorf("compiler: unsupported statement %T", stmt)
	}
}

// compileVarStmt implements §4.3's local/global split. Inside a scope the
// value stays on the stack as the new local (no POP); at top level it is
// installed via DEFINE_GLOBAL.
func (c *Compiler) compileVarStmt(s *ast.VarStmt) error {
	if s.Init != nil {
		if err := c.compileExpression(s.Init); err != nil {
			return err
		}
	} else {
		c.emitByte(byte(chunk.OpNull))
	}

	if c.scopeDepth > 0 {
		return c.addLocal(s.Name.Lexeme)
	}

	idx, err := c.makeConstant(value.NewString(s.Name.Lexeme))
	if err != nil {
		return err
	}
	c.emitBytes(byte(chunk.OpDefineGlobal), idx)
	return nil
}

func (c *Compiler) compileIfStmt(s *ast.IfStmt) error {
	if err := c.compileExpression(s.Condition); err != nil {
		return err
	}
	elseJump := c.emitJump(chunk.OpJumpIfFalse)
	c.emitByte(byte(chunk.OpPop))
	if err := c.compileStatement(s.Then); err != nil {
		return err
	}

	// The then-path has already popped the condition, so it always jumps
	// over the else-path's POP.
	endJump := c.emitJump(chunk.OpJump)
	if err := c.patchJump(elseJump); err != nil {
		return err
	}
	c.emitByte(byte(chunk.OpPop))

	if s.Else != nil {
		if err := c.compileStatement(s.Else); err != nil {
			return err
		}
	}
	return c.patchJump(endJump)
}

func (c *Compiler) compileWhileStmt(s *ast.WhileStmt) error {
	loopStart := len(c.chunk.Code)
	if err := c.compileExpression(s.Condition); err != nil {
		return err
	}
	exitJump := c.emitJump(chunk.OpJumpIfFalse)
	c.emitByte(byte(chunk.OpPop))
	if err := c.compileStatement(s.Body); err != nil {
		return err
	}
	if err := c.emitLoop(loopStart); err != nil {
		return err
	}
	if err := c.patchJump(exitJump); err != nil {
		return err
	}
	c.emitByte(byte(chunk.OpPop))
	return nil
}

// compileFunctionStmt compiles the function body into a fresh Chunk with a
// new locals vector. Parameters occupy the first arity local slots (§4.3) —
// unlike some bytecode VMs, there is no reserved slot 0 for the callee
// itself.
func (c *Compiler) compileFunctionStmt(s *ast.FunctionStmt) error {
	fnCompiler := newCompiler(c)
	fnCompiler.scopeDepth = 1
	for _, param := range s.Params {
		if err := fnCompiler.addLocal(param.Lexeme); err != nil {
			return err
		}
	}
	for _, stmt := range s.Body.Statements {
		if err := fnCompiler.compileStatement(stmt); err != nil {
			return err
		}
	}
	fnCompiler.emitByte(byte(chunk.OpNull))
	fnCompiler.emitByte(byte(chunk.OpReturn))

	fn := value.NewFunction(s.Name.Lexeme, len(s.Params), fnCompiler.chunk)
	idx, err := c.makeConstant(fn)
	if err != nil {
		return err
	}
	c.emitBytes(byte(chunk.OpClosure), idx)

	if c.scopeDepth > 0 {
		return c.addLocal(s.Name.Lexeme)
	}
	nameIdx, err := c.makeConstant(value.NewString(s.Name.Lexeme))
	if err != nil {
		return err
	}
	c.emitBytes(byte(chunk.OpDefineGlobal), nameIdx)
	return nil
}

func (c *Compiler) compileExpression(expr ast.Expression) error {
	switch e := expr.(type) {
	case *ast.Literal:
		return c.compileLiteral(e)

	case *ast.Grouping:
		return c.compileExpression(e.Expr)

	case *ast.Unary:
		if err := c.compileExpression(e.Right); err != nil {
			return err
		}
		switch e.Operator.Type {
		case token.MINUS:
			c.emitByte(byte(chunk.OpNegate))
		case token.BANG:
			c.emitByte(byte(chunk.OpNot))
		default:
			return fmt.Errorf("invalid unary operator %s", e.Operator.Lexeme)
		}
		return nil

	case *ast.Binary:
		if err := c.compileExpression(e.Left); err != nil {
			return err
		}
		if err := c.compileExpression(e.Right); err != nil {
			return err
		}
		switch e.Operator.Type {
		case token.PLUS:
			c.emitByte(byte(chunk.OpAdd))
		case token.MINUS:
			c.emitByte(byte(chunk.OpSub))
		case token.STAR:
			c.emitByte(byte(chunk.OpMul))
		case token.SLASH:
			c.emitByte(byte(chunk.OpDiv))
		case token.EQ:
			c.emitByte(byte(chunk.OpEqual))
		case token.NEQ:
			c.emitByte(byte(chunk.OpEqual))
			c.emitByte(byte(chunk.OpNot))
		case token.GT:
			c.emitByte(byte(chunk.OpGreater))
		case token.LT:
			c.emitByte(byte(chunk.OpLess))
		case token.GTE:
			c.emitByte(byte(chunk.OpLess))
			c.emitByte(byte(chunk.OpNot))
		case token.LTE:
			c.emitByte(byte(chunk.OpGreater))
			c.emitByte(byte(chunk.OpNot))
		default:
			return fmt.Errorf("unsupported binary operator %s", e.Operator.Lexeme)
		}
		return nil

	case *ast.Logical:
		return c.compileLogical(e)

	case *ast.Variable:
		return c.compileVariable(e.Name)

	case *ast.Assign:
		if err := c.compileExpression(e.Value); err != nil {
			return err
		}
		return c.compileNamedStore(e.Name)

	case *ast.Call:
		return c.compileCall(e)

	case *ast.ArrayExpr:
		return c.compileArrayExpr(e)

	case *ast.IndexExpr:
		if err := c.compileExpression(e.Array); err != nil {
			return err
		}
		if err := c.compileExpression(e.Index); err != nil {
			return err
		}
		c.emitByte(byte(chunk.OpGetIndex))
		return nil

	case *ast.IndexAssign:
		if err := c.compileExpression(e.Array); err != nil {
			return err
		}
		if err := c.compileExpression(e.Index); err != nil {
			return err
		}
		if err := c.compileExpression(e.Value); err != nil {
			return err
		}
		c.emitByte(byte(chunk.OpSetIndex))
		return nil

	case *ast.Get:
		if err := c.compileExpression(e.Object); err != nil {
			return err
		}
		idx, err := c.makeConstant(value.NewString(e.Name.Lexeme))
		if err != nil {
			return err
		}
		c.emitBytes(byte(chunk.OpGetProperty), idx)
		return nil

	default:
		return fmt.Errorf("compiler: unsupported expression %T", expr)
	}
}

func (c *Compiler) compileLiteral(e *ast.Literal) error {
	switch v := e.Value.(type) {
	case nil:
		c.emitByte(byte(chunk.OpNull))
	case bool:
		if v {
			c.emitByte(byte(chunk.OpTrue))
		} else {
			c.emitByte(byte(chunk.OpFalse))
		}
	case float64:
		return c.emitConstant(value.NewNumber(v))
	case string:
		return c.emitConstant(value.NewString(v))
	default:
		return fmt.Errorf("compiler: unsupported literal type %T", e.Value)
	}
	return nil
}

// compileLogical implements short-circuit evaluation: both JUMP_IF_TRUE and
// JUMP_IF_FALSE peek rather than pop, so the compiler emits a matching POP on
// the fallthrough (non-short-circuit) path. This resolves the pop/peek
// asymmetry the reference implementation's two jump opcodes had, per the
// redesign direction of picking one encoding and emitting matching POPs.
func (c *Compiler) compileLogical(e *ast.Logical) error {
	if err := c.compileExpression(e.Left); err != nil {
		return err
	}
	var jumpOp chunk.OpCode
	if e.Operator.Type == token.OR {
		jumpOp = chunk.OpJumpIfTrue
	} else {
		jumpOp = chunk.OpJumpIfFalse
	}
	shortCircuit := c.emitJump(jumpOp)
	c.emitByte(byte(chunk.OpPop))
	if err := c.compileExpression(e.Right); err != nil {
		return err
	}
	return c.patchJump(shortCircuit)
}

func (c *Compiler) compileVariable(name token.Token) error {
	if slot := c.resolveLocal(name.Lexeme); slot != -1 {
		c.emitBytes(byte(chunk.OpGetLocal), byte(slot))
		return nil
	}
	idx, err := c.makeConstant(value.NewString(name.Lexeme))
	if err != nil {
		return err
	}
	c.emitBytes(byte(chunk.OpGetGlobal), idx)
	return nil
}

// compileNamedStore emits SET_LOCAL/SET_GLOBAL for an already-compiled
// value sitting on top of the stack. Assign is an expression (§6), so no
// POP is emitted here — the enclosing statement (typically ExprStmt) is
// responsible for discarding the result if unused.
func (c *Compiler) compileNamedStore(name token.Token) error {
	if slot := c.resolveLocal(name.Lexeme); slot != -1 {
		c.emitBytes(byte(chunk.OpSetLocal), byte(slot))
		return nil
	}
	idx, err := c.makeConstant(value.NewString(name.Lexeme))
	if err != nil {
		return err
	}
	c.emitBytes(byte(chunk.OpSetGlobal), idx)
	return nil
}

func (c *Compiler) compileCall(e *ast.Call) error {
	if err := c.compileExpression(e.Callee); err != nil {
		return err
	}
	if len(e.Args) > 255 {
		return fmt.Errorf("can't have more than 255 arguments")
	}
	for _, arg := range e.Args {
		if err := c.compileExpression(arg); err != nil {
			return err
		}
	}
	c.emitBytes(byte(chunk.OpCall), byte(len(e.Args)))
	return nil
}

func (c *Compiler) compileArrayExpr(e *ast.ArrayExpr) error {
	if len(e.Elements) > 255 {
		return fmt.Errorf("array literal too large")
	}
	for _, elem := range e.Elements {
		if err := c.compileExpression(elem); err != nil {
			return err
		}
	}
	c.emitBytes(byte(chunk.OpArray), byte(len(e.Elements)))
	return nil
}
