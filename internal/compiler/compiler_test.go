package compiler

import (
	"testing"

	"carblang/internal/ast"
	"carblang/internal/chunk"
	"carblang/internal/lexer"
	"carblang/internal/parser"
)

func parse(t *testing.T, input string) *ast.Program {
	t.Helper()
	l := lexer.New(input)
	p := parser.New(l)
	program := p.ParseProgram()
	if len(p.Errors()) > 0 {
		t.Fatalf("parser errors for %q: %v", input, p.Errors())
	}
	return program
}

func TestCompileSmoke(t *testing.T) {
	inputs := []string{
		"1 + 2;",
		`var x = 1; while (x < 10) { x = x + 1; }`,
		`if (1 < 2) { print("yes"); } else { print("no"); }`,
		`function add(a, b) { return a + b; } println(add(1, 2));`,
		`var arr = [1, 2, 3]; arr[0] = 9;`,
		`"hi".upper();`,
	}
	for _, in := range inputs {
		program := parse(t, in)
		if _, err := Compile(program); err != nil {
			t.Fatalf("compile error for %q: %s", in, err)
		}
	}
}

func TestDefineGlobalEmitsConstantOperand(t *testing.T) {
	program := parse(t, "var x = 1;")
	c, err := Compile(program)
	if err != nil {
		t.Fatalf("compile error: %s", err)
	}

	// OP_DEFINE_GLOBAL carries a 1-byte name-constant operand, not a bare
	// opcode: CONSTANT 1, DEFINE_GLOBAL idx, NULL, RETURN.
	foundDefine := false
	for i, b := range c.Code {
		if chunk.OpCode(b) == chunk.OpDefineGlobal {
			foundDefine = true
			if i+1 >= len(c.Code) {
				t.Fatalf("OP_DEFINE_GLOBAL missing its operand byte")
			}
			nameIdx := c.Code[i+1]
			if int(nameIdx) >= len(c.Constants) {
				t.Fatalf("OP_DEFINE_GLOBAL operand %d out of constant pool range", nameIdx)
			}
		}
	}
	if !foundDefine {
		t.Fatalf("expected OP_DEFINE_GLOBAL in compiled output")
	}
}

func TestLocalsDoNotEmitGlobalOps(t *testing.T) {
	program := parse(t, "{ var x = 1; x = x + 1; }")
	c, err := Compile(program)
	if err != nil {
		t.Fatalf("compile error: %s", err)
	}
	for _, b := range c.Code {
		op := chunk.OpCode(b)
		if op == chunk.OpDefineGlobal || op == chunk.OpGetGlobal || op == chunk.OpSetGlobal {
			t.Fatalf("block-scoped local leaked a global opcode: %s", op)
		}
	}
}

func TestIfStmtPatchesJumpsWithinRange(t *testing.T) {
	program := parse(t, `if (true) { print(1); } else { print(2); } print(3);`)
	c, err := Compile(program)
	if err != nil {
		t.Fatalf("compile error: %s", err)
	}
	for i := 0; i < len(c.Code); i++ {
		op := chunk.OpCode(c.Code[i])
		if op == chunk.OpJump || op == chunk.OpJumpIfFalse {
			hi, lo := int(c.Code[i+1]), int(c.Code[i+2])
			offset := hi<<8 | lo
			target := i + 3 + offset
			if target < 0 || target > len(c.Code) {
				t.Fatalf("%s at %d jumps out of bounds to %d (len=%d)", op, i, target, len(c.Code))
			}
			i += 2
		}
	}
}

func TestTooManyArgumentsIsCompileError(t *testing.T) {
	args := ""
	for i := 0; i < 256; i++ {
		if i > 0 {
			args += ", "
		}
		args += "1"
	}
	program := parse(t, "function f() { return 0; } f("+args+");")
	if _, err := Compile(program); err == nil {
		t.Fatalf("expected a compile error for >255 call arguments")
	}
}
