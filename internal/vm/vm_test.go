package vm

import (
	"bytes"
	"testing"

	"carblang/internal/compiler"
	"carblang/internal/lexer"
	"carblang/internal/parser"
	"carblang/internal/value"
)

func run(t *testing.T, source string) (value.Value, string) {
	t.Helper()
	l := lexer.New(source)
	p := parser.New(l)
	program := p.ParseProgram()
	if len(p.Errors()) > 0 {
		t.Fatalf("parser errors for %q: %v", source, p.Errors())
	}

	c, err := compiler.Compile(program)
	if err != nil {
		t.Fatalf("compile error for %q: %s", source, err)
	}

	machine := New()
	var out bytes.Buffer
	machine.Stdout = &out

	result, err := machine.Run(c)
	if err != nil {
		t.Fatalf("runtime error for %q: %s", source, err)
	}
	return result, out.String()
}

func expectNumber(t *testing.T, v value.Value, want float64) {
	t.Helper()
	if v.Type != value.Number {
		t.Fatalf("expected number, got %s (%+v)", v.Type, v)
	}
	if v.Num != want {
		t.Fatalf("expected %v, got %v", want, v.Num)
	}
}

func expectBool(t *testing.T, v value.Value, want bool) {
	t.Helper()
	if v.Type != value.Bool {
		t.Fatalf("expected bool, got %s (%+v)", v.Type, v)
	}
	if v.Bool != want {
		t.Fatalf("expected %v, got %v", want, v.Bool)
	}
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"1 + 2;", 3},
		{"50 / 2 * 2 + 10;", 60},
		{"2 * (5 + 10);", 30},
		{"(5 + 10 * 2 + 15 / 3) * 2 + -10;", 50},
		{"10 / 4;", 2.5},
	}
	for _, tt := range tests {
		result, _ := run(t, tt.in)
		expectNumber(t, result, tt.want)
	}
}

func TestStringConcatAndRepeat(t *testing.T) {
	result, _ := run(t, `"foo" + "bar";`)
	if result.Type != value.String || result.Str != "foobar" {
		t.Fatalf("expected \"foobar\", got %+v", result)
	}

	result, _ = run(t, `"ab" * 3;`)
	if result.Type != value.String || result.Str != "ababab" {
		t.Fatalf("expected \"ababab\", got %+v", result)
	}

	result, _ = run(t, `"ab" * -1;`)
	if result.Type != value.String || result.Str != "" {
		t.Fatalf("expected \"\" for negative repeat count, got %+v", result)
	}
}

func TestArrayConcatAndElementWise(t *testing.T) {
	result, _ := run(t, `[1, 2] + [3, 4];`)
	if result.Type != value.Array {
		t.Fatalf("expected array, got %+v", result)
	}
	arr := result.Obj.(*value.ArrayObj).Elements
	if len(arr) != 4 {
		t.Fatalf("expected concatenated array of length 4, got %d", len(arr))
	}

	result, _ = run(t, `[1, 2, 3] * 2;`)
	arr = result.Obj.(*value.ArrayObj).Elements
	expectNumber(t, arr[0], 2)
	expectNumber(t, arr[1], 4)
	expectNumber(t, arr[2], 6)
}

func TestComparisonAndEquality(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"1 < 2;", true},
		{"1 > 2;", false},
		{"1 == 1;", true},
		{"1 != 1;", false},
		{"true == true;", true},
		{"1 <= 1;", true},
		{"2 >= 3;", false},
	}
	for _, tt := range tests {
		result, _ := run(t, tt.in)
		expectBool(t, result, tt.want)
	}
}

func TestVariablesAndScope(t *testing.T) {
	result, _ := run(t, `var x = 10; { var x = 20; x = x + 1; } x;`)
	expectNumber(t, result, 10)
}

func TestWhileLoop(t *testing.T) {
	result, _ := run(t, `var i = 0; var sum = 0; while (i < 5) { sum = sum + i; i = i + 1; } sum;`)
	expectNumber(t, result, 10)
}

func TestIfElse(t *testing.T) {
	result, _ := run(t, `var x = 0; if (1 < 2) { x = 1; } else { x = 2; } x;`)
	expectNumber(t, result, 1)
}

func TestLogicalShortCircuit(t *testing.T) {
	result, _ := run(t, `false and (1 / 0 == 0);`)
	expectBool(t, result, false)

	result, _ = run(t, `true or (1 / 0 == 0);`)
	expectBool(t, result, true)
}

func TestFunctionCallAndRecursion(t *testing.T) {
	src := `
function fact(n) {
  if (n <= 1) { return 1; }
  return n * fact(n - 1);
}
fact(5);
`
	result, _ := run(t, src)
	expectNumber(t, result, 120)
}

func TestFunctionArgumentsOccupyLocalSlotsFromZero(t *testing.T) {
	src := `
function sum3(a, b, c) {
  return a + b + c;
}
sum3(1, 2, 3);
`
	result, _ := run(t, src)
	expectNumber(t, result, 6)
}

func TestArrayIndexingAndMutation(t *testing.T) {
	result, _ := run(t, `var a = [1, 2, 3]; a[1] = 99; a[1];`)
	expectNumber(t, result, 99)
}

func TestArrayIndexOutOfRangeIsRuntimeError(t *testing.T) {
	l := lexer.New(`var a = [1]; a[5];`)
	p := parser.New(l)
	program := p.ParseProgram()
	c, err := compiler.Compile(program)
	if err != nil {
		t.Fatalf("compile error: %s", err)
	}
	if _, err := New().Run(c); err == nil {
		t.Fatalf("expected a runtime error for out-of-range index")
	}
}

func TestDivisionByZeroIsRuntimeError(t *testing.T) {
	l := lexer.New(`1 / 0;`)
	p := parser.New(l)
	program := p.ParseProgram()
	c, err := compiler.Compile(program)
	if err != nil {
		t.Fatalf("compile error: %s", err)
	}
	if _, err := New().Run(c); err == nil {
		t.Fatalf("expected a runtime error for division by zero")
	}
}

func TestBuiltinMethodDispatch(t *testing.T) {
	result, _ := run(t, `"hello".upper();`)
	if result.Str != "HELLO" {
		t.Fatalf("expected HELLO, got %+v", result)
	}

	result, _ = run(t, `[3, 1, 2].max();`)
	expectNumber(t, result, 3)

	result, _ = run(t, `var a = [1, 2]; a.push(3); a.length();`)
	expectNumber(t, result, 3)
}

func TestArrayVsStringSliceAsymmetry(t *testing.T) {
	// array slice clamps out-of-range bounds rather than erroring.
	result, _ := run(t, `[1, 2, 3].slice(1, 10);`)
	arr := result.Obj.(*value.ArrayObj).Elements
	if len(arr) != 2 {
		t.Fatalf("expected clamped slice of length 2, got %d", len(arr))
	}

	// string slice throws on an invalid range.
	l := lexer.New(`"ab".slice(2, 1);`)
	p := parser.New(l)
	program := p.ParseProgram()
	c, err := compiler.Compile(program)
	if err != nil {
		t.Fatalf("compile error: %s", err)
	}
	if _, err := New().Run(c); err == nil {
		t.Fatalf("expected a runtime error for an out-of-range string slice")
	}
}

func TestPrintAndPrintln(t *testing.T) {
	_, out := run(t, `print("a"); println("b"); print(1);`)
	if out != "ab\n1" {
		t.Fatalf("unexpected stdout: %q", out)
	}
}

func TestArrayIdentitySemantics(t *testing.T) {
	result, _ := run(t, `
var a = [1, 2];
var b = a;
b.push(3);
a.length();
`)
	expectNumber(t, result, 3)
}

// The six end-to-end scenarios named by §8's "program input -> stdout" table.

func TestScenarioArithmeticPrecedence(t *testing.T) {
	_, out := run(t, `print(1 + 2 * 3);`)
	if out != "7" {
		t.Fatalf("expected stdout %q, got %q", "7", out)
	}
}

func TestScenarioArrayPushAndSum(t *testing.T) {
	_, out := run(t, `var a = [1, 2, 3]; a.push(4); println(a.sum());`)
	if out != "10\n" {
		t.Fatalf("expected stdout %q, got %q", "10\n", out)
	}
}

func TestScenarioRecursiveFibonacci(t *testing.T) {
	src := `
function fib(n) {
  if (n < 2) { return n; }
  return fib(n - 1) + fib(n - 2);
}
println(fib(10));
`
	_, out := run(t, src)
	if out != "55\n" {
		t.Fatalf("expected stdout %q, got %q", "55\n", out)
	}
}

func TestScenarioStringUpperAndReplace(t *testing.T) {
	_, out := run(t, `var s = "Hello"; println(s.upper().replace("L", "*"));`)
	if out != "HE**O\n" {
		t.Fatalf("expected stdout %q, got %q", "HE**O\n", out)
	}
}

func TestScenarioWhileAccumulator(t *testing.T) {
	_, out := run(t, `var i = 0; var acc = 0; while (i < 5) { acc = acc + i; i = i + 1; } println(acc);`)
	if out != "10\n" {
		t.Fatalf("expected stdout %q, got %q", "10\n", out)
	}
}

func TestScenarioSharedArrayReference(t *testing.T) {
	_, out := run(t, `var a = [1, 2]; var b = a; b.push(3); println(a.length());`)
	if out != "3\n" {
		t.Fatalf("expected stdout %q, got %q", "3\n", out)
	}
}

func TestRemoveOutOfRangeReturnsNull(t *testing.T) {
	result, _ := run(t, `var a = [1, 2]; a.remove(9);`)
	if result.Type != value.Null {
		t.Fatalf("expected null for out-of-range remove, got %+v", result)
	}
}

func TestPopEmptyArrayReturnsNull(t *testing.T) {
	result, _ := run(t, `var a = []; a.pop();`)
	if result.Type != value.Null {
		t.Fatalf("expected null popping an empty array, got %+v", result)
	}
}

func TestFactRejectsNegativeAndNonInteger(t *testing.T) {
	for _, src := range []string{`(-1).fact();`, `(1.5).fact();`} {
		l := lexer.New(src)
		p := parser.New(l)
		program := p.ParseProgram()
		if len(p.Errors()) > 0 {
			t.Fatalf("parser errors for %q: %v", src, p.Errors())
		}
		c, err := compiler.Compile(program)
		if err != nil {
			t.Fatalf("compile error for %q: %s", src, err)
		}
		if _, err := New().Run(c); err == nil {
			t.Fatalf("expected a runtime error for %q", src)
		}
	}
}
