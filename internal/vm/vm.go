// Package vm implements Carblang's stack-based bytecode interpreter: the
// instruction loop, call frames, globals table, and built-in method
// dispatch described by §4.4/§4.5.
package vm

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"os"

	"carblang/internal/chunk"
	"carblang/internal/value"
)

// StackMax and FramesMax bound the VM's resource usage; exceeding either is
// a runtime error rather than an unbounded Go-stack recursion.
const (
	StackMax  = 4096
	FramesMax = 256
)

// CallFrame is one function activation: its chunk, instruction pointer, and
// the stack index its local slots are based at (§4.4, §G "Frame").
type CallFrame struct {
	chunk     *chunk.Chunk
	ip        int
	stackBase int
}

// VM owns the value stack, the call-frame stack, and the single global
// namespace shared by every frame.
type VM struct {
	stack    [StackMax]value.Value
	stackTop int

	frames     [FramesMax]CallFrame
	frameCount int

	globals map[string]value.Value

	Stdout io.Writer
	Stdin  *bufio.Reader
	rng    *rand.Rand
}

// RuntimeError carries the offending source line alongside the message, per
// §7's "prints the message and the offending line... to stderr".
type RuntimeError struct {
	Line    int
	Message string
}

func (e *RuntimeError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[line %d] Runtime error: %s", e.Line, e.Message)
	}
	return fmt.Sprintf("Runtime error: %s", e.Message)
}

// New builds a VM with the globals bootstrap of §4.4: free functions exposed
// as bound methods on a null receiver.
func New() *VM {
	vm := &VM{
		Stdout: os.Stdout,
		Stdin:  bufio.NewReader(os.Stdin),
		rng:    rand.New(rand.NewSource(rand.Int63())),
	}
	vm.globals = make(map[string]value.Value)
	for _, name := range []string{"input", "fill", "init", "array_input", "random", "random_integer"} {
		vm.globals[name] = value.NewBoundMethod(value.Nil(), name)
	}
	return vm
}

// Run executes a freshly compiled top-level chunk to completion and returns
// its final expression value.
func (vm *VM) Run(c *chunk.Chunk) (value.Value, error) {
	vm.stackTop = 0
	vm.frameCount = 1
	vm.frames[0] = CallFrame{chunk: c, ip: 0, stackBase: 0}
	return vm.run()
}

func (vm *VM) currentFrame() *CallFrame {
	return &vm.frames[vm.frameCount-1]
}

func (vm *VM) push(v value.Value) error {
	if vm.stackTop >= StackMax {
		return fmt.Errorf("stack overflow")
	}
	vm.stack[vm.stackTop] = v
	vm.stackTop++
	return nil
}

func (vm *VM) pop() (value.Value, error) {
	if vm.stackTop == 0 {
		return value.Value{}, fmt.Errorf("stack underflow")
	}
	vm.stackTop--
	v := vm.stack[vm.stackTop]
	vm.stack[vm.stackTop] = value.Value{}
	return v, nil
}

func (vm *VM) peek(distance int) value.Value {
	return vm.stack[vm.stackTop-1-distance]
}

func (vm *VM) readByte(f *CallFrame) byte {
	b := f.chunk.Code[f.ip]
	f.ip++
	return b
}

func (vm *VM) readShort(f *CallFrame) int {
	hi := int(f.chunk.Code[f.ip])
	lo := int(f.chunk.Code[f.ip+1])
	f.ip += 2
	return hi<<8 | lo
}

func (vm *VM) readConstant(f *CallFrame) value.Value {
	return f.chunk.Constants[vm.readByte(f)]
}

func (vm *VM) runtimeError(f *CallFrame, format string, args ...interface{}) error {
	line := 0
	if f.ip > 0 && f.ip <= len(f.chunk.Lines) {
		line = f.chunk.Lines[f.ip-1]
	}
	return &RuntimeError{Line: line, Message: fmt.Sprintf(format, args...)}
}

// run is the instruction loop (§4.4): fetch one opcode from the current
// frame, dispatch, continue until a top-level RETURN.
func (vm *VM) run() (value.Value, error) {
	for {
		f := vm.currentFrame()
		op := chunk.OpCode(vm.readByte(f))

		switch op {
		case chunk.OpConstant:
			if err := vm.push(vm.readConstant(f)); err != nil {
				return value.Nil(), err
			}

		case chunk.OpNull:
			if err := vm.push(value.Nil()); err != nil {
				return value.Nil(), err
			}
		case chunk.OpTrue:
			if err := vm.push(value.NewBool(true)); err != nil {
				return value.Nil(), err
			}
		case chunk.OpFalse:
			if err := vm.push(value.NewBool(false)); err != nil {
				return value.Nil(), err
			}

		case chunk.OpAdd, chunk.OpSub, chunk.OpMul, chunk.OpDiv:
			if err := vm.binaryArith(f, op); err != nil {
				return value.Nil(), err
			}

		case chunk.OpNot:
			v, err := vm.pop()
			if err != nil {
				return value.Nil(), err
			}
			if err := vm.push(value.NewBool(!v.IsTruthy())); err != nil {
				return value.Nil(), err
			}

		case chunk.OpNegate:
			v, err := vm.pop()
			if err != nil {
				return value.Nil(), err
			}
			if v.Type != value.Number {
				return value.Nil(), vm.runtimeError(f, "Operand must be a number")
			}
			if err := vm.push(value.NewNumber(-v.Num)); err != nil {
				return value.Nil(), err
			}

		case chunk.OpEqual:
			b, err1 := vm.pop()
			a, err2 := vm.pop()
			if err1 != nil {
				return value.Nil(), err1
			}
			if err2 != nil {
				return value.Nil(), err2
			}
			if err := vm.push(value.NewBool(value.Equal(a, b))); err != nil {
				return value.Nil(), err
			}

		case chunk.OpGreater, chunk.OpLess:
			if err := vm.compare(f, op); err != nil {
				return value.Nil(), err
			}

		case chunk.OpPrint:
			v, err := vm.pop()
			if err != nil {
				return value.Nil(), err
			}
			fmt.Fprint(vm.Stdout, value.Stringify(v))

		case chunk.OpPrintln:
			v, err := vm.pop()
			if err != nil {
				return value.Nil(), err
			}
			fmt.Fprintln(vm.Stdout, value.Stringify(v))

		case chunk.OpPop:
			if _, err := vm.pop(); err != nil {
				return value.Nil(), err
			}

		case chunk.OpDefineGlobal:
			name := vm.readConstant(f).Str
			v, err := vm.pop()
			if err != nil {
				return value.Nil(), err
			}
			vm.globals[name] = v

		case chunk.OpGetGlobal:
			name := vm.readConstant(f).Str
			v, ok := vm.globals[name]
			if !ok {
				return value.Nil(), vm.runtimeError(f, "Undefined variable '%s'", name)
			}
			if err := vm.push(v); err != nil {
				return value.Nil(), err
			}

		case chunk.OpSetGlobal:
			name := vm.readConstant(f).Str
			if _, ok := vm.globals[name]; !ok {
				return value.Nil(), vm.runtimeError(f, "Undefined variable '%s'", name)
			}
			vm.globals[name] = vm.peek(0)

		case chunk.OpGetLocal:
			slot := int(vm.readByte(f))
			if err := vm.push(vm.stack[f.stackBase+slot]); err != nil {
				return value.Nil(), err
			}

		case chunk.OpSetLocal:
			slot := int(vm.readByte(f))
			vm.stack[f.stackBase+slot] = vm.peek(0)

		case chunk.OpJump:
			offset := vm.readShort(f)
			f.ip += offset

		case chunk.OpJumpIfTrue:
			offset := vm.readShort(f)
			if vm.peek(0).IsTruthy() {
				f.ip += offset
			}

		case chunk.OpJumpIfFalse:
			offset := vm.readShort(f)
			if !vm.peek(0).IsTruthy() {
				f.ip += offset
			}

		case chunk.OpLoop:
			offset := vm.readShort(f)
			f.ip -= offset

		case chunk.OpClosure:
			if err := vm.push(vm.readConstant(f)); err != nil {
				return value.Nil(), err
			}

		case chunk.OpCall:
			argc := int(vm.readByte(f))
			if err := vm.call(f, argc); err != nil {
				return value.Nil(), err
			}

		case chunk.OpReturn:
			result, err := vm.pop()
			if err != nil {
				return value.Nil(), err
			}
			if vm.frameCount == 1 {
				return result, nil
			}
			returning := vm.frames[vm.frameCount-1]
			vm.frameCount--
			vm.stackTop = returning.stackBase
			if err := vm.push(result); err != nil {
				return value.Nil(), err
			}

		case chunk.OpArray:
			count := int(vm.readByte(f))
			elems := make([]value.Value, count)
			for i := count - 1; i >= 0; i-- {
				v, err := vm.pop()
				if err != nil {
					return value.Nil(), err
				}
				elems[i] = v
			}
			if err := vm.push(value.NewArray(elems)); err != nil {
				return value.Nil(), err
			}

		case chunk.OpGetIndex:
			if err := vm.getIndex(f); err != nil {
				return value.Nil(), err
			}

		case chunk.OpSetIndex:
			if err := vm.setIndex(f); err != nil {
				return value.Nil(), err
			}

		case chunk.OpGetProperty:
			name := vm.readConstant(f).Str
			receiver, err := vm.pop()
			if err != nil {
				return value.Nil(), err
			}
			tag, ok := resolveTag(receiver, name)
			if !ok {
				return value.Nil(), vm.runtimeError(f, "Undefined method %s", name)
			}
			if err := vm.push(value.NewBoundMethod(receiver, tag)); err != nil {
				return value.Nil(), err
			}

		default:
			return value.Nil(), vm.runtimeError(f, "Unknown opcode %d", byte(op))
		}
	}
}

// binaryArith implements §4.2's ADD/SUB/MUL/DIV rules, evaluated with b
// popped before a.
func (vm *VM) binaryArith(f *CallFrame, op chunk.OpCode) error {
	b, err := vm.pop()
	if err != nil {
		return err
	}
	a, err := vm.pop()
	if err != nil {
		return err
	}

	if op == chunk.OpAdd && (a.Type == value.String || b.Type == value.String) {
		return vm.push(value.NewString(value.Stringify(a) + value.Stringify(b)))
	}
	if op == chunk.OpAdd && a.Type == value.Array && b.Type == value.Array {
		aArr, bArr := wantArray(a), wantArray(b)
		out := make([]value.Value, 0, len(aArr.Elements)+len(bArr.Elements))
		out = append(out, aArr.Elements...)
		out = append(out, bArr.Elements...)
		return vm.push(value.NewArray(out))
	}
	if op == chunk.OpMul && isStringNumberPair(a, b) {
		s, n := stringNumberPair(a, b)
		count := int(n)
		if n != float64(count) {
			return vm.runtimeError(f, "Operands must be numbers")
		}
		if count < 0 {
			count = 0
		}
		result := ""
		for i := 0; i < count; i++ {
			result += s
		}
		return vm.push(value.NewString(result))
	}
	if a.Type == value.Array && b.Type == value.Number {
		arr := wantArray(a)
		out := make([]value.Value, len(arr.Elements))
		for i, elem := range arr.Elements {
			if elem.Type != value.Number {
				return vm.runtimeError(f, "Operands must be numbers")
			}
			res, err := scalarOp(op, elem.Num, b.Num)
			if err != nil {
				return vm.runtimeError(f, "%s", err.Error())
			}
			out[i] = value.NewNumber(res)
		}
		return vm.push(value.NewArray(out))
	}
	if a.Type != value.Number || b.Type != value.Number {
		return vm.runtimeError(f, "Operands must be numbers")
	}
	res, err := scalarOp(op, a.Num, b.Num)
	if err != nil {
		return vm.runtimeError(f, "%s", err.Error())
	}
	return vm.push(value.NewNumber(res))
}

func isStringNumberPair(a, b value.Value) bool {
	return (a.Type == value.String && b.Type == value.Number) ||
		(a.Type == value.Number && b.Type == value.String)
}

func stringNumberPair(a, b value.Value) (string, float64) {
	if a.Type == value.String {
		return a.Str, b.Num
	}
	return b.Str, a.Num
}

func scalarOp(op chunk.OpCode, a, b float64) (float64, error) {
	switch op {
	case chunk.OpAdd:
		return a + b, nil
	case chunk.OpSub:
		return a - b, nil
	case chunk.OpMul:
		return a * b, nil
	case chunk.OpDiv:
		if b == 0 {
			return 0, fmt.Errorf("Division by zero")
		}
		return a / b, nil
	}
	return 0, fmt.Errorf("unsupported operator")
}

func (vm *VM) compare(f *CallFrame, op chunk.OpCode) error {
	b, err := vm.pop()
	if err != nil {
		return err
	}
	a, err := vm.pop()
	if err != nil {
		return err
	}
	if a.Type != value.Number || b.Type != value.Number {
		return vm.runtimeError(f, "Operands must be numbers")
	}
	var result bool
	if op == chunk.OpGreater {
		result = a.Num > b.Num
	} else {
		result = a.Num < b.Num
	}
	return vm.push(value.NewBool(result))
}

func (vm *VM) getIndex(f *CallFrame) error {
	idx, err := vm.pop()
	if err != nil {
		return err
	}
	container, err := vm.pop()
	if err != nil {
		return err
	}
	if idx.Type != value.Number {
		return vm.runtimeError(f, "Index must be a number")
	}
	i := int(idx.Num)
	switch container.Type {
	case value.Array:
		arr := wantArray(container)
		if i < 0 || i >= len(arr.Elements) {
			return vm.runtimeError(f, "Index out of bounds")
		}
		return vm.push(arr.Elements[i])
	case value.String:
		s := container.Str
		if i < 0 || i >= len(s) {
			return vm.runtimeError(f, "Index out of bounds")
		}
		return vm.push(value.NewString(string(s[i])))
	default:
		return vm.runtimeError(f, "Can only index arrays or strings")
	}
}

func (vm *VM) setIndex(f *CallFrame) error {
	v, err := vm.pop()
	if err != nil {
		return err
	}
	idx, err := vm.pop()
	if err != nil {
		return err
	}
	container, err := vm.pop()
	if err != nil {
		return err
	}
	if container.Type != value.Array {
		return vm.runtimeError(f, "Can only assign into arrays")
	}
	if idx.Type != value.Number {
		return vm.runtimeError(f, "Index must be a number")
	}
	arr := wantArray(container)
	i := int(idx.Num)
	if i < 0 || i >= len(arr.Elements) {
		return vm.runtimeError(f, "Index out of bounds")
	}
	arr.Elements[i] = v
	return vm.push(v)
}

// call implements §4.4's CALL argc calling convention.
func (vm *VM) call(f *CallFrame, argc int) error {
	calleeIdx := vm.stackTop - 1 - argc
	if calleeIdx < 0 {
		return vm.runtimeError(f, "stack underflow in call")
	}
	callee := vm.stack[calleeIdx]

	switch callee.Type {
	case value.BoundMethod:
		bm := callee.Obj.(*value.BoundMethodObj)
		handler, ok := builtins[bm.Tag]
		if !ok {
			return vm.runtimeError(f, "Undefined method %s", bm.Tag)
		}
		args := make([]value.Value, argc)
		copy(args, vm.stack[calleeIdx+1:calleeIdx+1+argc])
		result, err := handler(vm, bm.Receiver, args)
		if err != nil {
			return vm.runtimeError(f, "%s", err.Error())
		}
		vm.stackTop = calleeIdx
		return vm.push(result)

	case value.Function:
		fn := callee.Obj.(*value.FunctionObj)
		if argc != fn.Arity {
			return vm.runtimeError(f, "Expected %d arguments but got %d", fn.Arity, argc)
		}
		if vm.frameCount >= FramesMax {
			return vm.runtimeError(f, "Stack overflow")
		}
		copy(vm.stack[calleeIdx:calleeIdx+argc], vm.stack[calleeIdx+1:calleeIdx+1+argc])
		vm.stackTop = calleeIdx + argc
		vm.frames[vm.frameCount] = CallFrame{
			chunk:     fn.Chunk.(*chunk.Chunk),
			ip:        0,
			stackBase: calleeIdx,
		}
		vm.frameCount++
		return nil

	default:
		return vm.runtimeError(f, "Can only call functions")
	}
}
