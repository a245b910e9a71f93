package vm

import (
	"bufio"
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"

	"carblang/internal/value"
)

// builtin is one entry in the method dispatch table (§4.5, §9 "macro-expanded
// method bodies → dispatch table"): a tag name mapped to a handler that takes
// the receiver and collected arguments and returns exactly one result.
type builtin func(vm *VM, receiver value.Value, args []value.Value) (value.Value, error)

// builtins is keyed by method tag. Receiver-type checking happens in
// resolveTag at GET_PROPERTY time; handlers assume a receiver of the type
// their tag was resolved for, since the same tag name is never shared
// between incompatible receiver types (e.g. string.length and array.length
// are distinct tags).
var builtins map[string]builtin

func init() {
	builtins = map[string]builtin{
		"type":            biType,
		"to_string":       biToString,
		"bool_to_int":     biBoolToInt,
		"to_int":          biToInt,
		"pow":             biPow,
		"sqrt":            biSqrt,
		"fact":            biFact,
		"floor":           biFloor,
		"ceil":            biCeil,
		"length":          biStrLength,
		"is_empty":        biStrIsEmpty,
		"upper":           biUpper,
		"lower":           biLower,
		"capitalize":      biCapitalize,
		"swap":            biSwapCase,
		"find":            biFind,
		"find_last":       biFindLast,
		"first":           biStrFirst,
		"last":            biStrLast,
		"starts_with":     biStartsWith,
		"ends_with":       biEndsWith,
		"is_number":       biIsNumber,
		"is_space":        biIsSpace,
		"is_all_spaces":   biIsAllSpaces,
		"trim":            biStrTrim,
		"to_array":        biToArray,
		"replace":         biReplace,
		"count":           biStrCount,
		"slice":           biStrSlice,
		"to_number":       biToNumber,
		"push":            biArrayPush,
		"pop":             biArrayPop,
		"clear":           biArrayClear,
		"contains":        biArrayContains,
		"first_index":     biArrayIndexOf,
		"last_index":      biArrayLastIndexOf,
		"insert":          biArrayInsert,
		"remove":          biArrayRemoveAt,
		"reverse":         biArrayReverse,
		"array_length":    biArrayLength,
		"array_is_empty":  biArrayIsEmpty,
		"array_first":     biArrayFirst,
		"array_last":      biArrayLast,
		"array_slice":     biArraySlice,
		"copy":            biArrayCopy,
		"concat":          biArrayConcat,
		"array_swap":      biArraySwap,
		"array_count":     biArrayCount,
		"equals":          biArrayEquals,
		"join":            biArrayJoin,
		"sum":             biArraySum,
		"min":             biArrayMin,
		"max":             biArrayMax,
		"average":         biArrayAverage,
		"array_trim":      biArrayTrim,
		"input":           biInput,
		"fill":            biFill,
		"init":            biInit,
		"array_input":     biArrayInput,
		"random":          biRandom,
		"random_integer":  biRandomInteger,
	}
}

// resolveTag picks the dispatch-table key for (receiverType, name), per §4.5's
// "(receiver_variant, name)" rule. Several names are shared across receiver
// types in the surface grammar but need distinct handlers (e.g. `length` on
// string vs array, `slice` throwing on string but clamping on array), so the
// tag disambiguates before the single flat builtins map is consulted.
func resolveTag(receiver value.Value, name string) (string, bool) {
	switch receiver.Type {
	case value.Null, value.Bool, value.Number, value.String, value.Array, value.Function, value.BoundMethod:
	default:
		return "", false
	}

	if name == "type" {
		return name, true
	}

	switch receiver.Type {
	case value.Bool, value.Number, value.String:
		if name == "to_string" {
			return name, true
		}
	}

	switch receiver.Type {
	case value.Bool:
		switch name {
		case "to_int":
			return "bool_to_int", true
		}
	case value.Number:
		switch name {
		case "pow", "sqrt", "fact", "to_int", "floor", "ceil":
			return name, true
		}
	case value.String:
		switch name {
		case "length", "is_empty", "upper", "lower", "capitalize", "swap",
			"find", "find_last", "first", "last", "starts_with", "ends_with",
			"is_number", "is_space", "is_all_spaces", "trim", "to_array",
			"replace", "count", "slice", "to_number":
			return name, true
		}
	case value.Array:
		switch name {
		case "clear", "push", "pop", "contains",
			"insert", "remove", "reverse", "copy", "concat", "equals",
			"join", "sum", "min", "max", "average":
			return name, true
		case "length":
			return "array_length", true
		case "is_empty":
			return "array_is_empty", true
		case "first":
			return "array_first", true
		case "last":
			return "array_last", true
		case "first_index":
			return "first_index", true
		case "last_index":
			return "last_index", true
		case "slice":
			return "array_slice", true
		case "swap":
			return "array_swap", true
		case "count":
			return "array_count", true
		case "trim":
			return "array_trim", true
		}
	}
	return "", false
}

func wantString(v value.Value, who string) (string, error) {
	if v.Type != value.String {
		return "", fmt.Errorf("%s expects a string argument", who)
	}
	return v.Str, nil
}

func wantNumber(v value.Value, who string) (float64, error) {
	if v.Type != value.Number {
		return 0, fmt.Errorf("%s expects a number argument", who)
	}
	return v.Num, nil
}

func wantArray(v value.Value) *value.ArrayObj {
	return v.Obj.(*value.ArrayObj)
}

// ---- any ----

func biType(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("type() takes no arguments")
	}
	return value.NewString(receiver.Type.String()), nil
}

func biToString(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("to_string() takes no arguments")
	}
	return value.NewString(value.Stringify(receiver)), nil
}

// ---- bool ----

func biBoolToInt(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("to_int() takes no arguments")
	}
	if receiver.Bool {
		return value.NewNumber(1), nil
	}
	return value.NewNumber(0), nil
}

// ---- number ----

func biPow(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Nil(), fmt.Errorf("pow() expects 1 argument")
	}
	exp, err := wantNumber(args[0], "pow()")
	if err != nil {
		return value.Nil(), err
	}
	return value.NewNumber(math.Pow(receiver.Num, exp)), nil
}

func biSqrt(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("sqrt() takes no arguments")
	}
	if receiver.Num < 0 {
		return value.Nil(), fmt.Errorf("sqrt() of negative number")
	}
	return value.NewNumber(math.Sqrt(receiver.Num)), nil
}

func biFact(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("fact() takes no arguments")
	}
	if math.Floor(receiver.Num) != receiver.Num {
		return value.Nil(), fmt.Errorf("fact() only works with whole numbers")
	}
	n := int64(receiver.Num)
	if n < 0 {
		return value.Nil(), fmt.Errorf("fact() of negative number")
	}
	r := 1.0
	for i := int64(2); i <= n; i++ {
		r *= float64(i)
	}
	return value.NewNumber(r), nil
}

// biToInt rounds half-away-from-zero, matching the platform std::round the
// reference implementation calls through to.
func biToInt(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("to_int() takes no arguments")
	}
	return value.NewNumber(math.Round(receiver.Num)), nil
}

func biFloor(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("floor() takes no arguments")
	}
	return value.NewNumber(math.Floor(receiver.Num)), nil
}

func biCeil(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("ceil() takes no arguments")
	}
	return value.NewNumber(math.Ceil(receiver.Num)), nil
}

// ---- string ----

func biStrLength(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("length() takes no arguments")
	}
	return value.NewNumber(float64(len(receiver.Str))), nil
}

func biStrIsEmpty(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("is_empty() takes no arguments")
	}
	return value.NewBool(receiver.Str == ""), nil
}

func biUpper(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("upper() takes no arguments")
	}
	return value.NewString(strings.ToUpper(receiver.Str)), nil
}

func biLower(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("lower() takes no arguments")
	}
	return value.NewString(strings.ToLower(receiver.Str)), nil
}

func biCapitalize(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("capitalize() takes no arguments")
	}
	s := receiver.Str
	if s == "" {
		return value.NewString(s), nil
	}
	return value.NewString(strings.ToUpper(s[:1]) + s[1:]), nil
}

func biSwapCase(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("swap() takes no arguments")
	}
	out := []byte(receiver.Str)
	for i, c := range out {
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = c - ('a' - 'A')
		case c >= 'A' && c <= 'Z':
			out[i] = c + ('a' - 'A')
		}
	}
	return value.NewString(string(out)), nil
}

func biFind(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Nil(), fmt.Errorf("find() expects 1 argument")
	}
	sub, err := wantString(args[0], "find()")
	if err != nil {
		return value.Nil(), err
	}
	return value.NewNumber(float64(strings.Index(receiver.Str, sub))), nil
}

func biFindLast(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Nil(), fmt.Errorf("find_last() expects 1 argument")
	}
	sub, err := wantString(args[0], "find_last()")
	if err != nil {
		return value.Nil(), err
	}
	return value.NewNumber(float64(strings.LastIndex(receiver.Str, sub))), nil
}

func biStrFirst(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("first() takes no arguments")
	}
	if receiver.Str == "" {
		return value.Nil(), nil
	}
	return value.NewString(receiver.Str[:1]), nil
}

func biStrLast(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("last() takes no arguments")
	}
	if receiver.Str == "" {
		return value.Nil(), nil
	}
	return value.NewString(receiver.Str[len(receiver.Str)-1:]), nil
}

func biStartsWith(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Nil(), fmt.Errorf("starts_with() expects 1 argument")
	}
	p, err := wantString(args[0], "starts_with()")
	if err != nil {
		return value.Nil(), err
	}
	return value.NewBool(strings.HasPrefix(receiver.Str, p)), nil
}

func biEndsWith(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Nil(), fmt.Errorf("ends_with() expects 1 argument")
	}
	p, err := wantString(args[0], "ends_with()")
	if err != nil {
		return value.Nil(), err
	}
	return value.NewBool(strings.HasSuffix(receiver.Str, p)), nil
}

func biIsNumber(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("is_number() takes no arguments")
	}
	_, err := strconv.ParseFloat(receiver.Str, 64)
	return value.NewBool(err == nil), nil
}

func biIsSpace(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("is_space() takes no arguments")
	}
	if len(receiver.Str) != 1 {
		return value.Nil(), fmt.Errorf("is_space() expects a single character string")
	}
	return value.NewBool(isSpaceByte(receiver.Str[0])), nil
}

func biIsAllSpaces(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("is_all_spaces() takes no arguments")
	}
	for i := 0; i < len(receiver.Str); i++ {
		if !isSpaceByte(receiver.Str[i]) {
			return value.NewBool(false), nil
		}
	}
	return value.NewBool(true), nil
}

func isSpaceByte(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}

func biStrTrim(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("trim() takes no arguments")
	}
	return value.NewString(strings.Trim(receiver.Str, " \t\n\r")), nil
}

func biToArray(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("to_array() takes no arguments")
	}
	elems := make([]value.Value, len(receiver.Str))
	for i := 0; i < len(receiver.Str); i++ {
		elems[i] = value.NewString(string(receiver.Str[i]))
	}
	return value.NewArray(elems), nil
}

func biReplace(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Nil(), fmt.Errorf("replace() expects 2 arguments")
	}
	target, err := wantString(args[0], "replace()")
	if err != nil {
		return value.Nil(), err
	}
	repl, err := wantString(args[1], "replace()")
	if err != nil {
		return value.Nil(), err
	}
	if target == "" {
		return value.Nil(), fmt.Errorf("replace() target cannot be empty")
	}
	return value.NewString(strings.ReplaceAll(receiver.Str, target, repl)), nil
}

func biStrCount(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Nil(), fmt.Errorf("count() expects 1 argument")
	}
	sub, err := wantString(args[0], "count()")
	if err != nil {
		return value.Nil(), err
	}
	if sub == "" {
		return value.Nil(), fmt.Errorf("count() the first argument cannot be empty")
	}
	return value.NewNumber(float64(strings.Count(receiver.Str, sub))), nil
}

// biStrSlice throws on an invalid range, unlike the array slice which clamps
// (§9: "a deliberate asymmetry" between STR_SLICE and array SLICE).
func biStrSlice(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Nil(), fmt.Errorf("slice() expects 2 arguments")
	}
	startF, err := wantNumber(args[0], "slice()")
	if err != nil {
		return value.Nil(), err
	}
	lenF, err := wantNumber(args[1], "slice()")
	if err != nil {
		return value.Nil(), err
	}
	start, length := int(startF), int(lenF)
	s := receiver.Str
	if start < 0 || length < 0 || start >= len(s) {
		return value.Nil(), fmt.Errorf("slice() invalid range")
	}
	end := start + length
	if end > len(s) {
		end = len(s)
	}
	return value.NewString(s[start:end]), nil
}

func biToNumber(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("to_number() takes no arguments")
	}
	n, err := strconv.ParseFloat(receiver.Str, 64)
	if err != nil {
		return value.Nil(), fmt.Errorf("Not a valid number")
	}
	return value.NewNumber(n), nil
}

// ---- array ----

func biArrayLength(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("length() takes no arguments")
	}
	return value.NewNumber(float64(len(wantArray(receiver).Elements))), nil
}

func biArrayIsEmpty(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("is_empty() takes no arguments")
	}
	return value.NewBool(len(wantArray(receiver).Elements) == 0), nil
}

func biArrayPush(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	arr := wantArray(receiver)
	arr.Elements = append(arr.Elements, args...)
	return value.Nil(), nil
}

func biArrayPop(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("pop() takes no arguments")
	}
	arr := wantArray(receiver)
	if len(arr.Elements) == 0 {
		return value.Nil(), nil
	}
	last := arr.Elements[len(arr.Elements)-1]
	arr.Elements = arr.Elements[:len(arr.Elements)-1]
	return last, nil
}

func biArrayClear(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("clear() takes no arguments")
	}
	arr := wantArray(receiver)
	arr.Elements = nil
	return value.Nil(), nil
}

func biArrayContains(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Nil(), fmt.Errorf("contains() expects 1 argument")
	}
	arr := wantArray(receiver)
	for _, v := range arr.Elements {
		if value.Equal(v, args[0]) {
			return value.NewBool(true), nil
		}
	}
	return value.NewBool(false), nil
}

func biArrayIndexOf(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Nil(), fmt.Errorf("first_index() expects 1 argument")
	}
	arr := wantArray(receiver)
	for i, v := range arr.Elements {
		if value.Equal(v, args[0]) {
			return value.NewNumber(float64(i)), nil
		}
	}
	return value.NewNumber(-1), nil
}

// biArrayLastIndexOf returns -1 on no match, including on an empty array —
// the reference implementation's unsigned backward counter wraps instead,
// but -1 is the behavior that counter was meant to produce (§8 open question).
func biArrayLastIndexOf(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Nil(), fmt.Errorf("last_index() expects 1 argument")
	}
	arr := wantArray(receiver)
	for i := len(arr.Elements) - 1; i >= 0; i-- {
		if value.Equal(arr.Elements[i], args[0]) {
			return value.NewNumber(float64(i)), nil
		}
	}
	return value.NewNumber(-1), nil
}

func biArrayInsert(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Nil(), fmt.Errorf("insert() expects 2 arguments")
	}
	idxF, err := wantNumber(args[0], "insert()")
	if err != nil {
		return value.Nil(), err
	}
	arr := wantArray(receiver)
	idx := int(idxF)
	if idx < 0 || idx > len(arr.Elements) {
		return value.Nil(), fmt.Errorf("Index out of bounds")
	}
	arr.Elements = slices.Insert(arr.Elements, idx, args[1])
	return value.Nil(), nil
}

func biArrayRemoveAt(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Nil(), fmt.Errorf("remove() expects 1 argument")
	}
	idxF, err := wantNumber(args[0], "remove()")
	if err != nil {
		return value.Nil(), err
	}
	arr := wantArray(receiver)
	idx := int(idxF)
	if idx < 0 || idx >= len(arr.Elements) {
		return value.Nil(), nil
	}
	removed := arr.Elements[idx]
	arr.Elements = slices.Delete(arr.Elements, idx, idx+1)
	return removed, nil
}

func biArrayReverse(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("reverse() takes no arguments")
	}
	arr := wantArray(receiver)
	slices.Reverse(arr.Elements)
	return value.Nil(), nil
}

func biArrayFirst(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("first() takes no arguments")
	}
	arr := wantArray(receiver)
	if len(arr.Elements) == 0 {
		return value.Nil(), nil
	}
	return arr.Elements[0], nil
}

func biArrayLast(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("last() takes no arguments")
	}
	arr := wantArray(receiver)
	if len(arr.Elements) == 0 {
		return value.Nil(), nil
	}
	return arr.Elements[len(arr.Elements)-1], nil
}

// biArraySlice clamps start/end to bounds and never throws, unlike the
// string slice (§9).
func biArraySlice(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) < 1 || len(args) > 2 {
		return value.Nil(), fmt.Errorf("slice() expects 1 or 2 arguments")
	}
	arr := wantArray(receiver)
	startF, err := wantNumber(args[0], "slice()")
	if err != nil {
		return value.Nil(), err
	}
	end := len(arr.Elements)
	if len(args) == 2 {
		endF, err := wantNumber(args[1], "slice()")
		if err != nil {
			return value.Nil(), err
		}
		end = int(endF)
	}
	start := int(startF)
	if start < 0 {
		start = 0
	}
	if start > len(arr.Elements) {
		start = len(arr.Elements)
	}
	if end > len(arr.Elements) {
		end = len(arr.Elements)
	}
	if end < start {
		end = start
	}
	out := make([]value.Value, end-start)
	copy(out, arr.Elements[start:end])
	return value.NewArray(out), nil
}

func biArrayCopy(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("copy() takes no arguments")
	}
	arr := wantArray(receiver)
	out := make([]value.Value, len(arr.Elements))
	copy(out, arr.Elements)
	return value.NewArray(out), nil
}

func biArrayConcat(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Nil(), fmt.Errorf("concat() expects 1 argument")
	}
	if args[0].Type != value.Array {
		return value.Nil(), fmt.Errorf("concat() argument must be an array")
	}
	arr := wantArray(receiver)
	other := wantArray(args[0])
	out := make([]value.Value, 0, len(arr.Elements)+len(other.Elements))
	out = append(out, arr.Elements...)
	out = append(out, other.Elements...)
	return value.NewArray(out), nil
}

func biArraySwap(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Nil(), fmt.Errorf("swap() expects 2 arguments")
	}
	iF, err := wantNumber(args[0], "swap()")
	if err != nil {
		return value.Nil(), err
	}
	jF, err := wantNumber(args[1], "swap()")
	if err != nil {
		return value.Nil(), err
	}
	arr := wantArray(receiver)
	i, j := int(iF), int(jF)
	if i < 0 || j < 0 || i >= len(arr.Elements) || j >= len(arr.Elements) {
		return value.Nil(), fmt.Errorf("Index out of bounds")
	}
	arr.Elements[i], arr.Elements[j] = arr.Elements[j], arr.Elements[i]
	return value.Nil(), nil
}

func biArrayCount(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Nil(), fmt.Errorf("count() expects 1 argument")
	}
	arr := wantArray(receiver)
	c := 0
	for _, v := range arr.Elements {
		if value.Equal(v, args[0]) {
			c++
		}
	}
	return value.NewNumber(float64(c)), nil
}

func biArrayEquals(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 1 || args[0].Type != value.Array {
		return value.NewBool(false), nil
	}
	a := wantArray(receiver).Elements
	b := wantArray(args[0]).Elements
	if len(a) != len(b) {
		return value.NewBool(false), nil
	}
	for i := range a {
		if !value.Equal(a[i], b[i]) {
			return value.NewBool(false), nil
		}
	}
	return value.NewBool(true), nil
}

func biArrayJoin(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Nil(), fmt.Errorf("join() expects 1 argument")
	}
	sep, err := wantString(args[0], "join()")
	if err != nil {
		return value.Nil(), err
	}
	arr := wantArray(receiver)
	parts := make([]string, len(arr.Elements))
	for i, v := range arr.Elements {
		parts[i] = value.Stringify(v)
	}
	return value.NewString(strings.Join(parts, sep)), nil
}

func numericElements(arr *value.ArrayObj, who string) ([]float64, error) {
	out := make([]float64, len(arr.Elements))
	for i, v := range arr.Elements {
		if v.Type != value.Number {
			return nil, fmt.Errorf("%s only works on numeric arrays", who)
		}
		out[i] = v.Num
	}
	return out, nil
}

func biArraySum(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("sum() takes no arguments")
	}
	nums, err := numericElements(wantArray(receiver), "sum()")
	if err != nil {
		return value.Nil(), err
	}
	total := 0.0
	for _, n := range nums {
		total += n
	}
	return value.NewNumber(total), nil
}

func biArrayMin(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("min() takes no arguments")
	}
	arr := wantArray(receiver)
	if len(arr.Elements) == 0 {
		return value.Nil(), fmt.Errorf("min() of empty array")
	}
	nums, err := numericElements(arr, "min()")
	if err != nil {
		return value.Nil(), err
	}
	m := nums[0]
	for _, n := range nums[1:] {
		if n < m {
			m = n
		}
	}
	return value.NewNumber(m), nil
}

func biArrayMax(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("max() takes no arguments")
	}
	arr := wantArray(receiver)
	if len(arr.Elements) == 0 {
		return value.Nil(), fmt.Errorf("max() of empty array")
	}
	nums, err := numericElements(arr, "max()")
	if err != nil {
		return value.Nil(), err
	}
	m := nums[0]
	for _, n := range nums[1:] {
		if n > m {
			m = n
		}
	}
	return value.NewNumber(m), nil
}

func biArrayAverage(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("average() takes no arguments")
	}
	arr := wantArray(receiver)
	if len(arr.Elements) == 0 {
		return value.Nil(), fmt.Errorf("average() of empty array")
	}
	nums, err := numericElements(arr, "average()")
	if err != nil {
		return value.Nil(), err
	}
	total := 0.0
	for _, n := range nums {
		total += n
	}
	return value.NewNumber(total / float64(len(nums))), nil
}

func biArrayTrim(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 1 {
		return value.Nil(), fmt.Errorf("trim() expects 1 argument")
	}
	nF, err := wantNumber(args[0], "trim()")
	if err != nil {
		return value.Nil(), err
	}
	arr := wantArray(receiver)
	n := int(nF)
	if n < 0 {
		n = 0
	}
	if n < len(arr.Elements) {
		arr.Elements = arr.Elements[:n]
	}
	return value.Nil(), nil
}

// ---- globals (free functions, bound to a null receiver) ----

func biInput(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	prompt := ""
	if len(args) != 0 {
		p, err := wantString(args[0], "input()")
		if err != nil {
			return value.Nil(), err
		}
		prompt = p
	}
	fmt.Fprint(vm.Stdout, prompt)
	line, err := readLine(vm.Stdin)
	if err != nil {
		return value.Nil(), nil
	}
	return value.NewString(line), nil
}

func biFill(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	elems := make([]value.Value, len(args))
	copy(elems, args)
	return value.NewArray(elems), nil
}

func biInit(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Nil(), fmt.Errorf("init() takes exactly 2 arguments")
	}
	sizeF, err := wantNumber(args[0], "init()")
	if err != nil {
		return value.Nil(), fmt.Errorf("init() size must be a number")
	}
	size := int(sizeF)
	if size < 0 {
		return value.Nil(), fmt.Errorf("init() size must be >= 0")
	}
	elems := make([]value.Value, size)
	for i := range elems {
		elems[i] = args[1]
	}
	return value.NewArray(elems), nil
}

func biArrayInput(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Nil(), fmt.Errorf("array_input() takes exactly 2 arguments")
	}
	countF, err := wantNumber(args[0], "array_input()")
	if err != nil {
		return value.Nil(), fmt.Errorf("array_input() count must be a number")
	}
	prompt, err := wantString(args[1], "array_input()")
	if err != nil {
		return value.Nil(), fmt.Errorf("array_input() prompt must be a string")
	}
	count := int(countF)
	if count < 0 {
		return value.Nil(), fmt.Errorf("array_input() count must be >= 0")
	}
	elems := make([]value.Value, 0, count)
	for i := 0; i < count; i++ {
		fmt.Fprint(vm.Stdout, prompt)
		line, err := readLine(vm.Stdin)
		if err != nil {
			line = ""
		}
		elems = append(elems, value.NewString(line))
	}
	return value.NewArray(elems), nil
}

func biRandom(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 0 {
		return value.Nil(), fmt.Errorf("random() takes no arguments")
	}
	return value.NewNumber(vm.rng.Float64()), nil
}

func biRandomInteger(vm *VM, receiver value.Value, args []value.Value) (value.Value, error) {
	if len(args) != 2 {
		return value.Nil(), fmt.Errorf("random_integer() takes exactly 2 arguments")
	}
	aF, err1 := wantNumber(args[0], "random_integer()")
	bF, err2 := wantNumber(args[1], "random_integer()")
	if err1 != nil || err2 != nil {
		return value.Nil(), fmt.Errorf("random_integer() arguments must be numbers")
	}
	a, b := int(aF), int(bF)
	if a > b {
		return value.Nil(), fmt.Errorf("random_integer() first argument must be <= second")
	}
	return value.NewNumber(float64(a + vm.rng.Intn(b-a+1))), nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}
