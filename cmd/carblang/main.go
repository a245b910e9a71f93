package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"carblang/internal/ast"
	"carblang/internal/compiler"
	"carblang/internal/diag"
	"carblang/internal/lexer"
	"carblang/internal/parser"
	"carblang/internal/vm"
)

// Exit codes per §6: 64 usage, 65 parse error, 70 runtime error, 74 I/O
// error, 0 success.
const (
	exitUsage   = 64
	exitParse   = 65
	exitRuntime = 70
	exitIO      = 74
	exitOK      = 0
)

func main() {
	showDisasm := flag.Bool("disasm", false, "print bytecode disassembly to stdout before running")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: carblang [-disasm] [script]\n")
	}
	flag.Parse()

	args := flag.Args()
	switch len(args) {
	case 0:
		startREPL(*showDisasm)
	case 1:
		os.Exit(runFile(args[0], *showDisasm))
	default:
		flag.Usage()
		os.Exit(exitUsage)
	}
}

func runFile(filename string, showDisasm bool) int {
	content, err := os.ReadFile(filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return exitIO
	}

	program, errs := compile(string(content))
	if len(errs) > 0 {
		for _, d := range errs {
			fmt.Fprintln(os.Stderr, d.Error())
		}
		return exitParse
	}

	c, err := compiler.Compile(program)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Compile error: %s\n", err)
		return exitParse
	}

	if showDisasm {
		c.DisassembleAll(filename)
	}

	machine := vm.New()
	if _, err := machine.Run(c); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		return exitRuntime
	}
	return exitOK
}

// compile runs the lexer and parser, converting accumulated ParseErrors into
// diag.Diagnostic for rendering. Compile and runtime errors are printed
// separately by the callers.
func compile(source string) (*ast.Program, []diag.Diagnostic) {
	l := lexer.New(source)
	p := parser.New(l)
	program := p.ParseProgram()

	var errs []diag.Diagnostic
	for _, e := range p.Errors() {
		errs = append(errs, diag.Diagnostic{Line: e.Line, Where: e.Where, Message: e.Message})
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return program, nil
}

// startREPL mirrors original_source's run_instructions loop: one shared VM
// whose globals persist across lines, reading until EOF or "exit".
func startREPL(showDisasm bool) {
	machine := vm.New()
	reader := bufio.NewReader(os.Stdin)
	interactive := isatty.IsTerminal(os.Stdin.Fd())

	for {
		if interactive {
			fmt.Print("> ")
		}
		line, err := reader.ReadString('\n')
		if strings.TrimSpace(line) == "exit" {
			return
		}
		if strings.TrimSpace(line) != "" {
			runLine(machine, line, showDisasm)
		}
		if err != nil {
			return
		}
	}
}

func runLine(machine *vm.VM, line string, showDisasm bool) {
	l := lexer.New(line)
	p := parser.New(l)
	program := p.ParseProgram()
	if len(p.Errors()) > 0 {
		for _, e := range p.Errors() {
			d := diag.Diagnostic{Line: e.Line, Where: e.Where, Message: e.Message}
			fmt.Fprintln(os.Stderr, d.Error())
		}
		return
	}

	c, err := compiler.Compile(program)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Compile error: %s\n", err)
		return
	}

	if showDisasm {
		c.DisassembleAll("repl")
		fmt.Fprintf(os.Stderr, "(%s bytes)\n", humanize.Comma(int64(len(c.Code))))
	}

	if _, err := machine.Run(c); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}
