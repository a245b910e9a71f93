package chunk

import (
	"testing"

	"carblang/internal/value"
)

func TestWriteAppendsCodeAndLine(t *testing.T) {
	c := New()
	c.Write(byte(OpTrue), 1)
	c.Write(byte(OpReturn), 2)

	if len(c.Code) != 2 || len(c.Lines) != 2 {
		t.Fatalf("expected 2 code bytes and 2 lines, got %d/%d", len(c.Code), len(c.Lines))
	}
	if c.Lines[0] != 1 || c.Lines[1] != 2 {
		t.Fatalf("unexpected line table: %v", c.Lines)
	}
}

func TestAddConstantReturnsIndex(t *testing.T) {
	c := New()
	idx1, err := c.AddConstant(value.NewNumber(1))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	idx2, err := c.AddConstant(value.NewNumber(2))
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if idx1 != 0 || idx2 != 1 {
		t.Fatalf("expected sequential indices 0,1, got %d,%d", idx1, idx2)
	}
}

func TestAddConstantRejectsOverflow(t *testing.T) {
	c := New()
	for i := 0; i < MaxConstants; i++ {
		if _, err := c.AddConstant(value.NewNumber(float64(i))); err != nil {
			t.Fatalf("unexpected error adding constant %d: %s", i, err)
		}
	}
	if _, err := c.AddConstant(value.NewNumber(999)); err == nil {
		t.Fatalf("expected an error once constant pool exceeds %d entries", MaxConstants)
	}
}

func TestOpCodeString(t *testing.T) {
	if OpConstant.String() != "OP_CONSTANT" {
		t.Errorf("unexpected String() for OpConstant: %s", OpConstant.String())
	}
	if OpDefineGlobal.String() != "OP_DEFINE_GLOBAL" {
		t.Errorf("unexpected String() for OpDefineGlobal: %s", OpDefineGlobal.String())
	}
}
