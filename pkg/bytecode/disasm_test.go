package bytecode

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisassembleSimpleChunk(t *testing.T) {
	c := NewChunk()
	idx := c.AddConstant(IntegerValue(7))
	c.Write(byte(OpConstantInt), 1)
	c.Write(byte(idx), 1)
	c.Write(byte(OpPrint), 1)
	c.Write(byte(OpReturn), 2)

	text := DisassembleChunk(c, "test")
	assert.True(t, strings.HasPrefix(text, "== test ==\n"))
	assert.Contains(t, text, "CONSTANT_INT")
	assert.Contains(t, text, "'7'")
	assert.Contains(t, text, "PRINT")
	assert.Contains(t, text, "RETURN")
}

func TestDisassembleInstructionOffsets(t *testing.T) {
	c := NewChunk()
	c.Write(byte(OpNull), 1)
	c.Write(byte(OpLocalGet), 1)
	c.Write(2, 1)
	c.Write(byte(OpJump), 1)
	c.Write(0, 1)
	c.Write(3, 1)
	c.Write(byte(OpReturn), 1)

	_, next := DisassembleInstruction(c, 0)
	assert.Equal(t, 1, next)
	_, next = DisassembleInstruction(c, 1)
	assert.Equal(t, 3, next)

	line, next := DisassembleInstruction(c, 3)
	assert.Equal(t, 6, next)
	// forward jump target is offset + 3 + operand
	assert.Contains(t, line, "JUMP")
	assert.Contains(t, line, "-> 9")

	_, next = DisassembleInstruction(c, 6)
	require.Equal(t, 7, next)
}
