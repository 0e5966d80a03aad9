package bytecode

import (
	"fmt"
	"strings"
)

// DisassembleChunk renders a whole chunk, one instruction per line.
func DisassembleChunk(c *Chunk, name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "== %s ==\n", name)
	for offset := 0; offset < len(c.Code); {
		line, next := DisassembleInstruction(c, offset)
		b.WriteString(line)
		b.WriteByte('\n')
		offset = next
	}
	return b.String()
}

// DisassembleInstruction renders the instruction at offset and returns the
// offset of the next instruction. Walking a chunk with it visits exactly the
// instruction boundaries.
func DisassembleInstruction(c *Chunk, offset int) (string, int) {
	var b strings.Builder
	fmt.Fprintf(&b, "%04d ", offset)
	if offset > 0 && c.Lines[offset] == c.Lines[offset-1] {
		b.WriteString("   | ")
	} else {
		fmt.Fprintf(&b, "%4d ", c.Lines[offset])
	}

	op := Opcode(c.Code[offset])
	switch op.OperandWidth() {
	case 0:
		b.WriteString(op.String())
		return b.String(), offset + 1
	case 1:
		operand := c.Code[offset+1]
		switch op {
		case OpConstantInt, OpConstantDouble, OpConstantBool, OpConstantCharacter,
			OpConstantString, OpConstantFunction, OpGlobalDefine, OpGlobalSet,
			OpGlobalGet, OpStructInstance, OpStructGet, OpStructSet,
			OpModuleDefine, OpModuleGet, OpModuleSet, OpObjectCast,
			OpObjectCastPtr, OpImport:
			fmt.Fprintf(&b, "%-26s %4d '%s'", op, operand, c.Constants[operand])
		case OpPointerCast:
			fmt.Fprintf(&b, "%-26s %4d '%s'", op, operand, ValueType(operand))
		default:
			fmt.Fprintf(&b, "%-26s %4d", op, operand)
		}
		return b.String(), offset + 2
	case 2:
		operand := int(c.Code[offset+1])<<8 | int(c.Code[offset+2])
		target := offset + 3 + operand
		if op == OpLoop {
			target = offset + 3 - operand
		}
		fmt.Fprintf(&b, "%-26s %4d -> %d", op, operand, target)
		return b.String(), offset + 3
	default:
		fmt.Fprintf(&b, "unknown opcode %d", c.Code[offset])
		return b.String(), offset + 1
	}
}
