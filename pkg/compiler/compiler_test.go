package compiler

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palladium-lang/palladium/pkg/bytecode"
)

// compileSource compiles, requiring success, and returns the script function.
func compileSource(t *testing.T, source string) *bytecode.Function {
	t.Helper()
	pool := bytecode.NewPool()
	fn, err := Compile(source, pool, WithErrorOutput(io.Discard))
	require.NoError(t, err)
	return fn
}

func compileError(t *testing.T, source string) {
	t.Helper()
	pool := bytecode.NewPool()
	_, err := Compile(source, pool, WithErrorOutput(io.Discard))
	require.ErrorIs(t, err, ErrCompile)
}

// opcodes strips operands, returning just the instruction tags in order.
func opcodes(c *bytecode.Chunk) []bytecode.Opcode {
	var out []bytecode.Opcode
	for offset := 0; offset < len(c.Code); {
		op := bytecode.Opcode(c.Code[offset])
		out = append(out, op)
		offset += 1 + op.OperandWidth()
	}
	return out
}

func TestCompileArithmeticExpression(t *testing.T) {
	fn := compileSource(t, "print 1 + 2 * 3;")

	assert.Equal(t, []bytecode.Opcode{
		bytecode.OpConstantInt, // 1
		bytecode.OpConstantInt, // 2
		bytecode.OpConstantInt, // 3
		bytecode.OpMulInt,
		bytecode.OpAddInt,
		bytecode.OpPrint,
		bytecode.OpReturn,
	}, opcodes(fn.Chunk))

	assert.Equal(t, int32(1), fn.Chunk.Constants[0].AsInteger())
	assert.Equal(t, int32(2), fn.Chunk.Constants[1].AsInteger())
	assert.Equal(t, int32(3), fn.Chunk.Constants[2].AsInteger())
}

func TestCompileEmptySource(t *testing.T) {
	fn := compileSource(t, "")
	assert.Equal(t, []byte{byte(bytecode.OpReturn)}, fn.Chunk.Code)
}

// Every compiled chunk ends with RETURN.
func TestCompileChunkTermination(t *testing.T) {
	sources := []string{
		"",
		"print 1;",
		"int x = 1; x = x + 1;",
		"if (true) print 1; else print 2;",
		"int i = 0; while (i < 3) i = i + 1;",
		"for (int i = 0; i < 3; i = i + 1) print i;",
	}
	for _, source := range sources {
		fn := compileSource(t, source)
		code := fn.Chunk.Code
		require.NotEmpty(t, code, "source %q", source)
		assert.Equal(t, byte(bytecode.OpReturn), code[len(code)-1], "source %q", source)
	}
}

func TestCompileMixedArithmeticPromotion(t *testing.T) {
	// double on the left: the int on top is cast in place
	fn := compileSource(t, "print 1.5 + 2;")
	assert.Equal(t, []bytecode.Opcode{
		bytecode.OpConstantDouble,
		bytecode.OpConstantInt,
		bytecode.OpArithmeticCastIntDouble,
		bytecode.OpAddDouble,
		bytecode.OpPrint,
		bytecode.OpReturn,
	}, opcodes(fn.Chunk))

	// int on the left: swap to reach it, cast, swap back
	fn = compileSource(t, "print 2 + 1.5;")
	assert.Equal(t, []bytecode.Opcode{
		bytecode.OpConstantInt,
		bytecode.OpConstantDouble,
		bytecode.OpSwap,
		bytecode.OpArithmeticCastIntDouble,
		bytecode.OpSwap,
		bytecode.OpAddDouble,
		bytecode.OpPrint,
		bytecode.OpReturn,
	}, opcodes(fn.Chunk))
}

func TestCompileComparisonAndEquality(t *testing.T) {
	fn := compileSource(t, "print 1 < 2;")
	assert.Contains(t, opcodes(fn.Chunk), bytecode.OpLessInt)

	fn = compileSource(t, "print 1.5 >= 0.5;")
	assert.Contains(t, opcodes(fn.Chunk), bytecode.OpGreaterEqualDouble)

	fn = compileSource(t, "print 1 != 2;")
	ops := opcodes(fn.Chunk)
	assert.Contains(t, ops, bytecode.OpEquality)
	assert.Contains(t, ops, bytecode.OpNotBool)
}

func TestCompileUnary(t *testing.T) {
	fn := compileSource(t, "print -5;")
	assert.Contains(t, opcodes(fn.Chunk), bytecode.OpNegateInt)

	fn = compileSource(t, "print -5.5;")
	assert.Contains(t, opcodes(fn.Chunk), bytecode.OpNegateDouble)

	fn = compileSource(t, "print !true;")
	assert.Contains(t, opcodes(fn.Chunk), bytecode.OpNotBool)

	fn = compileSource(t, "print !3;")
	assert.Contains(t, opcodes(fn.Chunk), bytecode.OpNotNumber)
}

func TestCompileStringConcat(t *testing.T) {
	fn := compileSource(t, `print "foo" + "bar";`)
	assert.Equal(t, []bytecode.Opcode{
		bytecode.OpConstantString,
		bytecode.OpConstantString,
		bytecode.OpAddObject,
		bytecode.OpPrint,
		bytecode.OpReturn,
	}, opcodes(fn.Chunk))
}

func TestCompileGlobalDeclaration(t *testing.T) {
	fn := compileSource(t, "int x = 41; x = x + 1; print x;")
	assert.Equal(t, []bytecode.Opcode{
		bytecode.OpConstantInt,
		bytecode.OpGlobalDefine,
		bytecode.OpGlobalGet,
		bytecode.OpConstantInt,
		bytecode.OpAddInt,
		bytecode.OpGlobalSet,
		bytecode.OpPop,
		bytecode.OpGlobalGet,
		bytecode.OpPrint,
		bytecode.OpReturn,
	}, opcodes(fn.Chunk))
}

// Patched jumps land exactly on instruction boundaries.
func TestCompileJumpAlignment(t *testing.T) {
	sources := []string{
		"if (true) print 1;",
		"if (1 < 2) print 1; else print 2;",
		"int i = 0; while (i < 10) { i = i + 1; print i; }",
		"for (int i = 0; i < 3; i = i + 1) print i;",
		"bool b = true; print b and false or true;",
		"fun int f(int n) { if (n < 1) ret 0; ret f(n - 1); } print f(3);",
	}
	for _, source := range sources {
		pool := bytecode.NewPool()
		fn, err := Compile(source, pool, WithErrorOutput(io.Discard))
		require.NoError(t, err, "source %q", source)

		var chunks []*bytecode.Chunk
		chunks = append(chunks, fn.Chunk)
		for _, c := range fn.Chunk.Constants {
			if f, ok := c.AsObject().(*bytecode.Function); c.Type == bytecode.ValueObject && ok {
				chunks = append(chunks, f.Chunk)
			}
		}

		for _, chunk := range chunks {
			boundaries := map[int]bool{}
			for offset := 0; offset < len(chunk.Code); {
				boundaries[offset] = true
				offset += 1 + bytecode.Opcode(chunk.Code[offset]).OperandWidth()
			}
			boundaries[len(chunk.Code)] = true

			for offset := 0; offset < len(chunk.Code); {
				op := bytecode.Opcode(chunk.Code[offset])
				operand := 0
				if op.OperandWidth() == 2 {
					operand = int(chunk.Code[offset+1])<<8 | int(chunk.Code[offset+2])
				}
				switch op {
				case bytecode.OpJump, bytecode.OpJumpIfFalse, bytecode.OpJumpIfTrue:
					assert.True(t, boundaries[offset+3+operand],
						"source %q: jump at %d lands off-boundary at %d", source, offset, offset+3+operand)
				case bytecode.OpLoop:
					assert.True(t, boundaries[offset+3-operand],
						"source %q: loop at %d lands off-boundary at %d", source, offset, offset+3-operand)
				}
				offset += 1 + op.OperandWidth()
			}
		}
	}
}

// The type stack returns to empty once every statement has been compiled.
func TestCompileTypeStackBalance(t *testing.T) {
	sources := []string{
		"print 1 + 2;",
		"int x = 1; x += 2; x *= 3;",
		"1 + 2;",
		"int x = 5; int* p = &x; *p = 7; print x;",
		"bool b = true and false or true;",
		"fun int add(int a, int b) { ret a + b; } print add(1, 2);",
		"struct P { int x; } P p = inst P; p ~ x = 1; print p ~ x;",
	}
	for _, source := range sources {
		pool := bytecode.NewPool()
		c := New(source, pool, WithErrorOutput(io.Discard))
		_, err := c.Compile()
		require.NoError(t, err, "source %q", source)
		assert.Equal(t, 0, c.TypeStackDepth(), "source %q", source)
	}
}

func TestCompilePointerDeclaration(t *testing.T) {
	fn := compileSource(t, "int x = 5; int* p = &x; print *p;")
	ops := opcodes(fn.Chunk)
	assert.Contains(t, ops, bytecode.OpHeapReference)
	assert.Contains(t, ops, bytecode.OpDereference)
}

func TestCompileLocalSlots(t *testing.T) {
	fn := compileSource(t, "{ int a = 1; int b = 2; print a + b; }")
	// a is slot 0, b slot 1; both popped at scope exit
	assert.Equal(t, []bytecode.Opcode{
		bytecode.OpConstantInt,
		bytecode.OpLocalSet,
		bytecode.OpConstantInt,
		bytecode.OpLocalSet,
		bytecode.OpLocalGet,
		bytecode.OpLocalGet,
		bytecode.OpAddInt,
		bytecode.OpPrint,
		bytecode.OpPop,
		bytecode.OpPop,
		bytecode.OpReturn,
	}, opcodes(fn.Chunk))
	assert.Equal(t, []bytecode.ValueType{bytecode.ValueInteger, bytecode.ValueInteger},
		fn.LocalTypes)
}

func TestCompileFunctionMetadata(t *testing.T) {
	fn := compileSource(t, "fun double half(int n) { ret cast n as double / 2.0; }")

	var inner *bytecode.Function
	for _, c := range fn.Chunk.Constants {
		if f, ok := c.AsObject().(*bytecode.Function); c.Type == bytecode.ValueObject && ok {
			inner = f
		}
	}
	require.NotNil(t, inner)
	assert.Equal(t, "half", inner.Name.Chars)
	assert.Equal(t, 1, inner.Arity)
	assert.Equal(t, bytecode.ValueDouble, inner.ReturnType)
	assert.Equal(t, []bytecode.ValueType{bytecode.ValueInteger}, inner.LocalTypes)
	// function chunks end with the implicit null return
	code := inner.Chunk.Code
	assert.Equal(t, byte(bytecode.OpReturn), code[len(code)-1])
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"missing semicolon", "print 1"},
		{"undeclared variable read", "print x;"},
		{"undeclared global assignment", "x = 1;"},
		{"duplicate global", "int x = 1; int x = 2;"},
		{"duplicate local", "{ int x = 1; int x = 2; }"},
		{"initializer type mismatch", "int x = 1.5;"},
		{"assignment type mismatch", "int x = 1; x = true;"},
		{"operator type mismatch", "print 1 + true;"},
		{"compare across types", "print 1 == true;"},
		{"non-bool condition", "if (1) print 1;"},
		{"non-bool while", "while (1) print 1;"},
		{"and on non-bool", "print 1 and true;"},
		{"invalid assignment target", "1 + 2 = 3;"},
		{"negate bool", "print -true;"},
		{"self-referential initializer", "{ int x = x; }"},
		{"call non-function", "int x = 1; x(1);"},
		{"arity mismatch", "fun int id(int n) { ret n; } print id(1, 2);"},
		{"argument type mismatch", "fun int id(int n) { ret n; } print id(true);"},
		{"return type mismatch", "fun int f() { ret true; }"},
		{"value from void", "fun void f() { ret 1; }"},
		{"unterminated string", `print "oops;`},
		{"deref non-pointer", "int x = 1; print *x;"},
		{"template as value", "struct P { int x; } print P;"},
		{"unknown field", "struct P { int x; } P p = inst P; print p ~ y;"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compileError(t, tt.source)
		})
	}
}

// Error recovery: one bad statement does not cascade; compilation still
// fails but reaches the end of the source.
func TestCompileSynchronize(t *testing.T) {
	pool := bytecode.NewPool()
	_, err := Compile("print ; int ok = 1; print ok;", pool, WithErrorOutput(io.Discard))
	assert.ErrorIs(t, err, ErrCompile)
}

func TestCompileStructAndCast(t *testing.T) {
	fn := compileSource(t, `
struct A { int v; }
struct B { int w; }
A a = inst A;
a ~ v = 9;
B b = cast a as B;
print b ~ w;
`)
	ops := opcodes(fn.Chunk)
	assert.Contains(t, ops, bytecode.OpStructInstance)
	assert.Contains(t, ops, bytecode.OpStructSet)
	assert.Contains(t, ops, bytecode.OpStructGet)
	assert.Contains(t, ops, bytecode.OpObjectCast)
}

func TestCompileModule(t *testing.T) {
	fn := compileSource(t, `
nspace counters {
	int total = 0;
}
counters::total = 3;
print counters::total;
`)
	ops := opcodes(fn.Chunk)
	assert.Contains(t, ops, bytecode.OpModuleDefine)
	assert.Contains(t, ops, bytecode.OpModuleSet)
	assert.Contains(t, ops, bytecode.OpModuleGet)
}
