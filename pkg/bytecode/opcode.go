package bytecode

// Opcode is the one-byte instruction tag recognised by the VM executor.
// Arithmetic, comparison, and constant opcodes are monomorphic: the compiler
// picks the variant from its type stack, so the executor never inspects tags
// on the hot paths.
type Opcode byte

const (
	OpReturn Opcode = iota
	OpNop
	OpPop
	OpSwap
	OpNull
	OpNullPointer

	// Constants. Operand: one-byte constant-pool index. The executor pushes
	// the indexed constant; the per-type split exists for the compiler's type
	// stack and the disassembler.
	OpConstantInt
	OpConstantDouble
	OpConstantBool
	OpConstantCharacter
	OpConstantString
	OpConstantFunction

	// Unary.
	OpNegateInt
	OpNegateDouble
	OpNotNumber
	OpNotBool
	OpHeapReference
	OpDereference

	// Binary arithmetic. Pointer forms take (Pointer, Integer) and scale the
	// integer by one Value cell. ADD_OBJECT concatenates two strings.
	OpAddInt
	OpAddDouble
	OpAddPointer
	OpAddObject
	OpSubInt
	OpSubDouble
	OpSubPointer
	OpMulInt
	OpMulDouble
	OpDivInt
	OpDivDouble

	// Comparison.
	OpGreaterInt
	OpGreaterDouble
	OpLessInt
	OpLessDouble
	OpGreaterEqualInt
	OpGreaterEqualDouble
	OpLessEqualInt
	OpLessEqualDouble
	OpEquality

	// Casts. POINTER_CAST takes a one-byte target tag; the OBJECT_CAST pair
	// takes a one-byte constant index of the target template.
	OpArithmeticCastIntDouble
	OpArithmeticCastDoubleInt
	OpArithmeticCastCharInt
	OpArithmeticCastCharDouble
	OpArithmeticCastIntChar
	OpPointerCast
	OpObjectCast
	OpObjectCastPtr

	// Variables. GLOBAL_* take a one-byte constant index of the name;
	// LOCAL_* take a one-byte frame slot. LOCAL_SET and GLOBAL_SET peek
	// rather than pop. ASSIGN stores through a reference.
	OpGlobalDefine
	OpGlobalSet
	OpGlobalGet
	OpLocalSet
	OpLocalGet
	OpAssign

	// Structs and modules. Name operands are one-byte constant indices.
	OpStructInstance
	OpStructGet
	OpStructSet
	OpModuleDefine
	OpModuleGet
	OpModuleSet
	OpImport

	// Control flow. Offsets are two-byte big-endian.
	OpJump
	OpJumpIfFalse
	OpJumpIfTrue
	OpLoop

	OpCall
	OpPrint
)

// opInfo pairs the mnemonic with the operand width in bytes.
var opInfo = [...]struct {
	name  string
	width int
}{
	OpReturn:      {"RETURN", 0},
	OpNop:         {"NOP", 0},
	OpPop:         {"POP", 0},
	OpSwap:        {"SWAP", 0},
	OpNull:        {"NULL", 0},
	OpNullPointer: {"NULL_POINTER", 0},

	OpConstantInt:       {"CONSTANT_INT", 1},
	OpConstantDouble:    {"CONSTANT_DOUBLE", 1},
	OpConstantBool:      {"CONSTANT_BOOL", 1},
	OpConstantCharacter: {"CONSTANT_CHARACTER", 1},
	OpConstantString:    {"CONSTANT_STRING", 1},
	OpConstantFunction:  {"CONSTANT_FUNCTION", 1},

	OpNegateInt:     {"NEGATE_INT", 0},
	OpNegateDouble:  {"NEGATE_DOUBLE", 0},
	OpNotNumber:     {"NOT_NUMBER", 0},
	OpNotBool:       {"NOT_BOOL", 0},
	OpHeapReference: {"HEAP_REFERENCE", 0},
	OpDereference:   {"DEREFERENCE", 0},

	OpAddInt:     {"ADD_INT", 0},
	OpAddDouble:  {"ADD_DOUBLE", 0},
	OpAddPointer: {"ADD_POINTER", 0},
	OpAddObject:  {"ADD_OBJECT", 0},
	OpSubInt:     {"SUB_INT", 0},
	OpSubDouble:  {"SUB_DOUBLE", 0},
	OpSubPointer: {"SUB_POINTER", 0},
	OpMulInt:     {"MUL_INT", 0},
	OpMulDouble:  {"MUL_DOUBLE", 0},
	OpDivInt:     {"DIV_INT", 0},
	OpDivDouble:  {"DIV_DOUBLE", 0},

	OpGreaterInt:         {"GREATER_INT", 0},
	OpGreaterDouble:      {"GREATER_DOUBLE", 0},
	OpLessInt:            {"LESS_INT", 0},
	OpLessDouble:         {"LESS_DOUBLE", 0},
	OpGreaterEqualInt:    {"GREATER_EQUAL_INT", 0},
	OpGreaterEqualDouble: {"GREATER_EQUAL_DOUBLE", 0},
	OpLessEqualInt:       {"LESS_EQUAL_INT", 0},
	OpLessEqualDouble:    {"LESS_EQUAL_DOUBLE", 0},
	OpEquality:           {"EQUALITY", 0},

	OpArithmeticCastIntDouble:  {"ARITHMETIC_CAST_INT_DOUBLE", 0},
	OpArithmeticCastDoubleInt:  {"ARITHMETIC_CAST_DOUBLE_INT", 0},
	OpArithmeticCastCharInt:    {"ARITHMETIC_CAST_CHAR_INT", 0},
	OpArithmeticCastCharDouble: {"ARITHMETIC_CAST_CHAR_DOUBLE", 0},
	OpArithmeticCastIntChar:    {"ARITHMETIC_CAST_INT_CHAR", 0},
	OpPointerCast:              {"POINTER_CAST", 1},
	OpObjectCast:               {"OBJECT_CAST", 1},
	OpObjectCastPtr:            {"OBJECT_CAST_PTR", 1},

	OpGlobalDefine: {"GLOBAL_DEFINE", 1},
	OpGlobalSet:    {"GLOBAL_SET", 1},
	OpGlobalGet:    {"GLOBAL_GET", 1},
	OpLocalSet:     {"LOCAL_SET", 1},
	OpLocalGet:     {"LOCAL_GET", 1},
	OpAssign:       {"ASSIGN", 0},

	OpStructInstance: {"STRUCT_INSTANCE", 1},
	OpStructGet:      {"STRUCT_GET", 1},
	OpStructSet:      {"STRUCT_SET", 1},
	OpModuleDefine:   {"MODULE_DEFINE", 1},
	OpModuleGet:      {"MODULE_GET", 1},
	OpModuleSet:      {"MODULE_SET", 1},
	OpImport:         {"IMPORT", 1},

	OpJump:        {"JUMP", 2},
	OpJumpIfFalse: {"JUMP_IF_FALSE", 2},
	OpJumpIfTrue:  {"JUMP_IF_TRUE", 2},
	OpLoop:        {"LOOP", 2},

	OpCall:  {"CALL", 1},
	OpPrint: {"PRINT", 0},
}

// String returns the mnemonic.
func (op Opcode) String() string {
	if int(op) < len(opInfo) && opInfo[op].name != "" {
		return opInfo[op].name
	}
	return "UNKNOWN"
}

// OperandWidth returns the number of operand bytes following the opcode.
func (op Opcode) OperandWidth() int {
	if int(op) < len(opInfo) {
		return opInfo[op].width
	}
	return 0
}
