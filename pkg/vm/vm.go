// Package vm implements the stack virtual machine. It executes one chunk at
// a time over a value stack and a bounded call-frame stack, and owns the
// globals table; the string-intern table lives on the Pool it shares with
// the compiler.
//
// Dispatch is a single loop that fetches one byte, switches on it, and
// advances the instruction pointer. The compiler has already proven most
// type facts, so the executor's checks are the residue a correct compiler
// should never trip: null dereference, call of a non-callable, frame
// overflow, return-type mismatch.
package vm

import (
	"fmt"
	"io"
	"os"

	"github.com/palladium-lang/palladium/pkg/bytecode"
	"github.com/palladium-lang/palladium/pkg/stdlib"
)

// FramesMax bounds simultaneously active calls.
const FramesMax = 64

// CallFrame binds an instruction pointer into a chunk, the first stack slot
// the frame owns, and the return tag RETURN validates against.
type CallFrame struct {
	chunk      *bytecode.Chunk
	ip         int
	slot       int
	returnType bytecode.ValueType
}

// VM executes compiled chunks.
type VM struct {
	pool       *bytecode.Pool
	stack      []bytecode.Value
	stackTop   int
	frames     [FramesMax]CallFrame
	frameCount int
	globals    bytecode.Table

	out  io.Writer
	in   io.Reader
	argv []string
}

// Option configures a VM.
type Option func(*VM)

// WithOutput redirects PRINT and the write builtin (default os.Stdout).
func WithOutput(w io.Writer) Option {
	return func(vm *VM) { vm.out = w }
}

// WithInput redirects the readint builtin (default os.Stdin).
func WithInput(r io.Reader) Option {
	return func(vm *VM) { vm.in = r }
}

// WithArgs sets the script-visible argument vector.
func WithArgs(argv []string) Option {
	return func(vm *VM) { vm.argv = argv }
}

// New creates a VM over the pool the chunk was compiled against and installs
// the standard library into its globals.
func New(pool *bytecode.Pool, opts ...Option) *VM {
	vm := &VM{
		pool:  pool,
		stack: make([]bytecode.Value, 8),
		out:   os.Stdout,
		in:    os.Stdin,
	}
	for _, opt := range opts {
		opt(vm)
	}
	stdlib.Install(pool, &vm.globals, stdlib.Options{
		Argv: vm.argv,
		In:   vm.in,
		Out:  vm.out,
	})
	return vm
}

// Globals exposes the globals table for tests and embedders.
func (vm *VM) Globals() *bytecode.Table { return &vm.globals }

// Free releases the VM's tables and the shared pool.
func (vm *VM) Free() {
	vm.globals.Free()
	vm.pool.Free()
}

func (vm *VM) resetStack() {
	vm.stackTop = 0
	vm.frameCount = 0
}

// push grows the stack with the shared doubling policy when full.
func (vm *VM) push(v bytecode.Value) {
	if vm.stackTop == len(vm.stack) {
		grown := make([]bytecode.Value, len(vm.stack)*2)
		copy(grown, vm.stack)
		vm.stack = grown
	}
	vm.stack[vm.stackTop] = v
	vm.stackTop++
}

func (vm *VM) pop() bytecode.Value {
	vm.stackTop--
	return vm.stack[vm.stackTop]
}

func (vm *VM) peek(distance int) bytecode.Value {
	return vm.stack[vm.stackTop-1-distance]
}

func (vm *VM) swap() {
	vm.stack[vm.stackTop-1], vm.stack[vm.stackTop-2] =
		vm.stack[vm.stackTop-2], vm.stack[vm.stackTop-1]
}

// runtimeError builds the error for the instruction whose opcode byte was
// just fetched, then resets the stacks.
func (vm *VM) runtimeError(frame *CallFrame, format string, args ...interface{}) error {
	line := uint32(0)
	if frame.ip > 0 && frame.ip <= len(frame.chunk.Lines) {
		line = frame.chunk.Lines[frame.ip-1]
	}
	vm.resetStack()
	return &RuntimeError{Message: fmt.Sprintf(format, args...), Line: line}
}

// Run executes the function as the initial call frame and loops until it
// returns.
func (vm *VM) Run(fn *bytecode.Function) error {
	vm.resetStack()
	vm.frames[0] = CallFrame{chunk: fn.Chunk, returnType: fn.ReturnType}
	vm.frameCount = 1
	return vm.run()
}

func (vm *VM) run() error {
	for {
		frame := &vm.frames[vm.frameCount-1]

		readByte := func() byte {
			b := frame.chunk.Code[frame.ip]
			frame.ip++
			return b
		}
		readShort := func() int {
			hi := int(frame.chunk.Code[frame.ip])
			lo := int(frame.chunk.Code[frame.ip+1])
			frame.ip += 2
			return hi<<8 | lo
		}
		readConstant := func() bytecode.Value {
			return frame.chunk.Constants[readByte()]
		}
		readName := func() *bytecode.StringObject {
			return readConstant().AsObject().(*bytecode.StringObject)
		}

		switch op := bytecode.Opcode(readByte()); op {
		case bytecode.OpReturn:
			result := bytecode.NullValue()
			if vm.stackTop > frame.slot {
				result = vm.pop()
			}
			if frame.returnType == bytecode.ValueNull {
				if !result.IsNull() {
					return vm.runtimeError(frame, "Return type mismatch.")
				}
			} else if result.Type != frame.returnType {
				return vm.runtimeError(frame, "Return type mismatch.")
			}
			vm.frameCount--
			if vm.frameCount == 0 {
				vm.stackTop = 0
				return nil
			}
			vm.stackTop = frame.slot - 1
			if !result.IsNull() {
				vm.push(result)
			}

		case bytecode.OpNop:

		case bytecode.OpImport:
			// imports are resolved at compile time by source splicing; the
			// opcode survives in the alphabet but carries no behavior
			readByte()

		case bytecode.OpPop:
			if vm.stackTop == 0 {
				return vm.runtimeError(frame, "Stack underflow.")
			}
			vm.pop()

		case bytecode.OpSwap:
			vm.swap()

		case bytecode.OpNull:
			vm.push(bytecode.NullValue())

		case bytecode.OpNullPointer:
			vm.push(bytecode.NullPointerValue())

		case bytecode.OpConstantInt, bytecode.OpConstantDouble,
			bytecode.OpConstantBool, bytecode.OpConstantCharacter,
			bytecode.OpConstantString, bytecode.OpConstantFunction:
			vm.push(readConstant())

		case bytecode.OpNegateInt:
			vm.push(bytecode.IntegerValue(-vm.pop().AsInteger()))

		case bytecode.OpNegateDouble:
			vm.push(bytecode.DoubleValue(-vm.pop().AsDouble()))

		case bytecode.OpNotNumber:
			v := vm.pop()
			positive := false
			if v.Type == bytecode.ValueInteger {
				positive = v.AsInteger() > 0
			} else {
				positive = v.AsDouble() > 0
			}
			vm.push(bytecode.BoolValue(!positive))

		case bytecode.OpNotBool:
			vm.push(bytecode.BoolValue(!vm.pop().AsBool()))

		case bytecode.OpHeapReference:
			v := vm.pop()
			ref := vm.pool.NewReference(v)
			vm.push(bytecode.PointerValue(&bytecode.Pointer{
				Cells:   ref.Cell,
				Pointee: v.Type,
			}))

		case bytecode.OpDereference:
			v := vm.pop()
			switch {
			case v.Type == bytecode.ValuePointer:
				p := v.AsPointer()
				if p == nil || p.Cells == nil {
					return vm.runtimeError(frame, "Cannot dereference null pointer.")
				}
				if p.Index < 0 || p.Index >= len(p.Cells) {
					return vm.runtimeError(frame, "Pointer index out of range.")
				}
				vm.push(p.Cells[p.Index])
			case v.IsObjectKind(bytecode.ObjectReference):
				vm.push(v.AsObject().(*bytecode.Reference).Cell[0])
			case v.IsNull():
				return vm.runtimeError(frame, "Cannot dereference null.")
			default:
				return vm.runtimeError(frame, "Can only dereference pointers and references.")
			}

		case bytecode.OpAddInt:
			b, a := vm.pop(), vm.pop()
			vm.push(bytecode.IntegerValue(a.AsInteger() + b.AsInteger()))

		case bytecode.OpAddDouble:
			b, a := vm.pop(), vm.pop()
			vm.push(bytecode.DoubleValue(a.AsDouble() + b.AsDouble()))

		case bytecode.OpSubInt:
			b, a := vm.pop(), vm.pop()
			vm.push(bytecode.IntegerValue(a.AsInteger() - b.AsInteger()))

		case bytecode.OpSubDouble:
			b, a := vm.pop(), vm.pop()
			vm.push(bytecode.DoubleValue(a.AsDouble() - b.AsDouble()))

		case bytecode.OpMulInt:
			b, a := vm.pop(), vm.pop()
			vm.push(bytecode.IntegerValue(a.AsInteger() * b.AsInteger()))

		case bytecode.OpMulDouble:
			b, a := vm.pop(), vm.pop()
			vm.push(bytecode.DoubleValue(a.AsDouble() * b.AsDouble()))

		case bytecode.OpDivInt:
			b, a := vm.pop(), vm.pop()
			if b.AsInteger() == 0 {
				return vm.runtimeError(frame, "Division by zero.")
			}
			vm.push(bytecode.IntegerValue(a.AsInteger() / b.AsInteger()))

		case bytecode.OpDivDouble:
			b, a := vm.pop(), vm.pop()
			vm.push(bytecode.DoubleValue(a.AsDouble() / b.AsDouble()))

		case bytecode.OpAddPointer, bytecode.OpSubPointer:
			b, a := vm.pop(), vm.pop()
			if a.Type != bytecode.ValuePointer {
				return vm.runtimeError(frame, "Can only index pointers.")
			}
			if b.Type != bytecode.ValueInteger {
				return vm.runtimeError(frame, "Expected integer for index.")
			}
			p := a.AsPointer()
			if p == nil || p.Cells == nil {
				return vm.runtimeError(frame, "Cannot dereference null pointer.")
			}
			delta := int(b.AsInteger())
			if op == bytecode.OpSubPointer {
				delta = -delta
			}
			vm.push(bytecode.PointerValue(&bytecode.Pointer{
				Cells:   p.Cells,
				Index:   p.Index + delta,
				Pointee: p.Pointee,
			}))

		case bytecode.OpAddObject:
			b, a := vm.pop(), vm.pop()
			as, aok := a.AsObject().(*bytecode.StringObject)
			bs, bok := b.AsObject().(*bytecode.StringObject)
			if a.Type != bytecode.ValueObject || b.Type != bytecode.ValueObject || !aok || !bok {
				return vm.runtimeError(frame, "Can only concatenate strings.")
			}
			vm.push(bytecode.ObjectValue(vm.pool.CopyString(as.Chars + bs.Chars)))

		case bytecode.OpGreaterInt:
			b, a := vm.pop(), vm.pop()
			vm.push(bytecode.BoolValue(a.AsInteger() > b.AsInteger()))

		case bytecode.OpGreaterDouble:
			b, a := vm.pop(), vm.pop()
			vm.push(bytecode.BoolValue(a.AsDouble() > b.AsDouble()))

		case bytecode.OpLessInt:
			b, a := vm.pop(), vm.pop()
			vm.push(bytecode.BoolValue(a.AsInteger() < b.AsInteger()))

		case bytecode.OpLessDouble:
			b, a := vm.pop(), vm.pop()
			vm.push(bytecode.BoolValue(a.AsDouble() < b.AsDouble()))

		case bytecode.OpGreaterEqualInt:
			b, a := vm.pop(), vm.pop()
			vm.push(bytecode.BoolValue(a.AsInteger() >= b.AsInteger()))

		case bytecode.OpGreaterEqualDouble:
			b, a := vm.pop(), vm.pop()
			vm.push(bytecode.BoolValue(a.AsDouble() >= b.AsDouble()))

		case bytecode.OpLessEqualInt:
			b, a := vm.pop(), vm.pop()
			vm.push(bytecode.BoolValue(a.AsInteger() <= b.AsInteger()))

		case bytecode.OpLessEqualDouble:
			b, a := vm.pop(), vm.pop()
			vm.push(bytecode.BoolValue(a.AsDouble() <= b.AsDouble()))

		case bytecode.OpEquality:
			b, a := vm.pop(), vm.pop()
			vm.push(bytecode.BoolValue(bytecode.ValuesEqual(a, b)))

		case bytecode.OpArithmeticCastIntDouble:
			vm.push(bytecode.DoubleValue(float64(vm.pop().AsInteger())))

		case bytecode.OpArithmeticCastDoubleInt:
			vm.push(bytecode.IntegerValue(int32(vm.pop().AsDouble())))

		case bytecode.OpArithmeticCastCharInt:
			vm.push(bytecode.IntegerValue(int32(vm.pop().AsCharacter())))

		case bytecode.OpArithmeticCastCharDouble:
			vm.push(bytecode.DoubleValue(float64(vm.pop().AsCharacter())))

		case bytecode.OpArithmeticCastIntChar:
			vm.push(bytecode.CharacterValue(byte(vm.pop().AsInteger())))

		case bytecode.OpPointerCast:
			tag := bytecode.ValueType(readByte())
			v := vm.pop()
			if v.Type != bytecode.ValuePointer {
				return vm.runtimeError(frame, "Can only pointer-cast pointers.")
			}
			p := v.AsPointer()
			if p == nil {
				vm.push(bytecode.PointerValue(&bytecode.Pointer{Pointee: tag}))
			} else {
				vm.push(bytecode.PointerValue(&bytecode.Pointer{
					Cells:   p.Cells,
					Index:   p.Index,
					Pointee: tag,
				}))
			}

		case bytecode.OpObjectCast:
			template := readConstant().AsObject().(*bytecode.StructTemplate)
			v := vm.pop()
			s, ok := v.AsObject().(*bytecode.Struct)
			if v.Type != bytecode.ValueObject || !ok {
				return vm.runtimeError(frame, "Can only cast struct instances.")
			}
			if template.FieldCount() > len(s.Fields.Data) {
				return vm.runtimeError(frame, "Struct cast field mismatch.")
			}
			vm.push(bytecode.ObjectValue(vm.pool.NewStructSharing(template, s.Fields)))

		case bytecode.OpObjectCastPtr:
			template := readConstant().AsObject().(*bytecode.StructTemplate)
			v := vm.pop()
			if v.Type != bytecode.ValuePointer {
				return vm.runtimeError(frame, "Can only cast struct instances.")
			}
			p := v.AsPointer()
			if p == nil || p.Cells == nil {
				return vm.runtimeError(frame, "Cannot dereference null pointer.")
			}
			cell := p.Cells[p.Index]
			s, ok := cell.AsObject().(*bytecode.Struct)
			if cell.Type != bytecode.ValueObject || !ok {
				return vm.runtimeError(frame, "Can only cast struct instances.")
			}
			if template.FieldCount() > len(s.Fields.Data) {
				return vm.runtimeError(frame, "Struct cast field mismatch.")
			}
			p.Cells[p.Index] = bytecode.ObjectValue(vm.pool.NewStructSharing(template, s.Fields))
			vm.push(v)

		case bytecode.OpJump:
			offset := readShort()
			frame.ip += offset

		case bytecode.OpJumpIfFalse:
			offset := readShort()
			if !vm.peek(0).AsBool() {
				frame.ip += offset
			}

		case bytecode.OpJumpIfTrue:
			offset := readShort()
			if vm.peek(0).AsBool() {
				frame.ip += offset
			}

		case bytecode.OpLoop:
			offset := readShort()
			frame.ip -= offset

		case bytecode.OpGlobalDefine:
			name := readName()
			if _, exists := vm.globals.Get(name); exists {
				return vm.runtimeError(frame, "Global variable '%s' already defined.", name.Chars)
			}
			vm.globals.Set(name, vm.pop())

		case bytecode.OpGlobalSet:
			name := readName()
			if _, exists := vm.globals.Get(name); !exists {
				return vm.runtimeError(frame, "Undefined variable '%s'.", name.Chars)
			}
			vm.globals.Set(name, vm.peek(0))

		case bytecode.OpGlobalGet:
			name := readName()
			v, exists := vm.globals.Get(name)
			if !exists {
				return vm.runtimeError(frame, "Undefined variable '%s'.", name.Chars)
			}
			vm.push(v)

		case bytecode.OpLocalSet:
			slot := int(readByte())
			vm.stack[frame.slot+slot] = vm.peek(0)

		case bytecode.OpLocalGet:
			slot := int(readByte())
			vm.push(vm.stack[frame.slot+slot])

		case bytecode.OpAssign:
			value := vm.pop()
			target := vm.pop()
			if target.Type != bytecode.ValuePointer {
				return vm.runtimeError(frame, "Can only assign through references.")
			}
			p := target.AsPointer()
			if p == nil || p.Cells == nil {
				return vm.runtimeError(frame, "Cannot assign through null reference.")
			}
			if p.Index < 0 || p.Index >= len(p.Cells) {
				return vm.runtimeError(frame, "Pointer index out of range.")
			}
			p.Cells[p.Index] = value
			vm.push(value)

		case bytecode.OpStructInstance:
			template := readConstant().AsObject().(*bytecode.StructTemplate)
			vm.push(bytecode.ObjectValue(vm.pool.NewStruct(template)))

		case bytecode.OpStructGet:
			name := readName()
			v := vm.pop()
			s, ok := v.AsObject().(*bytecode.Struct)
			if v.Type != bytecode.ValueObject || !ok {
				return vm.runtimeError(frame, "Only struct instances have fields.")
			}
			idx, found := s.Template.FieldIndices.Get(name)
			if !found {
				return vm.runtimeError(frame, "Undefined field '%s'.", name.Chars)
			}
			vm.push(s.Fields.Data[idx.AsInteger()])

		case bytecode.OpStructSet:
			name := readName()
			value := vm.pop()
			v := vm.pop()
			s, ok := v.AsObject().(*bytecode.Struct)
			if v.Type != bytecode.ValueObject || !ok {
				return vm.runtimeError(frame, "Only struct instances have fields.")
			}
			idx, found := s.Template.FieldIndices.Get(name)
			if !found {
				return vm.runtimeError(frame, "Undefined field '%s'.", name.Chars)
			}
			s.Fields.Data[idx.AsInteger()] = value
			vm.push(value)

		case bytecode.OpModuleDefine:
			module := readConstant().AsObject().(*bytecode.Module)
			if _, exists := vm.globals.Get(module.Name); exists {
				return vm.runtimeError(frame, "Global variable '%s' already defined.", module.Name.Chars)
			}
			vm.globals.Set(module.Name, bytecode.ObjectValue(module))

		case bytecode.OpModuleGet:
			name := readName()
			v := vm.pop()
			m, ok := v.AsObject().(*bytecode.Module)
			if v.Type != bytecode.ValueObject || !ok {
				return vm.runtimeError(frame, "Only namespaces have members.")
			}
			member, found := m.Globals.Get(name)
			if !found {
				return vm.runtimeError(frame, "Undefined member '%s'.", name.Chars)
			}
			vm.push(member)

		case bytecode.OpModuleSet:
			name := readName()
			value := vm.pop()
			v := vm.pop()
			m, ok := v.AsObject().(*bytecode.Module)
			if v.Type != bytecode.ValueObject || !ok {
				return vm.runtimeError(frame, "Only namespaces have members.")
			}
			m.Globals.Set(name, value)
			vm.push(value)

		case bytecode.OpPrint:
			if vm.stackTop == 0 {
				return vm.runtimeError(frame, "Nothing to print.")
			}
			fmt.Fprintln(vm.out, vm.pop())

		case bytecode.OpCall:
			argc := int(readByte())
			callee := vm.peek(argc)
			if callee.Type != bytecode.ValueObject {
				return vm.runtimeError(frame, "Can only call functions.")
			}
			switch fn := callee.AsObject().(type) {
			case *bytecode.Function:
				if argc != fn.Arity {
					return vm.runtimeError(frame, "Expected %d arguments but got %d.", fn.Arity, argc)
				}
				if vm.frameCount == FramesMax {
					return vm.runtimeError(frame, "Stack overflow.")
				}
				vm.frames[vm.frameCount] = CallFrame{
					chunk:      fn.Chunk,
					slot:       vm.stackTop - argc,
					returnType: fn.ReturnType,
				}
				vm.frameCount++
			case *bytecode.Builtin:
				if argc != fn.Arity {
					return vm.runtimeError(frame, "Expected %d arguments but got %d.", fn.Arity, argc)
				}
				result := fn.Fn(argc, vm.stack[vm.stackTop-argc:vm.stackTop])
				vm.stackTop -= argc + 1
				if fn.ReturnType != bytecode.ValueNull {
					vm.push(result)
				}
			default:
				return vm.runtimeError(frame, "Can only call functions.")
			}

		default:
			return vm.runtimeError(frame, "Unknown opcode %d.", byte(op))
		}
	}
}
