package bytecode

import (
	"fmt"
	"strconv"
)

// ValueType discriminates the tagged Value union. It doubles as the
// compile-time "type" of a stack slot: the compiler keeps a stack of these
// mirroring the runtime value stack.
type ValueType int

const (
	ValueNull ValueType = iota
	ValueInteger
	ValueDouble
	ValueBool
	ValueCharacter
	ValuePointer
	ValueObject
)

// String renders the tag the way declarations spell it.
func (t ValueType) String() string {
	switch t {
	case ValueNull:
		return "void"
	case ValueInteger:
		return "int"
	case ValueDouble:
		return "double"
	case ValueBool:
		return "bool"
	case ValueCharacter:
		return "char"
	case ValuePointer:
		return "pointer"
	case ValueObject:
		return "object"
	default:
		return "unknown"
	}
}

// IsNumberType reports whether the tag participates in arithmetic promotion.
func IsNumberType(t ValueType) bool {
	return t == ValueInteger || t == ValueDouble
}

// Pointer is the payload of a pointer-tagged value: a window into a backing
// store of Value cells (a Reference cell or a Memory array) plus the cell
// index and the pointee tag used for load typing. Pointer arithmetic moves
// the index; a nil Cells slice is the null pointer.
type Pointer struct {
	Cells   []Value
	Index   int
	Pointee ValueType
}

// Value is the tagged union flowing through the stack, the constant pool,
// the globals table, and every object field.
type Value struct {
	Type      ValueType
	integer   int32
	double    float64
	boolean   bool
	character byte
	pointer   *Pointer
	object    Object
}

func NullValue() Value                { return Value{Type: ValueNull} }
func IntegerValue(i int32) Value      { return Value{Type: ValueInteger, integer: i} }
func DoubleValue(d float64) Value     { return Value{Type: ValueDouble, double: d} }
func BoolValue(b bool) Value          { return Value{Type: ValueBool, boolean: b} }
func CharacterValue(c byte) Value     { return Value{Type: ValueCharacter, character: c} }
func PointerValue(p *Pointer) Value   { return Value{Type: ValuePointer, pointer: p} }
func NullPointerValue() Value         { return Value{Type: ValuePointer} }
func ObjectValue(obj Object) Value    { return Value{Type: ValueObject, object: obj} }

func (v Value) AsInteger() int32    { return v.integer }
func (v Value) AsDouble() float64   { return v.double }
func (v Value) AsBool() bool        { return v.boolean }
func (v Value) AsCharacter() byte   { return v.character }
func (v Value) AsPointer() *Pointer { return v.pointer }
func (v Value) AsObject() Object    { return v.object }

func (v Value) IsNull() bool   { return v.Type == ValueNull }
func (v Value) IsNumber() bool { return IsNumberType(v.Type) }

// IsObjectKind reports whether the value holds an object of the given kind.
func (v Value) IsObjectKind(kind ObjectKind) bool {
	return v.Type == ValueObject && v.object != nil && v.object.Kind() == kind
}

// numeric widens either numeric payload to a double for mixed comparison.
func (v Value) numeric() float64 {
	if v.Type == ValueInteger {
		return float64(v.integer)
	}
	return v.double
}

// ValuesEqual is the tag-aware comparator behind EQUALITY. Numbers compare
// numerically across the int/double divide; every other pairing requires tag
// equality and payload equality. Interning makes pointer equality the payload
// equality for strings.
func ValuesEqual(a, b Value) bool {
	if a.IsNumber() && b.IsNumber() {
		return a.numeric() == b.numeric()
	}

	if a.Type != b.Type {
		return false
	}

	switch a.Type {
	case ValueNull:
		return true
	case ValueBool:
		return a.boolean == b.boolean
	case ValueCharacter:
		return a.character == b.character
	case ValuePointer:
		if a.pointer == nil || b.pointer == nil {
			return a.pointer == b.pointer
		}
		return len(a.pointer.Cells) == len(b.pointer.Cells) &&
			a.pointer.Index == b.pointer.Index &&
			(len(a.pointer.Cells) == 0 || &a.pointer.Cells[0] == &b.pointer.Cells[0])
	case ValueObject:
		return a.object == b.object
	default:
		return false
	}
}

// String renders the value the way PRINT writes it.
func (v Value) String() string {
	switch v.Type {
	case ValueNull:
		return "null"
	case ValueInteger:
		return strconv.FormatInt(int64(v.integer), 10)
	case ValueDouble:
		return strconv.FormatFloat(v.double, 'g', -1, 64)
	case ValueBool:
		if v.boolean {
			return "true"
		}
		return "false"
	case ValueCharacter:
		return string(v.character)
	case ValuePointer:
		if v.pointer == nil || v.pointer.Cells == nil {
			return "<nullptr>"
		}
		return fmt.Sprintf("<ptr %s +%d>", v.pointer.Pointee, v.pointer.Index)
	case ValueObject:
		return objectString(v.object)
	default:
		return "<unknown>"
	}
}
