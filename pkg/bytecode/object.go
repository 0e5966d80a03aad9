package bytecode

import "fmt"

// ObjectKind discriminates heap entities.
type ObjectKind int

const (
	ObjectString ObjectKind = iota
	ObjectMemory
	ObjectFunction
	ObjectBuiltin
	ObjectStructTemplate
	ObjectStruct
	ObjectReference
	ObjectModule
)

// Object is a heap entity owned by a Pool. Every object carries an intrusive
// next link so teardown is a single walk of the live list.
type Object interface {
	Kind() ObjectKind
	nextObject() Object
	link(Object)
}

// obj is the header embedded by every object kind.
type obj struct {
	next Object
}

func (o *obj) nextObject() Object { return o.next }
func (o *obj) link(n Object)      { o.next = n }

// StringObject is an immutable interned string. Interning guarantees one
// object per distinct character sequence, so pointer equality is semantic
// equality.
type StringObject struct {
	obj
	Chars string
	Hash  uint32
}

func (s *StringObject) Kind() ObjectKind { return ObjectString }

// Length returns the byte length of the string payload.
func (s *StringObject) Length() int { return len(s.Chars) }

// Memory is a flat backing array of Value cells, used as the storage of a
// struct instance and as the target of pointer values.
type Memory struct {
	obj
	Data []Value
}

func (m *Memory) Kind() ObjectKind { return ObjectMemory }

// Function owns the chunk compiled for one function body, plus the metadata
// the call machinery and the disassembler need.
type Function struct {
	obj
	Chunk      *Chunk
	ReturnType ValueType
	Name       *StringObject
	Arity      int
	// LocalTypes records the declared tag of every local slot in declaration
	// order, retained for introspection and debugging.
	LocalTypes []ValueType
}

func (f *Function) Kind() ObjectKind { return ObjectFunction }

// BuiltinFn is the native signature: the argument count and a slice of the
// value stack holding the arguments.
type BuiltinFn func(argCount int, args []Value) Value

// Builtin is a native function registered at VM init.
type Builtin struct {
	obj
	Name       *StringObject
	ReturnType ValueType
	Arity      int
	ArgTypes   []ValueType
	Fn         BuiltinFn
}

func (b *Builtin) Kind() ObjectKind { return ObjectBuiltin }

// StructTemplate is the per-struct-kind descriptor: two parallel tables keyed
// by field name, one holding the declared tag and one the slot position.
// Field order is the insertion order into FieldIndices.
type StructTemplate struct {
	obj
	Name         *StringObject
	FieldTypes   Table
	FieldIndices Table
}

func (t *StructTemplate) Kind() ObjectKind { return ObjectStructTemplate }

// FieldCount returns the number of declared fields.
func (t *StructTemplate) FieldCount() int { return t.FieldIndices.Count() }

// AddField declares a field with the next slot index.
func (t *StructTemplate) AddField(name *StringObject, tag ValueType) {
	t.FieldTypes.Set(name, Value{Type: tag})
	t.FieldIndices.Set(name, IntegerValue(int32(t.FieldIndices.Count())))
}

// Struct is an instance: a template pointer plus a Memory sized to the
// template's field count. Slot i holds the field whose FieldIndices value
// is i.
type Struct struct {
	obj
	Template *StructTemplate
	Fields   *Memory
}

func (s *Struct) Kind() ObjectKind { return ObjectStruct }

// Reference wraps a single owned Value cell, permitting mutable sharing. The
// cell is a length-one slice so pointer values can alias it directly.
type Reference struct {
	obj
	Cell []Value
}

func (r *Reference) Kind() ObjectKind { return ObjectReference }

// Module is a named, name-indexed table of module globals.
type Module struct {
	obj
	Name    *StringObject
	Globals Table
}

func (m *Module) Kind() ObjectKind { return ObjectModule }

// Pool is the arena owning every heap object plus the string intern table.
// The compiler and the VM share one Pool so strings interned at compile time
// are the same objects the VM sees at run time.
type Pool struct {
	heap    Object
	strings Table
}

// NewPool creates an empty arena.
func NewPool() *Pool {
	return &Pool{}
}

// adopt links an object into the intrusive heap list.
func (p *Pool) adopt(o Object) {
	o.link(p.heap)
	p.heap = o
}

// Objects walks the heap list, newest first.
func (p *Pool) Objects() []Object {
	var out []Object
	for o := p.heap; o != nil; o = o.nextObject() {
		out = append(out, o)
	}
	return out
}

// Strings exposes the intern table for lookups and tests.
func (p *Pool) Strings() *Table { return &p.strings }

// Free releases the intern table and the heap list. Objects are never freed
// mid-run; everything allocated survives to this single teardown walk.
func (p *Pool) Free() {
	p.strings.Free()
	for o := p.heap; o != nil; {
		next := o.nextObject()
		o.link(nil)
		o = next
	}
	p.heap = nil
}

// hashString is FNV-1a, matching the table's probe math.
func hashString(key string) uint32 {
	hash := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		hash ^= uint32(key[i])
		hash *= 16777619
	}
	return hash
}

// CopyString interns a character sequence, returning the canonical
// StringObject. Interning is idempotent: the second copy of equal text
// returns the first object.
func (p *Pool) CopyString(chars string) *StringObject {
	hash := hashString(chars)
	if interned := p.strings.FindString(chars, hash); interned != nil {
		return interned
	}

	s := &StringObject{Chars: chars, Hash: hash}
	p.adopt(s)
	p.strings.Set(s, NullValue())
	return s
}

// NewFunction allocates a function with an empty chunk.
func (p *Pool) NewFunction(returnType ValueType, name *StringObject) *Function {
	f := &Function{Chunk: NewChunk(), ReturnType: returnType, Name: name}
	p.adopt(f)
	return f
}

// NewBuiltin allocates a native function descriptor.
func (p *Pool) NewBuiltin(name *StringObject, returnType ValueType, argTypes []ValueType, fn BuiltinFn) *Builtin {
	b := &Builtin{Name: name, ReturnType: returnType, Arity: len(argTypes), ArgTypes: argTypes, Fn: fn}
	p.adopt(b)
	return b
}

// NewMemory allocates a backing store of n null cells.
func (p *Pool) NewMemory(n int) *Memory {
	m := &Memory{Data: make([]Value, n)}
	p.adopt(m)
	return m
}

// NewStructTemplate allocates an empty template.
func (p *Pool) NewStructTemplate(name *StringObject) *StructTemplate {
	t := &StructTemplate{Name: name}
	p.adopt(t)
	return t
}

// NewStruct allocates an instance of the template with a Memory sized to its
// field count.
func (p *Pool) NewStruct(template *StructTemplate) *Struct {
	s := &Struct{Template: template, Fields: p.NewMemory(template.FieldCount())}
	p.adopt(s)
	return s
}

// NewStructSharing wraps an existing backing store under another template,
// the re-tagging behind OBJECT_CAST.
func (p *Pool) NewStructSharing(template *StructTemplate, fields *Memory) *Struct {
	s := &Struct{Template: template, Fields: fields}
	p.adopt(s)
	return s
}

// NewReference allocates a reference wrapping the given value.
func (p *Pool) NewReference(v Value) *Reference {
	r := &Reference{Cell: []Value{v}}
	p.adopt(r)
	return r
}

// NewModule allocates an empty module.
func (p *Pool) NewModule(name *StringObject) *Module {
	m := &Module{Name: name}
	p.adopt(m)
	return m
}

// objectString renders an object for PRINT, dispatching on kind. Functions
// and builtins print as <ret name> using the declared return tag.
func objectString(o Object) string {
	switch o := o.(type) {
	case *StringObject:
		return o.Chars
	case *Function:
		return fmt.Sprintf("<%s %s>", o.ReturnType, o.Name.Chars)
	case *Builtin:
		return fmt.Sprintf("<%s %s>", o.ReturnType, o.Name.Chars)
	case *StructTemplate:
		return fmt.Sprintf("<struct %s>", o.Name.Chars)
	case *Struct:
		return fmt.Sprintf("<%s instance>", o.Template.Name.Chars)
	case *Reference:
		return "<reference>"
	case *Memory:
		return fmt.Sprintf("<memory %d>", len(o.Data))
	case *Module:
		return fmt.Sprintf("<nspace %s>", o.Name.Chars)
	default:
		return fmt.Sprintf("%p", o)
	}
}
