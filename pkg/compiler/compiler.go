// Package compiler is the single-pass Pratt compiler: it pulls tokens from
// the scanner and emits bytecode directly, with no AST in between. While
// parsing it maintains a stack of value tags mirroring the runtime value
// stack, which is what lets it pick monomorphic opcodes (ADD_INT vs
// ADD_DOUBLE, with arithmetic casts spliced in) at the operator's point of
// use.
package compiler

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/palladium-lang/palladium/pkg/bytecode"
	"github.com/palladium-lang/palladium/pkg/scanner"
	"github.com/palladium-lang/palladium/pkg/stdlib"
)

// ErrCompile is returned when any compile error was reported. The messages
// have already been written to the error writer; callers only branch on
// success.
var ErrCompile = errors.New("compile error")

// Type is the compile-time view of one stack slot: the value tag plus the
// extra shape the tag alone cannot carry (pointee of a pointer, template of
// a struct, signature of a callable).
type Type struct {
	Tag      bytecode.ValueType
	Pointee  bytecode.ValueType
	Template *bytecode.StructTemplate
	Sig      *Signature
}

// Signature is the compile-time contract of a callable.
type Signature struct {
	Return Type
	Params []Type
}

// local is one declared local: its name token, the scope depth (-1 between
// declaration and initializer completion), and its declared type.
type local struct {
	name  scanner.Token
	depth int
	typ   Type
	boxed bool
}

// symbol is a global-scope name: a variable, a callable, a struct template,
// or a module.
type symbol struct {
	typ        Type
	boxed      bool
	isTemplate bool
	module     *moduleScope
}

type moduleScope struct {
	module  *bytecode.Module
	members map[*bytecode.StringObject]*symbol
}

// funcContext is the per-function compilation state. Contexts nest while a
// function body is being compiled inside the script.
type funcContext struct {
	enclosing  *funcContext
	function   *bytecode.Function
	returnType Type
	locals     []local
	scopeDepth int
	idConsts   map[*bytecode.StringObject]byte
}

type precedence int

const (
	precNone       precedence = iota
	precAssignment            // =
	precOr                    // or
	precAnd                   // and
	precEquality              // == !=
	precComparison            // < > <= >=
	precTerm                  // + -
	precFactor                // * /
	precUnary                 // ! - & *
	precCall                  // () ~ []
	precPrimary
)

type parseFn func(c *Compiler, canAssign bool)

type parseRule struct {
	prefix parseFn
	infix  parseFn
	prec   precedence
}

// Compiler holds the token cursor plus the three pieces of semantic state:
// the type stack, the locals of the function being compiled, and the global
// symbol table.
type Compiler struct {
	sc        *scanner.Scanner
	pool      *bytecode.Pool
	current   scanner.Token
	previous  scanner.Token
	hadError  bool
	panicMode bool

	typeStack []Type
	globals   map[*bytecode.StringObject]*symbol
	protos    map[*bytecode.StructTemplate]*bytecode.Struct
	fn        *funcContext

	imported map[string]bool
	baseDir  string
	errOut   io.Writer
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithErrorOutput redirects compile-error messages (default os.Stderr).
func WithErrorOutput(w io.Writer) Option {
	return func(c *Compiler) { c.errOut = w }
}

// WithBaseDir sets the directory import paths are resolved against.
func WithBaseDir(dir string) Option {
	return func(c *Compiler) { c.baseDir = dir }
}

// New creates a compiler over the given source. The pool is shared with the
// VM that will run the result, so strings interned here are the objects the
// VM sees.
func New(source string, pool *bytecode.Pool, opts ...Option) *Compiler {
	c := &Compiler{
		sc:       scanner.New(source),
		pool:     pool,
		globals:  make(map[*bytecode.StringObject]*symbol),
		protos:   make(map[*bytecode.StructTemplate]*bytecode.Struct),
		imported: make(map[string]bool),
		errOut:   os.Stderr,
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, g := range stdlib.Globals(pool, stdlib.Options{Out: io.Discard}) {
		c.declareNative(g.Name, g.Value)
	}
	return c
}

// Compile is the one-shot entry point.
func Compile(source string, pool *bytecode.Pool, opts ...Option) (*bytecode.Function, error) {
	return New(source, pool, opts...).Compile()
}

// Compile drives the parser over the whole source and returns the top-level
// script function, or ErrCompile if anything was reported.
func (c *Compiler) Compile() (*bytecode.Function, error) {
	script := c.pool.NewFunction(bytecode.ValueNull, c.pool.CopyString("script"))
	c.fn = &funcContext{
		function:   script,
		returnType: Type{Tag: bytecode.ValueNull},
		idConsts:   make(map[*bytecode.StringObject]byte),
	}

	c.advance()
	for c.current.Type != scanner.TokenEOF {
		c.declaration()
	}
	c.emitOp(bytecode.OpReturn)

	if c.hadError {
		return nil, ErrCompile
	}
	return script, nil
}

// TypeStackDepth exposes the current type-stack height for the tests that
// assert the statement-balance invariant.
func (c *Compiler) TypeStackDepth() int { return len(c.typeStack) }

// declareNative seeds a standard-library global, deriving the compile-time
// type from the runtime object: builtins contribute their signature, struct
// instances their template plus a prototype for field typing.
func (c *Compiler) declareNative(name *bytecode.StringObject, v bytecode.Value) {
	if v.Type == bytecode.ValueObject {
		if s, ok := v.AsObject().(*bytecode.Struct); ok {
			c.protos[s.Template] = s
		}
	}
	c.globals[name] = &symbol{typ: c.typeOfValue(v)}
}

// typeOfValue recovers a compile-time Type from a runtime value.
func (c *Compiler) typeOfValue(v bytecode.Value) Type {
	switch v.Type {
	case bytecode.ValuePointer:
		t := Type{Tag: bytecode.ValuePointer}
		if p := v.AsPointer(); p != nil {
			t.Pointee = p.Pointee
		}
		return t
	case bytecode.ValueObject:
		switch o := v.AsObject().(type) {
		case *bytecode.Builtin:
			sig := &Signature{Return: Type{Tag: o.ReturnType}}
			for _, at := range o.ArgTypes {
				sig.Params = append(sig.Params, Type{Tag: at})
			}
			return Type{Tag: bytecode.ValueObject, Sig: sig}
		case *bytecode.Struct:
			return Type{Tag: bytecode.ValueObject, Template: o.Template}
		}
		return Type{Tag: bytecode.ValueObject}
	default:
		return Type{Tag: v.Type}
	}
}

// --- error reporting ---

func (c *Compiler) errorAt(tok scanner.Token, message string) {
	if c.panicMode {
		return
	}
	c.panicMode = true

	fmt.Fprintf(c.errOut, "[line %d] Error", tok.Line)
	switch tok.Type {
	case scanner.TokenEOF:
		fmt.Fprint(c.errOut, " at end")
	case scanner.TokenError:
		// the message is the lexeme
	default:
		fmt.Fprintf(c.errOut, " at '%s'", tok.Lexeme)
	}
	fmt.Fprintf(c.errOut, ": %s\n", message)
	c.hadError = true
}

// parseError reports against the previous token and enters panic mode.
func (c *Compiler) parseError(message string) {
	c.errorAt(c.previous, message)
}

// synchronize skips forward to a statement boundary: past a semicolon, or at
// a token that can only start a statement.
func (c *Compiler) synchronize() {
	c.panicMode = false

	for c.current.Type != scanner.TokenEOF {
		if c.previous.Type == scanner.TokenSemicolon {
			return
		}
		switch c.current.Type {
		case scanner.TokenVoid, scanner.TokenFor, scanner.TokenIf,
			scanner.TokenWhile, scanner.TokenPrint, scanner.TokenReturn:
			return
		}
		c.advance()
	}
}

// --- token cursor ---

func (c *Compiler) advance() {
	c.previous = c.current

	for {
		c.current = c.sc.ScanToken()
		if c.current.Type != scanner.TokenError {
			break
		}
		c.errorAt(c.current, c.current.Lexeme)
	}
}

func (c *Compiler) consume(t scanner.TokenType, message string) {
	if c.current.Type == t {
		c.advance()
		return
	}
	c.parseError(message)
}

func (c *Compiler) check(t scanner.TokenType) bool {
	return c.current.Type == t
}

func (c *Compiler) match(t scanner.TokenType) bool {
	if !c.check(t) {
		return false
	}
	c.advance()
	return true
}

// --- type stack ---

func (c *Compiler) pushType(t Type) {
	c.typeStack = append(c.typeStack, t)
}

func (c *Compiler) popType() Type {
	if len(c.typeStack) == 0 {
		return Type{Tag: bytecode.ValueNull}
	}
	t := c.typeStack[len(c.typeStack)-1]
	c.typeStack = c.typeStack[:len(c.typeStack)-1]
	return t
}

// typesMatch compares two compile-time types. useNum treats the two numeric
// tags as interchangeable, the loophole equality comparison uses.
func typesMatch(a, b Type, useNum bool) bool {
	if useNum && bytecode.IsNumberType(a.Tag) && bytecode.IsNumberType(b.Tag) {
		return true
	}
	if a.Tag != b.Tag {
		return false
	}
	if a.Tag == bytecode.ValuePointer &&
		a.Pointee != bytecode.ValueNull && b.Pointee != bytecode.ValueNull &&
		a.Pointee != b.Pointee {
		return false
	}
	if a.Tag == bytecode.ValueObject && a.Template != nil && b.Template != nil &&
		a.Template != b.Template {
		return false
	}
	return true
}

// --- emission ---

func (c *Compiler) chunk() *bytecode.Chunk {
	return c.fn.function.Chunk
}

func (c *Compiler) emitByte(b byte) {
	c.chunk().Write(b, uint32(c.previous.Line))
}

func (c *Compiler) emitOp(op bytecode.Opcode) {
	c.emitByte(byte(op))
}

// makeConstant appends to the constant pool, enforcing the one-byte index.
func (c *Compiler) makeConstant(v bytecode.Value) byte {
	index := c.chunk().AddConstant(v)
	if index > 255 {
		c.parseError("Too many constants in one chunk.")
		return 0
	}
	return byte(index)
}

func (c *Compiler) emitConstant(op bytecode.Opcode, v bytecode.Value) {
	c.emitOp(op)
	c.emitByte(c.makeConstant(v))
}

// identifierConstant interns the name and returns its constant index,
// reusing the index for repeated mentions in the same chunk.
func (c *Compiler) identifierConstant(name string) byte {
	obj := c.pool.CopyString(name)
	if idx, ok := c.fn.idConsts[obj]; ok {
		return idx
	}
	idx := c.makeConstant(bytecode.ObjectValue(obj))
	c.fn.idConsts[obj] = idx
	return idx
}

// emitJump emits the opcode with a 0xFFFF placeholder offset and returns the
// opcode position for patching.
func (c *Compiler) emitJump(op bytecode.Opcode) int {
	c.emitOp(op)
	c.emitByte(0xFF)
	c.emitByte(0xFF)
	return c.chunk().Count() - 3
}

// patchJump back-fills the two-byte big-endian offset so the jump lands on
// the instruction following the current write position.
func (c *Compiler) patchJump(offset int) {
	jump := c.chunk().Count() - offset - 3
	if jump > 0xFFFF {
		c.parseError("Too much code to jump over.")
		return
	}
	c.chunk().Code[offset+1] = byte(jump >> 8)
	c.chunk().Code[offset+2] = byte(jump)
}

// emitLoop emits a backward jump to loopStart.
func (c *Compiler) emitLoop(loopStart int) {
	offset := c.chunk().Count() - loopStart + 3
	if offset > 0xFFFF {
		c.parseError("Loop body too large.")
		return
	}
	c.emitOp(bytecode.OpLoop)
	c.emitByte(byte(offset >> 8))
	c.emitByte(byte(offset))
}

// --- scopes and locals ---

func (c *Compiler) beginScope() {
	c.fn.scopeDepth++
}

func (c *Compiler) endScope() {
	c.fn.scopeDepth--
	for len(c.fn.locals) > 0 {
		l := c.fn.locals[len(c.fn.locals)-1]
		if l.depth <= c.fn.scopeDepth {
			break
		}
		c.emitOp(bytecode.OpPop)
		c.fn.locals = c.fn.locals[:len(c.fn.locals)-1]
	}
}

// addLocal declares a local in the current scope with depth -1 until its
// initializer completes, forbidding self-referential reads.
func (c *Compiler) addLocal(name scanner.Token, typ Type) {
	if c.fn.scopeDepth == 0 {
		c.parseError("Cannot declare local variables at the top level.")
		return
	}
	for i := len(c.fn.locals) - 1; i >= 0; i-- {
		l := c.fn.locals[i]
		if l.depth != -1 && l.depth < c.fn.scopeDepth {
			break
		}
		if l.name.Lexeme == name.Lexeme {
			c.parseError("Cannot declare two variables with the same name.")
			return
		}
	}
	c.fn.locals = append(c.fn.locals, local{name: name, depth: -1, typ: typ})
	c.fn.function.LocalTypes = append(c.fn.function.LocalTypes, typ.Tag)
}

// resolveLocal scans back through the locals so the most recent declaration
// shadows.
func (c *Compiler) resolveLocal(name scanner.Token) int {
	for i := len(c.fn.locals) - 1; i >= 0; i-- {
		if c.fn.locals[i].name.Lexeme == name.Lexeme {
			if c.fn.locals[i].depth == -1 {
				c.parseError("Cannot read local variable in its own initializer.")
			}
			return i
		}
	}
	return -1
}

// --- Pratt core ---

func (c *Compiler) parsePrecedence(prec precedence) {
	c.advance()
	rule := getRule(c.previous.Type)
	if rule.prefix == nil {
		c.parseError("Expected expression.")
		return
	}

	canAssign := prec <= precAssignment
	rule.prefix(c, canAssign)

	for prec <= getRule(c.current.Type).prec {
		c.advance()
		getRule(c.previous.Type).infix(c, canAssign)
	}

	if !canAssign && c.match(scanner.TokenEqual) {
		c.parseError("Invalid assignment target.")
	}
}

func (c *Compiler) expression() {
	c.parsePrecedence(precAssignment)
}

// --- prefix parselets ---

func integer(c *Compiler, canAssign bool) {
	v, _ := strconv.ParseInt(c.previous.Lexeme, 10, 64)
	c.emitConstant(bytecode.OpConstantInt, bytecode.IntegerValue(int32(v)))
	c.pushType(Type{Tag: bytecode.ValueInteger})
}

func double(c *Compiler, canAssign bool) {
	v, _ := strconv.ParseFloat(c.previous.Lexeme, 64)
	c.emitConstant(bytecode.OpConstantDouble, bytecode.DoubleValue(v))
	c.pushType(Type{Tag: bytecode.ValueDouble})
}

func literal(c *Compiler, canAssign bool) {
	if c.previous.Type == scanner.TokenNull {
		c.emitOp(bytecode.OpNull)
		c.pushType(Type{Tag: bytecode.ValueNull})
		return
	}
	c.emitConstant(bytecode.OpConstantBool,
		bytecode.BoolValue(c.previous.Type == scanner.TokenTrue))
	c.pushType(Type{Tag: bytecode.ValueBool})
}

func character(c *Compiler, canAssign bool) {
	c.emitConstant(bytecode.OpConstantCharacter,
		bytecode.CharacterValue(c.previous.Lexeme[1]))
	c.pushType(Type{Tag: bytecode.ValueCharacter})
}

func stringLiteral(c *Compiler, canAssign bool) {
	text := c.previous.Lexeme[1 : len(c.previous.Lexeme)-1]
	c.emitConstant(bytecode.OpConstantString,
		bytecode.ObjectValue(c.pool.CopyString(text)))
	c.pushType(Type{Tag: bytecode.ValueObject})
}

func grouping(c *Compiler, canAssign bool) {
	c.expression()
	c.consume(scanner.TokenRightParen, "Expected ')' after grouping.")
}

func unary(c *Compiler, canAssign bool) {
	op := c.previous.Type
	c.parsePrecedence(precUnary)
	operand := c.popType()

	switch op {
	case scanner.TokenMinus:
		switch operand.Tag {
		case bytecode.ValueInteger:
			c.emitOp(bytecode.OpNegateInt)
		case bytecode.ValueDouble:
			c.emitOp(bytecode.OpNegateDouble)
		default:
			c.parseError("Cannot negate non-numeric value.")
		}
		c.pushType(operand)
	case scanner.TokenBang:
		switch operand.Tag {
		case bytecode.ValueInteger, bytecode.ValueDouble:
			c.emitOp(bytecode.OpNotNumber)
		case bytecode.ValueBool:
			c.emitOp(bytecode.OpNotBool)
		default:
			c.parseError("Cannot invert non-numeric, non-boolean value.")
		}
		c.pushType(Type{Tag: bytecode.ValueBool})
	}
}

// reference compiles unary '&'. Taking the address of a variable boxes it:
// the slot itself ends up holding the reference, so later reads and writes
// of the variable go through the same cell the pointer aliases.
func reference(c *Compiler, canAssign bool) {
	if c.check(scanner.TokenIdentifier) {
		c.advance()
		name := c.previous
		if arg := c.resolveLocal(name); arg != -1 {
			l := &c.fn.locals[arg]
			c.emitOp(bytecode.OpLocalGet)
			c.emitByte(byte(arg))
			if !l.boxed {
				c.emitOp(bytecode.OpHeapReference)
				c.emitOp(bytecode.OpLocalSet)
				c.emitByte(byte(arg))
				l.boxed = true
			}
			c.pushType(Type{Tag: bytecode.ValuePointer, Pointee: l.typ.Tag, Template: l.typ.Template})
			return
		}

		nameObj := c.pool.CopyString(name.Lexeme)
		sym, ok := c.globals[nameObj]
		if !ok {
			c.parseError("Referenced variable is undefined.")
			c.pushType(Type{Tag: bytecode.ValueNull})
			return
		}
		idx := c.identifierConstant(name.Lexeme)
		c.emitOp(bytecode.OpGlobalGet)
		c.emitByte(idx)
		if !sym.boxed {
			c.emitOp(bytecode.OpHeapReference)
			c.emitOp(bytecode.OpGlobalSet)
			c.emitByte(idx)
			sym.boxed = true
		}
		c.pushType(Type{Tag: bytecode.ValuePointer, Pointee: sym.typ.Tag, Template: sym.typ.Template})
		return
	}

	// address of a temporary: a fresh cell nothing else aliases
	c.parsePrecedence(precUnary)
	operand := c.popType()
	c.emitOp(bytecode.OpHeapReference)
	c.pushType(Type{Tag: bytecode.ValuePointer, Pointee: operand.Tag, Template: operand.Template})
}

// dereference compiles prefix '*', including assignment through the pointer.
func dereference(c *Compiler, canAssign bool) {
	// the operand is parsed at unary precedence without parsePrecedence's
	// trailing '=' check: an '=' after the operand assigns through it
	c.advance()
	if prefix := getRule(c.previous.Type).prefix; prefix == nil {
		c.parseError("Expected expression.")
	} else {
		prefix(c, false)
		for precUnary <= getRule(c.current.Type).prec {
			c.advance()
			getRule(c.previous.Type).infix(c, false)
		}
	}
	target := c.popType()
	if target.Tag != bytecode.ValuePointer {
		c.parseError("Can only dereference pointers.")
		c.pushType(Type{Tag: bytecode.ValueNull})
		return
	}

	pointee := Type{Tag: target.Pointee, Template: target.Template}
	if canAssign && c.match(scanner.TokenEqual) {
		c.expression()
		vt := c.popType()
		if target.Pointee != bytecode.ValueNull && !typesMatch(vt, pointee, false) {
			c.parseError("Cannot assign value of different type.")
		}
		c.emitOp(bytecode.OpAssign)
		c.pushType(vt)
		return
	}

	c.emitOp(bytecode.OpDereference)
	c.pushType(pointee)
}

// inst compiles struct instantiation.
func inst(c *Compiler, canAssign bool) {
	c.consume(scanner.TokenIdentifier, "Expected struct name after 'inst'.")
	sym, ok := c.globals[c.pool.CopyString(c.previous.Lexeme)]
	if !ok || !sym.isTemplate {
		c.parseError("Expected struct name after 'inst'.")
		c.pushType(Type{Tag: bytecode.ValueNull})
		return
	}
	idx := c.makeConstant(bytecode.ObjectValue(sym.typ.Template))
	c.emitOp(bytecode.OpStructInstance)
	c.emitByte(idx)
	c.pushType(Type{Tag: bytecode.ValueObject, Template: sym.typ.Template})
}

// cast compiles `cast <expr> as <type>`, choosing between the arithmetic
// cast family, POINTER_CAST, and the OBJECT_CAST pair.
func cast(c *Compiler, canAssign bool) {
	c.expression()
	source := c.popType()
	c.consume(scanner.TokenAs, "Expected 'as' after cast expression.")

	if c.match(scanner.TokenIdentifier) {
		sym, ok := c.globals[c.pool.CopyString(c.previous.Lexeme)]
		if !ok || !sym.isTemplate {
			c.parseError("Expected type after 'as'.")
			c.pushType(Type{Tag: bytecode.ValueNull})
			return
		}
		template := sym.typ.Template
		idx := c.makeConstant(bytecode.ObjectValue(template))
		switch {
		case source.Tag == bytecode.ValueObject && source.Template != nil:
			c.emitOp(bytecode.OpObjectCast)
			c.emitByte(idx)
			c.pushType(Type{Tag: bytecode.ValueObject, Template: template})
		case source.Tag == bytecode.ValuePointer && source.Template != nil:
			c.emitOp(bytecode.OpObjectCastPtr)
			c.emitByte(idx)
			c.pushType(Type{Tag: bytecode.ValuePointer, Pointee: source.Pointee, Template: template})
		default:
			c.parseError("Can only cast struct instances to struct types.")
			c.pushType(Type{Tag: bytecode.ValueNull})
		}
		return
	}

	tag := scanner.ValueTypeOfKeyword(c.current.Type)
	if tag == bytecode.ValueNull {
		c.parseError("Expected type after 'as'.")
		c.pushType(Type{Tag: bytecode.ValueNull})
		return
	}
	c.advance()

	if c.match(scanner.TokenStar) {
		if source.Tag != bytecode.ValuePointer {
			c.parseError("Can only pointer-cast pointers.")
		}
		c.emitOp(bytecode.OpPointerCast)
		c.emitByte(byte(tag))
		c.pushType(Type{Tag: bytecode.ValuePointer, Pointee: tag})
		return
	}

	c.emitArithmeticCast(source.Tag, tag)
	c.pushType(Type{Tag: tag})
}

// emitArithmeticCast picks the numeric coercion opcode; a same-tag cast
// emits nothing.
func (c *Compiler) emitArithmeticCast(from, to bytecode.ValueType) {
	if from == to {
		return
	}
	switch {
	case from == bytecode.ValueInteger && to == bytecode.ValueDouble:
		c.emitOp(bytecode.OpArithmeticCastIntDouble)
	case from == bytecode.ValueDouble && to == bytecode.ValueInteger:
		c.emitOp(bytecode.OpArithmeticCastDoubleInt)
	case from == bytecode.ValueCharacter && to == bytecode.ValueInteger:
		c.emitOp(bytecode.OpArithmeticCastCharInt)
	case from == bytecode.ValueCharacter && to == bytecode.ValueDouble:
		c.emitOp(bytecode.OpArithmeticCastCharDouble)
	case from == bytecode.ValueInteger && to == bytecode.ValueCharacter:
		c.emitOp(bytecode.OpArithmeticCastIntChar)
	default:
		c.parseError("Invalid cast.")
	}
}

// --- infix parselets ---

// binaryOp pairs an operator token with its monomorphic opcodes.
// pointerOp is zero when pointers are not accepted.
type binaryOp struct {
	intOp, doubleOp bytecode.Opcode
	pointerOp       bytecode.Opcode
	boolResult      bool
}

var binaryOps = map[scanner.TokenType]binaryOp{
	scanner.TokenPlus:         {bytecode.OpAddInt, bytecode.OpAddDouble, bytecode.OpAddPointer, false},
	scanner.TokenMinus:        {bytecode.OpSubInt, bytecode.OpSubDouble, bytecode.OpSubPointer, false},
	scanner.TokenStar:         {bytecode.OpMulInt, bytecode.OpMulDouble, 0, false},
	scanner.TokenSlash:        {bytecode.OpDivInt, bytecode.OpDivDouble, 0, false},
	scanner.TokenGreater:      {bytecode.OpGreaterInt, bytecode.OpGreaterDouble, 0, true},
	scanner.TokenGreaterEqual: {bytecode.OpGreaterEqualInt, bytecode.OpGreaterEqualDouble, 0, true},
	scanner.TokenLess:         {bytecode.OpLessInt, bytecode.OpLessDouble, 0, true},
	scanner.TokenLessEqual:    {bytecode.OpLessEqualInt, bytecode.OpLessEqualDouble, 0, true},
}

func binary(c *Compiler, canAssign bool) {
	op := c.previous.Type
	c.parsePrecedence(getRule(op).prec + 1)
	c.emitBinaryOp(op)
}

// emitBinaryOp pops the two operand types and emits the monomorphic opcode
// sequence for the operator, pushing the result type. Mixed int/double
// operands get an arithmetic cast spliced in, with a SWAP pair when the
// integer is the left operand.
func (c *Compiler) emitBinaryOp(op scanner.TokenType) {
	right := c.popType()
	left := c.popType()

	if op == scanner.TokenEqualEqual || op == scanner.TokenBangEqual {
		if !typesMatch(left, right, true) {
			c.parseError("Cannot compare values of different type.")
		} else {
			c.emitOp(bytecode.OpEquality)
			if op == scanner.TokenBangEqual {
				c.emitOp(bytecode.OpNotBool)
			}
		}
		c.pushType(Type{Tag: bytecode.ValueBool})
		return
	}

	// string concatenation
	if op == scanner.TokenPlus &&
		left.Tag == bytecode.ValueObject && right.Tag == bytecode.ValueObject &&
		left.Template == nil && right.Template == nil {
		c.emitOp(bytecode.OpAddObject)
		c.pushType(Type{Tag: bytecode.ValueObject})
		return
	}

	info, ok := binaryOps[op]
	if !ok {
		c.parseError("Binary operator invalid for given values.")
		c.pushType(Type{Tag: bytecode.ValueNull})
		return
	}

	result := func(t Type) {
		if info.boolResult {
			c.pushType(Type{Tag: bytecode.ValueBool})
		} else {
			c.pushType(t)
		}
	}

	switch {
	case left.Tag == bytecode.ValueInteger && right.Tag == bytecode.ValueInteger:
		c.emitOp(info.intOp)
		result(Type{Tag: bytecode.ValueInteger})
	case left.Tag == bytecode.ValueDouble && right.Tag == bytecode.ValueDouble:
		c.emitOp(info.doubleOp)
		result(Type{Tag: bytecode.ValueDouble})
	case left.Tag == bytecode.ValueDouble && right.Tag == bytecode.ValueInteger:
		// the int is on top: cast in place
		c.emitOp(bytecode.OpArithmeticCastIntDouble)
		c.emitOp(info.doubleOp)
		result(Type{Tag: bytecode.ValueDouble})
	case left.Tag == bytecode.ValueInteger && right.Tag == bytecode.ValueDouble:
		// the int is buried under the double: swap, cast, swap back
		c.emitOp(bytecode.OpSwap)
		c.emitOp(bytecode.OpArithmeticCastIntDouble)
		c.emitOp(bytecode.OpSwap)
		c.emitOp(info.doubleOp)
		result(Type{Tag: bytecode.ValueDouble})
	case info.pointerOp != 0 && left.Tag == bytecode.ValuePointer && right.Tag == bytecode.ValueInteger:
		c.emitOp(info.pointerOp)
		c.pushType(left)
	case info.pointerOp != 0 && left.Tag == bytecode.ValueInteger && right.Tag == bytecode.ValuePointer:
		c.emitOp(bytecode.OpSwap)
		c.emitOp(info.pointerOp)
		c.pushType(right)
	default:
		c.parseError("Binary operator invalid for given values.")
		c.pushType(Type{Tag: bytecode.ValueNull})
	}
}

func and(c *Compiler, canAssign bool) {
	if c.popType().Tag != bytecode.ValueBool {
		c.parseError("And operator must be used with boolean operands.")
	}
	jump := c.emitJump(bytecode.OpJumpIfFalse)
	c.emitOp(bytecode.OpPop)
	c.parsePrecedence(precAnd)
	if c.popType().Tag != bytecode.ValueBool {
		c.parseError("And operator must be used with boolean operands.")
	}
	c.patchJump(jump)
	c.pushType(Type{Tag: bytecode.ValueBool})
}

func or(c *Compiler, canAssign bool) {
	if c.popType().Tag != bytecode.ValueBool {
		c.parseError("Or operator must be used with boolean operands.")
	}
	jump := c.emitJump(bytecode.OpJumpIfTrue)
	c.emitOp(bytecode.OpPop)
	c.parsePrecedence(precOr)
	if c.popType().Tag != bytecode.ValueBool {
		c.parseError("Or operator must be used with boolean operands.")
	}
	c.patchJump(jump)
	c.pushType(Type{Tag: bytecode.ValueBool})
}

// call compiles the argument list for a callable already on the stack.
func call(c *Compiler, canAssign bool) {
	callee := c.popType()
	if callee.Sig == nil {
		c.parseError("Can only call functions.")
		callee.Sig = &Signature{}
	}

	argc := 0
	if !c.check(scanner.TokenRightParen) {
		for {
			c.expression()
			at := c.popType()
			if argc < len(callee.Sig.Params) {
				p := callee.Sig.Params[argc]
				if p.Tag != bytecode.ValueNull && !typesMatch(at, p, false) {
					c.parseError("Argument type mismatch.")
				}
			}
			argc++
			if !c.match(scanner.TokenComma) {
				break
			}
		}
	}
	c.consume(scanner.TokenRightParen, "Expected ')' after arguments.")

	if argc != len(callee.Sig.Params) {
		c.parseError(fmt.Sprintf("Expected %d arguments but got %d.",
			len(callee.Sig.Params), argc))
	}
	c.emitOp(bytecode.OpCall)
	c.emitByte(byte(argc))

	// a void call leaves nothing on the stack; pad so every expression
	// produces exactly one value
	if callee.Sig.Return.Tag == bytecode.ValueNull {
		c.emitOp(bytecode.OpNull)
	}
	c.pushType(callee.Sig.Return)
}

// field compiles `~` and `~>` access, including field assignment.
func field(c *Compiler, canAssign bool) {
	arrow := c.previous.Type == scanner.TokenTildeArrow
	target := c.popType()

	if arrow {
		if target.Tag != bytecode.ValuePointer {
			c.parseError("Can only use '~>' on pointers.")
			c.pushType(Type{Tag: bytecode.ValueNull})
			return
		}
		c.emitOp(bytecode.OpDereference)
		target = Type{Tag: target.Pointee, Template: target.Template}
	}

	if target.Tag != bytecode.ValueObject || target.Template == nil {
		c.parseError("Only struct instances have fields.")
		c.pushType(Type{Tag: bytecode.ValueNull})
		return
	}

	c.consume(scanner.TokenIdentifier, "Expected field name.")
	fieldName := c.pool.CopyString(c.previous.Lexeme)
	declared, ok := target.Template.FieldTypes.Get(fieldName)
	if !ok {
		c.parseError(fmt.Sprintf("Undefined field '%s'.", fieldName.Chars))
		c.pushType(Type{Tag: bytecode.ValueNull})
		return
	}

	fieldType := Type{Tag: declared.Type}
	if declared.Type == bytecode.ValueObject {
		if tpl, ok := declared.AsObject().(*bytecode.StructTemplate); ok {
			fieldType.Template = tpl
		}
	}
	// prototype instances (the stl struct) carry richer cell types than the
	// declared tag: builtin signatures and pointer pointees
	if proto := c.protos[target.Template]; proto != nil {
		if idx, ok := target.Template.FieldIndices.Get(fieldName); ok {
			fieldType = c.typeOfValue(proto.Fields.Data[idx.AsInteger()])
		}
	}

	nameIdx := c.identifierConstant(fieldName.Chars)
	if canAssign && c.match(scanner.TokenEqual) {
		c.expression()
		vt := c.popType()
		if !typesMatch(vt, fieldType, false) {
			c.parseError("Cannot assign value of different type.")
		}
		c.emitOp(bytecode.OpStructSet)
		c.emitByte(nameIdx)
		c.pushType(fieldType)
		return
	}

	c.emitOp(bytecode.OpStructGet)
	c.emitByte(nameIdx)
	c.pushType(fieldType)
}

// index compiles `p[i]` as pointer arithmetic plus a load, or a store when
// assigned to.
func index(c *Compiler, canAssign bool) {
	target := c.popType()
	if target.Tag != bytecode.ValuePointer {
		c.parseError("Can only index pointers.")
		c.expression()
		c.popType()
		c.consume(scanner.TokenRightBracket, "Expected ']' after index.")
		c.pushType(Type{Tag: bytecode.ValueNull})
		return
	}

	c.expression()
	if c.popType().Tag != bytecode.ValueInteger {
		c.parseError("Index must be an integer.")
	}
	c.consume(scanner.TokenRightBracket, "Expected ']' after index.")
	c.emitOp(bytecode.OpAddPointer)

	pointee := Type{Tag: target.Pointee, Template: target.Template}
	if canAssign && c.match(scanner.TokenEqual) {
		c.expression()
		vt := c.popType()
		if target.Pointee != bytecode.ValueNull && !typesMatch(vt, pointee, false) {
			c.parseError("Cannot assign value of different type.")
		}
		c.emitOp(bytecode.OpAssign)
		c.pushType(vt)
		return
	}

	c.emitOp(bytecode.OpDereference)
	c.pushType(pointee)
}

// --- variables ---

func variable(c *Compiler, canAssign bool) {
	c.namedVariable(c.previous, canAssign)
}

// assignToken reports whether the token starts an assignment and gives the
// underlying binary operator for the compound forms.
func assignToken(t scanner.TokenType) (op scanner.TokenType, compound, isAssign bool) {
	switch t {
	case scanner.TokenEqual:
		return 0, false, true
	case scanner.TokenPlusEqual:
		return scanner.TokenPlus, true, true
	case scanner.TokenMinusEqual:
		return scanner.TokenMinus, true, true
	case scanner.TokenStarEqual:
		return scanner.TokenStar, true, true
	case scanner.TokenSlashEqual:
		return scanner.TokenSlash, true, true
	}
	return 0, false, false
}

func (c *Compiler) namedVariable(name scanner.Token, canAssign bool) {
	if arg := c.resolveLocal(name); arg != -1 {
		c.localVariable(arg, canAssign)
		return
	}

	nameObj := c.pool.CopyString(name.Lexeme)
	sym, ok := c.globals[nameObj]
	if !ok {
		if canAssign && c.check(scanner.TokenEqual) {
			c.parseError("Cannot assign to undeclared variable.")
		} else {
			c.parseError("Referenced variable is undefined.")
		}
		c.pushType(Type{Tag: bytecode.ValueNull})
		return
	}

	if sym.module != nil && c.match(scanner.TokenDoubleColon) {
		c.moduleMember(name, sym, canAssign)
		return
	}

	if sym.isTemplate {
		c.parseError("Cannot use struct template as a value.")
		c.pushType(Type{Tag: bytecode.ValueNull})
		return
	}

	idx := c.identifierConstant(name.Lexeme)
	binOp, compound, isAssign := assignToken(c.current.Type)
	if canAssign && isAssign {
		c.advance()
		if sym.boxed {
			c.emitOp(bytecode.OpGlobalGet)
			c.emitByte(idx)
		}
		if compound {
			c.emitOp(bytecode.OpGlobalGet)
			c.emitByte(idx)
			if sym.boxed {
				c.emitOp(bytecode.OpDereference)
			}
			c.pushType(sym.typ)
			c.expression()
			c.emitBinaryOp(binOp)
		} else {
			c.expression()
		}
		vt := c.popType()
		if !typesMatch(vt, sym.typ, false) {
			c.parseError("Cannot assign value of different type.")
		}
		if sym.boxed {
			c.emitOp(bytecode.OpAssign)
		} else {
			c.emitOp(bytecode.OpGlobalSet)
			c.emitByte(idx)
		}
		c.pushType(sym.typ)
		return
	}

	c.emitOp(bytecode.OpGlobalGet)
	c.emitByte(idx)
	if sym.boxed {
		c.emitOp(bytecode.OpDereference)
	}
	c.pushType(sym.typ)
}

func (c *Compiler) localVariable(arg int, canAssign bool) {
	l := &c.fn.locals[arg]
	binOp, compound, isAssign := assignToken(c.current.Type)
	if canAssign && isAssign {
		c.advance()
		if l.boxed {
			c.emitOp(bytecode.OpLocalGet)
			c.emitByte(byte(arg))
		}
		if compound {
			c.emitOp(bytecode.OpLocalGet)
			c.emitByte(byte(arg))
			if l.boxed {
				c.emitOp(bytecode.OpDereference)
			}
			c.pushType(l.typ)
			c.expression()
			c.emitBinaryOp(binOp)
		} else {
			c.expression()
		}
		vt := c.popType()
		if !typesMatch(vt, l.typ, false) {
			c.parseError("Cannot assign value of different type.")
		}
		if l.boxed {
			c.emitOp(bytecode.OpAssign)
		} else {
			c.emitOp(bytecode.OpLocalSet)
			c.emitByte(byte(arg))
		}
		c.pushType(l.typ)
		return
	}

	c.emitOp(bytecode.OpLocalGet)
	c.emitByte(byte(arg))
	if l.boxed {
		c.emitOp(bytecode.OpDereference)
	}
	c.pushType(l.typ)
}

// moduleMember compiles `Name::member` reads and writes.
func (c *Compiler) moduleMember(name scanner.Token, sym *symbol, canAssign bool) {
	c.consume(scanner.TokenIdentifier, "Expected member name after '::'.")
	memberObj := c.pool.CopyString(c.previous.Lexeme)
	member, ok := sym.module.members[memberObj]
	if !ok {
		c.parseError(fmt.Sprintf("Undefined member '%s'.", memberObj.Chars))
		c.pushType(Type{Tag: bytecode.ValueNull})
		return
	}

	moduleIdx := c.identifierConstant(name.Lexeme)
	memberIdx := c.identifierConstant(memberObj.Chars)
	c.emitOp(bytecode.OpGlobalGet)
	c.emitByte(moduleIdx)

	if canAssign && c.match(scanner.TokenEqual) {
		c.expression()
		vt := c.popType()
		if !typesMatch(vt, member.typ, false) {
			c.parseError("Cannot assign value of different type.")
		}
		c.emitOp(bytecode.OpModuleSet)
		c.emitByte(memberIdx)
		c.pushType(member.typ)
		return
	}

	c.emitOp(bytecode.OpModuleGet)
	c.emitByte(memberIdx)
	c.pushType(member.typ)
}

// --- rule table ---

var rules map[scanner.TokenType]parseRule

func init() {
	rules = map[scanner.TokenType]parseRule{
		scanner.TokenLeftParen:      {grouping, call, precCall},
		scanner.TokenLeftBracket:    {nil, index, precCall},
		scanner.TokenTilde:          {nil, field, precCall},
		scanner.TokenTildeArrow:     {nil, field, precCall},
		scanner.TokenMinus:          {unary, binary, precTerm},
		scanner.TokenPlus:           {nil, binary, precTerm},
		scanner.TokenSlash:          {nil, binary, precFactor},
		scanner.TokenStar:           {dereference, binary, precFactor},
		scanner.TokenBang:           {unary, nil, precNone},
		scanner.TokenBangEqual:      {nil, binary, precEquality},
		scanner.TokenEqualEqual:     {nil, binary, precEquality},
		scanner.TokenGreater:        {nil, binary, precComparison},
		scanner.TokenGreaterEqual:   {nil, binary, precComparison},
		scanner.TokenLess:           {nil, binary, precComparison},
		scanner.TokenLessEqual:      {nil, binary, precComparison},
		scanner.TokenReference:      {reference, nil, precNone},
		scanner.TokenAnd:            {nil, and, precAnd},
		scanner.TokenOr:             {nil, or, precOr},
		scanner.TokenIdentifier:     {variable, nil, precNone},
		scanner.TokenString:         {stringLiteral, nil, precNone},
		scanner.TokenCharacter:      {character, nil, precNone},
		scanner.TokenNumberInteger:  {integer, nil, precNone},
		scanner.TokenNumberFloating: {double, nil, precNone},
		scanner.TokenTrue:           {literal, nil, precNone},
		scanner.TokenFalse:          {literal, nil, precNone},
		scanner.TokenNull:           {literal, nil, precNone},
		scanner.TokenInst:           {inst, nil, precNone},
		scanner.TokenCast:           {cast, nil, precNone},
	}
}

func getRule(t scanner.TokenType) parseRule {
	return rules[t]
}

// --- statements ---

func (c *Compiler) statement() {
	switch {
	case c.match(scanner.TokenPrint):
		c.printStatement()
	case c.match(scanner.TokenIf):
		c.ifStatement()
	case c.match(scanner.TokenWhile):
		c.whileStatement()
	case c.match(scanner.TokenFor):
		c.forStatement()
	case c.match(scanner.TokenReturn):
		c.returnStatement()
	case c.match(scanner.TokenLeftBrace):
		c.beginScope()
		c.block()
		c.endScope()
	default:
		c.expressionStatement()
	}
}

func (c *Compiler) printStatement() {
	c.expression()
	c.popType()
	c.consume(scanner.TokenSemicolon, "Expected ';' after print statement.")
	c.emitOp(bytecode.OpPrint)
}

func (c *Compiler) expressionStatement() {
	c.expression()
	c.popType()
	c.consume(scanner.TokenSemicolon, "Expect ';' following expression.")
	c.emitOp(bytecode.OpPop)
}

func (c *Compiler) block() {
	for !c.check(scanner.TokenRightBrace) && !c.check(scanner.TokenEOF) {
		c.declaration()
	}
	c.consume(scanner.TokenRightBrace, "Expected '}' after block.")
}

func (c *Compiler) ifStatement() {
	c.consume(scanner.TokenLeftParen, "Expected '(' after if.")
	c.expression()
	if c.popType().Tag != bytecode.ValueBool {
		c.parseError("Expected boolean condition.")
	}
	c.consume(scanner.TokenRightParen, "Expected ')' after if condition.")

	thenJump := c.emitJump(bytecode.OpJumpIfFalse)
	c.emitOp(bytecode.OpPop)
	c.statement()

	elseJump := c.emitJump(bytecode.OpJump)
	c.patchJump(thenJump)
	c.emitOp(bytecode.OpPop)

	if c.match(scanner.TokenElse) {
		c.statement()
	}
	c.patchJump(elseJump)
}

func (c *Compiler) whileStatement() {
	loopStart := c.chunk().Count()
	c.consume(scanner.TokenLeftParen, "Expected '(' after while.")
	c.expression()
	if c.popType().Tag != bytecode.ValueBool {
		c.parseError("Expected boolean condition.")
	}
	c.consume(scanner.TokenRightParen, "Expected ')' after while condition.")

	exitJump := c.emitJump(bytecode.OpJumpIfFalse)
	c.emitOp(bytecode.OpPop)
	c.statement()
	c.emitLoop(loopStart)
	c.patchJump(exitJump)
	c.emitOp(bytecode.OpPop)
}

func (c *Compiler) forStatement() {
	c.beginScope()
	c.consume(scanner.TokenLeftParen, "Expected '(' after for.")

	if !c.match(scanner.TokenSemicolon) {
		c.declaration()
	}

	loopStart := c.chunk().Count()
	exitJump := -1

	if !c.match(scanner.TokenSemicolon) {
		c.expression()
		if c.popType().Tag != bytecode.ValueBool {
			c.parseError("Expected boolean condition.")
		}
		c.consume(scanner.TokenSemicolon, "Expected ';' after loop condition.")
		exitJump = c.emitJump(bytecode.OpJumpIfFalse)
		c.emitOp(bytecode.OpPop)
	}

	if !c.match(scanner.TokenRightParen) {
		// run the body before the post expression: jump over it now, loop
		// back to it after the body, and from it back to the condition
		bodyJump := c.emitJump(bytecode.OpJump)
		incrementStart := c.chunk().Count()
		c.expression()
		c.popType()
		c.emitOp(bytecode.OpPop)
		c.consume(scanner.TokenRightParen, "Expected ')' after for loop.")
		c.emitLoop(loopStart)
		loopStart = incrementStart
		c.patchJump(bodyJump)
	}

	c.statement()
	c.emitLoop(loopStart)

	if exitJump != -1 {
		c.patchJump(exitJump)
		c.emitOp(bytecode.OpPop)
	}

	c.endScope()
}

func (c *Compiler) returnStatement() {
	rt := c.fn.returnType
	if c.check(scanner.TokenSemicolon) {
		if rt.Tag != bytecode.ValueNull {
			c.parseError("Must return a value.")
		}
		c.emitOp(bytecode.OpNull)
		c.emitOp(bytecode.OpReturn)
	} else {
		c.expression()
		vt := c.popType()
		if rt.Tag == bytecode.ValueNull {
			c.parseError("Cannot return a value from a void function.")
		} else if !typesMatch(vt, rt, false) {
			c.parseError("Return type mismatch.")
		}
		c.emitOp(bytecode.OpReturn)
	}
	c.consume(scanner.TokenSemicolon, "Expected ';' after return.")
}

// --- declarations ---

func (c *Compiler) declaration() {
	switch {
	case c.match(scanner.TokenStruct):
		c.structDeclaration()
	case c.match(scanner.TokenFun):
		c.funDeclaration(nil)
	case c.match(scanner.TokenNspace):
		c.nspaceDeclaration()
	case c.match(scanner.TokenImp):
		c.importDeclaration()
	case c.check(scanner.TokenInt) || c.check(scanner.TokenDouble) ||
		c.check(scanner.TokenBool) || c.check(scanner.TokenChar) ||
		c.check(scanner.TokenStr):
		c.advance()
		c.varDeclaration(c.declaredType(c.previous.Type), nil)
	case c.check(scanner.TokenIdentifier) && c.templateSymbol(c.current) != nil:
		c.advance()
		sym := c.templateSymbol(c.previous)
		typ := Type{Tag: bytecode.ValueObject, Template: sym.typ.Template}
		if c.match(scanner.TokenStar) {
			typ = Type{Tag: bytecode.ValuePointer, Pointee: bytecode.ValueObject, Template: sym.typ.Template}
		}
		c.varDeclaration(typ, nil)
	default:
		c.statement()
	}

	if c.panicMode {
		c.synchronize()
	}
}

// templateSymbol returns the symbol when the token names a struct template.
func (c *Compiler) templateSymbol(tok scanner.Token) *symbol {
	sym, ok := c.globals[c.pool.CopyString(tok.Lexeme)]
	if ok && sym.isTemplate {
		return sym
	}
	return nil
}

// declaredType parses the rest of a type that began with the given keyword:
// an optional '*' makes it a pointer.
func (c *Compiler) declaredType(keyword scanner.TokenType) Type {
	tag := scanner.ValueTypeOfKeyword(keyword)
	if c.match(scanner.TokenStar) {
		return Type{Tag: bytecode.ValuePointer, Pointee: tag}
	}
	return Type{Tag: tag}
}

// varDeclaration compiles `<type> name [= expr];`. In a module body, mod is
// the enclosing module scope and the value lands in its table instead of the
// globals.
func (c *Compiler) varDeclaration(typ Type, mod *moduleScope) {
	c.consume(scanner.TokenIdentifier, "Expected variable name.")
	name := c.previous
	nameObj := c.pool.CopyString(name.Lexeme)

	if mod != nil {
		c.moduleVarDeclaration(typ, nameObj, mod)
		return
	}

	// locals are declared at depth -1 before the initializer runs, which is
	// what forbids self-referential reads
	isLocal := c.fn.scopeDepth > 0
	slot := -1
	if isLocal {
		c.addLocal(name, typ)
		slot = len(c.fn.locals) - 1
	}

	if c.match(scanner.TokenEqual) {
		c.expression()
		if !typesMatch(c.popType(), typ, false) {
			c.parseError("Initializer does not match declared type.")
		}
	} else if typ.Tag == bytecode.ValuePointer {
		c.emitOp(bytecode.OpNullPointer)
	} else {
		c.emitOp(bytecode.OpNull)
	}
	c.consume(scanner.TokenSemicolon, "Expected ';' after variable declaration.")

	if !isLocal {
		if _, exists := c.globals[nameObj]; exists {
			c.parseError("Global variable already defined.")
		}
		c.globals[nameObj] = &symbol{typ: typ}
		c.emitOp(bytecode.OpGlobalDefine)
		c.emitByte(c.identifierConstant(name.Lexeme))
	} else {
		c.emitOp(bytecode.OpLocalSet)
		c.emitByte(byte(slot))
		c.fn.locals[slot].depth = c.fn.scopeDepth
	}
}

// moduleVarDeclaration routes a declaration's value into the module table.
func (c *Compiler) moduleVarDeclaration(typ Type, nameObj *bytecode.StringObject, mod *moduleScope) {
	c.emitOp(bytecode.OpGlobalGet)
	c.emitByte(c.identifierConstant(mod.module.Name.Chars))
	if c.match(scanner.TokenEqual) {
		c.expression()
		if !typesMatch(c.popType(), typ, false) {
			c.parseError("Initializer does not match declared type.")
		}
	} else if typ.Tag == bytecode.ValuePointer {
		c.emitOp(bytecode.OpNullPointer)
	} else {
		c.emitOp(bytecode.OpNull)
	}
	c.consume(scanner.TokenSemicolon, "Expected ';' after variable declaration.")

	if _, exists := mod.members[nameObj]; exists {
		c.parseError("Module member already defined.")
	}
	mod.members[nameObj] = &symbol{typ: typ}
	c.emitOp(bytecode.OpModuleSet)
	c.emitByte(c.identifierConstant(nameObj.Chars))
	c.emitOp(bytecode.OpPop)
}

// structDeclaration registers a template. No code is emitted: templates live
// in the constant pool and reach the VM through the instructions that name
// them.
func (c *Compiler) structDeclaration() {
	c.consume(scanner.TokenIdentifier, "Expected struct name.")
	nameObj := c.pool.CopyString(c.previous.Lexeme)
	if _, exists := c.globals[nameObj]; exists {
		c.parseError("Global variable already defined.")
		return
	}

	template := c.pool.NewStructTemplate(nameObj)
	c.globals[nameObj] = &symbol{
		typ:        Type{Tag: bytecode.ValueObject, Template: template},
		isTemplate: true,
	}

	c.consume(scanner.TokenLeftBrace, "Expected '{' after struct name.")
	for !c.check(scanner.TokenRightBrace) && !c.check(scanner.TokenEOF) {
		var declared bytecode.Value
		switch {
		case c.match(scanner.TokenInt), c.match(scanner.TokenDouble),
			c.match(scanner.TokenBool), c.match(scanner.TokenChar),
			c.match(scanner.TokenStr):
			typ := c.declaredType(c.previous.Type)
			declared = bytecode.Value{Type: typ.Tag}
		case c.check(scanner.TokenIdentifier) && c.templateSymbol(c.current) != nil:
			c.advance()
			fieldTpl := c.templateSymbol(c.previous).typ.Template
			if c.match(scanner.TokenStar) {
				declared = bytecode.Value{Type: bytecode.ValuePointer}
			} else {
				// carry the template in the payload so field reads type
				// nested structs
				declared = bytecode.ObjectValue(fieldTpl)
			}
		default:
			c.parseError("Expected field type.")
			c.advance()
			continue
		}

		c.consume(scanner.TokenIdentifier, "Expected field name.")
		fieldName := c.pool.CopyString(c.previous.Lexeme)
		if _, exists := template.FieldTypes.Get(fieldName); exists {
			c.parseError("Duplicate field name.")
		}
		template.FieldTypes.Set(fieldName, declared)
		template.FieldIndices.Set(fieldName,
			bytecode.IntegerValue(int32(template.FieldIndices.Count())))
		c.consume(scanner.TokenSemicolon, "Expected ';' after field.")
	}
	c.consume(scanner.TokenRightBrace, "Expected '}' after struct fields.")
}

// funDeclaration compiles a function and defines it as a global, or as a
// module member when mod is non-nil.
func (c *Compiler) funDeclaration(mod *moduleScope) {
	if c.fn.enclosing != nil || c.fn.scopeDepth > 0 {
		c.parseError("Functions must be declared at the top level.")
	}

	var retType Type
	switch {
	case c.match(scanner.TokenVoid):
		retType = Type{Tag: bytecode.ValueNull}
	case c.match(scanner.TokenInt), c.match(scanner.TokenDouble),
		c.match(scanner.TokenBool), c.match(scanner.TokenChar),
		c.match(scanner.TokenStr):
		retType = c.declaredType(c.previous.Type)
	default:
		c.parseError("Expected return type after 'fun'.")
		retType = Type{Tag: bytecode.ValueNull}
	}

	c.consume(scanner.TokenIdentifier, "Expected function name.")
	name := c.previous
	nameObj := c.pool.CopyString(name.Lexeme)

	function := c.pool.NewFunction(retType.Tag, nameObj)
	sig := &Signature{Return: retType}

	// visible before the body so recursion resolves
	sym := &symbol{typ: Type{Tag: bytecode.ValueObject, Sig: sig}}
	if mod != nil {
		if _, exists := mod.members[nameObj]; exists {
			c.parseError("Module member already defined.")
		}
		mod.members[nameObj] = sym
	} else {
		if _, exists := c.globals[nameObj]; exists {
			c.parseError("Global variable already defined.")
		}
		c.globals[nameObj] = sym
	}

	c.fn = &funcContext{
		enclosing:  c.fn,
		function:   function,
		returnType: retType,
		idConsts:   make(map[*bytecode.StringObject]byte),
	}
	c.beginScope()

	c.consume(scanner.TokenLeftParen, "Expected '(' after function name.")
	if !c.check(scanner.TokenRightParen) {
		for {
			var paramType Type
			switch {
			case c.match(scanner.TokenInt), c.match(scanner.TokenDouble),
				c.match(scanner.TokenBool), c.match(scanner.TokenChar),
				c.match(scanner.TokenStr):
				paramType = c.declaredType(c.previous.Type)
			case c.check(scanner.TokenIdentifier) && c.templateSymbol(c.current) != nil:
				c.advance()
				tpl := c.templateSymbol(c.previous).typ.Template
				paramType = Type{Tag: bytecode.ValueObject, Template: tpl}
				if c.match(scanner.TokenStar) {
					paramType = Type{Tag: bytecode.ValuePointer, Pointee: bytecode.ValueObject, Template: tpl}
				}
			default:
				c.parseError("Expected parameter type.")
				paramType = Type{Tag: bytecode.ValueNull}
			}
			c.consume(scanner.TokenIdentifier, "Expected parameter name.")
			c.addLocal(c.previous, paramType)
			c.fn.locals[len(c.fn.locals)-1].depth = c.fn.scopeDepth
			function.Arity++
			sig.Params = append(sig.Params, paramType)
			if !c.match(scanner.TokenComma) {
				break
			}
		}
	}
	c.consume(scanner.TokenRightParen, "Expected ')' after parameters.")

	c.consume(scanner.TokenLeftBrace, "Expected '{' before function body.")
	c.block()

	// the implicit return; a non-void function that falls off the end fails
	// the VM's return-type check
	c.emitOp(bytecode.OpNull)
	c.emitOp(bytecode.OpReturn)
	c.fn = c.fn.enclosing

	if mod != nil {
		c.emitOp(bytecode.OpGlobalGet)
		c.emitByte(c.identifierConstant(mod.module.Name.Chars))
		c.emitConstant(bytecode.OpConstantFunction, bytecode.ObjectValue(function))
		c.emitOp(bytecode.OpModuleSet)
		c.emitByte(c.identifierConstant(name.Lexeme))
		c.emitOp(bytecode.OpPop)
	} else {
		c.emitConstant(bytecode.OpConstantFunction, bytecode.ObjectValue(function))
		c.emitOp(bytecode.OpGlobalDefine)
		c.emitByte(c.identifierConstant(name.Lexeme))
	}
}

// nspaceDeclaration compiles `nspace Name { … }`: the module object is
// defined first, then each member declaration writes into its table.
func (c *Compiler) nspaceDeclaration() {
	if c.fn.enclosing != nil || c.fn.scopeDepth > 0 {
		c.parseError("Namespaces must be declared at the top level.")
	}
	c.consume(scanner.TokenIdentifier, "Expected namespace name.")
	nameObj := c.pool.CopyString(c.previous.Lexeme)
	if _, exists := c.globals[nameObj]; exists {
		c.parseError("Global variable already defined.")
		return
	}

	module := c.pool.NewModule(nameObj)
	mod := &moduleScope{module: module, members: make(map[*bytecode.StringObject]*symbol)}
	c.globals[nameObj] = &symbol{typ: Type{Tag: bytecode.ValueObject}, module: mod}

	c.emitConstant(bytecode.OpModuleDefine, bytecode.ObjectValue(module))

	c.consume(scanner.TokenLeftBrace, "Expected '{' after namespace name.")
	for !c.check(scanner.TokenRightBrace) && !c.check(scanner.TokenEOF) {
		switch {
		case c.match(scanner.TokenFun):
			c.funDeclaration(mod)
		case c.check(scanner.TokenInt) || c.check(scanner.TokenDouble) ||
			c.check(scanner.TokenBool) || c.check(scanner.TokenChar) ||
			c.check(scanner.TokenStr):
			c.advance()
			c.varDeclaration(c.declaredType(c.previous.Type), mod)
		default:
			c.parseError("Expected declaration in namespace.")
			c.advance()
		}
		if c.panicMode {
			c.synchronize()
		}
	}
	c.consume(scanner.TokenRightBrace, "Expected '}' after namespace body.")
}

// importDeclaration splices the named file into the token stream. Each file
// is imported at most once.
func (c *Compiler) importDeclaration() {
	c.consume(scanner.TokenString, "Expected file path after 'imp'.")
	if c.previous.Type != scanner.TokenString {
		return
	}
	path := c.previous.Lexeme[1 : len(c.previous.Lexeme)-1]
	if c.baseDir != "" {
		path = filepath.Join(c.baseDir, path)
	}

	if !c.imported[path] {
		c.imported[path] = true
		source, err := os.ReadFile(path)
		if err != nil {
			c.parseError(fmt.Sprintf("Could not open file '%s'.", path))
			return
		}
		// splice before consuming ';' so the spliced tokens are scanned next
		c.sc.InsertSource("\n" + string(source) + "\n")
	}
	c.consume(scanner.TokenSemicolon, "Expected ';' after import.")
}
