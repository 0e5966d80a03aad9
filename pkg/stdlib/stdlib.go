// Package stdlib builds the script-visible standard library: the `stl`
// struct and the top-level `clock` builtin. The compiler consults the same
// registration the VM installs, so builtin signatures are declared once, on
// the objects themselves, and never embedded in bytecode.
package stdlib

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/palladium-lang/palladium/pkg/bytecode"
)

// Options carries the host environment the builtins close over.
type Options struct {
	Argv []string
	In   io.Reader
	Out  io.Writer
}

// Global is one name/value pair to install into a globals table.
type Global struct {
	Name  *bytecode.StringObject
	Value bytecode.Value
}

// Globals builds the standard-library objects in the given pool. The
// returned pairs go into the VM's globals table; the compiler walks the same
// pairs to seed its symbol table, reading signatures off the Builtin objects
// and field layout off the stl instance.
func Globals(pool *bytecode.Pool, opts Options) []Global {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	in := bufio.NewReader(opts.In)

	clock := pool.NewBuiltin(pool.CopyString("clock"), bytecode.ValueInteger, nil,
		func(argCount int, args []bytecode.Value) bytecode.Value {
			return bytecode.IntegerValue(int32(time.Now().Unix()))
		})

	return []Global{
		{clock.Name, bytecode.ObjectValue(clock)},
		{pool.CopyString("stl"), bytecode.ObjectValue(newStl(pool, opts, in))},
	}
}

// Install writes the standard library into a globals table.
func Install(pool *bytecode.Pool, globals *bytecode.Table, opts Options) {
	for _, g := range Globals(pool, opts) {
		globals.Set(g.Name, g.Value)
	}
}

// anyArg marks a parameter that accepts every tag; the compiler treats a
// declared Null argument tag as unconstrained.
var anyArg = []bytecode.ValueType{bytecode.ValueNull}

// newStl builds the stl struct instance. Field slot order is fixed: argc,
// argv, pi, E, write, tostr, square, atoi, readint.
func newStl(pool *bytecode.Pool, opts Options, in *bufio.Reader) *bytecode.Struct {
	template := pool.NewStructTemplate(pool.CopyString("stl"))
	template.AddField(pool.CopyString("argc"), bytecode.ValueInteger)
	template.AddField(pool.CopyString("argv"), bytecode.ValuePointer)
	template.AddField(pool.CopyString("pi"), bytecode.ValueDouble)
	template.AddField(pool.CopyString("E"), bytecode.ValueDouble)
	template.AddField(pool.CopyString("write"), bytecode.ValueObject)
	template.AddField(pool.CopyString("tostr"), bytecode.ValueObject)
	template.AddField(pool.CopyString("square"), bytecode.ValueObject)
	template.AddField(pool.CopyString("atoi"), bytecode.ValueObject)
	template.AddField(pool.CopyString("readint"), bytecode.ValueObject)

	write := pool.NewBuiltin(pool.CopyString("write"), bytecode.ValueNull, anyArg,
		func(argCount int, args []bytecode.Value) bytecode.Value {
			io.WriteString(opts.Out, args[0].String()+"\n")
			return bytecode.NullValue()
		})

	tostr := pool.NewBuiltin(pool.CopyString("tostr"), bytecode.ValueObject, anyArg,
		func(argCount int, args []bytecode.Value) bytecode.Value {
			return bytecode.ObjectValue(pool.CopyString(args[0].String()))
		})

	square := pool.NewBuiltin(pool.CopyString("square"), bytecode.ValueInteger,
		[]bytecode.ValueType{bytecode.ValueInteger},
		func(argCount int, args []bytecode.Value) bytecode.Value {
			x := args[0].AsInteger()
			return bytecode.IntegerValue(x * x)
		})

	atoi := pool.NewBuiltin(pool.CopyString("atoi"), bytecode.ValueInteger,
		[]bytecode.ValueType{bytecode.ValueObject},
		func(argCount int, args []bytecode.Value) bytecode.Value {
			s, ok := args[0].AsObject().(*bytecode.StringObject)
			if !ok {
				return bytecode.IntegerValue(0)
			}
			n, _ := strconv.ParseInt(s.Chars, 10, 64)
			return bytecode.IntegerValue(int32(n))
		})

	readint := pool.NewBuiltin(pool.CopyString("readint"), bytecode.ValueInteger, nil,
		func(argCount int, args []bytecode.Value) bytecode.Value {
			var n int64
			fmt.Fscan(in, &n)
			return bytecode.IntegerValue(int32(n))
		})

	argvMem := pool.NewMemory(len(opts.Argv))
	for i, arg := range opts.Argv {
		argvMem.Data[i] = bytecode.ObjectValue(pool.CopyString(arg))
	}

	stl := pool.NewStruct(template)
	set := func(name string, v bytecode.Value) {
		idx, _ := template.FieldIndices.Get(pool.CopyString(name))
		stl.Fields.Data[idx.AsInteger()] = v
	}
	set("argc", bytecode.IntegerValue(int32(len(opts.Argv))))
	set("argv", bytecode.PointerValue(&bytecode.Pointer{
		Cells:   argvMem.Data,
		Pointee: bytecode.ValueObject,
	}))
	set("pi", bytecode.DoubleValue(math.Pi))
	set("E", bytecode.DoubleValue(math.E))
	set("write", bytecode.ObjectValue(write))
	set("tostr", bytecode.ObjectValue(tostr))
	set("square", bytecode.ObjectValue(square))
	set("atoi", bytecode.ObjectValue(atoi))
	set("readint", bytecode.ObjectValue(readint))
	return stl
}
