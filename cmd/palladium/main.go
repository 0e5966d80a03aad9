// Command palladium runs a Palladium source file: scan, compile, execute.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/palladium-lang/palladium/pkg/bytecode"
	"github.com/palladium-lang/palladium/pkg/compiler"
	"github.com/palladium-lang/palladium/pkg/vm"
)

// Exit codes follow the usual sysexits mapping: 64 usage, 65 compile error,
// 70 runtime error.
const (
	exitUsage   = 64
	exitCompile = 65
	exitRuntime = 70
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: palladium [script]")
		os.Exit(exitUsage)
	}
	os.Exit(runFile(os.Args[1], os.Args[1:]))
}

func runFile(path string, argv []string) int {
	source, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Could not open file '%s'.\n", path)
		return exitUsage
	}

	pool := bytecode.NewPool()
	defer pool.Free()

	script, err := compiler.Compile(string(source), pool,
		compiler.WithBaseDir(filepath.Dir(path)))
	if err != nil {
		return exitCompile
	}

	machine := vm.New(pool, vm.WithArgs(argv))
	if err := machine.Run(script); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRuntime
	}
	return 0
}
