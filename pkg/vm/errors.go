package vm

import "fmt"

// RuntimeError is a fatal execution error. There is no catch facility in the
// language: a runtime error unwinds the whole VM.
type RuntimeError struct {
	Message string
	Line    uint32
}

// Error formats the message with the source line of the faulting byte.
func (e *RuntimeError) Error() string {
	return fmt.Sprintf("%s\n[line %d] in script.", e.Message, e.Line)
}
