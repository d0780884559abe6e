package runner

import (
	"fmt"
	"runtime"
	"strings"
)

// PanicError is returned when a handler panics. Stack starts at the frame
// that panicked.
type PanicError struct {
	Name  string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s panicked: %v", e.Name, e.Value)
}

// Unwrap exposes the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

func newPanicError(name string, value any) *PanicError {
	stack := make([]byte, 8096)
	stack = stack[:runtime.Stack(stack, false)]
	return &PanicError{Name: name, Value: value, Stack: cleanStack(stack)}
}

// cleanStack drops the runtime frames above the panic call.
func cleanStack(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")
	at := -1
	for i, line := range lines {
		if strings.HasPrefix(line, "panic(") {
			at = i
			break
		}
	}
	// skip panic( and its file line
	if at >= 0 && at+2 < len(lines) {
		lines = lines[at+2:]
	}
	return []byte(strings.Join(lines, "\n"))
}
