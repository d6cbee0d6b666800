// Package compiler invokes the local Solidity compiler on behalf of views.
// Compilation never touches the daemon socket; callers receive either the
// compiled artifacts or the compiler's own diagnostics.
package compiler

import (
	"context"
	"encoding/json"
	"fmt"
)

// Compiler turns contract source text into compiled artifacts.
type Compiler interface {
	Compile(ctx context.Context, source string) (json.RawMessage, error)
}

// Error is a compilation failure: the source was processed but did not
// compile. Operational failures (missing binary, timeout) are ordinary errors.
type Error struct {
	Diagnostics string
}

func (e *Error) Error() string {
	return fmt.Sprintf("compiler: %s", e.Diagnostics)
}
