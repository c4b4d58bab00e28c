package helpers

import (
	"fmt"
	"io"
)

// MustFprintln is fmt.Fprintln for writers that are not expected to fail, such as
// stdout or an in-memory buffer. It panics on a write error instead of making every
// caller check one.
func MustFprintln(w io.Writer, a ...any) {
	if _, err := fmt.Fprintln(w, a...); err != nil {
		panic(err)
	}
}

// MustFprintf is the Fprintf counterpart of MustFprintln.
func MustFprintf(w io.Writer, format string, a ...any) {
	if _, err := fmt.Fprintf(w, format, a...); err != nil {
		panic(err)
	}
}
