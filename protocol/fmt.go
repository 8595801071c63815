// A convenience shim for printing to pkt-line writers.

package protocol

import "fmt"

type lineWriter interface {
	WriteString(string) (int, error)
}

// fmtLprintf formats its arguments and writes them as a single
// pkt-line record.  Formatting separately from writing keeps each
// record in one Write on the underlying stream.
func fmtLprintf(lw lineWriter, format string, a ...interface{}) error {
	_, err := lw.WriteString(fmt.Sprintf(format, a...))
	return err
}
