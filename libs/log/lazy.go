package log

import (
	"fmt"
)

// LazySprintf defers fmt.Sprintf until the Stringer interface is invoked.
// This is particularly useful for avoiding calling Sprintf when debugging is not
// active.
type LazySprintf struct {
	format string
	args   []interface{}
}

// NewLazySprintf defers fmt.Sprintf until the Stringer interface is invoked.
func NewLazySprintf(format string, args ...interface{}) *LazySprintf {
	return &LazySprintf{format, args}
}

func (l *LazySprintf) String() string {
	return fmt.Sprintf(l.format, l.args...)
}

// LazyHex renders a byte slice as upper-case hex on demand.
type LazyHex []byte

func (h LazyHex) String() string {
	return fmt.Sprintf("%X", []byte(h))
}
