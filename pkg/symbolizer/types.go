package symbolizer

import "fmt"

// Frame is one resolved stack entry. Empty strings and zero numbers mean the
// debug info had no value for that field.
type Frame struct {
	Symbol string
	File   string
	Line   int
	Column int
}

func (f Frame) String() string {
	symbol := f.Symbol
	if symbol == "" {
		symbol = "??"
	}
	if f.File == "" {
		return symbol
	}
	return fmt.Sprintf("%s at %s:%d:%d", symbol, f.File, f.Line, f.Column)
}

type addrRange[T any] struct {
	low, high uint64
	val       T
}

// rangeIndex answers "which range covers pc" over possibly overlapping
// ranges. maxHigh[i] is the largest high bound among ranges[:i+1].
type rangeIndex[T any] struct {
	ranges  []addrRange[T]
	maxHigh []uint64
}
