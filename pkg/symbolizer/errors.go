package symbolizer

import (
	"errors"
	"fmt"
)

// Kind classifies every failure surfaced by Initialize and Resolve.
type Kind int

const (
	KindInternal Kind = iota
	KindParse
	KindNotFound
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse_error"
	case KindNotFound:
		return "not_found"
	case KindUnsupported:
		return "unsupported"
	default:
		return "internal"
	}
}

// Error carries the message reported across the host boundary.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func wrapError(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

var (
	errCodeSectionNotFound = newError(KindNotFound, "Code section not found")
	errContextNotFound     = newError(KindNotFound, "Context not found")
	errNoFrameFound        = newError(KindNotFound, "No frame found")
	errSplitDebugData      = newError(KindUnsupported, "Split debug data not supported")
)

// KindOf returns the Kind of err, KindInternal when err was not produced
// by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsNotFound(err error) bool    { return err != nil && KindOf(err) == KindNotFound }
func IsUnsupported(err error) bool { return err != nil && KindOf(err) == KindUnsupported }
func IsParseError(err error) bool  { return err != nil && KindOf(err) == KindParse }
