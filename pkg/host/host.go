// Package host adapts a Symbolizer to a runtime that can only exchange
// scalars and byte ranges with it: module bytes are pulled through
// ReadChunk and every result is pushed back through a callback.
package host

import (
	"fmt"
	"math"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/wasmsym/pkg/symbolizer"
)

// InitFailed is returned by Init after the failure was reported via OnError.
const InitFailed int32 = -2

// Host is the set of primitives provided by the embedding runtime.
type Host interface {
	// ReadChunk copies module bytes starting at off into dst and returns how
	// many were copied.
	ReadChunk(dst []byte, off int64) int
	// OnFrame receives the result of a successful lookup. Empty strings and
	// zeros mean the value is unknown.
	OnFrame(symbol, location string, line, column uint32)
	// OnError receives the message of a failed Init or AddressToFrame.
	OnError(message string)
	// Print receives diagnostic output.
	Print(message string)
}

// Exports implements the entry points called by the runtime. Every call
// ends in exactly one callback: Init reports only failures, AddressToFrame
// reports either a frame or an error.
type Exports struct {
	host   Host
	logger log.Logger
	sym    *symbolizer.Symbolizer
}

func NewExports(logger log.Logger, h Host, cfg symbolizer.Config, reg prometheus.Registerer) (*Exports, error) {
	sym, err := symbolizer.New(logger, cfg, symbolizer.FetcherFunc(h.ReadChunk), reg)
	if err != nil {
		return nil, err
	}
	return &Exports{host: h, logger: logger, sym: sym}, nil
}

// Init loads the module of the given length and returns the offset of its
// code section, or InitFailed.
func (e *Exports) Init(length uint32) int32 {
	offset, err := e.sym.Initialize(int64(length))
	if err != nil {
		e.report(err)
		return InitFailed
	}
	if offset > math.MaxInt32 {
		e.report(fmt.Errorf("code section offset %d does not fit the return value", offset))
		return InitFailed
	}
	return int32(offset)
}

// AddressToFrame resolves an address relative to the code section.
func (e *Exports) AddressToFrame(addr uint32) {
	frame, err := e.sym.Resolve(uint64(addr))
	if err != nil {
		e.report(err)
		return
	}
	level.Debug(e.logger).Log("msg", "resolved address", "addr", fmt.Sprintf("0x%x", addr), "frame", frame)
	e.host.OnFrame(frame.Symbol, frame.File, clampUint32(frame.Line), clampUint32(frame.Column))
}

func clampUint32(v int) uint32 {
	switch {
	case v < 0:
		return 0
	case uint64(v) > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(v)
}
