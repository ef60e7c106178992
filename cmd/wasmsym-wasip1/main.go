//go:build wasip1

// Command wasmsym-wasip1 is the symbolizer packaged as a WASI reactor for a
// JavaScript host. Build with:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o wasmsym.wasm ./cmd/wasmsym-wasip1
//
// The host provides env.read_chunk, env.on_frame, env.on_error and
// env.print, and calls the exported init and address_to_frame.
package main

import (
	"math"
	"unsafe"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"

	"github.com/grafana/wasmsym/pkg/host"
	"github.com/grafana/wasmsym/pkg/symbolizer"
)

//go:wasmimport env read_chunk
func readChunk(dest unsafe.Pointer, src, length uint32) uint32

//go:wasmimport env on_frame
func onFrame(symbol unsafe.Pointer, symbolLen uint32, location unsafe.Pointer, locationLen uint32, line, column uint32)

//go:wasmimport env on_error
func onError(message unsafe.Pointer, length uint32)

//go:wasmimport env print
func hostPrint(message unsafe.Pointer, length uint32)

type jsHost struct{}

func (jsHost) ReadChunk(dst []byte, off int64) int {
	if len(dst) == 0 || off < 0 || off > math.MaxUint32 {
		return 0
	}
	if len(dst) > math.MaxUint32 {
		dst = dst[:math.MaxUint32]
	}
	return int(readChunk(unsafe.Pointer(unsafe.SliceData(dst)), uint32(off), uint32(len(dst))))
}

func (jsHost) OnFrame(symbol, location string, line, column uint32) {
	onFrame(stringPtr(symbol), uint32(len(symbol)), stringPtr(location), uint32(len(location)), line, column)
}

func (jsHost) OnError(message string) {
	onError(stringPtr(message), uint32(len(message)))
}

func (jsHost) Print(message string) {
	hostPrint(stringPtr(message), uint32(len(message)))
}

func stringPtr(s string) unsafe.Pointer {
	return unsafe.Pointer(unsafe.StringData(s))
}

// exports is the single symbolizer of the reactor. The runtime calls into it
// one export at a time.
var exports *host.Exports

func init() {
	var cfg symbolizer.Config
	flagext.DefaultValues(&cfg)

	h := jsHost{}
	logger := level.NewFilter(host.NewLogger(h), level.AllowWarn())
	var err error
	exports, err = host.NewExports(logger, h, cfg, nil)
	if err != nil {
		panic(err)
	}
}

//go:wasmexport init
func initModule(length uint32) int32 {
	return exports.Init(length)
}

//go:wasmexport address_to_frame
func addressToFrame(addr uint32) {
	exports.AddressToFrame(addr)
}

func main() {}
