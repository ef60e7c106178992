package symbolizer

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/grafana/wasmsym/pkg/test"
	"github.com/grafana/wasmsym/pkg/test/wasmtest"
)

const (
	libFile    = "/build/src/lib.rs"
	detourFile = "/build/src/detour.rs"
)

// fixtureUnit is a unit with two functions, one of them carrying a two-level
// inline chain, and a line-only tail without any function.
//
//	0x10-0x80 fib (_Z3fibi)
//	  0x40-0x60 detour, called from lib.rs:12:9
//	    0x48-0x50 {closure#0}, called from detour.rs:3:5
//	0x80-0xa0 run_fib
//	0xa0-0xc0 no function
func fixtureUnit() wasmtest.Unit {
	return wasmtest.Unit{
		Name:    "src/lib.rs",
		CompDir: "/build",
		Files:   []string{libFile, detourFile},
		Low:     0x10,
		High:    0xc0,
		Functions: []wasmtest.Function{
			{
				Name: "fib", LinkageName: "_Z3fibi", Low: 0x10, High: 0x80,
				Inlined: []wasmtest.Inlined{{
					Name: "detour", Low: 0x40, High: 0x60,
					CallFile: 1, CallLine: 12, CallColumn: 9,
					Inlined: []wasmtest.Inlined{{
						Name: "{closure#0}", Low: 0x48, High: 0x50,
						CallFile: 2, CallLine: 3, CallColumn: 5,
					}},
				}},
			},
			{Name: "run_fib", Low: 0x80, High: 0xa0},
		},
		Rows: []wasmtest.Row{
			{Address: 0x10, File: 1, Line: 5, Column: 1},
			{Address: 0x20, File: 1, Line: 9, Column: 8},
			{Address: 0x40, File: 2, Line: 3, Column: 5},
			{Address: 0x48, File: 1, Line: 12, Column: 20},
			{Address: 0x50, File: 2, Line: 4, Column: 1},
			{Address: 0x60, File: 1, Line: 10, Column: 3},
			{Address: 0x80, File: 1, Line: 20, Column: 1},
			{Address: 0xa0, File: 1, Line: 30, Column: 2},
		},
		End: 0xc0,
	}
}

func fixtureModule() wasmtest.Module {
	return wasmtest.Module{CodeSize: 0x200, Units: []wasmtest.Unit{fixtureUnit()}}
}

// image is a module image served through a Fetcher.
type image []byte

func (img image) FetchChunk(dst []byte, off int64) int {
	if off < 0 || off >= int64(len(img)) {
		return 0
	}
	return copy(dst, img[off:])
}

// shortFetcher delivers at most limit bytes per call.
func shortFetcher(img image, limit int) FetcherFunc {
	return func(dst []byte, off int64) int {
		if len(dst) > limit {
			dst = dst[:limit]
		}
		return img.FetchChunk(dst, off)
	}
}

// swappableFetcher lets a test point one Symbolizer at a different image
// before each Initialize.
type swappableFetcher struct {
	img image
}

func (f *swappableFetcher) FetchChunk(dst []byte, off int64) int {
	return f.img.FetchChunk(dst, off)
}

func newTestSymbolizer(t testing.TB, f Fetcher) *Symbolizer {
	t.Helper()
	s, err := New(test.NewTestingLogger(t), Config{ChunkSize: 64, CacheChunks: 8}, f, prometheus.NewRegistry())
	require.NoError(t, err)
	return s
}
