package host

import (
	"sync"
	"testing"

	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/grafana/wasmsym/pkg/symbolizer"
	"github.com/grafana/wasmsym/pkg/test/wasmtest"
)

type frame struct {
	symbol, location string
	line, column     uint32
}

type recordingHost struct {
	mu     sync.Mutex
	image  []byte
	frames []frame
	errors []string
	prints []string
}

func (h *recordingHost) ReadChunk(dst []byte, off int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if off < 0 || off >= int64(len(h.image)) {
		return 0
	}
	return copy(dst, h.image[off:])
}

func (h *recordingHost) OnFrame(symbol, location string, line, column uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, frame{symbol, location, line, column})
}

func (h *recordingHost) OnError(message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors = append(h.errors, message)
}

func (h *recordingHost) Print(message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prints = append(h.prints, message)
}

func (h *recordingHost) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames, h.errors = nil, nil
}

func testModule() wasmtest.Module {
	return wasmtest.Module{
		CodeSize: 0x80,
		Units: []wasmtest.Unit{{
			Name:    "lib.rs",
			CompDir: "/build",
			Files:   []string{"/build/lib.rs"},
			Low:     0x10,
			High:    0x40,
			Functions: []wasmtest.Function{
				{Name: "fib", LinkageName: "_Z3fibi", Low: 0x10, High: 0x40},
			},
			Rows: []wasmtest.Row{
				{Address: 0x10, File: 1, Line: 3, Column: 1},
				{Address: 0x18, File: 1, Line: 4, Column: 9},
			},
			End: 0x40,
		}},
	}
}

func newTestExports(t *testing.T, h *recordingHost) *Exports {
	t.Helper()
	logger := level.NewFilter(NewLogger(h), level.AllowDebug())
	e, err := NewExports(logger, h, symbolizer.Config{ChunkSize: 64, CacheChunks: 8}, prometheus.NewRegistry())
	require.NoError(t, err)
	return e
}

func TestExports_InitAndResolve(t *testing.T) {
	img, codeOffset := testModule().Build()
	h := &recordingHost{image: img}
	e := newTestExports(t, h)

	require.Equal(t, int32(codeOffset), e.Init(uint32(len(img))))
	require.Empty(t, h.errors)
	require.Empty(t, h.frames)

	e.AddressToFrame(0x1a)
	require.Equal(t, []frame{{"fib(int)", "/build/lib.rs", 4, 9}}, h.frames)
	require.Empty(t, h.errors)
	require.NotEmpty(t, h.prints)
}

func TestExports_ExactlyOneCallback(t *testing.T) {
	img, _ := testModule().Build()
	noCode, _ := wasmtest.Module{Units: testModule().Units}.Build()

	t.Run("resolve before init", func(t *testing.T) {
		h := &recordingHost{image: img}
		e := newTestExports(t, h)
		e.AddressToFrame(0x10)
		require.Empty(t, h.frames)
		require.Equal(t, []string{"Context not found"}, h.errors)
	})

	t.Run("uncovered address", func(t *testing.T) {
		h := &recordingHost{image: img}
		e := newTestExports(t, h)
		require.GreaterOrEqual(t, e.Init(uint32(len(img))), int32(0))
		e.AddressToFrame(0x60)
		require.Empty(t, h.frames)
		require.Equal(t, []string{"No frame found"}, h.errors)
	})

	t.Run("failed init keeps the previous module", func(t *testing.T) {
		h := &recordingHost{image: img}
		e := newTestExports(t, h)
		require.GreaterOrEqual(t, e.Init(uint32(len(img))), int32(0))

		h.image = noCode
		require.Equal(t, InitFailed, e.Init(uint32(len(noCode))))
		require.Equal(t, []string{"Code section not found"}, h.errors)
		require.Empty(t, h.frames)

		h.reset()
		e.AddressToFrame(0x10)
		require.Equal(t, []frame{{"fib(int)", "/build/lib.rs", 3, 1}}, h.frames)
		require.Empty(t, h.errors)
	})

	t.Run("malformed module", func(t *testing.T) {
		h := &recordingHost{image: []byte("not a wasm module")}
		e := newTestExports(t, h)
		require.Equal(t, InitFailed, e.Init(uint32(len(h.image))))
		require.Len(t, h.errors, 1)
		require.Contains(t, h.errors[0], "invalid wasm magic")
	})
}

func TestNewLogger(t *testing.T) {
	h := &recordingHost{}
	require.NoError(t, NewLogger(h).Log("msg", "hello", "n", 1))
	require.Equal(t, []string{"msg=hello n=1"}, h.prints)
}

func TestClampUint32(t *testing.T) {
	require.Equal(t, uint32(0), clampUint32(-1))
	require.Equal(t, uint32(7), clampUint32(7))
}
