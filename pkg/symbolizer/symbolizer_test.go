package symbolizer

import (
	"flag"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/wasmsym/pkg/test"
	"github.com/grafana/wasmsym/pkg/test/wasmtest"
)

func TestSymbolizer_Resolve(t *testing.T) {
	img, codeOffset := fixtureModule().Build()
	s := newTestSymbolizer(t, image(img))

	offset, err := s.Initialize(int64(len(img)))
	require.NoError(t, err)
	require.Equal(t, codeOffset, offset)

	tests := []struct {
		name    string
		addr    uint64
		want    Frame
		wantErr string
	}{
		{
			name: "function start",
			addr: 0x10,
			want: Frame{Symbol: "fib(int)", File: libFile, Line: 5, Column: 1},
		},
		{
			name: "demangled linkage name",
			addr: 0x24,
			want: Frame{Symbol: "fib(int)", File: libFile, Line: 9, Column: 8},
		},
		{
			name: "inlined function",
			addr: 0x44,
			want: Frame{Symbol: "detour", File: detourFile, Line: 3, Column: 5},
		},
		{
			name: "innermost of nested inlines",
			addr: 0x4a,
			want: Frame{Symbol: "{closure#0}", File: libFile, Line: 12, Column: 20},
		},
		{
			name: "back in the caller after an inline",
			addr: 0x70,
			want: Frame{Symbol: "fib(int)", File: libFile, Line: 10, Column: 3},
		},
		{
			name: "plain name",
			addr: 0x85,
			want: Frame{Symbol: "run_fib", File: libFile, Line: 20, Column: 1},
		},
		{
			name: "line without function",
			addr: 0xa8,
			want: Frame{File: libFile, Line: 30, Column: 2},
		},
		{
			name:    "before any unit",
			addr:    0x8,
			wantErr: "No frame found",
		},
		{
			name:    "end of unit is exclusive",
			addr:    0xc0,
			wantErr: "No frame found",
		},
		{
			name:    "far outside",
			addr:    0x1000,
			wantErr: "No frame found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Resolve(tt.addr)
			if tt.wantErr != "" {
				require.EqualError(t, err, tt.wantErr)
				require.True(t, IsNotFound(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestSymbolizer_ResolveBeforeInitialize(t *testing.T) {
	s := newTestSymbolizer(t, image(nil))
	_, err := s.Resolve(0x10)
	require.EqualError(t, err, "Context not found")
	require.True(t, IsNotFound(err))
}

func TestSymbolizer_ShortFetches(t *testing.T) {
	img, codeOffset := fixtureModule().Build()
	s := newTestSymbolizer(t, shortFetcher(img, 3))

	offset, err := s.Initialize(int64(len(img)))
	require.NoError(t, err)
	require.Equal(t, codeOffset, offset)

	f, err := s.Resolve(0x4a)
	require.NoError(t, err)
	require.Equal(t, "{closure#0}", f.Symbol)
}

func TestSymbolizer_FailedInitializeKeepsContext(t *testing.T) {
	good, _ := fixtureModule().Build()
	noCode, _ := wasmtest.Module{Units: []wasmtest.Unit{fixtureUnit()}}.Build()
	compressed, _ := wasmtest.Module{CodeSize: 0x200, Units: []wasmtest.Unit{fixtureUnit()}, CompressInfo: true}.Build()
	truncated := good[:len(good)-5]

	tests := []struct {
		name  string
		img   []byte
		size  int64
		check func(t *testing.T, err error)
	}{
		{
			name: "missing code section",
			img:  noCode,
			size: int64(len(noCode)),
			check: func(t *testing.T, err error) {
				require.EqualError(t, err, "Code section not found")
				require.True(t, IsNotFound(err))
			},
		},
		{
			name: "compressed debug section",
			img:  compressed,
			size: int64(len(compressed)),
			check: func(t *testing.T, err error) {
				require.ErrorContains(t, err, "Compressed section not supported yet")
				require.True(t, IsUnsupported(err))
			},
		},
		{
			name: "bad magic",
			img:  []byte{0x01, 'a', 's', 'm', 0x01, 0x00, 0x00, 0x00},
			size: 8,
			check: func(t *testing.T, err error) {
				require.True(t, IsParseError(err))
			},
		},
		{
			name: "truncated image",
			img:  truncated,
			size: int64(len(truncated)),
			check: func(t *testing.T, err error) {
				require.True(t, IsParseError(err))
			},
		},
		{
			name: "negative size",
			img:  good,
			size: -1,
			check: func(t *testing.T, err error) {
				require.True(t, IsParseError(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &swappableFetcher{img: good}
			s := newTestSymbolizer(t, f)
			_, err := s.Initialize(int64(len(good)))
			require.NoError(t, err)

			f.img = tt.img
			offset, err := s.Initialize(tt.size)
			require.Error(t, err)
			require.Equal(t, int64(-1), offset)
			tt.check(t, err)
			require.Equal(t, uint64(1), s.Generation())

			frame, err := s.Resolve(0x24)
			require.NoError(t, err)
			require.Equal(t, "fib(int)", frame.Symbol)
		})
	}
}

func TestSymbolizer_ReinitializeReplacesContext(t *testing.T) {
	first, _ := fixtureModule().Build()
	second, _ := wasmtest.Module{
		CodeSize: 0x100,
		Units: []wasmtest.Unit{{
			Name:      "main.c",
			CompDir:   "/src",
			Files:     []string{"/src/main.c"},
			Low:       0x20,
			High:      0x40,
			Functions: []wasmtest.Function{{Name: "main", Low: 0x20, High: 0x40}},
			Rows:      []wasmtest.Row{{Address: 0x20, File: 1, Line: 3, Column: 1}},
			End:       0x40,
		}},
	}.Build()

	f := &swappableFetcher{img: first}
	s := newTestSymbolizer(t, f)
	_, err := s.Initialize(int64(len(first)))
	require.NoError(t, err)
	frame, err := s.Resolve(0x24)
	require.NoError(t, err)
	require.Equal(t, "fib(int)", frame.Symbol)

	f.img = second
	_, err = s.Initialize(int64(len(second)))
	require.NoError(t, err)
	frame, err = s.Resolve(0x24)
	require.NoError(t, err)
	require.Equal(t, Frame{Symbol: "main", File: "/src/main.c", Line: 3, Column: 1}, frame)
	_, err = s.Resolve(0x85)
	require.EqualError(t, err, "No frame found")
	require.Equal(t, uint64(2), s.Generation())
}

func TestSymbolizer_EmptyDebugInfo(t *testing.T) {
	img, codeOffset := wasmtest.Module{CodeSize: 0x40}.Build()
	s := newTestSymbolizer(t, image(img))

	offset, err := s.Initialize(int64(len(img)))
	require.NoError(t, err)
	require.Equal(t, codeOffset, offset)

	_, err = s.Resolve(0x10)
	require.EqualError(t, err, "No frame found")
}

func TestSymbolizer_SplitDebugData(t *testing.T) {
	img, _ := wasmtest.Module{
		CodeSize: 0x100,
		Units: []wasmtest.Unit{
			{Name: "split.c", DwoName: "split.dwo", Low: 0x10, High: 0x40},
			{
				Name:      "main.c",
				CompDir:   "/src",
				Files:     []string{"/src/main.c"},
				Low:       0x40,
				High:      0x60,
				Functions: []wasmtest.Function{{Name: "main", Low: 0x40, High: 0x60}},
				Rows:      []wasmtest.Row{{Address: 0x40, File: 1, Line: 7, Column: 2}},
				End:       0x60,
			},
		},
	}.Build()
	s := newTestSymbolizer(t, image(img))
	_, err := s.Initialize(int64(len(img)))
	require.NoError(t, err)

	_, err = s.Resolve(0x20)
	require.EqualError(t, err, "Split debug data not supported")
	require.True(t, IsUnsupported(err))

	frame, err := s.Resolve(0x44)
	require.NoError(t, err)
	require.Equal(t, Frame{Symbol: "main", File: "/src/main.c", Line: 7, Column: 2}, frame)
}

func TestSymbolizer_UnitRangeFromLineSequence(t *testing.T) {
	u := fixtureUnit()
	u.Low, u.High = 0, 0
	img, _ := wasmtest.Module{CodeSize: 0x200, Units: []wasmtest.Unit{u}}.Build()
	s := newTestSymbolizer(t, image(img))
	_, err := s.Initialize(int64(len(img)))
	require.NoError(t, err)

	frame, err := s.Resolve(0x85)
	require.NoError(t, err)
	require.Equal(t, Frame{Symbol: "run_fib", File: libFile, Line: 20, Column: 1}, frame)

	_, err = s.Resolve(0xc0)
	require.EqualError(t, err, "No frame found")
}

func TestSymbolizer_ConcurrentResolve(t *testing.T) {
	defer goleak.VerifyNone(t)

	img, _ := fixtureModule().Build()
	s := newTestSymbolizer(t, image(img))
	_, err := s.Initialize(int64(len(img)))
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for j := 0; j < 200; j++ {
				frame, err := s.Resolve(0x4a)
				if err != nil {
					return err
				}
				if frame.Symbol != "{closure#0}" {
					return assert.AnError
				}
			}
			return nil
		})
	}
	for i := 0; i < 10; i++ {
		_, err := s.Initialize(int64(len(img)))
		require.NoError(t, err)
	}
	require.NoError(t, g.Wait())
	require.Equal(t, uint64(11), s.Generation())
}

func TestSymbolizer_Metrics(t *testing.T) {
	img, _ := fixtureModule().Build()
	reg := prometheus.NewRegistry()
	s, err := New(test.NewTestingLogger(t), Config{ChunkSize: 64, CacheChunks: 8}, image(img), reg)
	require.NoError(t, err)

	_, err = s.Resolve(0x10)
	require.Error(t, err)
	_, err = s.Initialize(int64(len(img)))
	require.NoError(t, err)
	_, err = s.Resolve(0x10)
	require.NoError(t, err)
	_, err = s.Resolve(0x1000)
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.initializations.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.lookups.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.lookups.WithLabelValues("not_found")))
	assert.Greater(t, testutil.ToFloat64(s.metrics.fetchedBytes), 0.0)
	assert.GreaterOrEqual(t, testutil.ToFloat64(s.metrics.fetchCalls), 1.0)
	assert.Greater(t, testutil.ToFloat64(s.metrics.contextBytes), 0.0)

	// A second symbolizer on the same registry shares the collectors.
	other, err := New(test.NewTestingLogger(t), Config{ChunkSize: 64, CacheChunks: 8}, image(img), reg)
	require.NoError(t, err)
	_, err = other.Resolve(0x10)
	require.Error(t, err)
	assert.Equal(t, 3.0, testutil.ToFloat64(s.metrics.lookups.WithLabelValues("not_found")))
}

func TestConfig_Validate(t *testing.T) {
	var cfg Config
	cfg.RegisterFlags(flag.NewFlagSet("test", flag.PanicOnError))
	require.NoError(t, cfg.Validate())
	require.Equal(t, 64<<10, cfg.ChunkSize)

	cfg.ChunkSize = 0
	require.Error(t, cfg.Validate())

	_, err := New(test.NewTestingLogger(t), cfg, image(nil), nil)
	require.Error(t, err)
}
