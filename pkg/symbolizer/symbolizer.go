package symbolizer

import (
	"errors"
	"flag"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
)

type Config struct {
	ChunkSize   int `yaml:"chunk_size" category:"advanced"`
	CacheChunks int `yaml:"cache_chunks" category:"advanced"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.IntVar(&cfg.ChunkSize, "symbolizer.chunk-size", 64<<10, "Size in bytes of the blocks fetched from the module image.")
	f.IntVar(&cfg.CacheChunks, "symbolizer.cache-chunks", 64, "Number of fetched blocks kept in memory while a module is parsed.")
}

func (cfg *Config) Validate() error {
	if cfg.ChunkSize < 1 {
		return fmt.Errorf("invalid chunk-size value, must be positive")
	}
	if cfg.CacheChunks < 1 {
		return fmt.Errorf("invalid cache-chunks value, must be positive")
	}
	return nil
}

// Symbolizer maps code addresses of one wasm module to source frames.
//
// Initialize parses the module and swaps in a new immutable context;
// Resolve may run concurrently with other Resolve calls and with
// Initialize. A failed Initialize leaves the previous context in place.
type Symbolizer struct {
	logger  log.Logger
	cfg     Config
	fetcher Fetcher
	metrics *metrics

	mu  sync.RWMutex
	ctx *dwarfContext

	generation atomic.Uint64
}

func New(logger log.Logger, cfg Config, fetcher Fetcher, reg prometheus.Registerer) (*Symbolizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	return &Symbolizer{
		logger:  logger,
		cfg:     cfg,
		fetcher: fetcher,
		metrics: newMetrics(reg),
	}, nil
}

// Initialize parses the module image of the given size and replaces the
// current context. It returns the file offset of the code section: callers
// subtract it from module-relative addresses before calling Resolve.
func (s *Symbolizer) Initialize(size int64) (offset int64, err error) {
	start := time.Now()
	defer func() {
		s.metrics.initializations.WithLabelValues(statusOf(err)).Inc()
		s.metrics.initDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			level.Warn(s.logger).Log("msg", "failed to initialize symbolization context", "size", size, "err", err)
		}
	}()

	ctx, offset, err := s.build(size)
	if err != nil {
		return -1, err
	}

	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	gen := s.generation.Inc()
	s.metrics.contextBytes.Set(float64(ctx.sectionBytes))
	level.Debug(s.logger).Log(
		"msg", "symbolization context ready",
		"generation", gen,
		"code_offset", offset,
		"debug_bytes", ctx.sectionBytes,
		"duration", time.Since(start),
	)
	return offset, nil
}

func (s *Symbolizer) build(size int64) (*dwarfContext, int64, error) {
	if size < 0 {
		return nil, 0, newError(KindParse, fmt.Sprintf("invalid module size %d", size))
	}
	cache, err := newReadCache(NewChunkReader(s.fetcher, size), s.cfg.ChunkSize, s.cfg.CacheChunks, s.metrics)
	if err != nil {
		return nil, 0, wrapError(KindInternal, err, "create module reader")
	}
	m, err := ParseModule(cache, size)
	if err != nil {
		return nil, 0, err
	}
	offset, err := m.CodeSectionOffset()
	if err != nil {
		return nil, 0, err
	}
	sections, err := loadDebugSections(m)
	if err != nil {
		return nil, 0, err
	}
	d, err := loadDWARF(sections)
	if err != nil {
		return nil, 0, err
	}
	ctx, err := newDWARFContext(d, sections.size())
	if err != nil {
		return nil, 0, wrapError(KindInternal, err, "build debug context")
	}
	return ctx, offset, nil
}

func (s *Symbolizer) context() *dwarfContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// Resolve returns the innermost frame covering addr, an address relative
// to the code section. Inlined callers of that frame are not reported.
func (s *Symbolizer) Resolve(addr uint64) (f Frame, err error) {
	defer func() {
		s.metrics.lookups.WithLabelValues(statusOf(err)).Inc()
	}()

	ctx := s.context()
	if ctx == nil {
		return Frame{}, errContextNotFound
	}
	it, err := ctx.frames(addr)
	if err != nil {
		return Frame{}, err
	}
	f, ok := it.Next()
	if !ok {
		return Frame{}, errNoFrameFound
	}
	return f, nil
}

// Generation counts successful Initialize calls.
func (s *Symbolizer) Generation() uint64 {
	return s.generation.Load()
}
