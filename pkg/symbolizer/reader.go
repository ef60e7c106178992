package symbolizer

import (
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Fetcher copies bytes of the module image starting at off into dst and
// returns how many bytes were delivered. Short deliveries are allowed; a
// zero delivery means nothing is available at off.
type Fetcher interface {
	FetchChunk(dst []byte, off int64) int
}

// FetcherFunc adapts a plain function to the Fetcher interface.
type FetcherFunc func(dst []byte, off int64) int

func (f FetcherFunc) FetchChunk(dst []byte, off int64) int { return f(dst, off) }

// ChunkReader exposes a Fetcher as a seekable stream of known length.
// Seeks are not bounds checked: a cursor outside the image surfaces as an
// empty read.
type ChunkReader struct {
	fetcher Fetcher
	size    int64
	pos     int64
}

func NewChunkReader(f Fetcher, size int64) *ChunkReader {
	return &ChunkReader{fetcher: f, size: size}
}

func (r *ChunkReader) Size() int64 { return r.size }

func (r *ChunkReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if r.pos < 0 {
		return 0, io.EOF
	}
	n := r.fetcher.FetchChunk(p, r.pos)
	if n <= 0 {
		return 0, io.EOF
	}
	if n > len(p) {
		n = len(p)
	}
	r.pos += int64(n)
	return n, nil
}

func (r *ChunkReader) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		r.pos = offset
	case io.SeekCurrent:
		r.pos += offset
	case io.SeekEnd:
		r.pos = r.size + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}
	return r.pos, nil
}

// ReadCache serves random reads of the module image from fixed-size blocks
// kept in an LRU. Reads spanning more than one block go straight to the
// underlying reader. It is meant to live for one Initialize call and is not
// safe for concurrent use.
type ReadCache struct {
	r         *ChunkReader
	blockSize int64
	blocks    *lru.Cache[int64, []byte]
	metrics   *metrics
}

func NewReadCache(r *ChunkReader, blockSize, maxBlocks int) (*ReadCache, error) {
	return newReadCache(r, blockSize, maxBlocks, nil)
}

func newReadCache(r *ChunkReader, blockSize, maxBlocks int, m *metrics) (*ReadCache, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("invalid block size: %d", blockSize)
	}
	blocks, err := lru.New[int64, []byte](maxBlocks)
	if err != nil {
		return nil, fmt.Errorf("create block cache: %w", err)
	}
	return &ReadCache{
		r:         r,
		blockSize: int64(blockSize),
		blocks:    blocks,
		metrics:   m,
	}, nil
}

func (c *ReadCache) Size() int64 { return c.r.Size() }

// ReadAt implements io.ReaderAt.
func (c *ReadCache) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset: %d", off)
	}
	if len(p) == 0 {
		return 0, nil
	}
	if int64(len(p)) > c.blockSize {
		n, err := c.fill(p, off)
		if n < len(p) && err == nil {
			err = io.EOF
		}
		return n, err
	}

	var n int
	for n < len(p) {
		pos := off + int64(n)
		idx := pos / c.blockSize
		block, err := c.block(idx)
		if err != nil {
			return n, err
		}
		start := pos - idx*c.blockSize
		if start >= int64(len(block)) {
			return n, io.EOF
		}
		n += copy(p[n:], block[start:])
	}
	return n, nil
}

func (c *ReadCache) block(idx int64) ([]byte, error) {
	if b, ok := c.blocks.Get(idx); ok {
		return b, nil
	}
	start := idx * c.blockSize
	size := c.blockSize
	if rest := c.r.Size() - start; rest < size {
		size = rest
	}
	if size <= 0 {
		return nil, io.EOF
	}
	b := make([]byte, size)
	n, err := c.fill(b, start)
	if err != nil {
		return nil, err
	}
	b = b[:n]
	c.blocks.Add(idx, b)
	return b, nil
}

// fill reads into p from off until p is full or the fetcher stops
// delivering, tolerating short reads.
func (c *ReadCache) fill(p []byte, off int64) (int, error) {
	if _, err := c.r.Seek(off, io.SeekStart); err != nil {
		return 0, err
	}
	var n int
	for n < len(p) {
		m, err := c.r.Read(p[n:])
		if c.metrics != nil {
			c.metrics.fetchCalls.Inc()
			c.metrics.fetchedBytes.Add(float64(m))
		}
		n += m
		if err == io.EOF {
			break
		}
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
