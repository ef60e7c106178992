// Package fetch provides the byte range sources a symbolizer reads module
// images from: in-memory readers, local files and HTTP servers.
package fetch

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// ReaderAtFetcher serves chunks from an io.ReaderAt. Read errors turn into
// short deliveries.
type ReaderAtFetcher struct {
	r io.ReaderAt
}

func NewReaderAtFetcher(r io.ReaderAt) *ReaderAtFetcher {
	return &ReaderAtFetcher{r: r}
}

func (f *ReaderAtFetcher) FetchChunk(dst []byte, off int64) int {
	if off < 0 {
		return 0
	}
	n, _ := f.r.ReadAt(dst, off)
	return n
}

// File is a module image opened from disk. Compressed files are inflated
// into memory; plain files are read in place.
type File struct {
	ReaderAtFetcher
	size   int64
	closer io.Closer
}

// OpenFile opens the module image at path. gzip and zstd compressed files
// are detected by their magic bytes.
func OpenFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	var magic [4]byte
	n, _ := f.ReadAt(magic[:], 0)
	if compression(magic[:n]) == "" {
		return &File{ReaderAtFetcher: ReaderAtFetcher{r: f}, size: st.Size(), closer: f}, nil
	}

	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	data, err = decompress(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &File{
		ReaderAtFetcher: ReaderAtFetcher{r: bytes.NewReader(data)},
		size:            int64(len(data)),
	}, nil
}

// Size is the uncompressed length of the image.
func (f *File) Size() int64 { return f.size }

func (f *File) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}

func compression(data []byte) string {
	if len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b {
		return "gzip"
	}
	// zstd magic bytes: 0x28, 0xb5, 0x2f, 0xfd
	if len(data) >= 4 && data[0] == 0x28 && data[1] == 0xb5 && data[2] == 0x2f && data[3] == 0xfd {
		return "zstd"
	}
	return ""
}

// decompress inflates gzip or zstd data and returns anything else as is.
func decompress(data []byte) ([]byte, error) {
	switch compression(data) {
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create gzip reader: %w", err)
		}
		defer r.Close()

		decompressed, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("decompress gzip data: %w", err)
		}
		return decompressed, nil

	case "zstd":
		r, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("create zstd reader: %w", err)
		}
		defer r.Close()

		decompressed, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("decompress zstd data: %w", err)
		}
		return decompressed, nil
	}
	return data, nil
}
