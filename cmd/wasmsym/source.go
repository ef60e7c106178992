package main

import (
	"context"
	"errors"
	"io"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/wasmsym/pkg/fetch"
	"github.com/grafana/wasmsym/pkg/symbolizer"
)

type sourceParams struct {
	modulePath string
	url        string
	chunkSize  int
	cacheSize  int
}

func addSourceParams(cmd *kingpin.CmdClause) *sourceParams {
	params := &sourceParams{}
	cmd.Flag("module", "Path to the wasm module. gzip and zstd compressed files are accepted.").StringVar(&params.modulePath)
	cmd.Flag("url", "URL of the wasm module, fetched with range requests.").StringVar(&params.url)
	cmd.Flag("chunk-size", "Size in bytes of the blocks read from the module. Overrides the config file.").Default("0").IntVar(&params.chunkSize)
	cmd.Flag("cache-chunks", "Number of blocks cached while parsing. Overrides the config file.").Default("0").IntVar(&params.cacheSize)
	return params
}

// source is an opened module image.
type source struct {
	fetcher symbolizer.Fetcher
	size    int64
	closer  io.Closer
}

func (s *source) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func (p *sourceParams) apply(cfg *config) {
	if p.chunkSize > 0 {
		cfg.Symbolizer.ChunkSize = p.chunkSize
	}
	if p.cacheSize > 0 {
		cfg.Symbolizer.CacheChunks = p.cacheSize
	}
	if p.url != "" {
		cfg.Fetch.URL = p.url
	}
}

func openSource(ctx context.Context, cfg config, p *sourceParams) (*source, error) {
	switch {
	case p.modulePath != "" && p.url != "":
		return nil, errors.New("--module and --url are mutually exclusive")
	case p.modulePath != "":
		f, err := fetch.OpenFile(p.modulePath)
		if err != nil {
			return nil, err
		}
		return &source{fetcher: f, size: f.Size(), closer: f}, nil
	case cfg.Fetch.URL != "":
		f, err := fetch.NewHTTPFetcher(logger, cfg.Fetch, nil)
		if err != nil {
			return nil, err
		}
		size, err := f.Size(ctx)
		if err != nil {
			return nil, err
		}
		return &source{fetcher: f, size: size}, nil
	default:
		return nil, errors.New("one of --module or --url is required")
	}
}
