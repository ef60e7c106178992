package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/grafana/wasmsym/pkg/symbolizer"
)

func sections(ctx context.Context, cfg config, params *sourceParams) error {
	params.apply(&cfg)
	if err := cfg.Symbolizer.Validate(); err != nil {
		return err
	}
	src, err := openSource(ctx, cfg, params)
	if err != nil {
		return err
	}
	defer src.Close()

	r, err := symbolizer.NewReadCache(symbolizer.NewChunkReader(src.fetcher, src.size), cfg.Symbolizer.ChunkSize, cfg.Symbolizer.CacheChunks)
	if err != nil {
		return err
	}
	m, err := symbolizer.ParseModule(r, src.size)
	if err != nil {
		return err
	}

	out := output(ctx)
	fmt.Fprintln(out, "Module size:", humanize.Bytes(uint64(m.Size())))
	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"ID", "Name", "Offset", "Size", "Compressed"})
	for _, s := range m.Sections() {
		table.Append([]string{
			fmt.Sprintf("%d", s.ID),
			s.Name,
			fmt.Sprintf("0x%x", s.Offset),
			humanize.Bytes(uint64(s.Size)),
			fmt.Sprintf("%t", s.Compressed),
		})
	}
	table.Render()
	return nil
}
