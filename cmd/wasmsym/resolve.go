package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/wasmsym/pkg/symbolizer"
)

type resolveParams struct {
	*sourceParams
	addresses   []string
	raw         bool
	concurrency int
}

func addResolveParams(cmd *kingpin.CmdClause) *resolveParams {
	params := &resolveParams{sourceParams: addSourceParams(cmd)}
	cmd.Arg("address", "Code addresses, decimal or 0x-prefixed hex.").Required().StringsVar(&params.addresses)
	cmd.Flag("raw", "Addresses are module file offsets rather than code section offsets.").Default("false").BoolVar(&params.raw)
	cmd.Flag("concurrency", "Number of concurrent lookups.").Default("4").IntVar(&params.concurrency)
	return params
}

type lookup struct {
	addr  uint64
	frame symbolizer.Frame
	err   error
}

func parseAddresses(args []string) ([]uint64, error) {
	errs := multierror.New()
	addrs := make([]uint64, 0, len(args))
	for _, arg := range args {
		v, err := strconv.ParseUint(arg, 0, 64)
		if err != nil {
			errs.Add(fmt.Errorf("invalid address %q: %w", arg, err))
			continue
		}
		addrs = append(addrs, v)
	}
	return addrs, errs.Err()
}

func resolve(ctx context.Context, cfg config, params *resolveParams) error {
	params.apply(&cfg)
	if err := cfg.Symbolizer.Validate(); err != nil {
		return err
	}
	addrs, err := parseAddresses(params.addresses)
	if err != nil {
		return err
	}
	addrs = lo.Uniq(addrs)

	src, err := openSource(ctx, cfg, params.sourceParams)
	if err != nil {
		return err
	}
	defer src.Close()

	s, err := symbolizer.New(logger, cfg.Symbolizer, src.fetcher, nil)
	if err != nil {
		return err
	}
	offset, err := s.Initialize(src.size)
	if err != nil {
		return err
	}
	level.Debug(logger).Log("msg", "module loaded", "size", src.size, "code_offset", offset)

	lookups := make([]lookup, len(addrs))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(max(params.concurrency, 1))
	for i, addr := range addrs {
		i, addr := i, addr
		g.Go(func() error {
			lookups[i] = resolveOne(s, addr, offset, params.raw)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	table := tablewriter.NewWriter(output(ctx))
	table.SetHeader([]string{"Address", "Symbol", "Location"})
	table.SetAutoWrapText(false)
	table.AppendBulk(lo.Map(lookups, func(l lookup, _ int) []string {
		if l.err != nil {
			return []string{fmt.Sprintf("0x%x", l.addr), "??", l.err.Error()}
		}
		return []string{fmt.Sprintf("0x%x", l.addr), lo.Ternary(l.frame.Symbol == "", "??", l.frame.Symbol), location(l.frame)}
	}))
	table.Render()
	return nil
}

func resolveOne(s *symbolizer.Symbolizer, addr uint64, offset int64, raw bool) lookup {
	l := lookup{addr: addr}
	if raw {
		if addr < uint64(offset) {
			l.err = fmt.Errorf("address is before the code section at 0x%x", offset)
			return l
		}
		addr -= uint64(offset)
	}
	l.frame, l.err = s.Resolve(addr)
	return l
}

func location(f symbolizer.Frame) string {
	if f.File == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d:%d", f.File, f.Line, f.Column)
}
