package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/version"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(consoleOutput)
)

func main() {
	ctx := withOutput(context.Background(), os.Stdout)

	app := kingpin.New(filepath.Base(os.Args[0]), "Resolve wasm code addresses to source frames using embedded DWARF.").UsageWriter(os.Stdout)
	app.Version(version.Print("wasmsym"))
	app.HelpFlag.Short('h')
	verbose := app.Flag("verbose", "Enable verbose logging.").Short('v').Default("false").Bool()
	configFile := app.Flag("config.file", "Optional yaml configuration file.").String()

	resolveCmd := app.Command("resolve", "Resolve addresses of a wasm module.")
	resolveParams := addResolveParams(resolveCmd)

	sectionsCmd := app.Command("sections", "List the sections of a wasm module.")
	sectionsParams := addSourceParams(sectionsCmd)

	parsedCmd := kingpin.MustParse(app.Parse(os.Args[1:]))

	if *verbose {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		os.Exit(checkError(err))
	}

	switch parsedCmd {
	case resolveCmd.FullCommand():
		if err := resolve(ctx, cfg, resolveParams); err != nil {
			os.Exit(checkError(err))
		}
	case sectionsCmd.FullCommand():
		if err := sections(ctx, cfg, sectionsParams); err != nil {
			os.Exit(checkError(err))
		}
	default:
		level.Error(logger).Log("msg", "unknown command", "cmd", parsedCmd)
	}
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

type contextKey uint8

const (
	contextKeyOutput contextKey = iota
)

func withOutput(ctx context.Context, w io.Writer) context.Context {
	return context.WithValue(ctx, contextKeyOutput, w)
}

func output(ctx context.Context) io.Writer {
	if w, ok := ctx.Value(contextKeyOutput).(io.Writer); ok {
		return w
	}
	return os.Stdout
}
