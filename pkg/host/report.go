package host

import (
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/grafana/wasmsym/pkg/symbolizer"
)

// report forwards err to the runtime. It is the only caller of OnError.
func (e *Exports) report(err error) {
	level.Debug(e.logger).Log("msg", "reporting failure", "kind", symbolizer.KindOf(err), "err", err)
	e.host.OnError(err.Error())
}

// NewLogger returns a logfmt logger whose lines are sent to Host.Print.
func NewLogger(h Host) log.Logger {
	return log.NewLogfmtLogger(printWriter{h: h})
}

type printWriter struct {
	h Host
}

// Write receives one complete log line per call.
func (w printWriter) Write(p []byte) (int, error) {
	w.h.Print(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}
