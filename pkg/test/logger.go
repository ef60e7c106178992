package test

import (
	"bytes"
	"strings"
	"sync"
	"testing"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

type testingLogger struct {
	t testing.TB

	mu  sync.Mutex
	buf bytes.Buffer
	fmt log.Logger
}

// NewTestingLogger returns a logfmt logger writing to t.Log. Debug lines are
// kept so that failing tests show the full symbolization trace.
func NewTestingLogger(t testing.TB) log.Logger {
	l := &testingLogger{t: t}
	l.fmt = log.NewLogfmtLogger(&l.buf)
	return level.NewFilter(l, level.AllowDebug())
}

func (l *testingLogger) Log(keyvals ...interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Reset()
	if err := l.fmt.Log(keyvals...); err != nil {
		return err
	}
	l.t.Helper()
	l.t.Log(strings.TrimSuffix(l.buf.String(), "\n"))
	return nil
}
