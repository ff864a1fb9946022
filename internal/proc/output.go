package proc

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

// OutputSink accumulates a supervised process's stdout/stderr. It is safe for
// one drain goroutine per process plus readers after the process exits. When
// echo is set, bytes are mirrored there as they arrive.
type OutputSink struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	echo io.Writer
}

func NewOutputSink(echo io.Writer) *OutputSink {
	return &OutputSink{echo: echo}
}

func (s *OutputSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.echo != nil {
		_, _ = s.echo.Write(p)
	}
	return s.buf.Write(p)
}

// Dump returns the captured output with runs of consecutive blank lines
// collapsed to a single blank line.
func (s *OutputSink) Dump() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return collapseBlankLines(s.buf.String())
}

// Drain copies r into the sink until r is exhausted. A pseudo-terminal read
// returns an error once the child exits, so this is also the natural end of a
// node's output task.
func Drain(s *OutputSink, r io.Reader) {
	_, _ = io.Copy(s, r)
}

func collapseBlankLines(in string) string {
	lines := strings.Split(in, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if blank {
				continue
			}
			blank = true
			out = append(out, "")
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
