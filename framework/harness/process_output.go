package harness

import (
	"bytes"
	"regexp"
	"strings"
	"sync"

	"github.com/redpesk-common/afb-test-go/framework"
)

// capturedOutputLimit bounds how much binder output is retained for startup
// failure reports.
const capturedOutputLimit = 64 * 1024

// lineWriter forwards each complete line of binder process output to the
// debug logger, dropping lines that match any exclude pattern, and retains a
// bounded copy so startup failures can include what the binder printed.
type lineWriter struct {
	logger   framework.Logger
	prefix   string
	exclude  []*regexp.Regexp
	lock     sync.Mutex
	buf      bytes.Buffer
	captured strings.Builder
}

func newLineWriter(logger framework.Logger, prefix string, exclude []*regexp.Regexp) *lineWriter {
	return &lineWriter{logger: logger, prefix: prefix, exclude: exclude}
}

func (w *lineWriter) Write(data []byte) (int, error) {
	w.lock.Lock()
	defer w.lock.Unlock()
	w.buf.Write(data)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Incomplete line; buffer it until the rest arrives.
			w.buf.WriteString(line)
			break
		}
		w.emit(strings.TrimRight(line, "\r\n"))
	}
	return len(data), nil
}

// flush emits any trailing output that did not end with a newline.
func (w *lineWriter) flush() {
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.buf.Len() > 0 {
		w.emit(strings.TrimRight(w.buf.String(), "\r\n"))
		w.buf.Reset()
	}
}

// output returns everything retained so far.
func (w *lineWriter) output() string {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.captured.String()
}

func (w *lineWriter) emit(line string) {
	if line == "" {
		return
	}
	for _, r := range w.exclude {
		if r.MatchString(line) {
			return
		}
	}
	if w.captured.Len() < capturedOutputLimit {
		w.captured.WriteString(line)
		w.captured.WriteString("\n")
	}
	w.logger.Printf("%s%s", w.prefix, line)
}
