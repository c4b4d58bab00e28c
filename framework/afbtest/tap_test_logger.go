package afbtest

import (
	"io"
	"strings"
	"sync"

	"github.com/redpesk-common/afb-test-go/framework"
	"github.com/redpesk-common/afb-test-go/framework/helpers"
)

// TAPTestLogger streams test status in Test Anything Protocol form: one "ok"/"not ok"
// line per finished test point, "# SKIP" and "# TODO" directives for skipped and
// non-critical tests, error details as "#" diagnostic lines, and a trailing "1..N" plan
// once the count is known. Test points are numbered from 1 as the protocol requires.
type TAPTestLogger struct {
	output     io.Writer
	pointCount int
	lock       sync.Mutex
}

func NewTAPTestLogger(output io.Writer) *TAPTestLogger {
	return &TAPTestLogger{output: output}
}

func (l *TAPTestLogger) TestStarted(id TestID) {}

// TestError is a no-op because the errors arrive again in TestFinished's result, and
// diagnostics have to be printed after the test point line rather than before.
func (l *TAPTestLogger) TestError(id TestID, err error) {}

func (l *TAPTestLogger) TestFinished(id TestID, result TestResult, debugOutput framework.CapturedOutput) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.pointCount++
	switch {
	case result.Failed() && result.NonCritical:
		helpers.MustFprintf(l.output, "not ok %d - %s # TODO %s\n", l.pointCount, tapDescription(id), result.Explanation)
	case result.Failed():
		helpers.MustFprintf(l.output, "not ok %d - %s\n", l.pointCount, tapDescription(id))
	default:
		helpers.MustFprintf(l.output, "ok %d - %s\n", l.pointCount, tapDescription(id))
	}
	for _, err := range result.Errors {
		l.printDiagnostic(err.Error())
		if es, ok := err.(ErrorWithStacktrace); ok {
			for _, s := range es.Stacktrace {
				l.printDiagnostic("  at " + s.String())
			}
		}
	}
}

func (l *TAPTestLogger) TestSkipped(id TestID, reason string) {
	l.lock.Lock()
	defer l.lock.Unlock()
	l.pointCount++
	if reason == "" {
		helpers.MustFprintf(l.output, "ok %d - %s # SKIP\n", l.pointCount, tapDescription(id))
	} else {
		helpers.MustFprintf(l.output, "ok %d - %s # SKIP %s\n", l.pointCount, tapDescription(id), reason)
	}
}

func (l *TAPTestLogger) EndLog(results Results) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	helpers.MustFprintf(l.output, "1..%d\n", l.pointCount)
	if !results.OK() {
		helpers.MustFprintf(l.output, "# failed %d of %d test points\n", len(results.Failures), l.pointCount)
	}
	return nil
}

func (l *TAPTestLogger) printDiagnostic(message string) {
	for _, line := range strings.Split(message, "\n") {
		helpers.MustFprintf(l.output, "# %s\n", line)
	}
}

// tapDescription renders a test ID so that it cannot be mistaken for the start of a
// directive; an unescaped "#" would end the description early for TAP consumers.
func tapDescription(id TestID) string {
	return strings.ReplaceAll(id.String(), "#", `\#`)
}
