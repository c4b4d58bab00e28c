package afbtest

import (
	"strings"
)

type Results struct {
	Tests               []TestResult
	Failures            []TestResult
	NonCriticalFailures []TestResult
}

type TestResult struct {
	TestID      TestID
	Errors      []error
	NonCritical bool
	Explanation string
}

func (r Results) OK() bool {
	return len(r.Failures) == 0
}

// Failed returns true if the test recorded at least one error. Tests that fail
// always record at least one error, even if it is only a placeholder message.
func (r TestResult) Failed() bool {
	return len(r.Errors) > 0
}

type TestID []string

func (t TestID) String() string {
	return strings.Join(t, "/")
}

func (t TestID) Plus(name string) TestID {
	return append(append(TestID(nil), t...), name)
}
