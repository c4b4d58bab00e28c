// Command afb-test runs the generic smoke suite against the bindings listed
// in a plan file. Suites with binding-specific tests build their own binary
// around bindingtest.Main instead.
package main

import (
	_ "embed" // this is required in order for go:embed to work
	"fmt"
	"strings"

	"github.com/redpesk-common/afb-test-go/bindingtest"
)

//go:embed VERSION
var versionString string // comes from the VERSION file which we update for each release

func main() {
	fmt.Printf("afb-test v%s\n", strings.TrimSpace(versionString))
	bindingtest.Main(bindingtest.RunnerParams{
		Name:  "afb-test",
		Suite: bindingtest.SmokeSuite,
	})
}
