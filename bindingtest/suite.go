package bindingtest

import (
	"github.com/redpesk-common/afb-test-go/framework/afbtest"
	"github.com/redpesk-common/afb-test-go/framework/harness"
)

// RunBindingTestSuite runs a test suite against the given binder. Every scope
// in the suite reaches the binder through T.Binder; nothing is stored
// globally. The handle stays open when the suite finishes, its lifecycle
// belongs to the caller.
func RunBindingTestSuite(
	binder *harness.TestBinder,
	filter afbtest.Filter,
	testLogger afbtest.TestLogger,
	suite func(*T),
) afbtest.Results {
	config := afbtest.TestConfiguration{
		Filter:     filter,
		TestLogger: testLogger,
		Context:    bindingTestContext{binder: binder},
	}
	return afbtest.Run(config, func(scope *afbtest.T) {
		suite(newTestScope(scope))
	})
}
