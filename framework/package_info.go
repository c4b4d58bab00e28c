// Package framework contains the low-level pieces of the binding test kit
// that are not specific to any one binding: logging and per-test output
// capture. Higher-level components live in the subpackages afbtest (the test
// framework) and harness (binder bootstrap and load-plan resolution).
//
// The general model is:
//
// 1. The harness starts (or attaches to) a single AFB binder for the whole
// test run and loads the bindings under test into it.
//
// 2. Each test scope owns one event loop bound to the binder's event stream
// for exactly the duration of that test.
//
// 3. There is a general notion of a test scope which is similar to Go's
// testing.T, allowing pieces of test logic to be associated with a test
// identifier and to accumulate success/failure results.
//
// The domain-specific code that knows how to talk to bindings (verb calls,
// event assertions, the runner) is in the top-level bindingtest package.
package framework
