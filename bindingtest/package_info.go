// Package bindingtest is the API that binding test suites are written
// against.
//
// A suite is a function receiving a *T, the binding-aware test scope. Each
// scope runs with its own event loop on the shared binder connection: the
// loop is acquired the first time the scope calls a verb or watches for
// events, and released when the scope exits, whether it passed, failed,
// skipped, or panicked. Subtests started while their parent holds the loop
// share it rather than acquiring their own.
//
// Infrastructure that is not specific to bindings lives in the lower-level
// packages: framework/afbtest is the scope and reporting machinery,
// framework/harness resolves and bootstraps the binder, and afbws speaks its
// wire protocol.
package bindingtest
