package bindingtest

import (
	"context"
	"fmt"
	"time"

	"github.com/redpesk-common/afb-test-go/afbws"
	"github.com/redpesk-common/afb-test-go/framework"
	"github.com/redpesk-common/afb-test-go/framework/afbtest"
	"github.com/redpesk-common/afb-test-go/framework/harness"
	"github.com/redpesk-common/afb-test-go/framework/helpers"

	"github.com/stretchr/testify/require"
)

type bindingTestContext struct {
	binder *harness.TestBinder
}

func requireContext(scope *afbtest.T) bindingTestContext {
	if c, ok := scope.Context().(bindingTestContext); ok {
		return c
	}
	panic("the binder handle was not included in the test configuration!" +
		" Binding test scopes must be created through RunBindingTestSuite.")
}

// T represents a test or subtest in a binding test suite.
//
// It implements the same basic functionality as Go's testing.T, but in an
// environment that is outside of the Go test runner. Those features are
// provided by the lower-level afbtest package.
//
// It also provides functionality that is specific to testing AFB bindings:
// calling verbs on the binder, watching for pushed events, and consulting
// what the binder exports. Every binder interaction runs within the scope's
// event loop, which is acquired lazily and always released when the scope
// exits.
//
// To make test assertions, you can use the assert and require packages,
// passing the *T as if it were a *testing.T. There are also assertions built
// into the call and event methods, causing the test to immediately fail if
// something unexpected happens, to reduce the amount of boilerplate logic in
// tests.
type T struct {
	scope      *afbtest.T
	binder     *harness.TestBinder
	activeLoop *afbws.EventLoop
}

func newTestScope(scope *afbtest.T) *T {
	return &T{scope: scope, binder: requireContext(scope).binder}
}

// Errorf is called by assertions to log a test failure. It does not cause an immediate exit.
func (t *T) Errorf(format string, args ...interface{}) {
	t.scope.HelperAtDepth(0) // keep this delegating method out of failure stacktraces
	t.scope.Errorf(format, args...)
}

// FailNow is called by assertions when a test should fail and immediately exit. The methods
// in the require package call FailNow.
func (t *T) FailNow() {
	t.scope.FailNow()
}

// Skip causes the test to immediately terminate and be marked as skipped.
func (t *T) Skip() {
	t.scope.Skip()
}

// SkipWithReason is equivalent to Skip but provides a message.
func (t *T) SkipWithReason(reason string) {
	t.scope.SkipWithReason(reason)
}

// Run runs a subtest in its own scope. This is equivalent to the Run method of testing.T.
//
// The subtest shares the parent's event loop if the parent has acquired one;
// otherwise it acquires and releases its own.
func (t *T) Run(name string, action func(*T)) {
	t.scope.Run(name, func(scope *afbtest.T) {
		action(newTestScope(scope))
	})
}

// Debug writes a message to the output for this test scope.
func (t *T) Debug(format string, args ...interface{}) {
	t.scope.Debug(format, args...)
}

// DebugLogger returns a Logger instance for writing output for this test scope.
func (t *T) DebugLogger() framework.Logger {
	return t.scope.DebugLogger()
}

// Defer schedules a cleanup function which is guaranteed to be called when this test
// scope exits for any reason.
func (t *T) Defer(cleanupFn func()) {
	t.scope.Defer(cleanupFn)
}

// ID returns the full name of the current test.
func (t *T) ID() afbtest.TestID {
	return t.scope.ID()
}

// Helper marks the function that calls it as a test helper that shouldn't appear in
// stacktraces.
func (t *T) Helper() {
	t.scope.HelperAtDepth(1) // 0 would be this method, 1 is whoever called it
}

// Binder returns the process-wide binder handle shared by every scope in the run.
func (t *T) Binder() *harness.TestBinder {
	return t.binder
}

// eventLoop returns the scope's event loop, acquiring one on first use. A
// scope whose ancestor already holds the loop shares it; only the acquiring
// scope releases it.
func (t *T) eventLoop() *afbws.EventLoop {
	if t.activeLoop != nil {
		return t.activeLoop
	}
	if current := t.binder.CurrentLoop(); current != nil {
		t.activeLoop = current
		return current
	}
	loop, err := t.binder.AcquireEventLoop()
	require.NoError(t, err)
	t.scope.Defer(t.binder.ReleaseEventLoop)
	t.activeLoop = loop
	return loop
}

// Call invokes a verb on the binder and returns the raw reply. A reply with
// an error status is not a Go error; err is non-nil only when the call could
// not be completed at all (connection loss, timeout).
func (t *T) Call(api, verb string, args interface{}) (afbws.Reply, error) {
	t.Helper()
	t.eventLoop()
	ctx, cancel := context.WithTimeout(context.Background(), t.binder.CallTimeout())
	defer cancel()
	reply, err := t.binder.Client().Call(ctx, api, verb, args)
	if err != nil {
		t.Debug("call %s/%s failed: %s", api, verb, err)
	} else {
		t.Debug("call %s/%s replied: %s", api, verb, reply)
	}
	return reply, err
}

// RequireCall invokes a verb and fails the test immediately unless the binder
// reports success.
func (t *T) RequireCall(api, verb string, args interface{}) afbws.Reply {
	t.Helper()
	reply, err := t.Call(api, verb, args)
	require.NoError(t, err)
	if !reply.OK {
		require.Fail(t, "verb call failed", "%s/%s replied %s", api, verb, reply)
	}
	return reply
}

// RequireCallError invokes a verb and fails the test immediately unless the
// binder reports an error, returning the error reply for further assertions.
func (t *T) RequireCallError(api, verb string, args interface{}) afbws.Reply {
	t.Helper()
	reply, err := t.Call(api, verb, args)
	require.NoError(t, err)
	if reply.OK {
		require.Fail(t, "verb call unexpectedly succeeded", "%s/%s replied %s", api, verb, reply)
	}
	return reply
}

// Events attaches a stream for events whose "api/event" name matches the
// pattern, with path.Match wildcard semantics. The stream belongs to the
// scope's event loop and is torn down with it.
func (t *T) Events(pattern string) *afbws.EventStream {
	return t.eventLoop().Events(pattern)
}

// RequireEvent waits for the next event on the stream, failing the test
// immediately if none arrives within the timeout.
func (t *T) RequireEvent(stream *afbws.EventStream, timeout time.Duration) afbws.Event {
	t.Helper()
	return helpers.RequireValueWithMessage(t, stream.C(), timeout,
		"timed out waiting for an event matching %q", stream.Pattern())
}

// RequireNoEvent waits out the timeout and fails the test immediately if any
// event arrives on the stream during it.
func (t *T) RequireNoEvent(stream *afbws.EventStream, timeout time.Duration) {
	t.Helper()
	if m := helpers.TryReceive(stream.C(), timeout); m.IsDefined() {
		event := m.Value()
		require.Fail(t, "received an unexpected event", "%s with data %s", event.Name, string(event.Data))
	}
}

// RequireEventEmitted watches for the named event while running the given
// function, then fails the test unless the event arrives within the timeout.
// The watch starts before the function runs, so an event it triggers cannot
// be missed; it ends when RequireEventEmitted returns.
func (t *T) RequireEventEmitted(api, event string, timeout time.Duration, during func()) afbws.Event {
	t.Helper()
	stream := t.Events(api + "/" + event)
	defer stream.Close()
	during()
	return t.RequireEvent(stream, timeout)
}

// RequireAPI skips this test if the binder does not export the named api.
// Suites that exercise optional companion bindings gate on it.
func (t *T) RequireAPI(name string) {
	if _, ok := t.binder.Info().Apis[name]; !ok {
		t.SkipWithReason(fmt.Sprintf("binder does not export api %q", name))
	}
}
