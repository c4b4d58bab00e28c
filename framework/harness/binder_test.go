package harness

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/redpesk-common/afb-test-go/framework"
	"github.com/redpesk-common/afb-test-go/framework/helpers"
	"github.com/redpesk-common/afb-test-go/mockbinder"

	"github.com/launchdarkly/go-test-helpers/v2/httphelpers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBinderFixture() *mockbinder.MockBinder {
	b := mockbinder.New(framework.NullLogger())
	b.AddVerb("demo", "ping", func(args json.RawMessage) (interface{}, *mockbinder.VerbError) {
		return "Pong!", nil
	})
	return b
}

func demoPlan() LoadPlan {
	return LoadPlan{Bindings: []ResolvedBinding{{Name: "demo", Path: "/lib/demo.so"}}}
}

func TestAttachBinderVerifiesBindings(t *testing.T) {
	httphelpers.WithServer(newBinderFixture(), func(server *httptest.Server) {
		binder, err := AttachBinder(server.URL, demoPlan())
		require.NoError(t, err)
		defer binder.Close()

		info := binder.Info()
		assert.Contains(t, info.Apis, "demo")
		assert.Equal(t, []string{"demo", "monitor"}, info.Names())
		assert.NotEmpty(t, info.FullData)
		assert.Equal(t, server.URL, binder.BaseURL())
		assert.Equal(t, demoPlan(), binder.Plan())
	})
}

func TestAttachBinderFailsWhenAPIIsMissing(t *testing.T) {
	httphelpers.WithServer(newBinderFixture(), func(server *httptest.Server) {
		plan := LoadPlan{Bindings: []ResolvedBinding{
			{Name: "demo", Path: "/lib/demo.so"},
			{Name: "ghost", Path: "/lib/ghost.so"},
		}}
		_, err := AttachBinder(server.URL, plan)
		var loadErr *BindingLoadError
		require.ErrorAs(t, err, &loadErr)
		assert.Equal(t, "ghost", loadErr.Binding)
		assert.Contains(t, err.Error(), `"ghost"`)
	})
}

func TestAttachBinderFailsWhenNothingListens(t *testing.T) {
	_, err := AttachBinder("http://127.0.0.1:1", demoPlan(),
		BinderStartupTimeout(time.Second))
	require.Error(t, err)
}

func TestBinderEventLoopLifecycle(t *testing.T) {
	httphelpers.WithServer(newBinderFixture(), func(server *httptest.Server) {
		binder, err := AttachBinder(server.URL, demoPlan())
		require.NoError(t, err)
		defer binder.Close()

		require.Nil(t, binder.CurrentLoop())

		loop, err := binder.AcquireEventLoop()
		require.NoError(t, err)
		assert.Equal(t, loop, binder.CurrentLoop())

		_, err = binder.AcquireEventLoop()
		require.Error(t, err, "acquiring a second loop while one is active must fail")

		binder.ReleaseEventLoop()
		assert.Nil(t, binder.CurrentLoop())
		binder.ReleaseEventLoop() // safe with no active loop

		loop2, err := binder.AcquireEventLoop()
		require.NoError(t, err)
		assert.NotNil(t, loop2)
	})
}

func TestBinderEventLoopReceivesEvents(t *testing.T) {
	mock := newBinderFixture()
	httphelpers.WithServer(mock, func(server *httptest.Server) {
		binder, err := AttachBinder(server.URL, demoPlan())
		require.NoError(t, err)
		defer binder.Close()

		loop, err := binder.AcquireEventLoop()
		require.NoError(t, err)
		stream := loop.Events("demo/*")

		mock.Emit("demo", "tick", map[string]int{"n": 1})

		event := helpers.RequireValue(t, stream.C(), time.Second*5)
		assert.Equal(t, "demo/tick", event.Name)
		assert.JSONEq(t, `{"n":1}`, string(event.Data))
	})
}

func TestBinderCloseIsIdempotent(t *testing.T) {
	httphelpers.WithServer(newBinderFixture(), func(server *httptest.Server) {
		binder, err := AttachBinder(server.URL, demoPlan())
		require.NoError(t, err)

		_, err = binder.AcquireEventLoop()
		require.NoError(t, err)

		binder.Close()
		binder.Close()
		assert.Nil(t, binder.CurrentLoop())
	})
}

func TestStartBinderReportsExecutableNotFound(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "no-such-binder")
	_, err := StartBinder(demoPlan(), BinderExecutable(missing))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-binder")
}

func TestStartBinderUsesExecutableFromEnv(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "env-binder")
	t.Setenv(BinderExecutableEnvVar, missing)
	_, err := StartBinder(demoPlan())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "env-binder")
}

func TestStartBinderExecutableOptionBeatsEnv(t *testing.T) {
	t.Setenv(BinderExecutableEnvVar, "/bin/false")
	missing := filepath.Join(t.TempDir(), "option-binder")
	_, err := StartBinder(demoPlan(), BinderExecutable(missing))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "option-binder")
}

func TestStartBinderReportsPrematureExit(t *testing.T) {
	logger := &framework.CapturingLogger{}
	_, err := StartBinder(demoPlan(),
		BinderExecutable("/bin/false"),
		BinderStartupTimeout(time.Second*5),
		BinderDebugLogger(logger))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited during startup")
	assert.Contains(t, logger.Output().ToString(""), "starting binder: ")
}
