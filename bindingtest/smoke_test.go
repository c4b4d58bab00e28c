package bindingtest

import (
	"encoding/json"
	"testing"

	"github.com/redpesk-common/afb-test-go/framework"
	"github.com/redpesk-common/afb-test-go/framework/harness"
	"github.com/redpesk-common/afb-test-go/mockbinder"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSmokeSuitePassesAgainstHealthyBinding(t *testing.T) {
	results := runSuiteAgainst(t, newSuiteFixture(), []string{"hello"}, func(binder *harness.TestBinder, bt *T) {
		SmokeSuite(bt)
	})
	require.True(t, results.OK())

	var ids []string
	for _, test := range results.Tests {
		ids = append(ids, test.TestID.String())
	}
	assert.Contains(t, ids, "hello/api is exported")
	assert.Contains(t, ids, "hello/ping", "the ping check must run, not skip")
}

func TestSmokeSuiteSkipsPingWhenBindingLacksIt(t *testing.T) {
	mock := mockbinder.New(framework.NullLogger())
	mock.AddVerb("quiet", "status", func(args json.RawMessage) (interface{}, *mockbinder.VerbError) {
		return map[string]string{"state": "idle"}, nil
	})
	results := runSuiteAgainst(t, mock, []string{"quiet"}, func(binder *harness.TestBinder, bt *T) {
		SmokeSuite(bt)
	})
	require.True(t, results.OK())

	var ids []string
	for _, test := range results.Tests {
		ids = append(ids, test.TestID.String())
	}
	assert.Contains(t, ids, "quiet/api is exported")
	assert.NotContains(t, ids, "quiet/ping", "skipped tests do not produce results")
}

func TestApiHasVerbAcceptsOpenAPIDescriptions(t *testing.T) {
	info := harness.BinderInfo{Apis: map[string]json.RawMessage{
		"hello": json.RawMessage(`{"openapi":"3.0.0","paths":{"/ping":{"get":{}}}}`),
		"quiet": json.RawMessage(`{"openapi":"3.0.0","paths":{"/status":{"get":{}}}}`),
	}}
	assert.True(t, apiHasVerb(info, "hello", "ping"))
	assert.False(t, apiHasVerb(info, "quiet", "ping"))
	assert.False(t, apiHasVerb(info, "ghost", "ping"))
}
