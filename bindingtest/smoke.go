package bindingtest

import (
	"encoding/json"

	"github.com/redpesk-common/afb-test-go/framework/harness"

	"github.com/stretchr/testify/require"
)

// SmokeSuite is a generic suite for any load plan: one subtest per binding,
// checking that its api answers live monitor introspection and that its ping
// verb, when it exports one, round-trips. It is what the afb-test binary
// runs.
func SmokeSuite(t *T) {
	for _, binding := range t.Binder().Plan().Bindings {
		t.Run(binding.Name, func(t *T) {
			t.Run("api is exported", func(t *T) {
				reply := t.RequireCall("monitor", "get", map[string]interface{}{"apis": true})
				var described struct {
					Apis map[string]json.RawMessage `json:"apis"`
				}
				require.NoError(t, json.Unmarshal(reply.Response, &described))
				require.Contains(t, described.Apis, binding.Name)
			})
			t.Run("ping", func(t *T) {
				if !apiHasVerb(t.Binder().Info(), binding.Name, "ping") {
					t.SkipWithReason("binding does not export a ping verb")
				}
				t.RequireCall(binding.Name, "ping", nil)
			})
		})
	}
}

// apiHasVerb reports whether the binder's description of an api mentions the
// verb. afb-binder's monitor introspection describes each api as an OpenAPI
// document with "/verb" paths; simpler binders describe verbs as direct keys.
// Both forms are accepted.
func apiHasVerb(info harness.BinderInfo, api, verb string) bool {
	description, ok := info.Apis[api]
	if !ok {
		return false
	}
	var direct map[string]json.RawMessage
	if err := json.Unmarshal(description, &direct); err != nil {
		return false
	}
	if _, ok := direct[verb]; ok {
		return true
	}
	var spec struct {
		Paths map[string]json.RawMessage `json:"paths"`
	}
	if err := json.Unmarshal(description, &spec); err != nil {
		return false
	}
	_, ok = spec.Paths["/"+verb]
	return ok
}
