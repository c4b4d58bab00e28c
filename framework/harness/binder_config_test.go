package harness

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBinderConfigDocument(t *testing.T) {
	plan := LoadPlan{Bindings: []ResolvedBinding{
		{Name: "alpha", Path: "/lib/alpha.so", Config: json.RawMessage(`{"x":[1,2,3]}`)},
		{Name: "beta", Path: "/lib/beta.so"},
		{Name: "gamma", Path: "/lib/gamma.so", Config: map[string]interface{}{"y": true}},
	}}

	doc, err := makeBinderConfig("my-binder", 8111, 255, plan).document()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"name": "my-binder",
		"port": 8111,
		"rootdir": ".",
		"verbose": 255,
		"binding": ["/lib/alpha.so", "/lib/beta.so", "/lib/gamma.so"],
		"set": {"alpha": {"x": [1, 2, 3]}, "gamma": {"y": true}}
	}`, string(doc))
}

func TestBinderConfigDocumentWithoutBindings(t *testing.T) {
	doc, err := makeBinderConfig("my-binder", 8111, 3, LoadPlan{}).document()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"name": "my-binder",
		"port": 8111,
		"rootdir": ".",
		"verbose": 3,
		"binding": []
	}`, string(doc))
}
