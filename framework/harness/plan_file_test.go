package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const yamlPlan = `
name: demo-plan
bindings:
  - name: alpha
    path: alpha.so
    config:
      answer: 42
  - name: beta
    path: /usr/lib/beta.so
`

const jsoncPlan = `{
	// comments are allowed in JSON plan files,
	"name": "demo-plan",
	"bindings": [
		{"name": "alpha", "path": "alpha.so", "config": {"answer": 42}},
		{"name": "beta", "path": "/usr/lib/beta.so"},
	],
}`

func writePlanFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadPlanFileYAMLAndJSONCAreEquivalent(t *testing.T) {
	fromYAML, err := LoadPlanFile(writePlanFile(t, "plan.yaml", yamlPlan))
	require.NoError(t, err)
	fromJSONC, err := LoadPlanFile(writePlanFile(t, "plan.json", jsoncPlan))
	require.NoError(t, err)

	assert.Equal(t, fromYAML, fromJSONC)
	assert.Equal(t, "demo-plan", fromYAML.Name)
	require.Len(t, fromYAML.Bindings, 2)
	assert.Equal(t, "alpha", fromYAML.Bindings[0].Name)
	assert.Equal(t, map[string]interface{}{"answer": float64(42)}, fromYAML.Bindings[0].Config)
	assert.Nil(t, fromYAML.Bindings[1].Config)
}

func TestPlanFileProducesResolverInputs(t *testing.T) {
	plan, err := LoadPlanFile(writePlanFile(t, "plan.yaml", yamlPlan))
	require.NoError(t, err)

	assert.Equal(t, []BindingSpec{
		{Name: "alpha", Path: "alpha.so"},
		{Name: "beta", Path: "/usr/lib/beta.so"},
	}, plan.BindingSpecs())
	assert.Equal(t, map[string]interface{}{
		"alpha.so": map[string]interface{}{"answer": float64(42)},
	}, plan.ConfigMap())
}

func TestLoadPlanFileValidation(t *testing.T) {
	for _, p := range []struct {
		name          string
		content       string
		errorContains string
	}{
		{"empty", `{"name": "x"}`, "does not list any bindings"},
		{"unnamed binding", `{"bindings": [{"path": "a.so"}]}`, "has no name"},
		{"pathless binding", `{"bindings": [{"name": "a"}]}`, `"a" has no path`},
		{"garbage", "{{{", "malformed plan file"},
	} {
		t.Run(p.name, func(t *testing.T) {
			_, err := LoadPlanFile(writePlanFile(t, "plan.json", p.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), p.errorContains)
		})
	}
}

func TestLoadPlanFileMissingFile(t *testing.T) {
	_, err := LoadPlanFile(filepath.Join(t.TempDir(), "nosuch.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading plan file")
}
