package harness

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
	yaml "gopkg.in/yaml.v3"
)

// PlanFile is the parsed form of a test plan document. Plan files can be
// YAML or JSON; JSON may contain comments and trailing commas.
type PlanFile struct {
	// Name optionally overrides the binder instance name.
	Name string `json:"name"`

	// Bindings lists the bindings to load, in load order.
	Bindings []PlanFileBinding `json:"bindings"`
}

// PlanFileBinding is one bindings entry of a plan file.
type PlanFileBinding struct {
	Name string `json:"name"`
	Path string `json:"path"`

	// Config is the binding's configuration blob, passed to the binder
	// unchanged.
	Config interface{} `json:"config,omitempty"`
}

// LoadPlanFile reads and validates a plan file. The result provides the same
// inputs the programmatic API takes (BindingSpecs and ConfigMap).
func LoadPlanFile(path string) (PlanFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return PlanFile{}, fmt.Errorf("reading plan file: %w", err)
	}
	var plan PlanFile
	if err := ParseJSONOrYAML(data, &plan); err != nil {
		return PlanFile{}, fmt.Errorf("malformed plan file %s: %w", path, err)
	}
	if len(plan.Bindings) == 0 {
		return PlanFile{}, fmt.Errorf("plan file %s does not list any bindings", path)
	}
	for i, binding := range plan.Bindings {
		if binding.Name == "" {
			return PlanFile{}, fmt.Errorf("plan file %s: bindings[%d] has no name", path, i)
		}
		if binding.Path == "" {
			return PlanFile{}, fmt.Errorf("plan file %s: binding %q has no path", path, binding.Name)
		}
	}
	return plan, nil
}

// BindingSpecs returns the plan's bindings in file order.
func (p PlanFile) BindingSpecs() []BindingSpec {
	specs := make([]BindingSpec, 0, len(p.Bindings))
	for _, binding := range p.Bindings {
		specs = append(specs, BindingSpec{Name: binding.Name, Path: binding.Path})
	}
	return specs
}

// ConfigMap returns the per-binding configuration blobs keyed by path, the
// shape ResolveBindings takes.
func (p PlanFile) ConfigMap() map[string]interface{} {
	var config map[string]interface{}
	for _, binding := range p.Bindings {
		if binding.Config == nil {
			continue
		}
		if config == nil {
			config = make(map[string]interface{})
		}
		config[binding.Path] = binding.Config
	}
	return config
}

// ParseJSONOrYAML is used in the same way as json.Unmarshal, but accepts
// JSON with comments and trailing commas, and if the data is YAML and not
// JSON, it converts the YAML to JSON and then parses it as JSON.
func ParseJSONOrYAML(data []byte, target interface{}) error {
	if err := json.Unmarshal(jsonc.ToJSON(data), target); err == nil {
		return nil
	}
	var rawStructure interface{}
	if err := yaml.Unmarshal(data, &rawStructure); err != nil {
		return err
	}
	normalized, err := normalizeParsedYAMLForJSON(rawStructure)
	if err != nil {
		return err
	}
	jsonData, err := json.Marshal(normalized)
	if err != nil {
		return err
	}
	return json.Unmarshal(jsonData, target)
}

func normalizeParsedYAMLForJSON(data interface{}) (interface{}, error) {
	switch data := data.(type) {
	case []interface{}:
		arrayOut := make([]interface{}, 0)
		for _, v := range data {
			v1, err := normalizeParsedYAMLForJSON(v)
			if err != nil {
				return nil, err
			}
			arrayOut = append(arrayOut, v1)
		}
		return arrayOut, nil
	case map[string]interface{}:
		mapOut := make(map[string]interface{})
		for k, v := range data {
			v1, err := normalizeParsedYAMLForJSON(v)
			if err != nil {
				return nil, err
			}
			mapOut[k] = v1
		}
		return mapOut, nil
	case map[interface{}]interface{}:
		mapOut := make(map[string]interface{})
		for k, v := range data {
			switch key := k.(type) {
			case string:
				v1, err := normalizeParsedYAMLForJSON(v)
				if err != nil {
					return nil, err
				}
				mapOut[key] = v1
			default:
				return nil, fmt.Errorf(
					"YAML data contained a map key of type %t; only string keys are allowed",
					k)
			}
		}
		return mapOut, nil
	default:
		return data, nil
	}
}
