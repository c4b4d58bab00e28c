package harness

import "encoding/json"

// binderConfig is the configuration document handed to a spawned afb-binder
// through --config. Field names follow the binder's long option names. The
// binding array preserves the plan's load order; the set object carries each
// binding's configuration blob keyed by binding name.
type binderConfig struct {
	Name    string                 `json:"name"`
	Port    int                    `json:"port"`
	RootDir string                 `json:"rootdir"`
	Verbose int                    `json:"verbose"`
	Binding []string               `json:"binding"`
	Set     map[string]interface{} `json:"set,omitempty"`
}

func makeBinderConfig(name string, port, verbosity int, plan LoadPlan) binderConfig {
	config := binderConfig{
		Name:    name,
		Port:    port,
		RootDir: ".",
		Verbose: verbosity,
		Binding: []string{},
	}
	for _, binding := range plan.Bindings {
		config.Binding = append(config.Binding, binding.Path)
		if binding.Config != nil {
			if config.Set == nil {
				config.Set = make(map[string]interface{})
			}
			config.Set[binding.Name] = binding.Config
		}
	}
	return config
}

func (c binderConfig) document() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}
