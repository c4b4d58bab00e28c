package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BindingPathEnvVar names the environment variable consulted for the binding
// search path when no explicit path is given. It is the only override
// available when suites run under plain "go test" rather than the runner.
const BindingPathEnvVar = "AFB_TEST_BINDING_PATH"

// BindingSpec names one binding to load. Path may be absolute, or a file
// name to be resolved against the search path chain. The order of a
// []BindingSpec is the order the bindings will be loaded in.
type BindingSpec struct {
	Name string
	Path string
}

// ResolvedBinding is one entry of a LoadPlan.
type ResolvedBinding struct {
	Name string
	// Path is the absolute path of the shared object.
	Path string
	// Config is the binding's configuration blob, passed through to the
	// binder unchanged. May be nil.
	Config interface{}
}

// LoadPlan is a fully resolved set of bindings for one binder run.
type LoadPlan struct {
	Bindings []ResolvedBinding
}

// ConfigurationError means a binding's shared object could not be resolved.
type ConfigurationError struct {
	// Binding is the name of the binding whose path did not resolve.
	Binding string
	// Path is the path as supplied by the caller.
	Path string
	// Searched lists the directories that were tried, empty for an absolute
	// path that simply did not exist.
	Searched []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Searched) == 0 {
		return fmt.Sprintf("binding %q: shared object %q not found", e.Binding, e.Path)
	}
	return fmt.Sprintf("binding %q: shared object %q not found in %s",
		e.Binding, e.Path, strings.Join(e.Searched, ", "))
}

// ResolveBindings produces a LoadPlan from binding specs, an optional
// configuration map keyed by each spec's Path as supplied, and an optional
// explicit search path (one or more directories separated by the OS list
// separator).
//
// Relative paths are resolved against, in order of precedence: the explicit
// search path, then the directories in BindingPathEnvVar, then a default
// chain made of the current directory, the LD_LIBRARY_PATH entries,
// /usr/local/lib, and /usr/lib. Absolute paths bypass the search but must
// exist. The plan preserves the callers' order; this function reads the
// environment and stats candidate files but has no other side effects.
func ResolveBindings(
	bindings []BindingSpec,
	config map[string]interface{},
	explicitSearchPath string,
) (LoadPlan, error) {
	chain := searchChain(explicitSearchPath)

	var plan LoadPlan
	for _, spec := range bindings {
		path, err := resolveBindingPath(spec, chain)
		if err != nil {
			return LoadPlan{}, err
		}
		plan.Bindings = append(plan.Bindings, ResolvedBinding{
			Name:   spec.Name,
			Path:   path,
			Config: config[spec.Path],
		})
	}
	return plan, nil
}

// PlanFromSpecs builds a LoadPlan without touching the filesystem. It is the
// attach-mode counterpart of ResolveBindings: an already-running binder has
// loaded its bindings itself, so the paths are carried through as given and
// only the names matter for verification.
func PlanFromSpecs(bindings []BindingSpec, config map[string]interface{}) LoadPlan {
	var plan LoadPlan
	for _, spec := range bindings {
		plan.Bindings = append(plan.Bindings, ResolvedBinding{
			Name:   spec.Name,
			Path:   spec.Path,
			Config: config[spec.Path],
		})
	}
	return plan
}

func resolveBindingPath(spec BindingSpec, chain []string) (string, error) {
	if spec.Path == "" {
		return "", &ConfigurationError{Binding: spec.Name, Path: spec.Path}
	}
	if filepath.IsAbs(spec.Path) {
		if fileExists(spec.Path) {
			return spec.Path, nil
		}
		return "", &ConfigurationError{Binding: spec.Name, Path: spec.Path}
	}
	for _, dir := range chain {
		candidate := filepath.Join(dir, spec.Path)
		if fileExists(candidate) {
			if abs, err := filepath.Abs(candidate); err == nil {
				return abs, nil
			}
			return candidate, nil
		}
	}
	return "", &ConfigurationError{Binding: spec.Name, Path: spec.Path, Searched: chain}
}

func searchChain(explicit string) []string {
	if explicit != "" {
		return splitSearchPath(explicit)
	}
	if env := os.Getenv(BindingPathEnvVar); env != "" {
		return splitSearchPath(env)
	}
	chain := []string{"."}
	chain = append(chain, splitSearchPath(os.Getenv("LD_LIBRARY_PATH"))...)
	return append(chain, "/usr/local/lib", "/usr/lib")
}

func splitSearchPath(path string) []string {
	var dirs []string
	for _, dir := range filepath.SplitList(path) {
		if dir != "" {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
