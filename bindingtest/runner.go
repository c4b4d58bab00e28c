package bindingtest

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/redpesk-common/afb-test-go/framework"
	"github.com/redpesk-common/afb-test-go/framework/afbtest"
	"github.com/redpesk-common/afb-test-go/framework/harness"
)

// RunnerParams describes a suite to the command-line runner.
type RunnerParams struct {
	// Name identifies the suite; it becomes the flag set name and the spawned
	// binder's instance name.
	Name string

	// Bindings lists the bindings under test, in load order. The -plan flag
	// appends to this list, so it may be empty when the runner is expected to
	// be driven entirely from a plan file.
	Bindings []harness.BindingSpec

	// Config carries per-binding configuration blobs, keyed by the Path field
	// of the corresponding entry in Bindings.
	Config map[string]interface{}

	// Suite is the test suite to run.
	Suite func(*T)

	// Output receives the runner's reporting (TAP lines, filter summaries).
	// Defaults to os.Stdout.
	Output io.Writer
}

type commandOptions struct {
	planFile       string
	searchPath     string
	attachURL      string
	port           int
	binderPath     string
	tap            bool
	jUnitFile      string
	filters        afbtest.RegexFilters
	skipFile       string
	recordFailures string
	debug          bool
	debugAll       bool
	callTimeout    time.Duration
}

func (c *commandOptions) Read(name string, args []string) bool {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.StringVar(&c.planFile, "plan", "", "load bindings from this YAML or JSON plan file")
	fs.StringVar(&c.searchPath, "path", "", "directories to search for binding shared objects, separated like PATH")
	fs.StringVar(&c.attachURL, "url", "", "attach to a binder already running at this URL instead of spawning one")
	fs.IntVar(&c.port, "port", 0, "HTTP port for the spawned binder (default: a free port)")
	fs.StringVar(&c.binderPath, "binder", "", "afb-binder executable to spawn")
	fs.BoolVar(&c.tap, "tap", false, "report results as TAP instead of console output")
	fs.StringVar(&c.jUnitFile, "junit", "", "write JUnit XML output to the specified path")
	fs.Var(&c.filters.MustMatch, "run", "regex pattern(s) to select tests to run")
	fs.Var(&c.filters.MustNotMatch, "skip", "regex pattern(s) to select tests not to run")
	fs.StringVar(&c.skipFile, "skip-from", "", "skip tests whose IDs are listed in this file")
	fs.StringVar(&c.recordFailures, "record-failures", "", "write the IDs of failed tests to this file")
	fs.BoolVar(&c.debug, "debug", false, "enable debug logging for failed tests")
	fs.BoolVar(&c.debugAll, "debug-all", false, "enable debug logging for all tests")
	fs.DurationVar(&c.callTimeout, "timeout", harness.DefaultCallTimeout, "deadline for each verb call")

	if err := fs.Parse(args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fs.Usage()
		return false
	}
	return true
}

// Main runs the suite with the process arguments and exits with the run's
// status code.
func Main(params RunnerParams) {
	os.Exit(RunBindingTests(params, os.Args))
}

// RunBindingTests parses command-line arguments, bootstraps a binder with the
// requested bindings, runs the suite, and reports results through the chosen
// logger. It returns the process exit code: 0 when every test passed, 1 on
// any test failure or bootstrap error. Bootstrap errors (unresolvable paths,
// a binder that will not start, a binding whose api never appears) abort
// before any test runs.
func RunBindingTests(params RunnerParams, args []string) int {
	var opts commandOptions
	if !opts.Read(params.Name, args) {
		return 1
	}
	if params.Output == nil {
		params.Output = os.Stdout
	}

	results, err := runSuite(params, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if !results.OK() {
		return 1
	}
	return 0
}

func runSuite(params RunnerParams, opts commandOptions) (*afbtest.Results, error) {
	if opts.skipFile != "" {
		if err := loadSuppressions(&opts); err != nil {
			return nil, err
		}
	}

	bindings := append([]harness.BindingSpec(nil), params.Bindings...)
	config := make(map[string]interface{}, len(params.Config))
	for path, blob := range params.Config {
		config[path] = blob
	}
	if opts.planFile != "" {
		planFile, err := harness.LoadPlanFile(opts.planFile)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, planFile.BindingSpecs()...)
		for path, blob := range planFile.ConfigMap() {
			config[path] = blob
		}
	}
	if len(bindings) == 0 {
		return nil, errors.New("no bindings to test: pass -plan or set RunnerParams.Bindings")
	}

	var mainDebugLogger framework.Logger = framework.NullLogger()
	if opts.debugAll {
		mainDebugLogger = log.New(os.Stdout, "", log.LstdFlags)
	}

	binderOpts := []harness.BinderOption{
		harness.BinderDebugLogger(mainDebugLogger),
		harness.BinderCallTimeout(opts.callTimeout),
	}
	if params.Name != "" {
		binderOpts = append(binderOpts, harness.BinderName(params.Name))
	}

	var binder *harness.TestBinder
	var err error
	if opts.attachURL != "" {
		binder, err = harness.AttachBinder(opts.attachURL,
			harness.PlanFromSpecs(bindings, config), binderOpts...)
	} else {
		plan, resolveErr := harness.ResolveBindings(bindings, config, opts.searchPath)
		if resolveErr != nil {
			return nil, resolveErr
		}
		if opts.binderPath != "" {
			binderOpts = append(binderOpts, harness.BinderExecutable(opts.binderPath))
		}
		if opts.port != 0 {
			binderOpts = append(binderOpts, harness.BinderPort(opts.port))
		}
		binder, err = harness.StartBinder(plan, binderOpts...)
	}
	if err != nil {
		return nil, err
	}
	defer binder.Close()

	var filter afbtest.Filter = opts.filters

	var testLogger afbtest.TestLogger
	if opts.tap {
		testLogger = afbtest.NewTAPTestLogger(params.Output)
	} else {
		if sdf, ok := filter.(afbtest.SelfDescribingFilter); ok {
			sdf.Describe(params.Output)
		}
		testLogger = afbtest.ConsoleTestLogger{
			DebugOutputOnFailure: opts.debug || opts.debugAll,
			DebugOutputOnSuccess: opts.debugAll,
		}
	}
	if opts.jUnitFile != "" {
		testLogger = &afbtest.MultiTestLogger{Loggers: []afbtest.TestLogger{
			testLogger,
			afbtest.NewJUnitTestLogger(opts.jUnitFile, binder.Info(), opts.filters),
		}}
	}

	results := RunBindingTestSuite(binder, filter, testLogger, params.Suite)

	if !opts.tap {
		fmt.Println()
	}
	logErr := testLogger.EndLog(results)
	binder.Close()

	if logErr != nil {
		return nil, fmt.Errorf("error writing log: %v", logErr)
	}

	if opts.recordFailures != "" {
		if err := recordFailures(opts.recordFailures, results); err != nil {
			return nil, err
		}
	}

	return &results, nil
}

// loadSuppressions merges the test IDs listed in the skip file into the
// must-not-match filters, one literal ID per line.
func loadSuppressions(opts *commandOptions) error {
	file, err := os.Open(opts.skipFile)
	if err != nil {
		return fmt.Errorf("cannot open provided suppression file: %v", err)
	}
	defer func() { _ = file.Close() }()
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		// Ignore blank lines
		if strings.TrimSpace(line) == "" {
			continue
		}
		escaped := regexp.QuoteMeta(line)
		if err := opts.filters.MustNotMatch.Set(escaped); err != nil {
			return fmt.Errorf("cannot parse suppression: %v", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("while processing suppression file: %v", err)
	}
	return nil
}

// recordFailures writes the IDs of the failed tests one per line, in the form
// that -skip-from accepts, so a later run can suppress known failures.
func recordFailures(path string, results afbtest.Results) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot create suppression file: %v", err)
	}
	for _, test := range results.Failures {
		fmt.Fprintln(f, test.TestID)
	}
	return f.Close()
}
