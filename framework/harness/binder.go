package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/redpesk-common/afb-test-go/afbws"
	"github.com/redpesk-common/afb-test-go/framework"
	"github.com/redpesk-common/afb-test-go/framework/helpers"

	"github.com/alessio/shellescape"
)

// BinderExecutableEnvVar names the environment variable that overrides the
// afb-binder executable used in spawn mode.
const BinderExecutableEnvVar = "AFB_TEST_BINDER"

// DefaultCallTimeout is the deadline applied to individual verb calls made
// through the handle when no other timeout is configured.
const DefaultCallTimeout = time.Second * 5

const (
	defaultBinderName       = "afb-test"
	defaultBinderExecutable = "afb-binder"
	defaultStartupTimeout   = time.Second * 10
	// The binder's own log level; its output only reaches the debug logger,
	// so it can be loud.
	defaultBinderVerbosity = 255

	readinessPollInterval = time.Millisecond * 100
	stopGracePeriod       = time.Second * 5
)

// BinderInfo is what the binder reported about itself when the bootstrap
// verified the loaded bindings.
type BinderInfo struct {
	// Apis maps each exported api name to the binder's description of it.
	Apis map[string]json.RawMessage

	// FullData is the entire monitor response, which may contain more detail
	// than Apis.
	FullData []byte
}

// Names returns the exported api names in sorted order.
func (info BinderInfo) Names() []string {
	names := make([]string, 0, len(info.Apis))
	for name := range info.Apis {
		names = append(names, name)
	}
	return helpers.Sorted(names)
}

// BindingLoadError means a binding did not come up in the binder: either the
// binder process failed to start with it, or its api is not exported.
type BindingLoadError struct {
	// Binding is the name of the first offending binding in plan order.
	Binding string
	Err     error
}

func (e *BindingLoadError) Error() string {
	return fmt.Sprintf("binding %q failed to load: %s", e.Binding, e.Err)
}

func (e *BindingLoadError) Unwrap() error { return e.Err }

type binderSettings struct {
	name        string
	executable  string
	port        int
	verbosity   int
	timeout     time.Duration
	callTimeout time.Duration
	logger      framework.Logger
	exclude     []*regexp.Regexp
}

// BinderOption is the interface for optional configuration parameters of
// StartBinder and AttachBinder.
type BinderOption helpers.ConfigOption[binderSettings]

type binderOptionName struct{ name string }

func (o binderOptionName) Configure(s *binderSettings) error { s.name = o.name; return nil }

// BinderName sets the instance name in the spawned binder's configuration.
func BinderName(name string) BinderOption { return binderOptionName{name} }

type binderOptionExecutable struct{ path string }

func (o binderOptionExecutable) Configure(s *binderSettings) error { s.executable = o.path; return nil }

// BinderExecutable sets the afb-binder executable to spawn, taking precedence
// over the BinderExecutableEnvVar environment variable.
func BinderExecutable(path string) BinderOption { return binderOptionExecutable{path} }

type binderOptionPort struct{ port int }

func (o binderOptionPort) Configure(s *binderSettings) error { s.port = o.port; return nil }

// BinderPort sets the HTTP port the spawned binder listens on. Zero, the
// default, picks a free ephemeral port.
func BinderPort(port int) BinderOption { return binderOptionPort{port} }

type binderOptionVerbosity struct{ verbosity int }

func (o binderOptionVerbosity) Configure(s *binderSettings) error { s.verbosity = o.verbosity; return nil }

// BinderVerbosity sets the spawned binder's own log level.
func BinderVerbosity(verbosity int) BinderOption { return binderOptionVerbosity{verbosity} }

type binderOptionStartupTimeout struct{ timeout time.Duration }

func (o binderOptionStartupTimeout) Configure(s *binderSettings) error { s.timeout = o.timeout; return nil }

// BinderStartupTimeout bounds how long the bootstrap waits for the binder to
// accept connections and verify the bindings.
func BinderStartupTimeout(timeout time.Duration) BinderOption {
	return binderOptionStartupTimeout{timeout}
}

type binderOptionCallTimeout struct{ timeout time.Duration }

func (o binderOptionCallTimeout) Configure(s *binderSettings) error {
	s.callTimeout = o.timeout
	return nil
}

// BinderCallTimeout sets the deadline for individual verb calls made through
// the handle.
func BinderCallTimeout(timeout time.Duration) BinderOption {
	return binderOptionCallTimeout{timeout}
}

type binderOptionDebugLogger struct{ logger framework.Logger }

func (o binderOptionDebugLogger) Configure(s *binderSettings) error { s.logger = o.logger; return nil }

// BinderDebugLogger sets the logger that receives bootstrap progress and the
// binder process output.
func BinderDebugLogger(logger framework.Logger) BinderOption { return binderOptionDebugLogger{logger} }

type binderOptionOutputFilter struct{ exclude []*regexp.Regexp }

func (o binderOptionOutputFilter) Configure(s *binderSettings) error {
	s.exclude = append(s.exclude, o.exclude...)
	return nil
}

// BinderOutputFilter suppresses binder output lines matching any of the
// patterns from the debug log.
func BinderOutputFilter(exclude ...*regexp.Regexp) BinderOption {
	return binderOptionOutputFilter{exclude}
}

func applyBinderOptions(options []BinderOption) (binderSettings, error) {
	settings := binderSettings{
		name:        defaultBinderName,
		verbosity:   defaultBinderVerbosity,
		timeout:     defaultStartupTimeout,
		callTimeout: DefaultCallTimeout,
		logger:      framework.NullLogger(),
	}
	if err := helpers.ApplyOptions(&settings, options...); err != nil {
		return binderSettings{}, err
	}
	return settings, nil
}

type commandBuilder []string

func (b *commandBuilder) add(args ...string) {
	for _, a := range args {
		*b = append(*b, shellescape.Quote(a))
	}
}

func (b commandBuilder) String() string {
	return strings.Join(b, " ")
}

// TestBinder is the process-wide binder handle shared by every test in a
// run: the websocket client, the verified load plan, and the event loop
// slot. It is created once by StartBinder or AttachBinder, typically from a
// suite-level setup, and closed at the end of the run.
type TestBinder struct {
	client      *afbws.Client
	plan        LoadPlan
	info        BinderInfo
	baseURL     string
	callTimeout time.Duration
	logger      framework.Logger

	cmd        *exec.Cmd
	configPath string
	output     *lineWriter
	exited     chan struct{}
	exitErr    error

	loopLock sync.Mutex
	loop     *afbws.EventLoop

	closeOnce sync.Once
}

// StartBinder spawns an afb-binder process that loads every binding in the
// plan, waits until it accepts connections, and verifies in plan order that
// each binding's api is exported. The executable comes from the
// BinderExecutable option, then the BinderExecutableEnvVar environment
// variable, then the PATH.
func StartBinder(plan LoadPlan, options ...BinderOption) (*TestBinder, error) {
	settings, err := applyBinderOptions(options)
	if err != nil {
		return nil, err
	}

	port := settings.port
	if port == 0 {
		port, err = findFreePort()
		if err != nil {
			return nil, fmt.Errorf("finding a free port for the binder: %w", err)
		}
	}

	configJSON, err := makeBinderConfig(settings.name, port, settings.verbosity, plan).document()
	if err != nil {
		return nil, fmt.Errorf("generating binder configuration: %w", err)
	}
	configPath, err := makeTempFile("afb-test-binder-config*.json", configJSON)
	if err != nil {
		return nil, fmt.Errorf("writing binder configuration: %w", err)
	}
	settings.logger.Printf("binder configuration: %s", string(configJSON))

	executable := settings.executable
	if executable == "" {
		executable = os.Getenv(BinderExecutableEnvVar)
	}
	if executable == "" {
		executable = defaultBinderExecutable
	}

	output := newLineWriter(settings.logger, "afb-binder: ", settings.exclude)
	cmd := exec.Command(executable, "--config", configPath)
	cmd.Stdout = output
	cmd.Stderr = output

	var cmdLine commandBuilder
	cmdLine.add(executable, "--config", configPath)
	settings.logger.Printf("starting binder: %s", cmdLine)

	if err := cmd.Start(); err != nil {
		_ = os.Remove(configPath)
		return nil, fmt.Errorf("starting %s: %w", executable, err)
	}

	b := &TestBinder{
		plan:        plan,
		baseURL:     fmt.Sprintf("http://localhost:%d", port),
		callTimeout: settings.callTimeout,
		logger:      settings.logger,
		cmd:         cmd,
		configPath:  configPath,
		output:      output,
		exited:      make(chan struct{}),
	}
	go func() {
		b.exitErr = cmd.Wait()
		output.flush()
		close(b.exited)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), settings.timeout)
	defer cancel()

	if err := b.awaitReady(ctx); err != nil {
		b.Close()
		return nil, err
	}
	client, err := afbws.DialClient(ctx, b.baseURL, settings.logger)
	if err != nil {
		b.Close()
		return nil, err
	}
	b.client = client

	if err := b.verifyBindings(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// AttachBinder connects to an already-running binder at the given URL and
// verifies in plan order that each binding's api is exported. It never
// spawns or stops a process; Close only disconnects.
func AttachBinder(url string, plan LoadPlan, options ...BinderOption) (*TestBinder, error) {
	settings, err := applyBinderOptions(options)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), settings.timeout)
	defer cancel()

	client, err := afbws.DialClient(ctx, url, settings.logger)
	if err != nil {
		return nil, err
	}
	b := &TestBinder{
		client:      client,
		plan:        plan,
		baseURL:     url,
		callTimeout: settings.callTimeout,
		logger:      settings.logger,
	}
	if err := b.verifyBindings(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// Client returns the websocket client connected to the binder.
func (b *TestBinder) Client() *afbws.Client {
	return b.client
}

// Info returns what the binder reported about its exported apis.
func (b *TestBinder) Info() BinderInfo {
	return b.info
}

// Plan returns the load plan the binder was verified against.
func (b *TestBinder) Plan() LoadPlan {
	return b.plan
}

// BaseURL returns the binder's HTTP base URL.
func (b *TestBinder) BaseURL() string {
	return b.baseURL
}

// CallTimeout returns the deadline configured for individual verb calls.
func (b *TestBinder) CallTimeout() time.Duration {
	return b.callTimeout
}

// AcquireEventLoop creates the event loop for one test scope. At most one
// loop can be active; acquiring while another is active is an error. The
// new loop discards any events left over from the previous scope.
func (b *TestBinder) AcquireEventLoop() (*afbws.EventLoop, error) {
	b.loopLock.Lock()
	defer b.loopLock.Unlock()
	if b.loop != nil {
		return nil, fmt.Errorf("an event loop is already active; it must be released before the next one is acquired")
	}
	b.loop = afbws.NewEventLoop(b.client.Events(), b.logger)
	return b.loop, nil
}

// CurrentLoop returns the active event loop, or nil if none is active.
func (b *TestBinder) CurrentLoop() *afbws.EventLoop {
	b.loopLock.Lock()
	defer b.loopLock.Unlock()
	return b.loop
}

// ReleaseEventLoop closes the active event loop, if any. It is safe to call
// when no loop is active.
func (b *TestBinder) ReleaseEventLoop() {
	b.loopLock.Lock()
	loop := b.loop
	b.loop = nil
	b.loopLock.Unlock()
	if loop != nil {
		loop.Close()
	}
}

// Close releases the event loop, disconnects from the binder, and, in spawn
// mode, stops the process and removes its temp files. It is safe to call
// more than once.
func (b *TestBinder) Close() {
	b.closeOnce.Do(func() {
		b.ReleaseEventLoop()
		if b.client != nil {
			b.client.Close()
		}
		b.stopProcess()
	})
}

// awaitReady polls the binder's HTTP surface until any response arrives,
// watching for the process exiting underneath us.
func (b *TestBinder) awaitReady(ctx context.Context) error {
	b.logger.Printf("waiting for the binder to accept connections at %s", b.baseURL)
	probeURL := b.baseURL + "/api/monitor/get"
	var lastErr error
	for {
		select {
		case <-b.exited:
			return fmt.Errorf("binder exited during startup (%s); output follows\n%s",
				exitStatus(b.exitErr), b.output.output())
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return fmt.Errorf("timed out waiting for the binder to accept connections at %s: %w",
				b.baseURL, lastErr)
		default:
		}
		resp, err := http.Get(probeURL)
		if err == nil {
			_ = resp.Body.Close()
			return nil
		}
		lastErr = err
		time.Sleep(readinessPollInterval)
	}
}

// verifyBindings queries the binder's monitor api and checks, in plan order,
// that every binding's api is exported.
func (b *TestBinder) verifyBindings(ctx context.Context) error {
	reply, err := b.client.Call(ctx, "monitor", "get", map[string]interface{}{"apis": true})
	if err != nil {
		return fmt.Errorf("querying the binder monitor: %w", err)
	}
	if !reply.OK {
		return fmt.Errorf("binder monitor/get failed: %s", reply)
	}
	var parsed struct {
		Apis map[string]json.RawMessage `json:"apis"`
	}
	if err := json.Unmarshal(reply.Response, &parsed); err != nil {
		return fmt.Errorf("malformed monitor/get response: %w", err)
	}
	b.info = BinderInfo{Apis: parsed.Apis, FullData: reply.Response}

	for _, binding := range b.plan.Bindings {
		if _, ok := b.info.Apis[binding.Name]; !ok {
			return &BindingLoadError{
				Binding: binding.Name,
				Err: fmt.Errorf("api %q is not exported by the binder (exported: %s)",
					binding.Name, strings.Join(b.info.Names(), ", ")),
			}
		}
		b.logger.Printf("binding %q is up", binding.Name)
	}
	return nil
}

func (b *TestBinder) stopProcess() {
	if b.cmd == nil {
		return
	}
	b.logger.Printf("stopping the binder process")
	_ = b.cmd.Process.Signal(os.Interrupt)
	select {
	case <-b.exited:
	case <-time.After(stopGracePeriod):
		b.logger.Printf("binder did not exit after interrupt, killing it")
		_ = b.cmd.Process.Kill()
		<-b.exited
	}
	if b.configPath != "" {
		_ = os.Remove(b.configPath)
	}
}

func exitStatus(err error) string {
	if err == nil {
		return "exit status 0"
	}
	return err.Error()
}

func findFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer l.Close() //nolint:errcheck
	return l.Addr().(*net.TCPAddr).Port, nil
}

func makeTempFile(pattern string, data []byte) (string, error) {
	f, err := os.CreateTemp("", pattern)
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck
	if _, err := f.Write(data); err != nil {
		return "", err
	}
	return f.Name(), nil
}
