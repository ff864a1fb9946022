// Package runtests drives a whole suite: resolve the runtime, then per test
// scenario stage dependencies, build packages, boot the nodes, load artifacts
// and capabilities, issue the distributed run command, interpret the verdict,
// and tear everything down. Fatal stage errors bubble to the driver, which
// always runs teardown before returning them.
package runtests

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loomnet/loomctl/internal/boot"
	"github.com/loomnet/loomctl/internal/chain"
	"github.com/loomnet/loomctl/internal/cleanup"
	"github.com/loomnet/loomctl/internal/config"
	"github.com/loomnet/loomctl/internal/lifecycle"
	"github.com/loomnet/loomctl/internal/probe"
	"github.com/loomnet/loomctl/internal/proc"
	"github.com/loomnet/loomctl/internal/router"
	"github.com/loomnet/loomctl/internal/rpc"
	"github.com/loomnet/loomctl/internal/runtime"
)

const (
	vfsProcess      = "vfs:sys"
	testerProcess   = "tester:sys"
	appStoreProcess = "app-store:sys"

	setupDrive = "setup"
	testsDrive = "tests"

	capabilitiesManifestName = "capabilities.json"

	// DefaultChainPort is where the master node's chain simulator listens.
	DefaultChainPort = 8545

	probeAttempts = 60
	probeInterval = 1 * time.Second
	stageTimeout  = 15 * time.Second
)

// Driver runs test scenarios against booted nodes.
type Driver struct {
	Client  *rpc.Client
	Prober  *probe.Prober
	Builder Builder
}

// NewDriver wires the production collaborators. The RPC client carries no
// global timeout; every call is bounded by its own context.
func NewDriver() *Driver {
	client := rpc.NewClient(0)
	return &Driver{
		Client:  client,
		Prober:  probe.New(client),
		Builder: &CommandBuilder{},
	}
}

// Execute loads the suite at suitePath, resolves the runtime, and runs every
// test scenario in order. The first scenario error stops the suite.
func Execute(suitePath string) error {
	suite, err := config.Load(suitePath)
	if err != nil {
		return err
	}
	runtimePath, err := runtime.Resolve(suite.Runtime, suite.RuntimeReleaseBuild)
	if err != nil {
		return err
	}

	d := NewDriver()
	for i, test := range suite.Tests {
		log.Info().Int("test", i).Int("total", len(suite.Tests)).Msg("running test scenario")
		if err := d.RunScenario(suite, test, runtimePath); err != nil {
			return fmt.Errorf("tests[%d]: %w", i, err)
		}
		log.Info().Int("test", i).Msg("test scenario passed")
	}
	return nil
}

// RunScenario executes one scenario end to end. Teardown always runs, and
// captured node output is dumped only when the scenario failed.
func (d *Driver) RunScenario(suite config.Suite, test config.Test, runtimePath string) error {
	kill := lifecycle.NewKillSwitch()
	registry := cleanup.NewRegistry()
	coordinator := cleanup.NewCoordinator(registry, kill, !suite.PersistHomes)
	go coordinator.Run()
	signalDone := cleanup.ListenForSignals(coordinator, kill)

	// The guard covers panics and any path that escapes the explicit
	// request below.
	guard := cleanup.NewGuard(coordinator.Request)
	defer guard.Fire()

	go func() {
		if err := router.Serve(test.NetworkRouterPort, kill); err != nil {
			log.Error().Err(err).Msg("network router failed")
			coordinator.Request(true)
		}
	}()

	verdict := d.runStages(suite, test, runtimePath, registry, kill)

	// Test scripts run unconditionally, whatever the verdict.
	for _, script := range test.TestScripts {
		if err := runScript(script); err != nil {
			log.Error().Err(err).Str("script", script).Msg("test script failed")
			if verdict == nil {
				verdict = err
			}
		}
	}

	coordinator.Request(verdict != nil)
	<-coordinator.Done()
	<-signalDone
	return verdict
}

func (d *Driver) runStages(suite config.Suite, test config.Test, runtimePath string, registry *cleanup.Registry, kill *lifecycle.KillSwitch) error {
	if len(test.DependencyPackagePaths) > 0 {
		if err := d.stageDependencies(test, runtimePath, registry, kill); err != nil {
			return fmt.Errorf("stage dependencies: %w", err)
		}
	}

	for _, pkg := range test.SetupPackages {
		if err := d.Builder.BuildPackage(pkg.Path); err != nil {
			return err
		}
	}
	for _, pkg := range test.TestPackagePaths {
		if err := d.Builder.BuildPackage(pkg); err != nil {
			return err
		}
	}

	// Auxiliary processes go under cleanup ownership before any node boots,
	// so a later boot failure cannot orphan them.
	aux, err := startSetupScripts(test.SetupScripts)
	if err != nil {
		registerAux(registry, aux)
		return err
	}
	simulator, err := chain.Start(DefaultChainPort)
	if err != nil {
		registerAux(registry, aux)
		return err
	}
	registerAux(registry, append(aux, simulator))

	sequencer := &boot.Sequencer{
		Registry: registry,
		Launch:   boot.PtyLauncher,
		Ready:    boot.DefaultProbe(d.Prober.Ready, probeAttempts, probeInterval),
	}
	masterPort, err := sequencer.BootNodes(test.Nodes, boot.Options{
		RuntimePath:       runtimePath,
		RouterPort:        test.NetworkRouterPort,
		AlwaysPrintOutput: suite.AlwaysPrintOutput,
	}, kill)
	if err != nil {
		return err
	}

	nodeURLs := make([]string, len(test.Nodes))
	for i, node := range test.Nodes {
		nodeURLs[i] = rpc.NodeURL(node.Port)
	}
	masterURL := rpc.NodeURL(masterPort)

	if err := d.loadSetupPackages(test.SetupPackages, nodeURLs, masterURL); err != nil {
		return fmt.Errorf("setup load: %w", err)
	}
	if err := d.loadTestPackages(test.TestPackagePaths, nodeURLs); err != nil {
		return fmt.Errorf("test load: %w", err)
	}
	return d.dispatchRun(test, nodeURLs)
}

// stageDependencies boots a disposable node, builds every dependency package
// against it, and starts each one so later builds can resolve them.
func (d *Driver) stageDependencies(test config.Test, runtimePath string, registry *cleanup.Registry, kill *lifecycle.KillSwitch) error {
	port, err := freePort()
	if err != nil {
		return err
	}
	home, err := os.MkdirTemp("", "loom-deps-")
	if err != nil {
		return fmt.Errorf("scratch home: %w", err)
	}
	scratch := config.Node{Port: port, Home: home, FakeName: "deps"}

	sequencer := &boot.Sequencer{
		Registry: registry,
		Launch:   boot.PtyLauncher,
		Ready:    boot.DefaultProbe(d.Prober.Ready, probeAttempts, probeInterval),
	}
	if _, err := sequencer.BootNodes([]config.Node{scratch}, boot.Options{
		RuntimePath: runtimePath,
		RouterPort:  test.NetworkRouterPort,
	}, kill); err != nil {
		return err
	}

	scratchURL := rpc.NodeURL(port)
	for _, dep := range test.DependencyPackagePaths {
		if err := d.Builder.BuildPackage(dep); err != nil {
			return err
		}
		if err := d.startPackage(scratchURL, dep); err != nil {
			return err
		}
		// The package may restart on-node processes; wait for the node to
		// answer again before building against it.
		if err := d.Prober.ReadyDetached(scratchURL, probeInterval, kill); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) loadSetupPackages(packages []config.SetupPackage, nodeURLs []string, masterURL string) error {
	for _, pkg := range packages {
		if pkg.Run {
			if err := d.startPackage(masterURL, pkg.Path); err != nil {
				return err
			}
		}
		blob, err := readArtifact(pkg.Path)
		if err != nil {
			return err
		}
		if err := d.writeArtifact(nodeURLs, setupDrive, artifactName(pkg.Path), blob); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) loadTestPackages(packages []string, nodeURLs []string) error {
	for _, pkg := range packages {
		blob, err := readArtifact(pkg)
		if err != nil {
			return err
		}
		if err := d.writeArtifact(nodeURLs, testsDrive, artifactName(pkg), blob); err != nil {
			return err
		}
	}

	index, err := capabilitiesIndex(packages)
	if err != nil {
		return err
	}
	blob, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("runtests: encode capabilities manifest: %w", err)
	}
	return d.writeArtifact(nodeURLs, testsDrive, capabilitiesManifestName, blob)
}

// writeArtifact injects blob into every node's virtual filesystem under the
// tester drive path.
func (d *Driver) writeArtifact(nodeURLs []string, drive, name string, blob []byte) error {
	body, err := json.Marshal(map[string]string{
		"path":   fmt.Sprintf("/tester:sys/%s/%s", drive, name),
		"action": "Write",
	})
	if err != nil {
		return err
	}
	for _, url := range nodeURLs {
		ctx, cancel := context.WithTimeout(context.Background(), stageTimeout)
		_, err := d.Client.Send(ctx, url, rpc.NewRequest(vfsProcess, string(body), nil, blob))
		cancel()
		if err != nil {
			return fmt.Errorf("write %s/%s to %s: %w", drive, name, url, err)
		}
	}
	return nil
}

func (d *Driver) startPackage(baseURL, pkgPath string) error {
	body, err := json.Marshal(map[string]any{
		"Start": map[string]string{"package": packageName(pkgPath)},
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), stageTimeout)
	defer cancel()
	if _, err := d.Client.Send(ctx, baseURL, rpc.NewRequest(appStoreProcess, string(body), nil, nil)); err != nil {
		return fmt.Errorf("start package %s on %s: %w", pkgPath, baseURL, err)
	}
	return nil
}

type runCommand struct {
	InputNodeNames []string `json:"input_node_names"`
	TestNames      []string `json:"test_names"`
	TestTimeout    uint64   `json:"test_timeout"`
}

// dispatchRun sends the run command to every non-master node fire-and-forget,
// then blocks on the master's response for the scenario verdict. nodeURLs[0]
// is the master.
func (d *Driver) dispatchRun(test config.Test, nodeURLs []string) error {
	names := make([]string, len(test.Nodes))
	for i, node := range test.Nodes {
		names[i] = config.NormalizeFakeName(node.FakeName)
	}
	testNames := make([]string, len(test.TestPackagePaths))
	for i, pkg := range test.TestPackagePaths {
		testNames[i] = artifactName(pkg)
	}
	body, err := json.Marshal(map[string]runCommand{"Run": {
		InputNodeNames: names,
		TestNames:      testNames,
		TestTimeout:    test.TimeoutSecs,
	}})
	if err != nil {
		return err
	}

	for _, url := range nodeURLs[1:] {
		ctx, cancel := context.WithTimeout(context.Background(), stageTimeout)
		_, err := d.Client.Send(ctx, url, rpc.NewRequest(testerProcess, string(body), nil, nil))
		cancel()
		if err != nil {
			return fmt.Errorf("run command to %s: %w", url, err)
		}
	}

	req := rpc.NewRequest(testerProcess, string(body), nil, nil)
	timeout := test.TimeoutSecs
	req.ExpectsResponse = &timeout
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()
	resp, err := d.Client.Send(ctx, nodeURLs[0], req)
	if err != nil {
		return fmt.Errorf("run command to master %s: %w", nodeURLs[0], err)
	}
	return parseVerdict(resp.Body)
}

// startSetupScripts launches each script detached from the verdict. On error
// the scripts already started are still returned so the caller can hand them
// to cleanup.
func startSetupScripts(scripts []string) ([]proc.Handle, error) {
	handles := make([]proc.Handle, 0, len(scripts))
	for _, script := range scripts {
		name, args, err := splitCommand(script)
		if err != nil {
			return handles, err
		}
		p, err := proc.StartAttached(name, args, "")
		if err != nil {
			return handles, fmt.Errorf("setup script %q: %w", script, err)
		}
		log.Info().Str("script", script).Int("pid", p.Pid()).Msg("setup script started")
		handles = append(handles, p)
	}
	return handles, nil
}

// registerAux places auxiliary processes under cleanup ownership. When the
// registry was already consumed (cleanup raced ahead) the processes are
// reaped on the spot instead of being orphaned.
func registerAux(registry *cleanup.Registry, aux []proc.Handle) {
	if len(aux) == 0 {
		return
	}
	if registry.Register(cleanup.NodeCleanupInfo{Aux: aux}) {
		return
	}
	for _, h := range aux {
		if err := h.RequestGracefulStop(); err != nil {
			log.Error().Err(err).Int("pid", h.Pid()).Msg("stop auxiliary process")
		}
		_ = h.Wait()
	}
}

// runScript runs one test script to completion.
func runScript(script string) error {
	name, args, err := splitCommand(script)
	if err != nil {
		return err
	}
	p, err := proc.StartAttached(name, args, "")
	if err != nil {
		return fmt.Errorf("test script %q: %w", script, err)
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("test script %q: %w", script, err)
	}
	return nil
}

func splitCommand(command string) (string, []string, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("runtests: empty script command")
	}
	return fields[0], fields[1:], nil
}

// packageName is the package directory's basename.
func packageName(pkgPath string) string {
	return filepath.Base(filepath.Clean(pkgPath))
}

// artifactName is the compiled artifact filename for a package.
func artifactName(pkgPath string) string {
	return packageName(pkgPath) + ".wasm"
}

// readArtifact loads a package's compiled artifact from its pkg/ directory.
func readArtifact(pkgPath string) ([]byte, error) {
	path := filepath.Join(pkgPath, "pkg", artifactName(pkgPath))
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("runtests: read artifact %s (was the package built?): %w", path, err)
	}
	return blob, nil
}

func freePort() (uint16, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("runtests: reserve port: %w", err)
	}
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port), nil
}
