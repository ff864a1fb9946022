// Package config loads and validates the run-tests suite definition. A suite
// file is TOML, located either directly by path or as tests.toml inside a
// given directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
)

// SuiteFileName is the conventional suite file resolved inside a directory.
const SuiteFileName = "tests.toml"

// FakeNodeSuffix is the reserved identity suffix that makes a fake node
// locally addressable on the simulated network.
const FakeNodeSuffix = ".dev"

// NormalizeFakeName appends the reserved suffix unless already present.
func NormalizeFakeName(name string) string {
	trimmed := strings.TrimSpace(name)
	if strings.HasSuffix(trimmed, FakeNodeSuffix) {
		return trimmed
	}
	return trimmed + FakeNodeSuffix
}

// RuntimeSource selects where the node runtime binary comes from: a released
// version to fetch, or a local repository to build. Exactly one must be set.
type RuntimeSource struct {
	Version  string `toml:"version"`
	RepoPath string `toml:"repo_path"`
}

// Suite is the immutable global configuration for one run-tests invocation.
type Suite struct {
	Runtime             RuntimeSource `toml:"runtime"`
	RuntimeReleaseBuild bool          `toml:"runtime_release_build"`
	PersistHomes        bool          `toml:"persist_homes"`
	AlwaysPrintOutput   bool          `toml:"always_print_output"`
	Tests               []Test        `toml:"tests"`
}

// SetupPackage is one package staged before the scenario; Run starts it in
// addition to loading its artifact.
type SetupPackage struct {
	Path string `toml:"path"`
	Run  bool   `toml:"run"`
}

// Test is one scenario: packages and scripts to stage, the scenario timeout,
// the network router port, and the ordered node list. The first node is the
// master.
type Test struct {
	DependencyPackagePaths []string       `toml:"dependency_package_paths"`
	SetupPackages          []SetupPackage `toml:"setup_packages"`
	SetupScripts           []string       `toml:"setup_scripts"`
	TestPackagePaths       []string       `toml:"test_package_paths"`
	TestScripts            []string       `toml:"test_scripts"`
	TimeoutSecs            uint64         `toml:"timeout_secs"`
	NetworkRouterPort      uint16         `toml:"network_router_port"`
	Nodes                  []Node         `toml:"nodes"`
}

// Node is one runtime instance inside a scenario.
type Node struct {
	Port             uint16 `toml:"port"`
	Home             string `toml:"home"`
	FakeName         string `toml:"fake_name"`
	Password         string `toml:"password"`
	RPC              string `toml:"rpc"`
	RuntimeVerbosity string `toml:"runtime_verbosity"`
}

// Load resolves path (file or directory), parses the suite, and validates it.
func Load(path string) (Suite, error) {
	resolved, err := resolveSuitePath(path)
	if err != nil {
		return Suite{}, err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return Suite{}, fmt.Errorf("suite load failed (%s): %w", resolved, err)
	}
	var suite Suite
	if err := toml.Unmarshal(data, &suite); err != nil {
		return Suite{}, fmt.Errorf("suite parse failed (%s): %w", resolved, err)
	}
	if err := ValidateSuite(suite); err != nil {
		return Suite{}, fmt.Errorf("suite invalid (%s): %w", resolved, err)
	}
	return suite, nil
}

func resolveSuitePath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("suite path %q: %w", path, err)
	}
	if info.IsDir() {
		return filepath.Join(path, SuiteFileName), nil
	}
	return path, nil
}

func ValidateSuite(suite Suite) error {
	if err := validateRuntimeSource(suite.Runtime); err != nil {
		return err
	}
	if len(suite.Tests) == 0 {
		return fmt.Errorf("suite has no tests")
	}
	for i, test := range suite.Tests {
		if err := ValidateTest(test); err != nil {
			return fmt.Errorf("tests[%d] invalid: %w", i, err)
		}
	}
	return nil
}

func validateRuntimeSource(src RuntimeSource) error {
	hasVersion := strings.TrimSpace(src.Version) != ""
	hasRepo := strings.TrimSpace(src.RepoPath) != ""
	if hasVersion == hasRepo {
		return fmt.Errorf("runtime source requires exactly one of version or repo_path")
	}
	return nil
}

func ValidateTest(test Test) error {
	if len(test.TestPackagePaths) == 0 {
		return fmt.Errorf("test has no test_package_paths")
	}
	if test.TimeoutSecs == 0 {
		return fmt.Errorf("timeout_secs is required")
	}
	if test.NetworkRouterPort == 0 {
		return fmt.Errorf("network_router_port is required")
	}
	if len(test.Nodes) == 0 {
		return fmt.Errorf("test has no nodes")
	}
	homes := make(map[string]struct{}, len(test.Nodes))
	ports := make(map[uint16]struct{}, len(test.Nodes))
	identities := make(map[string]struct{}, len(test.Nodes))
	for i, node := range test.Nodes {
		if err := ValidateNode(node); err != nil {
			return fmt.Errorf("nodes[%d] invalid: %w", i, err)
		}
		home := filepath.Clean(node.Home)
		if _, dup := homes[home]; dup {
			return fmt.Errorf("nodes[%d] home %q duplicates an earlier node", i, node.Home)
		}
		homes[home] = struct{}{}
		// Identities collide after suffix normalization ("alpha" and
		// "alpha.dev" are the same node on the simulated network).
		identity := NormalizeFakeName(node.FakeName)
		if _, dup := identities[identity]; dup {
			return fmt.Errorf("nodes[%d] fake_name %q duplicates an earlier node's identity", i, node.FakeName)
		}
		identities[identity] = struct{}{}
		if _, dup := ports[node.Port]; dup {
			return fmt.Errorf("nodes[%d] port %d duplicates an earlier node", i, node.Port)
		}
		ports[node.Port] = struct{}{}
		if node.Port == test.NetworkRouterPort {
			return fmt.Errorf("nodes[%d] port %d collides with network_router_port", i, node.Port)
		}
	}
	return nil
}

func ValidateNode(node Node) error {
	if node.Port == 0 {
		return fmt.Errorf("port is required")
	}
	if strings.TrimSpace(node.Home) == "" {
		return fmt.Errorf("home is required")
	}
	if strings.TrimSpace(node.FakeName) == "" {
		return fmt.Errorf("fake_name is required")
	}
	return nil
}
