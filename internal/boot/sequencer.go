// Package boot brings a scenario's nodes up in list order: prepare the home,
// launch the runtime on a pseudo-terminal, register it for cleanup, drain its
// output, and block until it answers its readiness probe. Node i+1 never
// starts before node i is ready.
package boot

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loomnet/loomctl/internal/cleanup"
	"github.com/loomnet/loomctl/internal/config"
	"github.com/loomnet/loomctl/internal/lifecycle"
	"github.com/loomnet/loomctl/internal/proc"
	"github.com/loomnet/loomctl/internal/rpc"
)

// Launcher is the pty-spawn primitive: it starts the runtime binary and
// returns its control handle plus the stream to drain. Injected so the
// sequencing contract is testable without a runtime binary.
type Launcher func(binary string, args []string) (proc.Handle, io.Reader, error)

// ReadyFunc blocks until the node at baseURL answers, or fails the boot.
type ReadyFunc func(baseURL string, kill *lifecycle.KillSwitch) error

// Options carries per-scenario boot parameters.
type Options struct {
	RuntimePath       string
	RouterPort        uint16
	AlwaysPrintOutput bool
}

// Sequencer boots nodes strictly sequentially, registering each with the
// cleanup registry before its readiness probe runs.
type Sequencer struct {
	Registry *cleanup.Registry
	Launch   Launcher
	Ready    ReadyFunc
}

// PtyLauncher is the production Launcher backed by proc.StartPty.
func PtyLauncher(binary string, args []string) (proc.Handle, io.Reader, error) {
	p, err := proc.StartPty(binary, args, "")
	if err != nil {
		return nil, nil, err
	}
	return p, p.Master(), nil
}

// BootNodes boots every node in order and returns the master node's port
// (the first node's). Any failure is fatal for the whole scenario; nodes
// already registered stay registered so cleanup can reach them.
func (s *Sequencer) BootNodes(nodes []config.Node, opts Options, kill *lifecycle.KillSwitch) (uint16, error) {
	if len(nodes) == 0 {
		return 0, fmt.Errorf("boot: no nodes configured")
	}
	for _, node := range nodes {
		if err := s.bootNode(node, opts, kill); err != nil {
			return 0, fmt.Errorf("boot: node %s: %w", node.FakeName, err)
		}
	}
	return nodes[0].Port, nil
}

func (s *Sequencer) bootNode(node config.Node, opts Options, kill *lifecycle.KillSwitch) error {
	// Cleanup may already be underway (signal, router failure); anything
	// launched now would never be registered in time to be drained.
	if kill.Tripped() {
		return fmt.Errorf("shutdown already requested")
	}
	if err := prepareHome(node.Home); err != nil {
		return err
	}

	args := buildArgs(node, opts)
	log.Info().Str("name", node.FakeName).Uint16("port", node.Port).Msg("booting node")

	handle, output, err := s.Launch(opts.RuntimePath, args)
	if err != nil {
		return fmt.Errorf("launch runtime: %w", err)
	}

	var echo io.Writer
	if opts.AlwaysPrintOutput {
		echo = os.Stdout
	}
	sink := proc.NewOutputSink(echo)
	if output != nil {
		go proc.Drain(sink, output)
	}

	info := cleanup.NodeCleanupInfo{
		Handle: handle,
		Output: sink,
		Home:   node.Home,
	}
	if !s.Registry.Register(info) {
		// Cleanup already consumed the registry; this process is ours to reap.
		if err := handle.RequestGracefulStop(); err != nil {
			log.Error().Str("name", node.FakeName).Err(err).Msg("stop unregistered node")
		}
		_ = handle.Wait()
		return fmt.Errorf("cleanup already ran, refusing to boot")
	}

	if err := s.Ready(rpc.NodeURL(node.Port), kill); err != nil {
		return fmt.Errorf("readiness probe: %w", err)
	}
	log.Info().Str("name", node.FakeName).Msg("node ready")
	return nil
}

func prepareHome(home string) error {
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("create home %s: %w", home, err)
	}
	if err := cleanup.PurgeNodeState(home); err != nil {
		return fmt.Errorf("wipe stale state under %s: %w", home, err)
	}
	return nil
}

func buildArgs(node config.Node, opts Options) []string {
	args := []string{
		node.Home,
		"--port", fmt.Sprintf("%d", node.Port),
		"--network-router-port", fmt.Sprintf("%d", opts.RouterPort),
		"--fake-node-name", config.NormalizeFakeName(node.FakeName),
	}
	if strings.TrimSpace(node.RPC) != "" {
		args = append(args, "--rpc", node.RPC)
	}
	if strings.TrimSpace(node.Password) != "" {
		args = append(args, "--password", node.Password)
	}
	if strings.TrimSpace(node.RuntimeVerbosity) != "" {
		args = append(args, "--verbosity", node.RuntimeVerbosity)
	}
	return args
}

// DefaultProbe adapts a prober to the sequencer's ReadyFunc.
func DefaultProbe(ready func(baseURL string, maxAttempts int, interval time.Duration, kill *lifecycle.KillSwitch) error, maxAttempts int, interval time.Duration) ReadyFunc {
	return func(baseURL string, kill *lifecycle.KillSwitch) error {
		return ready(baseURL, maxAttempts, interval, kill)
	}
}
