// Package cleanup owns the teardown of everything a scenario spawns: node
// runtimes, the chain simulator, and setup scripts. Exactly one cleanup
// request is honored per scenario; it drains every registered node in
// registration order and then fires the terminal kill broadcast.
package cleanup

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/loomnet/loomctl/internal/lifecycle"
	"github.com/loomnet/loomctl/internal/proc"
)

// statefulSubdirs are the node-home subtrees wiped on purge; the home
// directory itself is left in place.
var statefulSubdirs = []string{"kernel", "kv", "sqlite", "vfs"}

// NodeCleanupInfo is the live-process cross-reference held per entry: the
// process handle (pty-backed when detached, signal-backed when attached), the
// captured output sink, the canonical home path, and auxiliary processes
// (chain simulator, setup scripts) drained and reaped before the node itself.
// An entry may carry only auxiliary handles, registered before any node boots
// so they are never orphaned by a later boot failure.
type NodeCleanupInfo struct {
	Handle proc.Handle
	Output *proc.OutputSink
	Home   string
	Aux    []proc.Handle
}

// Registry is the mutex-guarded node table shared between the boot sequencer
// (writer) and the coordinator (consumer). It is consumed exactly once.
type Registry struct {
	mu       sync.Mutex
	nodes    []NodeCleanupInfo
	consumed bool
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds info to the table. It reports false once the registry has
// been consumed by cleanup; the caller then still owns the processes in info
// and must reap them itself.
func (r *Registry) Register(info NodeCleanupInfo) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consumed {
		return false
	}
	r.nodes = append(r.nodes, info)
	return true
}

// take returns the registered nodes in registration order, exactly once.
func (r *Registry) take() []NodeCleanupInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.consumed {
		return nil
	}
	r.consumed = true
	out := r.nodes
	r.nodes = nil
	return out
}

// Coordinator consumes one cleanup request, shuts every registered process
// down gracefully, optionally dumps captured output, optionally purges node
// state, and always trips the kill broadcast last.
type Coordinator struct {
	registry   *Registry
	kill       *lifecycle.KillSwitch
	purgeState bool

	requestOnce sync.Once
	requests    chan bool
	done        chan struct{}
}

func NewCoordinator(registry *Registry, kill *lifecycle.KillSwitch, purgeState bool) *Coordinator {
	return &Coordinator{
		registry:   registry,
		kill:       kill,
		purgeState: purgeState,
		requests:   make(chan bool, 1),
		done:       make(chan struct{}),
	}
}

// Request asks for cleanup. Idempotent: only the first caller's
// shouldCaptureOutput is honored, later calls are no-ops.
func (c *Coordinator) Request(shouldCaptureOutput bool) {
	c.requestOnce.Do(func() {
		c.requests <- shouldCaptureOutput
	})
}

// Done closes after the coordinator has finished draining.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Run blocks until a cleanup request arrives, then drains. A failure on one
// node never blocks cleanup of the rest; the kill broadcast is always sent.
func (c *Coordinator) Run() {
	capture := <-c.requests
	defer close(c.done)
	defer c.kill.Trip()

	for _, info := range c.registry.take() {
		log.Info().Str("home", info.Home).Msg("cleaning up node")
		c.drainNode(info, capture)
		log.Info().Str("home", info.Home).Msg("done cleaning up node")
	}
}

func (c *Coordinator) drainNode(info NodeCleanupInfo, capture bool) {
	for _, aux := range info.Aux {
		if err := aux.RequestGracefulStop(); err != nil {
			log.Error().Err(err).Int("pid", aux.Pid()).Msg("cleanup: stop auxiliary process")
		}
		// Reap it; a signal exit is the expected shape here.
		if err := aux.Wait(); err != nil {
			log.Debug().Err(err).Int("pid", aux.Pid()).Msg("cleanup: auxiliary process exited")
		}
	}

	if info.Handle != nil {
		if err := info.Handle.RequestGracefulStop(); err != nil {
			log.Error().Err(err).Str("home", info.Home).Msg("cleanup: graceful stop")
		}
		// Exit-on-signal surfaces as an error from Wait; that is the
		// expected shape of a graceful interrupt.
		if err := info.Handle.Wait(); err != nil {
			log.Debug().Err(err).Str("home", info.Home).Msg("cleanup: node exited")
		}
	}

	if capture && info.Output != nil {
		fmt.Fprintln(os.Stdout, info.Output.Dump())
	}

	if c.purgeState {
		if err := PurgeNodeState(info.Home); err != nil {
			log.Error().Err(err).Str("home", info.Home).Msg("cleanup: purge state")
		}
	}
}

// PurgeNodeState removes the stateful subtrees under home, leaving the
// directory itself. Shared with the boot sequencer's pre-boot wipe.
func PurgeNodeState(home string) error {
	if _, err := os.Stat(home); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, sub := range statefulSubdirs {
		dir := filepath.Join(home, sub)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("cleanup: remove %s: %w", dir, err)
		}
	}
	return nil
}
