package boot

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomnet/loomctl/internal/cleanup"
	"github.com/loomnet/loomctl/internal/config"
	"github.com/loomnet/loomctl/internal/lifecycle"
	"github.com/loomnet/loomctl/internal/proc"
	"github.com/loomnet/loomctl/internal/testutil/testlog"
)

type nopHandle struct{}

func (nopHandle) RequestGracefulStop() error { return nil }
func (nopHandle) ForceStop() error           { return nil }
func (nopHandle) Wait() error                { return nil }
func (nopHandle) Pid() int                   { return 0 }

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (e *eventLog) add(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *eventLog) snapshot() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

func testNodes(t *testing.T, n int) []config.Node {
	t.Helper()
	base := t.TempDir()
	nodes := make([]config.Node, 0, n)
	for i := 0; i < n; i++ {
		nodes = append(nodes, config.Node{
			Port:     uint16(8080 + i),
			Home:     filepath.Join(base, fmt.Sprintf("node%d", i)),
			FakeName: fmt.Sprintf("node%d", i),
		})
	}
	return nodes
}

func TestBootIsStrictlySequential(t *testing.T) {
	testlog.Start(t)
	events := &eventLog{}
	seq := &Sequencer{
		Registry: cleanup.NewRegistry(),
		Launch: func(binary string, args []string) (proc.Handle, io.Reader, error) {
			events.add("launch " + args[0])
			return nopHandle{}, nil, nil
		},
		Ready: func(baseURL string, kill *lifecycle.KillSwitch) error {
			events.add("ready " + baseURL)
			return nil
		},
	}
	nodes := testNodes(t, 3)
	master, err := seq.BootNodes(nodes, Options{RuntimePath: "/bin/loom", RouterPort: 9100}, lifecycle.NewKillSwitch())
	if err != nil {
		t.Fatalf("boot: %v", err)
	}
	if master != nodes[0].Port {
		t.Fatalf("master port %d, want first node's %d", master, nodes[0].Port)
	}

	got := events.snapshot()
	if len(got) != 6 {
		t.Fatalf("unexpected event trace %v", got)
	}
	// Node k+1 must not launch before node k's probe has succeeded.
	for i, node := range nodes {
		if got[2*i] != "launch "+node.Home {
			t.Fatalf("event %d: want launch of %s, got %s", 2*i, node.Home, got[2*i])
		}
		if !strings.HasPrefix(got[2*i+1], "ready ") {
			t.Fatalf("event %d: want readiness probe, got %s", 2*i+1, got[2*i+1])
		}
	}
}

func TestBootAbortsOnProbeFailureButKeepsRegistrations(t *testing.T) {
	testlog.Start(t)
	registry := cleanup.NewRegistry()
	probeErr := errors.New("never came up")
	calls := 0
	seq := &Sequencer{
		Registry: registry,
		Launch: func(string, []string) (proc.Handle, io.Reader, error) {
			return nopHandle{}, nil, nil
		},
		Ready: func(string, *lifecycle.KillSwitch) error {
			calls++
			if calls == 2 {
				return probeErr
			}
			return nil
		},
	}
	nodes := testNodes(t, 3)
	_, err := seq.BootNodes(nodes, Options{RuntimePath: "/bin/loom", RouterPort: 9100}, lifecycle.NewKillSwitch())
	if !errors.Is(err, probeErr) {
		t.Fatalf("expected probe failure, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("node 3 must not be probed after node 2 failed; probes=%d", calls)
	}
}

func TestPrepareHomeWipesStatefulState(t *testing.T) {
	testlog.Start(t)
	home := t.TempDir()
	stale := filepath.Join(home, "vfs", "drive")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := prepareHome(home); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale vfs state survived home preparation")
	}
}

func TestBuildArgsIncludesOptionalFlags(t *testing.T) {
	testlog.Start(t)
	node := config.Node{
		Port:     8080,
		Home:     "/tmp/n",
		FakeName: "alpha",
		Password: "pw",
		RPC:      "wss://rpc.example",
	}
	args := buildArgs(node, Options{RouterPort: 9100})
	joined := strings.Join(args, " ")
	for _, want := range []string{"--rpc wss://rpc.example", "--password pw", "--fake-node-name alpha.dev", "--network-router-port 9100"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("args missing %q: %s", want, joined)
		}
	}
}

type stopRecorder struct {
	mu      sync.Mutex
	stopped bool
	waited  bool
}

func (s *stopRecorder) RequestGracefulStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}
func (s *stopRecorder) ForceStop() error { return nil }
func (s *stopRecorder) Wait() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waited = true
	return nil
}
func (s *stopRecorder) Pid() int { return 0 }

func TestBootRefusesAfterKill(t *testing.T) {
	testlog.Start(t)
	launched := false
	seq := &Sequencer{
		Registry: cleanup.NewRegistry(),
		Launch: func(string, []string) (proc.Handle, io.Reader, error) {
			launched = true
			return nopHandle{}, nil, nil
		},
		Ready: func(string, *lifecycle.KillSwitch) error { return nil },
	}
	kill := lifecycle.NewKillSwitch()
	kill.Trip()
	_, err := seq.BootNodes(testNodes(t, 1), Options{RuntimePath: "/bin/loom", RouterPort: 9100}, kill)
	if err == nil {
		t.Fatalf("expected boot refusal after kill")
	}
	if launched {
		t.Fatalf("node launched after shutdown was requested")
	}
}

func TestBootReapsNodeWhenRegistryAlreadyConsumed(t *testing.T) {
	testlog.Start(t)
	registry := cleanup.NewRegistry()
	// Consume the registry the way a raced cleanup would.
	c := cleanup.NewCoordinator(registry, lifecycle.NewKillSwitch(), false)
	go c.Run()
	c.Request(false)
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("coordinator did not finish")
	}

	handle := &stopRecorder{}
	seq := &Sequencer{
		Registry: registry,
		Launch: func(string, []string) (proc.Handle, io.Reader, error) {
			return handle, nil, nil
		},
		Ready: func(string, *lifecycle.KillSwitch) error { return nil },
	}
	_, err := seq.BootNodes(testNodes(t, 1), Options{RuntimePath: "/bin/loom", RouterPort: 9100}, lifecycle.NewKillSwitch())
	if err == nil {
		t.Fatalf("expected boot failure once cleanup has consumed the registry")
	}
	if !handle.stopped || !handle.waited {
		t.Fatalf("unregistered node must be stopped and reaped (stopped=%v waited=%v)", handle.stopped, handle.waited)
	}
}
