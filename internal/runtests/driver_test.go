package runtests

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loomnet/loomctl/internal/cleanup"
	"github.com/loomnet/loomctl/internal/config"
	"github.com/loomnet/loomctl/internal/lifecycle"
	"github.com/loomnet/loomctl/internal/proc"
	"github.com/loomnet/loomctl/internal/rpc"
	"github.com/loomnet/loomctl/internal/testutil/testlog"
)

// fakeNode records every envelope a scenario stage posts to it and answers
// with a canned verdict body.
type fakeNode struct {
	mu       sync.Mutex
	requests []rpc.Request
	verdict  string

	server *httptest.Server
}

func newFakeNode(t *testing.T, verdict string) *fakeNode {
	t.Helper()
	n := &fakeNode{verdict: verdict}
	n.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != rpc.MessageEndpoint {
			http.NotFound(w, r)
			return
		}
		var req rpc.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		n.mu.Lock()
		n.requests = append(n.requests, req)
		n.mu.Unlock()
		json.NewEncoder(w).Encode(rpc.Response{Body: rpc.Bytes(n.verdict)})
	}))
	t.Cleanup(n.server.Close)
	return n
}

func (n *fakeNode) recorded() []rpc.Request {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]rpc.Request(nil), n.requests...)
}

func TestDispatchRunNonMastersFirstThenMasterVerdict(t *testing.T) {
	testlog.Start(t)
	master := newFakeNode(t, `"Pass"`)
	worker := newFakeNode(t, `"Pass"`)

	test := config.Test{
		TestPackagePaths: []string{"pkgs/echo_test"},
		TimeoutSecs:      30,
		Nodes: []config.Node{
			{Port: 8080, Home: "/tmp/a", FakeName: "alpha"},
			{Port: 8081, Home: "/tmp/b", FakeName: "beta"},
		},
	}
	d := NewDriver()
	if err := d.dispatchRun(test, []string{master.server.URL, worker.server.URL}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	workerReqs := worker.recorded()
	if len(workerReqs) != 1 {
		t.Fatalf("worker requests: %d", len(workerReqs))
	}
	if workerReqs[0].Process != testerProcess {
		t.Fatalf("worker process: %s", workerReqs[0].Process)
	}
	if workerReqs[0].ExpectsResponse != nil {
		t.Fatalf("fire-and-forget must not expect a response")
	}

	masterReqs := master.recorded()
	if len(masterReqs) != 1 {
		t.Fatalf("master requests: %d", len(masterReqs))
	}
	if masterReqs[0].ExpectsResponse == nil || *masterReqs[0].ExpectsResponse != 30 {
		t.Fatalf("master call must block for the scenario timeout: %+v", masterReqs[0].ExpectsResponse)
	}

	var cmd struct {
		Run runCommand `json:"Run"`
	}
	if err := json.Unmarshal([]byte(masterReqs[0].Body), &cmd); err != nil {
		t.Fatalf("decode run body: %v", err)
	}
	if want := []string{"alpha.dev", "beta.dev"}; strings.Join(cmd.Run.InputNodeNames, ",") != strings.Join(want, ",") {
		t.Fatalf("node names: %v", cmd.Run.InputNodeNames)
	}
	if len(cmd.Run.TestNames) != 1 || cmd.Run.TestNames[0] != "echo_test.wasm" {
		t.Fatalf("test names: %v", cmd.Run.TestNames)
	}
}

func TestDispatchRunSurfacesFailVerdict(t *testing.T) {
	testlog.Start(t)
	master := newFakeNode(t, `{"Fail":{"test":"echo","file":"lib.rs","line":9,"column":3}}`)
	test := config.Test{
		TestPackagePaths: []string{"pkgs/echo_test"},
		TimeoutSecs:      30,
		Nodes:            []config.Node{{Port: 8080, Home: "/tmp/a", FakeName: "alpha"}},
	}
	err := NewDriver().dispatchRun(test, []string{master.server.URL})
	var fail *FailResponse
	if !errors.As(err, &fail) || fail.Test != "echo" {
		t.Fatalf("expected fail verdict, got %v", err)
	}
}

func TestWriteArtifactReachesEveryNode(t *testing.T) {
	testlog.Start(t)
	first := newFakeNode(t, `"Pass"`)
	second := newFakeNode(t, `"Pass"`)

	blob := []byte{0x00, 0x61, 0x73, 0x6d}
	d := NewDriver()
	err := d.writeArtifact([]string{first.server.URL, second.server.URL}, testsDrive, "echo_test.wasm", blob)
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	for _, node := range []*fakeNode{first, second} {
		reqs := node.recorded()
		if len(reqs) != 1 {
			t.Fatalf("node saw %d requests", len(reqs))
		}
		if reqs[0].Process != vfsProcess {
			t.Fatalf("process: %s", reqs[0].Process)
		}
		var body struct {
			Path   string `json:"path"`
			Action string `json:"action"`
		}
		if err := json.Unmarshal([]byte(reqs[0].Body), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body.Path != "/tester:sys/tests/echo_test.wasm" || body.Action != "Write" {
			t.Fatalf("unexpected write body: %+v", body)
		}
		if string(reqs[0].Data) != string(blob) {
			t.Fatalf("blob mismatch: %v", reqs[0].Data)
		}
	}
}

type auxRecorder struct {
	mu      sync.Mutex
	stopped bool
	waited  bool
}

func (a *auxRecorder) RequestGracefulStop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	return nil
}
func (a *auxRecorder) ForceStop() error { return nil }
func (a *auxRecorder) Wait() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.waited = true
	return nil
}
func (a *auxRecorder) Pid() int { return 0 }

func TestRegisterAuxHandsProcessesToCleanup(t *testing.T) {
	testlog.Start(t)
	registry := cleanup.NewRegistry()
	aux := &auxRecorder{}
	registerAux(registry, []proc.Handle{aux})

	c := cleanup.NewCoordinator(registry, lifecycle.NewKillSwitch(), false)
	go c.Run()
	c.Request(false)
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("coordinator did not finish")
	}
	if !aux.stopped || !aux.waited {
		t.Fatalf("cleanup must stop and reap registered aux processes (stopped=%v waited=%v)", aux.stopped, aux.waited)
	}
}

func TestRegisterAuxReapsWhenCleanupAlreadyRan(t *testing.T) {
	testlog.Start(t)
	registry := cleanup.NewRegistry()
	c := cleanup.NewCoordinator(registry, lifecycle.NewKillSwitch(), false)
	go c.Run()
	c.Request(false)
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("coordinator did not finish")
	}

	aux := &auxRecorder{}
	registerAux(registry, []proc.Handle{aux})
	if !aux.stopped || !aux.waited {
		t.Fatalf("late aux registration must be reaped on the spot (stopped=%v waited=%v)", aux.stopped, aux.waited)
	}
}

func TestArtifactNaming(t *testing.T) {
	testlog.Start(t)
	if got := artifactName("pkgs/echo_test/"); got != "echo_test.wasm" {
		t.Fatalf("artifact name: %q", got)
	}
	if got := packageName("/abs/path/probe_test"); got != "probe_test" {
		t.Fatalf("package name: %q", got)
	}
}
