// Package chain starts the local blockchain test instance ("anvil") a
// scenario's master node owns. Only the master triggers it; cleanup tracks it
// by pid.
package chain

import (
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loomnet/loomctl/internal/proc"
)

// SimulatorBinary is the chain simulator executable resolved from PATH.
const SimulatorBinary = "anvil"

// settleDelay gives the simulator a beat to bind its port before callers
// start issuing transactions.
// TODO: watch the child's stdout for the listening banner instead of sleeping.
const settleDelay = 100 * time.Millisecond

// Simulator is a running chain simulator process. It satisfies proc.Handle so
// the cleanup coordinator can stop and reap it like any other supervised
// process.
type Simulator struct {
	cmd *exec.Cmd

	waitOnce sync.Once
	waitErr  error
}

// Start spawns the simulator on port. The port must be free; a bound port
// means another instance (or an unrelated service) already owns it.
func Start(port uint16) (*Simulator, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	probe, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("chain: port %d is already in use: %w", port, err)
	}
	probe.Close()

	cmd := exec.Command(SimulatorBinary, "--port", fmt.Sprintf("%d", port))
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("chain: start %s: %w", SimulatorBinary, err)
	}
	log.Info().Uint16("port", port).Int("pid", cmd.Process.Pid).Msg("chain simulator started")

	time.Sleep(settleDelay)
	return &Simulator{cmd: cmd}, nil
}

func (s *Simulator) Pid() int {
	return s.cmd.Process.Pid
}

func (s *Simulator) RequestGracefulStop() error {
	return proc.Interrupt(s.Pid())
}

func (s *Simulator) ForceStop() error {
	return s.cmd.Process.Kill()
}

// Wait reaps the simulator exactly once; repeat calls return the first result.
func (s *Simulator) Wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	return s.waitErr
}
