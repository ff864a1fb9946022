// Package proc supervises the external processes a scenario owns: node
// runtimes on pseudo-terminals, the chain simulator, and setup scripts. The
// two handle variants differ only in how a graceful stop is requested.
package proc

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// interruptByte is the Ctrl-C byte injected into a detached process's
// pseudo-terminal to request graceful shutdown.
const interruptByte = 0x03

// Handle is the minimal control surface the cleanup coordinator needs over a
// supervised process.
type Handle interface {
	RequestGracefulStop() error
	ForceStop() error
	Wait() error
	Pid() int
}

// PtyProcess is a detached process whose stdio is a pseudo-terminal. Graceful
// stop is a Ctrl-C byte written to the master side; the tty line discipline
// delivers SIGINT to the foreground process group.
type PtyProcess struct {
	cmd    *exec.Cmd
	master *os.File

	waitOnce sync.Once
	waitErr  error
}

// StartPty launches name with args on a fresh pseudo-terminal, rooted at dir
// when dir is non-empty.
func StartPty(name string, args []string, dir string) (*PtyProcess, error) {
	cmd := exec.Command(name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	master, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("proc: start %s on pty: %w", name, err)
	}
	return &PtyProcess{cmd: cmd, master: master}, nil
}

// Master exposes the pty master side for output draining.
func (p *PtyProcess) Master() *os.File {
	return p.master
}

func (p *PtyProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *PtyProcess) RequestGracefulStop() error {
	if _, err := p.master.Write([]byte{interruptByte}); err != nil {
		return fmt.Errorf("proc: interrupt byte to pid %d: %w", p.Pid(), err)
	}
	return nil
}

func (p *PtyProcess) ForceStop() error {
	return p.cmd.Process.Kill()
}

// Wait reaps the process exactly once; repeat calls return the first result.
// Exiting on a signal is reported as an error by os/exec and is expected
// during cleanup.
func (p *PtyProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
		p.master.Close()
	})
	return p.waitErr
}

// AttachedProcess is a process sharing the controlling terminal; graceful stop
// is an OS interrupt signal, sent only when the process is still alive.
type AttachedProcess struct {
	cmd *exec.Cmd

	waitOnce sync.Once
	waitErr  error
}

// StartAttached launches name with args inheriting the parent's stdio.
func StartAttached(name string, args []string, dir string) (*AttachedProcess, error) {
	cmd := exec.Command(name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("proc: start %s: %w", name, err)
	}
	return &AttachedProcess{cmd: cmd}, nil
}

func (p *AttachedProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *AttachedProcess) RequestGracefulStop() error {
	if !Alive(p.Pid()) {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGINT); err != nil {
		return fmt.Errorf("proc: SIGINT to pid %d: %w", p.Pid(), err)
	}
	return nil
}

func (p *AttachedProcess) ForceStop() error {
	return p.cmd.Process.Kill()
}

func (p *AttachedProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

// Alive reports whether pid still exists, without blocking or reaping.
func Alive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

// Interrupt sends SIGINT to an arbitrary pid when it is still alive. Used for
// auxiliary processes (chain simulator, setup scripts) tracked by pid only.
func Interrupt(pid int) error {
	if !Alive(pid) {
		return nil
	}
	return unix.Kill(pid, unix.SIGINT)
}
