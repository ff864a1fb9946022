// Package probe answers one question: is a node's RPC interface serving yet.
// It polls with a benign read-only virtual-filesystem request and races every
// wait against the scenario kill switch.
package probe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/loomnet/loomctl/internal/lifecycle"
	"github.com/loomnet/loomctl/internal/rpc"
)

var (
	ErrTimeout = errors.New("probe: node not ready before attempts were exhausted")
	ErrKilled  = errors.New("probe: aborted by kill signal")
)

// readinessBody is a read-only VFS request any booted node can answer.
const readinessBody = `{"path":"/tester:sys/","action":"ReadDir"}`

type Prober struct {
	client *rpc.Client
}

func New(client *rpc.Client) *Prober {
	return &Prober{client: client}
}

// Ready polls the node at baseURL every interval until it answers, making at
// most maxAttempts attempts. Exhausting attempts is a fatal boot error.
func (p *Prober) Ready(baseURL string, maxAttempts int, interval time.Duration, kill *lifecycle.KillSwitch) error {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if p.attempt(baseURL) {
			log.Debug().Str("url", baseURL).Int("attempt", attempt).Msg("node ready")
			return nil
		}
		// No sleep after the final attempt; the verdict is already known.
		if attempt == maxAttempts {
			break
		}
		select {
		case <-kill.Done():
			return ErrKilled
		case <-time.After(interval):
		}
	}
	return fmt.Errorf("%w: %s after %d attempts", ErrTimeout, baseURL, maxAttempts)
}

// ReadyDetached polls without an attempt bound, for dependency-hosting nodes
// whose boot the caller does not control. Only the kill switch ends the wait.
func (p *Prober) ReadyDetached(baseURL string, interval time.Duration, kill *lifecycle.KillSwitch) error {
	for {
		if p.attempt(baseURL) {
			return nil
		}
		select {
		case <-kill.Done():
			return ErrKilled
		case <-time.After(interval):
		}
	}
}

func (p *Prober) attempt(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := rpc.NewRequest("vfs:sys", readinessBody, nil, nil)
	_, err := p.client.Send(ctx, baseURL, req)
	return err == nil
}
