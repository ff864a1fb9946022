package cleanup

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/loomnet/loomctl/internal/lifecycle"
)

// terminationSignals are the process-termination signals that forward a
// cleanup request, covering user interruption (Ctrl-C) during a run.
var terminationSignals = []os.Signal{
	syscall.SIGALRM,
	syscall.SIGHUP,
	syscall.SIGINT,
	syscall.SIGPIPE,
	syscall.SIGQUIT,
	syscall.SIGTERM,
	syscall.SIGUSR1,
	syscall.SIGUSR2,
}

// ListenForSignals runs the signal-listener task: the first termination
// signal requests cleanup with output capture; the kill broadcast ends the
// task. The returned channel closes when the listener has unwound.
func ListenForSignals(coordinator *Coordinator, kill *lifecycle.KillSwitch) <-chan struct{} {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, terminationSignals...)

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			log.Warn().Str("signal", sig.String()).Msg("got termination signal, cleaning up")
			coordinator.Request(true)
		case <-kill.Done():
		}
	}()
	return done
}
