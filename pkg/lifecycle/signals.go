package lifecycle

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"cpuload/pkg/shape"
)

//nolint:gochecknoglobals // replaceable for tests
var (
	notifySignals = signal.Notify
	stopSignals   = signal.Stop
)

// TerminationSignals lists the signals that request a graceful shutdown.
func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}

// InstallSignalHandlers raises stop on every interrupt or termination request.
// onSignal, when non-nil, is told whether the signal was the one that raised
// the flag. The returned func unregisters the handlers.
func InstallSignalHandlers(stop *shape.StopSignal, onSignal func(sig os.Signal, first bool)) func() {
	received := make(chan os.Signal, 1)
	quit := make(chan struct{})

	notifySignals(received, TerminationSignals()...)

	go func() {
		for {
			select {
			case sig := <-received:
				first := stop.Set()
				if onSignal != nil {
					onSignal(sig, first)
				}
			case <-quit:
				return
			}
		}
	}()

	var once sync.Once

	return func() {
		once.Do(func() {
			stopSignals(received)
			close(quit)
		})
	}
}
