// Package signal implements the shutdown signal handling of the daemon.
package signal

import (
	"os"
	"os/signal"
	"syscall"
)

var (
	// interruptChannel is used to receive interrupt signals from the OS.
	interruptChannel = make(chan os.Signal, 1)

	// shutdownRequestChannel is used to request the daemon to shutdown
	// gracefully, similar to when receiving an interrupt signal.
	shutdownRequestChannel = make(chan struct{})

	// quit is closed when instructing the main interrupt handler to
	// exit.
	quit = make(chan struct{})

	// shutdownChannel is closed once the main interrupt handler exits.
	shutdownChannel = make(chan struct{})
)

// Intercept starts the interception of interrupt signals.
func Intercept() {
	signalsToCatch := []os.Signal{
		os.Interrupt,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	}
	signal.Notify(interruptChannel, signalsToCatch...)
	go mainInterruptHandler()
}

// mainInterruptHandler listens for SIGINT (Ctrl+C) signals on the
// interruptChannel and shutdown requests on the shutdownRequestChannel and
// closes the shutdown channel accordingly. It must be run as a goroutine.
func mainInterruptHandler() {
	// isShutdown indicates whether the shutdown signal has already been
	// received, so repeated signals don't close the channels twice.
	var isShutdown bool

	shutdown := func() {
		if isShutdown {
			return
		}
		isShutdown = true

		close(quit)
		close(shutdownChannel)
	}

	for {
		select {
		case <-interruptChannel:
			shutdown()

		case <-shutdownRequestChannel:
			shutdown()

		case <-quit:
			return
		}
	}
}

// RequestShutdown initiates a graceful shutdown from the application.
func RequestShutdown() {
	select {
	case shutdownRequestChannel <- struct{}{}:
	case <-quit:
	}
}

// ShutdownChannel returns the channel that will be closed once the main
// interrupt handler has exited.
func ShutdownChannel() <-chan struct{} {
	return shutdownChannel
}
