package cmd

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/thomasp-ms/azure-ml-federated-learning/internal/logger"
)

// signalContext returns a context canceled on the first SIGINT or SIGTERM.
// A second signal exits immediately.
func signalContext(parent context.Context, log *logger.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	signalChan := make(chan os.Signal, 2)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)
	stopped := make(chan struct{})

	go func() {
		select {
		case sig := <-signalChan:
			log.Info("Received shutdown signal", "signal", sig.String())
			cancel()
		case <-stopped:
			return
		}
		select {
		case sig := <-signalChan:
			log.Warn("Received second signal, exiting", "signal", sig.String())
			os.Exit(1)
		case <-stopped:
		}
	}()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			signal.Stop(signalChan)
			close(stopped)
			cancel()
		})
	}
}
