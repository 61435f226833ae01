package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// CreateContextWithShutdown returns a context cancelled on the first SIGINT or SIGTERM. A second signal exits the
// process without waiting for a graceful shutdown.
func CreateContextWithShutdown() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		log.Infof("received %s, shutting down", sig)
		cancel()
		sig = <-signals
		log.Warnf("received %s during shutdown, exiting", sig)
		os.Exit(1)
	}()
	return ctx
}
