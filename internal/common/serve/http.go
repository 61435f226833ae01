package serve

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 5 * time.Second

// ServeHttp serves handler on port in the background. The returned function shuts the server down.
func ServeHttp(port uint16, handler http.Handler) func() {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		log.Infof("serving http on port %d", port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(errors.WithStack(err)).Error("http server failed")
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Infof("stopping http server on port %d", port)
		if err := server.Shutdown(ctx); err != nil {
			log.WithError(errors.WithStack(err)).Warn("http server did not shut down cleanly")
		}
	}
}
