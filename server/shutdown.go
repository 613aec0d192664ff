/******************************************************************************
 *
 *  Description :
 *
 *  Web server initialization and graceful shutdown.
 *
 *****************************************************************************/

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/roost-im/roost/server/logs"
)

// listenAndServe serves until stop fires or the server fails. On stop the
// listener is closed first, then upstream subscriptions.
func listenAndServe(addr string, handler http.Handler, stop <-chan bool) error {
	httpdone := make(chan error, 1)

	server := &http.Server{Addr: addr, Handler: handler}

	go func() {
		logs.Info.Printf("Listening for client HTTP connections on [%s]", server.Addr)
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			logs.Info.Println("HTTP server: stopped")
			err = nil
		}
		httpdone <- err
	}()

	// Wait for either a termination signal or an error
	select {
	case <-stop:
		// Close the Accept-ing socket, so no new connections are possible
		ctx, cancel := context.WithTimeout(context.Background(), globals.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			// failure/timeout shutting down the server gracefully
			logs.Warn.Println("HTTP server: shutdown", err)
		}

		// Wait for http server to stop Accept()-ing connections
		if err := <-httpdone; err != nil {
			logs.Err.Println("HTTP server: failed", err)
		}

		// Close upstream subscriptions. Persisted subscriptions are restored on the next start.
		logs.Info.Println("Canceling subscriptions...")
		sctx, scancel := context.WithTimeout(context.Background(), globals.shutdownTimeout)
		defer scancel()
		if err := globals.subscriber.Shutdown(sctx); err != nil {
			return err
		}

	case err := <-httpdone:
		if err != nil {
			logs.Err.Println("HTTP server: failed", err)
		}
		return err
	}
	return nil
}

func signalHandler() <-chan bool {
	stop := make(chan bool)

	signchan := make(chan os.Signal, 1)
	signal.Notify(signchan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)

	go func() {
		// Wait for a signal. Don't care which signal it is
		sig := <-signchan
		logs.Info.Printf("Signal received: '%s', shutting down", sig)
		stop <- true
	}()

	return stop
}
