package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"

	"github.com/simplesurance/gotrigger/internal/cfg"
	"github.com/simplesurance/gotrigger/internal/logfields"
	"github.com/simplesurance/gotrigger/internal/relay"
	"github.com/simplesurance/gotrigger/internal/stringutils"
)

const serverShutdownTimeout = 30 * time.Second

func registerServerShutdown(name string, srv *http.Server) {
	goodbye.Register(func(context.Context, os.Signal) {
		ctx, cancelFn := context.WithTimeout(context.Background(), serverShutdownTimeout)
		defer cancelFn()

		logger.Debug(
			"terminating "+name+" server",
			logfields.Event(name+"_server_terminating"),
			zap.Duration("shutdown_timeout", serverShutdownTimeout),
		)

		err := srv.Shutdown(ctx)
		if err != nil {
			logger.Warn(
				"shutting down "+name+" server failed",
				logfields.Event(name+"_server_termination_failed"),
				zap.Error(err),
			)
		}
	})
}

// startServer runs srv in a go-routine. errCh receives the error when the
// server terminates unexpectedly.
func startServer(name string, srv *http.Server, listenFn func() error, errCh chan<- error) {
	registerServerShutdown(name, srv)

	go func() {
		defer panicHandler()

		logger.Info(
			name+" server started",
			logfields.Event(name+"_server_started"),
			zap.String("listenAddr", srv.Addr),
		)

		err := listenFn()
		if errors.Is(err, http.ErrServerClosed) {
			logger.Info(name+" server terminated", logfields.Event(name+"_server_terminated"))
			return
		}

		logger.Error(
			name+" server terminated unexpectedly",
			logfields.Event(name+"_server_terminated_unexpectedly"),
			zap.Error(err),
		)

		errCh <- err
	}()
}

func startHTTPServer(listenAddr string, mux *http.ServeMux, errCh chan<- error) {
	srv := http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	startServer("http", &srv, srv.ListenAndServe, errCh)
}

func startHTTPSServer(listenAddr, certFile, keyFile string, mux *http.ServeMux, errCh chan<- error) {
	srv := http.Server{
		Addr:              listenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	startServer("https", &srv, func() error { return srv.ListenAndServeTLS(certFile, keyFile) }, errCh)
}

func serveCmd(ctx context.Context, config *cfg.Config, cmdArgs []string) error {
	flags := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	if err := flags.Parse(cmdArgs); err != nil {
		return err
	}

	if config.Relay.HTTPListenAddr == "" && config.Relay.HTTPSListenAddr == "" {
		return errors.New("relay.https_server_listen_addr or relay.http_server_listen_addr must be defined in the config file, both are unset")
	}

	if err := setupTracing(ctx, config); err != nil {
		return err
	}

	d, err := newDispatcher(ctx, config, true)
	if err != nil {
		return err
	}

	var opts []relay.Option
	if config.Relay.AuthToken != "" {
		opts = append(opts, relay.WithAuthToken(config.Relay.AuthToken))
	} else {
		logger.Warn(
			"relay.auth_token is not set, trigger requests are not authenticated",
			logfields.Event("relay_auth_disabled"),
		)
	}

	h := relay.New(d, opts...)

	mux := http.NewServeMux()
	h.RegisterHandlers(mux, config.Relay.Endpoint, config.Relay.MetricsEndpoint)

	logger.Info(
		"relay configured",
		logfields.Event("relay_configured"),
		zap.String("auth_token", stringutils.Hide(config.Relay.AuthToken)),
		zap.String("repository", config.Repository.String()),
	)

	errCh := make(chan error, 2)

	if config.Relay.HTTPListenAddr != "" {
		startHTTPServer(config.Relay.HTTPListenAddr, mux, errCh)
	}

	if config.Relay.HTTPSListenAddr != "" {
		startHTTPSServer(
			config.Relay.HTTPSListenAddr,
			config.Relay.HTTPSCertFile,
			config.Relay.HTTPSKeyFile,
			mux,
			errCh,
		)
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}
