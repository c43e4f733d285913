// The doipd command runs a DoIP entity on the host network, answering
// vehicle discovery and routing diagnostic messages to a built in UDS
// responder.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v3"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/eshenhu/doipnode/config"
	"github.com/eshenhu/doipnode/gateway"
	"github.com/eshenhu/doipnode/socket"
	"github.com/eshenhu/doipnode/uds"
)

const didVIN = 0xF190

func main() {
	fs := flag.NewFlagSet("doipd", flag.ContinueOnError)
	var (
		configPath  = fs.String("config", "/etc/doipd/node.hujson", "node description file")
		metricsAddr = fs.String("metrics-addr", "", "listen address for the /metrics endpoint; empty disables it")
		logLevel    = fs.String("log-level", "", "log level: error, warn, info, debug or trace")
	)
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("DOIPD")); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	lf := logging.NewDefaultLoggerFactory()
	if *logLevel != "" {
		lvl, err := parseLevel(*logLevel)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		lf.DefaultLogLevel = lvl
	}
	log := lf.NewLogger("doipd")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, *configPath, *metricsAddr, lf); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, path, metricsAddr string, lf logging.LoggerFactory) error {
	c, err := config.Load(path)
	if err != nil {
		return err
	}
	log := lf.NewLogger("doipd")

	c.Socket.LoggerFactory = lf
	tr, err := socket.New(c.Socket)
	if err != nil {
		return err
	}

	dids := c.DIDs
	if dids == nil {
		dids = map[uint16][]byte{}
	}
	if _, ok := dids[didVIN]; !ok && c.Gateway.VIN != "" {
		dids[didVIN] = []byte(c.Gateway.VIN)
	}
	resp := uds.NewResponder(uds.ResponderConfig{
		DIDs:          dids,
		DTCs:          c.DTCs,
		LoggerFactory: lf,
	})

	c.Gateway.LoggerFactory = lf
	eng, err := gateway.New(c.Gateway, tr, resp)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tr.Serve(ctx, eng) })
	g.Go(func() error { return resp.Run(ctx, eng) })
	g.Go(func() error {
		if err := eng.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	if metricsAddr != "" {
		srv := &http.Server{
			Addr:              metricsAddr,
			Handler:           metricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Infof("serving metrics on %s", metricsAddr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	log.Infof("entity 0x%04X running", c.Gateway.LogicalAddress)
	err = g.Wait()
	log.Info("stopped")
	return err
}

func metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func parseLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(s) {
	case "error":
		return logging.LogLevelError, nil
	case "warn":
		return logging.LogLevelWarn, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	}
	return logging.LogLevelDisabled, fmt.Errorf("unknown log level %q", s)
}
